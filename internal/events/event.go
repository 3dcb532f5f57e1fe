package events

import (
	"errors"
	"time"

	"buildreplay.ai/internal/geom"
)

// ErrMalformedEvent marks a record whose payload lacks required fields. Such
// records are logged and replayed with zeroed fields, never returned as a
// replay failure.
var ErrMalformedEvent = errors.New("malformed event")

type Kind uint8

const (
	BlockPlaced Kind = iota + 1
	BlockRemoved
	InstructionText
	StateChanged
)

func (k Kind) String() string {
	switch k {
	case BlockPlaced:
		return "BLOCK_PLACED"
	case BlockRemoved:
		return "BLOCK_REMOVED"
	case InstructionText:
		return "INSTRUCTION_TEXT"
	case StateChanged:
		return "STATE_CHANGED"
	default:
		return "UNKNOWN"
	}
}

// Record is one row of the raw session log as the log store returns it,
// already ordered by ID.
type Record struct {
	ID          int64     `json:"id"`
	GameID      int64     `json:"game_id"`
	Timestamp   time.Time `json:"timestamp"`
	MessageType string    `json:"message_type"`
	Message     string    `json:"message"`
}

// Game is the metadata of one recorded session.
type Game struct {
	ID         int64     `json:"id"`
	Scenario   string    `json:"scenario"`
	Architect  string    `json:"architect,omitempty"`
	PlayerName string    `json:"player_name,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// Raw log message types.
const (
	TypeBlockPlaced    = "BlockPlacedMessage"
	TypeBlockDestroyed = "BlockDestroyedMessage"
	TypeText           = "TextMessage"
	TypeStatus         = "GameStatusMessage"
)

// Event is a typed, read-only log entry. Text events carry semantic tags
// resolved at ingestion; replay code only looks at Tags.
type Event struct {
	Seq  int64
	Kind Kind
	Time time.Time

	Pos geom.Vec3i

	Text       string
	Tags       Tags
	HasNewFlag bool
	Required   []geom.Vec3i
}

func (e Event) Is(t Tags) bool { return e.Tags&t != 0 }

// IsNew reports whether the instruction was marked new, either explicitly or
// by the text fallback.
func (e Event) IsNew() bool { return e.Tags&TagNewInstruction != 0 }
