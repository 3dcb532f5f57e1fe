package replay

import (
	"errors"
	"fmt"
	"strings"

	"buildreplay.ai/internal/events"
)

// State is the outcome of replaying one session against its plan.
type State uint8

const (
	NotReplayed State = iota
	ReplayedClean
	ReplayedWithRecovery
	IncompleteReplay
)

func (s State) String() string {
	switch s {
	case ReplayedClean:
		return "REPLAYED_CLEAN"
	case ReplayedWithRecovery:
		return "REPLAYED_WITH_RECOVERY"
	case IncompleteReplay:
		return "INCOMPLETE_REPLAY"
	default:
		return "NOT_REPLAYED"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "NOT_REPLAYED":
		*s = NotReplayed
	case "REPLAYED_CLEAN":
		*s = ReplayedClean
	case "REPLAYED_WITH_RECOVERY":
		*s = ReplayedWithRecovery
	case "INCOMPLETE_REPLAY":
		*s = IncompleteReplay
	default:
		return fmt.Errorf("unknown replay state %q", string(b))
	}
	return nil
}

// Usable reports whether per-step results may be consumed.
func (s State) Usable() bool { return s == ReplayedClean || s == ReplayedWithRecovery }

var (
	ErrIncompleteReplay     = errors.New("incomplete replay")
	ErrOpenInstructionAtEnd = errors.New("instruction open at end of log")
)

// IncompleteReplayError lists the plan steps that never closed, even after
// the recovery pass.
type IncompleteReplayError struct {
	Unclosed []string
}

func (e *IncompleteReplayError) Error() string {
	return fmt.Sprintf("%v: steps never completed: %s", ErrIncompleteReplay, strings.Join(e.Unclosed, ", "))
}

func (e *IncompleteReplayError) Is(target error) bool { return target == ErrIncompleteReplay }

// Options are passed per call; nothing in this package keeps global toggles.
type Options struct {
	// CountDestroyedAsMistake also counts "please add this block again"
	// corrections as mistakes, not only wrongly placed blocks.
	CountDestroyedAsMistake bool
	// RequireSuccess skips HLO reconstruction for sessions that never reached
	// the successfully-finished state.
	RequireSuccess bool
}

func DefaultOptions() Options {
	return Options{CountDestroyedAsMistake: true, RequireSuccess: true}
}

func (o Options) isMistake(e events.Event) bool {
	if e.Is(events.TagMistakeWronglyAdded) {
		return true
	}
	return o.CountDestroyedAsMistake && e.Is(events.TagMistakeWronglyDestroyed)
}
