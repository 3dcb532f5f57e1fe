package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"

	"buildreplay.ai/internal/geom"
)

// IngestReport counts what happened to the raw records of one session.
type IngestReport struct {
	Records   int `json:"records"`
	Events    int `json:"events"`
	Skipped   int `json:"skipped"`
	Malformed int `json:"malformed"`
}

// Ingester turns raw log records into typed events. It holds no per-session
// state and may be shared.
type Ingester struct {
	Markers *MarkerTable
	Logger  *log.Logger
}

func NewIngester(markers *MarkerTable, logger *log.Logger) *Ingester {
	if markers == nil {
		markers = DefaultMarkerTable()
	}
	return &Ingester{Markers: markers, Logger: logger}
}

// newFlagText is the text fallback for instructions logged without a
// structured "new" field.
var newFlagText = regexp.MustCompile(`\\?"new\\?"\s*:\s*true`)

func (in *Ingester) Ingest(gameID int64, recs []Record) ([]Event, IngestReport) {
	rep := IngestReport{Records: len(recs)}
	out := make([]Event, 0, len(recs))
	for _, r := range recs {
		ev, ok := in.convert(gameID, r, &rep)
		if !ok {
			rep.Skipped++
			continue
		}
		out = append(out, ev)
	}
	rep.Events = len(out)
	return out, rep
}

func (in *Ingester) convert(gameID int64, r Record, rep *IngestReport) (Event, bool) {
	ev := Event{Seq: r.ID, Time: r.Timestamp}
	switch {
	case r.MessageType == TypeBlockPlaced || r.MessageType == TypeBlockDestroyed:
		ev.Kind = BlockPlaced
		if r.MessageType == TypeBlockDestroyed {
			ev.Kind = BlockRemoved
		}
		pos, err := decodeBlock(r.Message)
		if err != nil {
			rep.Malformed++
			in.logf("game %d record %d at %s: %v", gameID, r.ID, r.Timestamp.Format("2006-01-02T15:04:05.000"), err)
		}
		ev.Pos = pos
	case strings.Contains(r.Message, `"newGameState"`):
		ev.Kind = StateChanged
		ev.Tags = in.Markers.Classify(r.Message)
	case r.MessageType == TypeText:
		ev.Kind = InstructionText
		ev.Tags = in.Markers.Classify(r.Message)
		text, isNew, blocks := decodeInstruction(r.Message)
		ev.Text = text
		ev.Required = blocks
		switch {
		case isNew != nil:
			ev.HasNewFlag = true
			if *isNew {
				ev.Tags |= TagNewInstruction
			}
		case newFlagText.MatchString(r.Message):
			ev.Tags |= TagNewInstruction
		}
	default:
		return Event{}, false
	}
	return ev, true
}

func (in *Ingester) logf(format string, args ...any) {
	if in.Logger != nil {
		in.Logger.Printf(format, args...)
	}
}

// decodeBlock reads x, y and z from a block message. Missing or unreadable
// components default to 0; the error reports what was wrong.
func decodeBlock(msg string) (geom.Vec3i, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(msg)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return geom.Vec3i{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	var verr error
	if err := blockPayloadSchema.Validate(v); err != nil {
		verr = fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	obj, _ := v.(map[string]any)
	var c [3]int
	for i, k := range [3]string{"x", "y", "z"} {
		n, ok := obj[k].(json.Number)
		if !ok {
			continue
		}
		if iv, err := n.Int64(); err == nil {
			c[i] = int(iv)
		}
	}
	return geom.FromArray(c), verr
}

type instructionFields struct {
	Text    string   `json:"text"`
	Message string   `json:"message"`
	New     *bool    `json:"new"`
	Blocks  [][3]int `json:"blocks"`
}

// decodeInstruction pulls display text, the explicit "new" flag and any
// required blocks out of a text message. The architect wraps its structured
// instruction as a JSON string inside the outer "text" field.
func decodeInstruction(msg string) (text string, isNew *bool, blocks []geom.Vec3i) {
	var outer instructionFields
	if err := json.Unmarshal([]byte(msg), &outer); err != nil {
		return msg, nil, nil
	}
	fields := []instructionFields{outer}
	if inner := strings.TrimSpace(outer.Text); strings.HasPrefix(inner, "{") {
		var nested instructionFields
		if err := json.Unmarshal([]byte(inner), &nested); err == nil {
			outer.Text = ""
			fields = []instructionFields{nested, outer}
		}
	}
	for _, f := range fields {
		if text == "" {
			if f.Message != "" {
				text = f.Message
			} else if f.Text != "" {
				text = f.Text
			}
		}
		if isNew == nil && f.New != nil {
			isNew = f.New
		}
		if blocks == nil && len(f.Blocks) > 0 {
			blocks = make([]geom.Vec3i, 0, len(f.Blocks))
			for _, b := range f.Blocks {
				blocks = append(blocks, geom.FromArray(b))
			}
		}
	}
	if text == "" {
		text = msg
	}
	return text, isNew, blocks
}
