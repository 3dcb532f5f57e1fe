package replay

import (
	"fmt"
	"strconv"
	"time"

	"buildreplay.ai/internal/events"
	"buildreplay.ai/internal/geom"
	"buildreplay.ai/internal/plan"
)

// Interval is one instruction, from the moment it was given until it was
// satisfied. End is zero while the interval is open.
type Interval struct {
	ID               string       `json:"id"`
	Seq              int64        `json:"seq"`
	Text             string       `json:"text"`
	Start            time.Time    `json:"start"`
	End              time.Time    `json:"end,omitempty"`
	Closed           bool         `json:"closed"`
	Required         []geom.Vec3i `json:"required,omitempty"`
	WronglyAdded     int          `json:"wrongly_added"`
	WronglyDestroyed int          `json:"wrongly_destroyed"`

	required geom.BlockSet
}

type InstructionTuple struct {
	ID               string `json:"id"`
	Text             string `json:"text"`
	DurationMillis   int64  `json:"duration_ms"`
	WronglyAdded     int    `json:"wrongly_added"`
	WronglyDestroyed int    `json:"wrongly_destroyed"`
}

type SegmentResult struct {
	Intervals    []Interval         `json:"intervals"`
	Instructions []InstructionTuple `json:"instructions"`
	Warnings     []string           `json:"warnings,omitempty"`
}

// Segmenter splits a session into instruction intervals and attributes
// corrections to every instruction open at the time.
type Segmenter struct{}

func NewSegmenter() *Segmenter { return &Segmenter{} }

func (s *Segmenter) Segment(evs []events.Event, sc *plan.Scenario) SegmentResult {
	world := sc.Seed()
	var (
		all          []*Interval
		open         []*Interval
		pendingStart bool
		corrections  int
		acknowledged int
		outstanding  int
	)

	closeWhere := func(at time.Time, keep func(*Interval) bool) {
		remaining := open[:0]
		for _, iv := range open {
			if keep(iv) {
				remaining = append(remaining, iv)
				continue
			}
			iv.End, iv.Closed = at, true
		}
		open = remaining
	}

	finished := false
	for _, e := range evs {
		switch e.Kind {
		case events.BlockPlaced:
			world.Add(e.Pos)
		case events.BlockRemoved:
			world.Remove(e.Pos)
		case events.InstructionText, events.StateChanged:
			if e.Is(events.TagMistakeWronglyAdded) {
				corrections++
				outstanding++
				for _, iv := range open {
					iv.WronglyAdded++
				}
			}
			if e.Is(events.TagMistakeWronglyDestroyed) {
				for _, iv := range open {
					iv.WronglyDestroyed++
				}
			}
			if e.Is(events.TagPraise) && outstanding > 0 {
				acknowledged++
				outstanding--
			}
			if e.Is(events.TagFinished) {
				closeWhere(e.Time, func(*Interval) bool { return false })
				finished = true
				break
			}
			if e.Kind != events.InstructionText {
				break
			}
			if e.Is(events.TagReset) {
				// The next instruction after a welcome or teaching message starts a new interval.
				pendingStart = true
				break
			}
			if startsInstruction(e, pendingStart) {
				pendingStart = false
				// A new instruction means the previous one without known
				// blocks was satisfied.
				closeWhere(e.Time, func(iv *Interval) bool { return len(iv.required) > 0 })
				iv := &Interval{
					ID:       strconv.Itoa(len(all) + 1),
					Seq:      e.Seq,
					Text:     e.Text,
					Start:    e.Time,
					Required: e.Required,
					required: geom.NewBlockSet(e.Required...),
				}
				all = append(all, iv)
				open = append(open, iv)
			}
		}
		if finished {
			break
		}
		closeWhere(e.Time, func(iv *Interval) bool {
			return len(iv.required) == 0 || !world.ContainsAll(iv.required)
		})
	}

	res := SegmentResult{Intervals: make([]Interval, 0, len(all)), Instructions: []InstructionTuple{}}
	for _, iv := range all {
		res.Intervals = append(res.Intervals, *iv)
		if !iv.Closed {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%v: instruction %s (%q) given at %s", ErrOpenInstructionAtEnd, iv.ID, iv.Text, iv.Start.Format(time.RFC3339)))
			continue
		}
		res.Instructions = append(res.Instructions, InstructionTuple{
			ID:               iv.ID,
			Text:             iv.Text,
			DurationMillis:   iv.End.Sub(iv.Start).Milliseconds(),
			WronglyAdded:     iv.WronglyAdded,
			WronglyDestroyed: iv.WronglyDestroyed,
		})
	}
	if corrections != acknowledged {
		res.Warnings = append(res.Warnings, fmt.Sprintf("some wrong blocks were not removed: %d corrections, %d acknowledged", corrections, acknowledged))
	}
	return res
}

func startsInstruction(e events.Event, pendingStart bool) bool {
	if e.HasNewFlag {
		return e.IsNew()
	}
	return e.IsNew() || pendingStart
}
