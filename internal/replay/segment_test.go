package replay

import (
	"strings"
	"testing"

	"buildreplay.ai/internal/events"
	"buildreplay.ai/internal/geom"
)

func TestSegment_OverlappingInstructionsShareMistakes(t *testing.T) {
	a, c := geom.V(0, 0, 0), geom.V(1, 0, 0)
	var b logBuilder
	b.text(0, events.TagNewInstruction, "place a", a).
		text(1, events.TagNewInstruction, "place c", c).
		text(2, events.TagMistakeWronglyAdded, "Not there! please remove that block again").
		text(3, events.TagPraise, "Great!").
		place(4, a).
		place(5, c)

	res := NewSegmenter().Segment(b.evs, scenario())
	if len(res.Instructions) != 2 || len(res.Warnings) != 0 {
		t.Fatalf("res=%+v", res)
	}
	for _, in := range res.Instructions {
		if in.WronglyAdded != 1 || in.WronglyDestroyed != 0 {
			t.Fatalf("instruction %s: %+v", in.ID, in)
		}
	}
	if res.Instructions[0].DurationMillis != 4000 || res.Instructions[1].DurationMillis != 4000 {
		t.Fatalf("durations=%+v", res.Instructions)
	}
}

func TestSegment_InstructionWithoutBlocksClosesOnNext(t *testing.T) {
	a := geom.V(0, 0, 0)
	var b logBuilder
	b.text(0, events.TagNewInstruction, "look around").
		text(2, events.TagNewInstruction, "place a", a).
		text(3, events.TagMistakeWronglyDestroyed, "Please add this block again.").
		place(4, a)

	res := NewSegmenter().Segment(b.evs, scenario())
	if len(res.Instructions) != 2 {
		t.Fatalf("res=%+v", res)
	}
	first, second := res.Instructions[0], res.Instructions[1]
	if first.ID != "1" || first.DurationMillis != 2000 || first.WronglyDestroyed != 0 {
		t.Fatalf("first=%+v", first)
	}
	if second.ID != "2" || second.DurationMillis != 2000 || second.WronglyDestroyed != 1 {
		t.Fatalf("second=%+v", second)
	}
}

func TestSegment_OpenAtEndIsWarning(t *testing.T) {
	a, c := geom.V(0, 0, 0), geom.V(1, 0, 0)
	var b logBuilder
	b.text(0, events.TagNewInstruction, "place a", a).
		place(1, a).
		text(2, events.TagNewInstruction, "place c", c)

	res := NewSegmenter().Segment(b.evs, scenario())
	if len(res.Intervals) != 2 || len(res.Instructions) != 1 {
		t.Fatalf("res=%+v", res)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], ErrOpenInstructionAtEnd.Error()) {
		t.Fatalf("warnings=%v", res.Warnings)
	}
	if res.Intervals[1].Closed {
		t.Fatalf("second interval should stay open")
	}
}

func TestSegment_FinishedClosesEverything(t *testing.T) {
	var b logBuilder
	b.text(0, events.TagNewInstruction, "place a", geom.V(0, 0, 0)).
		text(1, events.TagNewInstruction, "place c", geom.V(1, 0, 0)).
		text(5, events.TagFinished, "Congratulations, you are done building").
		text(6, events.TagNewInstruction, "ignored")

	res := NewSegmenter().Segment(b.evs, scenario())
	if len(res.Intervals) != 2 || len(res.Warnings) != 0 {
		t.Fatalf("res=%+v", res)
	}
	if res.Instructions[0].DurationMillis != 5000 || res.Instructions[1].DurationMillis != 4000 {
		t.Fatalf("instructions=%+v", res.Instructions)
	}
}

func TestSegment_ResetStartsNextInstruction(t *testing.T) {
	a := geom.V(0, 0, 0)
	var b logBuilder
	b.text(0, events.TagReset, "Welcome!").
		text(1, 0, "build a floor", a).
		text(2, 0, "still the floor").
		place(3, a)

	res := NewSegmenter().Segment(b.evs, scenario())
	if len(res.Intervals) != 1 || res.Intervals[0].Text != "build a floor" {
		t.Fatalf("intervals=%+v", res.Intervals)
	}
	if res.Instructions[0].DurationMillis != 2000 {
		t.Fatalf("instructions=%+v", res.Instructions)
	}
}

func TestSegment_ExplicitFlagWins(t *testing.T) {
	var b logBuilder
	b.text(0, events.TagReset, "Welcome!").
		add(events.Event{Kind: events.InstructionText, Time: at(1), Text: "repeat", HasNewFlag: true})

	res := NewSegmenter().Segment(b.evs, scenario())
	if len(res.Intervals) != 0 {
		t.Fatalf("intervals=%+v", res.Intervals)
	}
}

func TestSegment_UsesInitialWorld(t *testing.T) {
	a := geom.V(0, 0, 0)
	sc := scenario()
	sc.Initial = geom.NewBlockSet(a)
	var b logBuilder
	b.text(0, events.TagNewInstruction, "already there", a)

	res := NewSegmenter().Segment(b.evs, sc)
	if len(res.Instructions) != 1 || res.Instructions[0].DurationMillis != 0 {
		t.Fatalf("res=%+v", res)
	}
}

func TestSegment_UnacknowledgedCorrection(t *testing.T) {
	var b logBuilder
	b.text(0, events.TagNewInstruction, "place a", geom.V(0, 0, 0)).
		text(1, events.TagMistakeWronglyAdded, "Not there! please remove that block again").
		place(2, geom.V(0, 0, 0))

	res := NewSegmenter().Segment(b.evs, scenario())
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "some wrong blocks were not removed") {
		t.Fatalf("warnings=%v", res.Warnings)
	}
}
