package replay

import (
	"time"

	"buildreplay.ai/internal/events"
	"buildreplay.ai/internal/geom"
	"buildreplay.ai/internal/plan"
)

var t0 = time.Date(2020, 5, 12, 14, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

type logBuilder struct {
	evs []events.Event
}

func (b *logBuilder) add(e events.Event) *logBuilder {
	e.Seq = int64(len(b.evs) + 1)
	b.evs = append(b.evs, e)
	return b
}

func (b *logBuilder) place(sec int, p geom.Vec3i) *logBuilder {
	return b.add(events.Event{Kind: events.BlockPlaced, Time: at(sec), Pos: p})
}

func (b *logBuilder) remove(sec int, p geom.Vec3i) *logBuilder {
	return b.add(events.Event{Kind: events.BlockRemoved, Time: at(sec), Pos: p})
}

func (b *logBuilder) text(sec int, tags events.Tags, text string, required ...geom.Vec3i) *logBuilder {
	return b.add(events.Event{Kind: events.InstructionText, Time: at(sec), Text: text, Tags: tags, Required: required})
}

func scenario(steps ...plan.Step) *plan.Scenario {
	return &plan.Scenario{ID: "test", Flavor: plan.FlavorPerObject, Steps: steps}
}

func step(label string, ps ...geom.Vec3i) plan.Step {
	return plan.Step{Label: label, Targets: geom.NewBlockSet(ps...)}
}
