package replay

import (
	"fmt"
	"time"

	"buildreplay.ai/internal/events"
	"buildreplay.ai/internal/geom"
	"buildreplay.ai/internal/plan"
	"buildreplay.ai/internal/worldstate"
)

// StepState is the per-replay completion record of one plan step.
// Completed is written at most once.
type StepState struct {
	Label     string    `json:"label"`
	Completed time.Time `json:"completed"`
	Closed    bool      `json:"closed"`
	Mistakes  int       `json:"mistakes"`
	Recovered bool      `json:"recovered,omitempty"`
}

// HLOTuple is the per-structure output row, in plan order.
type HLOTuple struct {
	Label          string `json:"label"`
	DurationMillis int64  `json:"duration_ms"`
	Mistakes       int    `json:"mistakes"`
}

type HLOResult struct {
	State            State       `json:"state"`
	FirstInstruction time.Time   `json:"first_instruction,omitempty"`
	Steps            []StepState `json:"steps,omitempty"`
	HLO              []HLOTuple  `json:"hlo"`
	Unclosed         []string    `json:"unclosed,omitempty"`
	Diagnostics      []string    `json:"diagnostics,omitempty"`
}

// Err is non-nil only for IncompleteReplay.
func (r HLOResult) Err() error {
	if r.State != IncompleteReplay {
		return nil
	}
	return &IncompleteReplayError{Unclosed: r.Unclosed}
}

// Detector finds when each high-level object of a plan was completed.
type Detector struct {
	Options Options
}

func NewDetector(opts Options) *Detector { return &Detector{Options: opts} }

type placeMark struct {
	at       time.Time
	mistakes int
}

// hloPass is one forward replay of the log. Step states are shared between
// the first pass and the recovery pass so completions stay write-once.
type hloPass struct {
	opts           Options
	world          *worldstate.World
	plan           []plan.Step
	steps          []StepState
	ignoreDestroys bool

	mistakes      int
	first         time.Time
	haveFirst     bool
	firstMistakes int
	lastPlace     map[geom.Vec3i]placeMark
}

func (p *hloPass) run(evs []events.Event) {
	for _, e := range evs {
		switch e.Kind {
		case events.BlockPlaced:
			p.world.Add(e.Pos)
			p.lastPlace[e.Pos] = placeMark{at: e.Time, mistakes: p.mistakes}
		case events.BlockRemoved:
			if !p.ignoreDestroys {
				p.world.Remove(e.Pos)
			}
		case events.InstructionText, events.StateChanged:
			if !p.haveFirst && e.Is(events.TagFirstInstruction) {
				p.first, p.haveFirst, p.firstMistakes = e.Time, true, p.mistakes
			}
			if p.opts.isMistake(e) {
				p.mistakes++
			}
			// The finish message closes the last structure even when the
			// world we rebuilt disagrees.
			if e.Is(events.TagFinished) {
				if last := len(p.steps) - 1; last >= 0 && !p.steps[last].Closed {
					p.close(last, e.Time, p.mistakes)
				}
			}
		}
		for i := range p.steps {
			if p.steps[i].Closed {
				continue
			}
			if p.world.ContainsAll(p.plan[i].Targets) {
				p.close(i, e.Time, p.mistakes)
			}
		}
	}
}

func (p *hloPass) close(i int, at time.Time, mistakes int) {
	p.steps[i].Completed = at
	p.steps[i].Closed = true
	p.steps[i].Mistakes = mistakes
}

func (p *hloPass) unclosed() []string {
	var out []string
	for i, s := range p.steps {
		if !s.Closed {
			out = append(out, fmt.Sprintf("%d:%s", i, s.Label))
		}
	}
	return out
}

// assignLatestPlacements gives each open step the time of the latest
// placement of any of its blocks, or the first instruction when none of them
// was ever placed.
func (p *hloPass) assignLatestPlacements() {
	for i := range p.steps {
		if p.steps[i].Closed {
			continue
		}
		var (
			best  placeMark
			found bool
		)
		for b := range p.plan[i].Targets {
			m, ok := p.lastPlace[b]
			if !ok {
				continue
			}
			if !found || m.at.After(best.at) || (m.at.Equal(best.at) && m.mistakes > best.mistakes) {
				best, found = m, true
			}
		}
		if !found && p.haveFirst {
			best, found = placeMark{at: p.first, mistakes: p.firstMistakes}, true
		}
		if found {
			p.close(i, best.at, best.mistakes)
			p.steps[i].Recovered = true
		}
	}
}

// Detect replays evs against the scenario's plan. A log that leaves steps
// open gets exactly one recovery attempt: open steps take their latest
// placement time and the log is replayed again without applying destroys.
func (d *Detector) Detect(evs []events.Event, sc *plan.Scenario) HLOResult {
	res := HLOResult{State: ReplayedClean, HLO: []HLOTuple{}}
	if sc == nil || len(sc.Steps) == 0 {
		return res
	}

	steps := make([]StepState, len(sc.Steps))
	for i, s := range sc.Steps {
		steps[i].Label = s.Label
	}
	first := &hloPass{
		opts:      d.Options,
		world:     sc.Seed(),
		plan:      sc.Steps,
		steps:     steps,
		lastPlace: map[geom.Vec3i]placeMark{},
	}
	first.run(evs)

	if open := first.unclosed(); len(open) > 0 {
		res.State = ReplayedWithRecovery
		res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("first pass left %d step(s) open: %v", len(open), open))
		first.assignLatestPlacements()

		second := &hloPass{
			opts:           d.Options,
			world:          sc.Seed(),
			plan:           sc.Steps,
			steps:          steps,
			ignoreDestroys: true,
			lastPlace:      map[geom.Vec3i]placeMark{},
		}
		second.run(evs)
		if open := second.unclosed(); len(open) > 0 {
			res.State = IncompleteReplay
			res.Steps = steps
			res.Unclosed = open
			return res
		}
	}

	res.Steps = steps
	if !first.haveFirst {
		res.Diagnostics = append(res.Diagnostics, "first instruction never observed; durations cannot be anchored")
		return res
	}
	res.FirstInstruction = first.first

	prev, prevMistakes := first.first, 0
	for i, s := range steps {
		dur := s.Completed.Sub(prev).Milliseconds()
		if dur < 0 {
			res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("step %d (%s) completed %dms before its predecessor", i, s.Label, -dur))
		}
		m := s.Mistakes - prevMistakes
		if m < 0 {
			m = 0
		}
		res.HLO = append(res.HLO, HLOTuple{Label: s.Label, DurationMillis: dur, Mistakes: m})
		prev, prevMistakes = s.Completed, s.Mistakes
	}
	return res
}
