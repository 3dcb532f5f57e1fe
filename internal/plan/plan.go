package plan

import (
	"errors"

	"buildreplay.ai/internal/geom"
	"buildreplay.ai/internal/worldstate"
)

var ErrUnknownScenario = errors.New("unknown scenario")

type Flavor string

const (
	// FlavorPerBlock scripts group individual placements between
	// "-starting" and "-finished" markers.
	FlavorPerBlock Flavor = "per-block"
	// FlavorPerObject scripts start a new structure at every "!build-" action.
	FlavorPerObject Flavor = "per-object"
)

// Step is one high-level object: the blocks that must all be present at once
// for it to count as built. Steps are never mutated after loading.
type Step struct {
	Label   string
	Targets geom.BlockSet
}

// Scenario is a parsed build plan plus the blocks that exist before a
// session starts. It is shared read-only between concurrent replays.
type Scenario struct {
	ID      string
	Flavor  Flavor
	Steps   []Step
	Initial geom.BlockSet
	Digest  string
}

// Seed returns a fresh world holding the scenario's initial blocks.
func (s *Scenario) Seed() *worldstate.World {
	if s == nil {
		return worldstate.New()
	}
	return worldstate.Seeded(s.Initial)
}

func (s *Scenario) Labels() []string {
	out := make([]string, 0, len(s.Steps))
	for _, st := range s.Steps {
		out = append(out, st.Label)
	}
	return out
}
