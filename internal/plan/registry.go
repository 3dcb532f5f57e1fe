package plan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"buildreplay.ai/internal/geom"
)

// RegistryFile is the scenario index inside a config directory.
const RegistryFile = "scenarios.yaml"

type registryDoc struct {
	Scenarios []ScenarioDef `yaml:"scenarios"`
}

type ScenarioDef struct {
	ID     string   `yaml:"id"`
	Flavor Flavor   `yaml:"flavor"`
	Plan   string   `yaml:"plan"`
	World  string   `yaml:"world,omitempty"`
	Labels []string `yaml:"labels,omitempty"`
}

// Registry maps scenario ids to parsed plans. It is immutable after loading
// and safe to share between goroutines.
type Registry struct {
	byID map[string]*Scenario
}

func NewRegistry(scenarios ...*Scenario) *Registry {
	r := &Registry{byID: make(map[string]*Scenario, len(scenarios))}
	for _, s := range scenarios {
		r.byID[s.ID] = s
	}
	return r
}

// LoadRegistry parses every scenario listed in configDir/scenarios.yaml.
// Any plan or world descriptor error fails the whole load.
func LoadRegistry(configDir string) (*Registry, error) {
	raw, err := os.ReadFile(filepath.Join(configDir, RegistryFile))
	if err != nil {
		return nil, err
	}
	var doc registryDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", RegistryFile, err)
	}
	r := &Registry{byID: make(map[string]*Scenario, len(doc.Scenarios))}
	for _, def := range doc.Scenarios {
		if def.ID == "" {
			return nil, fmt.Errorf("%s: scenario without id", RegistryFile)
		}
		if _, dup := r.byID[def.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate scenario %q", RegistryFile, def.ID)
		}
		s, err := LoadScenario(configDir, def)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", def.ID, err)
		}
		r.byID[def.ID] = s
	}
	return r, nil
}

// LoadScenario reads and parses one scenario's plan and initial world.
func LoadScenario(configDir string, def ScenarioDef) (*Scenario, error) {
	planRaw, err := os.ReadFile(filepath.Join(configDir, def.Plan))
	if err != nil {
		return nil, err
	}
	var steps []Step
	switch def.Flavor {
	case FlavorPerBlock:
		steps, err = ParseBlockScript(bytes.NewReader(planRaw), def.Plan)
	case FlavorPerObject:
		steps, err = ParseObjectScript(bytes.NewReader(planRaw), def.Plan)
	default:
		return nil, fmt.Errorf("unknown plan flavor %q", def.Flavor)
	}
	if err != nil {
		return nil, err
	}
	if len(def.Labels) > 0 {
		if len(def.Labels) != len(steps) {
			return nil, fmt.Errorf("%d labels for %d steps", len(def.Labels), len(steps))
		}
		for i := range steps {
			steps[i].Label = def.Labels[i]
		}
	}

	h := sha256.New()
	h.Write(planRaw)
	initial := geom.NewBlockSet()
	if def.World != "" {
		worldRaw, err := os.ReadFile(filepath.Join(configDir, def.World))
		if err != nil {
			return nil, err
		}
		initial, err = ParseInitialWorld(bytes.NewReader(worldRaw), def.World)
		if err != nil {
			return nil, err
		}
		h.Write(worldRaw)
	}
	return &Scenario{
		ID:      def.ID,
		Flavor:  def.Flavor,
		Steps:   steps,
		Initial: initial,
		Digest:  hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func (r *Registry) Lookup(id string) (*Scenario, error) {
	if r != nil {
		if s, ok := r.byID[id]; ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownScenario, id)
}

func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
