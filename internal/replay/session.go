package replay

import (
	"log"

	"buildreplay.ai/internal/events"
	"buildreplay.ai/internal/plan"
)

// Session is one recorded game, fully materialized before replay.
type Session struct {
	GameID    int64
	Scenario  string
	Architect string
	Records   []events.Record
}

type SessionResult struct {
	GameID       int64               `json:"game_id"`
	Scenario     string              `json:"scenario"`
	Architect    string              `json:"architect,omitempty"`
	State        State               `json:"state"`
	HLO          []HLOTuple          `json:"hlo"`
	Instructions []InstructionTuple  `json:"instructions"`
	Unclosed     []string            `json:"unclosed,omitempty"`
	Diagnostics  []string            `json:"diagnostics,omitempty"`
	Warnings     []string            `json:"warnings,omitempty"`
	Summary      Summary             `json:"summary"`
	Ingest       events.IngestReport `json:"ingest"`
	PlanDigest   string              `json:"plan_digest,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// Analyzer runs ingestion, HLO detection, instruction segmentation and the
// summary for a session. It is safe to share between goroutines: every call
// builds its own replay state and the registry is read-only.
type Analyzer struct {
	Registry *plan.Registry
	Ingester *events.Ingester
	Options  Options
	Logger   *log.Logger
}

func NewAnalyzer(reg *plan.Registry, in *events.Ingester, opts Options, logger *log.Logger) *Analyzer {
	if in == nil {
		in = events.NewIngester(nil, logger)
	}
	return &Analyzer{Registry: reg, Ingester: in, Options: opts, Logger: logger}
}

// Analyze returns an error only when the scenario is unknown or the replay
// ended incomplete; in the latter case the result is still filled in.
func (a *Analyzer) Analyze(s Session) (SessionResult, error) {
	res := SessionResult{
		GameID:       s.GameID,
		Scenario:     s.Scenario,
		Architect:    s.Architect,
		State:        NotReplayed,
		HLO:          []HLOTuple{},
		Instructions: []InstructionTuple{},
	}
	sc, err := a.Registry.Lookup(s.Scenario)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	res.PlanDigest = sc.Digest

	evs, rep := a.Ingester.Ingest(s.GameID, s.Records)
	res.Ingest = rep
	res.Summary = Summarize(evs, a.Options)

	seg := NewSegmenter().Segment(evs, sc)
	res.Instructions = seg.Instructions
	res.Warnings = seg.Warnings
	for _, w := range seg.Warnings {
		a.logf("game %d: %s", s.GameID, w)
	}

	if a.Options.RequireSuccess && !res.Summary.Successful {
		res.Diagnostics = append(res.Diagnostics, "session never finished successfully; HLO replay skipped")
		return res, nil
	}

	hlo := NewDetector(a.Options).Detect(evs, sc)
	res.State = hlo.State
	res.HLO = hlo.HLO
	res.Unclosed = hlo.Unclosed
	res.Diagnostics = append(res.Diagnostics, hlo.Diagnostics...)
	switch hlo.State {
	case ReplayedWithRecovery:
		a.logf("game %d (%s): replayed with recovery", s.GameID, s.Scenario)
	case IncompleteReplay:
		err := hlo.Err()
		a.logf("game %d (%s): %v", s.GameID, s.Scenario, err)
		res.Error = err.Error()
		return res, err
	}
	return res, nil
}

func (a *Analyzer) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf(format, args...)
	}
}
