// Package batch analyzes many sessions in parallel. Each worker owns its own
// replay state; only the scenario registry is shared, read-only.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"buildreplay.ai/internal/events"
	"buildreplay.ai/internal/replay"
)

// Source yields the fully materialized log of one game in a single read.
type Source interface {
	Load(ctx context.Context, id int64) (events.Game, []events.Record, error)
}

// Sink receives every result as soon as its session is done. Put is called
// from several goroutines at once.
type Sink interface {
	Put(res replay.SessionResult) error
}

type SinkFunc func(res replay.SessionResult) error

func (f SinkFunc) Put(res replay.SessionResult) error { return f(res) }

type Runner struct {
	Source   Source
	Analyzer *replay.Analyzer
	Workers  int
	Sinks    []Sink
	Logger   *log.Logger
}

// Report sums up one Run. Results are in the order of the requested ids.
type Report struct {
	Sessions int                    `json:"sessions"`
	Failed   int                    `json:"failed"`
	Results  []replay.SessionResult `json:"-"`
}

// Run analyzes ids with at most Workers sessions in flight. A session that
// cannot be loaded or replayed is reported in its result and never stops the
// batch; only context cancellation does.
func (r *Runner) Run(ctx context.Context, ids []int64) (Report, error) {
	workers := r.Workers
	if workers <= 0 {
		workers = 1
	}
	results := make([]replay.SessionResult, len(ids))
	var (
		mu     sync.Mutex
		failed int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, id := range ids {
		if gctx.Err() != nil {
			break
		}
		i, id := i, id
		g.Go(func() error {
			res, err := r.one(gctx, id)
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			results[i] = res
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			for _, s := range r.Sinks {
				if serr := s.Put(res); serr != nil {
					r.logf("game %d: sink: %v", id, serr)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	rep := Report{Sessions: len(ids), Failed: failed, Results: results}
	if err != nil {
		return rep, fmt.Errorf("batch interrupted: %w", err)
	}
	return rep, nil
}

func (r *Runner) one(ctx context.Context, id int64) (replay.SessionResult, error) {
	fail := func(err error) (replay.SessionResult, error) {
		r.logf("game %d: %v", id, err)
		return replay.SessionResult{GameID: id, State: replay.NotReplayed, HLO: []replay.HLOTuple{}, Instructions: []replay.InstructionTuple{}, Error: err.Error()}, err
	}
	g, recs, err := r.Source.Load(ctx, id)
	if err != nil {
		return fail(fmt.Errorf("load session: %w", err))
	}
	res, err := r.Analyzer.Analyze(replay.Session{
		GameID:    g.ID,
		Scenario:  g.Scenario,
		Architect: g.Architect,
		Records:   recs,
	})
	if err != nil && !errors.Is(err, replay.ErrIncompleteReplay) {
		r.logf("game %d: %v", id, err)
	}
	return res, err
}

func (r *Runner) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}
