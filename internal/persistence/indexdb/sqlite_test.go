package indexdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"buildreplay.ai/internal/geom"
	"buildreplay.ai/internal/plan"
	"buildreplay.ai/internal/replay"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqResult, result: replay.SessionResult{GameID: 1}}

	s.RecordResult("run", replay.SessionResult{GameID: 2})
	s.FinishRun("run", RunTotals{Sessions: 2})

	st := s.Stats()
	if st.DropResultTotal != 1 {
		t.Fatalf("DropResultTotal=%d want=1", st.DropResultTotal)
	}
	if st.DropFinishTotal != 1 {
		t.Fatalf("DropFinishTotal=%d want=1", st.DropFinishTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_RecordsRun(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "results.db")

	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	runID, err := idx.BeginRun(ctx, RunInfo{Selector: "scenario=bridge", Workers: 2, CountDestroyedAsMistake: true})
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if len(runID) != 36 {
		t.Fatalf("run id %q is not a uuid", runID)
	}
	reg := plan.NewRegistry(&plan.Scenario{
		ID:     "bridge",
		Flavor: plan.FlavorPerBlock,
		Steps:  []plan.Step{{Label: "floor", Targets: geom.NewBlockSet(geom.V(0, 0, 0))}},
		Digest: "d1",
	})
	if err := idx.UpsertScenarios(ctx, reg); err != nil {
		t.Fatalf("UpsertScenarios: %v", err)
	}

	idx.RecordResult(runID, replay.SessionResult{
		GameID:       7,
		Scenario:     "bridge",
		State:        replay.ReplayedClean,
		HLO:          []replay.HLOTuple{{Label: "floor", DurationMillis: 1500, Mistakes: 1}},
		Instructions: []replay.InstructionTuple{{ID: "1", Text: "build a floor", DurationMillis: 1500}},
		Summary:      replay.Summary{Successful: true},
	})
	idx.RecordResult(runID, replay.SessionResult{GameID: 3, Scenario: "bridge", State: replay.IncompleteReplay, Error: "incomplete replay"})
	idx.FinishRun(runID, RunTotals{Sessions: 2, Failed: 1})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var (
		label    string
		duration int64
		mistakes int
	)
	if err := db.QueryRow(`SELECT label,duration_ms,mistakes FROM hlo WHERE run_id=? AND game_id=7 AND idx=0`, runID).Scan(&label, &duration, &mistakes); err != nil {
		t.Fatalf("Scan hlo: %v", err)
	}
	if label != "floor" || duration != 1500 || mistakes != 1 {
		t.Fatalf("hlo row mismatch: label=%q duration=%d mistakes=%d", label, duration, mistakes)
	}
	var sessions, failed int
	if err := db.QueryRow(`SELECT sessions,failed FROM runs WHERE run_id=?`, runID).Scan(&sessions, &failed); err != nil {
		t.Fatalf("Scan run: %v", err)
	}
	if sessions != 2 || failed != 1 {
		t.Fatalf("run totals: sessions=%d failed=%d", sessions, failed)
	}
	var digest string
	if err := db.QueryRow(`SELECT digest FROM scenarios WHERE id='bridge'`).Scan(&digest); err != nil || digest != "d1" {
		t.Fatalf("scenario digest=%q err=%v", digest, err)
	}

	idx, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	results, err := idx.Results(ctx, runID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(results) != 2 || results[0].GameID != 3 || results[1].State != replay.ReplayedClean {
		t.Fatalf("results=%+v", results)
	}
	runs, err := idx.Runs(ctx, 5)
	if err != nil || len(runs) != 1 || runs[0].Sessions != 2 {
		t.Fatalf("runs=%+v err=%v", runs, err)
	}
}

func TestSQLiteIndex_FailedWriteKeepsBatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "results.db")

	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if _, err := idx.DB().Exec(`CREATE TRIGGER reject_hlo BEFORE INSERT ON hlo WHEN NEW.label='broken'
		BEGIN SELECT RAISE(ABORT, 'rejected'); END;`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	runID, err := idx.BeginRun(ctx, RunInfo{Selector: "all"})
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	ok := func(id int64) replay.SessionResult {
		return replay.SessionResult{GameID: id, Scenario: "house", HLO: []replay.HLOTuple{{Label: "wall", DurationMillis: 10}}}
	}
	idx.RecordResult(runID, ok(1))
	idx.RecordResult(runID, replay.SessionResult{GameID: 2, Scenario: "house", HLO: []replay.HLOTuple{{Label: "broken"}}})
	idx.RecordResult(runID, ok(3))
	idx.FinishRun(runID, RunTotals{Sessions: 3})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st := idx.Stats()
	if st.Written != 2 || st.DropResultTotal != 1 || st.DropFinishTotal != 0 {
		t.Fatalf("stats=%+v", st)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()
	var results, hlo, orphan int
	if err := db.QueryRow(`SELECT COUNT(*) FROM results WHERE run_id=?`, runID).Scan(&results); err != nil {
		t.Fatalf("count results: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM hlo WHERE run_id=?`, runID).Scan(&hlo); err != nil {
		t.Fatalf("count hlo: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM results WHERE run_id=? AND game_id=2`, runID).Scan(&orphan); err != nil {
		t.Fatalf("count game 2: %v", err)
	}
	if uint64(results) != st.Written || hlo != 2 || orphan != 0 {
		t.Fatalf("rows: results=%d hlo=%d game2=%d written=%d", results, hlo, orphan, st.Written)
	}
}

func TestSQLiteIndex_SendAfterClose(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				idx.RecordResult("run", replay.SessionResult{GameID: id})
			}
		}(int64(i))
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()

	idx.RecordResult("run", replay.SessionResult{GameID: 99})
	idx.FinishRun("run", RunTotals{})
	st := idx.Stats()
	if st.DropFinishTotal != 1 {
		t.Fatalf("DropFinishTotal=%d want=1", st.DropFinishTotal)
	}
	if st.Written+st.DropResultTotal != 8*50+1 {
		t.Fatalf("results unaccounted: written=%d dropped=%d", st.Written, st.DropResultTotal)
	}
}
