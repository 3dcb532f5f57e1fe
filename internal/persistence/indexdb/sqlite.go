package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"buildreplay.ai/internal/plan"
	"buildreplay.ai/internal/replay"
)

// SQLiteIndex records analysis runs and their per-session results. Results
// are written by a single goroutine in batched transactions; the JSONL result
// files stay the source of truth when the queue overflows.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// mu guards sends on ch against Close.
	mu     sync.RWMutex
	closed bool

	dropResult atomic.Uint64
	dropFinish atomic.Uint64
	written    atomic.Uint64
}

type reqKind int

const (
	reqResult reqKind = iota + 1
	reqFinish
)

type req struct {
	kind reqKind

	runID  string
	result replay.SessionResult
	finish RunTotals
}

// RunInfo describes a batch when it starts.
type RunInfo struct {
	ID                      string    `json:"id"`
	StartedAt               time.Time `json:"started_at"`
	Selector                string    `json:"selector"`
	Workers                 int       `json:"workers"`
	CountDestroyedAsMistake bool      `json:"count_destroyed_as_mistake"`
}

type RunTotals struct {
	Sessions   int       `json:"sessions"`
	Failed     int       `json:"failed"`
	FinishedAt time.Time `json:"finished_at"`
}

// Stats counts results by outcome. Written only includes results whose
// transaction committed; DropResultTotal covers a full queue as well as
// failed writes and commits.
type Stats struct {
	QueueDepth      int
	QueueCapacity   int
	Written         uint64
	DropResultTotal uint64
	DropFinishTotal uint64
}

const defaultQueue = 4096

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, defaultQueue)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS scenarios (
			id TEXT PRIMARY KEY,
			flavor TEXT NOT NULL,
			digest TEXT NOT NULL,
			steps INTEGER NOT NULL,
			labels_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			selector TEXT NOT NULL,
			workers INTEGER NOT NULL,
			count_destroyed INTEGER NOT NULL,
			sessions INTEGER,
			failed INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS results (
			run_id TEXT NOT NULL,
			game_id INTEGER NOT NULL,
			scenario TEXT NOT NULL,
			architect TEXT NOT NULL,
			state TEXT NOT NULL,
			successful INTEGER NOT NULL,
			plan_digest TEXT NOT NULL,
			error TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (run_id, game_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_results_game ON results(game_id, run_id);`,
		`CREATE TABLE IF NOT EXISTS hlo (
			run_id TEXT NOT NULL,
			game_id INTEGER NOT NULL,
			idx INTEGER NOT NULL,
			label TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			mistakes INTEGER NOT NULL,
			PRIMARY KEY (run_id, game_id, idx)
		);`,
		`CREATE TABLE IF NOT EXISTS instructions (
			run_id TEXT NOT NULL,
			game_id INTEGER NOT NULL,
			idx INTEGER NOT NULL,
			instruction_id TEXT NOT NULL,
			text TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			wrongly_added INTEGER NOT NULL,
			wrongly_destroyed INTEGER NOT NULL,
			PRIMARY KEY (run_id, game_id, idx)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// DB exposes the handle for read-only admin queries.
func (s *SQLiteIndex) DB() *sql.DB { return s.db }

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:      len(s.ch),
		QueueCapacity:   cap(s.ch),
		Written:         s.written.Load(),
		DropResultTotal: s.dropResult.Load(),
		DropFinishTotal: s.dropFinish.Load(),
	}
}

// BeginRun registers a new run synchronously and returns its id. A zero
// info.ID gets a fresh UUID.
func (s *SQLiteIndex) BeginRun(ctx context.Context, info RunInfo) (string, error) {
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id,started_at,selector,workers,count_destroyed) VALUES(?,?,?,?,?)`,
		info.ID, info.StartedAt.UTC().Format(time.RFC3339Nano), info.Selector, info.Workers, boolInt(info.CountDestroyedAsMistake),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return info.ID, nil
}

func (s *SQLiteIndex) RecordResult(runID string, r replay.SessionResult) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropResult.Add(1)
		return
	}
	select {
	case s.ch <- req{kind: reqResult, runID: runID, result: r}:
	default:
		s.dropResult.Add(1)
	}
}

func (s *SQLiteIndex) FinishRun(runID string, totals RunTotals) {
	if s == nil {
		return
	}
	if totals.FinishedAt.IsZero() {
		totals.FinishedAt = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropFinish.Add(1)
		return
	}
	select {
	case s.ch <- req{kind: reqFinish, runID: runID, finish: totals}:
	default:
		s.dropFinish.Add(1)
	}
}

// UpsertScenarios stores the plan digests a run was computed against.
func (s *SQLiteIndex) UpsertScenarios(ctx context.Context, reg *plan.Registry) error {
	if s == nil || reg == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO scenarios(id,flavor,digest,steps,labels_json,updated_at) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range reg.IDs() {
		sc, err := reg.Lookup(id)
		if err != nil {
			return err
		}
		labels, _ := json.Marshal(sc.Labels())
		if _, err := stmt.ExecContext(ctx, sc.ID, string(sc.Flavor), sc.Digest, len(sc.Steps), string(labels), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Run is one row of the runs table.
type Run struct {
	ID         string `json:"run_id"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Selector   string `json:"selector"`
	Workers    int    `json:"workers"`
	Sessions   int    `json:"sessions"`
	Failed     int    `json:"failed"`
}

func (s *SQLiteIndex) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id,started_at,COALESCE(finished_at,''),selector,workers,COALESCE(sessions,0),COALESCE(failed,0)
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Selector, &r.Workers, &r.Sessions, &r.Failed); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Results returns the stored results of a run ordered by game id.
func (s *SQLiteIndex) Results(ctx context.Context, runID string) ([]replay.SessionResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT raw_json FROM results WHERE run_id=? ORDER BY game_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []replay.SessionResult
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r replay.SessionResult
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("run %s: decode result: %w", runID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Prepared statements (on db; executed within tx).
	insertResult, _ := s.db.Prepare(`INSERT OR REPLACE INTO results(run_id,game_id,scenario,architect,state,successful,plan_digest,error,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertHLO, _ := s.db.Prepare(`INSERT OR REPLACE INTO hlo(run_id,game_id,idx,label,duration_ms,mistakes) VALUES(?,?,?,?,?,?)`)
	insertInstruction, _ := s.db.Prepare(`INSERT OR REPLACE INTO instructions(run_id,game_id,idx,instruction_id,text,duration_ms,wrongly_added,wrongly_destroyed) VALUES(?,?,?,?,?,?,?,?)`)
	updateRun, _ := s.db.Prepare(`UPDATE runs SET finished_at=?, sessions=?, failed=? WHERE run_id=?`)
	defer func() {
		for _, st := range []*sql.Stmt{insertResult, insertHLO, insertInstruction, updateRun} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		pending       uint64 // results written in the open tx
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() bool {
		if tx == nil {
			return true
		}
		err := tx.Commit()
		if err != nil {
			s.dropResult.Add(pending)
		} else {
			s.written.Add(pending)
		}
		tx = nil
		opCount = 0
		pending = 0
		lastCommit = time.Now()
		return err == nil
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.dropResult.Add(pending)
		tx = nil
		opCount = 0
		pending = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			s.countDrop(r.kind)
			continue
		}
		switch r.kind {
		case reqResult:
			// Each result sits in its own savepoint so a failing one does
			// not take the rest of the batch with it.
			if _, err := tx.Exec(`SAVEPOINT result`); err != nil {
				s.dropResult.Add(1)
				rollback()
				continue
			}
			if err := s.writeResult(tx, insertResult, insertHLO, insertInstruction, r.runID, r.result); err != nil {
				s.dropResult.Add(1)
				if _, err := tx.Exec(`ROLLBACK TO result`); err != nil {
					rollback()
					continue
				}
			} else {
				pending++
				opCount++
			}
			if _, err := tx.Exec(`RELEASE result`); err != nil {
				rollback()
				continue
			}

		case reqFinish:
			if updateRun == nil {
				s.dropFinish.Add(1)
				continue
			}
			f := r.finish
			if _, err := tx.Stmt(updateRun).Exec(f.FinishedAt.UTC().Format(time.RFC3339Nano), f.Sessions, f.Failed, r.runID); err != nil {
				s.dropFinish.Add(1)
				rollback()
				continue
			}
			// A finished run should be visible to readers right away.
			if !commit() {
				s.dropFinish.Add(1)
			}
			continue
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}

func (s *SQLiteIndex) countDrop(k reqKind) {
	switch k {
	case reqResult:
		s.dropResult.Add(1)
	case reqFinish:
		s.dropFinish.Add(1)
	}
}

func (s *SQLiteIndex) writeResult(tx *sql.Tx, insertResult, insertHLO, insertInstruction *sql.Stmt, runID string, r replay.SessionResult) error {
	if insertResult == nil || insertHLO == nil || insertInstruction == nil {
		return fmt.Errorf("statements not prepared")
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := tx.Stmt(insertResult).Exec(
		runID,
		r.GameID,
		r.Scenario,
		r.Architect,
		r.State.String(),
		boolInt(r.Summary.Successful),
		r.PlanDigest,
		nullString(r.Error),
		string(raw),
	); err != nil {
		return err
	}
	for i, h := range r.HLO {
		if _, err := tx.Stmt(insertHLO).Exec(runID, r.GameID, i, h.Label, h.DurationMillis, h.Mistakes); err != nil {
			return err
		}
	}
	for i, in := range r.Instructions {
		if _, err := tx.Stmt(insertInstruction).Exec(runID, r.GameID, i, in.ID, in.Text, in.DurationMillis, in.WronglyAdded, in.WronglyDestroyed); err != nil {
			return err
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
