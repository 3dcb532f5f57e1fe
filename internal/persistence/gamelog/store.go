// Package gamelog is the SQLite store of recorded sessions: one games row per
// session, its raw log rows in game_logs and the post-game questionnaire.
package gamelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"buildreplay.ai/internal/events"
)

var ErrGameNotFound = errors.New("game not found")

type Store struct {
	db *sql.DB
}

// Answer is one questionnaire row.
type Answer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Numeric reports the answer as an integer when it consists of digits only.
func (a Answer) Numeric() (int, bool) {
	if a.Answer == "" || strings.TrimLeft(a.Answer, "0123456789") != "" {
		return 0, false
	}
	n, err := strconv.Atoi(a.Answer)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Filter selects games. Zero fields match everything; MinID and MaxID are
// inclusive.
type Filter struct {
	Scenario  string
	Architect string
	MinID     int64
	MaxID     int64
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
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
	return &Store{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
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
		`CREATE TABLE IF NOT EXISTS games (
			id INTEGER PRIMARY KEY,
			scenario TEXT NOT NULL,
			architect_info TEXT NOT NULL DEFAULT '',
			player_name TEXT NOT NULL DEFAULT '',
			start_time TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_games_scenario ON games(scenario);`,
		`CREATE INDEX IF NOT EXISTS idx_games_architect ON games(architect_info);`,
		`CREATE TABLE IF NOT EXISTS game_logs (
			id INTEGER PRIMARY KEY,
			gameid INTEGER NOT NULL REFERENCES games(id) ON DELETE CASCADE,
			timestamp TEXT NOT NULL,
			message_type TEXT NOT NULL,
			message TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_game_logs_game ON game_logs(gameid, id);`,
		`CREATE TABLE IF NOT EXISTS questionnaires (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			gameid INTEGER NOT NULL REFERENCES games(id) ON DELETE CASCADE,
			question TEXT NOT NULL,
			answer TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for read-only admin queries.
func (s *Store) DB() *sql.DB { return s.db }

// ImportGame replaces a game and its log rows in one transaction. Record ids
// are kept, so the log order survives a round trip.
func (s *Store) ImportGame(ctx context.Context, g events.Game, recs []events.Record, answers []Answer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM games WHERE id=?`, g.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO games(id,scenario,architect_info,player_name,start_time) VALUES(?,?,?,?,?)`,
		g.ID, g.Scenario, g.Architect, g.PlayerName, formatTime(g.StartedAt),
	); err != nil {
		return fmt.Errorf("insert game %d: %w", g.ID, err)
	}

	insertLog, err := tx.PrepareContext(ctx, `INSERT INTO game_logs(id,gameid,timestamp,message_type,message) VALUES(?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer insertLog.Close()
	for _, r := range recs {
		var id any
		if r.ID > 0 {
			id = r.ID
		}
		if _, err := insertLog.ExecContext(ctx, id, g.ID, formatTime(r.Timestamp), r.MessageType, r.Message); err != nil {
			return fmt.Errorf("insert game %d record %d: %w", g.ID, r.ID, err)
		}
	}

	insertAnswer, err := tx.PrepareContext(ctx, `INSERT INTO questionnaires(gameid,question,answer) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer insertAnswer.Close()
	for _, a := range answers {
		if _, err := insertAnswer.ExecContext(ctx, g.ID, a.Question, a.Answer); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Game(ctx context.Context, id int64) (events.Game, error) {
	var (
		g     events.Game
		start string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id,scenario,architect_info,player_name,start_time FROM games WHERE id=?`, id,
	).Scan(&g.ID, &g.Scenario, &g.Architect, &g.PlayerName, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return events.Game{}, fmt.Errorf("%w: %d", ErrGameNotFound, id)
	}
	if err != nil {
		return events.Game{}, err
	}
	g.StartedAt, err = parseTime(start)
	if err != nil {
		return events.Game{}, fmt.Errorf("game %d start_time: %w", id, err)
	}
	return g, nil
}

// Records returns the game's log rows ordered by id, which is the order the
// game server wrote them in.
func (s *Store) Records(ctx context.Context, gameID int64) ([]events.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,gameid,timestamp,message_type,message FROM game_logs WHERE gameid=? ORDER BY id ASC`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Record
	for rows.Next() {
		var (
			r  events.Record
			ts string
		)
		if err := rows.Scan(&r.ID, &r.GameID, &ts, &r.MessageType, &r.Message); err != nil {
			return nil, err
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("game %d record %d timestamp: %w", gameID, r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Load returns a game and its records for the batch runner.
func (s *Store) Load(ctx context.Context, id int64) (events.Game, []events.Record, error) {
	g, err := s.Game(ctx, id)
	if err != nil {
		return events.Game{}, nil, err
	}
	recs, err := s.Records(ctx, id)
	if err != nil {
		return events.Game{}, nil, err
	}
	return g, recs, nil
}

func (s *Store) Questionnaire(ctx context.Context, gameID int64) ([]Answer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question,answer FROM questionnaires WHERE gameid=? ORDER BY id ASC`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Answer
	for rows.Next() {
		var a Answer
		if err := rows.Scan(&a.Question, &a.Answer); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) Games(ctx context.Context, f Filter) ([]events.Game, error) {
	var (
		where []string
		args  []any
	)
	if f.Scenario != "" {
		where = append(where, "scenario=?")
		args = append(args, f.Scenario)
	}
	if f.Architect != "" {
		where = append(where, "architect_info=?")
		args = append(args, f.Architect)
	}
	if f.MinID > 0 {
		where = append(where, "id>=?")
		args = append(args, f.MinID)
	}
	if f.MaxID > 0 {
		where = append(where, "id<=?")
		args = append(args, f.MaxID)
	}
	q := `SELECT id,scenario,architect_info,player_name,start_time FROM games`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []events.Game
	for rows.Next() {
		var (
			g     events.Game
			start string
		)
		if err := rows.Scan(&g.ID, &g.Scenario, &g.Architect, &g.PlayerName, &start); err != nil {
			return nil, err
		}
		if g.StartedAt, err = parseTime(start); err != nil {
			return nil, fmt.Errorf("game %d start_time: %w", g.ID, err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Architects lists the distinct architects that ran at least one game.
func (s *Store) Architects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT architect_info FROM games WHERE architect_info<>'' ORDER BY architect_info`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const timeLayout = "2006-01-02 15:04:05.000"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// parseTime accepts the stored layout and RFC 3339 for rows written by other
// tools.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(timeLayout, s, time.UTC); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
