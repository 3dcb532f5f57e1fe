package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"buildreplay.ai/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dbPath := fs.String("db", "./data/results.sqlite", "results index sqlite db")
	runID := fs.String("run", "", "run id (optional; defaults to latest)")
	gameID := fs.Int64("game", 0, "game id filter (hlo, instructions)")
	limit := fs.Int("limit", 20, "result limit (runs)")
	_ = fs.Parse(args)

	q := "runs"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	idx, err := indexdb.OpenSQLite(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()
	db := idx.DB()
	ctx := context.Background()

	if q != "runs" && q != "scenarios" && *runID == "" {
		lr, err := latestRun(db)
		if err != nil {
			fmt.Fprintln(os.Stderr, "latest run:", err)
			os.Exit(1)
		}
		if lr == "" {
			fmt.Fprintln(os.Stderr, "no runs found")
			os.Exit(2)
		}
		*runID = lr
	}

	switch q {
	case "runs":
		runs, err := idx.Runs(ctx, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range runs {
			printJSON(r)
		}

	case "results":
		res, err := idx.Results(ctx, *runID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range res {
			if *gameID != 0 && r.GameID != *gameID {
				continue
			}
			printJSON(r)
		}

	case "hlo":
		rows, err := db.Query(`SELECT game_id,idx,label,duration_ms,mistakes FROM hlo WHERE run_id=? AND (?=0 OR game_id=?) ORDER BY game_id,idx`, *runID, *gameID, *gameID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				RunID      string `json:"run_id"`
				GameID     int64  `json:"game_id"`
				Idx        int    `json:"idx"`
				Label      string `json:"label"`
				DurationMS int64  `json:"duration_ms"`
				Mistakes   int    `json:"mistakes"`
			}
			if err := rows.Scan(&r.GameID, &r.Idx, &r.Label, &r.DurationMS, &r.Mistakes); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			r.RunID = *runID
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "instructions":
		rows, err := db.Query(`SELECT game_id,idx,instruction_id,text,duration_ms,wrongly_added,wrongly_destroyed FROM instructions WHERE run_id=? AND (?=0 OR game_id=?) ORDER BY game_id,idx`, *runID, *gameID, *gameID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				RunID            string `json:"run_id"`
				GameID           int64  `json:"game_id"`
				Idx              int    `json:"idx"`
				InstructionID    string `json:"instruction_id"`
				Text             string `json:"text"`
				DurationMS       int64  `json:"duration_ms"`
				WronglyAdded     int    `json:"wrongly_added"`
				WronglyDestroyed int    `json:"wrongly_destroyed"`
			}
			if err := rows.Scan(&r.GameID, &r.Idx, &r.InstructionID, &r.Text, &r.DurationMS, &r.WronglyAdded, &r.WronglyDestroyed); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			r.RunID = *runID
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "steps":
		// Per-step averages over the sessions whose replay is usable.
		rows, err := db.Query(`SELECT r.scenario,h.idx,h.label,COUNT(*),AVG(h.duration_ms),AVG(h.mistakes)
			FROM hlo h JOIN results r ON r.run_id=h.run_id AND r.game_id=h.game_id
			WHERE h.run_id=? AND r.state IN ('REPLAYED_CLEAN','REPLAYED_WITH_RECOVERY')
			GROUP BY r.scenario,h.idx,h.label ORDER BY r.scenario,h.idx`, *runID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Scenario      string  `json:"scenario"`
				Idx           int     `json:"idx"`
				Label         string  `json:"label"`
				Sessions      int     `json:"sessions"`
				AvgDurationMS float64 `json:"avg_duration_ms"`
				AvgMistakes   float64 `json:"avg_mistakes"`
			}
			if err := rows.Scan(&r.Scenario, &r.Idx, &r.Label, &r.Sessions, &r.AvgDurationMS, &r.AvgMistakes); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "scenarios":
		rows, err := db.Query(`SELECT id,flavor,digest,steps,labels_json,updated_at FROM scenarios ORDER BY id`)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r struct {
					ID        string   `json:"id"`
					Flavor    string   `json:"flavor"`
					Digest    string   `json:"digest"`
					Steps     int      `json:"steps"`
					Labels    []string `json:"labels"`
					UpdatedAt string   `json:"updated_at"`
				}
				labels string
			)
			if err := rows.Scan(&r.ID, &r.Flavor, &r.Digest, &r.Steps, &labels, &r.UpdatedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			_ = json.Unmarshal([]byte(labels), &r.Labels)
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-db PATH] [-run ID] [-game N] runs|results|hlo|instructions|steps|scenarios")
		os.Exit(2)
	}
}

func latestRun(db *sql.DB) (string, error) {
	if db == nil {
		return "", fmt.Errorf("nil db")
	}
	var id string
	err := db.QueryRow(`SELECT run_id FROM runs ORDER BY started_at DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
