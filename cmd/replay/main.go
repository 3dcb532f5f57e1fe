package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"buildreplay.ai/internal/events"
	"buildreplay.ai/internal/persistence/gamelog"
	persistlog "buildreplay.ai/internal/persistence/log"
	"buildreplay.ai/internal/plan"
	"buildreplay.ai/internal/worldstate"
)

func main() {
	var (
		sessionPath = flag.String("session", "", "path to game-<id>.jsonl.zst (or use -db and -game)")
		dbPath      = flag.String("db", "", "event-log sqlite db")
		gameID      = flag.Int64("game", 0, "game id (with -db)")
		configDir   = flag.String("configs", "./configs", "config directory")
		at          = flag.String("at", "", "stop before the first event after this RFC 3339 time (optional)")
		after       = flag.Duration("after", 0, "stop this long after the first event (optional)")
		toSeq       = flag.Int64("to_seq", 0, "stop after this record id (inclusive, optional)")
		verbose     = flag.Bool("v", false, "print every applied block event")
	)
	flag.Parse()

	game, recs, err := loadGame(*sessionPath, *dbPath, *gameID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(2)
	}

	reg, err := plan.LoadRegistry(*configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load scenarios:", err)
		os.Exit(1)
	}
	sc, err := reg.Lookup(game.Scenario)
	if err != nil {
		fmt.Fprintln(os.Stderr, "scenario:", err)
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "[replay] ", log.LstdFlags|log.Lmicroseconds)
	evs, rep := events.NewIngester(nil, logger).Ingest(game.ID, recs)

	stop := stopAt{seq: *toSeq}
	if *at != "" {
		t, err := time.Parse(time.RFC3339Nano, *at)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -at:", err)
			os.Exit(2)
		}
		stop.at = t
	} else if *after > 0 && len(evs) > 0 {
		stop.at = evs[0].Time.Add(*after)
	}

	fmt.Printf("game %d scenario=%s architect=%s records=%d events=%d malformed=%d\n",
		game.ID, game.Scenario, game.Architect, len(recs), len(evs), rep.Malformed)

	var onEvent func(events.Event)
	if *verbose {
		onEvent = func(e events.Event) {
			fmt.Printf("%6d %s %-13s %s\n", e.Seq, e.Time.Format("15:04:05.000"), e.Kind, e.Pos)
		}
	}
	w, st := replayUntil(evs, sc, stop, onEvent)

	for _, p := range w.Present() {
		fmt.Printf("block %d %d %d\n", p.X, p.Y, p.Z)
	}
	for i, s := range sc.Steps {
		have := 0
		for p := range s.Targets {
			if w.Contains(p) {
				have++
			}
		}
		status := "missing"
		if have == len(s.Targets) {
			status = "built"
		}
		fmt.Printf("step %d %s: %s %d/%d\n", i, s.Label, status, have, len(s.Targets))
	}
	fmt.Printf("replay ok: applied=%d placed=%d removed=%d present=%d last=%s\n",
		st.applied, st.placed, st.removed, w.Len(), st.last.Format(time.RFC3339Nano))
}

// stopAt bounds a replay; zero fields mean no bound.
type stopAt struct {
	at  time.Time
	seq int64
}

func (s stopAt) reached(e events.Event) bool {
	if !s.at.IsZero() && e.Time.After(s.at) {
		return true
	}
	return s.seq > 0 && e.Seq > s.seq
}

type replayStats struct {
	applied int
	placed  int
	removed int
	last    time.Time
}

// replayUntil applies block events to the scenario's initial world until
// stop is reached. Events are in log order, so the first event past the
// bound ends the replay.
func replayUntil(evs []events.Event, sc *plan.Scenario, stop stopAt, onEvent func(events.Event)) (*worldstate.World, replayStats) {
	w := sc.Seed()
	var st replayStats
	for _, e := range evs {
		if stop.reached(e) {
			break
		}
		st.applied++
		st.last = e.Time
		switch e.Kind {
		case events.BlockPlaced:
			w.Add(e.Pos)
			st.placed++
		case events.BlockRemoved:
			w.Remove(e.Pos)
			st.removed++
		default:
			continue
		}
		if onEvent != nil {
			onEvent(e)
		}
	}
	return w, st
}

func loadGame(sessionPath, dbPath string, gameID int64) (events.Game, []events.Record, error) {
	switch {
	case sessionPath != "":
		sf, err := persistlog.ReadSession(sessionPath)
		if err != nil {
			return events.Game{}, nil, err
		}
		return sf.Game, sf.Records, nil
	case dbPath != "" && gameID > 0:
		st, err := gamelog.Open(dbPath)
		if err != nil {
			return events.Game{}, nil, err
		}
		defer st.Close()
		return st.Load(context.Background(), gameID)
	default:
		return events.Game{}, nil, fmt.Errorf("missing -session or -db with -game")
	}
}
