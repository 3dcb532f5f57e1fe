package main

import (
	"path/filepath"
	"testing"
	"time"

	"buildreplay.ai/internal/events"
	"buildreplay.ai/internal/geom"
	persistlog "buildreplay.ai/internal/persistence/log"
	"buildreplay.ai/internal/plan"
)

func TestReplayUntil(t *testing.T) {
	t0 := time.Date(2020, 5, 12, 14, 0, 0, 0, time.UTC)
	a, b := geom.V(1, 0, 0), geom.V(2, 0, 0)
	sc := &plan.Scenario{
		ID:      "tiny",
		Steps:   []plan.Step{{Label: "pair", Targets: geom.NewBlockSet(a, b)}},
		Initial: geom.NewBlockSet(geom.V(0, 0, 0)),
	}
	evs := []events.Event{
		{Seq: 1, Kind: events.BlockPlaced, Time: t0.Add(1 * time.Second), Pos: a},
		{Seq: 2, Kind: events.InstructionText, Time: t0.Add(2 * time.Second), Text: "now the other"},
		{Seq: 3, Kind: events.BlockPlaced, Time: t0.Add(3 * time.Second), Pos: b},
		{Seq: 4, Kind: events.BlockRemoved, Time: t0.Add(4 * time.Second), Pos: a},
	}

	cases := []struct {
		name    string
		stop    stopAt
		present int
		placed  int
		removed int
	}{
		{"whole log", stopAt{}, 2, 2, 1},
		{"by time", stopAt{at: t0.Add(3 * time.Second)}, 3, 2, 0},
		{"by seq", stopAt{seq: 2}, 2, 1, 0},
		{"before first", stopAt{at: t0}, 1, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var seen int
			w, st := replayUntil(evs, sc, tc.stop, func(events.Event) { seen++ })
			if w.Len() != tc.present || st.placed != tc.placed || st.removed != tc.removed {
				t.Fatalf("present=%d placed=%d removed=%d", w.Len(), st.placed, st.removed)
			}
			if seen != tc.placed+tc.removed {
				t.Fatalf("callback saw %d block events", seen)
			}
		})
	}
}

func TestLoadGame_SessionFile(t *testing.T) {
	path := persistlog.SessionPath(t.TempDir(), 5)
	err := persistlog.WriteSession(path, persistlog.SessionFile{
		Game:    events.Game{ID: 5, Scenario: "house"},
		Records: []events.Record{{ID: 1, MessageType: events.TypeText, Message: "hi"}},
	})
	if err != nil {
		t.Fatalf("WriteSession: %v", err)
	}
	g, recs, err := loadGame(path, "", 0)
	if err != nil {
		t.Fatalf("loadGame: %v", err)
	}
	if g.ID != 5 || len(recs) != 1 || recs[0].GameID != 5 {
		t.Fatalf("game=%+v records=%+v", g, recs)
	}

	if _, _, err := loadGame("", filepath.Join(t.TempDir(), "games.sqlite"), 0); err == nil {
		t.Fatalf("expected error without a game id")
	}
}
