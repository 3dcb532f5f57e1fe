package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"buildreplay.ai/internal/events"
	"buildreplay.ai/internal/geom"
	"buildreplay.ai/internal/plan"
	"buildreplay.ai/internal/replay"
)

type memSource struct {
	games map[int64]events.Game
	recs  map[int64][]events.Record

	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	loads    atomic.Int32
}

func (m *memSource) Load(ctx context.Context, id int64) (events.Game, []events.Record, error) {
	m.loads.Add(1)
	g, ok := m.games[id]
	if !ok {
		return events.Game{}, nil, fmt.Errorf("no game %d", id)
	}
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxSeen.Load()
		if n <= cur || m.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	select {
	case <-time.After(m.delay):
	case <-ctx.Done():
		return events.Game{}, nil, ctx.Err()
	}
	return g, m.recs[id], nil
}

var t0 = time.Date(2020, 5, 12, 14, 0, 0, 0, time.UTC)

func finishedLog(id int64) []events.Record {
	msgs := [][2]string{
		{events.TypeText, `{"text":"{\"message\":\"place it\",\"new\":true,\"tree\":\"(block)\",\"blocks\":[[0,0,0]]}"}`},
		{events.TypeBlockPlaced, `{"x":0,"y":0,"z":0}`},
		{events.TypeText, `{"text":"Congratulations, you are done building"}`},
		{events.TypeStatus, `{"newGameState": "SuccessfullyFinished"}`},
	}
	out := make([]events.Record, len(msgs))
	for i, m := range msgs {
		out[i] = events.Record{ID: id*100 + int64(i), GameID: id, Timestamp: t0.Add(time.Duration(i) * time.Second), MessageType: m[0], Message: m[1]}
	}
	return out
}

func newRunner(src Source, workers int, sinks ...Sink) *Runner {
	reg := plan.NewRegistry(&plan.Scenario{
		ID:    "one",
		Steps: []plan.Step{{Label: "block", Targets: geom.NewBlockSet(geom.V(0, 0, 0))}},
	})
	return &Runner{
		Source:   src,
		Analyzer: replay.NewAnalyzer(reg, nil, replay.DefaultOptions(), nil),
		Workers:  workers,
		Sinks:    sinks,
	}
}

func TestRunner_BadSessionsDoNotStopBatch(t *testing.T) {
	src := &memSource{
		games: map[int64]events.Game{
			1: {ID: 1, Scenario: "one"},
			2: {ID: 2, Scenario: "castle"},
			4: {ID: 4, Scenario: "one"},
		},
		recs: map[int64][]events.Record{1: finishedLog(1), 2: finishedLog(2), 4: finishedLog(4)},
	}
	var (
		mu  sync.Mutex
		got []int64
	)
	sink := SinkFunc(func(res replay.SessionResult) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, res.GameID)
		return nil
	})

	rep, err := newRunner(src, 2, sink).Run(context.Background(), []int64{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Sessions != 4 || rep.Failed != 2 {
		t.Fatalf("report=%+v", rep)
	}
	if len(got) != 4 {
		t.Fatalf("sink saw %v", got)
	}
	if n := src.loads.Load(); n != 4 {
		t.Fatalf("source read %d times for 4 sessions", n)
	}
	for i, id := range []int64{1, 2, 3, 4} {
		if rep.Results[i].GameID != id {
			t.Fatalf("results out of order: %+v", rep.Results)
		}
	}
	if rep.Results[0].State != replay.ReplayedClean || len(rep.Results[0].HLO) != 1 {
		t.Fatalf("game 1=%+v", rep.Results[0])
	}
	if rep.Results[1].Error == "" || rep.Results[2].Error == "" {
		t.Fatalf("failed sessions carry no error: %+v %+v", rep.Results[1], rep.Results[2])
	}
}

func TestRunner_BoundsWorkers(t *testing.T) {
	src := &memSource{games: map[int64]events.Game{}, recs: map[int64][]events.Record{}, delay: 20 * time.Millisecond}
	ids := make([]int64, 12)
	for i := range ids {
		id := int64(i + 1)
		ids[i] = id
		src.games[id] = events.Game{ID: id, Scenario: "one"}
		src.recs[id] = finishedLog(id)
	}
	rep, err := newRunner(src, 3).Run(context.Background(), ids)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Failed != 0 {
		t.Fatalf("report=%+v", rep)
	}
	if m := src.maxSeen.Load(); m > 3 || m < 1 {
		t.Fatalf("max in flight=%d want 1..3", m)
	}
}

func TestRunner_Cancelled(t *testing.T) {
	src := &memSource{
		games: map[int64]events.Game{1: {ID: 1, Scenario: "one"}},
		recs:  map[int64][]events.Record{1: finishedLog(1)},
		delay: time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newRunner(src, 1).Run(ctx, []int64{1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}
