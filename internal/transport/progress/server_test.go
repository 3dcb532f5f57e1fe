package progress

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"buildreplay.ai/internal/progressproto"
	"buildreplay.ai/internal/replay"
)

func dial(t *testing.T, srv *httptest.Server, sub progressproto.SubscribeMsg) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/progress/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	sub.Type = progressproto.TypeSubscribe
	sub.ProtocolVersion = progressproto.Version
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var ack progressproto.SubscribedMsg
	readJSON(t, conn, &ack)
	if ack.Type != progressproto.TypeSubscribed || ack.SessionID == "" {
		t.Fatalf("ack=%+v", ack)
	}
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
}

func TestServer_StreamsResultsAndProgress(t *testing.T) {
	s := NewServer(nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	s.BeginRun("run-1", "all", 2)
	conn := dial(t, srv, progressproto.SubscribeMsg{})

	if err := s.Put(replay.SessionResult{GameID: 7, Scenario: "house", State: replay.ReplayedClean}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	var res progressproto.ResultMsg
	readJSON(t, conn, &res)
	if res.Type != progressproto.TypeResult || res.RunID != "run-1" || res.Result.GameID != 7 || res.Result.State != replay.ReplayedClean {
		t.Fatalf("result=%+v", res)
	}
	var prog progressproto.ProgressMsg
	readJSON(t, conn, &prog)
	if prog.Type != progressproto.TypeProgress || prog.Progress.Done != 1 || prog.Progress.Total != 2 {
		t.Fatalf("progress=%+v", prog)
	}

	s.Finish()
	var done progressproto.ProgressMsg
	readJSON(t, conn, &done)
	if done.Type != progressproto.TypeDone || !done.Progress.Finished {
		t.Fatalf("done=%+v", done)
	}
}

func TestServer_ScenarioFilter(t *testing.T) {
	s := NewServer(nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	s.BeginRun("run-2", "all", 2)
	conn := dial(t, srv, progressproto.SubscribeMsg{Scenario: "bridge"})

	_ = s.Put(replay.SessionResult{GameID: 1, Scenario: "house", Error: "boom"})
	var prog progressproto.ProgressMsg
	readJSON(t, conn, &prog)
	if prog.Type != progressproto.TypeProgress || prog.Progress.Failed != 1 {
		t.Fatalf("expected progress only, got %+v", prog)
	}

	_ = s.Put(replay.SessionResult{GameID: 2, Scenario: "bridge"})
	var res progressproto.ResultMsg
	readJSON(t, conn, &res)
	if res.Type != progressproto.TypeResult || res.Result.GameID != 2 {
		t.Fatalf("result=%+v", res)
	}
}

func TestServer_RejectsBadHandshake(t *testing.T) {
	s := NewServer(nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/progress/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(map[string]string{"type": "HELLO"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v", err)
	}
}

func TestServer_StatusHandler(t *testing.T) {
	s := NewServer(nil)
	s.BeginRun("run-3", "scenario=house", 5)
	_ = s.Put(replay.SessionResult{GameID: 1})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/progress", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var p progressproto.Progress
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.RunID != "run-3" || p.Total != 5 || p.Done != 1 {
		t.Fatalf("progress=%+v", p)
	}

	rec = httptest.NewRecorder()
	req.RemoteAddr = "10.0.0.8:5000"
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-loopback status=%d", rec.Code)
	}
}

func TestServer_ProgressIsMonotonic(t *testing.T) {
	s := NewServer(nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	const n = 200
	s.BeginRun("run-3", "all", n)
	conn := dial(t, srv, progressproto.SubscribeMsg{ProgressOnly: true})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < n; i += 8 {
				_ = s.Put(replay.SessionResult{GameID: int64(i + 1)})
			}
		}(w)
	}
	wg.Wait()

	last := 0
	for last < n {
		var prog progressproto.ProgressMsg
		readJSON(t, conn, &prog)
		if prog.Progress.Done <= last {
			t.Fatalf("tally went from %d to %d", last, prog.Progress.Done)
		}
		last = prog.Progress.Done
	}
	if s.Dropped() != 0 {
		t.Fatalf("dropped=%d", s.Dropped())
	}
}
