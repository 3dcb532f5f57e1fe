// Package progress streams batch results to websocket subscribers while an
// analysis run is in progress.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"buildreplay.ai/internal/progressproto"
	"buildreplay.ai/internal/replay"
)

type subscriber struct {
	out chan []byte

	mu  sync.Mutex
	sub progressproto.SubscribeMsg
}

func (s *subscriber) wants(res replay.SessionResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub.ProgressOnly {
		return false
	}
	return s.sub.Scenario == "" || s.sub.Scenario == res.Scenario
}

// Server fans results out to subscribers. It implements the batch sink
// interface through Put.
type Server struct {
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	dropped  atomic.Uint64

	mu    sync.Mutex
	subs  map[string]*subscriber
	state progressproto.Progress
}

func NewServer(logger *log.Logger) *Server {
	return &Server{
		log:  logger,
		subs: map[string]*subscriber{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only, see isLoopbackRemote
		},
	}
}

// Dropped counts messages not delivered because a subscriber fell behind.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

// BeginRun resets the tally for a new batch of total sessions.
func (s *Server) BeginRun(runID, selector string, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = progressproto.Progress{RunID: runID, Selector: selector, Total: total}
	s.broadcastProgressLocked(progressproto.TypeProgress)
}

// Put publishes one session result and the updated tally. Tallies go out
// under s.mu so every subscriber sees Done increase monotonically.
func (s *Server) Put(res replay.SessionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Done++
	if res.Error != "" {
		s.state.Failed++
	}
	b, err := json.Marshal(progressproto.ResultMsg{
		Type:            progressproto.TypeResult,
		ProtocolVersion: progressproto.Version,
		RunID:           s.state.RunID,
		Result:          res,
	})
	if err != nil {
		return fmt.Errorf("marshal result of game %d: %w", res.GameID, err)
	}
	for _, sub := range s.subs {
		if sub.wants(res) {
			s.send(sub, b)
		}
	}
	s.broadcastProgressLocked(progressproto.TypeProgress)
	return nil
}

// Finish marks the run done and tells every subscriber.
func (s *Server) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Finished = true
	s.broadcastProgressLocked(progressproto.TypeDone)
}

func (s *Server) Progress() progressproto.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) broadcastProgressLocked(typ string) {
	b, err := json.Marshal(progressproto.ProgressMsg{Type: typ, ProtocolVersion: progressproto.Version, Progress: s.state})
	if err != nil {
		return
	}
	for _, sub := range s.subs {
		s.send(sub, b)
	}
}

func (s *Server) send(sub *subscriber, b []byte) {
	select {
	case sub.out <- b:
	default:
		// Slow subscriber; it can resync from the next PROGRESS message.
		s.dropped.Add(1)
	}
}

func (s *Server) StatusHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.Progress())
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("P%d", s.nextID.Add(1))
		subr := &subscriber{out: make(chan []byte, 1024), sub: sub}

		s.mu.Lock()
		ack, _ := json.Marshal(progressproto.SubscribedMsg{
			Type:            progressproto.TypeSubscribed,
			ProtocolVersion: progressproto.Version,
			SessionID:       sid,
			Progress:        s.state,
		})
		subr.out <- ack
		s.subs[sid] = subr
		s.mu.Unlock()
		if s.log != nil {
			s.log.Printf("progress subscriber %s from %s", sid, r.RemoteAddr)
		}
		defer func() {
			s.mu.Lock()
			delete(s.subs, sid)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-subr.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			next, ok := parseSubscribe(msg)
			if !ok {
				continue
			}
			subr.mu.Lock()
			subr.sub = next
			subr.mu.Unlock()
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Handler serves the websocket feed at /v1/progress/ws and the current tally
// at /v1/progress.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/progress", s.StatusHandler())
	mux.Handle("/v1/progress/ws", s.WSHandler())
	return mux
}

func parseSubscribe(msg []byte) (progressproto.SubscribeMsg, bool) {
	var sub progressproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != progressproto.TypeSubscribe || sub.ProtocolVersion != progressproto.Version {
		return sub, false
	}
	sub.Scenario = strings.TrimSpace(sub.Scenario)
	return sub, true
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
