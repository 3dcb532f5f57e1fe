package main

import (
	"encoding/json"
	"io"
	"sync"

	"buildreplay.ai/internal/persistence/indexdb"
	"buildreplay.ai/internal/replay"
)

// jsonLines prints one result per line. Workers call Put concurrently.
type jsonLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newJSONLines(w io.Writer) *jsonLines {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &jsonLines{enc: enc}
}

func (j *jsonLines) Put(res replay.SessionResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(res)
}

type indexSink struct {
	idx   *indexdb.SQLiteIndex
	runID string
}

func (s indexSink) Put(res replay.SessionResult) error {
	s.idx.RecordResult(s.runID, res)
	return nil
}
