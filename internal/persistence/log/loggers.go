package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"buildreplay.ai/internal/replay"
)

// jsonlFile writes JSON lines into a fresh zstd-compressed file.
type jsonlFile struct {
	f   *os.File
	enc *zstd.Encoder
	w   *bufio.Writer
	je  *json.Encoder
}

func createJSONL(path string, level zstd.EncoderLevel) (*jsonlFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(level))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w := bufio.NewWriterSize(enc, 128*1024)
	je := json.NewEncoder(w)
	je.SetEscapeHTML(false)
	return &jsonlFile{f: f, enc: enc, w: w, je: je}, nil
}

func (j *jsonlFile) encode(v any) error { return j.je.Encode(v) }

// flush pushes buffered lines through the encoder to the file.
func (j *jsonlFile) flush() error {
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.enc.Flush()
}

func (j *jsonlFile) close() error {
	err := j.w.Flush()
	if cerr := j.enc.Close(); err == nil {
		err = cerr
	}
	if serr := j.f.Sync(); err == nil {
		err = serr
	}
	if cerr := j.f.Close(); err == nil {
		err = cerr
	}
	return err
}

const runPrefix = "run-"

// RunHeader is the first line of a run's result file.
type RunHeader struct {
	RunID     string    `json:"run_id"`
	Selector  string    `json:"selector"`
	StartedAt time.Time `json:"started_at"`
}

// RunTotals is the last line, written by Close.
type RunTotals struct {
	Sessions   int            `json:"sessions"`
	Failed     int            `json:"failed"`
	States     map[string]int `json:"states"`
	FinishedAt time.Time      `json:"finished_at"`
}

type runLine struct {
	Run    *RunHeader            `json:"run,omitempty"`
	Result *replay.SessionResult `json:"result,omitempty"`
	Totals *RunTotals            `json:"totals,omitempty"`
}

func RunLogPath(outDir, runID string) string {
	return filepath.Join(outDir, "results", runPrefix+runID+".jsonl.zst")
}

// RunLog is the result file of one analysis run: a header, one line per
// analyzed session in completion order, and the totals. It is safe for
// concurrent use.
type RunLog struct {
	path string
	now  func() time.Time

	mu     sync.Mutex
	f      *jsonlFile
	totals RunTotals
}

func CreateRunLog(outDir string, h RunHeader) (*RunLog, error) {
	if h.RunID == "" {
		return nil, fmt.Errorf("run log needs a run id")
	}
	path := RunLogPath(outDir, h.RunID)
	f, err := createJSONL(path, zstd.SpeedFastest)
	if err != nil {
		return nil, err
	}
	l := &RunLog{path: path, now: time.Now, f: f, totals: RunTotals{States: map[string]int{}}}
	if h.StartedAt.IsZero() {
		h.StartedAt = l.now().UTC()
	}
	if err := f.encode(runLine{Run: &h}); err != nil {
		_ = f.close()
		return nil, err
	}
	return l, nil
}

func (l *RunLog) Path() string { return l.path }

func (l *RunLog) WriteResult(res replay.SessionResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return os.ErrClosed
	}
	if err := l.f.encode(runLine{Result: &res}); err != nil {
		return fmt.Errorf("result of game %d: %w", res.GameID, err)
	}
	l.totals.Sessions++
	if res.Error != "" {
		l.totals.Failed++
	}
	l.totals.States[res.State.String()]++
	return l.f.flush()
}

// Close appends the totals line and closes the file. Later calls are no-ops.
func (l *RunLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	totals := l.totals
	totals.FinishedAt = l.now().UTC()
	err := l.f.encode(runLine{Totals: &totals})
	if cerr := l.f.close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// RunFile is a run log read back from disk. Totals is nil when the run was
// interrupted before Close.
type RunFile struct {
	Header  RunHeader
	Results []replay.SessionResult
	Totals  *RunTotals
}

var errNoRunHeader = errors.New("run file has no header")

func ReadRunLog(path string) (RunFile, error) {
	var (
		rf   RunFile
		seen bool
	)
	err := ScanJSONLZstd(path, func(line []byte) error {
		var l runLine
		if err := json.Unmarshal(line, &l); err != nil {
			return fmt.Errorf("unmarshal: %w", err)
		}
		switch {
		case l.Run != nil:
			rf.Header, seen = *l.Run, true
		case !seen:
			return errNoRunHeader
		case l.Result != nil:
			rf.Results = append(rf.Results, *l.Result)
		case l.Totals != nil:
			rf.Totals = l.Totals
		}
		return nil
	})
	if err != nil {
		return RunFile{}, err
	}
	if !seen {
		return RunFile{}, fmt.Errorf("%s: %w", filepath.Base(path), errNoRunHeader)
	}
	sort.SliceStable(rf.Results, func(i, j int) bool { return rf.Results[i].GameID < rf.Results[j].GameID })
	return rf, nil
}
