package log

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"buildreplay.ai/internal/events"
	"buildreplay.ai/internal/persistence/gamelog"
)

const sessionPrefix = "game-"

// SessionFile is one exported game. On disk the first line is the game
// header and every further line carries either one log record or one
// questionnaire answer.
type SessionFile struct {
	Game    events.Game
	Records []events.Record
	Answers []gamelog.Answer
}

type sessionLine struct {
	Game   *events.Game    `json:"game,omitempty"`
	Record *events.Record  `json:"record,omitempty"`
	Answer *gamelog.Answer `json:"answer,omitempty"`
}

func SessionPath(dir string, gameID int64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d.jsonl.zst", sessionPrefix, gameID))
}

func WriteSession(path string, s SessionFile) error {
	f, err := createJSONL(path, zstd.SpeedDefault)
	if err != nil {
		return err
	}
	write := func() error {
		g := s.Game
		if err := f.encode(sessionLine{Game: &g}); err != nil {
			return err
		}
		for i := range s.Records {
			if err := f.encode(sessionLine{Record: &s.Records[i]}); err != nil {
				return err
			}
		}
		for i := range s.Answers {
			if err := f.encode(sessionLine{Answer: &s.Answers[i]}); err != nil {
				return err
			}
		}
		return nil
	}
	err = write()
	if cerr := f.close(); err == nil {
		err = cerr
	}
	return err
}

var errNoHeader = errors.New("session file has no game header")

func ReadSession(path string) (SessionFile, error) {
	var (
		s        SessionFile
		seenGame bool
	)
	err := ScanJSONLZstd(path, func(line []byte) error {
		var l sessionLine
		if err := json.Unmarshal(line, &l); err != nil {
			return fmt.Errorf("unmarshal: %w", err)
		}
		switch {
		case l.Game != nil:
			if seenGame {
				return fmt.Errorf("second game header")
			}
			s.Game, seenGame = *l.Game, true
		case !seenGame:
			return errNoHeader
		case l.Record != nil:
			r := *l.Record
			r.GameID = s.Game.ID
			s.Records = append(s.Records, r)
		case l.Answer != nil:
			s.Answers = append(s.Answers, *l.Answer)
		}
		return nil
	})
	if err != nil {
		return SessionFile{}, err
	}
	if !seenGame {
		return SessionFile{}, fmt.Errorf("%s: %w", filepath.Base(path), errNoHeader)
	}
	return s, nil
}

// Dir serves exported sessions from a directory of game-<id>.jsonl.zst
// files.
type Dir struct {
	Path string
}

func (d Dir) load(id int64) (SessionFile, error) {
	s, err := ReadSession(SessionPath(d.Path, id))
	if errors.Is(err, os.ErrNotExist) {
		return SessionFile{}, fmt.Errorf("%w: %d", gamelog.ErrGameNotFound, id)
	}
	return s, err
}

func (d Dir) Game(ctx context.Context, id int64) (events.Game, error) {
	if err := ctx.Err(); err != nil {
		return events.Game{}, err
	}
	s, err := d.load(id)
	return s.Game, err
}

// Load reads the session file once and returns its header and records.
func (d Dir) Load(ctx context.Context, id int64) (events.Game, []events.Record, error) {
	if err := ctx.Err(); err != nil {
		return events.Game{}, nil, err
	}
	s, err := d.load(id)
	return s.Game, s.Records, err
}

// GameIDs lists the ids of all session files in the directory, ascending.
func (d Dir) GameIDs() ([]int64, error) {
	files, err := ListFiles(d.Path, sessionPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(files))
	for _, p := range files {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p), sessionPrefix), ".jsonl.zst")
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Games loads the header of every session file and keeps those matching f.
func (d Dir) Games(ctx context.Context, f gamelog.Filter) ([]events.Game, error) {
	ids, err := d.GameIDs()
	if err != nil {
		return nil, err
	}
	var out []events.Game
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if (f.MinID > 0 && id < f.MinID) || (f.MaxID > 0 && id > f.MaxID) {
			continue
		}
		g, err := d.Game(ctx, id)
		if err != nil {
			return nil, err
		}
		if f.Scenario != "" && g.Scenario != f.Scenario {
			continue
		}
		if f.Architect != "" && g.Architect != f.Architect {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}
