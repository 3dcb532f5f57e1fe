package replay

import (
	"time"

	"buildreplay.ai/internal/events"
)

type Level string

const (
	LevelTeaching  Level = "teaching"
	LevelHighLevel Level = "highlevel"
	LevelBlock     Level = "block"
)

// Summary holds session-wide figures. Counts stop at the success event when
// there is one, otherwise they cover the whole log.
type Summary struct {
	Successful       bool      `json:"successful"`
	Start            time.Time `json:"start,omitempty"`
	Success          time.Time `json:"success,omitempty"`
	End              time.Time `json:"end,omitempty"`
	TimeToSuccessSec float64   `json:"time_to_success_sec,omitempty"`
	TotalTimeSec     float64   `json:"total_time_sec"`

	BlocksPlaced    int `json:"blocks_placed"`
	BlocksDestroyed int `json:"blocks_destroyed"`
	Mistakes        int `json:"mistakes"`

	PlacementGapsMillis []int64 `json:"placement_gaps_ms,omitempty"`
	Level               Level   `json:"level"`
}

func Summarize(evs []events.Event, opts Options) Summary {
	s := Summary{Level: LevelBlock}
	if len(evs) == 0 {
		return s
	}
	s.Start, s.End = evs[0].Time, evs[len(evs)-1].Time
	s.TotalTimeSec = s.End.Sub(s.Start).Seconds()

	var (
		teaching, highLevel bool
		lastPlace           time.Time
		counting            = true
	)
	for _, e := range evs {
		if e.Is(events.TagTeaching) {
			teaching = true
		}
		if e.Is(events.TagHighLevel) {
			highLevel = true
		}
		if !counting {
			continue
		}
		switch e.Kind {
		case events.BlockPlaced:
			s.BlocksPlaced++
			if !lastPlace.IsZero() {
				s.PlacementGapsMillis = append(s.PlacementGapsMillis, e.Time.Sub(lastPlace).Milliseconds())
			}
			lastPlace = e.Time
		case events.BlockRemoved:
			s.BlocksDestroyed++
		default:
			if opts.isMistake(e) {
				s.Mistakes++
			}
			if e.Is(events.TagSuccess) {
				s.Successful = true
				s.Success = e.Time
				s.TimeToSuccessSec = e.Time.Sub(s.Start).Seconds()
				counting = false
			}
		}
	}
	switch {
	case teaching:
		s.Level = LevelTeaching
	case highLevel:
		s.Level = LevelHighLevel
	}
	return s
}
