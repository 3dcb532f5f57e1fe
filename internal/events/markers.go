package events

import (
	"fmt"
	"sort"
	"strings"
)

type Tags uint32

const (
	TagFirstInstruction Tags = 1 << iota
	TagMistakeWronglyAdded
	TagMistakeWronglyDestroyed
	TagFinished
	TagSuccess
	TagPraise
	TagReset
	TagTeaching
	TagHighLevel
	TagNewInstruction
)

const TagMistake = TagMistakeWronglyAdded | TagMistakeWronglyDestroyed

var tagNames = map[string]Tags{
	"first_instruction":         TagFirstInstruction,
	"mistake_wrongly_added":     TagMistakeWronglyAdded,
	"mistake_wrongly_destroyed": TagMistakeWronglyDestroyed,
	"finished":                  TagFinished,
	"success":                   TagSuccess,
	"praise":                    TagPraise,
	"reset":                     TagReset,
	"teaching":                  TagTeaching,
	"highlevel":                 TagHighLevel,
	"new_instruction":           TagNewInstruction,
}

func ParseTag(name string) (Tags, bool) {
	t, ok := tagNames[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

func (t Tags) Has(x Tags) bool { return t&x != 0 }

func (t Tags) Names() []string {
	var out []string
	for name, bit := range tagNames {
		if t&bit != 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Marker maps a substring of raw message text to a tag.
type Marker struct {
	Match string `yaml:"match" json:"match"`
	Tag   string `yaml:"tag" json:"tag"`
}

type compiledMarker struct {
	match string
	tag   Tags
}

// MarkerTable classifies raw message text. It is immutable once built.
type MarkerTable struct {
	markers []compiledMarker
}

// DefaultMarkers is the phrase set the experiment architects log.
var DefaultMarkers = []Marker{
	{Match: `"tree":`, Tag: "first_instruction"},
	{Match: `tree\":`, Tag: "first_instruction"},
	{Match: "Not there! please remove that block again", Tag: "mistake_wrongly_added"},
	{Match: "Please add this block again.", Tag: "mistake_wrongly_destroyed"},
	{Match: "Congratulations, you are done building", Tag: "finished"},
	{Match: `"newGameState": "SuccessfullyFinished"`, Tag: "success"},
	{Match: "Great!", Tag: "praise"},
	{Match: "Welcome!", Tag: "reset"},
	{Match: "spacebar", Tag: "reset"},
	{Match: "correct", Tag: "reset"},
	{Match: "teach you", Tag: "teaching"},
	{Match: "a wall", Tag: "highlevel"},
	{Match: "a floor", Tag: "highlevel"},
}

func NewMarkerTable(markers []Marker) (*MarkerTable, error) {
	mt := &MarkerTable{markers: make([]compiledMarker, 0, len(markers))}
	for _, m := range markers {
		if m.Match == "" {
			return nil, fmt.Errorf("marker with empty match for tag %q", m.Tag)
		}
		tag, ok := ParseTag(m.Tag)
		if !ok {
			return nil, fmt.Errorf("marker %q: unknown tag %q", m.Match, m.Tag)
		}
		mt.markers = append(mt.markers, compiledMarker{match: m.Match, tag: tag})
	}
	return mt, nil
}

func DefaultMarkerTable() *MarkerTable {
	mt, err := NewMarkerTable(DefaultMarkers)
	if err != nil {
		panic(err)
	}
	return mt
}

func (mt *MarkerTable) Classify(text string) Tags {
	var t Tags
	for _, m := range mt.markers {
		if strings.Contains(text, m.match) {
			t |= m.tag
		}
	}
	return t
}
