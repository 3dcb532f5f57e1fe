package plan

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"buildreplay.ai/internal/geom"
)

// ParseBlockScript reads a per-block plan: every step is delimited by a
// "(!<label>-starting)" and a "(!<label>-finished)" line, with one
// "(!place-block <type> x y z)" line per block in between.
func ParseBlockScript(r io.Reader, name string) ([]Step, error) {
	var (
		steps []Step
		cur   *Step
	)
	err := scanLines(r, func(lineNo int, line string) error {
		switch {
		case strings.Contains(line, "-starting"):
			if cur != nil {
				return fmt.Errorf("%s:%d: step %q started before %q finished", name, lineNo, markerLabel(line, "-starting"), cur.Label)
			}
			cur = &Step{Label: markerLabel(line, "-starting"), Targets: geom.NewBlockSet()}
		case strings.Contains(line, "!place-block"):
			p, err := parseActionCoord(line)
			if err != nil {
				return fmt.Errorf("%s:%d: %w", name, lineNo, err)
			}
			// Placements outside a step (scaffolding) are not part of any structure.
			if cur != nil {
				cur.Targets.Add(p)
			}
		case strings.Contains(line, "-finished"):
			if cur == nil {
				return fmt.Errorf("%s:%d: %q finished without starting", name, lineNo, markerLabel(line, "-finished"))
			}
			steps = append(steps, *cur)
			cur = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cur != nil {
		return nil, fmt.Errorf("%s: step %q never finished", name, cur.Label)
	}
	return steps, nil
}

// ParseObjectScript reads a per-object plan: each "(!build-<label> ...)" action
// begins a new structure and the following "(!place-block-hidden <type> x y z)"
// lines are its blocks.
func ParseObjectScript(r io.Reader, name string) ([]Step, error) {
	var (
		steps []Step
		cur   = Step{Targets: geom.NewBlockSet()}
	)
	err := scanLines(r, func(lineNo int, line string) error {
		switch {
		case strings.Contains(line, "!build-"):
			if cur.Targets.Len() > 0 {
				steps = append(steps, cur)
			}
			cur = Step{Label: buildLabel(line), Targets: geom.NewBlockSet()}
		case strings.Contains(line, "!place-block-hidden"):
			p, err := parseActionCoord(line)
			if err != nil {
				return fmt.Errorf("%s:%d: %w", name, lineNo, err)
			}
			cur.Targets.Add(p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cur.Targets.Len() > 0 {
		steps = append(steps, cur)
	}
	return steps, nil
}

// ParseInitialWorld reads "x,y,z" lines. Lines starting with '#' are comments.
func ParseInitialWorld(r io.Reader, name string) (geom.BlockSet, error) {
	out := geom.NewBlockSet()
	err := scanLines(r, func(lineNo int, line string) error {
		if line == "" || strings.HasPrefix(line, "#") {
			return nil
		}
		parts := strings.Split(line, ",")
		if len(parts) < 3 {
			return fmt.Errorf("%s:%d: expected x,y,z", name, lineNo)
		}
		var v [3]int
		for i := 0; i < 3; i++ {
			n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
			if err != nil {
				return fmt.Errorf("%s:%d: %w", name, lineNo, err)
			}
			v[i] = n
		}
		out.Add(geom.FromArray(v))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanLines(r io.Reader, fn func(lineNo int, line string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if err := fn(lineNo, strings.TrimSpace(sc.Text())); err != nil {
			return err
		}
	}
	return sc.Err()
}

// parseActionCoord extracts x y z from "(!action <type> x y z ...)".
// Coordinates may be written as floats; they are truncated like the planner does.
func parseActionCoord(line string) (geom.Vec3i, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return geom.Vec3i{}, fmt.Errorf("expected action with 3 coordinates: %q", line)
	}
	var v [3]int
	for i := 0; i < 3; i++ {
		tok := strings.Trim(fields[2+i], "()")
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return geom.Vec3i{}, fmt.Errorf("bad coordinate %q: %w", tok, err)
		}
		v[i] = int(f)
	}
	return geom.FromArray(v), nil
}

func markerLabel(line, suffix string) string {
	for _, f := range strings.Fields(line) {
		if i := strings.Index(f, suffix); i >= 0 {
			return strings.TrimLeft(f[:i], "(!")
		}
	}
	return ""
}

func buildLabel(line string) string {
	i := strings.Index(line, "!build-")
	rest := line[i+len("!build-"):]
	if j := strings.IndexAny(rest, " \t)"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}
