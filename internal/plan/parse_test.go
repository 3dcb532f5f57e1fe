package plan

import (
	"strings"
	"testing"

	"buildreplay.ai/internal/geom"
)

func TestParseBlockScript(t *testing.T) {
	src := `
(!place-block stone-block 0 65 0)
(!floor-starting)
(!place-block stone-block 1.0 66.0 1.0)
(!place-block stone-block 2.7 66.0 -1.5)
(!floor-finished)
(!railing-starting)
(!place-block stone-block 1 67 1)
(!railing-finished)
`
	steps, err := ParseBlockScript(strings.NewReader(src), "test.plan")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps=%d want=2", len(steps))
	}
	if steps[0].Label != "floor" || steps[1].Label != "railing" {
		t.Fatalf("labels=%q,%q", steps[0].Label, steps[1].Label)
	}
	// Floats truncate toward zero; the scaffolding block before the first step is dropped.
	want := geom.NewBlockSet(geom.V(1, 66, 1), geom.V(2, 66, -1))
	if steps[0].Targets.Len() != want.Len() {
		t.Fatalf("floor targets=%v", steps[0].Targets.Sorted())
	}
	for p := range want {
		if !steps[0].Targets.Has(p) {
			t.Fatalf("floor missing %v", p)
		}
	}
}

func TestParseBlockScriptErrors(t *testing.T) {
	cases := map[string]string{
		"finished without start": "(!floor-finished)\n",
		"never finished":         "(!floor-starting)\n(!place-block s 1 2 3)\n",
		"bad coordinate":         "(!floor-starting)\n(!place-block s 1 x 3)\n(!floor-finished)\n",
		"short action":           "(!floor-starting)\n(!place-block s 1)\n(!floor-finished)\n",
		"nested start":           "(!floor-starting)\n(!railing-starting)\n",
	}
	for name, src := range cases {
		if _, err := ParseBlockScript(strings.NewReader(src), "bad.plan"); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseObjectScript(t *testing.T) {
	src := `(!build-house 0 0 0)
(!build-wall 1 66 1 3 66 1)
(!place-block-hidden stone-block 1 66 1)
(!place-block-hidden stone-block 2 66 1)
(!build-row 1 67 1 3 67 1)
(!place-block-hidden stone-block 1 67 1)
`
	steps, err := ParseObjectScript(strings.NewReader(src), "test.plan")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps=%d want=2", len(steps))
	}
	if steps[0].Label != "wall" || steps[0].Targets.Len() != 2 {
		t.Fatalf("step0=%q %v", steps[0].Label, steps[0].Targets.Sorted())
	}
	if steps[1].Label != "row" || !steps[1].Targets.Has(geom.V(1, 67, 1)) {
		t.Fatalf("step1=%q %v", steps[1].Label, steps[1].Targets.Sorted())
	}
}

func TestParseInitialWorld(t *testing.T) {
	src := "# banks\n1,2,3\n\n-4, 5 ,6,stone\n"
	blocks, err := ParseInitialWorld(strings.NewReader(src), "w.csv")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if blocks.Len() != 2 || !blocks.Has(geom.V(1, 2, 3)) || !blocks.Has(geom.V(-4, 5, 6)) {
		t.Fatalf("blocks=%v", blocks.Sorted())
	}
	if _, err := ParseInitialWorld(strings.NewReader("1,2\n"), "w.csv"); err == nil {
		t.Fatalf("expected error for short line")
	}
}
