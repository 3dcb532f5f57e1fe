// Package worldstate tracks which block coordinates are present while a
// session log is replayed.
//
// Presence is a multiset rather than a set: the upstream logger has been seen
// to report place, place, destroy for a single location when the real order
// was place, destroy, place. Counting makes that sequence end with the block
// present (1+1-1) instead of absent.
package worldstate

import "buildreplay.ai/internal/geom"

// World is a multiset of coordinates. It is not safe for concurrent use.
type World struct {
	counts map[geom.Vec3i]int
}

func New() *World {
	return &World{counts: map[geom.Vec3i]int{}}
}

// Seeded returns a world holding one instance of every coordinate in blocks.
func Seeded(blocks geom.BlockSet) *World {
	w := &World{counts: make(map[geom.Vec3i]int, len(blocks))}
	for p := range blocks {
		w.counts[p] = 1
	}
	return w
}

func (w *World) Add(p geom.Vec3i) {
	w.counts[p]++
}

// Remove decrements the count for p. Removing an absent block is a no-op;
// older logs are known to miss placements.
func (w *World) Remove(p geom.Vec3i) {
	n := w.counts[p]
	if n <= 1 {
		delete(w.counts, p)
		return
	}
	w.counts[p] = n - 1
}

func (w *World) Count(p geom.Vec3i) int { return w.counts[p] }

func (w *World) Contains(p geom.Vec3i) bool { return w.counts[p] > 0 }

// ContainsAll reports whether every coordinate in targets has count >= 1.
// An empty target set is trivially contained.
func (w *World) ContainsAll(targets geom.BlockSet) bool {
	for p := range targets {
		if w.counts[p] <= 0 {
			return false
		}
	}
	return true
}

// Len is the number of distinct present coordinates.
func (w *World) Len() int { return len(w.counts) }

func (w *World) Present() []geom.Vec3i {
	out := make([]geom.Vec3i, 0, len(w.counts))
	for p := range w.counts {
		out = append(out, p)
	}
	geom.Sort(out)
	return out
}
