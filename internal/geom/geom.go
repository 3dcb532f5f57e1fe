package geom

import (
	"fmt"
	"sort"
)

// Vec3i is the identity of a block in the world. Block type is not part of it.
type Vec3i struct {
	X int
	Y int
	Z int
}

func V(x, y, z int) Vec3i { return Vec3i{X: x, Y: y, Z: z} }

func FromArray(a [3]int) Vec3i { return Vec3i{X: a[0], Y: a[1], Z: a[2]} }

func (v Vec3i) ToArray() [3]int { return [3]int{v.X, v.Y, v.Z} }

func (v Vec3i) String() string { return fmt.Sprintf("(%d,%d,%d)", v.X, v.Y, v.Z) }

// Less orders by y, then x, then z (bottom layer first).
func Less(a, b Vec3i) bool {
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	if a.X != b.X {
		return a.X < b.X
	}
	return a.Z < b.Z
}

func Sort(ps []Vec3i) {
	sort.Slice(ps, func(i, j int) bool { return Less(ps[i], ps[j]) })
}

// BlockSet is a set of coordinates. The zero value is not usable; use NewBlockSet.
type BlockSet map[Vec3i]struct{}

func NewBlockSet(ps ...Vec3i) BlockSet {
	s := make(BlockSet, len(ps))
	for _, p := range ps {
		s[p] = struct{}{}
	}
	return s
}

func (s BlockSet) Add(p Vec3i) { s[p] = struct{}{} }

func (s BlockSet) Has(p Vec3i) bool {
	_, ok := s[p]
	return ok
}

func (s BlockSet) Len() int { return len(s) }

// Sorted returns the members in a deterministic order.
func (s BlockSet) Sorted() []Vec3i {
	out := make([]Vec3i, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	Sort(out)
	return out
}

func (s BlockSet) Clone() BlockSet {
	out := make(BlockSet, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}
