package workerpool

import (
	"slices"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Ring maps routing keys to worker indices by consistent hashing. Each
// worker owns several virtual nodes so keys spread evenly.
type Ring struct {
	points []point
}

type point struct {
	hash  uint64
	owner int
}

// NewRing builds a ring for n workers with vnodes virtual nodes each.
func NewRing(n, vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = 1
	}
	r := &Ring{points: make([]point, 0, n*vnodes)}
	for i := range n {
		for v := range vnodes {
			key := strconv.Itoa(i) + "#" + strconv.Itoa(v)
			r.points = append(r.points, point{hash: xxhash.Sum64String(key), owner: i})
		}
	}
	slices.SortFunc(r.points, func(a, b point) int {
		switch {
		case a.hash < b.hash:
			return -1
		case a.hash > b.hash:
			return 1
		default:
			return a.owner - b.owner
		}
	})
	return r
}

// Locate returns the worker index owning key, or -1 for an empty ring.
func (r *Ring) Locate(key string) int {
	if len(r.points) == 0 {
		return -1
	}
	h := xxhash.Sum64String(key)
	i, _ := slices.BinarySearchFunc(r.points, h, func(p point, h uint64) int {
		switch {
		case p.hash < h:
			return -1
		case p.hash > h:
			return 1
		default:
			return 0
		}
	})
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].owner
}
