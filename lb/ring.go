// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lb

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DefaultReplicas is the number of ring points per unit of backend weight.
const DefaultReplicas = 160

type point struct {
	hash  uint64
	index int
}

// ring is an immutable consistent-hash ring. A new ring is built on every
// discovery refresh and swapped in atomically.
type ring struct {
	points   []point
	backends []Backend
}

func newRing(backends []Backend, replicas int) *ring {
	if replicas < 1 {
		replicas = DefaultReplicas
	}
	backends = normalize(backends)

	r := &ring{backends: backends}
	for i, b := range backends {
		n := replicas * b.weight()
		for v := 0; v < n; v++ {
			r.points = append(r.points, point{
				hash:  xxhash.Sum64String(b.Addr + "-" + strconv.Itoa(v)),
				index: i,
			})
		}
	}
	sort.Slice(r.points, func(i, j int) bool {
		if r.points[i].hash == r.points[j].hash {
			return r.points[i].index < r.points[j].index
		}
		return r.points[i].hash < r.points[j].hash
	})
	return r
}

// walk calls fn with distinct backends in ring order starting at the
// position of key, until fn returns false or every backend was visited.
func (r *ring) walk(key []byte, fn func(Backend) bool) {
	if len(r.points) == 0 {
		return
	}
	h := xxhash.Sum64(key)
	start := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })

	visited := make(map[int]struct{}, len(r.backends))
	for i := 0; i < len(r.points) && len(visited) < len(r.backends); i++ {
		p := r.points[(start+i)%len(r.points)]
		if _, ok := visited[p.index]; ok {
			continue
		}
		visited[p.index] = struct{}{}
		if !fn(r.backends[p.index]) {
			return
		}
	}
}
