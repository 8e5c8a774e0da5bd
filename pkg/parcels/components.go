package parcels

import (
	"fmt"
	"sort"

	"froiparcels/internal/models"
)

// offsets returns the neighbor displacements for a connectivity of 6
// (faces), 18 (faces and edges) or 26 (faces, edges and corners)
func offsets(connectivity int) ([][3]int, error) {
	var maxManhattan int
	switch connectivity {
	case 6:
		maxManhattan = 1
	case 18:
		maxManhattan = 2
	case 26:
		maxManhattan = 3
	default:
		return nil, fmt.Errorf("%w: connectivity must be 6, 18 or 26, got %d", models.ErrInvalidConfig, connectivity)
	}

	var out [][3]int
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				d := abs(dx) + abs(dy) + abs(dz)
				if d == 0 || d > maxManhattan {
					continue
				}
				out = append(out, [3]int{dx, dy, dz})
			}
		}
	}
	return out, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// neighborhood visits the in-bounds neighbors of a voxel
type neighborhood struct {
	grid    models.Grid
	offsets [][3]int
}

func (n neighborhood) each(idx int, fn func(int)) {
	x, y, z := n.grid.Coords(idx)
	for _, o := range n.offsets {
		nx, ny, nz := x+o[0], y+o[1], z+o[2]
		if n.grid.InBounds(nx, ny, nz) {
			fn(n.grid.Index(nx, ny, nz))
		}
	}
}

// disjointSet is a union-find forest with path halving and union by size
type disjointSet struct {
	parent []int
	size   []int
}

func newDisjointSet(n int) *disjointSet {
	ds := &disjointSet{parent: make([]int, n), size: make([]int, n)}
	for i := range ds.parent {
		ds.parent[i] = i
		ds.size[i] = 1
	}
	return ds
}

func (ds *disjointSet) find(i int) int {
	for ds.parent[i] != i {
		ds.parent[i] = ds.parent[ds.parent[i]]
		i = ds.parent[i]
	}
	return i
}

func (ds *disjointSet) union(a, b int) {
	ra, rb := ds.find(a), ds.find(b)
	if ra == rb {
		return
	}
	if ds.size[ra] < ds.size[rb] {
		ra, rb = rb, ra
	}
	ds.parent[rb] = ra
	ds.size[ra] += ds.size[rb]
}

// groups returns the sets restricted to the elements accepted by keep,
// each sorted ascending and ordered by smallest member
func (ds *disjointSet) groups(keep func(int) bool) [][]int {
	index := make(map[int]int)
	var out [][]int
	for i := range ds.parent {
		if !keep(i) {
			continue
		}
		r := ds.find(i)
		g, ok := index[r]
		if !ok {
			g = len(out)
			index[r] = g
			out = append(out, nil)
		}
		out[g] = append(out[g], i)
	}
	return out
}

// components labels the connected components of mask. Each component is
// a sorted list of flat voxel indices; components are ordered by their
// smallest voxel.
func components(n neighborhood, mask []bool) [][]int {
	ds := newDisjointSet(len(mask))
	for idx, on := range mask {
		if !on {
			continue
		}
		n.each(idx, func(nb int) {
			if nb < idx && mask[nb] {
				ds.union(idx, nb)
			}
		})
	}
	return ds.groups(func(i int) bool { return mask[i] })
}

// sortedUnion merges sorted, disjoint voxel lists
func sortedUnion(lists ...[]int) []int {
	var out []int
	for _, l := range lists {
		out = append(out, l...)
	}
	sort.Ints(out)
	return out
}
