package parcels

import (
	"sort"
)

// mergeRule decides whether two candidates with the given intersection
// over union belong to the same parcel
type mergeRule struct {
	threshold float64
	inclusive bool
}

func (r mergeRule) merges(iou float64) bool {
	if r.inclusive {
		return iou >= r.threshold
	}
	return iou > r.threshold
}

// dilate grows seed by steps neighborhood rings, never leaving allowed.
// Seed voxels are always part of the result, which is sorted.
func dilate(n neighborhood, seed []int, allowed []bool, steps int) []int {
	member := make(map[int]bool, len(seed))
	for _, idx := range seed {
		member[idx] = true
	}
	frontier := seed
	for s := 0; s < steps && len(frontier) > 0; s++ {
		var next []int
		for _, idx := range frontier {
			n.each(idx, func(nb int) {
				if allowed[nb] && !member[nb] {
					member[nb] = true
					next = append(next, nb)
				}
			})
		}
		frontier = next
	}

	out := make([]int, 0, len(member))
	for idx := range member {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// links returns the pairs of candidates, by index, whose dilated sets
// overlap with an IoU accepted by rule. Disjoint dilated sets never link.
// Pairs come back in ascending order so callers build the same forest on
// every run.
func links(n neighborhood, candidates [][]int, sub []bool, steps int, rule mergeRule) [][2]int {
	if len(candidates) < 2 {
		return nil
	}

	grown := make([][]int, len(candidates))
	owners := make(map[int][]int)
	for c, voxels := range candidates {
		grown[c] = dilate(n, voxels, sub, steps)
		for _, idx := range grown[c] {
			owners[idx] = append(owners[idx], c)
		}
	}

	shared := make(map[[2]int]int)
	for _, cs := range owners {
		for i := 0; i < len(cs); i++ {
			for j := i + 1; j < len(cs); j++ {
				shared[[2]int{cs[i], cs[j]}]++
			}
		}
	}

	var out [][2]int
	for p, inter := range shared {
		iou := float64(inter) / float64(len(grown[p[0]])+len(grown[p[1]])-inter)
		if rule.merges(iou) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// merge consolidates candidate regions. Each candidate is dilated inside
// the sub-threshold set; linked candidates are joined, transitively. A
// merged parcel holds the union of its candidates' own voxels.
func merge(n neighborhood, candidates [][]int, sub []bool, steps int, rule mergeRule) [][]int {
	if len(candidates) < 2 {
		return candidates
	}
	ds := newDisjointSet(len(candidates))
	for _, l := range links(n, candidates, sub, steps, rule) {
		ds.union(l[0], l[1])
	}
	return joinGroups(ds, candidates)
}

// overlapLevel is one step of the overlap hierarchy: the voxels reaching
// an overlap count and the sub-threshold set their candidates grow into
type overlapLevel struct {
	candidate []bool
	sub       []bool
}

// mergeLevels joins the regions of the lowest level using the links found
// at every level in counts. Each level's candidate set is contained in the
// lowest one, so every component at a level lies inside exactly one
// region, and a link between two components joins the regions holding
// them. A level's links depend only on its count. Lowering the overlap
// threshold adds levels and never removes one, so regions joined at a
// higher threshold stay joined.
func mergeLevels(n neighborhood, regions [][]int, counts []int32, level func(count int32) overlapLevel, steps int, rule mergeRule) [][]int {
	if len(regions) < 2 {
		return regions
	}
	owner := make(map[int]int)
	for r, voxels := range regions {
		for _, idx := range voxels {
			owner[idx] = r
		}
	}

	ds := newDisjointSet(len(regions))
	for _, count := range counts {
		lv := level(count)
		comps := components(n, lv.candidate)
		for _, l := range links(n, comps, lv.sub, steps, rule) {
			ds.union(owner[comps[l[0]][0]], owner[comps[l[1]][0]])
		}
	}
	return joinGroups(ds, regions)
}

// joinGroups returns the union of the candidates in every set of ds
func joinGroups(ds *disjointSet, candidates [][]int) [][]int {
	groups := ds.groups(func(int) bool { return true })
	out := make([][]int, len(groups))
	for g, members := range groups {
		lists := make([][]int, len(members))
		for i, c := range members {
			lists[i] = candidates[c]
		}
		out[g] = sortedUnion(lists...)
	}
	return out
}
