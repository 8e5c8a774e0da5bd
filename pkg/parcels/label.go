package parcels

import (
	"sort"

	"froiparcels/internal/models"
)

// region is a parcel before it has a label
type region struct {
	voxels   []int
	centroid [3]float64
}

// order drops regions smaller than minSize and sorts the rest: largest
// first, then by centroid x, y, z, then by first voxel
func order(grid models.Grid, regions [][]int, minSize int) []region {
	var out []region
	for _, voxels := range regions {
		if len(voxels) < minSize {
			continue
		}
		out = append(out, region{voxels: voxels, centroid: models.Centroid(grid, voxels)})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if len(a.voxels) != len(b.voxels) {
			return len(a.voxels) > len(b.voxels)
		}
		for k := 0; k < 3; k++ {
			if a.centroid[k] != b.centroid[k] {
				return a.centroid[k] < b.centroid[k]
			}
		}
		return a.voxels[0] < b.voxels[0]
	})
	return out
}

// labelVolume paints region i with label i+1
func labelVolume(grid models.Grid, regions []region) []int32 {
	labels := make([]int32, grid.Len())
	for i, r := range regions {
		for _, idx := range r.voxels {
			labels[idx] = int32(i + 1)
		}
	}
	return labels
}
