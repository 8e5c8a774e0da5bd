package models

import (
	"fmt"
	"sort"
)

// Parcel is one labeled group-level region
type Parcel struct {
	// Label is a positive integer unique within its ParcelSet
	Label int32

	// Voxels holds the flat indices of the parcel's voxels in ascending order
	Voxels []int

	// Centroid is the mean voxel coordinate (x, y, z)
	Centroid [3]float64

	// WorldCentroid is Centroid mapped through the grid affine, in mm
	WorldCentroid [3]float64
}

// Size returns the voxel count
func (p Parcel) Size() int {
	return len(p.Voxels)
}

// ParcelSet is the immutable result of parcel generation: disjoint parcels
// on one grid, ordered by label
type ParcelSet struct {
	Name    string
	Grid    Grid
	Parcels []Parcel

	// Labels holds the parcel label of every voxel, 0 for background
	Labels []int32
}

// NewParcelSet builds a ParcelSet from a label volume. Centroids are
// derived from the voxels; parcels are ordered by ascending label.
func NewParcelSet(name string, grid Grid, labels []int32) (*ParcelSet, error) {
	if len(labels) != grid.Len() {
		return nil, fmt.Errorf("%w: %d labels for grid %v", ErrGridMismatch, len(labels), grid.Shape)
	}

	members := make(map[int32][]int)
	for idx, l := range labels {
		if l < 0 {
			return nil, fmt.Errorf("%w: negative label %d at voxel %d", ErrInvalidConfig, l, idx)
		}
		if l > 0 {
			members[l] = append(members[l], idx)
		}
	}

	keys := make([]int32, 0, len(members))
	for l := range members {
		keys = append(keys, l)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	ps := &ParcelSet{
		Name:    name,
		Grid:    grid,
		Parcels: make([]Parcel, 0, len(keys)),
		Labels:  labels,
	}
	for _, l := range keys {
		ps.Parcels = append(ps.Parcels, NewParcel(grid, l, members[l]))
	}
	return ps, nil
}

// NewParcel computes the centroids for a voxel list. voxels must already be
// sorted ascending.
func NewParcel(grid Grid, label int32, voxels []int) Parcel {
	c := Centroid(grid, voxels)
	return Parcel{
		Label:         label,
		Voxels:        voxels,
		Centroid:      c,
		WorldCentroid: grid.World(c[0], c[1], c[2]),
	}
}

// Centroid returns the mean voxel coordinate of the given flat indices
func Centroid(grid Grid, voxels []int) [3]float64 {
	var c [3]float64
	if len(voxels) == 0 {
		return c
	}
	for _, idx := range voxels {
		x, y, z := grid.Coords(idx)
		c[0] += float64(x)
		c[1] += float64(y)
		c[2] += float64(z)
	}
	n := float64(len(voxels))
	c[0] /= n
	c[1] /= n
	c[2] /= n
	return c
}

// Parcel returns the parcel with the given label
func (ps *ParcelSet) Parcel(label int32) (Parcel, bool) {
	i := sort.Search(len(ps.Parcels), func(i int) bool { return ps.Parcels[i].Label >= label })
	if i < len(ps.Parcels) && ps.Parcels[i].Label == label {
		return ps.Parcels[i], true
	}
	return Parcel{}, false
}

// Mask returns a BinaryMask covering one parcel
func (ps *ParcelSet) Mask(label int32) *BinaryMask {
	m := NewBinaryMask(ps.Grid)
	for i, l := range ps.Labels {
		if l == label {
			m.Data[i] = true
		}
	}
	return m
}

// LabeledVoxels returns the number of non-background voxels
func (ps *ParcelSet) LabeledVoxels() int {
	n := 0
	for _, p := range ps.Parcels {
		n += p.Size()
	}
	return n
}
