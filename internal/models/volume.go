package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// affineTolerance bounds the per-element difference allowed between two
// affines that describe the same voxel grid.
const affineTolerance = 1e-6

// Grid describes a 3D voxel lattice and its placement in world space
type Grid struct {
	// Shape is the number of voxels along X, Y and Z
	Shape [3]int

	// Affine maps voxel coordinates (i, j, k, 1) to world coordinates in mm
	Affine *mat.Dense
}

// NewGrid creates a grid with the given shape. A nil affine is replaced by
// the identity, i.e. 1mm isotropic voxels anchored at the origin.
func NewGrid(nx, ny, nz int, affine *mat.Dense) Grid {
	if affine == nil {
		affine = IdentityAffine()
	}
	return Grid{Shape: [3]int{nx, ny, nz}, Affine: affine}
}

// IdentityAffine returns a 4x4 identity matrix
func IdentityAffine() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

// Len returns the number of voxels in the grid
func (g Grid) Len() int {
	return g.Shape[0] * g.Shape[1] * g.Shape[2]
}

// Index returns the flat index of voxel (x, y, z). X varies fastest,
// matching the on-disk NIfTI layout.
func (g Grid) Index(x, y, z int) int {
	return x + y*g.Shape[0] + z*g.Shape[0]*g.Shape[1]
}

// Coords is the inverse of Index
func (g Grid) Coords(idx int) (x, y, z int) {
	plane := g.Shape[0] * g.Shape[1]
	z = idx / plane
	rem := idx % plane
	y = rem / g.Shape[0]
	x = rem % g.Shape[0]
	return x, y, z
}

// InBounds reports whether (x, y, z) lies inside the grid
func (g Grid) InBounds(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 &&
		x < g.Shape[0] && y < g.Shape[1] && z < g.Shape[2]
}

// VoxelSize returns the length in mm of one voxel step along each axis,
// taken from the column norms of the affine's rotation/zoom block.
func (g Grid) VoxelSize() [3]float64 {
	var size [3]float64
	for c := 0; c < 3; c++ {
		var sum float64
		for r := 0; r < 3; r++ {
			v := g.Affine.At(r, c)
			sum += v * v
		}
		size[c] = math.Sqrt(sum)
	}
	return size
}

// World maps fractional voxel coordinates to world coordinates
func (g Grid) World(x, y, z float64) [3]float64 {
	in := mat.NewVecDense(4, []float64{x, y, z, 1})
	var out mat.VecDense
	out.MulVec(g.Affine, in)
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}

// Matches reports whether two grids have identical shape and affines equal
// within tolerance
func (g Grid) Matches(other Grid) bool {
	if g.Shape != other.Shape {
		return false
	}
	if g.Affine == nil || other.Affine == nil {
		return g.Affine == other.Affine
	}
	return mat.EqualApprox(g.Affine, other.Affine, affineTolerance)
}

// CheckMatch returns ErrGridMismatch with both shapes when the grids differ
func (g Grid) CheckMatch(other Grid) error {
	if g.Matches(other) {
		return nil
	}
	return fmt.Errorf("%w: %v vs %v", ErrGridMismatch, g.Shape, other.Shape)
}

// StatKind identifies what the values of a StatMap mean
type StatKind string

const (
	KindT StatKind = "t"
	KindZ StatKind = "z"
	KindP StatKind = "p"
)

// Valid reports whether k is one of the known kinds
func (k StatKind) Valid() bool {
	switch k {
	case KindT, KindZ, KindP:
		return true
	}
	return false
}

// StatMap is one subject's first-level statistical map for one task and
// contrast. It is produced by an external modelling step and never mutated.
type StatMap struct {
	Subject  string
	Task     string
	Contrast string

	// Kind says whether Data holds t, z or p values
	Kind StatKind

	// DOF is the degrees of freedom of a t map; ignored for z and p
	DOF float64

	Grid Grid

	// Data holds one value per voxel in Grid order. NaN marks voxels
	// outside the brain.
	Data []float64
}

// NewStatMap allocates a zero-filled map of the given kind
func NewStatMap(grid Grid, kind StatKind) *StatMap {
	return &StatMap{
		Kind: kind,
		Grid: grid,
		Data: make([]float64, grid.Len()),
	}
}

// Validate checks that the data length matches the grid
func (s *StatMap) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: unknown statistic kind %q", ErrInvalidConfig, s.Kind)
	}
	if len(s.Data) != s.Grid.Len() {
		return fmt.Errorf("%w: map has %d values for grid %v", ErrGridMismatch, len(s.Data), s.Grid.Shape)
	}
	if s.Kind == KindT && s.DOF <= 0 {
		return fmt.Errorf("%w: t map for subject %s needs positive degrees of freedom", ErrInvalidConfig, s.Subject)
	}
	return nil
}

// BinaryMask marks the voxels surviving a threshold
type BinaryMask struct {
	Grid Grid
	Data []bool
}

// NewBinaryMask allocates an all-false mask
func NewBinaryMask(grid Grid) *BinaryMask {
	return &BinaryMask{Grid: grid, Data: make([]bool, grid.Len())}
}

// Count returns the number of true voxels
func (m *BinaryMask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

// And clears every voxel not also set in other
func (m *BinaryMask) And(other *BinaryMask) {
	for i, v := range other.Data {
		if !v {
			m.Data[i] = false
		}
	}
}

// OverlapMap holds, for every voxel, how many subject masks included it
type OverlapMap struct {
	Grid   Grid
	Counts []int32

	// Denominator is the number of masks accumulated
	Denominator int
}

// Fraction returns the share of accumulated masks that include voxel idx
func (o *OverlapMap) Fraction(idx int) float64 {
	if o.Denominator == 0 {
		return 0
	}
	return float64(o.Counts[idx]) / float64(o.Denominator)
}

// Fractions returns the per-voxel overlap fraction for the whole grid
func (o *OverlapMap) Fractions() []float64 {
	out := make([]float64, len(o.Counts))
	for i := range o.Counts {
		out[i] = o.Fraction(i)
	}
	return out
}
