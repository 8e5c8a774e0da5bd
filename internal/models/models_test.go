package models

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestGridIndexRoundTrip(t *testing.T) {
	g := NewGrid(4, 3, 2, nil)
	if g.Len() != 24 {
		t.Fatalf("Expected 24 voxels, got %d", g.Len())
	}
	for idx := 0; idx < g.Len(); idx++ {
		x, y, z := g.Coords(idx)
		if !g.InBounds(x, y, z) {
			t.Errorf("Coords(%d) = (%d,%d,%d) out of bounds", idx, x, y, z)
		}
		if got := g.Index(x, y, z); got != idx {
			t.Errorf("Index(Coords(%d)) = %d", idx, got)
		}
	}
	if g.Index(1, 2, 1) != 1+2*4+12 {
		t.Errorf("Expected x to vary fastest")
	}
	if g.InBounds(4, 0, 0) || g.InBounds(0, -1, 0) {
		t.Error("Expected out-of-range coordinates to be rejected")
	}
}

func TestGridWorldAndVoxelSize(t *testing.T) {
	affine := mat.NewDense(4, 4, []float64{
		-2, 0, 0, 90,
		0, 2, 0, -126,
		0, 0, 3, -72,
		0, 0, 0, 1,
	})
	g := NewGrid(2, 2, 2, affine)

	size := g.VoxelSize()
	if size != [3]float64{2, 2, 3} {
		t.Errorf("Expected voxel size [2 2 3], got %v", size)
	}
	w := g.World(1, 1, 1)
	if w != [3]float64{88, -124, -69} {
		t.Errorf("Expected world [88 -124 -69], got %v", w)
	}
}

func TestGridMatches(t *testing.T) {
	a := NewGrid(2, 2, 2, nil)
	b := NewGrid(2, 2, 2, nil)
	if !a.Matches(b) {
		t.Error("Expected identical grids to match")
	}

	near := IdentityAffine()
	near.Set(0, 3, 1e-9)
	if !a.Matches(NewGrid(2, 2, 2, near)) {
		t.Error("Expected affines within tolerance to match")
	}

	shifted := IdentityAffine()
	shifted.Set(0, 3, 1)
	if err := a.CheckMatch(NewGrid(2, 2, 2, shifted)); !errors.Is(err, ErrGridMismatch) {
		t.Errorf("Expected ErrGridMismatch for a shifted affine, got %v", err)
	}
	if err := a.CheckMatch(NewGrid(2, 2, 3, nil)); !errors.Is(err, ErrGridMismatch) {
		t.Errorf("Expected ErrGridMismatch for a different shape, got %v", err)
	}
}

func TestStatMapValidate(t *testing.T) {
	g := NewGrid(2, 1, 1, nil)

	m := NewStatMap(g, KindZ)
	if err := m.Validate(); err != nil {
		t.Errorf("Expected valid z map, got %v", err)
	}

	tmap := NewStatMap(g, KindT)
	if err := tmap.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for a t map without DOF, got %v", err)
	}
	tmap.DOF = 20
	if err := tmap.Validate(); err != nil {
		t.Errorf("Expected valid t map, got %v", err)
	}

	short := &StatMap{Kind: KindP, Grid: g, Data: []float64{0.5}}
	if err := short.Validate(); !errors.Is(err, ErrGridMismatch) {
		t.Errorf("Expected ErrGridMismatch for short data, got %v", err)
	}

	unknown := NewStatMap(g, "f")
	if err := unknown.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for unknown kind, got %v", err)
	}
}

func TestBinaryMaskAnd(t *testing.T) {
	g := NewGrid(4, 1, 1, nil)
	a := &BinaryMask{Grid: g, Data: []bool{true, true, false, true}}
	b := &BinaryMask{Grid: g, Data: []bool{true, false, true, true}}
	a.And(b)
	if a.Count() != 2 || !a.Data[0] || !a.Data[3] {
		t.Errorf("Expected voxels 0 and 3, got %v", a.Data)
	}
}

func TestOverlapFractions(t *testing.T) {
	o := &OverlapMap{Grid: NewGrid(3, 1, 1, nil), Counts: []int32{0, 1, 4}, Denominator: 4}
	want := []float64{0, 0.25, 1}
	for i, f := range o.Fractions() {
		if f != want[i] {
			t.Errorf("Fraction(%d) = %g, want %g", i, f, want[i])
		}
	}

	empty := &OverlapMap{Grid: o.Grid, Counts: []int32{0, 0, 0}}
	if empty.Fraction(1) != 0 {
		t.Error("Expected zero fraction without accumulated masks")
	}
}

func TestParcelSet(t *testing.T) {
	g := NewGrid(3, 2, 1, nil)
	labels := []int32{2, 2, 0, 1, 0, 2}
	ps, err := NewParcelSet("test", g, labels)
	if err != nil {
		t.Fatalf("NewParcelSet failed: %v", err)
	}
	if len(ps.Parcels) != 2 || ps.Parcels[0].Label != 1 || ps.Parcels[1].Label != 2 {
		t.Fatalf("Expected parcels 1 and 2 in label order, got %+v", ps.Parcels)
	}
	if ps.LabeledVoxels() != 4 {
		t.Errorf("Expected 4 labeled voxels, got %d", ps.LabeledVoxels())
	}

	p, ok := ps.Parcel(2)
	if !ok {
		t.Fatal("Expected parcel 2")
	}
	// voxels (0,0) (1,0) (2,1)
	want := [3]float64{1, 1.0 / 3, 0}
	for i := range want {
		if math.Abs(p.Centroid[i]-want[i]) > 1e-12 {
			t.Errorf("Expected centroid %v, got %v", want, p.Centroid)
			break
		}
	}
	if _, ok := ps.Parcel(3); ok {
		t.Error("Expected no parcel 3")
	}
	if m := ps.Mask(1); m.Count() != 1 || !m.Data[3] {
		t.Errorf("Expected mask of voxel 3, got %v", m.Data)
	}

	if _, err := NewParcelSet("bad", g, []int32{0, -1, 0, 0, 0, 0}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for a negative label, got %v", err)
	}
	if _, err := NewParcelSet("bad", g, []int32{0}); !errors.Is(err, ErrGridMismatch) {
		t.Errorf("Expected ErrGridMismatch for short labels, got %v", err)
	}
}
