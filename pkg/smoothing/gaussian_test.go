package smoothing

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"froiparcels/internal/models"
)

// TestKernel verifies normalisation, symmetry and the identity case
func TestKernel(t *testing.T) {
	k := Kernel(1.5)
	if math.Abs(floats.Sum(k)-1) > 1e-12 {
		t.Errorf("Expected kernel to sum to 1, got %f", floats.Sum(k))
	}
	if len(k)%2 != 1 {
		t.Fatalf("Expected odd kernel length, got %d", len(k))
	}
	for i := 0; i < len(k)/2; i++ {
		if k[i] != k[len(k)-1-i] {
			t.Errorf("Kernel not symmetric at %d: %f vs %f", i, k[i], k[len(k)-1-i])
		}
	}
	if id := Kernel(0); len(id) != 1 || id[0] != 1 {
		t.Errorf("Expected identity kernel for sigma 0, got %v", id)
	}
}

// TestSigmasFollowVoxelSize checks that anisotropic voxels get per-axis sigmas
func TestSigmasFollowVoxelSize(t *testing.T) {
	affine := mat.NewDense(4, 4, []float64{
		2, 0, 0, 0,
		0, 2, 0, 0,
		0, 0, 4, 0,
		0, 0, 0, 1,
	})
	g := models.NewGrid(5, 5, 5, affine)
	s := Sigmas(g, 8)

	want := 8 * fwhmToSigma
	if math.Abs(s[0]-want/2) > 1e-12 || math.Abs(s[2]-want/4) > 1e-12 {
		t.Errorf("Unexpected sigmas %v for fwhm 8", s)
	}
}

// TestSmoothPreservesConstantField checks that a flat map stays flat, even at edges
func TestSmoothPreservesConstantField(t *testing.T) {
	g := models.NewGrid(6, 5, 4, nil)
	data := make([]float64, g.Len())
	for i := range data {
		data[i] = 3.5
	}

	out := Smooth(g, data, 4)
	for i, v := range out {
		if math.Abs(v-3.5) > 1e-9 {
			t.Fatalf("Expected 3.5 at voxel %d, got %f", i, v)
		}
	}
}

// TestSmoothSpreadsImpulse checks mass conservation away from borders and symmetry
func TestSmoothSpreadsImpulse(t *testing.T) {
	g := models.NewGrid(21, 21, 21, nil)
	data := make([]float64, g.Len())
	centre := g.Index(10, 10, 10)
	data[centre] = 1

	out := Smooth(g, data, 3)

	if out[centre] >= 1 || out[centre] <= 0 {
		t.Errorf("Expected impulse to be spread, centre value %f", out[centre])
	}
	if math.Abs(floats.Sum(out)-1) > 1e-6 {
		t.Errorf("Expected total mass 1, got %f", floats.Sum(out))
	}
	left := out[g.Index(9, 10, 10)]
	right := out[g.Index(11, 10, 10)]
	if math.Abs(left-right) > 1e-12 {
		t.Errorf("Expected symmetric spread, got %f vs %f", left, right)
	}
}

// TestSmoothKeepsNaN verifies that NaN voxels neither spread nor change
func TestSmoothKeepsNaN(t *testing.T) {
	g := models.NewGrid(5, 1, 1, nil)
	data := []float64{1, 1, math.NaN(), 1, 1}

	out := Smooth(g, data, 2)
	if !math.IsNaN(out[2]) {
		t.Errorf("Expected NaN to be preserved, got %f", out[2])
	}
	for _, i := range []int{0, 1, 3, 4} {
		if math.Abs(out[i]-1) > 1e-12 {
			t.Errorf("Expected 1 at %d, got %f", i, out[i])
		}
	}
}

// TestSmoothZeroFWHMCopies checks the disabled path returns an independent copy
func TestSmoothZeroFWHMCopies(t *testing.T) {
	g := models.NewGrid(2, 1, 1, nil)
	data := []float64{1, 2}
	out := Smooth(g, data, 0)
	out[0] = 9
	if data[0] != 1 {
		t.Error("Expected Smooth to return a copy")
	}
}
