// Package smoothing applies isotropic Gaussian blurring to voxel volumes.
//
// The blur reduces single-voxel noise in first-level maps before they are
// thresholded. Kernels are specified by full width at half maximum in mm and
// converted to voxels using the grid affine, so anisotropic voxels get the
// right amount of smoothing along each axis.
package smoothing

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"froiparcels/internal/models"
)

// fwhmToSigma converts a full width at half maximum to a standard deviation
var fwhmToSigma = 1 / math.Sqrt(8*math.Ln2)

// truncate is the kernel half-width in standard deviations
const truncate = 4.0

// Kernel returns a normalised 1D Gaussian kernel for the given sigma in
// voxels. A non-positive sigma yields the identity kernel [1].
func Kernel(sigma float64) []float64 {
	if sigma <= 0 {
		return []float64{1}
	}
	radius := int(math.Ceil(truncate * sigma))
	k := make([]float64, 2*radius+1)
	for i := -radius; i <= radius; i++ {
		x := float64(i) / sigma
		k[i+radius] = math.Exp(-0.5 * x * x)
	}
	floats.Scale(1/floats.Sum(k), k)
	return k
}

// Sigmas returns the per-axis standard deviation in voxels for a FWHM in mm
func Sigmas(grid models.Grid, fwhm float64) [3]float64 {
	var s [3]float64
	if fwhm <= 0 {
		return s
	}
	size := grid.VoxelSize()
	for axis := 0; axis < 3; axis++ {
		if size[axis] > 0 {
			s[axis] = fwhm * fwhmToSigma / size[axis]
		}
	}
	return s
}

// Smooth returns a blurred copy of data laid out on grid. NaN voxels do not
// contribute to their neighbours and remain NaN in the output; each axis
// pass renormalises by the kernel weight that fell on finite voxels.
func Smooth(grid models.Grid, data []float64, fwhm float64) []float64 {
	out := make([]float64, len(data))
	copy(out, data)
	if fwhm <= 0 {
		return out
	}

	nan := make([]bool, len(data))
	for i, v := range data {
		nan[i] = math.IsNaN(v)
	}

	sigmas := Sigmas(grid, fwhm)
	for axis := 0; axis < 3; axis++ {
		if grid.Shape[axis] < 2 || sigmas[axis] <= 0 {
			continue
		}
		out = convolveAxis(grid, out, nan, Kernel(sigmas[axis]), axis)
	}

	for i, isNaN := range nan {
		if isNaN {
			out[i] = math.NaN()
		}
	}
	return out
}

// convolveAxis runs the kernel along one axis for every line of the volume
func convolveAxis(grid models.Grid, in []float64, nan []bool, kernel []float64, axis int) []float64 {
	out := make([]float64, len(in))
	radius := len(kernel) / 2
	n := grid.Shape[axis]

	strides := [3]int{1, grid.Shape[0], grid.Shape[0] * grid.Shape[1]}
	stride := strides[axis]

	// The two axes orthogonal to the convolution axis enumerate line starts.
	a, b := (axis+1)%3, (axis+2)%3
	line := make([]float64, n)
	mask := make([]bool, n)

	for j := 0; j < grid.Shape[b]; j++ {
		for i := 0; i < grid.Shape[a]; i++ {
			start := i*strides[a] + j*strides[b]

			for p := 0; p < n; p++ {
				line[p] = in[start+p*stride]
				mask[p] = !nan[start+p*stride]
			}

			for p := 0; p < n; p++ {
				if !mask[p] {
					out[start+p*stride] = math.NaN()
					continue
				}
				var sum, weight float64
				for k := -radius; k <= radius; k++ {
					q := p + k
					if q < 0 || q >= n || !mask[q] {
						continue
					}
					w := kernel[k+radius]
					sum += w * line[q]
					weight += w
				}
				out[start+p*stride] = sum / weight
			}
		}
	}
	return out
}
