// Package nifti reads and writes single-file NIfTI-1 volumes.
//
// Based on the official definition of the nifti1 header,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Header defines the structure of the Nifti1 header.
type Header struct {
	SizeofHdr          int32      // Must be 348
	UnusedDataType     [10]int8   // Unused
	UnusedDbName       [18]int8   // Unused
	UnusedExtents      int32      // Unused
	UnusedSessionError int16      // Unused
	UnusedRegular      int8       // Unused
	DimInfo            int8       // MRI slice ordering
	Dim                [8]int16   // Data array dimensions
	IntentP1           float32    // 1st intent parameter
	IntentP2           float32    // 2nd intent parameter
	IntentP3           float32    // 3rd intent parameter
	IntentCode         int16      // NIFTI_INTENT_* code
	Datatype           int16      // Defines data type
	Bitpix             int16      // Number bits/voxel
	SliceStart         int16      // First slice index
	Pixdim             [8]float32 // Grid spacing
	VoxOffset          float32    // Offset into .nii file
	SclSlope           float32    // Data scaling: slope
	SclInter           float32    // Data scaling: offset
	SliceEnd           int16      // Last slice index
	SliceCode          int8       // Slice timing order
	XyztUnits          int8       // Units of pixdim[1..4]
	CalMax             float32    // Max display intensity
	CalMin             float32    // Min display intensity
	SliceDuration      float32    // Time for 1 slice
	Toffset            float32    // Time axis shift
	UnusedGlmax        int32      // Unused
	UnusedGlmin        int32      // Unused
	Descrip            [80]int8   // Any text you like
	AuxFile            [24]int8   // Auxiliary filename
	QformCode          int16      // NIFTI_XFORM_* code
	SformCode          int16      // NIFTI_XFORM_* code
	QuaternB           float32    // Quaternion b params
	QuaternC           float32    // Quaternion c params
	QuaternD           float32    // Quaternion d params
	QoffsetX           float32    // Quaternion x shift
	QoffsetY           float32    // Quaternion y shift
	QoffsetZ           float32    // Quaternion z shift
	SrowX              [4]float32 // 1st row affine transform
	SrowY              [4]float32 // 2nd row affine transform
	SrowZ              [4]float32 // 3rd row affine transform
	IntentName         [16]int8   // 'name' or meaning of data
	Magic              [4]int8    // Must be "n+1\0" for single-file images
}

const (
	minHeaderSize = 348
	headerSize    = 352
)

// NIfTI datatype codes supported by this package
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
)

// NIFTI_INTENT_* codes for statistic volumes
const (
	IntentNone   int16 = 0
	IntentTTest  int16 = 3
	IntentZScore int16 = 5
	IntentPVal   int16 = 22
	IntentLabel  int16 = 1002
)

// xform codes
const (
	xformUnknown     int16 = 0
	xformAlignedAnat int16 = 2
)

// units: millimetres for space, seconds for time
const unitsMMSec int8 = 2 | 8

var singleFileMagic = [4]int8{'n', '+', '1', 0}

// bitpix returns the bits per voxel for a datatype, or 0 if unsupported
func bitpix(datatype int16) int16 {
	switch datatype {
	case DTUint8:
		return 8
	case DTInt16:
		return 16
	case DTInt32, DTFloat32:
		return 32
	case DTFloat64:
		return 64
	}
	return 0
}

// Affine returns the voxel-to-world transform described by the header.
// The sform is preferred, then the qform, then a pixdim scaling.
func (h Header) Affine() *mat.Dense {
	switch {
	case h.SformCode > xformUnknown:
		return mat.NewDense(4, 4, []float64{
			float64(h.SrowX[0]), float64(h.SrowX[1]), float64(h.SrowX[2]), float64(h.SrowX[3]),
			float64(h.SrowY[0]), float64(h.SrowY[1]), float64(h.SrowY[2]), float64(h.SrowY[3]),
			float64(h.SrowZ[0]), float64(h.SrowZ[1]), float64(h.SrowZ[2]), float64(h.SrowZ[3]),
			0, 0, 0, 1,
		})
	case h.QformCode > xformUnknown:
		return h.qformAffine()
	default:
		return mat.NewDense(4, 4, []float64{
			pixdimOrOne(h.Pixdim[1]), 0, 0, 0,
			0, pixdimOrOne(h.Pixdim[2]), 0, 0,
			0, 0, pixdimOrOne(h.Pixdim[3]), 0,
			0, 0, 0, 1,
		})
	}
}

// qformAffine rebuilds the rotation from the quaternion (b, c, d) with a
// derived from unit norm, then applies pixdim and qfac.
func (h Header) qformAffine() *mat.Dense {
	b := float64(h.QuaternB)
	c := float64(h.QuaternC)
	d := float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// Numerically a 180 degree rotation; renormalise b, c, d.
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	qfac := 1.0
	if h.Pixdim[0] < 0 {
		qfac = -1
	}
	dx := pixdimOrOne(h.Pixdim[1])
	dy := pixdimOrOne(h.Pixdim[2])
	dz := pixdimOrOne(h.Pixdim[3]) * qfac

	r11 := a*a + b*b - c*c - d*d
	r12 := 2 * (b*c - a*d)
	r13 := 2 * (b*d + a*c)
	r21 := 2 * (b*c + a*d)
	r22 := a*a + c*c - b*b - d*d
	r23 := 2 * (c*d - a*b)
	r31 := 2 * (b*d - a*c)
	r32 := 2 * (c*d + a*b)
	r33 := a*a + d*d - c*c - b*b

	return mat.NewDense(4, 4, []float64{
		r11 * dx, r12 * dy, r13 * dz, float64(h.QoffsetX),
		r21 * dx, r22 * dy, r23 * dz, float64(h.QoffsetY),
		r31 * dx, r32 * dy, r33 * dz, float64(h.QoffsetZ),
		0, 0, 0, 1,
	})
}

func pixdimOrOne(v float32) float64 {
	if v <= 0 || math.IsNaN(float64(v)) {
		return 1
	}
	return float64(v)
}

// setText copies s into a fixed-size NUL padded header field
func setText(dst []int8, s string) {
	for i := range dst {
		dst[i] = 0
	}
	for i := 0; i < len(s) && i < len(dst)-1; i++ {
		dst[i] = int8(s[i])
	}
}

// text returns the NUL terminated string stored in a header field
func text(src []int8) string {
	b := make([]byte, 0, len(src))
	for _, c := range src {
		if c == 0 {
			break
		}
		b = append(b, byte(c))
	}
	return string(b)
}
