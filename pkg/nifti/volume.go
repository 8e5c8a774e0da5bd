package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"froiparcels/internal/models"
)

// maxVoxels bounds the voxel count Decode allocates for
const maxVoxels = 1 << 28

// Volume is a 3D NIfTI image with its voxels decoded to float64
type Volume struct {
	Grid models.Grid
	Data []float64

	// Datatype is the on-disk voxel type used when encoding
	Datatype int16

	// Description is stored in the header descrip field
	Description string

	// IntentName is stored in the header intent_name field
	IntentName string

	// IntentCode and IntentP1 describe statistic volumes, e.g. IntentTTest
	// with the degrees of freedom in IntentP1
	IntentCode int16
	IntentP1   float64
}

// Read loads a .nii or .nii.gz file
func Read(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	v, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return v, nil
}

// Decode reads a single-file NIfTI-1 image from r. Either byte order is
// accepted; a fourth dimension is allowed only if it has length 1.
func Decode(r io.Reader) (*Volume, error) {
	raw := make([]byte, minHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(order.Uint32(raw[:4])) != minHeaderSize {
		order = binary.BigEndian
		if int32(order.Uint32(raw[:4])) != minHeaderSize {
			return nil, fmt.Errorf("invalid header size for nifti-1")
		}
	}

	h := Header{}
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	if err := validateHeader(h); err != nil {
		return nil, err
	}

	nx, ny, nz := int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])
	if h.Dim[0] < 3 {
		nz = 1
	}
	if h.Dim[0] < 2 {
		ny = 1
	}
	for d := 4; d <= int(h.Dim[0]); d++ {
		if h.Dim[d] > 1 {
			return nil, fmt.Errorf("only 3D volumes are supported, dim[%d]=%d", d, h.Dim[d])
		}
	}

	// Skip extensions between the header and the voxel data.
	offset := int64(h.VoxOffset)
	if offset < headerSize {
		offset = headerSize
	}
	if _, err := io.CopyN(io.Discard, r, offset-minHeaderSize); err != nil {
		return nil, fmt.Errorf("file has fewer bytes than offset requires: %w", err)
	}

	n := nx * ny * nz
	if n > maxVoxels {
		return nil, fmt.Errorf("volume of %dx%dx%d voxels exceeds the limit of %d", nx, ny, nz, maxVoxels)
	}
	data, err := readData(r, order, h.Datatype, n)
	if err != nil {
		return nil, err
	}

	slope := float64(h.SclSlope)
	inter := float64(h.SclInter)
	if slope != 0 && !math.IsNaN(slope) && (slope != 1 || inter != 0) {
		for i := range data {
			data[i] = slope*data[i] + inter
		}
	}

	return &Volume{
		Grid:        models.NewGrid(nx, ny, nz, h.Affine()),
		Data:        data,
		Datatype:    h.Datatype,
		Description: text(h.Descrip[:]),
		IntentName:  text(h.IntentName[:]),
		IntentCode:  h.IntentCode,
		IntentP1:    float64(h.IntentP1),
	}, nil
}

func validateHeader(h Header) error {
	switch {
	case h.Magic != singleFileMagic:
		return fmt.Errorf("invalid file magic. data must be stored in same file as header")
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return fmt.Errorf("dim[0]=%d is not in range [1, 7]", h.Dim[0])
	case bitpix(h.Datatype) == 0:
		return fmt.Errorf("unsupported datatype %d", h.Datatype)
	}
	for d := 1; d <= int(h.Dim[0]); d++ {
		if h.Dim[d] < 1 {
			return fmt.Errorf("dim[%d]=%d must be positive", d, h.Dim[d])
		}
	}
	return nil
}

func readData(r io.Reader, order binary.ByteOrder, datatype int16, n int) ([]float64, error) {
	out := make([]float64, n)
	var err error

	switch datatype {
	case DTUint8:
		buf := make([]uint8, n)
		_, err = io.ReadFull(r, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTInt16:
		buf := make([]int16, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTInt32:
		buf := make([]int32, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTFloat32:
		buf := make([]float32, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTFloat64:
		err = binary.Read(r, order, out)
	default:
		return nil, fmt.Errorf("unsupported datatype %d", datatype)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read %d voxels: %w", n, err)
	}
	return out, nil
}

// Write saves v to path, gzip-compressed when path ends in .gz. The output
// is a pure function of v: gzip headers carry no timestamp or name.
func Write(path string, v *Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(bw)
		w = zw
	}

	if err := Encode(w, v); err != nil {
		f.Close()
		return err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			f.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Encode writes v as a little-endian single-file NIfTI-1 image with the
// grid affine stored in the sform.
func Encode(w io.Writer, v *Volume) error {
	if len(v.Data) != v.Grid.Len() {
		return fmt.Errorf("volume has %d values for grid %v", len(v.Data), v.Grid.Shape)
	}
	datatype := v.Datatype
	if datatype == 0 {
		datatype = DTFloat32
	}
	if bitpix(datatype) == 0 {
		return fmt.Errorf("unsupported datatype %d", datatype)
	}
	for i, d := range v.Grid.Shape {
		if d < 1 || d > math.MaxInt16 {
			return fmt.Errorf("dimension %d has length %d, outside [1, %d]", i, d, math.MaxInt16)
		}
	}

	h := newHeader(v.Grid, datatype)
	setText(h.Descrip[:], v.Description)
	setText(h.IntentName[:], v.IntentName)
	h.IntentCode = v.IntentCode
	h.IntentP1 = float32(v.IntentP1)
	h.CalMin, h.CalMax = displayRange(v.Data)

	order := binary.LittleEndian
	if err := binary.Write(w, order, &h); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	// Four zero bytes: no extensions follow.
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("failed to write extender: %w", err)
	}
	return writeData(w, order, datatype, v.Data)
}

func newHeader(grid models.Grid, datatype int16) Header {
	size := grid.VoxelSize()
	h := Header{
		SizeofHdr: minHeaderSize,
		Datatype:  datatype,
		Bitpix:    bitpix(datatype),
		VoxOffset: headerSize,
		SclSlope:  1,
		XyztUnits: unitsMMSec,
		SformCode: xformAlignedAnat,
		Magic:     singleFileMagic,
	}
	h.Dim = [8]int16{3, int16(grid.Shape[0]), int16(grid.Shape[1]), int16(grid.Shape[2]), 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, float32(size[0]), float32(size[1]), float32(size[2]), 0, 0, 0, 0}
	for c := 0; c < 4; c++ {
		h.SrowX[c] = float32(grid.Affine.At(0, c))
		h.SrowY[c] = float32(grid.Affine.At(1, c))
		h.SrowZ[c] = float32(grid.Affine.At(2, c))
	}
	return h
}

func displayRange(data []float64) (float32, float32) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range data {
		if math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 1) {
		return 0, 0
	}
	return float32(lo), float32(hi)
}

func writeData(w io.Writer, order binary.ByteOrder, datatype int16, data []float64) error {
	var buf interface{}

	switch datatype {
	case DTUint8:
		b := make([]uint8, len(data))
		for i, v := range data {
			b[i] = uint8(clamp(v, 0, math.MaxUint8))
		}
		buf = b
	case DTInt16:
		b := make([]int16, len(data))
		for i, v := range data {
			b[i] = int16(clamp(v, math.MinInt16, math.MaxInt16))
		}
		buf = b
	case DTInt32:
		b := make([]int32, len(data))
		for i, v := range data {
			b[i] = int32(clamp(v, math.MinInt32, math.MaxInt32))
		}
		buf = b
	case DTFloat32:
		b := make([]float32, len(data))
		for i, v := range data {
			b[i] = float32(v)
		}
		buf = b
	case DTFloat64:
		buf = data
	}

	if err := binary.Write(w, order, buf); err != nil {
		return fmt.Errorf("failed to write voxel data: %w", err)
	}
	return nil
}

// clamp rounds v to the nearest integer inside [lo, hi]; NaN becomes 0
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, math.Round(v)))
}
