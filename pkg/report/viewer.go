package report

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"froiparcels/internal/models"
)

// Viewer cuts 2D slices out of a volume on a voxel grid. Values are either
// intensities, scaled between Min and Max to grey levels, or parcel labels,
// drawn with a fixed palette.
type Viewer struct {
	grid models.Grid
	data []float64

	// labels switches rendering to the categorical palette
	labels bool

	// Min and Max bound the grey scale for intensity volumes
	Min float64
	Max float64
}

// NewViewer creates a viewer over an intensity volume. The grey scale spans
// the finite range of data.
func NewViewer(grid models.Grid, data []float64) (*Viewer, error) {
	if len(data) != grid.Len() {
		return nil, fmt.Errorf("%w: %d values for grid %v", models.ErrGridMismatch, len(data), grid.Shape)
	}
	v := &Viewer{grid: grid, data: data, Min: math.Inf(1), Max: math.Inf(-1)}
	for _, x := range data {
		if math.IsNaN(x) {
			continue
		}
		v.Min = math.Min(v.Min, x)
		v.Max = math.Max(v.Max, x)
	}
	if math.IsInf(v.Min, 1) {
		v.Min, v.Max = 0, 0
	}
	return v, nil
}

// NewLabelViewer creates a viewer over a parcel label volume
func NewLabelViewer(ps *models.ParcelSet) *Viewer {
	data := make([]float64, len(ps.Labels))
	for i, l := range ps.Labels {
		data[i] = float64(l)
	}
	return &Viewer{grid: ps.Grid, data: data, labels: true}
}

// palette holds distinguishable parcel colors; label 0 is black
var palette = []color.RGBA{
	{230, 25, 75, 255},
	{60, 180, 75, 255},
	{255, 225, 25, 255},
	{0, 130, 200, 255},
	{245, 130, 48, 255},
	{145, 30, 180, 255},
	{70, 240, 240, 255},
	{240, 50, 230, 255},
	{210, 245, 60, 255},
	{250, 190, 212, 255},
	{0, 128, 128, 255},
	{170, 110, 40, 255},
}

func (v *Viewer) pixel(idx int) color.Color {
	val := v.data[idx]
	if v.labels {
		if val <= 0 {
			return color.RGBA{0, 0, 0, 255}
		}
		return palette[(int(val)-1)%len(palette)]
	}
	if math.IsNaN(val) || v.Max <= v.Min {
		return color.Gray16{}
	}
	scaled := (val - v.Min) / (v.Max - v.Min)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, scaled*65535)))}
}

func (v *Viewer) axisLen(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.grid.Shape[0], nil
	case "y", "Y":
		return v.grid.Shape[1], nil
	case "z", "Z":
		return v.grid.Shape[2], nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// ExtractSlice extracts a 2D slice perpendicular to axis at position
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	n, err := v.axisLen(axis)
	if err != nil {
		return nil, err
	}
	if position >= n {
		return nil, fmt.Errorf("position %d exceeds %s extent %d", position, axis, n)
	}

	nx, ny, nz := v.grid.Shape[0], v.grid.Shape[1], v.grid.Shape[2]
	var img *image.RGBA64

	switch axis {
	case "x", "X":
		// YZ plane, z across
		img = image.NewRGBA64(image.Rect(0, 0, nz, ny))
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				img.Set(z, ny-1-y, v.pixel(v.grid.Index(position, y, z)))
			}
		}
	case "y", "Y":
		// XZ plane, superior up
		img = image.NewRGBA64(image.Rect(0, 0, nx, nz))
		for z := 0; z < nz; z++ {
			for x := 0; x < nx; x++ {
				img.Set(x, nz-1-z, v.pixel(v.grid.Index(x, position, z)))
			}
		}
	default:
		// XY plane, anterior up
		img = image.NewRGBA64(image.Rect(0, 0, nx, ny))
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				img.Set(x, ny-1-y, v.pixel(v.grid.Index(x, y, position)))
			}
		}
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence writes every slice along axis to
// <outputDir>/<prefix>_<axis>_NNN.png and returns the file names
func (v *Viewer) SaveSliceSequence(axis, outputDir, prefix string) ([]string, error) {
	n, err := v.axisLen(axis)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var files []string
	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return nil, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%03d.png", prefix, axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return nil, err
		}
		files = append(files, filename)
	}

	return files, nil
}
