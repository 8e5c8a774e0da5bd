// Package report writes diagnostics for a parcel run: the overlap map as a
// NumPy array, summary plots and slice previews.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"froiparcels/internal/models"
	"froiparcels/pkg/statmap"
)

const histogramBins = 20

// OverlapHistogram plots the distribution of overlap fractions over voxels
// that at least one subject selected
func OverlapHistogram(overlap *models.OverlapMap, threshold float64, path string) error {
	var values plotter.Values
	for i, c := range overlap.Counts {
		if c > 0 {
			values = append(values, overlap.Fraction(i))
		}
	}
	if len(values) == 0 {
		return fmt.Errorf("no voxel was selected by any subject")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Overlap across %d masks (threshold %.2f)", overlap.Denominator, threshold)
	p.X.Label.Text = "fraction of subjects"
	p.Y.Label.Text = "voxels"
	p.X.Min, p.X.Max = 0, 1

	hist, err := plotter.NewHist(values, histogramBins)
	if err != nil {
		return fmt.Errorf("failed to create histogram: %w", err)
	}
	p.Add(hist)

	line, err := plotter.NewLine(plotter.XYs{{X: threshold, Y: 0}, {X: threshold, Y: float64(len(values))}})
	if err != nil {
		return fmt.Errorf("failed to create threshold line: %w", err)
	}
	line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(line)

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

// ParcelSizes draws one bar per parcel, in label order
func ParcelSizes(ps *models.ParcelSet, path string) error {
	if len(ps.Parcels) == 0 {
		return fmt.Errorf("parcel set %s is empty", ps.Name)
	}

	sizes := make(plotter.Values, len(ps.Parcels))
	names := make([]string, len(ps.Parcels))
	for i, parcel := range ps.Parcels {
		sizes[i] = float64(parcel.Size())
		names[i] = strconv.Itoa(int(parcel.Label))
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Parcel sizes: %s", ps.Name)
	p.X.Label.Text = "label"
	p.Y.Label.Text = "voxels"

	bars, err := plotter.NewBarChart(sizes, vg.Points(12))
	if err != nil {
		return fmt.Errorf("failed to create bar chart: %w", err)
	}
	p.Add(bars)
	p.NominalX(names...)

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

// Write saves the full diagnostics bundle for one run into dir, using base
// as the file name stem, and returns the files written. overlapNpy controls
// the .npy export; previews and plots are written when plots is set.
func Write(dir, base string, overlap *models.OverlapMap, threshold float64, ps *models.ParcelSet, overlapNpy, plots bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	var files []string

	if overlapNpy {
		path := filepath.Join(dir, base+"_overlap.npy")
		if err := statmap.WriteNpy(path, overlap.Grid, overlap.Fractions()); err != nil {
			return files, err
		}
		files = append(files, path)
	}
	if !plots {
		return files, nil
	}

	hist := filepath.Join(dir, base+"_overlap_hist.png")
	if err := OverlapHistogram(overlap, threshold, hist); err != nil {
		return files, err
	}
	files = append(files, hist)

	bars := filepath.Join(dir, base+"_sizes.png")
	if err := ParcelSizes(ps, bars); err != nil {
		return files, err
	}
	files = append(files, bars)

	previewDir := filepath.Join(dir, base+"_slices")
	labels, err := NewLabelViewer(ps).SaveSliceSequence("z", previewDir, "labels")
	if err != nil {
		return files, fmt.Errorf("failed to write label previews: %w", err)
	}
	files = append(files, labels...)

	ov, err := NewViewer(overlap.Grid, overlap.Fractions())
	if err != nil {
		return files, err
	}
	ov.Min, ov.Max = 0, 1
	fractions, err := ov.SaveSliceSequence("z", previewDir, "overlap")
	if err != nil {
		return files, fmt.Errorf("failed to write overlap previews: %w", err)
	}
	files = append(files, fractions...)

	return files, nil
}
