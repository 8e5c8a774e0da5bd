// Package froi applies group parcels to individual subjects: it defines
// subject-specific functional regions inside each parcel and measures
// effect sizes, spatial correlations and overlaps within them.
package froi

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/stat"

	"froiparcels/internal/models"
	"froiparcels/pkg/nifti"
	"froiparcels/pkg/threshold"
)

// LoadParcels reads a label volume written by the parcel builder. The set
// is named after the file.
func LoadParcels(path string) (*models.ParcelSet, error) {
	v, err := nifti.Read(path)
	if err != nil {
		return nil, err
	}
	labels := make([]int32, len(v.Data))
	for i, x := range v.Data {
		if math.IsNaN(x) {
			continue
		}
		labels[i] = int32(math.Round(x))
	}

	name := filepath.Base(path)
	name = strings.TrimSuffix(strings.TrimSuffix(name, ".gz"), ".nii")
	return models.NewParcelSet(name, v.Grid, labels)
}

// Define thresholds m separately inside every parcel and returns the
// surviving voxels labeled with their parcel's label. A parcel in which no
// voxel survives is absent from the result.
func Define(m *models.StatMap, parcels *models.ParcelSet, policy threshold.Policy) (*models.ParcelSet, error) {
	if err := m.Grid.CheckMatch(parcels.Grid); err != nil {
		return nil, fmt.Errorf("subject %s: %w", m.Subject, err)
	}
	labels := make([]int32, parcels.Grid.Len())
	for _, p := range parcels.Parcels {
		mask, err := policy.Apply(m, parcels.Mask(p.Label))
		if err != nil {
			return nil, fmt.Errorf("parcel %d: %w", p.Label, err)
		}
		for i, on := range mask.Data {
			if on {
				labels[i] = p.Label
			}
		}
	}
	name := fmt.Sprintf("%s_sub-%s", parcels.Name, m.Subject)
	return models.NewParcelSet(name, parcels.Grid, labels)
}

// Effect summarizes one map inside one fROI
type Effect struct {
	Label  int32
	Voxels int
	Mean   float64
	Std    float64
}

// EffectSize returns the mean and sample standard deviation of effect
// inside every fROI. NaN voxels are skipped; Std is 0 with fewer than two
// values and Mean is NaN without any.
func EffectSize(effect *models.StatMap, froi *models.ParcelSet) ([]Effect, error) {
	if err := effect.Grid.CheckMatch(froi.Grid); err != nil {
		return nil, err
	}
	out := make([]Effect, 0, len(froi.Parcels))
	for _, p := range froi.Parcels {
		values := make([]float64, 0, p.Size())
		for _, idx := range p.Voxels {
			if v := effect.Data[idx]; !math.IsNaN(v) {
				values = append(values, v)
			}
		}
		e := Effect{Label: p.Label, Voxels: len(values), Mean: math.NaN()}
		switch len(values) {
		case 0:
		case 1:
			e.Mean = values[0]
		default:
			e.Mean, e.Std = stat.MeanStdDev(values, nil)
		}
		out = append(out, e)
	}
	return out, nil
}

// Correlation is the spatial correlation of two maps inside one fROI
type Correlation struct {
	Label  int32
	Voxels int
	R      float64
	// FisherZ is atanh(R)
	FisherZ float64
}

// SpatialCorrelation returns Pearson's r between a and b across the voxels
// of every fROI where both are finite. R is NaN with fewer than two voxels
// or a constant map.
func SpatialCorrelation(a, b *models.StatMap, froi *models.ParcelSet) ([]Correlation, error) {
	if err := a.Grid.CheckMatch(b.Grid); err != nil {
		return nil, err
	}
	if err := a.Grid.CheckMatch(froi.Grid); err != nil {
		return nil, err
	}
	out := make([]Correlation, 0, len(froi.Parcels))
	for _, p := range froi.Parcels {
		var xs, ys []float64
		for _, idx := range p.Voxels {
			x, y := a.Data[idx], b.Data[idx]
			if math.IsNaN(x) || math.IsNaN(y) {
				continue
			}
			xs = append(xs, x)
			ys = append(ys, y)
		}
		c := Correlation{Label: p.Label, Voxels: len(xs), R: math.NaN(), FisherZ: math.NaN()}
		if len(xs) >= 2 {
			c.R = stat.Correlation(xs, ys, nil)
			c.FisherZ = math.Atanh(c.R)
		}
		out = append(out, c)
	}
	return out, nil
}

// OverlapKind selects the overlap coefficient
type OverlapKind string

const (
	// Dice is 2|A∩B| / (|A|+|B|)
	Dice OverlapKind = "dice"
	// MinOverlap is |A∩B| / min(|A|, |B|)
	MinOverlap OverlapKind = "overlap"
)

// OverlapScore is the coefficient for one pair of labels
type OverlapScore struct {
	LabelA       int32
	LabelB       int32
	Intersection int
	Score        float64
}

// Overlap scores every label of a against every label of b, in label
// order
func Overlap(a, b *models.ParcelSet, kind OverlapKind) ([]OverlapScore, error) {
	if kind != Dice && kind != MinOverlap {
		return nil, fmt.Errorf("%w: unknown overlap kind %q", models.ErrInvalidConfig, kind)
	}
	if err := a.Grid.CheckMatch(b.Grid); err != nil {
		return nil, err
	}

	type pair struct{ a, b int32 }
	inter := make(map[pair]int)
	for i, la := range a.Labels {
		if lb := b.Labels[i]; la > 0 && lb > 0 {
			inter[pair{la, lb}]++
		}
	}

	out := make([]OverlapScore, 0, len(a.Parcels)*len(b.Parcels))
	for _, pa := range a.Parcels {
		for _, pb := range b.Parcels {
			n := inter[pair{pa.Label, pb.Label}]
			s := OverlapScore{LabelA: pa.Label, LabelB: pb.Label, Intersection: n}
			switch kind {
			case Dice:
				s.Score = 2 * float64(n) / float64(pa.Size()+pb.Size())
			case MinOverlap:
				s.Score = float64(n) / float64(min(pa.Size(), pb.Size()))
			}
			out = append(out, s)
		}
	}
	return out, nil
}
