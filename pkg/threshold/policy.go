// Package threshold turns a statistical map into a binary mask.
package threshold

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"froiparcels/internal/models"
)

// Type names a thresholding scheme
type Type string

const (
	// None keeps voxels whose uncorrected p-value is below Value
	None Type = "none"
	// Bonferroni keeps voxels whose p-value is below Value divided by the
	// number of voxels in the search space
	Bonferroni Type = "bonferroni"
	// FDR keeps voxels passing Benjamini-Hochberg at level Value
	FDR Type = "fdr"
	// TopN keeps the Value strongest voxels
	TopN Type = "n"
	// Percent keeps the strongest Value fraction of voxels
	Percent Type = "percent"
)

// Policy is a thresholding scheme with its parameter
type Policy struct {
	Type  Type    `yaml:"type"`
	Value float64 `yaml:"value"`
}

// Validate checks the parameter range for the policy type
func (p Policy) Validate() error {
	switch p.Type {
	case None, Bonferroni, FDR:
		if !(p.Value > 0 && p.Value <= 1) {
			return fmt.Errorf("%w: %s threshold must be in (0, 1], got %g", models.ErrInvalidConfig, p.Type, p.Value)
		}
	case TopN:
		if p.Value < 1 || p.Value != math.Trunc(p.Value) {
			return fmt.Errorf("%w: n threshold must be a positive integer, got %g", models.ErrInvalidConfig, p.Value)
		}
	case Percent:
		if !(p.Value > 0 && p.Value <= 1) {
			return fmt.Errorf("%w: percent threshold is a fraction in (0, 1], got %g", models.ErrInvalidConfig, p.Value)
		}
	default:
		return fmt.Errorf("%w: unknown threshold type %q", models.ErrInvalidConfig, p.Type)
	}
	return nil
}

func (p Policy) String() string {
	return fmt.Sprintf("%s(%g)", p.Type, p.Value)
}

// Apply thresholds m inside search. A nil search space means the whole
// grid. NaN voxels are never selected and do not count towards the
// search-space size.
func (p Policy) Apply(m *models.StatMap, search *models.BinaryMask) (*models.BinaryMask, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if search != nil {
		if err := m.Grid.CheckMatch(search.Grid); err != nil {
			return nil, fmt.Errorf("search space: %w", err)
		}
	}

	candidates := make([]int, 0, len(m.Data))
	for i, v := range m.Data {
		if math.IsNaN(v) {
			continue
		}
		if search != nil && !search.Data[i] {
			continue
		}
		candidates = append(candidates, i)
	}

	out := models.NewBinaryMask(m.Grid)
	if len(candidates) == 0 {
		return out, nil
	}

	switch p.Type {
	case None:
		pv := PValues(m)
		for _, i := range candidates {
			out.Data[i] = pv[i] < p.Value
		}
	case Bonferroni:
		pv := PValues(m)
		cut := p.Value / float64(len(candidates))
		for _, i := range candidates {
			out.Data[i] = pv[i] < cut
		}
	case FDR:
		pv := PValues(m)
		cut := benjaminiHochberg(pv, candidates, p.Value)
		for _, i := range candidates {
			out.Data[i] = pv[i] <= cut
		}
	case TopN:
		selectTop(m, candidates, int(p.Value), out)
	case Percent:
		k := int(math.Round(p.Value * float64(len(candidates))))
		selectTop(m, candidates, k, out)
	}
	return out, nil
}

// PValues returns one-sided p-values for every voxel of m. NaN stays NaN.
func PValues(m *models.StatMap) []float64 {
	out := make([]float64, len(m.Data))
	switch m.Kind {
	case models.KindP:
		copy(out, m.Data)
	case models.KindZ:
		for i, v := range m.Data {
			out[i] = distuv.UnitNormal.Survival(v)
		}
	case models.KindT:
		dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: m.DOF}
		for i, v := range m.Data {
			out[i] = dist.Survival(v)
		}
	}
	for i, v := range m.Data {
		if math.IsNaN(v) {
			out[i] = math.NaN()
		}
	}
	return out
}

// Strength orders voxels for the top-n and percent policies: larger is
// stronger. p-values are negated so that the smallest p ranks first.
func Strength(kind models.StatKind, v float64) float64 {
	if kind == models.KindP {
		return -v
	}
	return v
}

// benjaminiHochberg returns the largest p-value that passes the step-up
// procedure at level q, or -1 if none does.
func benjaminiHochberg(pv []float64, candidates []int, q float64) float64 {
	sorted := make([]float64, len(candidates))
	for j, i := range candidates {
		sorted[j] = pv[i]
	}
	sort.Float64s(sorted)

	n := float64(len(sorted))
	cut := -1.0
	for k := len(sorted); k >= 1; k-- {
		if sorted[k-1] <= float64(k)/n*q {
			cut = sorted[k-1]
			break
		}
	}
	return cut
}

// selectTop marks the k strongest candidates. Ties keep the lower voxel
// index so the selection is reproducible.
func selectTop(m *models.StatMap, candidates []int, k int, out *models.BinaryMask) {
	if k <= 0 {
		return
	}
	ranked := make([]int, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(a, b int) bool {
		return Strength(m.Kind, m.Data[ranked[a]]) > Strength(m.Kind, m.Data[ranked[b]])
	})
	if k > len(ranked) {
		k = len(ranked)
	}
	for _, i := range ranked[:k] {
		out.Data[i] = true
	}
}
