package parcels

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"froiparcels/internal/models"
	"froiparcels/pkg/ledger"
	"froiparcels/pkg/nifti"
	"froiparcels/pkg/report"
)

// Result describes the files written by Run
type Result struct {
	// Volume is the labeled NIfTI file
	Volume string
	// Table is the YAML parcel table next to it
	Table string
	// Extras lists the optional overlap export, plots and previews
	Extras []string
	// RunID is the ledger id, empty without a ledger
	RunID string
}

// Run builds the parcels from the subjects added so far and writes them to
// <OutputDir>/parcels. The accumulated state is not modified, so repeated
// calls give identical outputs. The ParcelSet is returned only when
// returnResults is set.
func (b *Builder) Run(ctx context.Context, returnResults bool) (*models.ParcelSet, error) {
	ps, _, err := b.RunWithResult(ctx)
	if err != nil {
		return nil, err
	}
	if !returnResults {
		return nil, nil
	}
	return ps, nil
}

// RunWithResult is Run that always returns the ParcelSet together with
// the paths it wrote
func (b *Builder) RunWithResult(ctx context.Context) (*models.ParcelSet, *Result, error) {
	if b.denominator == 0 {
		return nil, nil, models.ErrNoSubjects
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	// Step 1: overlap fractions
	overlap := b.Overlap()
	grid := overlap.Grid
	p := b.params
	b.log.Info("Step 1: overlap map", "subjects", len(b.subjects), "denominator", overlap.Denominator)

	// Step 2: candidate voxels and the overlap counts they reach
	candidate := make([]bool, grid.Len())
	seen := make(map[int32]bool)
	var counts []int32
	nCandidates := 0
	for i, c := range overlap.Counts {
		if c == 0 || !p.passes(overlap.Fraction(i), p.OverlapThreshold) {
			continue
		}
		candidate[i] = true
		nCandidates++
		if !seen[c] {
			seen[c] = true
			counts = append(counts, c)
		}
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i] > counts[j] })
	b.log.Info("Step 2: voxel threshold", "threshold", p.OverlapThreshold, "voxels", nCandidates, "levels", len(counts))

	// Step 3: connected components
	offs, _ := offsets(p.Connectivity)
	nb := neighborhood{grid: grid, offsets: offs}
	regions := components(nb, candidate)
	b.log.Info("Step 3: connected components", "connectivity", p.Connectivity, "components", len(regions))

	// Step 4: merge fragments that overlap at the sub-threshold pass of
	// any level down to the threshold
	rule := mergeRule{threshold: p.MergeThreshold, inclusive: p.MergeInclusive}
	regions = mergeLevels(nb, regions, counts, func(count int32) overlapLevel {
		return p.level(overlap, count)
	}, p.MergeDilation, rule)
	b.log.Info("Step 4: merge", "threshold", p.MergeThreshold, "inclusive", p.MergeInclusive, "regions", len(regions))

	// Step 5: size filter and label order
	ordered := order(grid, regions, p.MinVoxelSize)
	b.log.Info("Step 5: size filter", "min_voxels", p.MinVoxelSize, "parcels", len(ordered))
	if len(ordered) == 0 {
		return nil, nil, fmt.Errorf("%w: %d candidate regions, none with at least %d voxels at overlap threshold %g",
			models.ErrEmptyResult, len(regions), p.MinVoxelSize, p.OverlapThreshold)
	}

	ps, err := models.NewParcelSet(p.Name, grid, labelVolume(grid, ordered))
	if err != nil {
		return nil, nil, err
	}

	// Step 6: persist
	res, err := b.persist(ctx, ps, overlap)
	if err != nil {
		return nil, nil, err
	}
	b.log.Info("Step 6: parcels written", "path", res.Volume, "parcels", len(ps.Parcels),
		"labeled_voxels", ps.LabeledVoxels())

	return ps, res, nil
}

// passes applies the voxel-level comparison
func (p *Params) passes(fraction, threshold float64) bool {
	if p.StrictOverlap {
		return fraction > threshold
	}
	return fraction >= threshold
}

// level builds the candidate and sub-threshold sets for the voxels
// reaching count. The sub-threshold fraction is SubThresholdRatio times the
// level's own fraction, never the configured threshold.
func (p *Params) level(overlap *models.OverlapMap, count int32) overlapLevel {
	n := len(overlap.Counts)
	lv := overlapLevel{candidate: make([]bool, n), sub: make([]bool, n)}
	subThreshold := float64(count) / float64(overlap.Denominator) * p.SubThresholdRatio
	for i, c := range overlap.Counts {
		if c == 0 {
			continue
		}
		lv.candidate[i] = c >= count
		lv.sub[i] = lv.candidate[i] || p.passes(overlap.Fraction(i), subThreshold)
	}
	return lv
}

// parcelTable is the YAML sidecar written next to the label volume
type parcelTable struct {
	Name             string        `yaml:"name"`
	Index            int           `yaml:"index"`
	Volume           string        `yaml:"volume"`
	Shape            [3]int        `yaml:"shape"`
	Affine           [4][4]float64 `yaml:"affine"`
	Subjects         []string      `yaml:"subjects"`
	Denominator      int           `yaml:"denominator"`
	OverlapThreshold float64       `yaml:"overlapThreshold"`
	MinVoxelSize     int           `yaml:"minVoxelSize"`
	MergeThreshold   float64       `yaml:"mergeThreshold"`
	Connectivity     int           `yaml:"connectivity"`
	Parcels          []parcelRow   `yaml:"parcels"`
}

type parcelRow struct {
	Label         int32      `yaml:"label"`
	Voxels        int        `yaml:"voxels"`
	Centroid      [3]float64 `yaml:"centroid"`
	WorldCentroid [3]float64 `yaml:"worldCentroid"`
}

func (b *Builder) persist(ctx context.Context, ps *models.ParcelSet, overlap *models.OverlapMap) (*Result, error) {
	p := b.params
	dir := filepath.Join(p.OutputDir, "parcels")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create %s: %w", models.ErrIO, dir, err)
	}

	base := b.BaseName()
	ext := ".nii"
	if p.Compress {
		ext = ".nii.gz"
	}
	res := &Result{
		Volume: filepath.Join(dir, base+ext),
		Table:  filepath.Join(dir, base+".yaml"),
	}

	data := make([]float64, len(ps.Labels))
	for i, l := range ps.Labels {
		data[i] = float64(l)
	}
	vol := &nifti.Volume{
		Grid:        ps.Grid,
		Data:        data,
		Datatype:    nifti.DTInt32,
		Description: "froiparcels " + p.Name,
		IntentName:  "parcels",
		IntentCode:  nifti.IntentLabel,
	}
	if err := nifti.Write(res.Volume, vol); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", models.ErrIO, res.Volume, err)
	}

	if err := writeTable(res.Table, filepath.Base(res.Volume), b, ps, overlap); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", models.ErrIO, res.Table, err)
	}

	if p.SaveOverlapMap || p.SaveDiagnostics {
		extras, err := report.Write(dir, base, overlap, p.OverlapThreshold, ps, p.SaveOverlapMap, p.SaveDiagnostics)
		if err != nil {
			return nil, fmt.Errorf("%w: diagnostics: %w", models.ErrIO, err)
		}
		res.Extras = extras
	}

	if p.Ledger != nil {
		run := ledger.NewRun(p.Name, p.Index, res.Volume, len(b.subjects), ps)
		run.ConfigYAML = p.ConfigYAML
		id, err := p.Ledger.Record(ctx, run)
		if err != nil {
			return nil, fmt.Errorf("%w: ledger: %w", models.ErrIO, err)
		}
		res.RunID = id
	}
	return res, nil
}

func writeTable(path, volume string, b *Builder, ps *models.ParcelSet, overlap *models.OverlapMap) error {
	p := b.params
	t := parcelTable{
		Name:             p.Name,
		Index:            p.Index,
		Volume:           volume,
		Shape:            ps.Grid.Shape,
		Subjects:         b.Subjects(),
		Denominator:      overlap.Denominator,
		OverlapThreshold: p.OverlapThreshold,
		MinVoxelSize:     p.MinVoxelSize,
		MergeThreshold:   p.MergeThreshold,
		Connectivity:     p.Connectivity,
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			t.Affine[i][j] = ps.Grid.Affine.At(i, j)
		}
	}
	for _, parcel := range ps.Parcels {
		t.Parcels = append(t.Parcels, parcelRow{
			Label:         parcel.Label,
			Voxels:        parcel.Size(),
			Centroid:      parcel.Centroid,
			WorldCentroid: parcel.WorldCentroid,
		})
	}

	raw, err := yaml.Marshal(&t)
	if err != nil {
		return fmt.Errorf("error marshaling parcel table: %w", err)
	}
	return os.WriteFile(path, raw, 0644)
}
