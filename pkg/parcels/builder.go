// Package parcels generates group-level parcels from per-subject statistical
// maps. Subject maps are smoothed, thresholded and summed into an overlap
// map; Run turns the overlap map into labeled, disjoint parcels.
package parcels

import (
	"fmt"
	"log/slog"
	"math"
	"runtime"

	"froiparcels/internal/models"
	"froiparcels/pkg/ledger"
	"froiparcels/pkg/statmap"
)

// Combination says how several contrasts of one subject are accumulated
type Combination string

const (
	// Conjunction adds one mask per subject: a voxel counts when it
	// survives every contrast
	Conjunction Combination = "conjunction"
	// Each adds every contrast map as its own mask
	Each Combination = "each"
)

// Params holds the parcel generation parameters. They are fixed when the
// Builder is created.
type Params struct {
	// Name and Index name the outputs: parcels-<Name>_<Index>
	Name  string
	Index int

	// OutputDir is the root under which parcels/ is created
	OutputDir string

	// SmoothingFWHM is the Gaussian kernel width in mm; 0 disables smoothing
	SmoothingFWHM float64

	// OverlapThreshold is the minimum fraction of masks that must include a
	// voxel for it to become part of a candidate region
	OverlapThreshold float64

	// StrictOverlap makes the voxel test fraction > OverlapThreshold
	// instead of fraction >= OverlapThreshold
	StrictOverlap bool

	// MinVoxelSize is the smallest parcel kept
	MinVoxelSize int

	// MergeThreshold is the IoU two candidates need, at the sub-threshold
	// pass, to be merged into one parcel
	MergeThreshold float64

	// MergeInclusive merges at IoU >= MergeThreshold instead of >
	MergeInclusive bool

	// SubThresholdRatio scales OverlapThreshold for the sub-threshold pass
	// used by merging. Zero means 0.5.
	SubThresholdRatio float64

	// MergeDilation is the number of dilation steps a candidate may grow
	// into the sub-threshold set before IoUs are measured
	MergeDilation int

	// Connectivity is 6, 18 or 26. Zero means 26.
	Connectivity int

	// ContrastCombination defaults to Conjunction
	ContrastCombination Combination

	// SearchSpace optionally restricts thresholding; its grid becomes the
	// reference grid
	SearchSpace *models.BinaryMask

	// NumCores bounds the AddSubjects worker pool. Zero means all CPUs.
	NumCores int

	// Compress writes .nii.gz instead of .nii
	Compress bool

	// SaveOverlapMap exports the overlap fractions as .npy
	SaveOverlapMap bool

	// SaveDiagnostics writes plots and slice previews
	SaveDiagnostics bool

	// Ledger, when set, receives one row per successful Run
	Ledger *ledger.Ledger

	// ConfigYAML is recorded with the ledger row
	ConfigYAML string

	// Logger defaults to slog.Default()
	Logger *slog.Logger
}

// DefaultParams returns the parameters used by the command line tool
// before any configuration is applied
func DefaultParams(name, outputDir string) Params {
	return Params{
		Name:                name,
		OutputDir:           outputDir,
		SmoothingFWHM:       4,
		OverlapThreshold:    0.1,
		MinVoxelSize:        20,
		MergeThreshold:      0.75,
		SubThresholdRatio:   0.5,
		MergeDilation:       2,
		Connectivity:        26,
		ContrastCombination: Conjunction,
		Compress:            true,
	}
}

func (p *Params) validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", models.ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	finite := func(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

	if p.Name == "" {
		return invalid("parcel set name is required")
	}
	if p.OutputDir == "" {
		return invalid("output directory is required")
	}
	if !finite(p.SmoothingFWHM) || p.SmoothingFWHM < 0 {
		return invalid("smoothing FWHM must be finite and non-negative, got %g", p.SmoothingFWHM)
	}
	if !finite(p.OverlapThreshold) || p.OverlapThreshold < 0 {
		return invalid("overlap threshold must be finite and non-negative, got %g", p.OverlapThreshold)
	}
	if p.MinVoxelSize < 1 {
		return invalid("minimum voxel size must be at least 1, got %d", p.MinVoxelSize)
	}
	if !(p.MergeThreshold >= 0 && p.MergeThreshold <= 1) {
		return invalid("merge threshold must be in [0, 1], got %g", p.MergeThreshold)
	}
	if p.SubThresholdRatio == 0 {
		p.SubThresholdRatio = 0.5
	}
	if !(p.SubThresholdRatio > 0 && p.SubThresholdRatio <= 1) {
		return invalid("sub-threshold ratio must be in (0, 1], got %g", p.SubThresholdRatio)
	}
	if p.MergeDilation < 0 {
		return invalid("merge dilation must be non-negative, got %d", p.MergeDilation)
	}
	if p.Connectivity == 0 {
		p.Connectivity = 26
	}
	if _, err := offsets(p.Connectivity); err != nil {
		return err
	}
	switch p.ContrastCombination {
	case "":
		p.ContrastCombination = Conjunction
	case Conjunction, Each:
	default:
		return invalid("unknown contrast combination %q", p.ContrastCombination)
	}
	if p.SearchSpace != nil && len(p.SearchSpace.Data) != p.SearchSpace.Grid.Len() {
		return invalid("search space has %d voxels for grid %v", len(p.SearchSpace.Data), p.SearchSpace.Grid.Shape)
	}
	if p.NumCores <= 0 {
		p.NumCores = runtime.NumCPU()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return nil
}

// Builder accumulates subject masks and produces a ParcelSet. A Builder is
// used from one goroutine; AddSubjects parallelizes internally.
type Builder struct {
	params   Params
	provider statmap.Provider
	log      *slog.Logger

	// grid is the reference grid; nil until the first map is committed
	grid *models.Grid

	counts      []int32
	denominator int
	subjects    []string
	seen        map[string]bool
}

// NewBuilder validates params and creates a Builder reading maps from
// provider
func NewBuilder(params Params, provider statmap.Provider) (*Builder, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: a statistical map provider is required", models.ErrInvalidConfig)
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	b := &Builder{
		params:   params,
		provider: provider,
		log:      params.Logger.With("parcels", params.Name),
		seen:     make(map[string]bool),
	}
	if params.SearchSpace != nil {
		g := params.SearchSpace.Grid
		b.grid = &g
	}
	return b, nil
}

// Params returns the validated parameters with defaults filled in
func (b *Builder) Params() Params {
	return b.params
}

// Subjects returns the subjects accumulated so far, in the order added
func (b *Builder) Subjects() []string {
	return append([]string(nil), b.subjects...)
}

// Overlap returns a copy of the current overlap map, or nil before any
// subject was added
func (b *Builder) Overlap() *models.OverlapMap {
	if b.grid == nil || b.denominator == 0 {
		return nil
	}
	return &models.OverlapMap{
		Grid:        *b.grid,
		Counts:      append([]int32(nil), b.counts...),
		Denominator: b.denominator,
	}
}

// BaseName is the file name stem of every output of a run
func (b *Builder) BaseName() string {
	return fmt.Sprintf("parcels-%s_%d", b.params.Name, b.params.Index)
}
