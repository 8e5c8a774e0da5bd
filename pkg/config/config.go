// Package config provides configuration loading and management for
// froiparcels. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"froiparcels/internal/models"
	"froiparcels/pkg/nifti"
	"froiparcels/pkg/parcels"
	"froiparcels/pkg/statmap"
	"froiparcels/pkg/threshold"
)

// Data formats understood by Provider
const (
	FormatNpy   = "npy"
	FormatNifti = "nifti"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Input and output locations
	Paths struct {
		// Data is the root of the first-level map store
		Data string `yaml:"data"`

		// Format is "npy" or "nifti"
		Format string `yaml:"format"`

		// Output is the directory under which parcels/ is written
		Output string `yaml:"output"`

		// SearchSpace optionally names a NIfTI mask restricting thresholding
		SearchSpace string `yaml:"searchSpace,omitempty"`
	} `yaml:"paths"`

	// Parcel generation parameters
	Parcels struct {
		Name                string  `yaml:"name"`
		Index               int     `yaml:"index"`
		SmoothingFWHM       float64 `yaml:"smoothingFWHM"`
		OverlapThreshold    float64 `yaml:"overlapThreshold"`
		StrictOverlap       bool    `yaml:"strictOverlap"`
		MinVoxelSize        int     `yaml:"minVoxelSize"`
		MergeThreshold      float64 `yaml:"mergeThreshold"`
		MergeInclusive      bool    `yaml:"mergeInclusive"`
		SubThresholdRatio   float64 `yaml:"subThresholdRatio"`
		MergeDilation       int     `yaml:"mergeDilation"`
		Connectivity        int     `yaml:"connectivity"`
		ContrastCombination string  `yaml:"contrastCombination"`
	} `yaml:"parcels"`

	// Threshold is applied to every subject map before accumulation
	Threshold threshold.Policy `yaml:"threshold"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many workers load and threshold subjects
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		Compress        bool `yaml:"compress"`
		SaveOverlapMap  bool `yaml:"saveOverlapMap"`
		SaveDiagnostics bool `yaml:"saveDiagnostics"`

		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Ledger configures the run database
	Ledger struct {
		// Path of the SQLite file; empty disables the ledger
		Path string `yaml:"path"`
	} `yaml:"ledger"`

	// FROI configures subject-level region definition after a run
	FROI struct {
		// Policy selects voxels inside each parcel
		Policy threshold.Policy `yaml:"policy"`
	} `yaml:"froi"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Paths.Data = "data"
	cfg.Paths.Format = FormatNpy
	cfg.Paths.Output = "output"

	d := parcels.DefaultParams("parcels", cfg.Paths.Output)
	cfg.Parcels.Name = d.Name
	cfg.Parcels.SmoothingFWHM = d.SmoothingFWHM
	cfg.Parcels.OverlapThreshold = d.OverlapThreshold
	cfg.Parcels.MinVoxelSize = d.MinVoxelSize
	cfg.Parcels.MergeThreshold = d.MergeThreshold
	cfg.Parcels.SubThresholdRatio = d.SubThresholdRatio
	cfg.Parcels.MergeDilation = d.MergeDilation
	cfg.Parcels.Connectivity = d.Connectivity
	cfg.Parcels.ContrastCombination = string(d.ContrastCombination)

	cfg.Threshold = threshold.Policy{Type: threshold.None, Value: 0.001}

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	cfg.Output.Compress = true
	cfg.Output.SaveOverlapMap = false
	cfg.Output.SaveDiagnostics = false
	cfg.Output.Verbose = false

	cfg.FROI.Policy = threshold.Policy{Type: threshold.Percent, Value: 0.1}

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks the settings that are not validated by the components
// they configure
func (c *Config) Validate() error {
	if c.Paths.Format != FormatNpy && c.Paths.Format != FormatNifti {
		return fmt.Errorf("%w: unknown data format %q", models.ErrInvalidConfig, c.Paths.Format)
	}
	if c.Paths.Data == "" {
		return fmt.Errorf("%w: data path is required", models.ErrInvalidConfig)
	}
	if c.Processing.NumCores < 0 {
		return fmt.Errorf("%w: numCores must not be negative", models.ErrInvalidConfig)
	}
	if math.IsNaN(c.Parcels.OverlapThreshold) {
		return fmt.Errorf("%w: overlap threshold is NaN", models.ErrInvalidConfig)
	}
	if err := c.Threshold.Validate(); err != nil {
		return fmt.Errorf("threshold: %w", err)
	}
	if err := c.FROI.Policy.Validate(); err != nil {
		return fmt.Errorf("froi policy: %w", err)
	}
	return nil
}

// Provider opens the map store named by Paths
func (c *Config) Provider() (statmap.Provider, error) {
	switch c.Paths.Format {
	case FormatNpy:
		return statmap.NewNpyStore(c.Paths.Data), nil
	case FormatNifti:
		return statmap.NewNiftiStore(c.Paths.Data), nil
	}
	return nil, fmt.Errorf("%w: unknown data format %q", models.ErrInvalidConfig, c.Paths.Format)
}

// BuilderParams converts the configuration into parcel builder parameters.
// The search space mask, when configured, is read here; any nonzero voxel
// is inside.
func (c *Config) BuilderParams(logger *slog.Logger) (parcels.Params, error) {
	p := parcels.Params{
		Name:                c.Parcels.Name,
		Index:               c.Parcels.Index,
		OutputDir:           c.Paths.Output,
		SmoothingFWHM:       c.Parcels.SmoothingFWHM,
		OverlapThreshold:    c.Parcels.OverlapThreshold,
		StrictOverlap:       c.Parcels.StrictOverlap,
		MinVoxelSize:        c.Parcels.MinVoxelSize,
		MergeThreshold:      c.Parcels.MergeThreshold,
		MergeInclusive:      c.Parcels.MergeInclusive,
		SubThresholdRatio:   c.Parcels.SubThresholdRatio,
		MergeDilation:       c.Parcels.MergeDilation,
		Connectivity:        c.Parcels.Connectivity,
		ContrastCombination: parcels.Combination(c.Parcels.ContrastCombination),
		NumCores:            c.Processing.NumCores,
		Compress:            c.Output.Compress,
		SaveOverlapMap:      c.Output.SaveOverlapMap,
		SaveDiagnostics:     c.Output.SaveDiagnostics,
		Logger:              logger,
	}

	if c.Paths.SearchSpace != "" {
		v, err := nifti.Read(c.Paths.SearchSpace)
		if err != nil {
			return p, fmt.Errorf("failed to read search space: %w", err)
		}
		mask := models.NewBinaryMask(v.Grid)
		for i, x := range v.Data {
			mask.Data[i] = x != 0 && !math.IsNaN(x)
		}
		p.SearchSpace = mask
	}

	raw, err := yaml.Marshal(c)
	if err != nil {
		return p, fmt.Errorf("error marshaling config: %w", err)
	}
	p.ConfigYAML = string(raw)
	return p, nil
}
