package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"froiparcels/pkg/config"
	"froiparcels/pkg/froi"
	"froiparcels/pkg/ledger"
	"froiparcels/pkg/parcels"
	"froiparcels/pkg/statmap"
	"froiparcels/pkg/threshold"
)

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// flagsSet returns the names of the flags given on the command line
func flagsSet() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// applyThresholdFlags overrides the parts of policy given on the command
// line. A type without a value keeps the configured value.
func applyThresholdFlags(policy *threshold.Policy, typ string, value float64, set map[string]bool) {
	if set["threshold-type"] && typ != "" {
		policy.Type = threshold.Type(typ)
	}
	if set["threshold-value"] {
		policy.Value = value
	}
}

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "froiparcels.yaml", "Configuration file")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file and exit")
	dataDir := flag.String("data", "", "Root of the first-level map store (overrides config)")
	format := flag.String("format", "", "Map store format: npy or nifti (overrides config)")
	subjectList := flag.String("subjects", "", "Comma-separated subject IDs")
	task := flag.String("task", "", "Task name")
	contrastList := flag.String("contrasts", "", "Comma-separated localizer contrasts")
	thresholdType := flag.String("threshold-type", "", "Subject threshold: none, bonferroni, fdr, n or percent (overrides config)")
	thresholdValue := flag.Float64("threshold-value", 0, "Subject threshold value (overrides config)")
	name := flag.String("name", "", "Parcel set name (overrides config)")
	index := flag.Int("index", -1, "Parcel set index (overrides config)")
	effectContrast := flag.String("effect-contrast", "", "Contrast measured inside each subject's fROIs after parcel generation")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *dataDir != "" {
		cfg.Paths.Data = *dataDir
	}
	if *format != "" {
		cfg.Paths.Format = *format
	}
	applyThresholdFlags(&cfg.Threshold, *thresholdType, *thresholdValue, flagsSet())
	if *name != "" {
		cfg.Parcels.Name = *name
	}
	if *index >= 0 {
		cfg.Parcels.Index = *index
	}

	subjects := splitList(*subjectList)
	contrasts := splitList(*contrastList)
	if len(subjects) == 0 || len(contrasts) == 0 || *task == "" {
		flag.Usage()
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level := slog.LevelInfo
	if cfg.Output.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	fmt.Println("================================")
	fmt.Println("GROUP-CONSTRAINED FUNCTIONAL REGIONS OF INTEREST")
	fmt.Println("================================")

	params, err := cfg.BuilderParams(logger)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.Ledger.Path != "" {
		l, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			log.Fatalf("Failed to open ledger: %v", err)
		}
		defer l.Close()
		params.Ledger = l
	}

	provider, err := cfg.Provider()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	builder, err := parcels.NewBuilder(params, provider)
	if err != nil {
		log.Fatalf("Invalid parameters: %v", err)
	}

	ctx := context.Background()
	fmt.Printf("Accumulating %d subjects with %s thresholding...\n", len(subjects), cfg.Threshold)
	startTime := time.Now()
	if err := builder.AddSubjects(ctx, subjects, *task, contrasts, cfg.Threshold); err != nil {
		log.Fatalf("Failed to add subjects: %v", err)
	}

	ps, result, err := builder.RunWithResult(ctx)
	if err != nil {
		log.Fatalf("Parcel generation failed: %v", err)
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nParcel generation completed in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("Parcels saved to: %s\n", result.Volume)
	fmt.Printf("Parcel table saved to: %s\n", result.Table)
	if result.RunID != "" {
		fmt.Printf("Ledger run: %s\n", result.RunID)
	}
	for _, extra := range result.Extras {
		fmt.Printf("- %s\n", extra)
	}

	fmt.Printf("\n%-6s %8s %24s\n", "label", "voxels", "centroid (mm)")
	for _, p := range ps.Parcels {
		c := p.WorldCentroid
		fmt.Printf("%-6d %8d %8.1f%8.1f%8.1f\n", p.Label, p.Size(), c[0], c[1], c[2])
	}

	if *effectContrast != "" {
		if err := printEffects(ctx, provider, result.Volume, subjects, *task, contrasts[0], *effectContrast, cfg); err != nil {
			log.Fatalf("fROI analysis failed: %v", err)
		}
	}
}

// printEffects defines every subject's fROIs from the localizer contrast
// inside the written parcels and reports the effect contrast in each
func printEffects(ctx context.Context, provider statmap.Provider, path string, subjects []string, task, localizer, effect string, cfg *config.Config) error {
	group, err := froi.LoadParcels(path)
	if err != nil {
		return err
	}

	fmt.Printf("\nfROI effect sizes (%s within %s, %s)\n", effect, localizer, cfg.FROI.Policy)
	fmt.Printf("%-10s %-6s %8s %10s %10s\n", "subject", "label", "voxels", "mean", "std")
	for _, s := range subjects {
		loc, err := provider.Load(ctx, s, task, localizer)
		if err != nil {
			return err
		}
		eff, err := provider.Load(ctx, s, task, effect)
		if err != nil {
			return err
		}
		rois, err := froi.Define(loc, group, cfg.FROI.Policy)
		if err != nil {
			return err
		}
		effects, err := froi.EffectSize(eff, rois)
		if err != nil {
			return err
		}
		for _, e := range effects {
			fmt.Printf("%-10s %-6d %8d %10.3f %10.3f\n", s, e.Label, e.Voxels, e.Mean, e.Std)
		}
	}
	return nil
}
