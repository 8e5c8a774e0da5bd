package parcels

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"froiparcels/internal/models"
	"froiparcels/pkg/smoothing"
	"froiparcels/pkg/threshold"
)

// batch is the state shared by the workers of one AddSubjects call
type batch struct {
	task      string
	contrasts []string
	policy    threshold.Policy

	// grid is the reference for this batch: the builder grid, or the first
	// grid loaded when the builder has none yet
	mu   sync.Mutex
	grid *models.Grid
}

// reference returns the grid every map of the batch must match, adopting
// g when no reference exists yet
func (bt *batch) reference(g models.Grid) models.Grid {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if bt.grid == nil {
		bt.grid = &g
	}
	return *bt.grid
}

// AddSubjects loads, smooths and thresholds every contrast map of every
// subject and adds the resulting masks to the overlap map. Subjects are
// processed by a pool of NumCores workers, each summing into its own
// buffer; the buffers are reduced once all workers are done. The first
// error stops the remaining work and leaves the builder as it was before
// the call.
func (b *Builder) AddSubjects(ctx context.Context, subjects []string, task string, contrasts []string, policy threshold.Policy) error {
	if len(subjects) == 0 {
		return fmt.Errorf("%w: at least one subject is required", models.ErrInvalidConfig)
	}
	if len(contrasts) == 0 {
		return fmt.Errorf("%w: at least one contrast is required", models.ErrInvalidConfig)
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	inBatch := make(map[string]bool, len(subjects))
	for _, s := range subjects {
		if b.seen[s] || inBatch[s] {
			return fmt.Errorf("%w: subject %s was already added", models.ErrInvalidConfig, s)
		}
		inBatch[s] = true
	}

	bt := &batch{task: task, contrasts: contrasts, policy: policy, grid: b.grid}

	workers := b.params.NumCores
	if workers > len(subjects) {
		workers = len(subjects)
	}
	b.log.Info("adding subjects", "subjects", len(subjects), "task", task,
		"contrasts", contrasts, "threshold", policy.String(), "workers", workers)

	partials := make([][]int32, workers)
	g, gctx := errgroup.WithContext(ctx)

	jobs := make(chan string)
	g.Go(func() error {
		defer close(jobs)
		for _, s := range subjects {
			select {
			case jobs <- s:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for subject := range jobs {
				mask, err := b.subjectMasks(gctx, bt, subject)
				if err != nil {
					return err
				}
				if partials[w] == nil {
					partials[w] = make([]int32, len(mask))
				}
				for i, c := range mask {
					partials[w][i] += c
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	// Commit: nothing above touched the builder.
	if b.grid == nil {
		b.grid = bt.grid
	}
	if b.counts == nil {
		b.counts = make([]int32, b.grid.Len())
	}
	for _, p := range partials {
		for i, c := range p {
			b.counts[i] += c
		}
	}
	perSubject := 1
	if b.params.ContrastCombination == Each {
		perSubject = len(contrasts)
	}
	b.denominator += perSubject * len(subjects)
	for _, s := range subjects {
		b.seen[s] = true
		b.subjects = append(b.subjects, s)
	}

	b.log.Info("subjects added", "total_subjects", len(b.subjects), "denominator", b.denominator)
	return nil
}

// subjectMasks returns, per voxel, how many masks of subject include it:
// 0 or 1 under Conjunction, up to len(contrasts) under Each
func (b *Builder) subjectMasks(ctx context.Context, bt *batch, subject string) ([]int32, error) {
	var counts []int32
	var conj *models.BinaryMask

	for _, contrast := range bt.contrasts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := b.provider.Load(ctx, subject, bt.task, contrast)
		if err != nil {
			return nil, fmt.Errorf("subject %s: %w", subject, err)
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("subject %s contrast %s: %w", subject, contrast, err)
		}
		ref := bt.reference(m.Grid)
		if err := ref.CheckMatch(m.Grid); err != nil {
			return nil, fmt.Errorf("subject %s contrast %s: %w", subject, contrast, err)
		}

		if b.params.SmoothingFWHM > 0 {
			smoothed := *m
			smoothed.Data = smoothing.Smooth(m.Grid, m.Data, b.params.SmoothingFWHM)
			m = &smoothed
		}

		mask, err := bt.policy.Apply(m, b.params.SearchSpace)
		if err != nil {
			return nil, fmt.Errorf("subject %s contrast %s: %w", subject, contrast, err)
		}
		b.log.Debug("thresholded map", "subject", subject, "contrast", contrast, "voxels", mask.Count())

		if counts == nil {
			counts = make([]int32, len(mask.Data))
		}
		switch b.params.ContrastCombination {
		case Each:
			for i, v := range mask.Data {
				if v {
					counts[i]++
				}
			}
		default:
			if conj == nil {
				conj = mask
			} else {
				conj.And(mask)
			}
		}
	}

	if conj != nil {
		for i, v := range conj.Data {
			if v {
				counts[i] = 1
			}
		}
	}
	return counts, nil
}
