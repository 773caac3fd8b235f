package indexsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/chromaseek/internal/vector"
	"github.com/thebtf/chromaseek/pkg/models"
)

// Strategy selects how a synchronization run spreads its work.
type Strategy string

const (
	// Sequential runs batches one after another.
	Sequential Strategy = "sequential"
	// ProcessParallel runs disjoint chunks in child processes.
	ProcessParallel Strategy = "process-parallel"
	// PooledConcurrent runs batches on a bounded in-process pool.
	PooledConcurrent Strategy = "pooled-concurrent"
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{Sequential, ProcessParallel, PooledConcurrent}

// ParseStrategy maps a user supplied name to a Strategy. Empty means Sequential.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sequential", "seq":
		return Sequential, nil
	case "process-parallel", "process", "parallel":
		return ProcessParallel, nil
	case "pooled-concurrent", "pooled", "pool":
		return PooledConcurrent, nil
	}
	return "", fmt.Errorf("unknown sync strategy %q", name)
}

// runner executes a planned run. Implementations report every batch through
// the tally and only return context errors.
type runner interface {
	strategy() Strategy
	run(ctx context.Context, plan []models.Picture, opts Options, t *tally) error
}

// runnerFor picks the runner for opts, degrading to sequential when the
// requested strategy cannot run here.
func (s *Synchronizer) runnerFor(opts Options) (runner, bool) {
	seq := &sequentialRunner{s: s}
	switch opts.Strategy {
	case ProcessParallel:
		if s.spawner == nil {
			log.Warn().Msg("No sync worker spawner available, running sequentially")
			return seq, true
		}
		return &processRunner{s: s, spawner: s.spawner, fallback: seq}, false
	case PooledConcurrent:
		if opts.PoolSize < 2 {
			log.Warn().Int("poolSize", opts.PoolSize).Msg("Pool too small for concurrent sync, running sequentially")
			return seq, true
		}
		return &pooledRunner{s: s}, false
	}
	return seq, false
}

type sequentialRunner struct {
	s *Synchronizer
}

func (r *sequentialRunner) strategy() Strategy { return Sequential }

func (r *sequentialRunner) run(ctx context.Context, plan []models.Picture, opts Options, t *tally) error {
	for _, batch := range vector.Chunk(plan, opts.BatchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Batches are never interrupted once started.
		t.add(r.s.reloadAndProcess(context.WithoutCancel(ctx), pictureIDs(batch), opts))
	}
	return nil
}

type pooledRunner struct {
	s *Synchronizer
}

func (r *pooledRunner) strategy() Strategy { return PooledConcurrent }

func (r *pooledRunner) run(ctx context.Context, plan []models.Picture, opts Options, t *tally) error {
	var g errgroup.Group
	g.SetLimit(opts.PoolSize)

	for _, chunk := range partition(plan, opts.ParallelCount) {
		for _, batch := range vector.Chunk(chunk, opts.BatchSize) {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				t.add(r.s.reloadAndProcess(context.WithoutCancel(ctx), pictureIDs(batch), opts))
				return nil
			})
		}
	}
	_ = g.Wait()
	return ctx.Err()
}

type processRunner struct {
	s        *Synchronizer
	spawner  Spawner
	fallback *sequentialRunner
}

func (r *processRunner) strategy() Strategy { return ProcessParallel }

func (r *processRunner) run(ctx context.Context, plan []models.Picture, opts Options, t *tally) error {
	var g errgroup.Group

	for i, chunk := range partition(plan, opts.ParallelCount) {
		if ctx.Err() != nil {
			break
		}
		job := Job{
			RunID:     t.runID(),
			Chunk:     i,
			IDs:       pictureIDs(chunk),
			BatchSize: opts.BatchSize,
			Force:     opts.Force,
			DryRun:    opts.DryRun,
		}
		g.Go(func() error {
			out, err := r.spawner.Spawn(ctx, job)
			switch {
			case errors.Is(err, ErrSpawnUnavailable):
				log.Warn().Err(err).Int("chunk", job.Chunk).Msg("Sync worker could not start, running chunk in-process")
				t.degrade()
				_ = r.fallback.run(ctx, chunk, opts, t)
			case err != nil:
				log.Error().Err(err).Int("chunk", job.Chunk).Int("pictures", len(chunk)).Msg("Sync worker failed")
				t.add(failAll(chunk, err))
			case !consistent(out, len(chunk)):
				log.Error().
					Int("chunk", job.Chunk).
					Int("considered", out.Considered).
					Int("expected", len(chunk)).
					Msg("Sync worker returned an inconsistent result")
				t.add(failAll(chunk, errInconsistentWorker))
			default:
				t.add(out)
			}
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

var errInconsistentWorker = errors.New("sync worker result does not account for its chunk")

// consistent reports whether a child's result covers its chunk exactly, or
// a prefix of it when the child was cancelled.
func consistent(out models.SyncResult, size int) bool {
	if !out.Balanced() {
		return false
	}
	if out.Cancelled {
		return out.Considered <= size
	}
	return out.Considered == size
}

// failAll counts every picture of a chunk as an error.
func failAll(chunk []models.Picture, err error) models.SyncResult {
	res := models.SyncResult{Considered: len(chunk)}
	for i := range chunk {
		res.Fail(chunk[i].ID, err)
	}
	return res
}

// partition splits items into at most n contiguous, disjoint, near-equal parts.
func partition[T any](items []T, n int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if n > len(items) {
		n = len(items)
	}
	parts := make([][]T, 0, n)
	size, extra := len(items)/n, len(items)%n
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < extra {
			end++
		}
		parts = append(parts, items[start:end])
		start = end
	}
	return parts
}

func pictureIDs(pics []models.Picture) []models.ImageID {
	ids := make([]models.ImageID, len(pics))
	for i := range pics {
		ids[i] = pics[i].ID
	}
	return ids
}
