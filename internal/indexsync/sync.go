// Package indexsync reconciles the picture store with the vector index.
package indexsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/chromaseek/internal/vector"
	"github.com/thebtf/chromaseek/pkg/models"
)

// Defaults for Options.
const (
	DefaultBatchSize     = 100
	DefaultParallelCount = 4
	DefaultPoolSize      = 8
)

var (
	// ErrNoPalette is recorded for pictures with neither a stored palette nor an extractor.
	ErrNoPalette = errors.New("no palette stored and no extractor configured")
	// ErrPictureGone is recorded for planned pictures that vanished before processing.
	ErrPictureGone = errors.New("picture no longer exists")
)

// PictureStore is the part of the picture store a run needs.
type PictureStore interface {
	ListNeedingSync(ctx context.Context, limit, offset int, onlyMissing bool) ([]models.Picture, error)
	GetForSync(ctx context.Context, ids []models.ImageID) ([]models.Picture, error)
	SavePalette(ctx context.Context, id models.ImageID, palette models.Palette) error
	MarkIndexed(ctx context.Context, ids []models.ImageID, at time.Time) error
}

// Extractor computes a palette from image pixels, optionally restricted to a region.
type Extractor interface {
	Extract(ctx context.Context, imageRef string, roi *models.Region) (models.Palette, error)
}

// History records runs.
type History interface {
	Start(ctx context.Context, runID, strategy string, dryRun, force bool) error
	Finish(ctx context.Context, res models.SyncResult, runErr error) error
}

// Options configures a run.
type Options struct {
	Strategy      Strategy `json:"strategy"`
	TotalLimit    int      `json:"total_limit"`
	BatchSize     int      `json:"batch_size"`
	ParallelCount int      `json:"parallel_count"`
	PoolSize      int      `json:"pool_size"`
	Force         bool     `json:"force"`
	DryRun        bool     `json:"dry_run"`
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = Sequential
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchSize > vector.MaxBatchSize {
		o.BatchSize = vector.MaxBatchSize
	}
	if o.ParallelCount <= 0 {
		o.ParallelCount = DefaultParallelCount
	}
	if o.PoolSize == 0 {
		o.PoolSize = DefaultPoolSize
	}
	if o.TotalLimit < 0 {
		o.TotalLimit = 0
	}
	return o
}

// Progress is reported after every batch and once when the run ends.
type Progress struct {
	models.SyncResult
	Done bool `json:"done"`
}

// Synchronizer pushes dominant colors of stored pictures into the vector index.
type Synchronizer struct {
	store      PictureStore
	index      vector.Index
	extractor  Extractor
	history    History
	spawner    Spawner
	onProgress func(Progress)
	onChange   func(ctx context.Context, res models.SyncResult)
	now        func() time.Time
}

// Option customizes a Synchronizer.
type Option func(*Synchronizer)

// WithExtractor sets the palette extractor used for pictures without a stored palette.
func WithExtractor(e Extractor) Option {
	return func(s *Synchronizer) { s.extractor = e }
}

// WithHistory records every run.
func WithHistory(h History) Option {
	return func(s *Synchronizer) { s.history = h }
}

// WithSpawner replaces the child process launcher of the process-parallel strategy.
// A nil spawner makes that strategy run sequentially.
func WithSpawner(sp Spawner) Option {
	return func(s *Synchronizer) { s.spawner = sp }
}

// OnProgress registers a progress hook. It may be called from several goroutines.
func OnProgress(fn func(Progress)) Option {
	return func(s *Synchronizer) { s.onProgress = fn }
}

// OnChange registers a hook called after a run that wrote to the index.
func OnChange(fn func(ctx context.Context, res models.SyncResult)) Option {
	return func(s *Synchronizer) { s.onChange = fn }
}

// New creates a Synchronizer. The process-parallel strategy re-executes the
// running binary with the sync-worker command unless WithSpawner says otherwise.
func New(store PictureStore, index vector.Index, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:   store,
		index:   index,
		spawner: NewExecSpawner(WorkerCommand),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run plans and executes one synchronization. The result is returned even
// when the run was cancelled; its counters then cover the batches that ran.
func (s *Synchronizer) Run(ctx context.Context, opts Options) (models.SyncResult, error) {
	opts = opts.withDefaults()
	res := models.SyncResult{
		RunID:     uuid.NewString(),
		Requested: string(opts.Strategy),
		DryRun:    opts.DryRun,
	}
	if _, err := ParseStrategy(string(opts.Strategy)); err != nil {
		return res, err
	}
	if !opts.DryRun && !s.indexReady() {
		return res, fmt.Errorf("sync: %w", &vector.ConfigurationError{Field: "index"})
	}

	start := s.now()
	plan, err := s.plan(ctx, opts)
	if err != nil {
		return res, fmt.Errorf("plan sync: %w", err)
	}
	res.Planned = len(plan)

	r, degraded := s.runnerFor(opts)
	res.Strategy = string(r.strategy())
	res.Degraded = degraded

	if s.history != nil {
		if err := s.history.Start(ctx, res.RunID, res.Strategy, opts.DryRun, opts.Force); err != nil {
			log.Warn().Err(err).Str("runId", res.RunID).Msg("Failed to record sync start")
		}
	}

	log.Info().
		Str("runId", res.RunID).
		Str("strategy", res.Strategy).
		Int("planned", res.Planned).
		Bool("dryRun", opts.DryRun).
		Bool("force", opts.Force).
		Msg("Sync started")

	t := newTally(res, s.onProgress)
	runErr := r.run(ctx, plan, opts, t)
	res = t.snapshot()
	res.Duration = s.now().Sub(start)
	if runErr != nil {
		res.Cancelled = true
	}

	if !res.Balanced() {
		// Never expected; every batch accounts for its pictures.
		log.Error().
			Str("runId", res.RunID).
			Int("considered", res.Considered).
			Int("processed", res.Processed).
			Int("skipped", res.Skipped).
			Int("errors", res.Errors).
			Msg("Sync counters do not add up")
	}

	log.Info().
		Str("runId", res.RunID).
		Str("strategy", res.Strategy).
		Bool("degraded", res.Degraded).
		Int("considered", res.Considered).
		Int("processed", res.Processed).
		Int("skipped", res.Skipped).
		Int("errors", res.Errors).
		Dur("duration", res.Duration).
		Msg("Sync finished")

	if s.history != nil {
		if err := s.history.Finish(context.WithoutCancel(ctx), res, runErr); err != nil {
			log.Warn().Err(err).Str("runId", res.RunID).Msg("Failed to record sync result")
		}
	}
	if s.onProgress != nil {
		s.onProgress(Progress{SyncResult: res, Done: true})
	}
	if !opts.DryRun && res.Processed > 0 && s.onChange != nil {
		s.onChange(context.WithoutCancel(ctx), res)
	}

	if runErr != nil {
		return res, fmt.Errorf("sync cancelled: %w", runErr)
	}
	return res, nil
}

func (s *Synchronizer) indexReady() bool {
	return s.index != nil && s.index.Configured()
}

// plan pages through the store before any picture is touched, so offsets
// stay stable while the run marks pictures as indexed. Batches reload their
// pictures when they start, so work another run finished in the meantime is
// skipped.
func (s *Synchronizer) plan(ctx context.Context, opts Options) ([]models.Picture, error) {
	var plan []models.Picture
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		limit := opts.BatchSize
		if opts.TotalLimit > 0 {
			remaining := opts.TotalLimit - len(plan)
			if remaining <= 0 {
				break
			}
			limit = min(limit, remaining)
		}
		page, err := s.store.ListNeedingSync(ctx, limit, offset, !opts.Force)
		if err != nil {
			return nil, err
		}
		plan = append(plan, page...)
		if len(page) < limit {
			break
		}
		offset += len(page)
	}
	return plan, nil
}

// processBatch syncs one batch and accounts for every picture in it. Unless
// forced, a picture whose stored palette is already in the index is skipped;
// every other picture has its palette resolved or extracted and is upserted.
func (s *Synchronizer) processBatch(ctx context.Context, batch []models.Picture, opts Options) models.SyncResult {
	res := models.SyncResult{Considered: len(batch)}
	entries := make([]models.IndexEntry, 0, len(batch))

	for i := range batch {
		p := &batch[i]
		if !opts.Force && p.HasPalette() && p.IndexedAt != nil {
			res.Skipped++
			continue
		}
		color, err := s.dominantFor(ctx, p, opts.DryRun)
		if err != nil {
			log.Error().Err(err).Int64("pictureId", int64(p.ID)).Str("path", p.Path).Msg("Failed to resolve picture color")
			res.Fail(p.ID, err)
			continue
		}
		entries = append(entries, models.IndexEntry{
			ID:       p.ID,
			Color:    color,
			Metadata: p.IndexMetadata(),
		})
	}
	if len(entries) == 0 {
		return res
	}
	if opts.DryRun {
		res.Processed += len(entries)
		return res
	}

	up := s.index.Upsert(ctx, entries)
	failed := make(map[models.ImageID]error, len(up.Rejected))
	for _, id := range up.Rejected {
		failed[id] = models.ErrMalformedPalette
	}
	var partial *vector.PartialBatchFailure
	if errors.As(up.Err, &partial) {
		for id := range partial.FailedIDs() {
			failed[id] = up.Err
		}
	}

	indexed := make([]models.ImageID, 0, len(entries))
	for _, e := range entries {
		if err, ok := failed[e.ID]; ok {
			log.Error().Err(err).Int64("pictureId", int64(e.ID)).Msg("Failed to upsert picture color")
			res.Fail(e.ID, err)
			continue
		}
		indexed = append(indexed, e.ID)
	}
	if len(indexed) > 0 {
		// The index already holds these; a missing marker only means a redundant upsert next run.
		if err := s.store.MarkIndexed(ctx, indexed, s.now()); err != nil {
			log.Warn().Err(err).Int("pictures", len(indexed)).Msg("Failed to mark pictures indexed")
		}
	}
	res.Processed += len(indexed)
	return res
}

// dominantFor resolves the color to index, extracting and saving a palette
// when none usable is stored.
func (s *Synchronizer) dominantFor(ctx context.Context, p *models.Picture, dryRun bool) (models.RGB, error) {
	if p.HasPalette() {
		shape, err := models.DecodePalette(p.Palette)
		if err == nil && shape.Kind != models.ShapeUnknown {
			return shape.Dominant()
		}
		log.Debug().Int64("pictureId", int64(p.ID)).Msg("Stored palette unusable, extracting")
	}
	if s.extractor == nil {
		return models.RGB{}, ErrNoPalette
	}

	palette, err := s.extractor.Extract(ctx, p.Path, p.Region)
	if err != nil {
		return models.RGB{}, fmt.Errorf("extract palette: %w", err)
	}
	dominant, err := palette.Dominant()
	if err != nil {
		return models.RGB{}, err
	}
	if !dryRun {
		if err := s.store.SavePalette(ctx, p.ID, palette); err != nil {
			log.Warn().Err(err).Int64("pictureId", int64(p.ID)).Msg("Failed to save extracted palette")
		}
	}
	return dominant, nil
}

// tally aggregates batch results from concurrent runners.
type tally struct {
	emit func(Progress)
	mu   sync.Mutex
	res  models.SyncResult
}

func newTally(res models.SyncResult, emit func(Progress)) *tally {
	return &tally{res: res, emit: emit}
}

func (t *tally) add(batch models.SyncResult) {
	t.mu.Lock()
	t.res.Merge(batch)
	snap := t.res
	snap.Failures = nil
	t.mu.Unlock()

	if t.emit != nil {
		t.emit(Progress{SyncResult: snap})
	}
}

func (t *tally) degrade() {
	t.mu.Lock()
	t.res.Degraded = true
	t.mu.Unlock()
}

func (t *tally) runID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.res.RunID
}

func (t *tally) snapshot() models.SyncResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.res
}
