package indexsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/chromaseek/internal/vector"
	"github.com/thebtf/chromaseek/pkg/models"
)

// WorkerCommand is the CLI command that runs one chunk of a process-parallel sync.
const WorkerCommand = "sync-worker"

// ErrSpawnUnavailable means a child process could not be started at all.
var ErrSpawnUnavailable = errors.New("sync worker process unavailable")

// Job is the chunk handed to a child process on its stdin.
type Job struct {
	RunID     string           `json:"run_id"`
	IDs       []models.ImageID `json:"ids"`
	Chunk     int              `json:"chunk"`
	BatchSize int              `json:"batch_size"`
	Force     bool             `json:"force"`
	DryRun    bool             `json:"dry_run"`
}

// Spawner runs a job in an isolated process and returns the child's result.
// Errors wrapping ErrSpawnUnavailable mean nothing ran.
type Spawner interface {
	Spawn(ctx context.Context, job Job) (models.SyncResult, error)
}

// ExecSpawner re-executes a binary with the worker command. The job travels
// as JSON on stdin and the result comes back as JSON on stdout.
type ExecSpawner struct {
	// Stderr receives the child's logs. Defaults to os.Stderr.
	Stderr io.Writer
	// Path is the binary to run. Empty means the running executable.
	Path string
	Args []string
	Env  []string
	// WaitDelay bounds how long a cancelled child may take to finish its batch.
	WaitDelay time.Duration
}

// NewExecSpawner returns a spawner running the current executable with args.
func NewExecSpawner(args ...string) *ExecSpawner {
	return &ExecSpawner{Args: args, WaitDelay: 2 * time.Minute}
}

// Spawn implements Spawner.
func (e *ExecSpawner) Spawn(ctx context.Context, job Job) (models.SyncResult, error) {
	var out models.SyncResult

	path := e.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return out, fmt.Errorf("%w: %w", ErrSpawnUnavailable, err)
		}
		path = exe
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return out, fmt.Errorf("encode sync job: %w", err)
	}

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, path, e.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = e.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.Env = append(os.Environ(), e.Env...)
	// Ask the child to stop between batches instead of killing it mid-upsert.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = e.WaitDelay

	if err := cmd.Start(); err != nil {
		return out, fmt.Errorf("%w: %w", ErrSpawnUnavailable, err)
	}
	log.Debug().Int("chunk", job.Chunk).Int("pid", cmd.Process.Pid).Int("pictures", len(job.IDs)).Msg("Sync worker started")

	waitErr := cmd.Wait()
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		if waitErr != nil {
			return out, fmt.Errorf("sync worker chunk %d: %w", job.Chunk, waitErr)
		}
		return out, fmt.Errorf("decode sync worker result: %w", err)
	}
	// A cancelled child exits non-zero but still reports what it did.
	if waitErr != nil && !out.Cancelled {
		return out, fmt.Errorf("sync worker chunk %d: %w", job.Chunk, waitErr)
	}
	return out, nil
}

// RunJob processes a chunk in the current process. Pictures are reloaded by
// id; ids that no longer exist count as errors.
func (s *Synchronizer) RunJob(ctx context.Context, job Job) (models.SyncResult, error) {
	opts := Options{BatchSize: job.BatchSize, Force: job.Force, DryRun: job.DryRun}.withDefaults()
	res := models.SyncResult{
		RunID:    job.RunID,
		Strategy: string(ProcessParallel),
		DryRun:   job.DryRun,
	}
	if !opts.DryRun && !s.indexReady() {
		return res, fmt.Errorf("sync worker: %w", &vector.ConfigurationError{Field: "index"})
	}

	for _, ids := range vector.Chunk(job.IDs, opts.BatchSize) {
		if err := ctx.Err(); err != nil {
			res.Cancelled = true
			return res, err
		}
		res.Merge(s.reloadAndProcess(context.WithoutCancel(ctx), ids, opts))
	}
	return res, nil
}

// reloadAndProcess processes the current rows of ids. Ids no longer stored
// are counted as errors.
func (s *Synchronizer) reloadAndProcess(ctx context.Context, ids []models.ImageID, opts Options) models.SyncResult {
	pics, err := s.store.GetForSync(ctx, ids)
	if err != nil {
		log.Error().Err(err).Int("pictures", len(ids)).Msg("Failed to load pictures for sync")
		res := models.SyncResult{Considered: len(ids)}
		for _, id := range ids {
			res.Fail(id, err)
		}
		return res
	}

	found := make(map[models.ImageID]bool, len(pics))
	for i := range pics {
		found[pics[i].ID] = true
	}
	res := s.processBatch(ctx, pics, opts)
	for _, id := range ids {
		if !found[id] {
			log.Error().Int64("pictureId", int64(id)).Msg("Picture vanished before sync")
			res.Considered++
			res.Fail(id, ErrPictureGone)
		}
	}
	return res
}

// ServeWorker is the child side of the handoff: it reads a Job from r, runs
// it and writes the result to w. The result is written even on cancellation.
func (s *Synchronizer) ServeWorker(ctx context.Context, r io.Reader, w io.Writer) error {
	var job Job
	if err := json.NewDecoder(r).Decode(&job); err != nil {
		return fmt.Errorf("decode sync job: %w", err)
	}
	log.Debug().Str("runId", job.RunID).Int("chunk", job.Chunk).Int("pictures", len(job.IDs)).Msg("Sync worker running")

	res, runErr := s.RunJob(ctx, job)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		return fmt.Errorf("encode sync result: %w", err)
	}
	return runErr
}
