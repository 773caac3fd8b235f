package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/chromaseek/internal/config"
	"github.com/thebtf/chromaseek/internal/db/gorm"
	"github.com/thebtf/chromaseek/internal/indexsync"
	"github.com/thebtf/chromaseek/internal/vector"
	"github.com/thebtf/chromaseek/internal/watcher"
	"github.com/thebtf/chromaseek/internal/worker"
	"github.com/thebtf/chromaseek/pkg/colordist"
	"github.com/thebtf/chromaseek/pkg/models"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdServe(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	host := fs.String("host", a.cfg.WorkerHost, "Listen host")
	port := fs.Int("port", a.cfg.WorkerPort, "Listen port")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a.cfg.WorkerHost = *host
	a.cfg.WorkerPort = *port

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var svc *worker.Service
	syncer := a.syncer(debug, indexsync.OnProgress(func(p indexsync.Progress) {
		svc.PublishProgress(p)
	}))
	svc = worker.NewService(Version, a.cfg, worker.Deps{
		Search:   a.search,
		Syncer:   syncer,
		Pictures: a.pictures,
		Counter:  a.pictures,
		History:  a.runs,
		Cache:    a.cache,
	})

	stopWatchers := startWatchers(a, cancel)
	defer stopWatchers()

	return svc.Start(ctx)
}

// startWatchers keeps the durable cache directory alive and stops the
// service when the settings file changes, so a supervisor restarts it with
// the new settings.
func startWatchers(a *app, restart context.CancelFunc) func() {
	var started []*watcher.Watcher

	if a.fileTier != nil {
		dir := a.fileTier.Dir()
		w, err := watcher.New(dir, func(ev watcher.Event) {
			if ev != watcher.Removed {
				return
			}
			log.Warn().Str("path", dir).Msg("Cache directory deleted, recreating")
			if err := a.fileTier.EnsureDir(); err != nil {
				log.Error().Err(err).Str("path", dir).Msg("Failed to recreate cache directory")
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to create cache directory watcher")
		} else if err := w.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start cache directory watcher")
		} else {
			log.Info().Str("path", dir).Msg("Cache directory watcher started")
			started = append(started, w)
		}
	}

	settings := config.SettingsPath()
	if _, err := os.Stat(settings); errors.Is(err, os.ErrNotExist) {
		settings = config.YAMLSettingsPath()
	}
	w, err := watcher.New(settings, func(ev watcher.Event) {
		log.Warn().Str("path", settings).Str("event", ev.String()).Msg("Settings changed, stopping for restart")
		restart()
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create settings watcher")
	} else if err := w.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start settings watcher")
	} else {
		log.Info().Str("path", settings).Msg("Settings watcher started")
		started = append(started, w)
	}

	return func() {
		for _, w := range started {
			_ = w.Stop()
		}
	}
}

func cmdSync(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	strategy := fs.String("strategy", string(a.cfg.SyncStrategy), "sequential, process-parallel or pooled-concurrent")
	limit := fs.Int("limit", 0, "Maximum number of pictures (0 = all)")
	batch := fs.Int("batch-size", a.cfg.SyncBatchSize, "Pictures per batch")
	parallel := fs.Int("parallel", a.cfg.SyncParallel, "Child processes for process-parallel")
	pool := fs.Int("pool-size", a.cfg.SyncPoolSize, "Concurrent batches for pooled-concurrent")
	force := fs.Bool("force", false, "Re-sync pictures that are already indexed")
	dryRun := fs.Bool("dry-run", false, "Resolve colors without writing anything")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := indexsync.ParseStrategy(*strategy)
	if err != nil {
		return err
	}

	syncer := a.syncer(debug, indexsync.OnProgress(func(p indexsync.Progress) {
		if p.Done {
			return
		}
		log.Info().
			Int("considered", p.Considered).
			Int("planned", p.Planned).
			Int("processed", p.Processed).
			Int("errors", p.Errors).
			Msg("Sync progress")
	}))
	res, runErr := syncer.Run(ctx, indexsync.Options{
		Strategy:      st,
		TotalLimit:    *limit,
		BatchSize:     *batch,
		ParallelCount: *parallel,
		PoolSize:      *pool,
		Force:         *force,
		DryRun:        *dryRun,
	})
	if res.RunID != "" {
		if err := printJSON(res); err != nil {
			return err
		}
	}
	return runErr
}

// cmdSyncWorker is the child side of a process-parallel sync.
func cmdSyncWorker(ctx context.Context, a *app, _ []string) error {
	return a.syncer(debug).ServeWorker(ctx, os.Stdin, os.Stdout)
}

func cmdSearch(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	rgb := fs.String("rgb", "", "Target color as r,g,b")
	hex := fs.String("hex", "", "Target color as #rrggbb")
	topK := fs.Int("top-k", worker.DefaultTopK, "Number of results")
	method := fs.String("method", "", "euclidean, manhattan or weighted")
	forceLocal := fs.Bool("local", false, "Skip the vector index")
	tolerance := fs.Float64("tolerance", -1, "Return every picture within this tolerance (0-255) instead of the top-k")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		target models.RGB
		err    error
	)
	switch {
	case *rgb != "":
		target, err = models.ParseRGB(*rgb)
	case *hex != "":
		target, err = models.ParseHex(*hex)
	default:
		err = errors.New("--rgb or --hex is required")
	}
	if err != nil {
		return err
	}

	var m colordist.Method
	if *method != "" {
		if m, err = colordist.ParseMethod(*method); err != nil {
			return err
		}
	}

	if *tolerance >= 0 {
		resp, err := a.search.SearchByDominantColor(ctx, target, *tolerance, *topK, m)
		if err != nil {
			return err
		}
		return printJSON(resp)
	}
	resp, err := a.search.Search(ctx, models.SearchQuery{
		Target:     target,
		TopK:       *topK,
		Method:     m,
		ForceLocal: *forceLocal,
	})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

// cmdImport reads one JSON picture per line, from a file or stdin.
func cmdImport(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	file := fs.String("file", "-", "JSON lines file, - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var r io.Reader = os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var imported, failed, line int
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var in gorm.PictureInput
		if err := json.Unmarshal(raw, &in); err != nil {
			log.Warn().Err(err).Int("line", line).Msg("Skipping invalid picture line")
			failed++
			continue
		}
		id, err := a.pictures.UpsertPicture(ctx, in)
		if err != nil {
			log.Warn().Err(err).Int("line", line).Str("path", in.Path).Msg("Failed to store picture")
			failed++
			continue
		}
		log.Debug().Int64("pictureId", int64(id)).Str("path", in.Path).Msg("Picture imported")
		imported++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read pictures: %w", err)
	}
	log.Info().Int("imported", imported).Int("failed", failed).Msg("Import finished")
	if imported > 0 {
		if _, err := a.cache.BumpVersion(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to bump cache version after import")
		}
	}
	return nil
}

// cmdRemove deletes pictures from the store and their vectors from the index.
func cmdRemove(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: chromaseek remove <picture id>...")
	}
	ids := make([]models.ImageID, 0, len(args))
	for _, arg := range args {
		id, err := models.ParseImageID(arg)
		if err != nil {
			return fmt.Errorf("invalid picture id %q", arg)
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		if err := a.pictures.DeletePicture(ctx, id); err != nil && !errors.Is(err, gorm.ErrPictureNotFound) {
			return err
		}
	}
	if a.index != nil {
		n, err := a.index.Delete(ctx, ids)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to delete vectors; they are dropped from results until the next reset")
		} else {
			log.Info().Int("deleted", n).Msg("Vectors deleted")
		}
	}
	_, err := a.cache.BumpVersion(ctx)
	return err
}

// cmdReset empties the index namespace and clears every indexed marker so the
// next sync pushes everything again.
func cmdReset(ctx context.Context, a *app, _ []string) error {
	if a.index == nil {
		return &vector.ConfigurationError{Field: "api key"}
	}
	if err := a.index.ClearNamespace(ctx); err != nil {
		return err
	}
	n, err := a.pictures.ClearIndexed(ctx)
	if err != nil {
		return err
	}
	log.Info().Int64("pictures", n).Msg("Index reset")
	_, err = a.cache.BumpVersion(ctx)
	return err
}

func cmdFlush(ctx context.Context, a *app, _ []string) error {
	version, err := a.search.CacheFlush(ctx)
	if err != nil {
		return err
	}
	pruned := 0
	if a.fileTier != nil {
		if pruned, err = a.fileTier.Prune(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to prune cache files")
		}
	}
	return printJSON(map[string]any{"version": version, "pruned": pruned})
}

func cmdStats(ctx context.Context, a *app, _ []string) error {
	out := map[string]any{}
	pictures, err := a.pictures.Stats(ctx)
	if err != nil {
		return err
	}
	out["pictures"] = pictures

	stats, err := a.search.IndexStats(ctx)
	if err != nil {
		out["index_error"] = err.Error()
	} else {
		out["index"] = stats
	}
	out["cache"] = a.cache.Stats()
	return printJSON(out)
}

func cmdPing(ctx context.Context, a *app, _ []string) error {
	status := a.search.TestConnection(ctx)
	if err := printJSON(status); err != nil {
		return err
	}
	if status.Status != vector.StatusOK {
		return errors.New(status.Message)
	}
	return nil
}

func cmdRuns(ctx context.Context, a *app, args []string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid limit %q", args[0])
		}
		limit = n
	}
	runs, err := a.runs.Recent(ctx, limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		status := "running"
		if r.FinishedAt.Valid {
			status = r.FinishedAt.Time.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		if r.Error.Valid {
			status += " (" + r.Error.String + ")"
		}
		fmt.Printf("%s  %-18s  considered=%d processed=%d skipped=%d errors=%d degraded=%t  %s\n",
			r.StartedAt.Format(time.RFC3339), r.Strategy, r.Considered, r.Processed, r.Skipped, r.Errors, r.Degraded, status)
	}
	return nil
}
