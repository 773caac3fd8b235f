// Package worker provides the HTTP service for chromaseek.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/chromaseek/internal/cache"
	"github.com/thebtf/chromaseek/internal/config"
	"github.com/thebtf/chromaseek/internal/db/gorm"
	"github.com/thebtf/chromaseek/internal/indexsync"
	"github.com/thebtf/chromaseek/internal/search"
	"github.com/thebtf/chromaseek/internal/worker/sse"
	"github.com/thebtf/chromaseek/pkg/models"
)

// PaletteReader loads stored palettes.
type PaletteReader interface {
	GetPalette(ctx context.Context, id models.ImageID) (models.Palette, error)
}

// PictureCounter reports picture sync state.
type PictureCounter interface {
	Stats(ctx context.Context) (gorm.PictureStats, error)
}

// RunHistory lists recent sync runs.
type RunHistory interface {
	Recent(ctx context.Context, limit int) ([]gorm.SyncRun, error)
}

// Deps are the collaborators of the service. Only Search is required.
type Deps struct {
	Search      *search.Manager
	Syncer      *indexsync.Synchronizer
	Pictures    PaletteReader
	Counter     PictureCounter
	History     RunHistory
	Cache       *cache.Store
	Broadcaster *sse.Broadcaster
}

// Service is the chromaseek HTTP API.
type Service struct {
	startTime      time.Time
	ctx            context.Context
	config         *config.Config
	search         *search.Manager
	syncer         *indexsync.Synchronizer
	pictures       PaletteReader
	counter        PictureCounter
	history        RunHistory
	cache          *cache.Store
	sseBroadcaster *sse.Broadcaster
	router         chi.Router
	cancel         context.CancelFunc
	version        string
	syncWG         sync.WaitGroup
	ready          atomic.Bool
	syncing        atomic.Bool
}

// NewService builds the service and its routes.
func NewService(version string, cfg *config.Config, deps Deps) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = sse.NewBroadcaster()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		startTime:      time.Now(),
		ctx:            ctx,
		cancel:         cancel,
		config:         cfg,
		search:         deps.Search,
		syncer:         deps.Syncer,
		pictures:       deps.Pictures,
		counter:        deps.Counter,
		history:        deps.History,
		cache:          deps.Cache,
		sseBroadcaster: deps.Broadcaster,
		router:         chi.NewRouter(),
		version:        version,
	}
	s.setupRoutes()
	return s
}

// Broadcaster returns the SSE broadcaster that sync progress is published on.
func (s *Service) Broadcaster() *sse.Broadcaster { return s.sseBroadcaster }

// Handler returns the HTTP handler.
func (s *Service) Handler() http.Handler { return s.router }

// SetReady marks the service ready or not.
func (s *Service) SetReady(ready bool) { s.ready.Store(ready) }

func (s *Service) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/version", s.handleVersion)
	r.Get("/api/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(s.requireReady)

		r.Get("/api/search", s.handleSearch)
		r.Get("/api/search/dominant", s.handleSearchDominant)
		r.Get("/api/pictures/{id}/palette", s.handleGetPalette)

		r.Post("/api/sync", s.handleSync)
		r.Get("/api/sync/runs", s.handleSyncRuns)
		r.Get("/api/sync/events", s.sseBroadcaster.HandleSSE)

		r.Post("/api/cache/flush", s.handleCacheFlush)
		r.Get("/api/index/stats", s.handleIndexStats)
		r.Get("/api/index/ping", s.handleIndexPing)
		r.Get("/api/metrics", s.handleMetrics)
	})
}

// PublishProgress forwards sync progress to SSE clients.
func (s *Service) PublishProgress(p indexsync.Progress) {
	event := "progress"
	if p.Done {
		event = "done"
	}
	s.sseBroadcaster.Publish(event, p)
}

// Start serves on the configured address until ctx ends, then shuts down
// gracefully and waits for a background sync to finish its current batch.
func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.WorkerAddr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.WorkerAddr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Str("version", s.version).Msg("HTTP service listening")
		errCh <- srv.Serve(ln)
	}()
	s.SetReady(true)

	select {
	case err := <-errCh:
		s.cancel()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP service")
	s.SetReady(false)
	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.syncWG.Wait()
	return err
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// requireReady rejects requests until the service is ready.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeError(w, http.StatusServiceUnavailable, "service not ready")
			return
		}
		next.ServeHTTP(w, r)
	})
}
