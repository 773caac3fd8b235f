package worker

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/chromaseek/internal/db/gorm"
	"github.com/thebtf/chromaseek/internal/indexsync"
	"github.com/thebtf/chromaseek/internal/search"
	"github.com/thebtf/chromaseek/internal/vector"
	"github.com/thebtf/chromaseek/pkg/colordist"
	"github.com/thebtf/chromaseek/pkg/models"
)

// Query parameter defaults.
const (
	DefaultTopK      = 10
	DefaultTolerance = 30.0
	maxRequestBody   = 1 << 20
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ParseLimitParam reads a positive integer query parameter. Missing or
// invalid values give def; values above max are capped.
func ParseLimitParam(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

// parseColor reads the target color from "rgb" (r,g,b) or "hex".
func parseColor(r *http.Request) (models.RGB, error) {
	q := r.URL.Query()
	if v := q.Get("rgb"); v != "" {
		return models.ParseRGB(v)
	}
	if v := q.Get("hex"); v != "" {
		return models.ParseHex(v)
	}
	return models.RGB{}, errors.New("rgb or hex parameter is required")
}

// parseMethod returns the requested distance method, or "" for the
// configured default.
func parseMethod(r *http.Request) (colordist.Method, error) {
	name := r.URL.Query().Get("method")
	if name == "" {
		return "", nil
	}
	return colordist.ParseMethod(name)
}

func parseFlag(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

// searchStatus maps search errors to HTTP status codes.
func searchStatus(err error) int {
	var cfgErr *vector.ConfigurationError
	switch {
	case errors.Is(err, search.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, search.ErrSearchUnavailable),
		errors.Is(err, vector.ErrIndexUnavailable),
		errors.As(err, &cfgErr):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// handleSearch handles GET /api/search?rgb=255,0,0&top_k=5&method=euclidean&local=1&filter={...}
func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	target, err := parseColor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	method, err := parseMethod(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var filter map[string]any
	if raw := r.URL.Query().Get("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filter); err != nil {
			writeError(w, http.StatusBadRequest, "filter must be a JSON object")
			return
		}
	}

	resp, err := s.search.Search(r.Context(), models.SearchQuery{
		Target:     target,
		TopK:       ParseLimitParam(r, "top_k", DefaultTopK, search.MaxTopK),
		Filter:     filter,
		Method:     method,
		ForceLocal: parseFlag(r, "local"),
	})
	if err != nil {
		writeError(w, searchStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSearchDominant handles GET /api/search/dominant?hex=ff0000&tolerance=30&limit=20&method=weighted
func (s *Service) handleSearchDominant(w http.ResponseWriter, r *http.Request) {
	target, err := parseColor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	method, err := parseMethod(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tolerance := DefaultTolerance
	if raw := r.URL.Query().Get("tolerance"); raw != "" {
		if tolerance, err = strconv.ParseFloat(raw, 64); err != nil {
			writeError(w, http.StatusBadRequest, "tolerance must be a number")
			return
		}
	}

	limit := ParseLimitParam(r, "limit", search.DefaultDominantLimit, search.MaxTopK)
	resp, err := s.search.SearchByDominantColor(r.Context(), target, tolerance, limit, method)
	if err != nil {
		writeError(w, searchStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// paletteResponse is the answer of the palette route.
type paletteResponse struct {
	Palette  models.Palette `json:"palette"`
	Dominant string         `json:"dominant,omitempty"`
	ID       models.ImageID `json:"id"`
}

// handleGetPalette handles GET /api/pictures/{id}/palette
func (s *Service) handleGetPalette(w http.ResponseWriter, r *http.Request) {
	if s.pictures == nil {
		writeError(w, http.StatusNotImplemented, "picture store not configured")
		return
	}
	id, err := models.ParseImageID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid picture id")
		return
	}

	palette, err := s.pictures.GetPalette(r.Context(), id)
	switch {
	case errors.Is(err, gorm.ErrPictureNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, models.ErrMalformedPalette):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := paletteResponse{ID: id, Palette: palette}
	if resp.Palette == nil {
		resp.Palette = models.Palette{}
	}
	if dominant, err := palette.Dominant(); err == nil {
		resp.Dominant = dominant.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

// syncRequest is the body of POST /api/sync.
type syncRequest struct {
	Strategy      string `json:"strategy"`
	TotalLimit    int    `json:"total_limit"`
	BatchSize     int    `json:"batch_size"`
	ParallelCount int    `json:"parallel_count"`
	PoolSize      int    `json:"pool_size"`
	Force         bool   `json:"force"`
	DryRun        bool   `json:"dry_run"`
}

func (s *Service) syncOptions(req syncRequest) (indexsync.Options, error) {
	opts := indexsync.Options{
		Strategy:      s.config.SyncStrategy,
		TotalLimit:    req.TotalLimit,
		BatchSize:     s.config.SyncBatchSize,
		ParallelCount: s.config.SyncParallel,
		PoolSize:      s.config.SyncPoolSize,
		Force:         req.Force,
		DryRun:        req.DryRun,
	}
	if req.Strategy != "" {
		st, err := indexsync.ParseStrategy(req.Strategy)
		if err != nil {
			return opts, err
		}
		opts.Strategy = st
	}
	if req.BatchSize > 0 {
		opts.BatchSize = req.BatchSize
	}
	if req.ParallelCount > 0 {
		opts.ParallelCount = req.ParallelCount
	}
	if req.PoolSize != 0 {
		opts.PoolSize = req.PoolSize
	}
	return opts, nil
}

// handleSync handles POST /api/sync. The run continues in the background and
// reports on /api/sync/events unless ?wait=1 asks for the result inline.
func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusNotImplemented, "synchronizer not configured")
		return
	}

	var req syncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	opts, err := s.syncOptions(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.syncing.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "a sync is already running")
		return
	}

	if parseFlag(r, "wait") {
		defer s.syncing.Store(false)
		res, err := s.syncer.Run(r.Context(), opts)
		if err != nil {
			var cfgErr *vector.ConfigurationError
			if errors.As(err, &cfgErr) {
				writeError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
			if !res.Cancelled {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	s.syncWG.Add(1)
	go func() {
		defer s.syncWG.Done()
		defer s.syncing.Store(false)
		if _, err := s.syncer.Run(s.ctx, opts); err != nil {
			log.Error().Err(err).Msg("Background sync failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "strategy": string(opts.Strategy)})
}

// handleSyncRuns handles GET /api/sync/runs?limit=20
func (s *Service) handleSyncRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []gorm.SyncRun{})
		return
	}
	runs, err := s.history.Recent(r.Context(), ParseLimitParam(r, "limit", 20, 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleCacheFlush handles POST /api/cache/flush
func (s *Service) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	version, err := s.search.CacheFlush(r.Context())
	if err != nil && version == 0 {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{"flushed": true, "version": version}
	if err != nil {
		resp["warning"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleIndexStats handles GET /api/index/stats
func (s *Service) handleIndexStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.search.IndexStats(r.Context())
	if err != nil {
		writeError(w, searchStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleIndexPing handles GET /api/index/ping
func (s *Service) handleIndexPing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.search.TestConnection(r.Context()))
}

// handleMetrics handles GET /api/metrics
func (s *Service) handleMetrics(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"search": s.search.Metrics().Snapshot(),
	}
	if s.cache != nil {
		resp["cache"] = s.cache.Stats()
		resp["cache_version"] = s.cache.Version(r.Context())
	}
	if s.counter != nil {
		if st, err := s.counter.Stats(r.Context()); err == nil {
			resp["pictures"] = st
		} else {
			log.Warn().Err(err).Msg("Failed to count pictures")
		}
	}
	resp["sync_running"] = s.syncing.Load()
	resp["sse_clients"] = s.sseBroadcaster.ClientCount()
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth handles GET /api/health
func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"ready":   s.ready.Load(),
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"index":   s.config.IndexConfigured(),
	})
}

// handleVersion handles GET /api/version
func (s *Service) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// handleReady handles GET /api/ready
func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
