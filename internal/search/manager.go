// Package search provides hybrid color search for chromaseek: the remote
// vector index first, the local palette scan when it cannot answer.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/chromaseek/internal/cache"
	"github.com/thebtf/chromaseek/internal/vector"
	"github.com/thebtf/chromaseek/internal/vector/local"
	"github.com/thebtf/chromaseek/pkg/colordist"
	"github.com/thebtf/chromaseek/pkg/models"
)

// MaxTopK caps the number of results a single search returns.
const MaxTopK = 100

// DefaultDominantLimit is used when a tolerance search gives no limit.
const DefaultDominantLimit = 20

var (
	// ErrInvalidQuery is returned for out-of-range colors, limits or methods.
	ErrInvalidQuery = errors.New("invalid search query")
	// ErrSearchUnavailable is returned when neither the index nor the local
	// scan could answer.
	ErrSearchUnavailable = errors.New("search unavailable")
)

// Fallback reasons reported in Response.Fallback.
const (
	FallbackForced       = "forced"
	FallbackUnconfigured = "unconfigured"
	FallbackEmpty        = "empty"
	FallbackUnavailable  = "unavailable"
)

// PictureResolver loads picture metadata for result ids. Missing or deleted
// ids are simply absent from the returned map.
type PictureResolver interface {
	GetPictures(ctx context.Context, ids []models.ImageID) (map[models.ImageID]models.PictureMeta, error)
}

// Response is the answer to a search.
type Response struct {
	Report   *local.MatchReport    `json:"report,omitempty"`
	Source   models.Source         `json:"source"`
	Fallback string                `json:"fallback,omitempty"`
	Results  []models.SearchResult `json:"results"`
	Cached   bool                  `json:"cached"`
}

// Options configures a Manager.
type Options struct {
	Index           vector.Index
	Matcher         *local.Matcher
	Pictures        PictureResolver
	Cache           *cache.Store
	Metrics         *Metrics
	DefaultMethod   colordist.Method
	FallbackOnEmpty bool
}

// Manager coordinates remote and local color search.
type Manager struct {
	index           vector.Index
	matcher         *local.Matcher
	pictures        PictureResolver
	cache           *cache.Store
	metrics         *Metrics
	group           singleflight.Group
	defaultMethod   colordist.Method
	fallbackOnEmpty bool
}

// NewManager creates a search manager. Index, Pictures and Cache may be nil.
func NewManager(opts Options) *Manager {
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if !opts.DefaultMethod.Valid() {
		opts.DefaultMethod = colordist.Euclidean
	}
	return &Manager{
		index:           opts.Index,
		matcher:         opts.Matcher,
		pictures:        opts.Pictures,
		cache:           opts.Cache,
		metrics:         opts.Metrics,
		defaultMethod:   opts.DefaultMethod,
		fallbackOnEmpty: opts.FallbackOnEmpty,
	}
}

// Metrics returns the manager's metrics tracker.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// Search answers a nearest-color query.
func (m *Manager) Search(ctx context.Context, q models.SearchQuery) (*Response, error) {
	q, err := m.normalize(q)
	if err != nil {
		m.metrics.RecordInvalid()
		return nil, err
	}
	key := searchKey(q)
	return m.cached(ctx, key, func(version int64) (*Response, bool, error) {
		resp, err := m.search(ctx, q, version)
		if err != nil {
			return nil, false, err
		}
		// An answer produced while the index was down is not worth keeping.
		return resp, resp.Fallback != FallbackUnavailable, nil
	})
}

// SearchByDominantColor returns every picture whose dominant color lies
// within tolerance of target, nearest first. Tolerance is on a 0-255 scale.
func (m *Manager) SearchByDominantColor(ctx context.Context, target models.RGB, tolerance float64, limit int, method colordist.Method) (*Response, error) {
	if !target.Valid() {
		m.metrics.RecordInvalid()
		return nil, fmt.Errorf("%w: color %v out of range", ErrInvalidQuery, [3]int(target))
	}
	if method == "" {
		method = m.defaultMethod
	}
	if !method.Valid() {
		m.metrics.RecordInvalid()
		return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidQuery, method)
	}
	if limit <= 0 {
		limit = DefaultDominantLimit
	}
	if limit > MaxTopK {
		limit = MaxTopK
	}
	tolerance = min(max(tolerance, 0), 255)

	key := cache.Key(cache.CategorySearchResult, "dominant", target.Hex(),
		strconv.FormatFloat(tolerance, 'f', -1, 64), strconv.Itoa(limit), string(method))

	return m.cached(ctx, key, func(version int64) (*Response, bool, error) {
		start := time.Now()
		threshold := colordist.Threshold(tolerance, method)
		results, report, err := m.matcher.MatchWithin(ctx, target, threshold, limit, method)
		if err != nil {
			m.metrics.RecordFailure()
			return nil, false, fmt.Errorf("%w: %v", ErrSearchUnavailable, err)
		}
		resp := &Response{
			Results: m.resolve(ctx, results, version),
			Source:  models.SourceLocal,
			Report:  &report,
		}
		m.metrics.RecordSearch(ctx, resp, time.Since(start))
		log.Debug().
			Str("target", target.Hex()).
			Float64("tolerance", tolerance).
			Float64("threshold", threshold).
			Int("results", len(resp.Results)).
			Msg("Dominant color search")
		return resp, true, nil
	})
}

// cached serves key from the result cache or computes it once for all
// concurrent callers. compute reports whether its answer may be cached.
func (m *Manager) cached(ctx context.Context, key string, compute func(version int64) (*Response, bool, error)) (*Response, error) {
	var version int64
	if m.cache != nil {
		version = m.cache.Version(ctx)
		if resp, ok := cache.GetVersioned[Response](ctx, m.cache, key, version); ok {
			m.metrics.RecordCacheHit(ctx)
			resp.Cached = true
			return &resp, nil
		}
		m.metrics.RecordCacheMiss(ctx)
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		resp, cacheable, err := compute(version)
		if err != nil {
			return nil, err
		}
		if cacheable && m.cache != nil {
			if err := cache.SetVersioned(ctx, m.cache, key, version, *resp, cache.CategorySearchResult); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("Failed to cache search result")
			}
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	out := *v.(*Response)
	return &out, nil
}

func (m *Manager) normalize(q models.SearchQuery) (models.SearchQuery, error) {
	if !q.Target.Valid() {
		return q, fmt.Errorf("%w: color %v out of range", ErrInvalidQuery, [3]int(q.Target))
	}
	if q.TopK <= 0 {
		return q, fmt.Errorf("%w: top_k must be positive, got %d", ErrInvalidQuery, q.TopK)
	}
	if q.TopK > MaxTopK {
		q.TopK = MaxTopK
	}
	if q.Method == "" {
		q.Method = m.defaultMethod
	}
	if !q.Method.Valid() {
		return q, fmt.Errorf("%w: unknown method %q", ErrInvalidQuery, q.Method)
	}
	return q, nil
}

// search runs the remote-then-local state machine.
func (m *Manager) search(ctx context.Context, q models.SearchQuery, version int64) (*Response, error) {
	start := time.Now()

	var (
		fallback  string
		remoteErr error
	)
	switch {
	case q.ForceLocal:
		fallback = FallbackForced
	case m.index == nil || !m.index.Configured():
		fallback = FallbackUnconfigured
	default:
		results, err := m.index.Query(ctx, q.Target, q.TopK, q.Filter)
		switch {
		case err != nil:
			remoteErr = err
			fallback = FallbackUnavailable
			log.Warn().Err(err).Str("target", q.Target.Hex()).Msg("Vector index unavailable, scanning locally")
		case len(results) == 0 && m.fallbackOnEmpty:
			fallback = FallbackEmpty
			log.Debug().Str("target", q.Target.Hex()).Msg("Vector index returned nothing, scanning locally")
		default:
			resp := &Response{
				Results: m.resolve(ctx, rescore(results, q.Target, q.Method, q.TopK), version),
				Source:  models.SourceRemote,
			}
			m.metrics.RecordSearch(ctx, resp, time.Since(start))
			return resp, nil
		}
	}

	results, report, err := m.matcher.Match(ctx, q.Target, q.TopK, q.Method, q.Filter)
	if err != nil {
		m.metrics.RecordFailure()
		if remoteErr != nil {
			return nil, fmt.Errorf("%w: remote: %v; local: %v", ErrSearchUnavailable, remoteErr, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrSearchUnavailable, err)
	}

	resp := &Response{
		Results:  m.resolve(ctx, results, version),
		Source:   models.SourceLocal,
		Fallback: fallback,
		Report:   &report,
	}
	m.metrics.RecordSearch(ctx, resp, time.Since(start))
	return resp, nil
}

// rescore recomputes remote scores with the requested method so both paths
// report the same similarity scale, then orders by descending similarity.
func rescore(results []models.SearchResult, target models.RGB, method colordist.Method, topK int) []models.SearchResult {
	for i := range results {
		r := &results[i]
		if r.Color != nil {
			r.Distance = colordist.Distance(target, *r.Color, method)
			r.Similarity = colordist.SimilarityFromDistance(r.Distance, method)
			continue
		}
		r.Similarity = min(max(r.Similarity, 0), 1)
		r.Distance = colordist.DistanceFromSimilarity(r.Similarity, method)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

// resolve attaches picture metadata, dropping results whose picture is gone.
func (m *Manager) resolve(ctx context.Context, results []models.SearchResult, version int64) []models.SearchResult {
	if m.pictures == nil || len(results) == 0 {
		return results
	}

	metas := make(map[models.ImageID]models.PictureMeta, len(results))
	var missing []models.ImageID
	for _, r := range results {
		if m.cache != nil {
			if meta, ok := cache.GetVersioned[models.PictureMeta](ctx, m.cache, pictureKey(r.ImageID), version); ok {
				metas[r.ImageID] = meta
				continue
			}
		}
		missing = append(missing, r.ImageID)
	}

	if len(missing) > 0 {
		found, err := m.pictures.GetPictures(ctx, missing)
		if err != nil {
			log.Warn().Err(err).Int("ids", len(missing)).Msg("Picture metadata lookup failed, returning unresolved results")
			return results
		}
		for id, meta := range found {
			metas[id] = meta
			if m.cache != nil {
				if err := cache.SetVersioned(ctx, m.cache, pictureKey(id), version, meta, cache.CategorySingleImage); err != nil {
					log.Debug().Err(err).Int64("pictureId", int64(id)).Msg("Failed to cache picture metadata")
				}
			}
		}
	}

	out := make([]models.SearchResult, 0, len(results))
	for _, r := range results {
		meta, ok := metas[r.ImageID]
		if !ok {
			log.Debug().Int64("pictureId", int64(r.ImageID)).Msg("Dropping result for missing picture")
			continue
		}
		r.Picture = &meta
		out = append(out, r)
	}
	if dropped := len(results) - len(out); dropped > 0 {
		m.metrics.RecordDropped(dropped)
	}
	return out
}

// IndexStatsKey caches the last index statistics. It is one of the keys a
// full cache flush removes.
const IndexStatsKey = "index:stats"

const indexStatsTTL = time.Minute

// IndexStats reports the remote index statistics.
func (m *Manager) IndexStats(ctx context.Context) (vector.Stats, error) {
	if m.index == nil || !m.index.Configured() {
		return vector.Stats{}, &vector.ConfigurationError{Field: "index"}
	}
	var stats vector.Stats
	if m.cache != nil {
		if ok, _ := m.cache.GetJSON(ctx, IndexStatsKey, &stats); ok {
			return stats, nil
		}
	}
	stats, err := m.index.Stats(ctx)
	if err != nil {
		return vector.Stats{}, err
	}
	if m.cache != nil {
		if data, err := json.Marshal(stats); err == nil {
			_ = m.cache.Set(ctx, IndexStatsKey, data, indexStatsTTL)
		}
	}
	return stats, nil
}

// TestConnection checks the remote index. It never fails.
func (m *Manager) TestConnection(ctx context.Context) vector.ConnectionStatus {
	if m.index == nil || !m.index.Configured() {
		return vector.ConnectionStatus{Status: vector.StatusError, Message: "vector index not configured"}
	}
	return m.index.TestConnection(ctx)
}

// CacheFlush drops well-known cache entries and invalidates cached searches.
func (m *Manager) CacheFlush(ctx context.Context) (int64, error) {
	if m.cache == nil {
		return 0, nil
	}
	return m.cache.Flush(ctx)
}

func searchKey(q models.SearchQuery) string {
	filter := "-"
	if len(q.Filter) > 0 {
		// Map keys are encoded sorted, so equal filters give equal keys.
		if data, err := json.Marshal(q.Filter); err == nil {
			filter = string(data)
		}
	}
	return cache.Key(cache.CategorySearchResult, "nearest", q.Target.Hex(),
		strconv.Itoa(q.TopK), string(q.Method), strconv.FormatBool(q.ForceLocal), filter)
}

func pictureKey(id models.ImageID) string {
	return cache.Key(cache.CategorySingleImage, id.String())
}
