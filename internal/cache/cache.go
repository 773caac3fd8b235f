// Package cache provides the two-tier cache shielding search paths from
// recomputation: a volatile tier tried first and a durable tier behind it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Category groups keys sharing a TTL.
type Category string

const (
	CategoryKeywords     Category = "keywords"
	CategoryListPage     Category = "list-page"
	CategorySingleImage  Category = "single-image"
	CategorySearchResult Category = "search-result"
	CategoryHierarchy    Category = "hierarchy"
	CategoryRandomPick   Category = "random-pick"
)

// TTLs per category.
var TTLs = map[Category]time.Duration{
	CategoryKeywords:     3600 * time.Second,
	CategoryListPage:     1800 * time.Second,
	CategorySingleImage:  7200 * time.Second,
	CategorySearchResult: 900 * time.Second,
	CategoryHierarchy:    3600 * time.Second,
	CategoryRandomPick:   300 * time.Second,
}

// TTL returns the lifetime of entries in category c, 15 minutes when unknown.
func (c Category) TTL() time.Duration {
	if ttl, ok := TTLs[c]; ok {
		return ttl
	}
	return 900 * time.Second
}

// VersionKey holds the CacheVersion marker. It never expires in the durable
// tier; volatile copies are refreshed from there.
const VersionKey = "cache:version"

// DefaultPromoteTTL bounds how long a durable hit lives in the volatile tier.
const DefaultPromoteTTL = 60 * time.Second

// WellKnownKeys are the statically named entries a full flush removes.
// Dynamically keyed entries are invalidated through the version marker.
var WellKnownKeys = []string{
	Key(CategoryKeywords, "all"),
	Key(CategoryHierarchy, "folders"),
	Key(CategoryRandomPick, "current"),
	Key(CategoryListPage, "first"),
	Key(CategoryListPage, "latest"),
	"index:stats",
}

// Key builds a logical cache key from a category and parts.
func Key(category Category, parts ...string) string {
	return string(category) + ":" + strings.Join(parts, ":")
}

// Item is a value read from a tier.
type Item struct {
	ExpiresAt time.Time // zero means no expiry
	Value     []byte
}

// Tier is one cache backend.
type Tier interface {
	Name() string
	// Get returns the item and whether it was found. Expired entries are misses.
	Get(ctx context.Context, key string) (Item, bool, error)
	// Set stores value; a ttl of 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// CacheIOError reports a tier I/O failure.
type CacheIOError struct {
	Err  error
	Tier string
	Op   string
}

func (e *CacheIOError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Tier, e.Op, e.Err)
}

func (e *CacheIOError) Unwrap() error { return e.Err }

// ErrNoTiers is returned when a Store has no usable tier.
var ErrNoTiers = errors.New("cache: no tiers configured")

// StatsSnapshot is a point-in-time view of cache counters.
type StatsSnapshot struct {
	VolatileHits int64 `json:"volatile_hits"`
	DurableHits  int64 `json:"durable_hits"`
	Misses       int64 `json:"misses"`
	Errors       int64 `json:"errors"`
	Promotions   int64 `json:"promotions"`
}

// Store is the two-tier cache. Either tier may be nil.
type Store struct {
	volatile   Tier
	durable    Tier
	now        func() time.Time
	promoteTTL time.Duration

	versionMu   sync.Mutex
	lastVersion int64

	volatileHits atomic.Int64
	durableHits  atomic.Int64
	misses       atomic.Int64
	errors       atomic.Int64
	promotions   atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithPromoteTTL sets the lifetime of entries promoted into the volatile tier.
func WithPromoteTTL(ttl time.Duration) Option {
	return func(s *Store) { s.promoteTTL = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over the given tiers.
func New(volatile, durable Tier, opts ...Option) *Store {
	s := &Store{
		volatile:   volatile,
		durable:    durable,
		now:        time.Now,
		promoteTTL: DefaultPromoteTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get reads tier 1, then tier 2 promoting hits into tier 1. The boolean
// distinguishes a stored empty value from a miss. An error is returned only
// when every configured tier failed.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var errs []error

	if s.volatile != nil {
		item, ok, err := s.volatile.Get(ctx, key)
		switch {
		case err != nil:
			errs = append(errs, s.ioError(s.volatile, "get", err))
		case ok:
			s.volatileHits.Add(1)
			return item.Value, true, nil
		}
	}

	if s.durable != nil {
		item, ok, err := s.durable.Get(ctx, key)
		switch {
		case err != nil:
			errs = append(errs, s.ioError(s.durable, "get", err))
		case ok:
			s.durableHits.Add(1)
			s.promote(ctx, key, item)
			return item.Value, true, nil
		}
	}

	s.misses.Add(1)
	if s.volatile == nil && s.durable == nil {
		return nil, false, ErrNoTiers
	}
	if len(errs) > 0 && len(errs) == s.tierCount() {
		return nil, false, errors.Join(errs...)
	}
	return nil, false, nil
}

func (s *Store) promote(ctx context.Context, key string, item Item) {
	if s.volatile == nil {
		return
	}
	ttl := s.promoteTTL
	if !item.ExpiresAt.IsZero() {
		remaining := item.ExpiresAt.Sub(s.now())
		if remaining <= 0 {
			return
		}
		if remaining < ttl {
			ttl = remaining
		}
	}
	if err := s.volatile.Set(ctx, key, item.Value, ttl); err != nil {
		s.ioError(s.volatile, "promote", err)
		return
	}
	s.promotions.Add(1)
}

// Set writes to both tiers. It succeeds when at least one tier accepted the value.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.volatile == nil && s.durable == nil {
		return ErrNoTiers
	}
	var errs []error
	accepted := 0
	for _, t := range s.tiers() {
		if err := t.Set(ctx, key, value, ttl); err != nil {
			errs = append(errs, s.ioError(t, "set", err))
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SetCategory stores value with the TTL of its category.
func (s *Store) SetCategory(ctx context.Context, key string, value []byte, category Category) error {
	return s.Set(ctx, key, value, category.TTL())
}

// Delete removes key from both tiers.
func (s *Store) Delete(ctx context.Context, key string) error {
	var errs []error
	for _, t := range s.tiers() {
		if err := t.Delete(ctx, key); err != nil {
			errs = append(errs, s.ioError(t, "delete", err))
		}
	}
	return errors.Join(errs...)
}

// GetJSON decodes a cached JSON value into out.
func (s *Store) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Dropping undecodable cache entry")
		_ = s.Delete(ctx, key)
		return false, nil
	}
	return true, nil
}

// SetJSON encodes v and stores it with the TTL of category.
func (s *Store) SetJSON(ctx context.Context, key string, v any, category Category) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	return s.SetCategory(ctx, key, data, category)
}

// Flush removes the well-known keys and bumps the version marker so every
// dynamically keyed entry becomes stale.
func (s *Store) Flush(ctx context.Context) (int64, error) {
	var errs []error
	for _, key := range WellKnownKeys {
		if err := s.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	version, err := s.BumpVersion(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	log.Info().Int64("version", version).Int("keys", len(WellKnownKeys)).Msg("Cache flushed")
	return version, errors.Join(errs...)
}

// Version returns the current CacheVersion, 0 when none was recorded.
func (s *Store) Version(ctx context.Context) int64 {
	data, ok, err := s.Get(ctx, VersionKey)
	var stored int64
	if err == nil && ok {
		stored, _ = strconv.ParseInt(string(data), 10, 64)
	}

	s.versionMu.Lock()
	defer s.versionMu.Unlock()
	if stored > s.lastVersion {
		s.lastVersion = stored
	}
	return s.lastVersion
}

// BumpVersion advances CacheVersion to the current time in milliseconds,
// or one past the previous value if the clock did not move forward.
func (s *Store) BumpVersion(ctx context.Context) (int64, error) {
	current := s.Version(ctx)

	s.versionMu.Lock()
	next := s.now().UnixMilli()
	if next <= current {
		next = current + 1
	}
	if next <= s.lastVersion {
		next = s.lastVersion + 1
	}
	s.lastVersion = next
	s.versionMu.Unlock()

	return next, s.writeVersion(ctx, next)
}

// writeVersion stores the marker durably without expiry. The volatile copy
// lives for promoteTTL only, so bumps made by other processes sharing the
// durable tier become visible once it lapses.
func (s *Store) writeVersion(ctx context.Context, version int64) error {
	if s.volatile == nil && s.durable == nil {
		return ErrNoTiers
	}
	value := []byte(strconv.FormatInt(version, 10))
	volatileTTL := s.promoteTTL
	if s.durable == nil {
		volatileTTL = 0
	}
	var errs []error
	accepted := 0
	if s.volatile != nil {
		if err := s.volatile.Set(ctx, VersionKey, value, volatileTTL); err != nil {
			errs = append(errs, s.ioError(s.volatile, "set", err))
		} else {
			accepted++
		}
	}
	if s.durable != nil {
		if err := s.durable.Set(ctx, VersionKey, value, 0); err != nil {
			errs = append(errs, s.ioError(s.durable, "set", err))
		} else {
			accepted++
		}
	}
	if accepted == 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Stats returns the cache counters.
func (s *Store) Stats() StatsSnapshot {
	return StatsSnapshot{
		VolatileHits: s.volatileHits.Load(),
		DurableHits:  s.durableHits.Load(),
		Misses:       s.misses.Load(),
		Errors:       s.errors.Load(),
		Promotions:   s.promotions.Load(),
	}
}

func (s *Store) tiers() []Tier {
	tiers := make([]Tier, 0, 2)
	if s.volatile != nil {
		tiers = append(tiers, s.volatile)
	}
	if s.durable != nil {
		tiers = append(tiers, s.durable)
	}
	return tiers
}

func (s *Store) tierCount() int {
	return len(s.tiers())
}

func (s *Store) ioError(t Tier, op string, err error) error {
	s.errors.Add(1)
	ioErr := &CacheIOError{Tier: t.Name(), Op: op, Err: err}
	log.Warn().Err(err).Str("tier", t.Name()).Str("op", op).Msg("Cache tier failure")
	return ioErr
}

// Versioned wraps a cached payload with the CacheVersion it was computed under.
type Versioned[T any] struct {
	Payload T     `json:"payload"`
	Marker  int64 `json:"marker"`
}

// Valid reports whether the entry survives the given CacheVersion.
func (v Versioned[T]) Valid(version int64) bool {
	return v.Marker >= version
}

// GetVersioned reads a versioned entry and reports a miss when it is stale.
func GetVersioned[T any](ctx context.Context, s *Store, key string, version int64) (T, bool) {
	var entry Versioned[T]
	ok, err := s.GetJSON(ctx, key, &entry)
	if err != nil || !ok || !entry.Valid(version) {
		var zero T
		return zero, false
	}
	return entry.Payload, true
}

// SetVersioned stores payload marked with the version it was computed under.
func SetVersioned[T any](ctx context.Context, s *Store, key string, marker int64, payload T, category Category) error {
	return s.SetJSON(ctx, key, Versioned[T]{Marker: marker, Payload: payload}, category)
}
