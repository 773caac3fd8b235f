package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type fakeClock struct {
	t  time.Time
	mu sync.Mutex
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type failingTier struct{ name string }

func (f failingTier) Name() string { return f.name }
func (f failingTier) Get(context.Context, string) (Item, bool, error) {
	return Item{}, false, errors.New("disk on fire")
}
func (f failingTier) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("disk on fire")
}
func (f failingTier) Delete(context.Context, string) error { return errors.New("disk on fire") }

// StoreSuite is a test suite for the two-tier store.
type StoreSuite struct {
	suite.Suite
	ctx      context.Context
	clock    *fakeClock
	memory   *MemoryTier
	file     *FileTier
	store    *Store
	cacheDir string
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s.cacheDir = s.T().TempDir()

	s.memory = NewMemoryTier(0)
	s.memory.SetClock(s.clock.Now)

	var err error
	s.file, err = NewFileTier(s.cacheDir)
	s.Require().NoError(err)
	s.file.SetClock(s.clock.Now)

	s.store = New(s.memory, s.file, WithClock(s.clock.Now))
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

// TestSetGet tests round-trips and the found flag.
func (s *StoreSuite) TestSetGet() {
	s.Require().NoError(s.store.Set(s.ctx, "k", []byte("v"), time.Minute))
	v, ok, err := s.store.Get(s.ctx, "k")
	s.NoError(err)
	s.True(ok)
	s.Equal([]byte("v"), v)

	s.Require().NoError(s.store.Set(s.ctx, "empty", []byte{}, time.Minute))
	v, ok, err = s.store.Get(s.ctx, "empty")
	s.NoError(err)
	s.True(ok)
	s.Empty(v)

	_, ok, err = s.store.Get(s.ctx, "missing")
	s.NoError(err)
	s.False(ok)
}

// TestExpiry tests that entries vanish from both tiers after their TTL.
func (s *StoreSuite) TestExpiry() {
	s.Require().NoError(s.store.Set(s.ctx, "k", []byte("v"), 10*time.Second))

	s.clock.Advance(9 * time.Second)
	_, ok, _ := s.store.Get(s.ctx, "k")
	s.True(ok)

	s.clock.Advance(2 * time.Second)
	_, ok, _ = s.store.Get(s.ctx, "k")
	s.False(ok)
	_, ok, _ = s.file.Get(s.ctx, "k")
	s.False(ok)
}

// TestPromotion tests that durable hits are copied into the volatile tier
// with a bounded lifetime.
func (s *StoreSuite) TestPromotion() {
	s.Require().NoError(s.file.Set(s.ctx, "k", []byte("v"), time.Hour))

	_, ok, _ := s.memory.Get(s.ctx, "k")
	s.Require().False(ok)

	v, ok, err := s.store.Get(s.ctx, "k")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal([]byte("v"), v)

	item, ok, _ := s.memory.Get(s.ctx, "k")
	s.Require().True(ok)
	s.Equal(s.clock.Now().Add(DefaultPromoteTTL), item.ExpiresAt)

	stats := s.store.Stats()
	s.Equal(int64(1), stats.DurableHits)
	s.Equal(int64(1), stats.Promotions)
}

// TestPromotion_ShortRemaining tests that promotion never outlives the source.
func (s *StoreSuite) TestPromotion_ShortRemaining() {
	s.Require().NoError(s.file.Set(s.ctx, "k", []byte("v"), 20*time.Second))
	_, ok, _ := s.store.Get(s.ctx, "k")
	s.Require().True(ok)

	item, ok, _ := s.memory.Get(s.ctx, "k")
	s.Require().True(ok)
	s.Equal(s.clock.Now().Add(20*time.Second), item.ExpiresAt)
}

// TestCorruptFileSelfHeals tests that an undecodable file is a miss and is removed.
func (s *StoreSuite) TestCorruptFileSelfHeals() {
	p := s.file.path("broken")
	s.Require().NoError(os.MkdirAll(filepath.Dir(p), 0o750))
	s.Require().NoError(os.WriteFile(p, []byte("{not json"), 0o600))

	_, ok, err := s.store.Get(s.ctx, "broken")
	s.NoError(err)
	s.False(ok)
	_, statErr := os.Stat(p)
	s.True(os.IsNotExist(statErr))
}

// TestJSON tests the typed helpers.
func (s *StoreSuite) TestJSON() {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	s.Require().NoError(s.store.SetJSON(s.ctx, Key(CategorySingleImage, "42"), payload{"sunset", 3}, CategorySingleImage))

	var got payload
	ok, err := s.store.GetJSON(s.ctx, Key(CategorySingleImage, "42"), &got)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(payload{"sunset", 3}, got)
}

// TestFlush tests that well-known keys go away and versioned entries go stale.
func (s *StoreSuite) TestFlush() {
	key := WellKnownKeys[0]
	s.Require().NoError(s.store.SetJSON(s.ctx, key, []string{"red"}, CategoryKeywords))

	before := s.store.Version(s.ctx)
	s.Require().NoError(SetVersioned(s.ctx, s.store, "search-result:x", before, []int{1, 2}, CategorySearchResult))

	got, ok := GetVersioned[[]int](s.ctx, s.store, "search-result:x", s.store.Version(s.ctx))
	s.Require().True(ok)
	s.Equal([]int{1, 2}, got)

	version, err := s.store.Flush(s.ctx)
	s.Require().NoError(err)
	s.Greater(version, before)

	_, ok, _ = s.store.Get(s.ctx, key)
	s.False(ok)

	_, ok = GetVersioned[[]int](s.ctx, s.store, "search-result:x", s.store.Version(s.ctx))
	s.False(ok)
}

// TestBumpVersion_Monotonic tests strict growth under a frozen clock.
func (s *StoreSuite) TestBumpVersion_Monotonic() {
	first, err := s.store.BumpVersion(s.ctx)
	s.Require().NoError(err)
	s.Equal(s.clock.Now().UnixMilli(), first)

	second, err := s.store.BumpVersion(s.ctx)
	s.Require().NoError(err)
	s.Equal(first+1, second)
	s.Equal(second, s.store.Version(s.ctx))
}

// TestVersion_SurvivesVolatileLoss tests that the durable tier keeps the marker.
func (s *StoreSuite) TestVersion_SurvivesVolatileLoss() {
	v, err := s.store.BumpVersion(s.ctx)
	s.Require().NoError(err)

	fresh := New(NewMemoryTier(0), s.file, WithClock(s.clock.Now))
	s.Equal(v, fresh.Version(s.ctx))
}

// TestVersion_SeesBumpFromOtherProcess tests two stores sharing only the
// durable tier, as a server and a maintenance command do.
func (s *StoreSuite) TestVersion_SeesBumpFromOtherProcess() {
	serverVersion, err := s.store.BumpVersion(s.ctx)
	s.Require().NoError(err)

	otherMemory := NewMemoryTier(0)
	otherMemory.SetClock(s.clock.Now)
	other := New(otherMemory, s.file, WithClock(s.clock.Now))

	s.clock.Advance(time.Second)
	otherVersion, err := other.BumpVersion(s.ctx)
	s.Require().NoError(err)
	s.Greater(otherVersion, serverVersion)

	s.clock.Advance(DefaultPromoteTTL)
	s.Equal(otherVersion, s.store.Version(s.ctx))

	item, ok, err := s.memory.Get(s.ctx, VersionKey)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.False(item.ExpiresAt.IsZero())
}

func TestStore_VersionWithoutDurableTier(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	mem := NewMemoryTier(0)
	mem.SetClock(clock.Now)
	store := New(mem, nil, WithClock(clock.Now))

	v, err := store.BumpVersion(ctx)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	item, ok, err := mem.Get(ctx, VersionKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, item.ExpiresAt.IsZero())
	assert.Equal(t, v, store.Version(ctx))
}

func TestFileTier_SubSecondExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 900_000_000)}
	tier, err := NewFileTier(t.TempDir())
	require.NoError(t, err)
	tier.SetClock(clock.Now)

	ttl := CategorySearchResult.TTL()
	require.NoError(t, tier.Set(ctx, "k", []byte("v"), ttl))

	clock.Advance(ttl - 500*time.Millisecond)
	item, ok, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, time.Unix(1_700_000_000, 900_000_000).Add(ttl), item.ExpiresAt, 0)

	clock.Advance(500 * time.Millisecond)
	_, ok, err = tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_OneTierFailing(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryTier(0)
	store := New(mem, failingTier{name: "file"})

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	_, ok, err = store.Get(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_AllTiersFailing(t *testing.T) {
	ctx := context.Background()
	store := New(failingTier{name: "redis"}, failingTier{name: "file"})

	err := store.Set(ctx, "k", []byte("v"), time.Minute)
	var ioErr *CacheIOError
	require.ErrorAs(t, err, &ioErr)

	_, ok, err := store.Get(ctx, "k")
	assert.False(t, ok)
	assert.ErrorAs(t, err, &ioErr)
	assert.Equal(t, int64(4), store.Stats().Errors)
}

func TestStore_NoTiers(t *testing.T) {
	store := New(nil, nil)
	assert.ErrorIs(t, store.Set(context.Background(), "k", nil, 0), ErrNoTiers)
}

func TestCategoryTTL(t *testing.T) {
	tests := []struct {
		category Category
		want     time.Duration
	}{
		{CategoryKeywords, time.Hour},
		{CategoryListPage, 30 * time.Minute},
		{CategorySingleImage, 2 * time.Hour},
		{CategorySearchResult, 15 * time.Minute},
		{CategoryHierarchy, time.Hour},
		{CategoryRandomPick, 5 * time.Minute},
		{Category("other"), 15 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.category.TTL())
		})
	}
}

func TestMemoryTier_Evicts(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryTier(2)
	require.NoError(t, mem.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, mem.Set(ctx, "b", []byte("2"), time.Hour))
	require.NoError(t, mem.Set(ctx, "c", []byte("3"), time.Hour))

	assert.Equal(t, 2, mem.Len())
	_, ok, _ := mem.Get(ctx, "a")
	assert.False(t, ok, "entry closest to expiry is evicted first")
	_, ok, _ = mem.Get(ctx, "c")
	assert.True(t, ok)
}

func TestFileTier_Prune(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tier, err := NewFileTier(t.TempDir())
	require.NoError(t, err)
	tier.SetClock(clock.Now)

	require.NoError(t, tier.Set(ctx, "short", []byte("x"), time.Second))
	require.NoError(t, tier.Set(ctx, "long", []byte("y"), time.Hour))
	require.NoError(t, tier.Set(ctx, "forever", []byte("z"), 0))

	clock.Advance(time.Minute)
	removed, err := tier.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, _ := tier.Get(ctx, "long")
	assert.True(t, ok)
	_, ok, _ = tier.Get(ctx, "forever")
	assert.True(t, ok)
}

func TestFileTier_DeleteMissing(t *testing.T) {
	tier, err := NewFileTier(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, tier.Delete(context.Background(), "nope"))
}

func TestRedisTier(t *testing.T) {
	addr := os.Getenv("CHROMASEEK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHROMASEEK_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	tier := NewRedisTier(RedisConfig{Addr: addr, Prefix: "chromaseek-test:"})
	defer tier.Close()
	require.NoError(t, tier.Ping(ctx))

	require.NoError(t, tier.Set(ctx, "k", []byte("v"), time.Minute))
	item, ok, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), item.Value)
	assert.False(t, item.ExpiresAt.IsZero())

	require.NoError(t, tier.Delete(ctx, "k"))
	_, ok, err = tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
