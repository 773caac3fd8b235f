package indexsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/chromaseek/internal/vector"
	"github.com/thebtf/chromaseek/internal/vector/pinecone"
	"github.com/thebtf/chromaseek/internal/vector/pinecone/pineconetest"
	"github.com/thebtf/chromaseek/pkg/models"
)

// memStore is an in-memory PictureStore.
type memStore struct {
	pictures map[models.ImageID]*models.Picture
	saved    map[models.ImageID]models.Palette
	mu       sync.Mutex
}

func newMemStore() *memStore {
	return &memStore{
		pictures: make(map[models.ImageID]*models.Picture),
		saved:    make(map[models.ImageID]models.Palette),
	}
}

func (m *memStore) put(id models.ImageID, palette string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &models.Picture{ID: id, Path: fmt.Sprintf("%d.jpg", id), FolderID: 7}
	if palette != "" {
		p.Palette = []byte(palette)
	}
	m.pictures[id] = p
}

func (m *memStore) remove(id models.ImageID) {
	m.mu.Lock()
	delete(m.pictures, id)
	m.mu.Unlock()
}

func (m *memStore) sorted() []models.Picture {
	out := make([]models.Picture, 0, len(m.pictures))
	for _, p := range m.pictures {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) ListNeedingSync(_ context.Context, limit, offset int, onlyMissing bool) ([]models.Picture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []models.Picture
	for _, p := range m.sorted() {
		if onlyMissing && p.IndexedAt != nil {
			continue
		}
		all = append(all, p)
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *memStore) GetForSync(_ context.Context, ids []models.ImageID) ([]models.Picture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Picture
	for _, id := range ids {
		if p, ok := m.pictures[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) SavePalette(_ context.Context, id models.ImageID, palette models.Palette) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[id] = palette
	return nil
}

func (m *memStore) MarkIndexed(_ context.Context, ids []models.ImageID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if p, ok := m.pictures[id]; ok {
			t := at
			p.IndexedAt = &t
		}
	}
	return nil
}

func (m *memStore) indexedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.pictures {
		if p.IndexedAt != nil {
			n++
		}
	}
	return n
}

type stubExtractor struct {
	palettes map[string]models.Palette
	calls    int
	mu       sync.Mutex
}

func (e *stubExtractor) Extract(_ context.Context, ref string, _ *models.Region) (models.Palette, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	p, ok := e.palettes[ref]
	if !ok {
		return nil, errors.New("unreadable image")
	}
	return p, nil
}

// pipeSpawner runs the child side in-process through the JSON handoff.
type pipeSpawner struct {
	child *Synchronizer
	jobs  []Job
	mu    sync.Mutex
}

func (p *pipeSpawner) Spawn(ctx context.Context, job Job) (models.SyncResult, error) {
	p.mu.Lock()
	p.jobs = append(p.jobs, job)
	p.mu.Unlock()

	payload, err := json.Marshal(job)
	if err != nil {
		return models.SyncResult{}, err
	}
	var stdout bytes.Buffer
	if err := p.child.ServeWorker(ctx, bytes.NewReader(payload), &stdout); err != nil {
		return models.SyncResult{}, err
	}
	var out models.SyncResult
	err = json.Unmarshal(stdout.Bytes(), &out)
	return out, err
}

type funcSpawner func(ctx context.Context, job Job) (models.SyncResult, error)

func (f funcSpawner) Spawn(ctx context.Context, job Job) (models.SyncResult, error) {
	return f(ctx, job)
}

// SyncSuite runs the synchronizer against the fake index server.
type SyncSuite struct {
	suite.Suite
	ctx    context.Context
	server *pineconetest.Server
	client *pinecone.Client
	store  *memStore
}

func (s *SyncSuite) SetupTest() {
	s.ctx = context.Background()
	s.server = pineconetest.New()

	var err error
	s.client, err = pinecone.NewClient(pinecone.Config{
		APIKey:        pineconetest.APIKey,
		IndexName:     pineconetest.IndexName,
		ControllerURL: s.server.URL,
		Timeout:       2 * time.Second,
	})
	s.Require().NoError(err)

	s.store = newMemStore()
	// 1..20 have valid palettes, 21 is malformed, 22 has none.
	for i := 1; i <= 20; i++ {
		s.store.put(models.ImageID(i), fmt.Sprintf(`[[%d,10,10]]`, i*10))
	}
	s.store.put(21, `{"nope":true}`)
	s.store.put(22, "")
}

func (s *SyncSuite) TearDownTest() {
	s.server.Close()
}

func TestSyncSuite(t *testing.T) {
	suite.Run(t, new(SyncSuite))
}

func (s *SyncSuite) newSync(opts ...Option) *Synchronizer {
	child := New(s.store, s.client)
	opts = append([]Option{WithSpawner(&pipeSpawner{child: child})}, opts...)
	return New(s.store, s.client, opts...)
}

// TestInvariant_EveryStrategy tests that every considered picture is counted once.
func (s *SyncSuite) TestInvariant_EveryStrategy() {
	for _, strategy := range Strategies {
		s.Run(string(strategy), func() {
			s.TearDownTest()
			s.SetupTest()

			res, err := s.newSync().Run(s.ctx, Options{
				Strategy:      strategy,
				BatchSize:     3,
				ParallelCount: 3,
				PoolSize:      4,
			})
			s.Require().NoError(err)
			s.Equal(string(strategy), res.Strategy)
			s.False(res.Degraded)
			s.Equal(22, res.Planned)
			s.Equal(22, res.Considered)
			s.True(res.Balanced())
			s.Equal(20, res.Processed)
			s.Equal(2, res.Errors)
			s.Equal(20, s.server.Count(vector.DefaultNamespace))
			s.Equal(20, s.store.indexedCount())
			s.NotEmpty(res.RunID)
		})
	}
}

// TestSecondRun_SkipsIndexed tests that a forced run skips nothing and an
// unforced run only plans what is missing.
func (s *SyncSuite) TestSecondRun_SkipsIndexed() {
	syncer := s.newSync()
	_, err := syncer.Run(s.ctx, Options{})
	s.Require().NoError(err)

	res, err := syncer.Run(s.ctx, Options{})
	s.Require().NoError(err)
	s.Equal(2, res.Considered)
	s.Equal(0, res.Processed)
	s.Equal(2, res.Errors)

	res, err = syncer.Run(s.ctx, Options{Force: true})
	s.Require().NoError(err)
	s.Equal(22, res.Considered)
	s.Equal(20, res.Processed)
	s.Equal(0, res.Skipped)
	s.Equal(20, s.server.Count(vector.DefaultNamespace))
}

// TestSkipRule tests that only pictures whose stored palette is already
// indexed are skipped, and only when not forced.
func (s *SyncSuite) TestSkipRule() {
	now := time.Now()
	batch := []models.Picture{
		{ID: 1, Path: "1.jpg", Palette: []byte(`[1,2,3]`), IndexedAt: &now},
		{ID: 2, Path: "2.jpg", Palette: []byte(`[1,2,3]`)},
		{ID: 3, Path: "3.jpg", IndexedAt: &now},
	}
	extractor := &stubExtractor{palettes: map[string]models.Palette{"3.jpg": {{4, 5, 6}}}}
	syncer := s.newSync(WithExtractor(extractor))

	tests := []struct {
		name      string
		force     bool
		processed int
		skipped   int
	}{
		{name: "unforced", processed: 2, skipped: 1},
		{name: "forced", force: true, processed: 3},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			res := syncer.processBatch(s.ctx, batch, Options{Force: tt.force}.withDefaults())
			s.Equal(tt.processed, res.Processed)
			s.Equal(tt.skipped, res.Skipped)
			s.True(res.Balanced())
		})
	}
	s.Equal(2, extractor.calls)
}

// TestRun_SkipsPicturesIndexedByAnotherRun tests that a batch reloads its
// pictures and skips those indexed after planning.
func (s *SyncSuite) TestRun_SkipsPicturesIndexedByAnotherRun() {
	var once sync.Once
	syncer := s.newSync(OnProgress(func(p Progress) {
		if p.Done {
			return
		}
		once.Do(func() {
			ids := []models.ImageID{16, 17, 18, 19, 20}
			s.NoError(s.store.MarkIndexed(s.ctx, ids, time.Now()))
		})
	}))

	res, err := syncer.Run(s.ctx, Options{Strategy: Sequential, BatchSize: 5})
	s.Require().NoError(err)
	s.Equal(22, res.Planned)
	s.Equal(22, res.Considered)
	s.Equal(15, res.Processed)
	s.Equal(5, res.Skipped)
	s.Equal(2, res.Errors)
	s.True(res.Balanced())
	s.Equal(15, s.server.Count(vector.DefaultNamespace))
}

// TestTotalLimit tests that planning stops at the limit.
func (s *SyncSuite) TestTotalLimit() {
	res, err := s.newSync().Run(s.ctx, Options{TotalLimit: 7, BatchSize: 3})
	s.Require().NoError(err)
	s.Equal(7, res.Planned)
	s.Equal(7, res.Considered)
	s.Equal(7, res.Processed)
}

// TestDryRun tests that nothing is written.
func (s *SyncSuite) TestDryRun() {
	extractor := &stubExtractor{palettes: map[string]models.Palette{"22.jpg": {{1, 2, 3}}}}
	res, err := s.newSync(WithExtractor(extractor)).Run(s.ctx, Options{DryRun: true})
	s.Require().NoError(err)
	s.True(res.DryRun)
	s.Equal(21, res.Processed)
	s.Equal(1, res.Errors)
	s.Equal(0, s.server.Count(vector.DefaultNamespace))
	s.Equal(0, s.store.indexedCount())
	s.Empty(s.store.saved)
}

// TestExtractor tests extraction for missing and malformed palettes.
func (s *SyncSuite) TestExtractor() {
	extractor := &stubExtractor{palettes: map[string]models.Palette{
		"21.jpg": {{9, 9, 9}, {0, 0, 0}},
		"22.jpg": {{200, 200, 200}},
	}}
	res, err := s.newSync(WithExtractor(extractor)).Run(s.ctx, Options{})
	s.Require().NoError(err)
	s.Equal(22, res.Processed)
	s.Equal(0, res.Errors)
	s.Equal(2, extractor.calls)
	s.Equal(models.Palette{{200, 200, 200}}, s.store.saved[22])
}

// TestUpsertChunkFailure tests attribution of a failed chunk to its pictures.
func (s *SyncSuite) TestUpsertChunkFailure() {
	s.server.FailUpsertCall[1] = true

	res, err := s.newSync().Run(s.ctx, Options{BatchSize: 5})
	s.Require().NoError(err)
	s.True(res.Balanced())
	s.Equal(15, res.Processed)
	s.Equal(7, res.Errors)
	s.Equal(15, s.store.indexedCount())

	ids := make(map[models.ImageID]bool)
	for _, f := range res.Failures {
		ids[f.ID] = true
	}
	for id := models.ImageID(6); id <= 10; id++ {
		s.True(ids[id], "picture %d", id)
	}
}

// TestUnconfiguredIndex tests that writing runs need the index.
func (s *SyncSuite) TestUnconfiguredIndex() {
	_, err := New(s.store, nil).Run(s.ctx, Options{})
	var cfgErr *vector.ConfigurationError
	s.ErrorAs(err, &cfgErr)

	res, err := New(s.store, nil).Run(s.ctx, Options{DryRun: true})
	s.Require().NoError(err)
	s.Equal(22, res.Considered)
}

// TestUnknownStrategy tests strategy validation.
func (s *SyncSuite) TestUnknownStrategy() {
	_, err := s.newSync().Run(s.ctx, Options{Strategy: "threads"})
	s.Error(err)
}

// TestPooled_DegradesWithSmallPool tests the sequential fallback.
func (s *SyncSuite) TestPooled_DegradesWithSmallPool() {
	res, err := s.newSync().Run(s.ctx, Options{Strategy: PooledConcurrent, PoolSize: 1})
	s.Require().NoError(err)
	s.Equal(string(Sequential), res.Strategy)
	s.Equal(string(PooledConcurrent), res.Requested)
	s.True(res.Degraded)
	s.True(res.Balanced())
	s.Equal(22, res.Considered)
}

// TestProcess_DegradesWithoutSpawner tests the sequential fallback when no
// spawner is available.
func (s *SyncSuite) TestProcess_DegradesWithoutSpawner() {
	res, err := New(s.store, s.client, WithSpawner(nil)).Run(s.ctx, Options{Strategy: ProcessParallel})
	s.Require().NoError(err)
	s.Equal(string(Sequential), res.Strategy)
	s.True(res.Degraded)
	s.Equal(22, res.Considered)
	s.True(res.Balanced())
}

// TestProcess_DegradesWhenSpawnFails tests in-process fallback when the
// binary cannot be started.
func (s *SyncSuite) TestProcess_DegradesWhenSpawnFails() {
	spawner := &ExecSpawner{Path: "/nonexistent/chromaseek", Stderr: io.Discard}
	res, err := New(s.store, s.client, WithSpawner(spawner)).Run(s.ctx, Options{
		Strategy:      ProcessParallel,
		ParallelCount: 2,
	})
	s.Require().NoError(err)
	s.Equal(string(ProcessParallel), res.Strategy)
	s.True(res.Degraded)
	s.Equal(22, res.Considered)
	s.Equal(20, res.Processed)
	s.True(res.Balanced())
}

// TestProcess_ChunksAreDisjoint tests the partition handed to children.
func (s *SyncSuite) TestProcess_ChunksAreDisjoint() {
	spawner := &pipeSpawner{child: New(s.store, s.client)}
	res, err := New(s.store, s.client, WithSpawner(spawner)).Run(s.ctx, Options{
		Strategy:      ProcessParallel,
		ParallelCount: 4,
	})
	s.Require().NoError(err)
	s.Equal(22, res.Considered)

	s.Require().Len(spawner.jobs, 4)
	seen := make(map[models.ImageID]bool)
	for _, job := range spawner.jobs {
		s.Equal(res.RunID, job.RunID)
		for _, id := range job.IDs {
			s.False(seen[id], "picture %d in two chunks", id)
			seen[id] = true
		}
	}
	s.Len(seen, 22)
}

// TestProcess_WorkerFailures tests crashed and inconsistent children.
func (s *SyncSuite) TestProcess_WorkerFailures() {
	spawner := funcSpawner(func(_ context.Context, job Job) (models.SyncResult, error) {
		if job.Chunk == 0 {
			return models.SyncResult{}, errors.New("exit status 2")
		}
		return models.SyncResult{Considered: 1, Processed: 1}, nil
	})
	res, err := New(s.store, s.client, WithSpawner(spawner)).Run(s.ctx, Options{
		Strategy:      ProcessParallel,
		ParallelCount: 2,
	})
	s.Require().NoError(err)
	s.Equal(22, res.Considered)
	s.Equal(22, res.Errors)
	s.True(res.Balanced())
}

// TestRunJob_VanishedPictures tests that the child counts missing pictures as errors.
func (s *SyncSuite) TestRunJob_VanishedPictures() {
	s.store.remove(3)
	res, err := New(s.store, s.client).RunJob(s.ctx, Job{IDs: []models.ImageID{1, 2, 3}, BatchSize: 2})
	s.Require().NoError(err)
	s.Equal(3, res.Considered)
	s.Equal(2, res.Processed)
	s.Equal(1, res.Errors)
	s.Require().Len(res.Failures, 1)
	s.Equal(models.ImageID(3), res.Failures[0].ID)
}

// TestCancellation tests that no batch starts after cancellation.
func (s *SyncSuite) TestCancellation() {
	ctx, cancel := context.WithCancel(s.ctx)
	var batches int
	syncer := s.newSync(OnProgress(func(p Progress) {
		if p.Done {
			return
		}
		batches++
		if batches == 2 {
			cancel()
		}
	}))

	res, err := syncer.Run(ctx, Options{BatchSize: 5})
	s.ErrorIs(err, context.Canceled)
	s.True(res.Cancelled)
	s.Equal(22, res.Planned)
	s.Equal(10, res.Considered)
	s.True(res.Balanced())
}

// TestHooks tests progress and change notifications.
func (s *SyncSuite) TestHooks() {
	var (
		mu       sync.Mutex
		progress []Progress
		changes  int
	)
	syncer := s.newSync(
		OnProgress(func(p Progress) {
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		}),
		OnChange(func(context.Context, models.SyncResult) { changes++ }),
	)

	_, err := syncer.Run(s.ctx, Options{Strategy: PooledConcurrent, BatchSize: 10, PoolSize: 2})
	s.Require().NoError(err)
	s.Equal(1, changes)
	// Four chunks of at most six pictures, one batch each, then the final report.
	s.Require().Len(progress, 5)
	s.True(progress[4].Done)
	s.Equal(22, progress[4].Considered)

	_, err = syncer.Run(s.ctx, Options{DryRun: true, Force: true})
	s.Require().NoError(err)
	s.Equal(1, changes, "dry runs do not count as changes")
}

type recordingHistory struct {
	started  []string
	finished []models.SyncResult
}

func (h *recordingHistory) Start(_ context.Context, runID, _ string, _, _ bool) error {
	h.started = append(h.started, runID)
	return nil
}

func (h *recordingHistory) Finish(_ context.Context, res models.SyncResult, _ error) error {
	h.finished = append(h.finished, res)
	return nil
}

// TestHistory tests run recording.
func (s *SyncSuite) TestHistory() {
	h := &recordingHistory{}
	res, err := s.newSync(WithHistory(h)).Run(s.ctx, Options{})
	s.Require().NoError(err)
	s.Equal([]string{res.RunID}, h.started)
	s.Require().Len(h.finished, 1)
	s.Equal(20, h.finished[0].Processed)
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"", Sequential, false},
		{"Sequential", Sequential, false},
		{"process-parallel", ProcessParallel, false},
		{"pooled", PooledConcurrent, false},
		{" pooled-concurrent ", PooledConcurrent, false},
		{"threads", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPartition(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}

	parts := partition(items, 3)
	require.Len(t, parts, 3)
	assert.Equal(t, []int{1, 2, 3}, parts[0])
	assert.Equal(t, []int{4, 5}, parts[1])
	assert.Equal(t, []int{6, 7}, parts[2])

	assert.Len(t, partition(items, 20), 7)
	assert.Len(t, partition(items, 0), 1)
	assert.Nil(t, partition([]int{}, 3))
}

func TestConsistent(t *testing.T) {
	assert.True(t, consistent(models.SyncResult{Considered: 3, Processed: 2, Errors: 1}, 3))
	assert.False(t, consistent(models.SyncResult{Considered: 2, Processed: 2}, 3))
	assert.True(t, consistent(models.SyncResult{Considered: 2, Processed: 2, Cancelled: true}, 3))
	assert.False(t, consistent(models.SyncResult{Considered: 3, Processed: 1}, 3))
}

func TestServeWorker_BadJob(t *testing.T) {
	s := New(newMemStore(), nil)
	err := s.ServeWorker(context.Background(), bytes.NewReader([]byte("{")), io.Discard)
	assert.Error(t, err)
}
