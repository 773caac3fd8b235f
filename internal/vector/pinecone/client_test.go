package pinecone

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/chromaseek/internal/vector"
	"github.com/thebtf/chromaseek/internal/vector/pinecone/pineconetest"
	"github.com/thebtf/chromaseek/pkg/models"
)

// ClientSuite exercises the client against the in-memory index server.
type ClientSuite struct {
	suite.Suite
	server *pineconetest.Server
	client *Client
	ctx    context.Context
}

func (s *ClientSuite) SetupTest() {
	s.server = pineconetest.New()
	s.ctx = context.Background()

	var err error
	s.client, err = NewClient(Config{
		APIKey:        pineconetest.APIKey,
		IndexName:     pineconetest.IndexName,
		ControllerURL: s.server.URL,
		Timeout:       2 * time.Second,
	})
	s.Require().NoError(err)
}

func (s *ClientSuite) TearDownTest() {
	s.server.Close()
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func entries(n int) []models.IndexEntry {
	out := make([]models.IndexEntry, n)
	for i := range out {
		out[i] = models.IndexEntry{
			ID:    models.ImageID(i + 1),
			Color: models.RGB{i % 256, (i * 7) % 256, (i * 13) % 256},
		}
	}
	return out
}

// TestUpsert_ChunksAtLimit tests that 1200 entries are sent as two chunks.
func (s *ClientSuite) TestUpsert_ChunksAtLimit() {
	result := s.client.Upsert(s.ctx, entries(1200))

	s.NoError(result.Err)
	s.Equal(1200, result.Requested)
	s.Equal(1200, result.Succeeded)
	s.Equal(2, result.Chunks)
	s.Equal(0, result.FailedChunks)
	s.Equal(2, s.server.UpsertCalls)
	s.Equal(1200, s.server.Count(vector.DefaultNamespace))
}

// TestUpsert_PartialFailure tests that one failing chunk does not abort the rest.
func (s *ClientSuite) TestUpsert_PartialFailure() {
	s.server.FailUpsertCall[0] = true

	result := s.client.Upsert(s.ctx, entries(2500))

	s.Equal(3, result.Chunks)
	s.Equal(1, result.FailedChunks)
	s.Equal(1500, result.Succeeded)

	var partial *vector.PartialBatchFailure
	s.Require().True(errors.As(result.Err, &partial))
	s.Len(partial.Failures, 1)
	s.Equal(0, partial.Failures[0].Index)
	s.ErrorIs(result.Err, vector.ErrIndexUnavailable)

	failed := partial.FailedIDs()
	s.Len(failed, 1000)
	s.True(failed[1])
	s.False(failed[1001])
}

// TestUpsert_Idempotent tests that resending the same entries keeps the count.
func (s *ClientSuite) TestUpsert_Idempotent() {
	batch := entries(10)
	s.client.Upsert(s.ctx, batch)
	before, err := s.client.Stats(s.ctx)
	s.Require().NoError(err)

	s.client.Upsert(s.ctx, batch)
	after, err := s.client.Stats(s.ctx)
	s.Require().NoError(err)

	s.Equal(before.Total, after.Total)
	s.Equal(int64(10), after.PerNamespace[vector.DefaultNamespace])
}

// TestUpsert_SkipsInvalidColors tests out-of-range entries are not sent.
func (s *ClientSuite) TestUpsert_SkipsInvalidColors() {
	result := s.client.Upsert(s.ctx, []models.IndexEntry{
		{ID: 1, Color: models.RGB{1, 2, 3}},
		{ID: 2, Color: models.RGB{300, 0, 0}},
	})
	s.Equal(2, result.Requested)
	s.Equal(1, result.Succeeded)
	s.Equal([]models.ImageID{2}, result.Rejected)
	s.Equal(1, s.server.Count(vector.DefaultNamespace))
}

// TestQuery_NearestFirst tests query ordering and color recovery.
func (s *ClientSuite) TestQuery_NearestFirst() {
	s.client.Upsert(s.ctx, []models.IndexEntry{
		{ID: 1, Color: models.RGB{250, 10, 10}},
		{ID: 2, Color: models.RGB{0, 255, 0}},
		{ID: 3, Color: models.RGB{10, 10, 250}},
	})

	results, err := s.client.Query(s.ctx, models.RGB{255, 0, 0}, 2, nil)
	s.Require().NoError(err)
	s.Require().Len(results, 2)

	s.Equal(models.ImageID(1), results[0].ImageID)
	s.Equal(models.SourceRemote, results[0].Source)
	s.Require().NotNil(results[0].Color)
	s.Equal(models.RGB{250, 10, 10}, *results[0].Color)
	s.GreaterOrEqual(results[0].Similarity, results[1].Similarity)
	s.Equal("#fa0a0a", results[0].Metadata["hex"])
}

// TestQuery_EmptyIndex tests that an empty answer is not an error.
func (s *ClientSuite) TestQuery_EmptyIndex() {
	results, err := s.client.Query(s.ctx, models.RGB{1, 2, 3}, 5, nil)
	s.NoError(err)
	s.Empty(results)
}

// TestQuery_Filter tests that the filter is forwarded.
func (s *ClientSuite) TestQuery_Filter() {
	s.client.Upsert(s.ctx, []models.IndexEntry{
		{ID: 1, Color: models.RGB{250, 10, 10}, Metadata: map[string]any{"folder_id": 7}},
		{ID: 2, Color: models.RGB{255, 0, 0}, Metadata: map[string]any{"folder_id": 8}},
	})

	results, err := s.client.Query(s.ctx, models.RGB{255, 0, 0}, 5, map[string]any{"folder_id": 7})
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.Equal(models.ImageID(1), results[0].ImageID)
}

// TestQuery_Timeout tests that a slow index surfaces as unavailable.
func (s *ClientSuite) TestQuery_Timeout() {
	client, err := NewClient(Config{
		APIKey:  pineconetest.APIKey,
		Host:    s.server.URL,
		Timeout: 50 * time.Millisecond,
	})
	s.Require().NoError(err)
	s.server.QueryDelay = time.Second

	_, err = client.Query(s.ctx, models.RGB{1, 2, 3}, 5, nil)
	s.ErrorIs(err, vector.ErrIndexUnavailable)
}

// TestQuery_ServerDown tests non-2xx answers.
func (s *ClientSuite) TestQuery_ServerDown() {
	s.server.SetDown(true)
	_, err := s.client.Query(s.ctx, models.RGB{1, 2, 3}, 5, nil)
	s.ErrorIs(err, vector.ErrIndexUnavailable)
}

// TestDelete_Idempotent tests deleting ids twice, including missing ones.
func (s *ClientSuite) TestDelete_Idempotent() {
	s.client.Upsert(s.ctx, entries(3))

	n, err := s.client.Delete(s.ctx, []models.ImageID{1, 2, 99})
	s.NoError(err)
	s.Equal(3, n)
	s.Equal(1, s.server.Count(vector.DefaultNamespace))

	n, err = s.client.Delete(s.ctx, []models.ImageID{1, 2, 99})
	s.NoError(err)
	s.Equal(3, n)
}

// TestDelete_Unavailable tests that a failing delete reports zero.
func (s *ClientSuite) TestDelete_Unavailable() {
	s.client.Upsert(s.ctx, entries(1))
	s.server.SetDown(true)

	n, err := s.client.Delete(s.ctx, []models.ImageID{1})
	s.Equal(0, n)
	s.ErrorIs(err, vector.ErrIndexUnavailable)
}

// TestDelete_PartialFailure tests that chunks deleted before a failure are counted.
func (s *ClientSuite) TestDelete_PartialFailure() {
	up := s.client.Upsert(s.ctx, entries(1200))
	s.Require().NoError(up.Err)
	s.server.FailDeleteCall[1] = true

	ids := make([]models.ImageID, 1200)
	for i := range ids {
		ids[i] = models.ImageID(i + 1)
	}
	n, err := s.client.Delete(s.ctx, ids)
	s.ErrorIs(err, vector.ErrIndexUnavailable)
	s.Equal(vector.MaxBatchSize, n)
	s.Equal(2, s.server.DeleteCalls)
	s.Equal(200, s.server.Count(vector.DefaultNamespace))
}

// TestClearNamespace tests namespace wipe.
func (s *ClientSuite) TestClearNamespace() {
	s.client.Upsert(s.ctx, entries(5))
	s.Require().NoError(s.client.ClearNamespace(s.ctx))
	s.Equal(0, s.server.Count(vector.DefaultNamespace))
	s.NoError(s.client.ClearNamespace(s.ctx))
}

// TestStats tests the stats mapping.
func (s *ClientSuite) TestStats() {
	s.client.Upsert(s.ctx, entries(4))
	stats, err := s.client.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(4), stats.Total)
	s.Equal(3, stats.Dimension)
	s.InDelta(4.0/100000, stats.FullnessRatio, 1e-12)
}

// TestTestConnection tests that the connection check never fails.
func (s *ClientSuite) TestTestConnection() {
	status := s.client.TestConnection(s.ctx)
	s.Equal(vector.StatusOK, status.Status)
	s.Equal("Ready", status.State)
	s.Equal(3, status.Dimension)

	s.server.Dimension = 512
	status = s.client.TestConnection(s.ctx)
	s.Equal(vector.StatusError, status.Status)

	s.server.SetDown(true)
	status = s.client.TestConnection(s.ctx)
	s.Equal(vector.StatusError, status.Status)
	s.NotEmpty(status.Message)
}

func TestTestConnection_DirectHost(t *testing.T) {
	server := pineconetest.New()
	defer server.Close()

	client, err := NewClient(Config{
		APIKey:  pineconetest.APIKey,
		Host:    server.URL,
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	statuses := make([]vector.ConnectionStatus, 4)
	for i := range statuses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Upsert(context.Background(), entries(2))
			statuses[i] = client.TestConnection(context.Background())
		}()
	}
	wg.Wait()

	for _, status := range statuses {
		assert.Equal(t, vector.StatusOK, status.Status)
		assert.Equal(t, server.URL, status.Host)
	}
}

func TestNewClient_MissingCredentials(t *testing.T) {
	_, err := NewClient(Config{IndexName: "colors"})
	var cfgErr *vector.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "api key", cfgErr.Field)

	_, err = NewClient(Config{APIKey: "k"})
	require.ErrorAs(t, err, &cfgErr)
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(Config{APIKey: "k", Host: "idx.example.io", BatchSize: 5000})
	require.NoError(t, err)
	assert.Equal(t, vector.DefaultNamespace, c.Namespace())
	assert.Equal(t, vector.MaxBatchSize, c.BatchSize())
	assert.Equal(t, "https://idx.example.io", c.host)
	assert.True(t, c.Configured())
}

func TestChunk(t *testing.T) {
	chunks := vector.Chunk(make([]int, 2001), 1000)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[2], 1)
	assert.Empty(t, vector.Chunk([]int{}, 10))
}
