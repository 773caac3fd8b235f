package pinecone

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/chromaseek/internal/vector"
	"github.com/thebtf/chromaseek/pkg/colordist"
	"github.com/thebtf/chromaseek/pkg/models"
)

// Wire types for the data-plane API.

type wireVector struct {
	Metadata map[string]any `json:"metadata,omitempty"`
	ID       string         `json:"id"`
	Values   []float32      `json:"values"`
}

type upsertRequest struct {
	Namespace string       `json:"namespace"`
	Vectors   []wireVector `json:"vectors"`
}

type upsertResponse struct {
	UpsertedCount int `json:"upsertedCount"`
}

type queryRequest struct {
	Filter          map[string]any `json:"filter,omitempty"`
	Namespace       string         `json:"namespace"`
	Vector          []float32      `json:"vector"`
	TopK            int            `json:"topK"`
	IncludeMetadata bool           `json:"includeMetadata"`
	IncludeValues   bool           `json:"includeValues"`
}

type queryMatch struct {
	Metadata map[string]any `json:"metadata,omitempty"`
	ID       string         `json:"id"`
	Values   []float32      `json:"values,omitempty"`
	Score    float64        `json:"score"`
}

type queryResponse struct {
	Namespace string       `json:"namespace"`
	Matches   []queryMatch `json:"matches"`
}

type statsResponse struct {
	Namespaces map[string]struct {
		VectorCount int64 `json:"vectorCount"`
	} `json:"namespaces"`
	TotalVectorCount int64   `json:"totalVectorCount"`
	Dimension        int     `json:"dimension"`
	IndexFullness    float64 `json:"indexFullness"`
}

type deleteRequest struct {
	Namespace string   `json:"namespace"`
	IDs       []string `json:"ids,omitempty"`
	DeleteAll bool     `json:"deleteAll,omitempty"`
}

// Upsert normalizes entries and sends them in independent chunks. A failing
// chunk is recorded and the remaining chunks are still sent.
func (c *Client) Upsert(ctx context.Context, entries []models.IndexEntry) vector.UpsertResult {
	result := vector.UpsertResult{Requested: len(entries)}
	if len(entries) == 0 {
		return result
	}

	vectors := make([]wireVector, 0, len(entries))
	for _, e := range entries {
		if !e.Color.Valid() {
			log.Warn().
				Int64("pictureId", int64(e.ID)).
				Str("color", e.Color.String()).
				Msg("Skipping index entry with out-of-range color")
			result.Rejected = append(result.Rejected, e.ID)
			continue
		}
		vectors = append(vectors, wireVector{
			ID:       e.ID.String(),
			Values:   e.Color.Normalize().Slice(),
			Metadata: vector.EntryMetadata(e),
		})
	}

	host, err := c.dataHost(ctx)
	if err != nil {
		log.Warn().Err(err).Int("entries", len(entries)).Msg("Vector index unavailable, upsert skipped")
		result.Err = &vector.PartialBatchFailure{
			Total:    1,
			Failures: []vector.ChunkFailure{{Index: 0, Size: len(vectors), IDs: wireIDs(vectors), Err: err}},
		}
		result.FailedChunks = 1
		return result
	}

	chunks := vector.Chunk(vectors, c.batchSize)
	result.Chunks = len(chunks)

	var failures []vector.ChunkFailure
	for i, chunk := range chunks {
		var resp upsertResponse
		req := upsertRequest{Vectors: chunk, Namespace: c.namespace}
		if err := c.do(ctx, http.MethodPost, host+"/vectors/upsert", req, &resp); err != nil {
			log.Error().
				Err(err).
				Int("chunk", i).
				Int("size", len(chunk)).
				Msg("Upsert chunk failed")
			failures = append(failures, vector.ChunkFailure{Index: i, Size: len(chunk), IDs: wireIDs(chunk), Err: err})
			continue
		}
		result.Succeeded += resp.UpsertedCount
	}

	if len(failures) > 0 {
		result.FailedChunks = len(failures)
		result.Err = &vector.PartialBatchFailure{Total: len(chunks), Failures: failures}
	}

	log.Debug().
		Int("requested", result.Requested).
		Int("succeeded", result.Succeeded).
		Int("chunks", result.Chunks).
		Int("failedChunks", result.FailedChunks).
		Msg("Upserted vectors")
	return result
}

func wireIDs(vectors []wireVector) []models.ImageID {
	ids := make([]models.ImageID, 0, len(vectors))
	for _, v := range vectors {
		if id, err := models.ParseImageID(v.ID); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Query returns the topK nearest colors. Similarity is the index score clamped
// into [0,1]; callers needing a specific metric re-score from Color.
func (c *Client) Query(ctx context.Context, target models.RGB, topK int, filter map[string]any) ([]models.SearchResult, error) {
	if topK <= 0 {
		return []models.SearchResult{}, nil
	}
	host, err := c.dataHost(ctx)
	if err != nil {
		return nil, err
	}

	req := queryRequest{
		Vector:          target.Normalize().Slice(),
		TopK:            topK,
		Namespace:       c.namespace,
		IncludeMetadata: true,
		IncludeValues:   true,
		Filter:          filter,
	}
	var resp queryResponse
	if err := c.do(ctx, http.MethodPost, host+"/query", req, &resp); err != nil {
		return nil, err
	}

	results := make([]models.SearchResult, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		id, err := models.ParseImageID(m.ID)
		if err != nil {
			log.Warn().Str("id", m.ID).Msg("Ignoring match with non-numeric id")
			continue
		}
		distance := colordist.DistanceFromSimilarity(m.Score, colordist.Euclidean)
		results = append(results, models.SearchResult{
			ImageID:    id,
			Similarity: colordist.SimilarityFromDistance(distance, colordist.Euclidean),
			Distance:   distance,
			Source:     models.SourceRemote,
			Metadata:   m.Metadata,
			Color:      matchColor(m),
		})
	}
	return results, nil
}

// matchColor recovers the stored color from the returned values, falling
// back to the r/g/b metadata written at upsert time.
func matchColor(m queryMatch) *models.RGB {
	if v, err := models.NewColorVector(m.Values); err == nil {
		c := v.RGB()
		return &c
	}
	if m.Metadata == nil {
		return nil
	}
	c, err := models.ResolveDominant([]any{m.Metadata["r"], m.Metadata["g"], m.Metadata["b"]})
	if err != nil {
		return nil
	}
	return &c
}

// Stats describes the index.
func (c *Client) Stats(ctx context.Context) (vector.Stats, error) {
	host, err := c.dataHost(ctx)
	if err != nil {
		return vector.Stats{}, err
	}
	var resp statsResponse
	if err := c.do(ctx, http.MethodPost, host+"/describe_index_stats", map[string]any{}, &resp); err != nil {
		return vector.Stats{}, err
	}

	stats := vector.Stats{
		Total:         resp.TotalVectorCount,
		Dimension:     resp.Dimension,
		FullnessRatio: resp.IndexFullness,
		PerNamespace:  make(map[string]int64, len(resp.Namespaces)),
	}
	for name, ns := range resp.Namespaces {
		stats.PerNamespace[name] = ns.VectorCount
	}
	return stats, nil
}

// Delete removes ids from the namespace. Ids the index does not hold are
// ignored by the service, so repeated deletes succeed. When a chunk fails the
// count covers the chunks sent before it.
func (c *Client) Delete(ctx context.Context, ids []models.ImageID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	host, err := c.dataHost(ctx)
	if err != nil {
		log.Warn().Err(err).Int("ids", len(ids)).Msg("Vector index unavailable, delete skipped")
		return 0, err
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}

	deleted := 0
	for _, chunk := range vector.Chunk(keys, vector.MaxBatchSize) {
		req := deleteRequest{IDs: chunk, Namespace: c.namespace}
		if err := c.do(ctx, http.MethodPost, host+"/vectors/delete", req, nil); err != nil {
			log.Error().Err(err).Int("ids", len(chunk)).Int("deleted", deleted).Msg("Delete vectors failed")
			return deleted, err
		}
		deleted += len(chunk)
	}
	return deleted, nil
}

// ClearNamespace removes every vector in the namespace.
func (c *Client) ClearNamespace(ctx context.Context) error {
	host, err := c.dataHost(ctx)
	if err != nil {
		return err
	}
	req := deleteRequest{DeleteAll: true, Namespace: c.namespace}
	if err := c.do(ctx, http.MethodPost, host+"/vectors/delete", req, nil); err != nil {
		return fmt.Errorf("clear namespace %s: %w", c.namespace, err)
	}
	log.Info().Str("namespace", c.namespace).Msg("Cleared vector namespace")
	return nil
}

// TestConnection checks the control plane (or the data plane when the host
// was configured directly). Every failure is folded into the status.
func (c *Client) TestConnection(ctx context.Context) vector.ConnectionStatus {
	if c.indexName == "" {
		stats, err := c.Stats(ctx)
		host := c.resolvedHost()
		if err != nil {
			return vector.ConnectionStatus{Status: vector.StatusError, Message: err.Error(), Host: host}
		}
		return vector.ConnectionStatus{
			Status:    vector.StatusOK,
			Message:   fmt.Sprintf("connected, %d vectors", stats.Total),
			Host:      host,
			Dimension: stats.Dimension,
		}
	}

	desc, err := c.describeIndex(ctx)
	if err != nil {
		return vector.ConnectionStatus{Status: vector.StatusError, Message: err.Error()}
	}
	status := vector.ConnectionStatus{
		Status:    vector.StatusOK,
		Message:   fmt.Sprintf("index %s is %s", c.indexName, desc.Status.State),
		Host:      normalizeHost(desc.Host),
		Metric:    desc.Metric,
		State:     desc.Status.State,
		Dimension: desc.Dimension,
	}
	if desc.Dimension != 0 && desc.Dimension != 3 {
		status.Status = vector.StatusError
		status.Message = fmt.Sprintf("index %s has dimension %d, expected 3", c.indexName, desc.Dimension)
	}
	return status
}
