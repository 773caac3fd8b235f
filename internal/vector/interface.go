// Package vector provides common interfaces for vector index implementations.
package vector

import (
	"context"

	"github.com/thebtf/chromaseek/pkg/models"
)

// DefaultNamespace is the index partition holding picture colors.
const DefaultNamespace = "photos"

// MaxBatchSize is the hard per-request limit of the remote index for upserts.
const MaxBatchSize = 1000

// Index defines the operations the search and sync layers need from a vector index.
type Index interface {
	// Configured reports whether credentials for the index are present.
	Configured() bool

	// Upsert writes entries in chunks. It never fails as a whole; per-chunk
	// failures are reported in the result.
	Upsert(ctx context.Context, entries []models.IndexEntry) UpsertResult

	// Query returns up to topK nearest entries. An empty slice is a valid answer.
	Query(ctx context.Context, target models.RGB, topK int, filter map[string]any) ([]models.SearchResult, error)

	// Stats describes the index contents.
	Stats(ctx context.Context) (Stats, error)

	// Delete removes ids. Missing ids are not an error.
	Delete(ctx context.Context, ids []models.ImageID) (int, error)

	// ClearNamespace removes every entry of the namespace.
	ClearNamespace(ctx context.Context) error

	// TestConnection checks the index. It never returns an error; failures
	// are reported through the status.
	TestConnection(ctx context.Context) ConnectionStatus
}

// UpsertResult summarizes a chunked upsert.
type UpsertResult struct {
	// Err is a *PartialBatchFailure when at least one chunk failed.
	Err error `json:"-"`
	// Rejected lists entries never sent because their color was out of range.
	Rejected     []models.ImageID `json:"rejected,omitempty"`
	Requested    int              `json:"requested"`
	Succeeded    int              `json:"succeeded"`
	Chunks       int              `json:"chunks"`
	FailedChunks int              `json:"failed_chunks"`
}

// Stats is the index content summary.
type Stats struct {
	PerNamespace  map[string]int64 `json:"per_namespace"`
	Total         int64            `json:"total"`
	Dimension     int              `json:"dimension"`
	FullnessRatio float64          `json:"fullness_ratio"`
}

// Connection status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ConnectionStatus is the outcome of a connectivity check.
type ConnectionStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Host      string `json:"host,omitempty"`
	Metric    string `json:"metric,omitempty"`
	State     string `json:"state,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
}

// Chunk splits entries into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || size > MaxBatchSize {
		size = MaxBatchSize
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// EntryMetadata builds the metadata stored alongside a picture's vector.
func EntryMetadata(entry models.IndexEntry) map[string]any {
	md := make(map[string]any, len(entry.Metadata)+5)
	for k, v := range entry.Metadata {
		md[k] = v
	}
	md["picture_id"] = int64(entry.ID)
	md["hex"] = entry.Color.Hex()
	md["r"] = entry.Color[0]
	md["g"] = entry.Color[1]
	md["b"] = entry.Color[2]
	return md
}
