package vector

import (
	"errors"
	"fmt"
	"strings"

	"github.com/thebtf/chromaseek/pkg/models"
)

// ErrIndexUnavailable marks network failures, timeouts and non-2xx answers
// from the remote index. Callers recover by falling back to local search.
var ErrIndexUnavailable = errors.New("vector index unavailable")

// ConfigurationError reports missing or invalid index credentials. It only
// disables the remote path.
type ConfigurationError struct {
	Field string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("vector index not configured: missing %s", e.Field)
}

// ChunkFailure records one failed upsert request.
type ChunkFailure struct {
	Err   error
	IDs   []models.ImageID
	Index int
	Size  int
}

// PartialBatchFailure lists the chunks that failed during an upsert.
type PartialBatchFailure struct {
	Failures []ChunkFailure
	Total    int
}

func (e *PartialBatchFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("chunk %d (%d entries): %v", f.Index, f.Size, f.Err))
	}
	return fmt.Sprintf("%d of %d upsert chunks failed: %s", len(e.Failures), e.Total, strings.Join(parts, "; "))
}

// FailedIDs returns the ids of every entry in a failed chunk.
func (e *PartialBatchFailure) FailedIDs() map[models.ImageID]bool {
	out := make(map[models.ImageID]bool)
	for _, f := range e.Failures {
		for _, id := range f.IDs {
			out[id] = true
		}
	}
	return out
}

// Unwrap exposes the chunk causes to errors.Is / errors.As.
func (e *PartialBatchFailure) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Unavailable wraps err so that it matches ErrIndexUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIndexUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIndexUnavailable, err)
}
