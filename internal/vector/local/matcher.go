// Package local provides the brute-force color matcher used when the remote
// vector index cannot answer.
package local

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/chromaseek/internal/vector"
	"github.com/thebtf/chromaseek/pkg/colordist"
	"github.com/thebtf/chromaseek/pkg/models"
)

// PaletteRecord is one picture's stored palette as the matcher sees it.
// Raw keeps the stored shape untouched; it is resolved on every scan.
type PaletteRecord struct {
	Raw      any
	Metadata map[string]any
	ID       models.ImageID
}

// PaletteSource lists every palette in the picture store.
type PaletteSource interface {
	AllPalettes(ctx context.Context) ([]PaletteRecord, error)
}

// MatchReport counts what a scan looked at.
type MatchReport struct {
	Scanned  int `json:"scanned"`
	Skipped  int `json:"skipped"`
	Filtered int `json:"filtered"`
}

// Matcher scans all palettes and ranks them by distance to a target color.
type Matcher struct {
	source PaletteSource
}

// NewMatcher creates a matcher over source.
func NewMatcher(source PaletteSource) *Matcher {
	return &Matcher{source: source}
}

// Match returns the topK closest palettes, nearest first. Ties keep the
// source order. filter is evaluated against the same metadata the remote
// index stores (picture_id, hex, r, g, b plus the record's own keys).
func (m *Matcher) Match(ctx context.Context, target models.RGB, topK int, method colordist.Method, filter map[string]any) ([]models.SearchResult, MatchReport, error) {
	if topK <= 0 {
		return []models.SearchResult{}, MatchReport{}, nil
	}
	cands, report, err := m.scan(ctx, target, method, filter, -1)
	if err != nil {
		return nil, report, err
	}
	return truncate(cands, topK), report, nil
}

// MatchWithin returns palettes whose distance to target is at most threshold,
// nearest first, cut at limit. A limit of 0 or less returns every match.
func (m *Matcher) MatchWithin(ctx context.Context, target models.RGB, threshold float64, limit int, method colordist.Method) ([]models.SearchResult, MatchReport, error) {
	cands, report, err := m.scan(ctx, target, method, nil, threshold)
	if err != nil {
		return nil, report, err
	}
	return truncate(cands, limit), report, nil
}

// scan resolves and scores every palette. A negative threshold disables the
// distance cut.
func (m *Matcher) scan(ctx context.Context, target models.RGB, method colordist.Method, filter map[string]any, threshold float64) ([]models.SearchResult, MatchReport, error) {
	var report MatchReport
	if m.source == nil {
		return nil, report, fmt.Errorf("local matcher has no palette source")
	}
	if !method.Valid() {
		method = colordist.Euclidean
	}

	records, err := m.source.AllPalettes(ctx)
	if err != nil {
		return nil, report, fmt.Errorf("load palettes: %w", err)
	}

	cands := make([]models.SearchResult, 0, len(records))
	for _, rec := range records {
		report.Scanned++
		dominant, resolveErr := models.ResolveDominant(rec.Raw)
		md := rec.Metadata
		if resolveErr == nil {
			md = vector.EntryMetadata(models.IndexEntry{ID: rec.ID, Color: dominant, Metadata: rec.Metadata})
		}
		if len(filter) > 0 && !vector.MatchFilter(md, filter) {
			report.Filtered++
			continue
		}
		if resolveErr != nil {
			report.Skipped++
			log.Debug().Err(resolveErr).Int64("pictureId", int64(rec.ID)).Msg("Skipping palette without dominant color")
			continue
		}

		d := colordist.Distance(target, dominant, method)
		if threshold >= 0 && d > threshold {
			continue
		}
		color := dominant
		cands = append(cands, models.SearchResult{
			ImageID:    rec.ID,
			Distance:   d,
			Similarity: colordist.SimilarityFromDistance(d, method),
			Source:     models.SourceLocal,
			Color:      &color,
			Metadata:   md,
		})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Distance < cands[j].Distance
	})

	if report.Skipped > 0 {
		log.Warn().
			Int("skipped", report.Skipped).
			Int("scanned", report.Scanned).
			Msg("Local color scan skipped malformed palettes")
	}
	return cands, report, nil
}

func truncate(cands []models.SearchResult, limit int) []models.SearchResult {
	if limit > 0 && len(cands) > limit {
		return cands[:limit]
	}
	return cands
}
