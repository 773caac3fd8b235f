package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thebtf/chromaseek/pkg/models"
)

func TestMatchFilter(t *testing.T) {
	md := EntryMetadata(models.IndexEntry{
		ID:       42,
		Color:    models.RGB{250, 10, 10},
		Metadata: map[string]any{"folder_id": int64(7), "title": "sunset"},
	})

	tests := []struct {
		name   string
		filter map[string]any
		want   bool
	}{
		{"empty", nil, true},
		{"plain equality", map[string]any{"folder_id": 7.0}, true},
		{"plain mismatch", map[string]any{"folder_id": 8.0}, false},
		{"missing key", map[string]any{"album": "x"}, false},
		{"string equality", map[string]any{"title": "sunset"}, true},
		{"hex", map[string]any{"hex": "#fa0a0a"}, true},
		{"picture id", map[string]any{"picture_id": 42.0}, true},
		{"eq", map[string]any{"r": map[string]any{"$eq": 250.0}}, true},
		{"ne", map[string]any{"r": map[string]any{"$ne": 250.0}}, false},
		{"ne on missing key", map[string]any{"album": map[string]any{"$ne": "x"}}, true},
		{"in", map[string]any{"folder_id": map[string]any{"$in": []any{1.0, 7.0}}}, true},
		{"in miss", map[string]any{"folder_id": map[string]any{"$in": []any{1.0, 2.0}}}, false},
		{"nin", map[string]any{"title": map[string]any{"$nin": []any{"dawn"}}}, true},
		{"range", map[string]any{"r": map[string]any{"$gte": 200.0, "$lt": 251.0}}, true},
		{"range miss", map[string]any{"g": map[string]any{"$gt": 10.0}}, false},
		{"string is not a number", map[string]any{"title": map[string]any{"$gt": 1.0}}, false},
		{"unknown operator", map[string]any{"r": map[string]any{"$regex": "2.*"}}, false},
		{"and", map[string]any{"$and": []any{
			map[string]any{"folder_id": 7.0},
			map[string]any{"hex": "#fa0a0a"},
		}}, true},
		{"or", map[string]any{"$or": []any{
			map[string]any{"folder_id": 1.0},
			map[string]any{"title": "sunset"},
		}}, true},
		{"or miss", map[string]any{"$or": []any{
			map[string]any{"folder_id": 1.0},
			map[string]any{"title": "dawn"},
		}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchFilter(md, tt.filter))
		})
	}
}
