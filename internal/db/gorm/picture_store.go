package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/chromaseek/internal/vector/local"
	"github.com/thebtf/chromaseek/pkg/models"
)

// ErrPictureNotFound is returned when a picture id does not exist or was deleted.
var ErrPictureNotFound = errors.New("picture not found")

// PictureStore provides picture and palette operations.
type PictureStore struct {
	db *gorm.DB
}

// NewPictureStore creates a new picture store.
func NewPictureStore(store *Store) *PictureStore {
	return &PictureStore{db: store.DB}
}

// PictureInput describes a picture to import.
type PictureInput struct {
	Region   *models.Region  `json:"region,omitempty"`
	Path     string          `json:"path"`
	Title    string          `json:"title,omitempty"`
	Palette  json.RawMessage `json:"palette,omitempty"`
	FolderID int64           `json:"folder_id,omitempty"`
	Width    int             `json:"width,omitempty"`
	Height   int             `json:"height,omitempty"`
}

// UpsertPicture inserts a picture or updates the one with the same path.
// A changed palette clears the indexed marker.
func (s *PictureStore) UpsertPicture(ctx context.Context, in PictureInput) (models.ImageID, error) {
	if in.Path == "" {
		return 0, fmt.Errorf("picture path is empty")
	}
	row := Picture{
		Path:     in.Path,
		Title:    in.Title,
		FolderID: in.FolderID,
		Width:    in.Width,
		Height:   in.Height,
	}
	if len(in.Palette) > 0 {
		row.Palette = sql.NullString{String: string(in.Palette), Valid: true}
	}
	if in.Region != nil {
		row.RegionX = sql.NullInt64{Int64: int64(in.Region.X), Valid: true}
		row.RegionY = sql.NullInt64{Int64: int64(in.Region.Y), Valid: true}
		row.RegionW = sql.NullInt64{Int64: int64(in.Region.Width), Valid: true}
		row.RegionH = sql.NullInt64{Int64: int64(in.Region.Height), Valid: true}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Picture
		err := tx.Unscoped().Where("path = ?", in.Path).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&row).Error
		case err != nil:
			return err
		}

		row.ID = existing.ID
		if existing.Palette == row.Palette {
			row.IndexedAt = existing.IndexedAt
		}
		return tx.Unscoped().Model(&existing).Select("*").Omit("id", "created_at").Updates(&row).Error
	})
	if err != nil {
		return 0, fmt.Errorf("upsert picture %s: %w", in.Path, err)
	}
	return models.ImageID(row.ID), nil
}

// DeletePicture soft-deletes a picture.
func (s *PictureStore) DeletePicture(ctx context.Context, id models.ImageID) error {
	res := s.db.WithContext(ctx).Delete(&Picture{}, int64(id))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPictureNotFound
	}
	return nil
}

// GetPalette returns the stored palette colors of a picture, nil when none
// was stored. Malformed palettes yield models.ErrMalformedPalette.
func (s *PictureStore) GetPalette(ctx context.Context, id models.ImageID) (models.Palette, error) {
	var row Picture
	err := s.db.WithContext(ctx).Select("id", "palette").First(&row, int64(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPictureNotFound
	}
	if err != nil {
		return nil, err
	}
	if !row.Palette.Valid || row.Palette.String == "" {
		return nil, nil
	}
	shape, err := models.DecodePalette([]byte(row.Palette.String))
	if err != nil {
		return nil, err
	}
	if shape.Kind == models.ShapeUnknown {
		return nil, fmt.Errorf("%w: picture %d", models.ErrMalformedPalette, id)
	}
	return shape.Colors, nil
}

// SavePalette stores an extracted palette, dominant color first.
func (s *PictureStore) SavePalette(ctx context.Context, id models.ImageID, palette models.Palette) error {
	data, err := json.Marshal(palette)
	if err != nil {
		return fmt.Errorf("encode palette: %w", err)
	}
	res := s.db.WithContext(ctx).
		Model(&Picture{}).
		Where("id = ?", int64(id)).
		Update("palette", string(data))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPictureNotFound
	}
	return nil
}

// ListNeedingSync returns a page of pictures ordered by id. With onlyMissing,
// pictures already indexed are left out.
func (s *PictureStore) ListNeedingSync(ctx context.Context, limit, offset int, onlyMissing bool) ([]models.Picture, error) {
	q := s.db.WithContext(ctx).Model(&Picture{}).Order("id ASC")
	if onlyMissing {
		q = q.Where("indexed_at IS NULL")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	var rows []Picture
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return toModels(rows), nil
}

// GetForSync loads pictures by id, in id order. Deleted ids are absent.
func (s *PictureStore) GetForSync(ctx context.Context, ids []models.ImageID) ([]models.Picture, error) {
	if len(ids) == 0 {
		return []models.Picture{}, nil
	}
	var rows []Picture
	err := s.db.WithContext(ctx).
		Where("id IN ?", toInt64s(ids)).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModels(rows), nil
}

// MarkIndexed records that pictures were written to the vector index.
func (s *PictureStore) MarkIndexed(ctx context.Context, ids []models.ImageID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&Picture{}).
		Where("id IN ?", toInt64s(ids)).
		Update("indexed_at", at).Error
}

// ClearIndexed forgets every indexed marker, e.g. after the namespace was wiped.
func (s *PictureStore) ClearIndexed(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&Picture{}).
		Where("indexed_at IS NOT NULL").
		Update("indexed_at", nil)
	return res.RowsAffected, res.Error
}

// GetPictures returns metadata for the given ids. Missing and deleted ids are
// left out of the map.
func (s *PictureStore) GetPictures(ctx context.Context, ids []models.ImageID) (map[models.ImageID]models.PictureMeta, error) {
	out := make(map[models.ImageID]models.PictureMeta, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []Picture
	if err := s.db.WithContext(ctx).Where("id IN ?", toInt64s(ids)).Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		out[models.ImageID(rows[i].ID)] = rows[i].toMeta()
	}
	return out, nil
}

// AllPalettes lists every stored palette for the local matcher.
func (s *PictureStore) AllPalettes(ctx context.Context) ([]local.PaletteRecord, error) {
	var rows []Picture
	err := s.db.WithContext(ctx).
		Select("id", "folder_id", "title", "palette").
		Where("palette IS NOT NULL AND palette <> ''").
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}}).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	records := make([]local.PaletteRecord, 0, len(rows))
	for _, row := range rows {
		md := map[string]any{"folder_id": row.FolderID}
		if row.Title != "" {
			md["title"] = row.Title
		}
		records = append(records, local.PaletteRecord{
			ID:       models.ImageID(row.ID),
			Raw:      json.RawMessage(row.Palette.String),
			Metadata: md,
		})
	}
	return records, nil
}

// PictureStats counts pictures by sync state.
type PictureStats struct {
	Total       int64 `json:"total"`
	WithPalette int64 `json:"with_palette"`
	Indexed     int64 `json:"indexed"`
	Pending     int64 `json:"pending"`
}

// Stats counts pictures by sync state.
func (s *PictureStore) Stats(ctx context.Context) (PictureStats, error) {
	var st PictureStats
	db := s.db.WithContext(ctx).Model(&Picture{})
	if err := db.Count(&st.Total).Error; err != nil {
		return st, err
	}
	if err := s.db.WithContext(ctx).Model(&Picture{}).
		Where("palette IS NOT NULL AND palette <> ''").Count(&st.WithPalette).Error; err != nil {
		return st, err
	}
	if err := s.db.WithContext(ctx).Model(&Picture{}).
		Where("indexed_at IS NOT NULL").Count(&st.Indexed).Error; err != nil {
		return st, err
	}
	st.Pending = st.Total - st.Indexed
	return st, nil
}

func toModels(rows []Picture) []models.Picture {
	out := make([]models.Picture, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out
}

func toInt64s(ids []models.ImageID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
