package gorm

import (
	"database/sql"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/chromaseek/pkg/models"
)

// GORM Models

// Picture is a stored picture with its extracted palette.
type Picture struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
	IndexedAt sql.NullTime   `gorm:"index:idx_pictures_indexed"`
	Path      string         `gorm:"uniqueIndex;not null"`
	Title     string         `gorm:"type:text"`
	// Palette holds the palette JSON as written by the extractor or importer.
	// Its shape varies; it is resolved at read time.
	Palette  sql.NullString `gorm:"type:text"`
	ID       int64          `gorm:"primaryKey;autoIncrement"`
	FolderID int64          `gorm:"index;not null;default:0"`
	Width    int
	Height   int
	RegionX  sql.NullInt64
	RegionY  sql.NullInt64
	RegionW  sql.NullInt64
	RegionH  sql.NullInt64
}

func (Picture) TableName() string { return "pictures" }

// toModel converts the row to the synchronizer's view.
func (p *Picture) toModel() models.Picture {
	out := models.Picture{
		ID:       models.ImageID(p.ID),
		FolderID: p.FolderID,
		Path:     p.Path,
		Title:    p.Title,
	}
	if p.Palette.Valid && p.Palette.String != "" {
		out.Palette = []byte(p.Palette.String)
	}
	if p.IndexedAt.Valid {
		t := p.IndexedAt.Time
		out.IndexedAt = &t
	}
	if p.RegionW.Valid && p.RegionH.Valid {
		r := models.Region{
			X:      int(p.RegionX.Int64),
			Y:      int(p.RegionY.Int64),
			Width:  int(p.RegionW.Int64),
			Height: int(p.RegionH.Int64),
		}
		if !r.Empty() {
			out.Region = &r
		}
	}
	return out
}

// toMeta converts the row to the metadata returned with search results.
func (p *Picture) toMeta() models.PictureMeta {
	meta := models.PictureMeta{
		ID:       models.ImageID(p.ID),
		FolderID: p.FolderID,
		Path:     p.Path,
		Title:    p.Title,
		Width:    p.Width,
		Height:   p.Height,
	}
	if p.Palette.Valid {
		if dominant, err := models.ResolveDominant([]byte(p.Palette.String)); err == nil {
			meta.DominantHex = dominant.Hex()
		}
	}
	return meta
}

// SyncRun records one batch synchronization.
type SyncRun struct {
	StartedAt  time.Time      `gorm:"index:idx_sync_runs_started,sort:desc;not null" json:"started_at"`
	FinishedAt sql.NullTime   `json:"finished_at"`
	RunID      string         `gorm:"uniqueIndex;not null" json:"run_id"`
	Strategy   string         `gorm:"type:text;not null" json:"strategy"`
	Error      sql.NullString `json:"error"`
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Considered int            `json:"considered"`
	Processed  int            `json:"processed"`
	Skipped    int            `json:"skipped"`
	Errors     int            `json:"errors"`
	DryRun     bool           `json:"dry_run"`
	Force      bool           `json:"force"`
	Degraded   bool           `json:"degraded"`
}

func (SyncRun) TableName() string { return "sync_runs" }
