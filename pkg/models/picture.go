package models

import "time"

// Region is a rectangle of interest inside an image, in pixels.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether the region covers no pixels.
func (r Region) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Picture is a stored picture as the synchronizer sees it.
type Picture struct {
	IndexedAt *time.Time
	Region    *Region
	Title     string
	Path      string
	// Palette is the stored palette JSON exactly as written, nil when absent.
	Palette  []byte
	ID       ImageID
	FolderID int64
}

// HasPalette reports whether a palette was stored.
func (p *Picture) HasPalette() bool {
	return len(p.Palette) > 0
}

// IndexMetadata is the metadata stored with the picture's index entry.
func (p *Picture) IndexMetadata() map[string]any {
	md := map[string]any{"folder_id": p.FolderID}
	if p.Title != "" {
		md["title"] = p.Title
	}
	return md
}
