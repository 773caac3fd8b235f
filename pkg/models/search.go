package models

import (
	"strconv"

	"github.com/thebtf/chromaseek/pkg/colordist"
)

// ImageID identifies a picture in the picture store.
type ImageID int64

func (id ImageID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseImageID parses the decimal form used as vector ids in the remote index.
func ParseImageID(s string) (ImageID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ImageID(v), nil
}

// Source tells which search path produced a result.
type Source string

const (
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
)

// IndexEntry is the replica of a picture's dominant color kept in the vector index.
type IndexEntry struct {
	Metadata map[string]any
	ID       ImageID
	Color    RGB
}

// SearchQuery describes a color similarity search.
type SearchQuery struct {
	Filter     map[string]any
	Method     colordist.Method
	TopK       int
	Target     RGB
	ForceLocal bool
}

// PictureMeta is the subset of picture metadata returned with search results.
type PictureMeta struct {
	Title       string  `json:"title,omitempty"`
	Path        string  `json:"path"`
	DominantHex string  `json:"dominant_hex,omitempty"`
	ID          ImageID `json:"id"`
	FolderID    int64   `json:"folder_id,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
}

// SearchResult is one ranked match.
type SearchResult struct {
	Picture  *PictureMeta   `json:"picture,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// Color is the matched dominant color when the producing path knows it.
	Color      *RGB    `json:"color,omitempty"`
	Source     Source  `json:"source"`
	ImageID    ImageID `json:"image_id"`
	Similarity float64 `json:"similarity"`
	Distance   float64 `json:"distance"`
}
