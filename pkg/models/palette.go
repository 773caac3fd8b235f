package models

import (
	"bytes"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// ErrMalformedPalette is returned when no dominant color can be resolved from a palette.
var ErrMalformedPalette = errors.New("malformed palette")

// Palette is the ordered list of representative colors of an image,
// dominant color first.
type Palette []RGB

// Dominant returns the first color of the palette.
func (p Palette) Dominant() (RGB, error) {
	if len(p) == 0 {
		return RGB{}, fmt.Errorf("%w: empty palette", ErrMalformedPalette)
	}
	if !p[0].Valid() {
		return RGB{}, fmt.Errorf("%w: dominant %v out of range", ErrMalformedPalette, p[0])
	}
	return p[0], nil
}

// Value implements driver.Valuer, storing the palette as a JSON list of triples.
func (p Palette) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal([]RGB(p))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner. Any of the tolerated shapes is accepted and
// normalized into a list; unresolvable content yields an empty palette.
func (p *Palette) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("palette: unsupported scan type %T", src)
	}
	shape, err := DecodePalette(raw)
	if err != nil {
		return err
	}
	*p = shape.Colors
	return nil
}

// ShapeKind tags the layout a stored palette arrived in.
type ShapeKind int

const (
	ShapeUnknown ShapeKind = iota
	// ShapeList is a list of triples: [[r,g,b], [r,g,b], ...].
	ShapeList
	// ShapeDominantKeyed is an object with a "dominant" triple: {"dominant": [r,g,b], ...}.
	ShapeDominantKeyed
	// ShapeFlatTriple is a bare triple: [r,g,b].
	ShapeFlatTriple
)

func (k ShapeKind) String() string {
	switch k {
	case ShapeList:
		return "list"
	case ShapeDominantKeyed:
		return "dominant_keyed"
	case ShapeFlatTriple:
		return "flat_triple"
	}
	return "unknown"
}

// PaletteShape is a palette resolved once at the data boundary.
type PaletteShape struct {
	// candidate holds the raw channels picked for the dominant color.
	candidate []float64
	// Colors holds every in-range triple found, dominant candidate first.
	Colors Palette
	Kind   ShapeKind
}

// Dominant coerces the candidate triple to integers and validates the range.
func (s PaletteShape) Dominant() (RGB, error) {
	if s.Kind == ShapeUnknown || len(s.candidate) != 3 {
		return RGB{}, fmt.Errorf("%w: no dominant color", ErrMalformedPalette)
	}
	var c RGB
	for i, f := range s.candidate {
		c[i] = int(f)
	}
	if !c.Valid() {
		return RGB{}, fmt.Errorf("%w: dominant %v out of range", ErrMalformedPalette, c)
	}
	return c, nil
}

// DecodePalette parses raw JSON and classifies it. Empty input is an
// unknown shape, not an error; invalid JSON is an error.
func DecodePalette(raw []byte) (PaletteShape, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return PaletteShape{}, nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return PaletteShape{}, fmt.Errorf("%w: %v", ErrMalformedPalette, err)
	}
	return ClassifyPalette(v), nil
}

// ClassifyPalette resolves the shape of an already decoded palette value.
// Resolution order:
//  1. the first element is a numeric triple
//  2. the "dominant" key holds a numeric triple
//  3. the value itself is a numeric triple
func ClassifyPalette(raw any) PaletteShape {
	switch v := raw.(type) {
	case nil:
		return PaletteShape{}
	case []byte:
		shape, _ := DecodePalette(v)
		return shape
	case json.RawMessage:
		shape, _ := DecodePalette(v)
		return shape
	}

	list, isList := asList(raw)
	if isList && len(list) > 0 {
		if first, ok := asList(list[0]); ok {
			if triple, ok := numericTriple(first); ok {
				return PaletteShape{Kind: ShapeList, candidate: triple, Colors: collectTriples(list)}
			}
		}
	}

	if m, ok := asMap(raw); ok {
		if d, ok := m["dominant"]; ok {
			if dl, ok := asList(d); ok {
				if triple, ok := numericTriple(dl); ok {
					colors := collectTriples([]any{dl})
					for _, key := range []string{"colors", "palette"} {
						if rest, ok := asList(m[key]); ok {
							colors = append(colors, collectTriples(rest)...)
						}
					}
					return PaletteShape{Kind: ShapeDominantKeyed, candidate: triple, Colors: colors}
				}
			}
		}
	}

	if isList {
		if triple, ok := numericTriple(list); ok {
			return PaletteShape{Kind: ShapeFlatTriple, candidate: triple, Colors: collectTriples([]any{list})}
		}
	}

	return PaletteShape{}
}

// ResolveDominant returns the dominant color of a palette in any tolerated shape.
func ResolveDominant(raw any) (RGB, error) {
	return ClassifyPalette(raw).Dominant()
}

func collectTriples(items []any) Palette {
	out := make(Palette, 0, len(items))
	for _, item := range items {
		l, ok := asList(item)
		if !ok {
			continue
		}
		triple, ok := numericTriple(l)
		if !ok {
			continue
		}
		c := RGB{int(triple[0]), int(triple[1]), int(triple[2])}
		if c.Valid() {
			out = append(out, c)
		}
	}
	return out
}

func numericTriple(items []any) ([]float64, bool) {
	if len(items) != 3 {
		return nil, false
	}
	out := make([]float64, 3)
	for i, item := range items {
		f, ok := toFloat(item)
		if !ok {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint8:
		return float64(n), true
	case float64:
		return finite(n)
	case float32:
		return finite(float64(n))
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return finite(f)
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return finite(f)
	}
	return 0, false
}

func finite(f float64) (float64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case nil:
		return nil, false
	case []any:
		return l, true
	case string, []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func asMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}
