package models

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// PaletteSuite is a test suite for palette resolution.
type PaletteSuite struct {
	suite.Suite
}

func TestPaletteSuite(t *testing.T) {
	suite.Run(t, new(PaletteSuite))
}

// TestResolveDominant_Shapes tests every tolerated palette layout.
func (s *PaletteSuite) TestResolveDominant_Shapes() {
	tests := []struct {
		name     string
		raw      string
		expected RGB
		kind     ShapeKind
	}{
		{"list of triples", `[[10,20,30],[200,200,200]]`, RGB{10, 20, 30}, ShapeList},
		{"dominant keyed", `{"dominant":[10,20,30]}`, RGB{10, 20, 30}, ShapeDominantKeyed},
		{"dominant keyed with colors", `{"dominant":[10,20,30],"colors":[[1,2,3]]}`, RGB{10, 20, 30}, ShapeDominantKeyed},
		{"flat triple", `[10,20,30]`, RGB{10, 20, 30}, ShapeFlatTriple},
		{"float channels truncated", `[[10.9,20.2,30.5]]`, RGB{10, 20, 30}, ShapeList},
		{"string channels", `{"dominant":["10","20","30"]}`, RGB{10, 20, 30}, ShapeDominantKeyed},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			shape, err := DecodePalette([]byte(tt.raw))
			s.Require().NoError(err)
			s.Equal(tt.kind, shape.Kind)

			c, err := shape.Dominant()
			s.Require().NoError(err)
			s.Equal(tt.expected, c)
		})
	}
}

// TestResolveDominant_RoundTrip tests that all shapes of one triple agree.
func (s *PaletteSuite) TestResolveDominant_RoundTrip() {
	for _, c := range []RGB{{0, 0, 0}, {255, 255, 255}, {12, 99, 240}} {
		list, err := ResolveDominant([]any{[]any{c[0], c[1], c[2]}})
		s.Require().NoError(err)
		keyed, err := ResolveDominant(map[string]any{"dominant": []int{c[0], c[1], c[2]}})
		s.Require().NoError(err)
		flat, err := ResolveDominant(c)
		s.Require().NoError(err)

		s.Equal(c, list)
		s.Equal(c, keyed)
		s.Equal(c, flat)
	}
}

// TestResolveDominant_Malformed tests that unresolvable palettes are reported.
func (s *PaletteSuite) TestResolveDominant_Malformed() {
	tests := []struct {
		name string
		raw  any
	}{
		{"nil", nil},
		{"empty list", []any{}},
		{"two channels", []any{1, 2}},
		{"out of range", []any{[]any{256, 0, 0}}},
		{"negative", map[string]any{"dominant": []any{-1, 0, 0}}},
		{"non numeric", []any{[]any{"red", 0, 0}}},
		{"map without dominant", map[string]any{"colors": []any{[]any{1, 2, 3}}}},
		{"scalar", 42},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := ResolveDominant(tt.raw)
			s.ErrorIs(err, ErrMalformedPalette)
		})
	}
}

// TestResolveDominant_Typed tests typed palettes skip the JSON boundary.
func (s *PaletteSuite) TestResolveDominant_Typed() {
	c, err := ResolveDominant(Palette{{1, 2, 3}, {4, 5, 6}})
	s.NoError(err)
	s.Equal(RGB{1, 2, 3}, c)

	c, err = ResolveDominant([]byte(`{"dominant":[7,8,9]}`))
	s.NoError(err)
	s.Equal(RGB{7, 8, 9}, c)
}

func TestDecodePalette_InvalidJSON(t *testing.T) {
	_, err := DecodePalette([]byte(`[[1,2,`))
	require.ErrorIs(t, err, ErrMalformedPalette)

	shape, err := DecodePalette(nil)
	require.NoError(t, err)
	assert.Equal(t, ShapeUnknown, shape.Kind)
}

func TestPalette_ScanNormalizesShapes(t *testing.T) {
	var p Palette
	require.NoError(t, p.Scan(`{"dominant":[10,20,30],"palette":[[40,50,60],[999,0,0]]}`))
	assert.Equal(t, Palette{{10, 20, 30}, {40, 50, 60}}, p)

	require.NoError(t, p.Scan([]byte(`[1,2,3]`)))
	assert.Equal(t, Palette{{1, 2, 3}}, p)

	require.NoError(t, p.Scan(nil))
	assert.Nil(t, p)
}

func TestPalette_Value(t *testing.T) {
	v, err := Palette{{1, 2, 3}, {4, 5, 6}}.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `[[1,2,3],[4,5,6]]`, v.(string))

	var back [][]int
	require.NoError(t, json.Unmarshal([]byte(v.(string)), &back))
	assert.Len(t, back, 2)
}

func TestPalette_Dominant(t *testing.T) {
	_, err := Palette{}.Dominant()
	assert.ErrorIs(t, err, ErrMalformedPalette)

	c, err := Palette{{9, 9, 9}}.Dominant()
	assert.NoError(t, err)
	assert.Equal(t, RGB{9, 9, 9}, c)
}
