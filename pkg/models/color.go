// Package models contains domain models for chromaseek.
package models

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidColor is returned when a color is outside the 0..255 range or cannot be parsed.
var ErrInvalidColor = errors.New("invalid color")

// ErrInvalidVector is returned when a ColorVector component is outside [0,1].
var ErrInvalidVector = errors.New("invalid color vector")

// RGB is a color with 8-bit channels stored as ints (0..255).
type RGB [3]int

// Valid reports whether every channel lies in [0,255].
func (c RGB) Valid() bool {
	for _, ch := range c {
		if ch < 0 || ch > 255 {
			return false
		}
	}
	return true
}

// Hex returns the lowercase #rrggbb form.
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2])
}

func (c RGB) String() string {
	return fmt.Sprintf("rgb(%d,%d,%d)", c[0], c[1], c[2])
}

// Normalize maps the color onto the unit cube.
func (c RGB) Normalize() ColorVector {
	return ColorVector{
		float32(c[0]) / 255,
		float32(c[1]) / 255,
		float32(c[2]) / 255,
	}
}

// ParseHex parses "#rrggbb", "rrggbb" or the short "#rgb" form.
func ParseHex(s string) (RGB, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return RGB{}, fmt.Errorf("%w: hex %q", ErrInvalidColor, s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return RGB{}, fmt.Errorf("%w: hex %q", ErrInvalidColor, s)
	}
	return RGB{int(v >> 16 & 0xff), int(v >> 8 & 0xff), int(v & 0xff)}, nil
}

// ParseRGB parses "r,g,b" (spaces allowed) into a validated color.
func ParseRGB(s string) (RGB, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return RGB{}, fmt.Errorf("%w: %q needs three channels", ErrInvalidColor, s)
	}
	var c RGB
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return RGB{}, fmt.Errorf("%w: channel %q", ErrInvalidColor, p)
		}
		c[i] = v
	}
	if !c.Valid() {
		return RGB{}, fmt.Errorf("%w: %v out of range", ErrInvalidColor, c)
	}
	return c, nil
}

// ColorVector is an RGB color normalized to [0,1] per channel.
type ColorVector [3]float32

// NewColorVector validates that values has exactly three components in [0,1].
func NewColorVector(values []float32) (ColorVector, error) {
	if len(values) != 3 {
		return ColorVector{}, fmt.Errorf("%w: got %d components", ErrInvalidVector, len(values))
	}
	var v ColorVector
	for i, x := range values {
		if math.IsNaN(float64(x)) || x < 0 || x > 1 {
			return ColorVector{}, fmt.Errorf("%w: component %d = %v", ErrInvalidVector, i, x)
		}
		v[i] = x
	}
	return v, nil
}

// RGB maps the vector back to 8-bit channels, rounding to the nearest value.
func (v ColorVector) RGB() RGB {
	return RGB{
		int(math.Round(float64(v[0]) * 255)),
		int(math.Round(float64(v[1]) * 255)),
		int(math.Round(float64(v[2]) * 255)),
	}
}

// Slice returns the components as a slice for wire encoding.
func (v ColorVector) Slice() []float32 {
	return []float32{v[0], v[1], v[2]}
}
