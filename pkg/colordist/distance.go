// Package colordist provides distance and similarity functions over RGB triples.
package colordist

import (
	"fmt"
	"math"
	"strings"
)

// Method selects the distance metric.
type Method string

const (
	Euclidean Method = "euclidean"
	Manhattan Method = "manhattan"
	Weighted  Method = "weighted"
)

// Perceptual channel weights used by the weighted metric.
const (
	WeightR = 0.30
	WeightG = 0.59
	WeightB = 0.11
)

const channelMax = 255.0

// Methods lists every supported metric.
var Methods = []Method{Euclidean, Manhattan, Weighted}

// ParseMethod converts a user supplied name into a Method.
// An empty name selects Euclidean.
func ParseMethod(name string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(name))) {
	case "", Euclidean:
		return Euclidean, nil
	case Manhattan:
		return Manhattan, nil
	case Weighted:
		return Weighted, nil
	}
	return "", fmt.Errorf("unknown distance method %q", name)
}

// Valid reports whether m names a supported metric.
func (m Method) Valid() bool {
	switch m {
	case Euclidean, Manhattan, Weighted:
		return true
	}
	return false
}

// Distance returns the distance between two RGB triples (channels 0..255).
// Unknown methods are treated as Euclidean.
func Distance(c1, c2 [3]int, method Method) float64 {
	dr := float64(c1[0] - c2[0])
	dg := float64(c1[1] - c2[1])
	db := float64(c1[2] - c2[2])

	switch method {
	case Manhattan:
		return math.Abs(dr) + math.Abs(dg) + math.Abs(db)
	case Weighted:
		return math.Sqrt(WeightR*dr*dr + WeightG*dg*dg + WeightB*db*db)
	default:
		return math.Sqrt(dr*dr + dg*dg + db*db)
	}
}

// MaxDistance returns the largest distance the method can produce
// between two valid RGB triples.
func MaxDistance(method Method) float64 {
	switch method {
	case Manhattan:
		return 3 * channelMax
	case Weighted:
		return math.Sqrt(WeightR+WeightG+WeightB) * channelMax
	default:
		return math.Sqrt(3 * channelMax * channelMax)
	}
}

// SimilarityFromDistance maps a distance onto [0,1], 1 meaning identical.
func SimilarityFromDistance(distance float64, method Method) float64 {
	return clamp01(1 - distance/MaxDistance(method))
}

// DistanceFromSimilarity is the inverse of SimilarityFromDistance for
// similarities already inside [0,1].
func DistanceFromSimilarity(similarity float64, method Method) float64 {
	return (1 - clamp01(similarity)) * MaxDistance(method)
}

// Similarity returns the normalized similarity of two RGB triples.
func Similarity(c1, c2 [3]int, method Method) float64 {
	return SimilarityFromDistance(Distance(c1, c2, method), method)
}

// Threshold converts a 0..255 tolerance into an absolute distance for method.
func Threshold(tolerance float64, method Method) float64 {
	if tolerance < 0 {
		tolerance = 0
	}
	if tolerance > channelMax {
		tolerance = channelMax
	}
	return tolerance / channelMax * MaxDistance(method)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
