// Package metric provides the distance functions of the engine and the
// validation applied to vectors at the engine boundary.
//
// All distance functions return a value where smaller means closer, so
// that results of any metric can be ranked by ascending distance.
package metric

import (
	"math"

	"github.com/hupe1980/stratum/model"
)

// DistanceFunc calculates the distance between two vectors of equal
// length. Dimension is enforced once at the validation boundary, so the
// kernels themselves do not re-check it.
type DistanceFunc func(a, b []float32) float32

// SquaredL2 returns the squared Euclidean distance.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Dot returns the negated dot product, so that a larger dot product
// ranks as a smaller distance.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return -sum
}

// Cosine returns the cosine distance 1 - cos(a, b).
//
// Both vectors must be non-zero; zero vectors are rejected by Validate
// before any cosine distance is computed, so the division below cannot
// produce NaN.
func Cosine(a, b []float32) float32 {
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	return 1 - dot/(sqrt32(na)*sqrt32(nb))
}

// Magnitude returns the L2 norm of v.
func Magnitude(v []float32) float32 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	return sqrt32(sum)
}

func sqrt32(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

// For returns the distance function for the given metric.
func For(m model.DistanceMetric) DistanceFunc {
	switch m {
	case model.MetricCosine:
		return Cosine
	case model.MetricDot:
		return Dot
	default:
		return SquaredL2
	}
}

// IsZero reports whether every component of v is exactly zero.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Validate checks a vector against the collection's dimension and
// metric. It rejects dimension mismatches for all metrics and exact
// zero vectors under cosine, where the direction is undefined. Zero
// vectors are accepted for L2 and dot product.
func Validate(v []float32, dimension int, m model.DistanceMetric) error {
	if len(v) != dimension {
		return model.NewValidationError("dimension mismatch: expected %d, got %d", dimension, len(v))
	}
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return model.NewValidationError("vector contains non-finite component")
		}
	}
	if m == model.MetricCosine && IsZero(v) {
		return model.NewValidationError("zero vector is not allowed with cosine metric")
	}
	return nil
}
