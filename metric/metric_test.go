package metric

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/stratum/model"
)

func TestSquaredL2(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 6, 3}
	assert.InDelta(t, 25.0, SquaredL2(a, b), 1e-6)
	assert.Zero(t, SquaredL2(a, a))
}

func TestDot(t *testing.T) {
	a := []float32{1, 0, 2}
	b := []float32{3, 5, 1}
	// Negated so that larger dot products rank closer.
	assert.InDelta(t, -5.0, Dot(a, b), 1e-6)
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	c := []float32{2, 0}

	assert.InDelta(t, 1.0, Cosine(a, b), 1e-6)
	assert.InDelta(t, 0.0, Cosine(a, c), 1e-6)
}

func TestValidateDimension(t *testing.T) {
	err := Validate([]float32{1, 2}, 3, model.MetricL2)
	require.Error(t, err)

	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestValidateZeroVector(t *testing.T) {
	zero := []float32{0, 0, 0}

	// Rejected under cosine: the direction of a zero vector is undefined.
	err := Validate(zero, 3, model.MetricCosine)
	require.Error(t, err)
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)

	// Accepted under L2 and dot, producing finite distances.
	require.NoError(t, Validate(zero, 3, model.MetricL2))
	require.NoError(t, Validate(zero, 3, model.MetricDot))

	other := []float32{1, 2, 3}
	assert.False(t, math.IsNaN(float64(SquaredL2(zero, other))))
	assert.False(t, math.IsNaN(float64(Dot(zero, other))))
}

func TestValidateNonFinite(t *testing.T) {
	err := Validate([]float32{1, float32(math.NaN()), 3}, 3, model.MetricL2)
	require.Error(t, err)

	err = Validate([]float32{1, float32(math.Inf(1)), 3}, 3, model.MetricL2)
	require.Error(t, err)
}

func TestForSelectsMetric(t *testing.T) {
	a := []float32{1, 2}
	b := []float32{3, 4}

	assert.Equal(t, SquaredL2(a, b), For(model.MetricL2)(a, b))
	assert.Equal(t, Dot(a, b), For(model.MetricDot)(a, b))
	assert.Equal(t, Cosine(a, b), For(model.MetricCosine)(a, b))
}
