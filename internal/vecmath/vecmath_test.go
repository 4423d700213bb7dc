package vecmath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSqEuclid(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 2, 0}
	assert.Equal(t, float32(18), SqEuclid(a, b))
}

func TestManhattan(t *testing.T) {
	a := []float32{1, -2, 3}
	b := []float32{4, 2, 0}
	assert.Equal(t, float32(10), Manhattan(a, b))
}

func TestDot(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	assert.Equal(t, float32(32), Dot(a, b))
}

func TestCosineIdentical(t *testing.T) {
	a := []float32{1, 0, 0}
	assert.InDelta(t, 0, Cosine(a, a), 1e-6)
}

func TestCosineOrthogonal(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	assert.InDelta(t, 1, Cosine(a, b), 1e-6)
}

func TestCosNormalizedUnitVectors(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{1, 0}
	assert.InDelta(t, 0, CosNormalized(a, b), 1e-6)
}

func TestCosineZeroVectors(t *testing.T) {
	a := []float32{0, 0}
	b := []float32{0, 0}
	assert.Equal(t, float32(0), Cosine(a, b))
}
