package utils

import (
	"math"

	"github.com/m-mizutani/goerr/v2"
)

// ErrDimensionMismatch is returned when two vectors differ in length.
var ErrDimensionMismatch = goerr.New("vectors must have the same dimension")

// dotProduct calculates the dot product of two vectors.
func dotProduct(vec1, vec2 []float32) float64 {
	var product float64
	for i := range vec1 {
		product += float64(vec1[i]) * float64(vec2[i])
	}
	return product
}

// Magnitude calculates the L2 norm of a vector.
func Magnitude(vec []float32) float64 {
	var sumOfSquares float64
	for _, val := range vec {
		sumOfSquares += float64(val) * float64(val)
	}
	return math.Sqrt(sumOfSquares)
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Empty or zero vectors have similarity 0 with anything.
func CosineSimilarity(vec1, vec2 []float32) (float64, error) {
	if len(vec1) == 0 || len(vec2) == 0 {
		return 0, nil
	}
	if len(vec1) != len(vec2) {
		return 0, goerr.Wrap(ErrDimensionMismatch, "cannot compare vectors", goerr.V("left", len(vec1)), goerr.V("right", len(vec2)))
	}

	mag1 := Magnitude(vec1)
	mag2 := Magnitude(vec2)
	if mag1 == 0 || mag2 == 0 {
		return 0, nil
	}

	return dotProduct(vec1, vec2) / (mag1 * mag2), nil
}

// Normalize scales vec in place to unit length. A zero vector is left as is.
func Normalize(vec []float64) {
	var sumOfSquares float64
	for _, val := range vec {
		sumOfSquares += val * val
	}
	norm := math.Sqrt(sumOfSquares)
	if norm == 0 {
		return
	}
	for i := range vec {
		vec[i] /= norm
	}
}
