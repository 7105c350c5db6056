package matrix

import "math"

// Vector is a dense length-N vector of float64 values.
type Vector struct {
	Length int
	Values []float64
}

// NewVector allocates a vector of the given length initialized with zeros.
func NewVector(length int) *Vector {
	return &Vector{Length: length, Values: make([]float64, length)}
}

// NewVectorFrom copies values into a fresh vector.
func NewVectorFrom(values []float64) *Vector {
	v := NewVector(len(values))
	copy(v.Values, values)
	return v
}

// Norm returns the Euclidean norm of v.
func (v *Vector) Norm() float64 {
	sum := 0.0
	for _, val := range v.Values {
		sum += val * val
	}
	return math.Sqrt(sum)
}

// Sub returns v - other (element-wise subtraction).
//
// The caller must ensure both vectors have the same Length.
func (v *Vector) Sub(other *Vector) *Vector {
	result := NewVector(v.Length)
	for i := range v.Values {
		result.Values[i] = v.Values[i] - other.Values[i]
	}
	return result
}
