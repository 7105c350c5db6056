// Package matrix carries the dense linear algebra used by the calibration
// fits: a small Matrix/Vector pair, an SVD pseudo-inverse, and polynomial
// least squares.
package matrix

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

type Matrix struct {
	Rows, Cols int
	Values     [][]float64
}

func NewMatrix(rows, cols int) *Matrix {
	values := make([][]float64, rows)
	for i := range values {
		values[i] = make([]float64, cols)
	}
	return &Matrix{Rows: rows, Cols: cols, Values: values}
}

func (m *Matrix) MulVector(v *Vector) *Vector {
	if m.Cols != v.Length {
		return nil
	}
	result := NewVector(m.Rows)
	for i := 0; i < m.Rows; i++ {
		for k := 0; k < m.Cols; k++ {
			result.Values[i] += m.Values[i][k] * v.Values[k]
		}
	}
	return result
}

// Transposed returns a new matrix holding m transposed.
func (m *Matrix) Transposed() *Matrix {
	t := NewMatrix(m.Cols, m.Rows)
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			t.Values[j][i] = m.Values[i][j]
		}
	}
	return t
}

// Mul returns m * other, or nil when the shapes do not line up.
func (m *Matrix) Mul(other *Matrix) *Matrix {
	if m.Cols != other.Rows {
		return nil
	}
	result := NewMatrix(m.Rows, other.Cols)
	for i := 0; i < m.Rows; i++ {
		for k := 0; k < m.Cols; k++ {
			a := m.Values[i][k]
			if a == 0 {
				continue
			}
			for j := 0; j < other.Cols; j++ {
				result.Values[i][j] += a * other.Values[k][j]
			}
		}
	}
	return result
}

// InverseSVD computes the Moore-Penrose pseudo-inverse of m. Singular values
// below 1e-12 * max(rows, cols) * max(sigma) are treated as zero. Returns nil
// when the SVD fails to converge.
func (m *Matrix) InverseSVD() *Matrix {
	a := mat.NewDense(m.Rows, m.Cols, nil)
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			a.Set(i, j, m.Values[i][j])
		}
	}

	var svd mat.SVD
	ok := svd.Factorize(a, mat.SVDThin)
	if !ok {
		return nil
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	maxS := 0.0
	for _, si := range s {
		if si > maxS {
			maxS = si
		}
	}
	eps := 1e-12 * math.Max(float64(m.Rows), float64(m.Cols)) * maxS

	sp := mat.NewDense(len(s), len(s), nil)
	for i := range s {
		if s[i] > eps {
			sp.Set(i, i, 1.0/s[i])
		} else {
			sp.Set(i, i, 0)
		}
	}

	var vSp mat.Dense
	vSp.Mul(&v, sp)
	uT := mat.DenseCopyOf(u.T())

	var pinvDense mat.Dense
	pinvDense.Mul(&vSp, uT)

	pinv := NewMatrix(m.Cols, m.Rows)
	for i := 0; i < pinv.Rows; i++ {
		for j := 0; j < pinv.Cols; j++ {
			pinv.Values[i][j] = pinvDense.At(i, j)
		}
	}
	return pinv
}
