package matrix

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Poly is a polynomial with coefficients ordered from the highest power down
// to the constant term, so Poly{a, b, c} is a*x^2 + b*x + c.
type Poly []float64

// Eval evaluates the polynomial at x using Horner's scheme.
func (p Poly) Eval(x float64) float64 {
	y := 0.0
	for _, c := range p {
		y = y*x + c
	}
	return y
}

// Derivative returns the first derivative of p.
func (p Poly) Derivative() Poly {
	if len(p) <= 1 {
		return Poly{0}
	}
	d := make(Poly, len(p)-1)
	n := len(p) - 1
	for i := 0; i < n; i++ {
		d[i] = p[i] * float64(n-i)
	}
	return d
}

// ErrRankDeficient is returned by FitPolynomial when the sample points do not
// determine the requested degree (fewer distinct x values than coefficients).
var ErrRankDeficient = errors.New("matrix: rank-deficient polynomial fit")

// FitPolynomial computes the degree-d least-squares polynomial through the
// given samples. The Vandermonde system is solved through a thin SVD; the
// numerical rank is checked explicitly and ErrRankDeficient is returned
// instead of a garbage polynomial when the system is underdetermined.
func FitPolynomial(x, y []float64, degree int) (Poly, error) {
	if degree < 0 {
		return nil, errors.New("matrix: negative polynomial degree")
	}
	if len(x) != len(y) {
		return nil, errors.New("matrix: sample slices differ in length")
	}
	n := len(x)
	cols := degree + 1
	if n < cols {
		return nil, ErrRankDeficient
	}

	a := mat.NewDense(n, cols, nil)
	for i := 0; i < n; i++ {
		pow := 1.0
		for j := cols - 1; j >= 0; j-- {
			a.Set(i, j, pow)
			pow *= x[i]
		}
	}

	// The raw Vandermonde columns span many orders of magnitude once the
	// abscissae leave the unit interval (x^4 against the constant term), which
	// would blind the rank test to genuinely nonzero small singular values.
	// Normalize each column to unit norm and unscale the coefficients at the
	// end.
	scale := make([]float64, cols)
	for j := 0; j < cols; j++ {
		sum := 0.0
		for i := 0; i < n; i++ {
			v := a.At(i, j)
			sum += v * v
		}
		scale[j] = math.Sqrt(sum)
		if scale[j] == 0 {
			scale[j] = 1
		}
		for i := 0; i < n; i++ {
			a.Set(i, j, a.At(i, j)/scale[j])
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, errors.New("matrix: SVD did not converge")
	}
	s := svd.Values(nil)
	maxS := 0.0
	for _, si := range s {
		if si > maxS {
			maxS = si
		}
	}
	eps := 1e-12 * math.Max(float64(n), float64(cols)) * maxS
	rank := 0
	for _, si := range s {
		if si > eps {
			rank++
		}
	}
	if rank < cols {
		return nil, ErrRankDeficient
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// c = V * S^-1 * U^T y
	uty := make([]float64, len(s))
	for j := range uty {
		sum := 0.0
		for i := 0; i < n; i++ {
			sum += u.At(i, j) * y[i]
		}
		uty[j] = sum / s[j]
	}
	coeffs := make(Poly, cols)
	for i := 0; i < cols; i++ {
		sum := 0.0
		for j := range uty {
			sum += v.At(i, j) * uty[j]
		}
		coeffs[i] = sum / scale[i]
	}
	return coeffs, nil
}
