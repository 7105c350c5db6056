package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolyEvalHorner(t *testing.T) {
	p := Poly{2, -3, 1} // 2x^2 - 3x + 1
	assert.InDelta(t, 1.0, p.Eval(0), 1e-12)
	assert.InDelta(t, 0.0, p.Eval(1), 1e-12)
	assert.InDelta(t, 3.0, p.Eval(2), 1e-12)
}

func TestPolyDerivative(t *testing.T) {
	p := Poly{2, -3, 1}
	d := p.Derivative()
	assert.Equal(t, Poly{4, -3}, d)

	c := Poly{5}
	assert.Equal(t, Poly{0}, c.Derivative())
}

func TestFitPolynomialRecoversCoefficients(t *testing.T) {
	truth := Poly{0.5, -2, 3, 1, -4}
	var xs, ys []float64
	for x := -3.0; x <= 3.0; x += 0.5 {
		xs = append(xs, x)
		ys = append(ys, truth.Eval(x))
	}

	got, err := FitPolynomial(xs, ys, 4)
	assert.NoError(t, err)
	assert.Len(t, got, 5)
	for i := range truth {
		assert.InDelta(t, truth[i], got[i], 1e-8)
	}
}

func TestFitPolynomialRealisticTemperatureScale(t *testing.T) {
	// A sensor-voltage fit over temperatures in the hundreds: the x^4 column
	// dwarfs the constant term by thirteen orders of magnitude, so the fit
	// only works with per-column scaling.
	truth := Poly{3.2e-12, -6.8e-9, 5.2e-6, -1.4e-3, 0.9}
	var xs, ys []float64
	for x := 300.0; x <= 1700.0; x += 125.0 {
		xs = append(xs, x)
		ys = append(ys, truth.Eval(x))
	}

	got, err := FitPolynomial(xs, ys, 4)
	assert.NoError(t, err)
	for _, x := range xs {
		assert.InDelta(t, truth.Eval(x), got.Eval(x), 1e-6)
	}
}

func TestFitPolynomialTooFewSamples(t *testing.T) {
	_, err := FitPolynomial([]float64{1, 2, 3}, []float64{1, 4, 9}, 4)
	assert.ErrorIs(t, err, ErrRankDeficient)
}

func TestFitPolynomialDuplicateAbscissae(t *testing.T) {
	// Five samples but only two distinct x values cannot pin down a quartic.
	xs := []float64{1, 1, 1, 2, 2}
	ys := []float64{1, 1, 1, 8, 8}
	_, err := FitPolynomial(xs, ys, 4)
	assert.ErrorIs(t, err, ErrRankDeficient)
}

func TestInverseSVDSolvesLeastSquares(t *testing.T) {
	// Overdetermined line fit: y = 2x + 1 through noiseless points.
	a := NewMatrix(4, 2)
	y := NewVector(4)
	for i, x := range []float64{0, 1, 2, 3} {
		a.Values[i][0] = x
		a.Values[i][1] = 1
		y.Values[i] = 2*x + 1
	}
	pinv := a.InverseSVD()
	assert.NotNil(t, pinv)
	c := pinv.MulVector(y)
	assert.InDelta(t, 2.0, c.Values[0], 1e-10)
	assert.InDelta(t, 1.0, c.Values[1], 1e-10)
}
