package calibration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fci7011/nose-go/matrix"
)

func TestSolutionModel(t *testing.T) {
	s := Solution{
		StartingTemperature: 20,
		FinalTemperature:    320,
		Tau:                 100,
		Coefficients:        matrix.Poly{0, 0, 0, 0.01, 0},
	}
	assert.InDelta(t, 20.0, s.TemperatureAt(0), 1e-9)
	assert.InDelta(t, 320.0, s.TemperatureAt(1e6), 1e-6)
	assert.InDelta(t, 0.01*s.TemperatureAt(50), s.VoltageAt(50), 1e-12)
}

func TestStageEstimateSeeds(t *testing.T) {
	first := FirstStageEstimates(4.0)
	assert.Equal(t, 20.0, first.StartingTemperature)
	assert.Equal(t, 300.0, first.FinalTemperature)
	assert.Equal(t, 100.0, first.Tau)
	assert.Equal(t, matrix.Poly{0.001, -0.01, 0.1, -1.0, 0.0}, first.Coefficients)

	next := NextStageEstimates(first, 305.5, 2.0)
	assert.Equal(t, 305.5, next.StartingTemperature)
	assert.Equal(t, 305.5+150.0, next.FinalTemperature)
	assert.Equal(t, first.Tau, next.Tau)
	assert.Equal(t, first.Coefficients, next.Coefficients)
}

func TestRefreshDataValidation(t *testing.T) {
	f := NewFitter(FirstStageEstimates(4.0), nil)

	assert.Error(t, f.RefreshData([]float64{1, 2}, []float64{0.1}))

	// Below the sample threshold the refresh is a quiet no-op.
	assert.NoError(t, f.RefreshData([]float64{1, 2, 3}, []float64{0.1, 0.2, 0.3}))
	assert.Nil(t, f.data.Load())

	times := make([]float64, 12)
	volts := make([]float64, 12)
	for i := range times {
		times[i] = float64(i)
		volts[i] = 0.1 * float64(i)
	}
	assert.NoError(t, f.RefreshData(times, volts))
	assert.NotNil(t, f.data.Load())
}

func TestFindSolutionWithoutDataIsNoOp(t *testing.T) {
	f := NewFitter(FirstStageEstimates(4.0), nil)
	f.findSolution()
	assert.Nil(t, f.Solution())
	assert.Zero(t, f.SolutionsFound())
}

func TestFitRecoversStageCurve(t *testing.T) {
	truth := Solution{
		StartingTemperature: 20,
		FinalTemperature:    305,
		Tau:                 80,
		Coefficients:        matrix.Poly{3.2e-12, -6.8e-9, 5.2e-6, -1.4e-3, 0},
	}
	var times, volts []float64
	for s := 0.0; s <= 240.0; s += 4.0 {
		times = append(times, s)
		volts = append(volts, truth.VoltageAt(s))
	}

	f := NewFitter(FirstStageEstimates(4.0), &FitterConfig{MaxIterations: 500})
	assert.NoError(t, f.RefreshData(times, volts))

	// A couple of warm-started attempts, like the background loop runs.
	for i := 0; i < 5; i++ {
		f.findSolution()
	}
	sol := f.Solution()
	assert.NotNil(t, sol)
	assert.Positive(t, f.SolutionsFound())

	// The 8-parameter model has gauge freedom (the quartic can absorb an
	// affine change of the temperature scale), so compare curves rather
	// than raw parameters.
	span := 0.0
	for _, v := range volts {
		if v > span {
			span = v
		}
	}
	for i, s := range times {
		assert.InDelta(t, volts[i], sol.VoltageAt(s), 0.02*span, "t=%g", s)
	}
}

func TestPublishedSolutionNeverRegresses(t *testing.T) {
	truth := Solution{
		StartingTemperature: 20,
		FinalTemperature:    305,
		Tau:                 80,
		Coefficients:        matrix.Poly{3.2e-12, -6.8e-9, 5.2e-6, -1.4e-3, 0},
	}
	var times, volts []float64
	for s := 0.0; s <= 240.0; s += 4.0 {
		times = append(times, s)
		volts = append(volts, truth.VoltageAt(s))
	}
	f := NewFitter(FirstStageEstimates(4.0), nil)
	assert.NoError(t, f.RefreshData(times, volts))
	f.findSolution()
	assert.NotNil(t, f.Solution())

	// A degenerate refresh must not wipe the published solution.
	bad := make([]float64, 12)
	assert.NoError(t, f.RefreshData(bad, bad))
	f.findSolution()
	assert.NotNil(t, f.Solution())
}

func TestStopEndsBackgroundLoop(t *testing.T) {
	f := NewFitter(FirstStageEstimates(4.0), &FitterConfig{SleepInterval: time.Millisecond})
	f.Start()
	f.Stop()
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("fitter goroutine did not stop")
	}
	// Stop is idempotent.
	f.Stop()
}
