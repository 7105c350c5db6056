package calibration

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// addCompleteSet fills d with n well-separated measurements.
func addCompleteSet(d *Data, n int) {
	for i := 0; i < n; i++ {
		c := 4.0 + 2.0*float64(i)
		d.AddMeasurement(c, 0.01*float64(i+1), 80.0*c)
	}
}

func TestDataStartsEmptyAndIncomplete(t *testing.T) {
	d := NewData(nil)
	assert.False(t, d.HasMeasurements())
	assert.False(t, d.IsComplete())

	_, err := d.TemperatureFromVoltage(0.1)
	assert.ErrorIs(t, err, ErrNotCalibrated)
	_, err = d.CurrentFromTargetTemperature(500)
	assert.ErrorIs(t, err, ErrNotCalibrated)
	_, err = d.FinalTemperatureFromCurrent(4)
	assert.ErrorIs(t, err, ErrNotCalibrated)
}

func TestAddMeasurementUpsertsByCurrent(t *testing.T) {
	d := NewData(nil)
	d.AddMeasurement(4.0, 0.1, 300)
	d.AddMeasurement(4.0, 0.2, 310)

	ms := d.Measurements()
	assert.Len(t, ms, 1)
	assert.Equal(t, Measurement{HeatingCurrent: 4.0, Voltage: 0.2, Temperature: 310}, ms[0])
}

func TestMeasurementsSortedByCurrent(t *testing.T) {
	d := NewData(nil)
	d.AddMeasurement(8.0, 0.3, 600)
	d.AddMeasurement(4.0, 0.1, 300)
	d.AddMeasurement(6.0, 0.2, 450)

	assert.Equal(t, []float64{4.0, 6.0, 8.0}, d.HeatingCurrents())
}

func TestRemoveMeasurement(t *testing.T) {
	d := NewData(nil)
	d.AddMeasurement(4.0, 0.1, 300)

	assert.NoError(t, d.RemoveMeasurement(4.0))
	assert.False(t, d.HasMeasurements())

	var notFound *MeasurementNotFoundError
	err := d.RemoveMeasurement(4.0)
	assert.ErrorAs(t, err, &notFound)
	assert.Equal(t, 4.0, notFound.HeatingCurrent)
}

func TestCompletenessThreshold(t *testing.T) {
	d := NewData(nil)
	addCompleteSet(d, 4)
	assert.False(t, d.IsComplete())

	d.AddMeasurement(20.0, 0.9, 1600)
	assert.True(t, d.IsComplete())

	// Dropping below the threshold uncalibrates the store again.
	assert.NoError(t, d.RemoveMeasurement(20.0))
	assert.False(t, d.IsComplete())
}

func TestEstimatesInterpolateMeasurements(t *testing.T) {
	d := NewData(nil)
	addCompleteSet(d, 6)
	assert.True(t, d.IsComplete())

	// The synthetic relations are linear, so the least-squares quartics
	// reproduce the measured points essentially exactly.
	for _, m := range d.Measurements() {
		temp, err := d.FinalTemperatureFromCurrent(m.HeatingCurrent)
		assert.NoError(t, err)
		assert.InDelta(t, m.Temperature, temp, 1e-3)

		cur, err := d.CurrentFromTargetTemperature(m.Temperature)
		assert.NoError(t, err)
		assert.InDelta(t, m.HeatingCurrent, cur, 1e-3)

		est, err := d.TemperatureFromVoltage(m.Voltage)
		assert.NoError(t, err)
		assert.InDelta(t, m.Temperature, est, 1e-3)
	}
}

func TestAllPolynomialsUnsetTogether(t *testing.T) {
	d := NewData(nil)
	// Five points, but every measurement reports the same temperature, so
	// the temperature->current fit is rank deficient. The other two
	// directions would fit; none may survive.
	for i := 0; i < 5; i++ {
		c := 4.0 + 2.0*float64(i)
		d.AddMeasurement(c, 0.01*float64(i+1), 500.0)
	}
	assert.False(t, d.IsComplete())

	_, _, _, ok := d.Polynomials()
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	d := NewData(nil)
	addCompleteSet(d, 6)
	d.Clear()
	assert.False(t, d.HasMeasurements())
	assert.False(t, d.IsComplete())
}
