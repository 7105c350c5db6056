package calibration

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fci7011/nose-go/matrix"
)

// ErrNotCalibrated is returned by estimation accessors while the polynomials
// are unset (too few or degenerate measurements).
var ErrNotCalibrated = errors.New("calibration: not calibrated")

// MeasurementNotFoundError reports a removal for a heating current with no
// stored measurement.
type MeasurementNotFoundError struct {
	HeatingCurrent float64
}

func (e *MeasurementNotFoundError) Error() string {
	return fmt.Sprintf("calibration: no measurement for heating current %g mA", e.HeatingCurrent)
}

// Measurement is one calibration point: the heating current driven through
// the filament, the sensor voltage observed, and the operator-reported
// temperature.
type Measurement struct {
	HeatingCurrent float64 `json:"heatingCurrent"`
	Voltage        float64 `json:"voltage"`
	Temperature    float64 `json:"temperature"`
}

// DataConfig sets the fit parameters of a Data store. Zero fields get the
// defaults of the reference device (degree 4, 5 measurements).
type DataConfig struct {
	PolynomialDegree             int
	MinMeasurementsForEstimation int
}

func (c *DataConfig) withDefaults() DataConfig {
	out := DataConfig{}
	if c != nil {
		out = *c
	}
	if out.PolynomialDegree == 0 {
		out.PolynomialDegree = 4
	}
	if out.MinMeasurementsForEstimation == 0 {
		out.MinMeasurementsForEstimation = 5
	}
	return out
}

// Data stores calibration measurements keyed by heating current and the
// three estimation polynomials fitted from them:
//
//	current -> final temperature
//	target temperature -> current
//	sensor voltage -> temperature
//
// The polynomials are refitted on every measurement change. They are set and
// unset as a unit: if any of the three fits fails, all three are dropped, so
// IsComplete never observes a half-calibrated store.
type Data struct {
	cfg    DataConfig
	system System

	measurements map[float64]Measurement

	finalTemperatureFromCurrent  matrix.Poly
	currentFromTargetTemperature matrix.Poly
	temperatureFromVoltage       matrix.Poly
}

func NewData(cfg *DataConfig) *Data {
	return &Data{
		cfg:          cfg.withDefaults(),
		measurements: make(map[float64]Measurement),
	}
}

// Bind associates d with a system so that measurement changes are announced
// on the system's mediator. The system must already report d as its
// calibration data, and d must not be bound elsewhere.
func (d *Data) Bind(s System) error {
	if d.system != nil {
		return errors.New("calibration: data is still associated with a system")
	}
	if s.CalibrationData() != d {
		return errors.New("calibration: system does not hold this data")
	}
	d.system = s
	return nil
}

// Unbind drops the system association. It fails while the system still
// reports d as its calibration data.
func (d *Data) Unbind() error {
	if d.system == nil {
		return nil
	}
	if d.system.CalibrationData() == d {
		return errors.New("calibration: system still holds this data")
	}
	d.system = nil
	return nil
}

// IsBound reports whether d announces its changes on a system's mediator.
func (d *Data) IsBound() bool { return d.system != nil }

// AddMeasurement upserts the measurement for the given heating current and
// refits the polynomials.
func (d *Data) AddMeasurement(heatingCurrent, voltage, temperature float64) {
	d.measurements[heatingCurrent] = Measurement{
		HeatingCurrent: heatingCurrent,
		Voltage:        voltage,
		Temperature:    temperature,
	}
	d.recalculate()
}

// RemoveMeasurement deletes the measurement for the given heating current
// and refits the polynomials.
func (d *Data) RemoveMeasurement(heatingCurrent float64) error {
	if _, ok := d.measurements[heatingCurrent]; !ok {
		return &MeasurementNotFoundError{HeatingCurrent: heatingCurrent}
	}
	delete(d.measurements, heatingCurrent)
	d.recalculate()
	return nil
}

// Clear drops every measurement.
func (d *Data) Clear() {
	if len(d.measurements) == 0 {
		return
	}
	d.measurements = make(map[float64]Measurement)
	d.recalculate()
}

func (d *Data) HasMeasurements() bool { return len(d.measurements) > 0 }

// Measurements returns the stored measurements sorted by heating current.
func (d *Data) Measurements() []Measurement {
	out := make([]Measurement, 0, len(d.measurements))
	for _, m := range d.measurements {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HeatingCurrent < out[j].HeatingCurrent })
	return out
}

// HeatingCurrents returns the measured currents in ascending order.
func (d *Data) HeatingCurrents() []float64 {
	ms := d.Measurements()
	out := make([]float64, len(ms))
	for i, m := range ms {
		out[i] = m.HeatingCurrent
	}
	return out
}

// IsComplete reports whether the estimation polynomials are available.
func (d *Data) IsComplete() bool {
	return d.finalTemperatureFromCurrent != nil &&
		d.currentFromTargetTemperature != nil &&
		d.temperatureFromVoltage != nil
}

// FinalTemperatureFromCurrent estimates the settling temperature for a
// heating current.
func (d *Data) FinalTemperatureFromCurrent(current float64) (float64, error) {
	if !d.IsComplete() {
		return 0, ErrNotCalibrated
	}
	return d.finalTemperatureFromCurrent.Eval(current), nil
}

// CurrentFromTargetTemperature estimates the heating current that settles at
// the given temperature.
func (d *Data) CurrentFromTargetTemperature(temperature float64) (float64, error) {
	if !d.IsComplete() {
		return 0, ErrNotCalibrated
	}
	return d.currentFromTargetTemperature.Eval(temperature), nil
}

// TemperatureFromVoltage estimates the filament temperature from a sensor
// voltage.
func (d *Data) TemperatureFromVoltage(voltage float64) (float64, error) {
	if !d.IsComplete() {
		return 0, ErrNotCalibrated
	}
	return d.temperatureFromVoltage.Eval(voltage), nil
}

// Polynomials returns copies of the three fitted polynomials, or ok=false
// while the store is incomplete. Order: temperature-from-current,
// current-from-temperature, temperature-from-voltage.
func (d *Data) Polynomials() (tFromI, iFromT, tFromU matrix.Poly, ok bool) {
	if !d.IsComplete() {
		return nil, nil, nil, false
	}
	tFromI = append(matrix.Poly(nil), d.finalTemperatureFromCurrent...)
	iFromT = append(matrix.Poly(nil), d.currentFromTargetTemperature...)
	tFromU = append(matrix.Poly(nil), d.temperatureFromVoltage...)
	return tFromI, iFromT, tFromU, true
}

func (d *Data) recalculate() {
	d.fitPolynomials()
	if d.system != nil {
		d.system.Mediator().NoteEvent(CalibrationDataChanged{System: d.system, Data: d})
	}
}

func (d *Data) fitPolynomials() {
	d.finalTemperatureFromCurrent = nil
	d.currentFromTargetTemperature = nil
	d.temperatureFromVoltage = nil

	ms := d.Measurements()
	if len(ms) < d.cfg.MinMeasurementsForEstimation {
		return
	}
	currents := make([]float64, len(ms))
	voltages := make([]float64, len(ms))
	temperatures := make([]float64, len(ms))
	for i, m := range ms {
		currents[i] = m.HeatingCurrent
		voltages[i] = m.Voltage
		temperatures[i] = m.Temperature
	}

	tFromI, err1 := matrix.FitPolynomial(currents, temperatures, d.cfg.PolynomialDegree)
	iFromT, err2 := matrix.FitPolynomial(temperatures, currents, d.cfg.PolynomialDegree)
	tFromU, err3 := matrix.FitPolynomial(voltages, temperatures, d.cfg.PolynomialDegree)
	if err1 != nil || err2 != nil || err3 != nil {
		// All or nothing: a half-fitted store must not look calibrated.
		return
	}
	d.finalTemperatureFromCurrent = tFromI
	d.currentFromTargetTemperature = iFromT
	d.temperatureFromVoltage = tFromU
}
