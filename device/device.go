// Package device defines the FCI-7011 hardware capability and its simulated
// implementation.
//
// An Interface exposes the three observable quantities of the coupler heater
// (heating current, temperature-sensor voltage, heater position) plus the two
// commands that change them. Real hardware lives behind the serial transport;
// the Simulated device reproduces the thermal response model of the bench
// unit and is used by tests and demo runs.
package device

import "fmt"

// Interface is what the production system drives. Getters report the present
// state of the device; commands validate their argument and return a typed
// error without touching the device when it is out of range.
type Interface interface {
	// HeatingCurrent returns the present heating current in mA.
	HeatingCurrent() float64
	// TemperatureSensorVoltage returns the photodiode sensor voltage in V.
	TemperatureSensorVoltage() float64
	// HeaterPosition returns the heater carriage position in [0, 1].
	HeaterPosition() float64
	// HeaterTargetPosition returns the position the carriage is moving to.
	HeaterTargetPosition() float64
	// IsSimulation reports whether this device is simulated.
	IsSimulation() bool
	// StartHeatingWithCurrent sets a new heating current. current must be
	// non-negative.
	StartHeatingWithCurrent(current float64) error
	// StartHeaterMovement starts moving the carriage towards target, which
	// must lie in [0, 1].
	StartHeaterMovement(target float64) error
}

// InvalidHeatingCurrentError reports a heating-current command outside the
// device's accepted range.
type InvalidHeatingCurrentError struct {
	Current float64
}

func (e *InvalidHeatingCurrentError) Error() string {
	return fmt.Sprintf("invalid heating current %g mA", e.Current)
}

// InvalidHeaterPositionError reports a movement command outside [0, 1].
type InvalidHeaterPositionError struct {
	Position float64
}

func (e *InvalidHeaterPositionError) Error() string {
	return fmt.Sprintf("invalid heater position %g (must be in [0, 1])", e.Position)
}

// InvalidSpeedFactorError reports a non-positive simulation speed factor.
type InvalidSpeedFactorError struct {
	Factor float64
}

func (e *InvalidSpeedFactorError) Error() string {
	return fmt.Sprintf("invalid speed factor %g (must be > 0)", e.Factor)
}
