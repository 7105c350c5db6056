package system

import (
	"errors"
	"fmt"
)

var (
	// ErrSystemLocked is returned when the system is already held by another
	// key, or when a guarded command is attempted without the holder's key.
	ErrSystemLocked = errors.New("system: locked")
	// ErrSystemNotLocked is returned when unlocking an unlocked system, or
	// when a key is presented to a system nobody holds.
	ErrSystemNotLocked = errors.New("system: not locked")
	// ErrWrongKey is returned when the presented key is not the holder's.
	ErrWrongKey = errors.New("system: wrong key")
	// ErrNilKey is returned by Lock(nil); nil marks the unlocked state and
	// cannot be a key.
	ErrNilKey = errors.New("system: key must not be nil")
	// ErrNilCalibrationData is returned by SetCalibrationData(nil); a system
	// always has a data store.
	ErrNilCalibrationData = errors.New("system: calibration data must not be nil")
	// ErrDataBoundElsewhere is returned when the data store to adopt is
	// still bound to another system.
	ErrDataBoundElsewhere = errors.New("system: calibration data is bound to another system")
)

// InvalidTargetTemperatureError reports a heating target outside the range
// the calibration supports.
type InvalidTargetTemperatureError struct {
	Temperature float64
	Min, Max    float64
}

func (e *InvalidTargetTemperatureError) Error() string {
	return fmt.Sprintf("system: target temperature %g degC outside [%g, %g]",
		e.Temperature, e.Min, e.Max)
}

// RequiresSimulationError reports an operation that only exists on the
// simulated device.
type RequiresSimulationError struct {
	Operation string
}

func (e *RequiresSimulationError) Error() string {
	return fmt.Sprintf("system: %s requires a simulated device", e.Operation)
}
