package calibration

import "github.com/fci7011/nose-go/mediator"

// Event types published by the calibration components.
const (
	EventCalibrationStarted     mediator.Type = "calibrationStarted"
	EventCalibrationOver        mediator.Type = "calibrationOver"
	EventTemperatureRequested   mediator.Type = "temperatureRequested"
	EventTemperatureRequestOver mediator.Type = "temperatureRequestOver"
	EventCalibrationDataChanged mediator.Type = "calibrationDataChanged"
)

// CalibrationStarted is published once when a calibration run begins, after
// the system has been locked but before the first heater movement.
type CalibrationStarted struct {
	System  System
	Manager *Manager
}

func (CalibrationStarted) EventType() mediator.Type { return EventCalibrationStarted }

// CalibrationOver is published exactly once per run, however it ends. Status
// says how; UsedCurrents/UnusedCurrents partition the run's currents by
// whether their heating stage was reached.
type CalibrationOver struct {
	System         System
	Manager        *Manager
	Status         Status
	UsedCurrents   []float64
	UnusedCurrents []float64
}

func (CalibrationOver) EventType() mediator.Type { return EventCalibrationOver }

// TemperatureRequested asks the operator for the pyrometer reading of the
// settled filament. Whoever handles the prompt calls Report with the value;
// Report fails with ErrNoTemperatureRequested once the request is stale.
type TemperatureRequested struct {
	System  System
	Manager *Manager
	Report  func(temperature float64) error
}

func (TemperatureRequested) EventType() mediator.Type { return EventTemperatureRequested }

// TemperatureRequestOver retracts an outstanding temperature request, e.g.
// because the run was aborted or the report was accepted.
type TemperatureRequestOver struct {
	System  System
	Manager *Manager
}

func (TemperatureRequestOver) EventType() mediator.Type { return EventTemperatureRequestOver }

// CalibrationDataChanged is published by a Data bound to a system whenever
// its measurement set (and thus its fitted polynomials) changes.
type CalibrationDataChanged struct {
	System System
	Data   *Data
}

func (CalibrationDataChanged) EventType() mediator.Type { return EventCalibrationDataChanged }
