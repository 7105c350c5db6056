package calibration

import "github.com/fci7011/nose-go/mediator"

// System is the slice of the production system the calibration components
// need: the event bus, the data store, key-based locking, and the guarded
// device commands. system.ProductionSystem implements it.
type System interface {
	Mediator() *mediator.Mediator
	CalibrationData() *Data

	Lock(key any) error
	Unlock(key any) error
	Idle(key any) error
	IsInSafeMode() bool

	MaxHeatingCurrent() float64
	HeatingCurrent() float64
	TemperatureSensorVoltage() float64
	HeaterPosition() float64

	StartHeatingWithCurrent(current float64, key any) error
	StartHeaterMovement(target float64, key any) error
}
