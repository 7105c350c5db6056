// Package system wraps the FCI-7011 device behind the production facade:
// key-based locking of heating commands, the safe-mode watchdog, target
// temperature heating on top of the calibration data, and ownership of the
// calibration run.
package system

import (
	"log"
	"time"

	"github.com/fci7011/nose-go/calibration"
	"github.com/fci7011/nose-go/device"
	"github.com/fci7011/nose-go/mediator"
)

// EventSystemPropertiesChanged is published whenever a settable system
// property actually changes value.
const EventSystemPropertiesChanged mediator.Type = "systemPropertiesChanged"

// SystemPropertiesChanged names the property that changed.
type SystemPropertiesChanged struct {
	System   *ProductionSystem
	Property string
}

func (SystemPropertiesChanged) EventType() mediator.Type { return EventSystemPropertiesChanged }

// Config sets the safety envelope and run parameters. Zero fields get the
// defaults of the reference device.
type Config struct {
	// MaxHeatingCurrent is the largest commandable heating current, in mA.
	MaxHeatingCurrent float64
	// MaxSafeTemperatureSensorVoltage trips safe mode when exceeded, in V.
	MaxSafeTemperatureSensorVoltage float64
	// MaxSafeTemperature trips safe mode once the system is calibrated, degC.
	MaxSafeTemperature float64
	// HeatingCurrentInSafeMode is forced when safe mode trips, in mA.
	HeatingCurrentInSafeMode float64
	// HeatingCurrentWhileIdle is applied by Idle, in mA.
	HeatingCurrentWhileIdle float64
	// MonitorInterval is how often the safety watchdog samples the device.
	MonitorInterval time.Duration

	Data    calibration.DataConfig
	Manager calibration.ManagerConfig
}

func (c *Config) withDefaults() Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.MaxHeatingCurrent == 0 {
		out.MaxHeatingCurrent = 28.0
	}
	if out.MaxSafeTemperatureSensorVoltage == 0 {
		out.MaxSafeTemperatureSensorVoltage = 6.7
	}
	if out.MaxSafeTemperature == 0 {
		out.MaxSafeTemperature = 1700.0
	}
	if out.HeatingCurrentInSafeMode == 0 {
		out.HeatingCurrentInSafeMode = 4.0
	}
	if out.HeatingCurrentWhileIdle == 0 {
		out.HeatingCurrentWhileIdle = 4.0
	}
	if out.MonitorInterval == 0 {
		out.MonitorInterval = time.Second
	}
	return out
}

// ProductionSystem is the single gatekeeper in front of the device. All
// heating and movement commands pass its key check; the safety watchdog is
// the one caller allowed through regardless of the lock. It owns the
// calibration data store and the running calibration manager, and it
// implements calibration.System.
type ProductionSystem struct {
	med *mediator.Mediator
	dev device.Interface
	cfg Config

	key  any
	data *calibration.Data

	manager *calibration.Manager

	inSafeMode           bool
	targetTemperature    float64
	hasTargetTemperature bool

	monitor      *mediator.Timeout
	overListener *mediator.Listener
}

// New wires a production system onto the mediator. A nil device gets a
// default simulated one. The safety watchdog starts immediately.
func New(med *mediator.Mediator, dev device.Interface, cfg *Config) *ProductionSystem {
	if dev == nil {
		dev = device.NewSimulated(nil)
	}
	s := &ProductionSystem{
		med: med,
		dev: dev,
		cfg: cfg.withDefaults(),
	}
	s.data = calibration.NewData(&s.cfg.Data)
	if err := s.data.Bind(s); err != nil {
		// Fresh data against a fresh system cannot fail to bind.
		panic(err)
	}
	s.overListener = med.AddListener(calibration.EventCalibrationOver, func(e mediator.Event) {
		if over, ok := e.(calibration.CalibrationOver); ok && over.Manager == s.manager {
			s.manager = nil
		}
	})
	s.monitor = med.AddTimeout(s.cfg.MonitorInterval, s.monitorSafeOperation)
	return s
}

// Close detaches the system from the mediator: the safety watchdog stops and
// the calibration listener is removed. A running calibration is aborted first.
// The underlying device is not touched; closing a serial port is the caller's
// business.
func (s *ProductionSystem) Close() {
	if s.IsBeingCalibrated() {
		if err := s.AbortCalibration(); err != nil {
			log.Printf("system: abort on close: %v", err)
		}
	}
	s.monitor.Cancel()
	s.med.RemoveListener(s.overListener)
}

func (s *ProductionSystem) Mediator() *mediator.Mediator { return s.med }

// Device exposes the underlying interface for read-only inspection.
func (s *ProductionSystem) Device() device.Interface { return s.dev }

func (s *ProductionSystem) CalibrationData() *calibration.Data { return s.data }

// SetCalibrationData swaps in a different data store, e.g. one loaded from
// disk. The new store must not be bound to another system.
func (s *ProductionSystem) SetCalibrationData(d *calibration.Data) error {
	if d == nil {
		return ErrNilCalibrationData
	}
	if d == s.data {
		return nil
	}
	if d.IsBound() {
		return ErrDataBoundElsewhere
	}
	old := s.data
	s.data = d
	if err := d.Bind(s); err != nil {
		s.data = old
		return err
	}
	if old != nil {
		if err := old.Unbind(); err != nil {
			log.Printf("system: failed to unbind previous calibration data: %v", err)
		}
	}
	s.med.NoteEvent(calibration.CalibrationDataChanged{System: s, Data: d})
	return nil
}

// Locking ------------------------------------------------------------------

func (s *ProductionSystem) IsLocked() bool { return s.key != nil }

// Lock makes key the single holder of the system. Guarded commands then
// require this key until Unlock.
func (s *ProductionSystem) Lock(key any) error {
	if key == nil {
		return ErrNilKey
	}
	if s.key != nil {
		return ErrSystemLocked
	}
	s.key = key
	return nil
}

// Unlock releases the lock. Only the holder's key is accepted.
func (s *ProductionSystem) Unlock(key any) error {
	if s.key == nil {
		return ErrSystemNotLocked
	}
	if key != s.key {
		return ErrWrongKey
	}
	s.key = nil
	return nil
}

// tryKey admits a guarded command: an unlocked system takes only nil, a
// locked one takes only the holder's key.
func (s *ProductionSystem) tryKey(key any) error {
	if s.key == nil {
		if key != nil {
			return ErrSystemNotLocked
		}
		return nil
	}
	if key == nil {
		return ErrSystemLocked
	}
	if key != s.key {
		return ErrWrongKey
	}
	return nil
}

// Device readouts ----------------------------------------------------------

func (s *ProductionSystem) HeatingCurrent() float64 { return s.dev.HeatingCurrent() }

func (s *ProductionSystem) TemperatureSensorVoltage() float64 {
	return s.dev.TemperatureSensorVoltage()
}

func (s *ProductionSystem) HeaterPosition() float64 { return s.dev.HeaterPosition() }

func (s *ProductionSystem) HeaterTargetPosition() float64 { return s.dev.HeaterTargetPosition() }

func (s *ProductionSystem) IsSimulation() bool { return s.dev.IsSimulation() }

// Temperature estimates the filament temperature from the sensor voltage.
// It fails with calibration.ErrNotCalibrated until the store is complete.
func (s *ProductionSystem) Temperature() (float64, error) {
	return s.data.TemperatureFromVoltage(s.dev.TemperatureSensorVoltage())
}

// Properties ---------------------------------------------------------------

func (s *ProductionSystem) MaxHeatingCurrent() float64 { return s.cfg.MaxHeatingCurrent }

func (s *ProductionSystem) SetMaxHeatingCurrent(v float64) {
	s.setProperty("maxHeatingCurrent", &s.cfg.MaxHeatingCurrent, v)
}

func (s *ProductionSystem) MaxSafeTemperatureSensorVoltage() float64 {
	return s.cfg.MaxSafeTemperatureSensorVoltage
}

func (s *ProductionSystem) SetMaxSafeTemperatureSensorVoltage(v float64) {
	s.setProperty("maxSafeTemperatureSensorVoltage", &s.cfg.MaxSafeTemperatureSensorVoltage, v)
}

func (s *ProductionSystem) MaxSafeTemperature() float64 { return s.cfg.MaxSafeTemperature }

func (s *ProductionSystem) SetMaxSafeTemperature(v float64) {
	s.setProperty("maxSafeTemperature", &s.cfg.MaxSafeTemperature, v)
}

func (s *ProductionSystem) HeatingCurrentInSafeMode() float64 {
	return s.cfg.HeatingCurrentInSafeMode
}

func (s *ProductionSystem) SetHeatingCurrentInSafeMode(v float64) {
	s.setProperty("heatingCurrentInSafeMode", &s.cfg.HeatingCurrentInSafeMode, v)
}

func (s *ProductionSystem) HeatingCurrentWhileIdle() float64 {
	return s.cfg.HeatingCurrentWhileIdle
}

func (s *ProductionSystem) SetHeatingCurrentWhileIdle(v float64) {
	s.setProperty("heatingCurrentWhileIdle", &s.cfg.HeatingCurrentWhileIdle, v)
}

func (s *ProductionSystem) setProperty(name string, field *float64, v float64) {
	if *field == v {
		return
	}
	*field = v
	s.med.NoteEvent(SystemPropertiesChanged{System: s, Property: name})
}

// Guarded commands ---------------------------------------------------------

// StartHeatingWithCurrent applies a heating current. Any explicit heating
// command leaves safe mode and forgets the target temperature.
func (s *ProductionSystem) StartHeatingWithCurrent(current float64, key any) error {
	if err := s.tryKey(key); err != nil {
		return err
	}
	if current < 0 || current > s.cfg.MaxHeatingCurrent {
		return &device.InvalidHeatingCurrentError{Current: current}
	}
	if err := s.dev.StartHeatingWithCurrent(current); err != nil {
		return err
	}
	s.inSafeMode = false
	s.hasTargetTemperature = false
	return nil
}

// StartHeatingToTemperature heats to a target temperature through the
// calibration polynomials.
func (s *ProductionSystem) StartHeatingToTemperature(target float64, key any) error {
	valid, err := s.IsValidTargetTemperature(target)
	if err != nil {
		return err
	}
	if !valid {
		min, _ := s.MinTargetTemperature()
		max, _ := s.MaxTargetTemperature()
		return &InvalidTargetTemperatureError{Temperature: target, Min: min, Max: max}
	}
	current, err := s.data.CurrentFromTargetTemperature(target)
	if err != nil {
		return err
	}
	if err := s.StartHeatingWithCurrent(current, key); err != nil {
		return err
	}
	s.targetTemperature = target
	s.hasTargetTemperature = true
	return nil
}

// TargetTemperature returns the target of the last StartHeatingToTemperature;
// ok is false when the system is not heating towards a target.
func (s *ProductionSystem) TargetTemperature() (float64, bool) {
	return s.targetTemperature, s.hasTargetTemperature
}

// StartHeaterMovement moves the heater carriage to target in [0, 1].
func (s *ProductionSystem) StartHeaterMovement(target float64, key any) error {
	if err := s.tryKey(key); err != nil {
		return err
	}
	return s.dev.StartHeaterMovement(target)
}

// Idle applies the idle current. It is a plain heating command, so it also
// leaves safe mode.
func (s *ProductionSystem) Idle(key any) error {
	return s.StartHeatingWithCurrent(s.cfg.HeatingCurrentWhileIdle, key)
}

// Target temperature range -------------------------------------------------

// MinTargetTemperature is the settling temperature of an unheated filament
// per the calibration.
func (s *ProductionSystem) MinTargetTemperature() (float64, error) {
	return s.data.FinalTemperatureFromCurrent(0.0)
}

// MaxTargetTemperature is the hottest commandable target: the settling
// temperature at MaxHeatingCurrent, capped by MaxSafeTemperature and by the
// hottest measured calibration point. Without the caps a valid-looking
// target could trip the watchdog the moment heating starts. The two
// polynomials are independent fits, not exact inverses, so the value then
// backs off degree by degree until the inverse estimate is commandable.
func (s *ProductionSystem) MaxTargetTemperature() (float64, error) {
	t, err := s.data.FinalTemperatureFromCurrent(s.cfg.MaxHeatingCurrent)
	if err != nil {
		return 0, err
	}
	if t > s.cfg.MaxSafeTemperature {
		t = s.cfg.MaxSafeTemperature
	}
	if ms := s.data.Measurements(); len(ms) > 0 {
		hottest := ms[0].Temperature
		for _, m := range ms[1:] {
			if m.Temperature > hottest {
				hottest = m.Temperature
			}
		}
		if t > hottest {
			t = hottest
		}
	}
	min, err := s.MinTargetTemperature()
	if err != nil {
		return 0, err
	}
	for t > min {
		current, err := s.data.CurrentFromTargetTemperature(t)
		if err != nil {
			return 0, err
		}
		if current <= s.cfg.MaxHeatingCurrent {
			break
		}
		t -= 1.0
	}
	return t, nil
}

// IsValidTargetTemperature reports whether target lies in the calibrated
// heating range.
func (s *ProductionSystem) IsValidTargetTemperature(target float64) (bool, error) {
	min, err := s.MinTargetTemperature()
	if err != nil {
		return false, err
	}
	max, err := s.MaxTargetTemperature()
	if err != nil {
		return false, err
	}
	return target >= min && target <= max, nil
}

// Safe mode ----------------------------------------------------------------

func (s *ProductionSystem) IsInSafeMode() bool { return s.inSafeMode }

// monitorSafeOperation is the watchdog timeout. It trips safe mode when the
// sensor voltage, or the estimated temperature once calibrated, exceeds its
// limit.
func (s *ProductionSystem) monitorSafeOperation() bool {
	unsafe := s.dev.TemperatureSensorVoltage() > s.cfg.MaxSafeTemperatureSensorVoltage
	if !unsafe && s.data.IsComplete() {
		if t, err := s.Temperature(); err == nil && t > s.cfg.MaxSafeTemperature {
			unsafe = true
		}
	}
	if unsafe {
		s.enterSafeMode()
	}
	return true
}

// enterSafeMode forces the safe-mode current regardless of who holds the
// lock, then raises the sticky flag. Only an explicit new heating command
// clears the flag.
func (s *ProductionSystem) enterSafeMode() {
	if s.dev.HeatingCurrent() > s.cfg.HeatingCurrentInSafeMode {
		// Use the holder's own key so the lock cannot keep the system hot.
		if err := s.StartHeatingWithCurrent(s.cfg.HeatingCurrentInSafeMode, s.key); err != nil {
			log.Printf("system: failed to force safe-mode current: %v", err)
		}
	}
	s.inSafeMode = true
}

// Calibration --------------------------------------------------------------

// Manager returns the running calibration manager, or nil.
func (s *ProductionSystem) Manager() *calibration.Manager { return s.manager }

func (s *ProductionSystem) IsBeingCalibrated() bool {
	return s.manager != nil && s.manager.IsRunning()
}

// IsCalibrated reports whether the estimation polynomials may be used: the
// store is complete and no run is rewriting it.
func (s *ProductionSystem) IsCalibrated() bool {
	return s.data.IsComplete() && !s.IsBeingCalibrated()
}

// StartCalibration begins a run over the given heating currents. It fails
// while the system is locked (including by a previous run).
func (s *ProductionSystem) StartCalibration(currents []float64) (*calibration.Manager, error) {
	m := calibration.NewManager(s, currents, &s.cfg.Manager)
	if err := m.StartCalibration(); err != nil {
		return nil, err
	}
	s.manager = m
	return m, nil
}

// AbortCalibration aborts the running calibration, if any.
func (s *ProductionSystem) AbortCalibration() error {
	if s.manager == nil {
		return calibration.ErrCalibrationNotRunning
	}
	return s.manager.AbortCalibration()
}

// Simulation-only operations -----------------------------------------------

func (s *ProductionSystem) simulated(op string) (*device.Simulated, error) {
	sim, ok := s.dev.(*device.Simulated)
	if !ok {
		return nil, &RequiresSimulationError{Operation: op}
	}
	return sim, nil
}

// SpeedFactor returns the simulated device's time compression.
func (s *ProductionSystem) SpeedFactor() (float64, error) {
	sim, err := s.simulated("speed factor")
	if err != nil {
		return 0, err
	}
	return sim.SpeedFactor(), nil
}

// SetSpeedFactor changes the simulated device's time compression.
func (s *ProductionSystem) SetSpeedFactor(factor float64) error {
	sim, err := s.simulated("speed factor")
	if err != nil {
		return err
	}
	return sim.SetSpeedFactor(factor)
}

// MagicCalibration synthesizes calibration data straight from the simulated
// device's model, stepping 2 mA from the idle current while both the current
// and the resulting voltage stay inside the safety envelope. It replaces any
// stored measurements.
func (s *ProductionSystem) MagicCalibration() error {
	sim, err := s.simulated("magic calibration")
	if err != nil {
		return err
	}
	s.data.Clear()
	for current := s.cfg.HeatingCurrentWhileIdle; current <= s.cfg.MaxHeatingCurrent; current += 2.0 {
		temperature := sim.FinalTemperatureForCurrent(current)
		voltage := sim.VoltageForTemperature(temperature)
		if voltage > s.cfg.MaxSafeTemperatureSensorVoltage {
			break
		}
		s.data.AddMeasurement(current, voltage, temperature)
	}
	return nil
}
