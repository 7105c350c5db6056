package device

import (
	"math"
	"sync"
	"time"

	"github.com/fci7011/nose-go/matrix"
)

// SimulatedConfig holds the thermal model of the simulated bench unit. Zero
// or nil fields are replaced by the measured defaults of the reference
// device.
type SimulatedConfig struct {
	// Tau is the time constant of the exponential thermal response, in
	// seconds.
	Tau float64
	// HeaterMovementRate is the carriage speed in position units per second.
	HeaterMovementRate float64
	// AmbientTemperature is the temperature the device starts at, in degC.
	AmbientTemperature float64
	// FinalTemperatureFromCurrent maps a steady heating current (mA) to the
	// temperature (degC) the filament settles at.
	FinalTemperatureFromCurrent matrix.Poly
	// VoltageFromTemperature maps a filament temperature (degC) to the
	// sensor voltage (V).
	VoltageFromTemperature matrix.Poly
}

func (c *SimulatedConfig) withDefaults() SimulatedConfig {
	out := SimulatedConfig{}
	if c != nil {
		out = *c
	}
	if out.Tau == 0 {
		out.Tau = 100.0
	}
	if out.HeaterMovementRate == 0 {
		out.HeaterMovementRate = 0.1
	}
	if out.AmbientTemperature == 0 {
		out.AmbientTemperature = 20.0
	}
	if out.FinalTemperatureFromCurrent == nil {
		out.FinalTemperatureFromCurrent = matrix.Poly{0.0052, -0.28, 3.3, 76.0, 0.0}
	}
	if out.VoltageFromTemperature == nil {
		out.VoltageFromTemperature = matrix.Poly{3.2e-12, -6.8e-9, 5.2e-6, -1.4e-3, 0.0}
	}
	return out
}

// Simulated is an in-memory FCI-7011. The filament relaxes exponentially
// towards the steady temperature of the present current; the carriage moves
// linearly towards its target. A speed factor compresses simulated time so
// calibration runs finish quickly in tests and demos.
//
// Every command (and every speed change) snapshots the present temperature
// and position as the new starting state, so discontinuities never appear in
// the reported values.
type Simulated struct {
	mu  sync.Mutex
	cfg SimulatedConfig
	now func() time.Time

	speedFactor float64

	heatingCurrent       float64
	heaterTargetPosition float64

	startTime        time.Time
	startTemperature float64
	startPosition    float64
}

// NewSimulated builds a simulated device at ambient temperature with the
// heater parked at position 0 and no heating current.
func NewSimulated(cfg *SimulatedConfig) *Simulated {
	c := cfg.withDefaults()
	s := &Simulated{
		cfg:         c,
		now:         time.Now,
		speedFactor: 1.0,
	}
	s.startTime = s.now()
	s.startTemperature = c.AmbientTemperature
	return s
}

func (s *Simulated) IsSimulation() bool { return true }

func (s *Simulated) HeatingCurrent() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heatingCurrent
}

func (s *Simulated) HeaterTargetPosition() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heaterTargetPosition
}

func (s *Simulated) HeaterPosition() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

func (s *Simulated) TemperatureSensorVoltage() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.VoltageFromTemperature.Eval(s.temperatureLocked())
}

// CurrentTemperature returns the simulated filament temperature right now.
// The real device has no such readout; calibration exists to estimate it.
func (s *Simulated) CurrentTemperature() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.temperatureLocked()
}

// FinalTemperatureForCurrent evaluates the model's steady-state temperature
// for the given heating current.
func (s *Simulated) FinalTemperatureForCurrent(current float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.FinalTemperatureFromCurrent.Eval(current)
}

// VoltageForTemperature evaluates the model's sensor voltage at the given
// temperature.
func (s *Simulated) VoltageForTemperature(temperature float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.VoltageFromTemperature.Eval(temperature)
}

func (s *Simulated) SpeedFactor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speedFactor
}

// SetSpeedFactor rescales simulated time by factor: the thermal time constant
// shrinks and the carriage speeds up by the same ratio. The present state is
// snapshotted first so observable values stay continuous.
func (s *Simulated) SetSpeedFactor(factor float64) error {
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return &InvalidSpeedFactorError{Factor: factor}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setNewStartLocked()
	s.speedFactor = factor
	return nil
}

func (s *Simulated) StartHeatingWithCurrent(current float64) error {
	if current < 0 || math.IsNaN(current) || math.IsInf(current, 0) {
		return &InvalidHeatingCurrentError{Current: current}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setNewStartLocked()
	s.heatingCurrent = current
	return nil
}

func (s *Simulated) StartHeaterMovement(target float64) error {
	if target < 0 || target > 1 || math.IsNaN(target) {
		return &InvalidHeaterPositionError{Position: target}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setNewStartLocked()
	s.heaterTargetPosition = target
	return nil
}

// setNewStartLocked freezes the present temperature and position as the new
// starting state and restarts the clock.
func (s *Simulated) setNewStartLocked() {
	s.startTemperature = s.temperatureLocked()
	s.startPosition = s.positionLocked()
	s.startTime = s.now()
}

func (s *Simulated) elapsedLocked() float64 {
	return s.now().Sub(s.startTime).Seconds() * s.speedFactor
}

func (s *Simulated) temperatureLocked() float64 {
	final := s.cfg.FinalTemperatureFromCurrent.Eval(s.heatingCurrent)
	dt := s.elapsedLocked()
	return s.startTemperature + (final-s.startTemperature)*(1-math.Exp(-dt/s.cfg.Tau))
}

func (s *Simulated) positionLocked() float64 {
	target := s.heaterTargetPosition
	pos := s.startPosition
	travel := s.cfg.HeaterMovementRate * s.elapsedLocked()
	if pos < target {
		pos += travel
		if pos > target {
			pos = target
		}
	} else if pos > target {
		pos -= travel
		if pos < target {
			pos = target
		}
	}
	return pos
}
