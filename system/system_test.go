package system

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fci7011/nose-go/calibration"
	"github.com/fci7011/nose-go/device"
	"github.com/fci7011/nose-go/mediator"
)

func newTestSystem() *ProductionSystem {
	return New(mediator.New(), nil, nil)
}

// hardwareStub stands in for a serial-connected device in tests of the
// simulation-only paths.
type hardwareStub struct{}

func (hardwareStub) HeatingCurrent() float64                       { return 0 }
func (hardwareStub) TemperatureSensorVoltage() float64             { return 0 }
func (hardwareStub) HeaterPosition() float64                       { return 0 }
func (hardwareStub) HeaterTargetPosition() float64                 { return 0 }
func (hardwareStub) IsSimulation() bool                            { return false }
func (hardwareStub) StartHeatingWithCurrent(current float64) error { return nil }
func (hardwareStub) StartHeaterMovement(target float64) error      { return nil }

func TestLockSemantics(t *testing.T) {
	s := newTestSystem()

	assert.ErrorIs(t, s.Lock(nil), ErrNilKey)
	assert.False(t, s.IsLocked())

	key := "operator"
	assert.NoError(t, s.Lock(key))
	assert.True(t, s.IsLocked())
	assert.ErrorIs(t, s.Lock("someone else"), ErrSystemLocked)

	assert.ErrorIs(t, s.Unlock("someone else"), ErrWrongKey)
	assert.NoError(t, s.Unlock(key))
	assert.ErrorIs(t, s.Unlock(key), ErrSystemNotLocked)
}

func TestGuardedCommandsCheckTheKey(t *testing.T) {
	s := newTestSystem()

	// Unlocked: only the nil key passes.
	assert.NoError(t, s.StartHeatingWithCurrent(6.0, nil))
	assert.ErrorIs(t, s.StartHeatingWithCurrent(6.0, "key"), ErrSystemNotLocked)

	key := "operator"
	assert.NoError(t, s.Lock(key))
	assert.ErrorIs(t, s.StartHeatingWithCurrent(6.0, nil), ErrSystemLocked)
	assert.ErrorIs(t, s.StartHeatingWithCurrent(6.0, "other"), ErrWrongKey)
	assert.NoError(t, s.StartHeatingWithCurrent(6.0, key))
	assert.ErrorIs(t, s.StartHeaterMovement(0.5, "other"), ErrWrongKey)
	assert.NoError(t, s.StartHeaterMovement(0.5, key))
}

func TestHeatingCurrentValidation(t *testing.T) {
	s := newTestSystem()

	var invalid *device.InvalidHeatingCurrentError
	assert.ErrorAs(t, s.StartHeatingWithCurrent(-1.0, nil), &invalid)
	assert.ErrorAs(t, s.StartHeatingWithCurrent(28.5, nil), &invalid)
	assert.Equal(t, 28.5, invalid.Current)

	assert.NoError(t, s.StartHeatingWithCurrent(28.0, nil))
}

func TestIdleAppliesIdleCurrent(t *testing.T) {
	s := newTestSystem()
	assert.NoError(t, s.StartHeatingWithCurrent(10.0, nil))
	assert.NoError(t, s.Idle(nil))
	assert.InDelta(t, 4.0, s.HeatingCurrent(), 1e-9)
}

func TestSafeModeTripsForcesCurrentAndSticks(t *testing.T) {
	s := newTestSystem()
	key := "operator"
	assert.NoError(t, s.Lock(key))
	assert.NoError(t, s.StartHeatingWithCurrent(10.0, key))

	// Make the watchdog see an overvoltage.
	s.SetMaxSafeTemperatureSensorVoltage(-100.0)
	assert.True(t, s.monitorSafeOperation())

	assert.True(t, s.IsInSafeMode())
	assert.InDelta(t, 4.0, s.HeatingCurrent(), 1e-9)
	// The lock holder keeps the lock; safe mode only overrides heating.
	assert.True(t, s.IsLocked())

	// The flag is sticky: a healthy watchdog pass does not clear it.
	s.SetMaxSafeTemperatureSensorVoltage(100.0)
	assert.True(t, s.monitorSafeOperation())
	assert.True(t, s.IsInSafeMode())

	// Only a fresh heating command clears it.
	assert.NoError(t, s.StartHeatingWithCurrent(6.0, key))
	assert.False(t, s.IsInSafeMode())
}

func TestSafeModeBelowSafeCurrentKeepsCurrent(t *testing.T) {
	s := newTestSystem()
	assert.NoError(t, s.StartHeatingWithCurrent(2.0, nil))
	s.SetMaxSafeTemperatureSensorVoltage(-100.0)
	assert.True(t, s.monitorSafeOperation())
	assert.True(t, s.IsInSafeMode())
	// Already below the safe-mode current; nothing to force.
	assert.InDelta(t, 2.0, s.HeatingCurrent(), 1e-9)
}

// TestSafeModeSurvivesCalibrationCleanup trips the watchdog during a run and
// checks the run's cleanup leaves the sticky flag and the forced current in
// place.
func TestSafeModeSurvivesCalibrationCleanup(t *testing.T) {
	med := mediator.New()
	s := New(med, nil, &Config{
		Manager: calibration.ManagerConfig{TickInterval: time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go med.Run(ctx)

	overCh := make(chan calibration.CalibrationOver, 1)
	med.AddListener(calibration.EventCalibrationOver, func(e mediator.Event) {
		overCh <- e.(calibration.CalibrationOver)
	})

	med.Do(func() {
		_, err := s.StartCalibration([]float64{4.0})
		assert.NoError(t, err)
		// Heat with the run's own key, then make the watchdog see an
		// overvoltage before the next tick.
		assert.NoError(t, s.StartHeatingWithCurrent(10.0, s.Manager()))
		s.SetMaxSafeTemperatureSensorVoltage(-100.0)
		assert.True(t, s.monitorSafeOperation())
	})

	var over calibration.CalibrationOver
	select {
	case over = <-overCh:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop on safe mode")
	}
	assert.Equal(t, calibration.StatusSafeModeTriggered, over.Status)

	med.Do(func() {
		assert.True(t, s.IsInSafeMode())
		assert.False(t, s.IsLocked())
		assert.InDelta(t, s.HeatingCurrentInSafeMode(), s.HeatingCurrent(), 1e-9)
	})
}

func TestPropertySettersEmitChangeEvents(t *testing.T) {
	med := mediator.New()
	s := New(med, nil, nil)
	var changed []string
	med.AddListener(EventSystemPropertiesChanged, func(e mediator.Event) {
		changed = append(changed, e.(SystemPropertiesChanged).Property)
	})

	s.SetMaxHeatingCurrent(25.0)
	s.SetMaxHeatingCurrent(25.0) // unchanged: no event
	s.SetMaxSafeTemperature(1500.0)
	s.SetHeatingCurrentWhileIdle(3.0)

	assert.Equal(t,
		[]string{"maxHeatingCurrent", "maxSafeTemperature", "heatingCurrentWhileIdle"},
		changed)
	assert.Equal(t, 25.0, s.MaxHeatingCurrent())
}

func TestMagicCalibrationNeedsSimulation(t *testing.T) {
	s := New(mediator.New(), hardwareStub{}, nil)

	var reqSim *RequiresSimulationError
	assert.ErrorAs(t, s.MagicCalibration(), &reqSim)
	_, err := s.SpeedFactor()
	assert.ErrorAs(t, err, &reqSim)
	assert.ErrorAs(t, s.SetSpeedFactor(10), &reqSim)
}

func TestMagicCalibrationFillsTheStore(t *testing.T) {
	s := newTestSystem()
	assert.NoError(t, s.MagicCalibration())

	assert.True(t, s.IsCalibrated())
	ms := s.CalibrationData().Measurements()
	assert.GreaterOrEqual(t, len(ms), 5)
	// Stepping starts at the idle current and stays within the envelope.
	assert.Equal(t, 4.0, ms[0].HeatingCurrent)
	for _, m := range ms {
		assert.LessOrEqual(t, m.HeatingCurrent, s.MaxHeatingCurrent())
		assert.LessOrEqual(t, m.Voltage, s.MaxSafeTemperatureSensorVoltage())
	}

	_, err := s.Temperature()
	assert.NoError(t, err)
}

func TestHeatingToTemperature(t *testing.T) {
	s := newTestSystem()

	// Uncalibrated: no target heating.
	assert.ErrorIs(t, s.StartHeatingToTemperature(1000, nil), calibration.ErrNotCalibrated)

	assert.NoError(t, s.MagicCalibration())

	min, err := s.MinTargetTemperature()
	assert.NoError(t, err)
	max, err := s.MaxTargetTemperature()
	assert.NoError(t, err)
	assert.Less(t, min, max)

	assert.NoError(t, s.StartHeatingToTemperature(1000, nil))
	target, ok := s.TargetTemperature()
	assert.True(t, ok)
	assert.Equal(t, 1000.0, target)

	want, err := s.CalibrationData().CurrentFromTargetTemperature(1000)
	assert.NoError(t, err)
	assert.InDelta(t, want, s.HeatingCurrent(), 1e-9)

	var invalid *InvalidTargetTemperatureError
	assert.ErrorAs(t, s.StartHeatingToTemperature(max+10000, nil), &invalid)

	// A plain heating command forgets the target.
	assert.NoError(t, s.StartHeatingWithCurrent(4.0, nil))
	_, ok = s.TargetTemperature()
	assert.False(t, ok)
}

func TestMaxTargetTemperatureStaysCommandable(t *testing.T) {
	s := newTestSystem()
	assert.NoError(t, s.MagicCalibration())

	max, err := s.MaxTargetTemperature()
	assert.NoError(t, err)
	current, err := s.CalibrationData().CurrentFromTargetTemperature(max)
	assert.NoError(t, err)
	assert.LessOrEqual(t, current, s.MaxHeatingCurrent())
}

func TestMaxTargetTemperatureCappedBySafetyLimit(t *testing.T) {
	s := newTestSystem()
	assert.NoError(t, s.MagicCalibration())

	max, err := s.MaxTargetTemperature()
	assert.NoError(t, err)
	assert.LessOrEqual(t, max, s.MaxSafeTemperature())

	// Within the measured range too: extrapolating beyond the hottest
	// calibration point is guesswork.
	hottest := 0.0
	for _, m := range s.CalibrationData().Measurements() {
		if m.Temperature > hottest {
			hottest = m.Temperature
		}
	}
	assert.LessOrEqual(t, max, hottest)

	// Lowering the safety limit lowers the ceiling, and targets above it
	// stop validating.
	s.SetMaxSafeTemperature(max - 200)
	capped, err := s.MaxTargetTemperature()
	assert.NoError(t, err)
	assert.LessOrEqual(t, capped, max-200)

	ok, err := s.IsValidTargetTemperature(max - 100)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestSetCalibrationData(t *testing.T) {
	med := mediator.New()
	s := New(med, nil, nil)
	old := s.CalibrationData()

	assert.ErrorIs(t, s.SetCalibrationData(nil), ErrNilCalibrationData)
	assert.NoError(t, s.SetCalibrationData(old)) // same store: no-op

	events := 0
	med.AddListener(calibration.EventCalibrationDataChanged, func(mediator.Event) { events++ })

	fresh := calibration.NewData(nil)
	assert.NoError(t, s.SetCalibrationData(fresh))
	assert.Same(t, fresh, s.CalibrationData())
	assert.False(t, old.IsBound())
	assert.Equal(t, 1, events)

	// A store bound to another system is refused.
	other := New(mediator.New(), nil, nil)
	assert.ErrorIs(t, s.SetCalibrationData(other.CalibrationData()), ErrDataBoundElsewhere)
}

func TestStartCalibrationWhileLockedFails(t *testing.T) {
	s := newTestSystem()
	assert.NoError(t, s.Lock("operator"))
	_, err := s.StartCalibration([]float64{4.0})
	assert.ErrorIs(t, err, ErrSystemLocked)
	assert.Nil(t, s.Manager())
}

func TestAbortWithoutRun(t *testing.T) {
	s := newTestSystem()
	assert.ErrorIs(t, s.AbortCalibration(), calibration.ErrCalibrationNotRunning)
}

// TestEndToEndCalibrationRun drives a complete two-stage run against the
// simulated device with time compressed 500x, answering the operator prompts
// with the simulation's ground-truth temperature.
func TestEndToEndCalibrationRun(t *testing.T) {
	if testing.Short() {
		t.Skip("full calibration run takes several seconds")
	}

	med := mediator.New()
	sim := device.NewSimulated(nil)
	assert.NoError(t, sim.SetSpeedFactor(500))

	cfg := &Config{
		Manager: calibration.ManagerConfig{
			TickInterval: 5 * time.Millisecond,
			Fitter: calibration.FitterConfig{
				SleepInterval: 10 * time.Millisecond,
			},
		},
	}
	s := New(med, sim, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go med.Run(ctx)

	med.AddListener(calibration.EventTemperatureRequested, func(e mediator.Event) {
		req := e.(calibration.TemperatureRequested)
		assert.NoError(t, req.Report(sim.CurrentTemperature()))
	})
	overCh := make(chan calibration.CalibrationOver, 1)
	med.AddListener(calibration.EventCalibrationOver, func(e mediator.Event) {
		overCh <- e.(calibration.CalibrationOver)
	})

	med.Do(func() {
		_, err := s.StartCalibration([]float64{4.0, 6.0})
		assert.NoError(t, err)
	})

	var over calibration.CalibrationOver
	select {
	case over = <-overCh:
	case <-time.After(120 * time.Second):
		t.Fatal("calibration run did not finish")
	}

	assert.Equal(t, calibration.StatusFinished, over.Status)
	assert.Equal(t, []float64{4.0, 6.0}, over.UsedCurrents)
	assert.Empty(t, over.UnusedCurrents)

	med.Do(func() {
		assert.False(t, s.IsLocked())
		assert.Nil(t, s.Manager())
		assert.InDelta(t, s.HeatingCurrentWhileIdle(), s.HeatingCurrent(), 1e-9)

		ms := s.CalibrationData().Measurements()
		assert.Len(t, ms, 2)
		assert.Equal(t, 4.0, ms[0].HeatingCurrent)
		assert.Equal(t, 6.0, ms[1].HeatingCurrent)
		// The operator reported ground truth, so each measurement sits
		// near the model's settling temperature for its current.
		for _, m := range ms {
			assert.InDelta(t, sim.FinalTemperatureForCurrent(m.HeatingCurrent), m.Temperature, 25.0)
		}
	})
}
