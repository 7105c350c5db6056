// Package calibration implements the FCI-7011 calibration run: the staged
// heating state machine, the background curve fitter that estimates each
// stage's thermal response, and the measurement store holding the fitted
// estimation polynomials.
package calibration

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/fci7011/nose-go/mediator"
)

// State is where a calibration run currently stands.
type State int

const (
	StateNotYetStarted State = iota
	StateMovingHeater
	StateHeating
	StateWaitingForTemperature
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNotYetStarted:
		return "NOT_YET_STARTED"
	case StateMovingHeater:
		return "MOVING_HEATER"
	case StateHeating:
		return "HEATING"
	case StateWaitingForTemperature:
		return "WAITING_FOR_TEMPERATURE"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status says how a finished run ended.
type Status int

const (
	StatusAborted Status = iota
	StatusSafeModeTriggered
	StatusInvalidCurrent
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusAborted:
		return "ABORTED"
	case StatusSafeModeTriggered:
		return "SAFE_MODE_TRIGGERED"
	case StatusInvalidCurrent:
		return "INVALID_CURRENT"
	case StatusFinished:
		return "FINISHED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

var (
	// ErrCalibrationAlreadyStarted is returned by StartCalibration on a
	// manager that already ran or is running. Managers are single-shot.
	ErrCalibrationAlreadyStarted = errors.New("calibration: already started")
	// ErrCalibrationNotRunning is returned by AbortCalibration when there is
	// nothing to abort.
	ErrCalibrationNotRunning = errors.New("calibration: not running")
	// ErrNoTemperatureRequested is returned by ReportTemperature when no
	// request is outstanding.
	ErrNoTemperatureRequested = errors.New("calibration: no temperature requested")
)

// ManagerConfig sets the run parameters of a Manager. Zero fields get the
// defaults (250 ms ticks, 1 degC precision).
type ManagerConfig struct {
	// TickInterval is how often the manager samples the device.
	TickInterval time.Duration
	// Precision is how close to the settling temperature a stage must get,
	// in degC, before the operator is asked for a reading.
	Precision float64
	// Fitter configures the per-stage curve fitters.
	Fitter FitterConfig
}

func (c *ManagerConfig) withDefaults() ManagerConfig {
	out := ManagerConfig{}
	if c != nil {
		out = *c
	}
	if out.TickInterval == 0 {
		out.TickInterval = 250 * time.Millisecond
	}
	if out.Precision == 0 {
		out.Precision = 1.0
	}
	out.Fitter = out.Fitter.withDefaults()
	return out
}

// ExtendedProgress is the run-wide progress estimate derived from the stage
// model. Time estimates need at least one usable stage model; TimesKnown is
// false until then and the time fields are meaningless while it is.
type ExtendedProgress struct {
	StageIndex    int     `json:"stageIndex"`
	StageCount    int     `json:"stageCount"`
	StageProgress float64 `json:"stageProgress"`
	TotalProgress float64 `json:"totalProgress"`
	StageTimeLeft float64 `json:"stageTimeLeft"`
	TotalTimeLeft float64 `json:"totalTimeLeft"`
	TimesKnown    bool    `json:"timesKnown"`
}

// Manager runs one calibration: for each heating current (ascending) it
// inserts the heater, applies the current, watches the sensor voltage until
// the fitted stage model says the filament has settled, asks the operator
// for a pyrometer reading, and stores the measurement. The manager locks the
// system for the whole run, using itself as the key, and is single-shot.
type Manager struct {
	cfg    ManagerConfig
	system System

	currents []float64

	state             State
	lastStatus        Status
	heatingStageIndex int

	initialHeaterPosition  float64
	stageStart             time.Time
	totalPreviousStageTime float64
	times                  []float64
	voltages               []float64

	stageEstimates Solution
	fitter         *Fitter
	tickTimeout    *mediator.Timeout

	now func() time.Time
}

// NewManager builds a manager for one run over the given heating currents.
// The currents are deduplicated and sorted ascending; the run visits them in
// that order.
func NewManager(system System, currents []float64, cfg *ManagerConfig) *Manager {
	unique := make(map[float64]struct{}, len(currents))
	cleaned := make([]float64, 0, len(currents))
	for _, c := range currents {
		if _, ok := unique[c]; ok {
			continue
		}
		unique[c] = struct{}{}
		cleaned = append(cleaned, c)
	}
	sort.Float64s(cleaned)
	return &Manager{
		cfg:               cfg.withDefaults(),
		system:            system,
		currents:          cleaned,
		state:             StateNotYetStarted,
		heatingStageIndex: -1,
		now:               time.Now,
	}
}

func (m *Manager) System() System { return m.system }

// Currents returns the cleaned heating currents of this run.
func (m *Manager) Currents() []float64 {
	return append([]float64(nil), m.currents...)
}

func (m *Manager) State() State { return m.state }

// LastStatus returns how the run ended; ok is false until it has.
func (m *Manager) LastStatus() (Status, bool) {
	return m.lastStatus, m.state == StateDone
}

func (m *Manager) IsRunning() bool {
	return m.state != StateNotYetStarted && m.state != StateDone
}

// HeatingStageIndex returns the zero-based index of the running stage, or -1
// before the first stage starts.
func (m *Manager) HeatingStageIndex() int { return m.heatingStageIndex }

func (m *Manager) HeatingStageCount() int { return len(m.currents) }

// RemainingHeatingStageCount counts the stages not yet started.
func (m *Manager) RemainingHeatingStageCount() int {
	remaining := len(m.currents) - (m.heatingStageIndex + 1)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// StartCalibration locks the system and begins the run. It fails when the
// manager has already been started or when the system cannot be locked.
func (m *Manager) StartCalibration() error {
	if m.state != StateNotYetStarted {
		return ErrCalibrationAlreadyStarted
	}
	if err := m.system.Lock(m); err != nil {
		return err
	}
	m.system.Mediator().NoteEvent(CalibrationStarted{System: m.system, Manager: m})
	m.tickTimeout = m.system.Mediator().AddTimeout(m.cfg.TickInterval, m.tick)
	if m.hasMoreHeatingStages() {
		m.startHeaterMovement()
	} else {
		m.done(m.explainNoMoreHeatingStages())
	}
	return nil
}

// AbortCalibration ends the run with StatusAborted.
func (m *Manager) AbortCalibration() error {
	if !m.IsRunning() {
		return ErrCalibrationNotRunning
	}
	m.done(StatusAborted)
	return nil
}

// tick is the mediator timeout driving the run. It returns false once the
// run is done so the timeout is dropped.
func (m *Manager) tick() bool {
	if m.state == StateDone {
		return false
	}
	if m.system.IsInSafeMode() {
		m.done(StatusSafeModeTriggered)
		return false
	}
	switch m.state {
	case StateMovingHeater:
		m.checkHeaterPosition()
	case StateHeating:
		m.checkHeatingProgress()
	case StateWaitingForTemperature:
		// Nothing to drive; the operator report moves the run along.
	}
	return m.state != StateDone
}

func (m *Manager) hasMoreHeatingStages() bool {
	next := m.heatingStageIndex + 1
	if next >= len(m.currents) {
		return false
	}
	c := m.currents[next]
	return c >= 0 && c <= m.system.MaxHeatingCurrent()
}

// explainNoMoreHeatingStages distinguishes a run that visited every current
// from one stopped by an out-of-range current.
func (m *Manager) explainNoMoreHeatingStages() Status {
	if m.heatingStageIndex+1 >= len(m.currents) {
		return StatusFinished
	}
	return StatusInvalidCurrent
}

func (m *Manager) startHeaterMovement() {
	m.initialHeaterPosition = m.system.HeaterPosition()
	m.state = StateMovingHeater
	if err := m.system.StartHeaterMovement(1.0, m); err != nil {
		log.Printf("calibration: heater movement failed: %v", err)
		m.done(StatusAborted)
	}
}

func (m *Manager) checkHeaterPosition() {
	if m.system.HeaterPosition() >= 1.0 {
		m.startHeatingStage(0, false)
	}
}

// startHeatingStage begins the next stage. For stages after the first the
// operator's reading anchors the fit seed and the previous stage's solution
// (or its seed, if no fit converged) supplies the rest.
func (m *Manager) startHeatingStage(reportedTemperature float64, hasPrevious bool) {
	next := m.heatingStageIndex + 1
	current := m.currents[next]

	if hasPrevious {
		previous := m.stageEstimates
		if sol := m.fitter.Solution(); sol != nil {
			previous = *sol
		}
		delta := current - m.currents[m.heatingStageIndex]
		m.stageEstimates = NextStageEstimates(previous, reportedTemperature, delta)
	} else {
		m.stageEstimates = FirstStageEstimates(current)
	}

	m.heatingStageIndex = next
	if err := m.system.StartHeatingWithCurrent(current, m); err != nil {
		log.Printf("calibration: heating command failed: %v", err)
		m.done(StatusInvalidCurrent)
		return
	}
	m.stageStart = m.now()
	m.times = nil
	m.voltages = nil
	m.fitter = NewFitter(m.stageEstimates, &m.cfg.Fitter)
	m.fitter.Start()
	m.state = StateHeating
}

// checkHeatingProgress records one voltage sample and either feeds the
// fitter or, once the stage model says the filament has settled, closes the
// stage and asks for the operator reading.
func (m *Manager) checkHeatingProgress() {
	elapsed := m.now().Sub(m.stageStart).Seconds()
	m.times = append(m.times, elapsed)
	m.voltages = append(m.voltages, m.system.TemperatureSensorVoltage())

	if m.Progress() < 1.0 {
		if err := m.fitter.RefreshData(m.times, m.voltages); err != nil {
			log.Printf("calibration: refresh failed: %v", err)
		}
		return
	}
	m.totalPreviousStageTime += elapsed
	m.fitter.Stop()
	m.sendTemperatureRequest()
}

func (m *Manager) sendTemperatureRequest() {
	m.state = StateWaitingForTemperature
	m.system.Mediator().NoteEvent(TemperatureRequested{
		System:  m.system,
		Manager: m,
		Report:  m.ReportTemperature,
	})
}

// ReportTemperature accepts the operator's pyrometer reading for the settled
// stage, stores the measurement, and moves the run along.
func (m *Manager) ReportTemperature(temperature float64) error {
	if m.state != StateWaitingForTemperature {
		return ErrNoTemperatureRequested
	}
	current := m.system.HeatingCurrent()
	voltage := m.system.TemperatureSensorVoltage()
	m.system.CalibrationData().AddMeasurement(current, voltage, temperature)
	m.system.Mediator().NoteEvent(TemperatureRequestOver{System: m.system, Manager: m})
	if m.hasMoreHeatingStages() {
		m.startHeatingStage(temperature, true)
	} else {
		m.done(m.explainNoMoreHeatingStages())
	}
	return nil
}

// finishedHeatingStages says how many of the run's currents count as used
// for the given ending. A run that ran out of currents (or hit an invalid
// one) completed every stage up to and including the current index; an abort
// or safe-mode stop forfeits the stage in flight.
func (m *Manager) finishedHeatingStages(status Status) int {
	switch status {
	case StatusFinished, StatusInvalidCurrent:
		return m.heatingStageIndex + 1
	default:
		if m.heatingStageIndex < 0 {
			return 0
		}
		return m.heatingStageIndex
	}
}

// done ends the run exactly once: retracts any outstanding temperature
// request, stops the fitter, idles and unlocks the system, and publishes
// CalibrationOver with the used/unused current split. A safe-mode ending
// skips the idle: the watchdog already forced its current, and a fresh
// heating command would clear the sticky flag it just raised.
func (m *Manager) done(status Status) {
	if m.state == StateDone {
		return
	}
	if m.state == StateWaitingForTemperature {
		m.system.Mediator().NoteEvent(TemperatureRequestOver{System: m.system, Manager: m})
	}
	m.state = StateDone
	m.lastStatus = status
	if m.tickTimeout != nil {
		m.tickTimeout.Cancel()
	}
	if m.fitter != nil {
		m.fitter.Stop()
	}
	if status != StatusSafeModeTriggered {
		if err := m.system.Idle(m); err != nil {
			log.Printf("calibration: failed to idle system: %v", err)
		}
	}
	if err := m.system.Unlock(m); err != nil {
		log.Printf("calibration: failed to unlock system: %v", err)
	}
	used := m.finishedHeatingStages(status)
	m.system.Mediator().NoteEvent(CalibrationOver{
		System:         m.system,
		Manager:        m,
		Status:         status,
		UsedCurrents:   append([]float64(nil), m.currents[:used]...),
		UnusedCurrents: append([]float64(nil), m.currents[used:]...),
	})
}

// Progress returns the progress of the present stage in [0, 1].
func (m *Manager) Progress() float64 {
	switch m.state {
	case StateNotYetStarted:
		return 0.0
	case StateMovingHeater:
		return m.heaterMovementProgress()
	case StateHeating:
		sol := m.fitter.Solution()
		if sol == nil {
			return 0.0
		}
		timePassed := 0.0
		if len(m.times) > 0 {
			timePassed = m.times[len(m.times)-1]
		}
		return m.heatingProgress(sol.StartingTemperature, sol.FinalTemperature, sol.Tau, timePassed)
	default:
		return 1.0
	}
}

func (m *Manager) heaterMovementProgress() float64 {
	if m.initialHeaterPosition >= 1.0 {
		return 1.0
	}
	p := (m.system.HeaterPosition() - m.initialHeaterPosition) / (1.0 - m.initialHeaterPosition)
	return clampUnit(p)
}

// heatingProgress maps elapsed stage time onto [0, 1], where 1 means the
// modeled temperature is within the configured precision of its final value.
// The formula is symmetric: a cooling stage (t1 < t0) behaves the same as a
// heating one.
func (m *Manager) heatingProgress(t0, t1, tau, timePassed float64) float64 {
	if t1 == t0 {
		return 1.0
	}
	target := t1 - m.cfg.Precision
	if t1 < t0 {
		target = t1 + m.cfg.Precision
	}
	ratio := (target - t0) / (t1 - t0)
	if ratio <= 0 {
		// The precision band already covers the whole excursion.
		return 1.0
	}
	timeRequired := -tau * math.Log(1-ratio)
	if timeRequired <= 0 {
		return 1.0
	}
	return clampUnit(timePassed / timeRequired)
}

// GetExtendedProgress derives run-wide progress and time-left estimates from
// the stage model and the time already spent.
func (m *Manager) GetExtendedProgress() ExtendedProgress {
	out := ExtendedProgress{
		StageIndex:    m.heatingStageIndex,
		StageCount:    len(m.currents),
		StageProgress: m.Progress(),
	}
	if m.state == StateDone {
		out.TotalProgress = 1.0
		out.TimesKnown = true
		return out
	}
	if m.heatingStageIndex < 0 {
		return out
	}

	stageTimePassed := 0.0
	if len(m.times) > 0 {
		stageTimePassed = m.times[len(m.times)-1]
	}
	totalTimePassed := m.totalPreviousStageTime + stageTimePassed

	stageTimeNeeded := 0.0
	switch {
	case out.StageProgress > 0:
		stageTimeNeeded = stageTimePassed / out.StageProgress
	case m.heatingStageIndex > 0:
		// No model yet for this stage: assume it takes as long as the
		// previous stages did on average.
		stageTimeNeeded = m.totalPreviousStageTime / float64(m.heatingStageIndex)
	default:
		return out
	}

	stageTimeLeft := stageTimeNeeded - stageTimePassed
	if stageTimeLeft < 0 {
		stageTimeLeft = 0
	}
	averageStageTime := (m.totalPreviousStageTime + stageTimeNeeded) / float64(m.heatingStageIndex+1)
	stagesAhead := len(m.currents) - m.heatingStageIndex - 1
	if stagesAhead < 0 {
		stagesAhead = 0
	}
	totalTimeLeft := stageTimeLeft + averageStageTime*float64(stagesAhead)

	out.StageTimeLeft = stageTimeLeft
	out.TotalTimeLeft = totalTimeLeft
	if totalTimePassed+totalTimeLeft > 0 {
		out.TotalProgress = totalTimePassed / (totalTimePassed + totalTimeLeft)
	}
	out.TimesKnown = true
	return out
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
