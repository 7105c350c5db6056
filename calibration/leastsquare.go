package calibration

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fci7011/nose-go/matrix"
)

// Solution is one fitted heating-stage model: the filament relaxes from
// StartingTemperature towards FinalTemperature with time constant Tau, and
// the sensor voltage is the quartic Coefficients evaluated at the
// temperature.
type Solution struct {
	StartingTemperature float64
	FinalTemperature    float64
	Tau                 float64
	Coefficients        matrix.Poly
}

// TemperatureAt returns the modeled temperature t seconds into the stage.
func (s Solution) TemperatureAt(t float64) float64 {
	return s.StartingTemperature +
		(s.FinalTemperature-s.StartingTemperature)*(1-math.Exp(-t/s.Tau))
}

// VoltageAt returns the modeled sensor voltage t seconds into the stage.
func (s Solution) VoltageAt(t float64) float64 {
	return s.Coefficients.Eval(s.TemperatureAt(t))
}

// FirstStageEstimates is the cold-start guess for the first heating stage.
func FirstStageEstimates(current float64) Solution {
	return Solution{
		StartingTemperature: 20.0,
		FinalTemperature:    75.0 * current,
		Tau:                 100.0,
		Coefficients:        matrix.Poly{0.001, -0.01, 0.1, -1.0, 0.0},
	}
}

// NextStageEstimates seeds a subsequent stage from the previous one: the
// operator-reported temperature anchors the start, the final temperature is
// extrapolated from the current step, and the time constant and voltage
// coefficients carry over.
func NextStageEstimates(previous Solution, reportedTemperature, currentDelta float64) Solution {
	return Solution{
		StartingTemperature: reportedTemperature,
		FinalTemperature:    reportedTemperature + 75.0*currentDelta,
		Tau:                 previous.Tau,
		Coefficients:        append(matrix.Poly(nil), previous.Coefficients...),
	}
}

// FitterConfig sets the sampling thresholds of a Fitter. Zero fields get the
// defaults (12 samples, 1 s between attempts, 200 iterations).
type FitterConfig struct {
	VoltagesRequired int
	SleepInterval    time.Duration
	MaxIterations    int
}

func (c *FitterConfig) withDefaults() FitterConfig {
	out := FitterConfig{}
	if c != nil {
		out = *c
	}
	if out.VoltagesRequired == 0 {
		out.VoltagesRequired = 12
	}
	if out.SleepInterval == 0 {
		out.SleepInterval = time.Second
	}
	if out.MaxIterations == 0 {
		out.MaxIterations = 200
	}
	return out
}

type sampleSet struct {
	times    []float64
	voltages []float64
}

// Fitter estimates a Solution from voltage samples on a background
// goroutine. It keeps refitting from the freshest data, warm-starting each
// attempt from the last published solution, and never withdraws a published
// solution. Stop is cooperative; an attempt in flight runs to completion.
type Fitter struct {
	cfg   FitterConfig
	start Solution

	data      atomic.Pointer[sampleSet]
	solution  atomic.Pointer[Solution]
	solutions atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewFitter(start Solution, cfg *FitterConfig) *Fitter {
	return &Fitter{
		cfg:   cfg.withDefaults(),
		start: start,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the fitting goroutine. Call at most once.
func (f *Fitter) Start() {
	go f.run()
}

// Stop asks the fitting goroutine to exit. It returns immediately; Done
// closes once the goroutine is gone. Safe to call multiple times.
func (f *Fitter) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
}

// Done closes when the fitting goroutine has exited.
func (f *Fitter) Done() <-chan struct{} { return f.done }

// RefreshData replaces the sample set atomically. Slices must be the same
// length; sets smaller than VoltagesRequired are ignored (the previous set,
// if any, stays in effect).
func (f *Fitter) RefreshData(times, voltages []float64) error {
	if len(times) != len(voltages) {
		return errors.New("calibration: times and voltages differ in length")
	}
	if len(voltages) < f.cfg.VoltagesRequired {
		return nil
	}
	set := &sampleSet{
		times:    append([]float64(nil), times...),
		voltages: append([]float64(nil), voltages...),
	}
	f.data.Store(set)
	return nil
}

// Solution returns a copy of the latest published solution, or nil if no fit
// has converged yet.
func (f *Fitter) Solution() *Solution {
	s := f.solution.Load()
	if s == nil {
		return nil
	}
	out := *s
	out.Coefficients = append(matrix.Poly(nil), s.Coefficients...)
	return &out
}

// SolutionsFound returns how many fits have been published so far.
func (f *Fitter) SolutionsFound() int {
	return int(f.solutions.Load())
}

func (f *Fitter) run() {
	defer close(f.done)
	timer := time.NewTimer(f.cfg.SleepInterval)
	defer timer.Stop()
	for {
		select {
		case <-f.stop:
			return
		default:
		}
		f.findSolution()
		select {
		case <-f.stop:
			return
		case <-timer.C:
			timer.Reset(f.cfg.SleepInterval)
		}
	}
}

// findSolution runs one fit attempt against the freshest sample set. A
// failed attempt leaves the published solution untouched.
func (f *Fitter) findSolution() {
	set := f.data.Load()
	if set == nil || len(set.voltages) < f.cfg.VoltagesRequired {
		return
	}
	guess := f.start
	if s := f.solution.Load(); s != nil {
		guess = *s
	}
	fitted, ok := fitStageModel(set.times, set.voltages, guess, f.cfg.MaxIterations)
	if !ok {
		return
	}
	published := fitted
	published.Coefficients = append(matrix.Poly(nil), fitted.Coefficients...)
	f.solution.Store(&published)
	f.solutions.Add(1)
}

func solutionToParams(s Solution) []float64 {
	p := make([]float64, 8)
	p[0] = s.StartingTemperature
	p[1] = s.FinalTemperature
	p[2] = s.Tau
	copy(p[3:], s.Coefficients)
	return p
}

func paramsToSolution(p []float64) Solution {
	return Solution{
		StartingTemperature: p[0],
		FinalTemperature:    p[1],
		Tau:                 p[2],
		Coefficients:        append(matrix.Poly(nil), p[3:8]...),
	}
}

func stageResiduals(times, voltages, p []float64) ([]float64, float64, bool) {
	if p[2] <= 0 || math.IsNaN(p[2]) {
		return nil, 0, false
	}
	s := paramsToSolution(p)
	model := matrix.NewVector(len(times))
	for i, t := range times {
		model.Values[i] = s.VoltageAt(t)
	}
	r := model.Sub(matrix.NewVectorFrom(voltages))
	norm := r.Norm()
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, 0, false
	}
	return r.Values, norm * norm, true
}

func stageJacobian(times, p []float64) *matrix.Matrix {
	t0, t1, tau := p[0], p[1], p[2]
	poly := matrix.Poly(p[3:8])
	dPoly := poly.Derivative()
	j := matrix.NewMatrix(len(times), 8)
	for i, t := range times {
		e := math.Exp(-t / tau)
		temp := t0 + (t1-t0)*(1-e)
		dVdT := dPoly.Eval(temp)
		j.Values[i][0] = dVdT * e
		j.Values[i][1] = dVdT * (1 - e)
		j.Values[i][2] = dVdT * -(t1 - t0) * e * t / (tau * tau)
		t2 := temp * temp
		j.Values[i][3] = t2 * t2
		j.Values[i][4] = t2 * temp
		j.Values[i][5] = t2
		j.Values[i][6] = temp
		j.Values[i][7] = 1
	}
	return j
}

// fitStageModel runs a Levenberg-Marquardt descent on the 8-parameter stage
// model. The Jacobian columns span ~20 orders of magnitude (T^4 against the
// constant term), so the normal equations are formed on unit-normed columns
// and the step is unscaled afterwards; the damped 8x8 system is solved
// through the SVD pseudo-inverse.
func fitStageModel(times, voltages []float64, guess Solution, maxIter int) (Solution, bool) {
	p := solutionToParams(guess)
	r, cost, ok := stageResiduals(times, voltages, p)
	if !ok {
		return Solution{}, false
	}

	lambda := 1e-3
	progressed := false
	for iter := 0; iter < maxIter; iter++ {
		j := stageJacobian(times, p)

		scale := make([]float64, 8)
		for col := 0; col < 8; col++ {
			sum := 0.0
			for row := 0; row < j.Rows; row++ {
				v := j.Values[row][col]
				sum += v * v
			}
			scale[col] = math.Sqrt(sum)
			if scale[col] == 0 {
				scale[col] = 1
			}
		}
		js := matrix.NewMatrix(j.Rows, 8)
		for row := 0; row < j.Rows; row++ {
			for col := 0; col < 8; col++ {
				js.Values[row][col] = j.Values[row][col] / scale[col]
			}
		}
		base := js.Transposed().Mul(js)
		g := js.Transposed().MulVector(matrix.NewVectorFrom(r))

		stepped := false
		var pNew []float64
		var rNew []float64
		var costNew float64
		for try := 0; try < 12; try++ {
			a := matrix.NewMatrix(8, 8)
			for row := 0; row < 8; row++ {
				copy(a.Values[row], base.Values[row])
				a.Values[row][row] += lambda
			}
			inv := a.InverseSVD()
			if inv == nil {
				lambda *= 10
				continue
			}
			delta := inv.MulVector(g)
			pNew = make([]float64, 8)
			for k := 0; k < 8; k++ {
				pNew[k] = p[k] - delta.Values[k]/scale[k]
			}
			var okNew bool
			rNew, costNew, okNew = stageResiduals(times, voltages, pNew)
			if okNew && costNew < cost {
				stepped = true
				break
			}
			lambda *= 10
			if lambda > 1e12 {
				break
			}
		}
		if !stepped {
			// Stuck: accept the current point only if some progress was made
			// or the start was already a good fit.
			return paramsToSolution(p), progressed || cost <= 1e-12*float64(len(times))
		}

		improvement := cost - costNew
		p, r, cost = pNew, rNew, costNew
		progressed = true
		lambda /= 10
		if lambda < 1e-12 {
			lambda = 1e-12
		}
		if improvement <= 1e-12*(cost+1e-12) {
			break
		}
	}
	return paramsToSolution(p), true
}
