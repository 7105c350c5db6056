// Command `nose` is the interactive console for the FCI-7011 fiber coupler
// heater: it connects to the controller (or the simulation), runs the staged
// calibration with pyrometer prompts, and drives heating by current or by
// target temperature.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/fci7011/nose-go/calibration"
	"github.com/fci7011/nose-go/device"
	"github.com/fci7011/nose-go/file"
	"github.com/fci7011/nose-go/mediator"
	"github.com/fci7011/nose-go/models"
	serialpkg "github.com/fci7011/nose-go/serial"
	"github.com/fci7011/nose-go/system"
	"github.com/fci7011/nose-go/ui"
)

// App version variables. Set these at build time with -ldflags if desired.
var (
	AppVersion = "dev"
	AppBuild   = "local"
)

// console bundles what the interactive loop needs. The mediator runs on a
// background goroutine; the loop reaches the control state through med.Do.
type console struct {
	med    *mediator.Mediator
	sys    *system.ProductionSystem
	params *models.PARAMETERS
	debug  bool

	// temperature requests and run completions cross from the mediator
	// goroutine to the interactive loop through these channels.
	requests chan func(float64) error
	overs    chan calibration.CalibrationOver
}

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: nose <config.json>")
	}
	for _, a := range os.Args[1:] {
		if a == "--version" || a == "-v" {
			fmt.Printf("%s [build %s]\n", AppVersion, AppBuild)
			return
		}
	}
	configPath := ""
	for _, a := range os.Args[1:] {
		if strings.HasPrefix(a, "-") {
			continue
		}
		configPath = a
		break
	}
	if configPath == "" {
		log.Fatal("Usage: nose <config.json>")
	}

	params, err := file.LoadParameters(configPath)
	if err != nil {
		log.Fatalf("Failed to load %s: %v", configPath, err)
	}
	ui.Debugf(params.DEBUG, "nose starting with config: %s\n", configPath)

	dev, closer, err := openDevice(params, configPath)
	if err != nil {
		log.Fatalf("Failed to open device: %v", err)
	}
	if closer != nil {
		defer closer()
	}

	med := mediator.New()
	sys := system.New(med, dev, system.ConfigFromParameters(params))

	if params.DATAFILE != "" {
		if err := file.LoadCalibrationData(params.DATAFILE, sys.CalibrationData()); err != nil {
			if !os.IsNotExist(err) {
				ui.Warningf("Could not load %s: %v\n", params.DATAFILE, err)
			}
		} else {
			ui.Greenf("Loaded calibration data from %s\n", params.DATAFILE)
		}
	}

	c := &console{
		med:      med,
		sys:      sys,
		params:   params,
		debug:    params.DEBUG,
		requests: make(chan func(float64) error, 1),
		overs:    make(chan calibration.CalibrationOver, 1),
	}
	c.registerListeners()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go med.Run(ctx)

	ui.ClearScreen()
	ui.Greenf("FCI-7011 heater control version: %s [build %s]\n", AppVersion, AppBuild)
	ui.Greenf("--------------------------------------------\n")
	c.run()
}

// openDevice builds the device selected by the config: the simulation, or a
// serial connection (auto-detected when no port is configured, persisting the
// detected port back into the config file).
func openDevice(params *models.PARAMETERS, configPath string) (device.Interface, func(), error) {
	if params.SIMULATION {
		sim := device.NewSimulated(nil)
		if params.SPEED > 0 {
			if err := sim.SetSpeedFactor(params.SPEED); err != nil {
				return nil, nil, err
			}
		}
		ui.Greenf("Using a simulated device (speed factor %.0f)\n", sim.SpeedFactor())
		return sim, nil, nil
	}

	baudrate := 57600
	portName := ""
	if params.SERIAL != nil {
		if params.SERIAL.BAUDRATE != 0 {
			baudrate = params.SERIAL.BAUDRATE
		}
		portName = params.SERIAL.PORT
	}
	var (
		port *serialpkg.FCI7011
		err  error
	)
	if portName == "" {
		ui.Greenf("Auto-detecting serial port...\n")
		port, err = serialpkg.AutoDetect(baudrate)
		if err == nil {
			// Remember the detected port for the next run.
			if params.SERIAL == nil {
				params.SERIAL = &models.SERIAL{BAUDRATE: baudrate}
			}
			params.SERIAL.PORT = port.PortName()
			if perr := file.PersistParameters(configPath, params); perr != nil {
				ui.Warningf("Could not persist detected port: %v\n", perr)
			}
		}
	} else {
		port, err = serialpkg.Open(portName, baudrate)
	}
	if err != nil {
		return nil, nil, err
	}
	version, _ := port.Version()
	ui.Greenf("Connected to %s (%s)\n", port.PortName(), version)
	return port, func() { _ = port.Close() }, nil
}

// registerListeners wires the console onto the event bus. Listeners run on
// the mediator goroutine, so they only print or hand off through channels.
func (c *console) registerListeners() {
	c.med.AddListener(calibration.EventCalibrationStarted, func(e mediator.Event) {
		ev := e.(calibration.CalibrationStarted)
		ui.Greenf("Calibration started over currents %v mA\n", ev.Manager.Currents())
	})
	c.med.AddListener(calibration.EventCalibrationOver, func(e mediator.Event) {
		ev := e.(calibration.CalibrationOver)
		select {
		case c.overs <- ev:
		default:
		}
	})
	c.med.AddListener(calibration.EventTemperatureRequested, func(e mediator.Event) {
		ev := e.(calibration.TemperatureRequested)
		select {
		case c.requests <- ev.Report:
		default:
		}
	})
	c.med.AddListener(system.EventSystemPropertiesChanged, func(e mediator.Event) {
		ev := e.(system.SystemPropertiesChanged)
		ui.Debugf(c.debug, "property changed: %s\n", ev.Property)
	})
}

func (c *console) run() {
	keys := ui.StartKeyEvents()
	for {
		c.printStatus()
		ui.Greenf("\n[C]alibrate  [M]agic calibration  [H]eat current  [T]arget temperature  [I]dle  [S]tatus  [ESC] quit\n> ")
		k, open := <-keys
		if !open {
			return
		}
		fmt.Println()
		switch k {
		case ui.KeyEsc, 'q', 'Q':
			c.idleAndExit()
			return
		case 'c', 'C':
			c.runCalibration()
		case 'm', 'M':
			c.magicCalibration()
		case 'h', 'H':
			c.heatToCurrent()
		case 't', 'T':
			c.heatToTemperature()
		case 'i', 'I':
			c.idle()
		case 's', 'S':
			// Status is printed at the top of the loop.
		}
	}
}

func (c *console) printStatus() {
	var (
		current, voltage, position float64
		temperature                float64
		hasTemperature             bool
		calibrated, safeMode       bool
	)
	c.med.Do(func() {
		current = c.sys.HeatingCurrent()
		voltage = c.sys.TemperatureSensorVoltage()
		position = c.sys.HeaterPosition()
		calibrated = c.sys.IsCalibrated()
		safeMode = c.sys.IsInSafeMode()
		if t, err := c.sys.Temperature(); err == nil {
			temperature = t
			hasTemperature = true
		}
	})
	fmt.Printf("\nCurrent: %.2f mA   Voltage: %.4f V   Heater position: %.2f\n", current, voltage, position)
	if hasTemperature {
		fmt.Printf("Estimated temperature: %.1f degC\n", temperature)
	}
	if !calibrated {
		ui.Warningf("System is not calibrated.\n")
	}
	if safeMode {
		ui.Redf("SAFE MODE is active. A new heating command clears it.\n")
	}
}

// runCalibration starts a run over the configured currents and services it:
// pyrometer prompts, periodic progress, ESC to abort.
func (c *console) runCalibration() {
	currents := c.params.CURRENTS
	if len(currents) == 0 {
		ui.Warningf("No CURRENTS configured; nothing to calibrate with.\n")
		return
	}
	var startErr error
	c.med.Do(func() {
		_, startErr = c.sys.StartCalibration(currents)
	})
	if startErr != nil {
		ui.Redf("Could not start calibration: %v\n", startErr)
		return
	}

	ui.DrainKeys()
	keys := ui.StartKeyEvents()
	progress := time.NewTicker(2 * time.Second)
	defer progress.Stop()
	for {
		select {
		case report := <-c.requests:
			ui.DrainKeys()
			value, ok := ui.ReadNumber("Pyrometer temperature [degC] (ESC aborts): ")
			if !ok {
				c.abortCalibration()
				continue
			}
			var err error
			c.med.Do(func() { err = report(value) })
			if err != nil {
				ui.Warningf("Report not accepted: %v\n", err)
			}
		case over := <-c.overs:
			c.finishCalibration(over)
			return
		case <-progress.C:
			c.printProgress()
		case k := <-keys:
			if k == ui.KeyEsc {
				c.abortCalibration()
			}
		}
	}
}

func (c *console) abortCalibration() {
	var err error
	c.med.Do(func() { err = c.sys.AbortCalibration() })
	if err != nil && err != calibration.ErrCalibrationNotRunning {
		ui.Warningf("Abort failed: %v\n", err)
	}
}

func (c *console) printProgress() {
	var (
		running bool
		ext     calibration.ExtendedProgress
		overall float64
	)
	c.med.Do(func() {
		m := c.sys.Manager()
		if m == nil {
			return
		}
		running = m.IsRunning()
		overall = m.Progress()
		ext = m.GetExtendedProgress()
	})
	if !running {
		return
	}
	if ext.TimesKnown {
		fmt.Printf("Stage %d/%d: %3.0f%%   total: %3.0f%%   ~%s left\n",
			ext.StageIndex+1, ext.StageCount, ext.StageProgress*100, ext.TotalProgress*100,
			time.Duration(ext.TotalTimeLeft*float64(time.Second)).Round(time.Second))
	} else {
		fmt.Printf("Stage %d/%d: %3.0f%%   total: %3.0f%%\n",
			ext.StageIndex+1, ext.StageCount, ext.StageProgress*100, overall*100)
	}
}

func (c *console) finishCalibration(over calibration.CalibrationOver) {
	switch over.Status {
	case calibration.StatusFinished:
		ui.Greenf("Calibration finished. Currents measured: %v mA\n", over.UsedCurrents)
	case calibration.StatusAborted:
		ui.Warningf("Calibration aborted. Unused currents: %v mA\n", over.UnusedCurrents)
	case calibration.StatusSafeModeTriggered:
		ui.Redf("Calibration stopped by safe mode. Unused currents: %v mA\n", over.UnusedCurrents)
	case calibration.StatusInvalidCurrent:
		ui.Redf("Calibration stopped on an invalid current. Unused currents: %v mA\n", over.UnusedCurrents)
	}
	c.saveCalibrationData()
}

// saveCalibrationData snapshots the store into its XML form on the mediator
// goroutine; only the disk write happens outside.
func (c *console) saveCalibrationData() {
	if c.params.DATAFILE == "" {
		return
	}
	var (
		has     bool
		encoded []byte
		err     error
	)
	c.med.Do(func() {
		has = c.sys.CalibrationData().HasMeasurements()
		if has {
			encoded, err = file.EncodeCalibrationData(c.sys.CalibrationData())
		}
	})
	if !has {
		return
	}
	if err == nil {
		err = os.WriteFile(c.params.DATAFILE, encoded, 0644)
	}
	if err != nil {
		ui.Redf("Could not save calibration data: %v\n", err)
		return
	}
	ui.Greenf("Calibration data saved to %s\n", c.params.DATAFILE)
}

func (c *console) magicCalibration() {
	var err error
	c.med.Do(func() { err = c.sys.MagicCalibration() })
	if err != nil {
		ui.Redf("Magic calibration failed: %v\n", err)
		return
	}
	ui.Greenf("Calibration data synthesized from the simulation model.\n")
	c.saveCalibrationData()
}

func (c *console) heatToCurrent() {
	ui.DrainKeys()
	value, ok := ui.ReadNumber("Heating current [mA]: ")
	if !ok {
		return
	}
	var err error
	c.med.Do(func() { err = c.sys.StartHeatingWithCurrent(value, nil) })
	if err != nil {
		ui.Redf("Heating command rejected: %v\n", err)
		return
	}
	ui.Greenf("Heating with %.2f mA\n", value)
}

func (c *console) heatToTemperature() {
	ui.DrainKeys()
	value, ok := ui.ReadNumber("Target temperature [degC]: ")
	if !ok {
		return
	}
	var (
		err     error
		current float64
	)
	c.med.Do(func() {
		err = c.sys.StartHeatingToTemperature(value, nil)
		if err == nil {
			current = c.sys.HeatingCurrent()
		}
	})
	if err != nil {
		ui.Redf("Heating command rejected: %v\n", err)
		return
	}
	ui.Greenf("Heating towards %.1f degC with %.2f mA\n", value, current)
}

func (c *console) idle() {
	var err error
	c.med.Do(func() { err = c.sys.Idle(nil) })
	if err != nil {
		ui.Redf("Idle command rejected: %v\n", err)
		return
	}
	ui.Greenf("Idling.\n")
}

// idleAndExit brings the heater down to the idle current before quitting, so
// the filament is never left hot by accident.
func (c *console) idleAndExit() {
	c.abortIfRunning()
	c.idle()
}

func (c *console) abortIfRunning() {
	var running bool
	c.med.Do(func() { running = c.sys.IsBeingCalibrated() })
	if running {
		c.abortCalibration()
	}
}
