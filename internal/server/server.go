// Package server exposes the FCI-7011 control system over HTTP and
// WebSocket for the browser frontend. It is a thin facade: every mutation is
// marshalled onto the mediator goroutine, so the control state stays
// single-threaded no matter how many requests arrive.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/fci7011/nose-go/calibration"
	"github.com/fci7011/nose-go/device"
	"github.com/fci7011/nose-go/file"
	"github.com/fci7011/nose-go/mediator"
	"github.com/fci7011/nose-go/serial"
	"github.com/fci7011/nose-go/system"
)

// Server routes the REST API, the event WebSocket, and the static frontend.
//
// All fields below sys are owned by the mediator goroutine; handlers reach
// them through med.Do only.
type Server struct {
	med    *mediator.Mediator
	cfg    *system.Config
	hub    *WSHub
	mux    *http.ServeMux
	webDir string

	sys           *system.ProductionSystem
	port          *serial.FCI7011
	pendingReport func(temperature float64) error
}

// New builds a server that is not yet connected to any device. Call Connect
// (directly before the mediator runs, or through /api/connect afterwards) to
// attach one.
func New(med *mediator.Mediator, cfg *system.Config, webDir string) *Server {
	s := &Server{
		med:    med,
		cfg:    cfg,
		hub:    NewWSHub(),
		mux:    http.NewServeMux(),
		webDir: webDir,
	}
	s.registerEventBridge()
	s.routes()
	return s
}

// Handler returns the root handler for http.Serve.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/ports", s.handlePorts)
	s.mux.HandleFunc("/api/connect", s.handleConnect)
	s.mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/calibration/start", s.handleCalibrationStart)
	s.mux.HandleFunc("/api/calibration/abort", s.handleCalibrationAbort)
	s.mux.HandleFunc("/api/calibration/temperature", s.handleCalibrationTemperature)
	s.mux.HandleFunc("/api/calibration/progress", s.handleCalibrationProgress)
	s.mux.HandleFunc("/api/calibration/magic", s.handleMagicCalibration)
	s.mux.HandleFunc("/api/data", s.handleData)
	s.mux.HandleFunc("/api/data/measurement", s.handleDataMeasurement)
	s.mux.HandleFunc("/api/data/upload", s.handleDataUpload)
	s.mux.HandleFunc("/api/data/download", s.handleDataDownload)
	s.mux.HandleFunc("/api/heating/current", s.handleHeatingCurrent)
	s.mux.HandleFunc("/api/heating/temperature", s.handleHeatingTemperature)
	s.mux.HandleFunc("/api/heater/position", s.handleHeaterPosition)
	s.mux.HandleFunc("/api/simulation/speed", s.handleSimulationSpeed)
	s.mux.HandleFunc("/ws/events", s.handleWSEvents)
	s.mux.HandleFunc("/", s.handleStatic)
}

// Event bridge --------------------------------------------------------------

// registerEventBridge forwards every control event to the WebSocket hub and
// keeps the outstanding temperature-report callback, so the REST endpoint can
// answer a prompt raised on the mediator goroutine.
func (s *Server) registerEventBridge() {
	s.med.AddListener(calibration.EventCalibrationStarted, func(e mediator.Event) {
		ev := e.(calibration.CalibrationStarted)
		s.hub.Broadcast(WSMessage{Type: string(e.EventType()), Data: map[string]interface{}{
			"currents": ev.Manager.Currents(),
		}})
	})
	s.med.AddListener(calibration.EventCalibrationOver, func(e mediator.Event) {
		ev := e.(calibration.CalibrationOver)
		s.pendingReport = nil
		s.hub.Broadcast(WSMessage{Type: string(e.EventType()), Data: map[string]interface{}{
			"status":         ev.Status.String(),
			"usedCurrents":   ev.UsedCurrents,
			"unusedCurrents": ev.UnusedCurrents,
		}})
	})
	s.med.AddListener(calibration.EventTemperatureRequested, func(e mediator.Event) {
		ev := e.(calibration.TemperatureRequested)
		s.pendingReport = ev.Report
		s.hub.Broadcast(WSMessage{Type: string(e.EventType()), Data: map[string]interface{}{
			"stageIndex": ev.Manager.HeatingStageIndex(),
		}})
	})
	s.med.AddListener(calibration.EventTemperatureRequestOver, func(e mediator.Event) {
		s.pendingReport = nil
		s.hub.Broadcast(WSMessage{Type: string(e.EventType())})
	})
	s.med.AddListener(calibration.EventCalibrationDataChanged, func(e mediator.Event) {
		ev := e.(calibration.CalibrationDataChanged)
		s.hub.Broadcast(WSMessage{Type: string(e.EventType()), Data: map[string]interface{}{
			"measurements": ev.Data.Measurements(),
			"complete":     ev.Data.IsComplete(),
		}})
	})
	s.med.AddListener(system.EventSystemPropertiesChanged, func(e mediator.Event) {
		ev := e.(system.SystemPropertiesChanged)
		s.hub.Broadcast(WSMessage{Type: string(e.EventType()), Data: map[string]interface{}{
			"property": ev.Property,
		}})
	})
}

// Connecting ----------------------------------------------------------------

var errNotConnected = errors.New("server: no device connected")

var errAlreadyConnected = errors.New("server: a device is already connected")

// Connect attaches a device and builds the production system around it. With
// simulation true a simulated device is used; otherwise portName names the
// serial port ("" auto-detects). Must run on the mediator goroutine (or
// before the mediator starts).
func (s *Server) Connect(simulation bool, portName string, baudrate int) error {
	if s.sys != nil {
		return errAlreadyConnected
	}
	var dev device.Interface
	if simulation {
		dev = device.NewSimulated(nil)
	} else {
		var (
			port *serial.FCI7011
			err  error
		)
		if portName == "" {
			port, err = serial.AutoDetect(baudrate)
		} else {
			port, err = serial.Open(portName, baudrate)
		}
		if err != nil {
			return err
		}
		s.port = port
		dev = port
	}
	s.sys = system.New(s.med, dev, s.cfg)
	return nil
}

// Disconnect tears the system down and closes the serial port, if any. Must
// run on the mediator goroutine.
func (s *Server) Disconnect() error {
	if s.sys == nil {
		return errNotConnected
	}
	s.sys.Close()
	s.sys = nil
	s.pendingReport = nil
	if s.port != nil {
		if err := s.port.Close(); err != nil {
			log.Printf("server: closing serial port: %v", err)
		}
		s.port = nil
	}
	return nil
}

// System returns the attached production system, or nil. Must run on the
// mediator goroutine.
func (s *Server) System() *system.ProductionSystem { return s.sys }

// JSON helpers --------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

// errorStatus maps control-layer errors to HTTP statuses. Locking conflicts
// and state-machine misuse are 409s, validation failures 400s.
func errorStatus(err error) int {
	var invalidCurrent *device.InvalidHeatingCurrentError
	var invalidPosition *device.InvalidHeaterPositionError
	var invalidSpeed *device.InvalidSpeedFactorError
	var invalidTarget *system.InvalidTargetTemperatureError
	var requiresSim *system.RequiresSimulationError
	switch {
	case errors.Is(err, errNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, errAlreadyConnected),
		errors.Is(err, system.ErrSystemLocked),
		errors.Is(err, system.ErrSystemNotLocked),
		errors.Is(err, system.ErrWrongKey),
		errors.Is(err, calibration.ErrCalibrationAlreadyStarted),
		errors.Is(err, calibration.ErrCalibrationNotRunning),
		errors.Is(err, calibration.ErrNoTemperatureRequested),
		errors.Is(err, calibration.ErrNotCalibrated):
		return http.StatusConflict
	case errors.As(err, &invalidCurrent),
		errors.As(err, &invalidPosition),
		errors.As(err, &invalidSpeed),
		errors.As(err, &invalidTarget),
		errors.As(err, &requiresSim):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// withSystem runs fn on the mediator goroutine with the attached system, and
// writes the resulting error (if any) with a mapped status. It reports
// whether fn ran without error.
func (s *Server) withSystem(w http.ResponseWriter, fn func(sys *system.ProductionSystem) error) bool {
	var err error
	s.med.Do(func() {
		if s.sys == nil {
			err = errNotConnected
			return
		}
		err = fn(s.sys)
	})
	if err != nil {
		writeError(w, errorStatus(err), err)
		return false
	}
	return true
}

// Handlers ------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ports := serial.ListPorts()
	if ports == nil {
		ports = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ports": ports})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Simulation bool   `json:"simulation"`
		Port       string `json:"port"`
		Baudrate   int    `json:"baudrate"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	var err error
	var portName string
	simulation := req.Simulation
	s.med.Do(func() {
		err = s.Connect(req.Simulation, req.Port, req.Baudrate)
		if err == nil && s.port != nil {
			portName = s.port.PortName()
		}
	})
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"simulation": simulation,
		"port":       portName,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var err error
	s.med.Do(func() { err = s.Disconnect() })
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// statusDTO is the full snapshot the frontend polls between WebSocket events.
type statusDTO struct {
	Connected                bool     `json:"connected"`
	Simulation               bool     `json:"simulation"`
	Port                     string   `json:"port,omitempty"`
	Locked                   bool     `json:"locked"`
	SafeMode                 bool     `json:"safeMode"`
	Calibrated               bool     `json:"calibrated"`
	BeingCalibrated          bool     `json:"beingCalibrated"`
	TemperatureRequested     bool     `json:"temperatureRequested"`
	HeatingCurrent           float64  `json:"heatingCurrent"`
	TemperatureSensorVoltage float64  `json:"temperatureSensorVoltage"`
	Temperature              *float64 `json:"temperature,omitempty"`
	TargetTemperature        *float64 `json:"targetTemperature,omitempty"`
	HeaterPosition           float64  `json:"heaterPosition"`
	HeaterTargetPosition     float64  `json:"heaterTargetPosition"`
	MaxHeatingCurrent        float64  `json:"maxHeatingCurrent"`
	CalibrationState         string   `json:"calibrationState,omitempty"`
	MeasurementCount         int      `json:"measurementCount"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var dto statusDTO
	s.med.Do(func() {
		if s.sys == nil {
			return
		}
		sys := s.sys
		dto.Connected = true
		dto.Simulation = sys.IsSimulation()
		if s.port != nil {
			dto.Port = s.port.PortName()
		}
		dto.Locked = sys.IsLocked()
		dto.SafeMode = sys.IsInSafeMode()
		dto.Calibrated = sys.IsCalibrated()
		dto.BeingCalibrated = sys.IsBeingCalibrated()
		dto.TemperatureRequested = s.pendingReport != nil
		dto.HeatingCurrent = sys.HeatingCurrent()
		dto.TemperatureSensorVoltage = sys.TemperatureSensorVoltage()
		if t, err := sys.Temperature(); err == nil {
			dto.Temperature = &t
		}
		if target, ok := sys.TargetTemperature(); ok {
			dto.TargetTemperature = &target
		}
		dto.HeaterPosition = sys.HeaterPosition()
		dto.HeaterTargetPosition = sys.HeaterTargetPosition()
		dto.MaxHeatingCurrent = sys.MaxHeatingCurrent()
		if m := sys.Manager(); m != nil {
			dto.CalibrationState = m.State().String()
		}
		dto.MeasurementCount = len(sys.CalibrationData().Measurements())
	})
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) handleCalibrationStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Currents []float64 `json:"currents"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	var currents []float64
	if !s.withSystem(w, func(sys *system.ProductionSystem) error {
		m, err := sys.StartCalibration(req.Currents)
		if err != nil {
			return err
		}
		currents = m.Currents()
		return nil
	}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"currents": currents})
}

func (s *Server) handleCalibrationAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.withSystem(w, func(sys *system.ProductionSystem) error {
		return sys.AbortCalibration()
	}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

func (s *Server) handleCalibrationTemperature(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Temperature float64 `json:"temperature"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if !s.withSystem(w, func(sys *system.ProductionSystem) error {
		if s.pendingReport == nil {
			return calibration.ErrNoTemperatureRequested
		}
		return s.pendingReport(req.Temperature)
	}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleCalibrationProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var (
		running  bool
		progress float64
		extended calibration.ExtendedProgress
	)
	if !s.withSystem(w, func(sys *system.ProductionSystem) error {
		m := sys.Manager()
		if m == nil {
			return nil
		}
		running = m.IsRunning()
		progress = m.Progress()
		extended = m.GetExtendedProgress()
		return nil
	}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":  running,
		"progress": progress,
		"extended": extended,
	})
}

func (s *Server) handleMagicCalibration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.withSystem(w, func(sys *system.ProductionSystem) error {
		return sys.MagicCalibration()
	}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "calibrated"})
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var (
		measurements []calibration.Measurement
		complete     bool
	)
	if !s.withSystem(w, func(sys *system.ProductionSystem) error {
		measurements = sys.CalibrationData().Measurements()
		complete = sys.CalibrationData().IsComplete()
		return nil
	}) {
		return
	}
	if measurements == nil {
		measurements = []calibration.Measurement{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"measurements": measurements,
		"complete":     complete,
	})
}

func (s *Server) handleDataMeasurement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	current, err := strconv.ParseFloat(r.URL.Query().Get("current"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.withSystem(w, func(sys *system.ProductionSystem) error {
		if err := sys.CalibrationData().RemoveMeasurement(current); err != nil {
			var notFound *calibration.MeasurementNotFoundError
			if errors.As(err, &notFound) {
				writeError(w, http.StatusNotFound, err)
				return nil
			}
			return err
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
		return nil
	}) {
		return
	}
}

func (s *Server) handleDataUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	measurements, err := file.DecodeCalibrationData(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.withSystem(w, func(sys *system.ProductionSystem) error {
		data := sys.CalibrationData()
		data.Clear()
		for _, m := range measurements {
			data.AddMeasurement(m.HeatingCurrent, m.Voltage, m.Temperature)
		}
		return nil
	}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"imported": len(measurements)})
}

func (s *Server) handleDataDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var encoded []byte
	if !s.withSystem(w, func(sys *system.ProductionSystem) error {
		b, err := file.EncodeCalibrationData(sys.CalibrationData())
		if err != nil {
			return err
		}
		encoded = b
		return nil
	}) {
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", `attachment; filename="calibration-data.xml"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encoded)
}

func (s *Server) handleHeatingCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Current float64 `json:"current"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	// Operator commands carry no key: they are admitted only while nothing
	// (e.g. a calibration run) holds the lock.
	if !s.withSystem(w, func(sys *system.ProductionSystem) error {
		return sys.StartHeatingWithCurrent(req.Current, nil)
	}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "heating"})
}

func (s *Server) handleHeatingTemperature(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Temperature float64 `json:"temperature"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	var current float64
	if !s.withSystem(w, func(sys *system.ProductionSystem) error {
		if err := sys.StartHeatingToTemperature(req.Temperature, nil); err != nil {
			return err
		}
		current = sys.HeatingCurrent()
		return nil
	}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "heating",
		"current": current,
	})
}

func (s *Server) handleHeaterPosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Target float64 `json:"target"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if !s.withSystem(w, func(sys *system.ProductionSystem) error {
		return sys.StartHeaterMovement(req.Target, nil)
	}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "moving"})
}

func (s *Server) handleSimulationSpeed(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var factor float64
		if !s.withSystem(w, func(sys *system.ProductionSystem) error {
			f, err := sys.SpeedFactor()
			if err != nil {
				return err
			}
			factor = f
			return nil
		}) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]float64{"speedFactor": factor})
	case http.MethodPost:
		var req struct {
			SpeedFactor float64 `json:"speedFactor"`
		}
		if !readJSON(w, r, &req) {
			return
		}
		if !s.withSystem(w, func(sys *system.ProductionSystem) error {
			return sys.SetSpeedFactor(req.SpeedFactor)
		}) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]float64{"speedFactor": req.SpeedFactor})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleStatic serves the frontend with caching disabled, so a rebuilt UI is
// picked up on reload.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if s.webDir == "" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.FileServer(http.Dir(s.webDir)).ServeHTTP(w, r)
}
