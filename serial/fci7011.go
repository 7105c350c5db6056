package serial

import (
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	goserial "github.com/tarm/serial"

	"github.com/fci7011/nose-go/device"
	"github.com/fci7011/nose-go/matrix"
)

// Controller command tokens. Queries answer a decimal payload; commands
// answer "OK". Heating currents travel as IEEE-754 hex in both directions:
// SETI takes the bit pattern the firmware flashes into its DAC register, and
// GETI reads the same register back.
const (
	cmdVersion        = "VER?"
	cmdGetCurrent     = "GETI"
	cmdGetVoltage     = "GETU"
	cmdGetPosition    = "GETP"
	cmdGetTarget      = "GETT"
	cmdSetCurrent     = "SETI"
	cmdStartMovement  = "MOVE"
	responseAccepted  = "OK"
	versionTokenMatch = "FCI7011"
)

// FCI7011 drives the real controller over a serial port. It satisfies
// device.Interface; readouts that fail on the wire fall back to the last
// value seen so a transient glitch does not zero the UI or trip the
// watchdog.
type FCI7011 struct {
	mu      sync.Mutex
	port    *goserial.Port
	name    string
	timeout time.Duration

	lastCurrent  float64
	lastVoltage  float64
	lastPosition float64
	lastTarget   float64
}

// Open connects to the controller on the given port and verifies it answers
// the version probe.
func Open(portName string, baudrate int) (*FCI7011, error) {
	if baudrate == 0 {
		baudrate = 115200
	}
	sp, err := goserial.OpenPort(&goserial.Config{
		Name:        portName,
		Baud:        baudrate,
		ReadTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	d := &FCI7011{port: sp, name: portName, timeout: 500 * time.Millisecond}
	version, err := d.Version()
	if err != nil {
		_ = sp.Close()
		return nil, fmt.Errorf("probe %s: %w", portName, err)
	}
	if !strings.Contains(version, versionTokenMatch) {
		_ = sp.Close()
		return nil, fmt.Errorf("probe %s: unexpected device %q", portName, version)
	}
	return d, nil
}

// AutoDetect probes every known serial port and connects to the first one
// answering as an FCI-7011.
func AutoDetect(baudrate int) (*FCI7011, error) {
	for _, port := range ListPorts() {
		d, err := Open(port, baudrate)
		if err == nil {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no FCI-7011 controller found")
}

func (d *FCI7011) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port.Close()
}

// PortName returns the serial port this device is connected on.
func (d *FCI7011) PortName() string { return d.name }

// Version asks the controller for its identification string.
func (d *FCI7011) Version() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return getData(d.port, cmdVersion, d.timeout)
}

func (d *FCI7011) IsSimulation() bool { return false }

func (d *FCI7011) HeatingCurrent() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	payload, err := getData(d.port, cmdGetCurrent, d.timeout)
	if err != nil {
		log.Printf("serial: %s failed on %s: %v", cmdGetCurrent, d.name, err)
		return d.lastCurrent
	}
	v, err := parseCurrentPayload(payload)
	if err != nil {
		log.Printf("serial: %s returned %q on %s", cmdGetCurrent, payload, d.name)
		return d.lastCurrent
	}
	d.lastCurrent = v
	return v
}

// parseCurrentPayload decodes the GETI readback: the raw IEEE-754 bit
// pattern of the setpoint register, rendered in hex.
func parseCurrentPayload(payload string) (float64, error) {
	bits, err := strconv.ParseUint(strings.TrimSpace(payload), 16, 32)
	if err != nil {
		return 0, err
	}
	return float64(matrix.FromIEEE754(uint32(bits))), nil
}

func (d *FCI7011) TemperatureSensorVoltage() float64 {
	return d.query(cmdGetVoltage, &d.lastVoltage)
}

func (d *FCI7011) HeaterPosition() float64 {
	return d.query(cmdGetPosition, &d.lastPosition)
}

func (d *FCI7011) HeaterTargetPosition() float64 {
	return d.query(cmdGetTarget, &d.lastTarget)
}

func (d *FCI7011) StartHeatingWithCurrent(current float64) error {
	if current < 0 || math.IsNaN(current) || math.IsInf(current, 0) {
		return &device.InvalidHeatingCurrentError{Current: current}
	}
	arg := fmt.Sprintf("%08X", matrix.ToIEEE754(float32(current)))
	return d.command(cmdSetCurrent + " " + arg)
}

func (d *FCI7011) StartHeaterMovement(target float64) error {
	if target < 0 || target > 1 || math.IsNaN(target) {
		return &device.InvalidHeaterPositionError{Position: target}
	}
	arg := strconv.FormatFloat(target, 'f', 4, 64)
	return d.command(cmdStartMovement + " " + arg)
}

// query reads one decimal value, falling back to (and refreshing) the cache.
func (d *FCI7011) query(command string, cache *float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	payload, err := getData(d.port, command, d.timeout)
	if err != nil {
		log.Printf("serial: %s failed on %s: %v", command, d.name, err)
		return *cache
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil {
		log.Printf("serial: %s returned %q on %s", command, payload, d.name)
		return *cache
	}
	*cache = v
	return v
}

func (d *FCI7011) command(command string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	payload, err := getData(d.port, command, d.timeout)
	if err != nil {
		return err
	}
	if strings.TrimSpace(payload) != responseAccepted {
		return fmt.Errorf("controller refused %q: %s", command, payload)
	}
	return nil
}
