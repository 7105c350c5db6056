// Package models defines the JSON-serialized configuration structures shared
// between the console tool and the web server.
//
// These types mirror the shape of `config.json` and of payloads exchanged
// with the web UI.
package models

// PARAMETERS is the primary configuration model (the typical `config.json`).
//
// Sections left out of the file fall back to the defaults of the reference
// FCI-7011 unit.
type PARAMETERS struct {
	SERIAL      *SERIAL      `json:"SERIAL,omitempty"`
	SAFETY      *SAFETY      `json:"SAFETY,omitempty"`
	CALIBRATION *CALIBRATION `json:"CALIBRATION,omitempty"`

	// SIMULATION selects the simulated device instead of the serial one.
	SIMULATION bool `json:"SIMULATION"`
	// SPEED is the simulated time compression; ignored on real hardware.
	SPEED float64 `json:"SPEED,omitempty"`
	// CURRENTS is the default calibration current plan, in mA.
	CURRENTS []float64 `json:"CURRENTS,omitempty"`
	// DATAFILE is where calibration data is loaded from and saved to.
	DATAFILE string `json:"DATAFILE,omitempty"`
	DEBUG    bool   `json:"DEBUG"`
}

// SERIAL contains the serial-port connection settings used to communicate
// with the controller.
type SERIAL struct {
	PORT     string `json:"PORT"`
	BAUDRATE int    `json:"BAUDRATE"`
}

// SAFETY is the safety envelope of the heater.
type SAFETY struct {
	// MAXCURRENT is the largest commandable heating current, mA.
	MAXCURRENT float64 `json:"MAXCURRENT,omitempty"`
	// MAXVOLTAGE is the sensor voltage tripping safe mode, V.
	MAXVOLTAGE float64 `json:"MAXVOLTAGE,omitempty"`
	// MAXTEMPERATURE is the estimated temperature tripping safe mode, degC.
	MAXTEMPERATURE float64 `json:"MAXTEMPERATURE,omitempty"`
	// SAFECURRENT is forced when safe mode trips, mA.
	SAFECURRENT float64 `json:"SAFECURRENT,omitempty"`
	// IDLECURRENT is applied when idling the system, mA.
	IDLECURRENT float64 `json:"IDLECURRENT,omitempty"`
	// MONITORMS is the watchdog sampling period, milliseconds.
	MONITORMS int `json:"MONITORMS,omitempty"`
}

// CALIBRATION holds the calibration run parameters.
type CALIBRATION struct {
	// TICKMS is the manager sampling period, milliseconds.
	TICKMS int `json:"TICKMS,omitempty"`
	// PRECISION is the settling band of a heating stage, degC.
	PRECISION float64 `json:"PRECISION,omitempty"`
	// DEGREE is the degree of the estimation polynomials.
	DEGREE int `json:"DEGREE,omitempty"`
	// MINMEASUREMENTS is how many measurements a usable calibration needs.
	MINMEASUREMENTS int `json:"MINMEASUREMENTS,omitempty"`
	// VOLTAGESNEEDED is how many samples the curve fitter requires.
	VOLTAGESNEEDED int `json:"VOLTAGESNEEDED,omitempty"`
	// FITSLEEPMS is the pause between fit attempts, milliseconds.
	FITSLEEPMS int `json:"FITSLEEPMS,omitempty"`
}
