// Package file persists configuration and calibration data.
//
// Configuration is the JSON `config.json` shape from `models`. Calibration
// data travels as a small XML document:
//
//	<calibration-data>
//	  <measurement>
//	    <current>4</current>
//	    <voltage>0.12</voltage>
//	    <temperature>305.5</temperature>
//	  </measurement>
//	</calibration-data>
//
// Decoding is all-or-nothing: a wrong root element, a missing field, a
// non-numeric value, or a NaN/Inf rejects the whole document.
package file

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/fci7011/nose-go/calibration"
	"github.com/fci7011/nose-go/models"
)

// LoadParameters reads and parses a JSON config file.
func LoadParameters(path string) (*models.PARAMETERS, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p := &models.PARAMETERS{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return p, nil
}

// PersistParameters overwrites the JSON file at path with the provided
// parameters.
//
// This is primarily used to persist runtime-updated values (like an
// auto-detected SERIAL.PORT) back into the on-disk config.
func PersistParameters(path string, parameters *models.PARAMETERS) error {
	data, err := json.MarshalIndent(parameters, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

type xmlMeasurement struct {
	Current     *string `xml:"current"`
	Voltage     *string `xml:"voltage"`
	Temperature *string `xml:"temperature"`
}

type xmlCalibrationData struct {
	XMLName      xml.Name         `xml:"calibration-data"`
	Measurements []xmlMeasurement `xml:"measurement"`
}

// EncodeCalibrationData renders the store's measurements as XML. An empty
// store yields a document with no measurement records.
func EncodeCalibrationData(d *calibration.Data) ([]byte, error) {
	doc := xmlCalibrationData{}
	for _, m := range d.Measurements() {
		cur := formatFloat(m.HeatingCurrent)
		vol := formatFloat(m.Voltage)
		tmp := formatFloat(m.Temperature)
		doc.Measurements = append(doc.Measurements, xmlMeasurement{
			Current:     &cur,
			Voltage:     &vol,
			Temperature: &tmp,
		})
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

// DecodeCalibrationData parses an XML calibration document into its
// measurements. The whole document is rejected on the first malformed
// record.
func DecodeCalibrationData(data []byte) ([]calibration.Measurement, error) {
	doc := xmlCalibrationData{}
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("calibration data: %w", err)
	}
	out := make([]calibration.Measurement, 0, len(doc.Measurements))
	for i, rec := range doc.Measurements {
		current, err := parseField(rec.Current, "current", i)
		if err != nil {
			return nil, err
		}
		voltage, err := parseField(rec.Voltage, "voltage", i)
		if err != nil {
			return nil, err
		}
		temperature, err := parseField(rec.Temperature, "temperature", i)
		if err != nil {
			return nil, err
		}
		out = append(out, calibration.Measurement{
			HeatingCurrent: current,
			Voltage:        voltage,
			Temperature:    temperature,
		})
	}
	return out, nil
}

func parseField(raw *string, name string, index int) (float64, error) {
	if raw == nil {
		return 0, fmt.Errorf("calibration data: measurement %d: missing <%s>", index, name)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(*raw), 64)
	if err != nil {
		return 0, fmt.Errorf("calibration data: measurement %d: bad <%s>: %q", index, name, *raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("calibration data: measurement %d: non-finite <%s>: %q", index, name, *raw)
	}
	return v, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// SaveCalibrationData writes the store's measurements to an XML file.
func SaveCalibrationData(path string, d *calibration.Data) error {
	data, err := EncodeCalibrationData(d)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadCalibrationData reads an XML file and replaces the store's
// measurements with its records. The store is untouched when the document
// does not parse.
func LoadCalibrationData(path string, d *calibration.Data) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	ms, err := DecodeCalibrationData(data)
	if err != nil {
		return err
	}
	d.Clear()
	for _, m := range ms {
		d.AddMeasurement(m.HeatingCurrent, m.Voltage, m.Temperature)
	}
	return nil
}
