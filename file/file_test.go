package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fci7011/nose-go/calibration"
	"github.com/fci7011/nose-go/models"
)

func TestCalibrationDataRoundTrip(t *testing.T) {
	d := calibration.NewData(nil)
	d.AddMeasurement(4.0, 0.011, 305.5)
	d.AddMeasurement(6.0, 0.024, 521.0)
	d.AddMeasurement(8.0, 0.05, 700.25)

	encoded, err := EncodeCalibrationData(d)
	assert.NoError(t, err)

	ms, err := DecodeCalibrationData(encoded)
	assert.NoError(t, err)
	assert.Equal(t, d.Measurements(), ms)
}

func TestEmptyStoreRoundTrip(t *testing.T) {
	d := calibration.NewData(nil)
	encoded, err := EncodeCalibrationData(d)
	assert.NoError(t, err)

	ms, err := DecodeCalibrationData(encoded)
	assert.NoError(t, err)
	assert.Empty(t, ms)
}

func TestDecodeRejectsWrongRootElement(t *testing.T) {
	_, err := DecodeCalibrationData([]byte(`<measurements></measurements>`))
	assert.Error(t, err)
}

func TestDecodeRejectsMissingField(t *testing.T) {
	doc := `<calibration-data>
  <measurement>
    <current>4</current>
    <temperature>300</temperature>
  </measurement>
</calibration-data>`
	_, err := DecodeCalibrationData([]byte(doc))
	assert.ErrorContains(t, err, "missing <voltage>")
}

func TestDecodeRejectsNonNumericValue(t *testing.T) {
	doc := `<calibration-data>
  <measurement>
    <current>four</current>
    <voltage>0.1</voltage>
    <temperature>300</temperature>
  </measurement>
</calibration-data>`
	_, err := DecodeCalibrationData([]byte(doc))
	assert.ErrorContains(t, err, "bad <current>")
}

func TestDecodeRejectsNonFiniteValues(t *testing.T) {
	for _, bad := range []string{"NaN", "Inf", "-Inf"} {
		doc := `<calibration-data>
  <measurement>
    <current>4</current>
    <voltage>` + bad + `</voltage>
    <temperature>300</temperature>
  </measurement>
</calibration-data>`
		_, err := DecodeCalibrationData([]byte(doc))
		assert.Error(t, err, "value %q must be rejected", bad)
	}
}

func TestDecodeRejectsWholeDocument(t *testing.T) {
	// One bad record poisons the lot; no partial result.
	doc := `<calibration-data>
  <measurement>
    <current>4</current><voltage>0.1</voltage><temperature>300</temperature>
  </measurement>
  <measurement>
    <current>6</current><voltage>0.2</voltage><temperature>oops</temperature>
  </measurement>
</calibration-data>`
	ms, err := DecodeCalibrationData([]byte(doc))
	assert.Error(t, err)
	assert.Nil(t, ms)
}

func TestSaveLoadCalibrationDataFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibration.xml")
	d := calibration.NewData(nil)
	for i := 0; i < 6; i++ {
		c := 4.0 + 2.0*float64(i)
		d.AddMeasurement(c, 0.01*float64(i+1), 100*float64(i+1))
	}
	assert.NoError(t, SaveCalibrationData(path, d))

	loaded := calibration.NewData(nil)
	assert.NoError(t, LoadCalibrationData(path, loaded))
	assert.Equal(t, d.Measurements(), loaded.Measurements())
	assert.True(t, loaded.IsComplete())
}

func TestLoadFailureLeavesStoreUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.xml")
	assert.NoError(t, os.WriteFile(path, []byte(`<calibration-data><measurement></measurement></calibration-data>`), 0644))

	d := calibration.NewData(nil)
	d.AddMeasurement(4.0, 0.1, 300)
	assert.Error(t, LoadCalibrationData(path, d))
	assert.Len(t, d.Measurements(), 1)
}

func TestParametersRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	p := &models.PARAMETERS{
		SERIAL:      &models.SERIAL{PORT: "/dev/ttyUSB0", BAUDRATE: 115200},
		SAFETY:      &models.SAFETY{MAXCURRENT: 25, MAXVOLTAGE: 6.0},
		CALIBRATION: &models.CALIBRATION{TICKMS: 100, PRECISION: 0.5},
		SIMULATION:  true,
		SPEED:       500,
		CURRENTS:    []float64{4, 6, 8},
	}
	assert.NoError(t, PersistParameters(path, p))

	got, err := LoadParameters(path)
	assert.NoError(t, err)
	assert.Equal(t, p, got)
}
