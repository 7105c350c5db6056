package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fci7011/nose-go/calibration"
	"github.com/fci7011/nose-go/file"
	"github.com/fci7011/nose-go/mediator"
	"github.com/fci7011/nose-go/models"
	"github.com/fci7011/nose-go/system"
)

func TestSaveCalibrationDataWritesSnapshot(t *testing.T) {
	med := mediator.New()
	sys := system.New(med, nil, nil)
	path := filepath.Join(t.TempDir(), "data.xml")
	c := &console{med: med, sys: sys, params: &models.PARAMETERS{DATAFILE: path}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go med.Run(ctx)

	// Empty store: nothing written.
	c.saveCalibrationData()
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	med.Do(func() {
		sys.CalibrationData().AddMeasurement(4.0, 0.011, 305.5)
	})
	c.saveCalibrationData()

	loaded := calibration.NewData(nil)
	assert.NoError(t, file.LoadCalibrationData(path, loaded))
	assert.Equal(t, []calibration.Measurement{
		{HeatingCurrent: 4.0, Voltage: 0.011, Temperature: 305.5},
	}, loaded.Measurements())
}

func TestSaveCalibrationDataDisabledWithoutDatafile(t *testing.T) {
	med := mediator.New()
	sys := system.New(med, nil, nil)
	c := &console{med: med, sys: sys, params: &models.PARAMETERS{}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go med.Run(ctx)

	med.Do(func() {
		sys.CalibrationData().AddMeasurement(4.0, 0.011, 305.5)
	})
	// No DATAFILE configured: a no-op, not a crash.
	c.saveCalibrationData()
}
