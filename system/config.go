package system

import (
	"time"

	"github.com/fci7011/nose-go/calibration"
	"github.com/fci7011/nose-go/models"
)

// ConfigFromParameters maps the JSON configuration onto a Config. Sections
// and fields left out of the file keep the reference defaults.
func ConfigFromParameters(p *models.PARAMETERS) *Config {
	cfg := &Config{}
	if p == nil {
		return cfg
	}
	if sf := p.SAFETY; sf != nil {
		cfg.MaxHeatingCurrent = sf.MAXCURRENT
		cfg.MaxSafeTemperatureSensorVoltage = sf.MAXVOLTAGE
		cfg.MaxSafeTemperature = sf.MAXTEMPERATURE
		cfg.HeatingCurrentInSafeMode = sf.SAFECURRENT
		cfg.HeatingCurrentWhileIdle = sf.IDLECURRENT
		cfg.MonitorInterval = time.Duration(sf.MONITORMS) * time.Millisecond
	}
	if cal := p.CALIBRATION; cal != nil {
		cfg.Manager = calibration.ManagerConfig{
			TickInterval: time.Duration(cal.TICKMS) * time.Millisecond,
			Precision:    cal.PRECISION,
			Fitter: calibration.FitterConfig{
				VoltagesRequired: cal.VOLTAGESNEEDED,
				SleepInterval:    time.Duration(cal.FITSLEEPMS) * time.Millisecond,
			},
		}
		cfg.Data = calibration.DataConfig{
			PolynomialDegree:             cal.DEGREE,
			MinMeasurementsForEstimation: cal.MINMEASUREMENTS,
		}
	}
	return cfg
}
