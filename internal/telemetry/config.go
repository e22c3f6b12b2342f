package telemetry

import "codeberg.org/mutker/pwmfan/internal/errors"

const (
	defaultTemperaturePath  = "/sys/class/thermal/thermal_zone0/temp"
	defaultFrequencyPath    = "/sys/devices/system/cpu/cpu0/cpufreq/scaling_cur_freq"
	defaultMaxFrequencyPath = "/sys/devices/system/cpu/cpu0/cpufreq/scaling_max_freq"
)

type Config struct {
	TemperaturePath  string
	FrequencyPath    string
	MaxFrequencyPath string
}

func DefaultConfig() Config {
	return Config{
		TemperaturePath:  defaultTemperaturePath,
		FrequencyPath:    defaultFrequencyPath,
		MaxFrequencyPath: defaultMaxFrequencyPath,
	}
}

func (c Config) Validate() error {
	if c.TemperaturePath == "" {
		return errors.New().New(ErrInvalidSensorPath)
	}
	return nil
}
