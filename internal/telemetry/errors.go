package telemetry

import "codeberg.org/mutker/pwmfan/internal/errors"

const (
	ErrInvalidSensorPath = errors.ErrorCode("telemetry_invalid_sensor_path")
	ErrTemperatureRead   = errors.ErrTemperatureRead
	ErrFrequencyRead     = errors.ErrorCode("telemetry_frequency_read_failed")
	ErrInvalidReading    = errors.ErrorCode("telemetry_invalid_reading")
)
