package pwm

import "codeberg.org/mutker/pwmfan/internal/errors"

const (
	ErrInvalidConfig  = errors.ErrInvalidConfig
	ErrNotInitialized = errors.ErrorCode("pwm_not_initialized")
	ErrInitFailed     = errors.ErrOutputInit
	ErrWriteFailed    = errors.ErrOutputWrite
	ErrDutyOutOfRange = errors.ErrorCode("pwm_duty_out_of_range")
	ErrCloseFailed    = errors.ErrorCode("pwm_close_failed")
)
