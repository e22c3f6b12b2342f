package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Lifecycle errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"
	ErrAlreadyRunning ErrorCode = "already_running"
	ErrNotRunning     ErrorCode = "not_running"
	ErrTimeout        ErrorCode = "operation_timeout"

	// Control loop errors
	ErrTemperatureRead ErrorCode = "temperature_read_failed"
	ErrOutputInit      ErrorCode = "output_init_failed"
	ErrOutputWrite     ErrorCode = "output_write_failed"
	ErrMainLoop        ErrorCode = "main_loop_failed"

	// History errors
	ErrInitMetrics   ErrorCode = "init_metrics_failed"
	ErrRecordMetrics ErrorCode = "record_metrics_failed"
	ErrCloseMetrics  ErrorCode = "close_metrics_failed"
)

var errorMessages = map[ErrorCode]string{
	ErrInternal:        "Internal error occurred",
	ErrInvalidArgument: "Invalid argument provided",
	ErrInvalidConfig:   "Invalid configuration",
	ErrBindFlags:       "Failed to bind flags",
	ErrReadConfig:      "Failed to read configuration",
	ErrInvalidInterval: "Invalid interval value",
	ErrInvalidLogLevel: "Invalid log level",
	ErrInitFailed:      "Initialization failed",
	ErrShutdownFailed:  "Shutdown failed",
	ErrAlreadyRunning:  "Fan service is already running",
	ErrNotRunning:      "Fan service is not running",
	ErrTimeout:         "Operation timed out",
	ErrTemperatureRead: "Failed to read CPU temperature",
	ErrOutputInit:      "Failed to initialize PWM output",
	ErrOutputWrite:     "Failed to write PWM duty cycle",
	ErrMainLoop:        "Error in main loop",
	ErrInitMetrics:     "Failed to initialize history",
	ErrRecordMetrics:   "Failed to record history",
	ErrCloseMetrics:    "Failed to close history",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
