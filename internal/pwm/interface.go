package pwm

// Output is the write-only duty cycle surface of the fan
type Output interface {
	// Init configures the PWM line. It must be called before the first
	// Write and may be called again at any time to re-assert the
	// configuration.
	Init() error

	// Write sets the duty cycle, in [0, cycle length].
	Write(duty int) error

	// Close releases the underlying hardware.
	Close() error
}

// driver abstracts the peripheral so Output can be exercised without hardware
type driver interface {
	Open() error
	Close() error
	ConfigurePWM(pin int, clockHz int)
	SetDutyCycle(pin int, duty, cycle uint32)
}
