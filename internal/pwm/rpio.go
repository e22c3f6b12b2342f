package pwm

import "github.com/stianeikeland/go-rpio"

// rpioDriver drives the BCM2835 PWM peripheral. The PWM and clock registers
// are only mapped through /dev/mem, so Open needs root.
type rpioDriver struct{}

func (rpioDriver) Open() error {
	return rpio.Open()
}

func (rpioDriver) Close() error {
	return rpio.Close()
}

func (rpioDriver) ConfigurePWM(pin int, clockHz int) {
	p := rpio.Pin(pin)
	p.Mode(rpio.Pwm)
	p.Freq(clockHz)
}

func (rpioDriver) SetDutyCycle(pin int, duty, cycle uint32) {
	rpio.Pin(pin).DutyCycle(duty, cycle)
}
