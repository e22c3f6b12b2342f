package pwm

import (
	"fmt"

	"codeberg.org/mutker/pwmfan/internal/errors"
)

const (
	// BCM18 is the only pin wired to PWM0 on the 40-pin header.
	defaultPin   = 18
	defaultClock = 9_500_000
	minClock     = 4688
	maxClock     = 19_200_000
)

type Config struct {
	Pin   int
	Clock int
	Cycle int
}

func DefaultConfig(cycle int) Config {
	return Config{
		Pin:   defaultPin,
		Clock: defaultClock,
		Cycle: cycle,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Pin < 0 || c.Pin > 53 {
		return errFactory.WithData(ErrInvalidConfig, fmt.Sprintf("pin %d out of range", c.Pin))
	}
	if c.Clock < minClock || c.Clock > maxClock {
		return errFactory.WithData(ErrInvalidConfig, fmt.Sprintf("clock %dHz out of range", c.Clock))
	}
	if c.Cycle <= 0 {
		return errFactory.WithData(ErrInvalidConfig, fmt.Sprintf("cycle %d must be positive", c.Cycle))
	}

	return nil
}
