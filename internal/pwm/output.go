package pwm

import (
	"fmt"
	"sync"

	"codeberg.org/mutker/pwmfan/internal/errors"
	"codeberg.org/mutker/pwmfan/internal/logger"
)

type output struct {
	cfg         Config
	drv         driver
	opened      bool
	initialized bool
	written     bool
	duty        int
	mu          sync.Mutex
}

// New returns an Output on the Raspberry Pi hardware PWM.
func New(cfg Config) (Output, error) {
	return newOutput(cfg, rpioDriver{})
}

func newOutput(cfg Config, drv driver) (*output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &output{cfg: cfg, drv: drv}, nil
}

func (o *output) Init() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.opened {
		if err := o.drv.Open(); err != nil {
			return errors.New().Wrap(ErrInitFailed, err)
		}
		o.opened = true
	}

	o.drv.ConfigurePWM(o.cfg.Pin, o.cfg.Clock)
	// Re-arming usually follows someone else rewriting the line, so the
	// last duty we wrote is asserted again as well.
	if o.written {
		o.drv.SetDutyCycle(o.cfg.Pin, uint32(o.duty), uint32(o.cfg.Cycle))
	}
	o.initialized = true

	logger.Debug().
		Int("pin", o.cfg.Pin).
		Int("clock", o.cfg.Clock).
		Int("cycle", o.cfg.Cycle).
		Int("duty", o.duty).
		Msg("PWM output armed")

	return nil
}

func (o *output) Write(duty int) error {
	errFactory := errors.New()
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.initialized {
		return errFactory.New(ErrNotInitialized)
	}

	if duty < 0 || duty > o.cfg.Cycle {
		return errFactory.Wrap(ErrWriteFailed,
			errFactory.WithData(ErrDutyOutOfRange, fmt.Sprintf("%d not in [0, %d]", duty, o.cfg.Cycle)))
	}

	o.drv.SetDutyCycle(o.cfg.Pin, uint32(duty), uint32(o.cfg.Cycle))
	o.duty = duty
	o.written = true

	return nil
}

func (o *output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.opened {
		return nil
	}

	if err := o.drv.Close(); err != nil {
		return errors.New().Wrap(ErrCloseFailed, err)
	}
	o.opened = false
	o.initialized = false

	return nil
}
