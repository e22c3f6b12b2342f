// Package calibrate sweeps the fan through its duty range so the operator
// can observe at which duty it starts, stalls and saturates. It is a
// diagnostic and never runs alongside the controller.
package calibrate

import (
	"context"
	"time"

	"codeberg.org/mutker/pwmfan/internal/errors"
	"codeberg.org/mutker/pwmfan/internal/fan"
	"codeberg.org/mutker/pwmfan/internal/logger"
	"codeberg.org/mutker/pwmfan/internal/pwm"
)

type Options struct {
	MaxDuty  int
	Step     int
	Hold     time.Duration
	Settle   time.Duration
	RampStep time.Duration
}

func (o Options) Validate() error {
	errFactory := errors.New()
	if o.MaxDuty <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "max_duty must be positive")
	}
	if o.Step <= 0 || o.Step > o.MaxDuty {
		return errFactory.WithData(errors.ErrInvalidConfig, "calibrate.step must be in (0, max_duty]")
	}
	if o.Hold < 0 || o.Settle < 0 || o.RampStep < 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "calibration delays must not be negative")
	}
	return nil
}

// Duration estimates how long Run takes.
func (o Options) Duration() time.Duration {
	up := time.Duration(o.MaxDuty/o.Step+1) * o.Hold
	down := time.Duration(o.MaxDuty) * o.RampStep
	return up + o.Settle + down
}

// Run arms the output, steps the duty up from zero holding each level, then
// walks it back down to zero one unit at a time.
func Run(ctx context.Context, out pwm.Output, sleeper fan.Sleeper, opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	if err := out.Init(); err != nil {
		return err
	}

	logger.Info().
		Int("max_duty", opts.MaxDuty).
		Int("step", opts.Step).
		Dur("estimated", opts.Duration()).
		Msg("Sweeping duty cycle upwards")

	for duty := 0; duty <= opts.MaxDuty; duty += opts.Step {
		if err := out.Write(duty); err != nil {
			return err
		}
		logger.Info().Int("duty", duty).Msg("Holding")
		if err := sleeper.Sleep(ctx, opts.Hold); err != nil {
			return err
		}
	}

	if err := sleeper.Sleep(ctx, opts.Settle); err != nil {
		return err
	}

	logger.Info().Int("max_duty", opts.MaxDuty).Msg("Ramping duty cycle down")

	if err := out.Write(opts.MaxDuty); err != nil {
		return err
	}
	for duty := range fan.Ramp(opts.MaxDuty, 0) {
		if err := out.Write(duty); err != nil {
			return err
		}
		logger.Debug().Int("duty", duty).Msg("Ramp")
		if err := sleeper.Sleep(ctx, opts.RampStep); err != nil {
			return err
		}
	}

	logger.Info().Msg("Calibration finished, start the fan service again")

	return nil
}
