package fan

import (
	"fmt"
	"math"

	"codeberg.org/mutker/pwmfan/internal/errors"
)

// Thresholds are the immutable limits of the control policy. Temperatures
// are in °C, duties in hardware units.
type Thresholds struct {
	MinTemp   float64
	StartTemp float64
	MaxTemp   float64
	BaseDuty  int
	MaxDuty   int
}

// Validate rejects thresholds that leave the policy ill-defined.
func (t Thresholds) Validate() error {
	errFactory := errors.New()

	switch {
	case t.MinTemp >= t.StartTemp:
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("min_temp (%g) must be below start_temp (%g)", t.MinTemp, t.StartTemp))
	case t.StartTemp > t.MaxTemp:
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("start_temp (%g) must not exceed max_temp (%g)", t.StartTemp, t.MaxTemp))
	case t.BaseDuty < 0:
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("base_duty (%d) must not be negative", t.BaseDuty))
	case t.BaseDuty >= t.MaxDuty:
		return errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("base_duty (%d) must be below max_duty (%d)", t.BaseDuty, t.MaxDuty))
	}

	return nil
}

// ComputeTarget maps a temperature and the current run state to a target
// duty and the next run state.
//
// A stopped fan only restarts once temp reaches StartTemp; a running fan
// stops at or below MinTemp. Between MinTemp and MaxTemp the duty is
// interpolated linearly from BaseDuty so an active fan never stalls.
func (t Thresholds) ComputeTarget(temp float64, running bool) (int, bool) {
	if !running {
		if temp < t.StartTemp {
			return 0, false
		}
		running = true
	}

	if temp <= t.MinTemp {
		return 0, false
	}

	if temp >= t.MaxTemp {
		return t.MaxDuty, running
	}

	ratio := (temp - t.MinTemp) / (t.MaxTemp - t.MinTemp)
	duty := t.BaseDuty + int(math.Round(ratio*float64(t.MaxDuty-t.BaseDuty)))

	return clamp(duty, t.BaseDuty, t.MaxDuty), running
}

// PowerPercent expresses a running duty as a share of the BaseDuty..MaxDuty
// span.
func (t Thresholds) PowerPercent(duty int) int {
	return (duty - t.BaseDuty) * 100 / (t.MaxDuty - t.BaseDuty)
}

func clamp(value, minValue, maxValue int) int {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}

	return value
}
