package fan

import (
	"context"
	"time"

	"codeberg.org/mutker/pwmfan/internal/errors"
	"codeberg.org/mutker/pwmfan/internal/logger"
	"codeberg.org/mutker/pwmfan/internal/metrics"
	"codeberg.org/mutker/pwmfan/internal/pwm"
	"codeberg.org/mutker/pwmfan/internal/telemetry"
)

// Settings configure the sampling loop.
type Settings struct {
	Thresholds
	SampleInterval        time.Duration
	RampStepInterval      time.Duration
	WriteFailureThreshold int
}

// Validate checks the thresholds and timing.
func (s Settings) Validate() error {
	if err := s.Thresholds.Validate(); err != nil {
		return err
	}

	errFactory := errors.New()
	if s.SampleInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "sample_interval must be positive")
	}
	if s.RampStepInterval < 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "ramp_step_interval must not be negative")
	}
	if s.WriteFailureThreshold < 1 {
		return errFactory.WithData(errors.ErrInvalidConfig, "write_failure_threshold must be at least 1")
	}

	return nil
}

// State is the mutable part of the controller.
type State struct {
	Running     bool
	CurrentDuty int
}

// TickResult describes what one tick observed and did.
type TickResult struct {
	Sample   telemetry.Sample
	Target   int
	Duty     int
	Running  bool
	Steps    int
	Degraded bool
}

// Controller is the closed-loop fan controller. It is not safe for
// concurrent use; Run owns it for its whole lifetime.
type Controller struct {
	cfg      Settings
	source   telemetry.Source
	output   pwm.Output
	sleeper  Sleeper
	recorder metrics.Collector
	now      func() time.Time

	state        State
	lastSample   *telemetry.Sample
	needsInit    bool
	failedWrites int
}

// Option customises a Controller.
type Option func(*Controller)

// WithSleeper replaces the real-time sleeper.
func WithSleeper(s Sleeper) Option {
	return func(c *Controller) {
		c.sleeper = s
	}
}

// WithRecorder records every tick into the given collector.
func WithRecorder(r metrics.Collector) Option {
	return func(c *Controller) {
		c.recorder = r
	}
}

// WithClock sets the time source used to stamp history records.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// NewController validates the settings and returns a controller in the
// initial running state at full duty, so the first tick ramps down to
// whatever the real temperature demands.
func NewController(cfg Settings, source telemetry.Source, output pwm.Output, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:     cfg,
		source:  source,
		output:  output,
		sleeper: RealSleeper(),
		now:     time.Now,
		state: State{
			Running:     true,
			CurrentDuty: cfg.MaxDuty,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// State returns a copy of the current controller state.
func (c *Controller) State() State {
	return c.state
}

// Run arms the output and ticks until ctx is cancelled. Only a failure to
// arm the output at startup is returned; tick failures are logged and the
// loop carries on.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.output.Init(); err != nil {
		return err
	}

	logger.Info().
		Float64("min_temp", c.cfg.MinTemp).
		Float64("start_temp", c.cfg.StartTemp).
		Float64("max_temp", c.cfg.MaxTemp).
		Int("base_duty", c.cfg.BaseDuty).
		Int("max_duty", c.cfg.MaxDuty).
		Dur("sample_interval", c.cfg.SampleInterval).
		Msg("Start Fan Service")

	for {
		if _, err := c.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.reportTickError(err)
		}

		if err := c.sleeper.Sleep(ctx, c.cfg.SampleInterval); err != nil {
			return nil
		}
	}
}

// Tick performs one read-decide-ramp-log cycle.
func (c *Controller) Tick(ctx context.Context) (TickResult, error) {
	errFactory := errors.New()

	sample, err := c.source.Read()
	if err != nil {
		return c.holdTick(ctx, err), nil
	}
	c.lastSample = &sample

	if c.needsInit {
		if err := c.output.Init(); err != nil {
			c.failedWrites++
			result := TickResult{
				Sample:  sample,
				Target:  c.state.CurrentDuty,
				Duty:    c.state.CurrentDuty,
				Running: c.state.Running,
			}
			return result, errFactory.Wrap(errors.ErrOutputInit, err)
		}
		c.needsInit = false
	}

	target, running := c.cfg.ComputeTarget(sample.Temperature, c.state.Running)
	result := TickResult{Sample: sample, Target: target}

	for duty := range Ramp(c.state.CurrentDuty, target) {
		if err := c.output.Write(duty); err != nil {
			c.needsInit = true
			c.failedWrites++
			result.Duty = c.state.CurrentDuty
			result.Running = c.state.Running
			return result, errFactory.Wrap(errors.ErrOutputWrite, err)
		}
		c.state.CurrentDuty = duty
		result.Steps++

		if err := c.sleeper.Sleep(ctx, c.cfg.RampStepInterval); err != nil {
			result.Duty = c.state.CurrentDuty
			result.Running = c.state.Running
			return result, err
		}
	}

	wasRunning := c.state.Running
	c.failedWrites = 0
	c.state.Running = running
	result.Duty = c.state.CurrentDuty
	result.Running = running

	c.logTick(result, wasRunning)
	c.record(ctx, result)

	// Watchdog: another process may have reconfigured the shared PWM line
	// since the last tick.
	if target != 0 {
		if err := c.output.Init(); err != nil {
			c.needsInit = true
			logger.Warn().Err(err).Msg("Failed to re-arm PWM output")
		}
	}

	return result, nil
}

// holdTick keeps the previous state when the temperature cannot be read.
func (c *Controller) holdTick(ctx context.Context, err error) TickResult {
	result := TickResult{
		Duty:     c.state.CurrentDuty,
		Target:   c.state.CurrentDuty,
		Running:  c.state.Running,
		Degraded: true,
	}

	event := logger.Warn().Err(err).Int("duty", result.Duty).Bool("running", result.Running)
	if c.lastSample != nil {
		result.Sample = *c.lastSample
		event = event.Float64("last_temperature", c.lastSample.Temperature)
	}
	event.Msg("Temperature unavailable, holding fan speed")

	c.record(ctx, result)

	return result
}

func (c *Controller) reportTickError(err error) {
	if c.failedWrites >= c.cfg.WriteFailureThreshold {
		var event *logger.LogEvent
		var coded errors.Error
		if errors.As(err, &coded) {
			event = logger.ErrorWithCode(coded)
		} else {
			event = logger.Error()
			event.Err(err)
		}
		event.
			Int("consecutive_failures", c.failedWrites).
			Int("duty", c.state.CurrentDuty).
			Msg("PWM output keeps failing, thermal protection compromised")
		return
	}

	logger.Warn().
		Err(err).
		Int("consecutive_failures", c.failedWrites).
		Msg("Tick failed, retrying next interval")
}

func (c *Controller) logTick(r TickResult, wasRunning bool) {
	if !r.Running {
		event := logger.Debug()
		if wasRunning {
			event = logger.Info()
		}
		event.
			Float64("temperature", r.Sample.Temperature).
			Int("frequency", r.Sample.Frequency).
			Int("max_frequency", r.Sample.MaxFrequency).
			Msg("Stop Running")
		return
	}

	logger.Info().
		Float64("temperature", r.Sample.Temperature).
		Int("frequency", r.Sample.Frequency).
		Int("max_frequency", r.Sample.MaxFrequency).
		Int("duty", r.Duty).
		Int("power", c.cfg.PowerPercent(r.Duty)).
		Msg("Fan running")
}

func (c *Controller) record(ctx context.Context, r TickResult) {
	if c.recorder == nil {
		return
	}

	snapshot := &metrics.Snapshot{
		Timestamp:   c.now(),
		Temperature: r.Sample.Temperature,
		Frequency:   r.Sample.Frequency,
		Target:      r.Target,
		Duty:        r.Duty,
		Running:     r.Running,
		Degraded:    r.Degraded,
	}
	// A ramp cut short by a write failure can leave a running fan below
	// BaseDuty.
	if r.Running && r.Duty >= c.cfg.BaseDuty {
		snapshot.Power = c.cfg.PowerPercent(r.Duty)
	}

	if err := c.recorder.Record(ctx, snapshot); err != nil {
		logger.Warn().Err(err).Msg("Failed to record tick history")
	}
}
