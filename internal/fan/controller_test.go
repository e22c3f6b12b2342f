package fan_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/pwmfan/internal/errors"
	"codeberg.org/mutker/pwmfan/internal/fan"
	"codeberg.org/mutker/pwmfan/internal/logger"
	"codeberg.org/mutker/pwmfan/internal/metrics"
	"codeberg.org/mutker/pwmfan/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sampleInterval = 10 * time.Second
	rampStep       = 10 * time.Millisecond
)

type fakeSource struct {
	temps []float64
	fail  map[int]bool
	reads int
}

func (s *fakeSource) Read() (telemetry.Sample, error) {
	i := s.reads
	s.reads++
	if s.fail[i] {
		return telemetry.Sample{}, errors.New().Wrap(telemetry.ErrTemperatureRead, io.ErrUnexpectedEOF)
	}
	return telemetry.Sample{Temperature: s.temps[i%len(s.temps)], Frequency: 1500, MaxFrequency: 1800}, nil
}

type fakeOutput struct {
	writes   []int
	inits    int
	failFrom int // fail writes once len(writes) reaches this, 0 disables
	failures int // number of failing writes before recovering
	initErr  error
	calls    []string
}

func (o *fakeOutput) Init() error {
	o.inits++
	o.calls = append(o.calls, "init")
	return o.initErr
}

func (o *fakeOutput) Write(duty int) error {
	if o.failFrom > 0 && len(o.writes) >= o.failFrom && o.failures > 0 {
		o.failures--
		o.calls = append(o.calls, "write!")
		return io.ErrClosedPipe
	}
	o.calls = append(o.calls, "write")
	o.writes = append(o.writes, duty)
	return nil
}

func (o *fakeOutput) Close() error { return nil }

type fakeSleeper struct {
	sleeps      []time.Duration
	cancelAfter int // cancel once this many sample-interval sleeps happened
	cancel      context.CancelFunc
	onTick      func(tick int)
	ticks       int
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.sleeps = append(s.sleeps, d)
	if d == sampleInterval {
		s.ticks++
		if s.onTick != nil {
			s.onTick(s.ticks)
		}
		if s.cancel != nil && s.ticks >= s.cancelAfter {
			s.cancel()
		}
	}
	return ctx.Err()
}

type fakeRecorder struct {
	snapshots []metrics.Snapshot
}

func (r *fakeRecorder) Record(_ context.Context, s *metrics.Snapshot) error {
	r.snapshots = append(r.snapshots, *s)
	return nil
}

func (r *fakeRecorder) Recent(context.Context, int) ([]metrics.Snapshot, error) { return nil, nil }
func (r *fakeRecorder) Close() error                                            { return nil }

func settings() fan.Settings {
	return fan.Settings{
		Thresholds:            thresholds,
		SampleInterval:        sampleInterval,
		RampStepInterval:      rampStep,
		WriteFailureThreshold: 3,
	}
}

func newController(t *testing.T, src telemetry.Source, out *fakeOutput, sl *fakeSleeper, opts ...fan.Option) *fan.Controller {
	t.Helper()
	c, err := fan.NewController(settings(), src, out, append([]fan.Option{fan.WithSleeper(sl)}, opts...)...)
	require.NoError(t, err)
	return c
}

func TestInitialState(t *testing.T) {
	c := newController(t, &fakeSource{temps: []float64{50}}, &fakeOutput{}, &fakeSleeper{})
	assert.Equal(t, fan.State{Running: true, CurrentDuty: 950}, c.State())
}

func TestTickScenario(t *testing.T) {
	src := &fakeSource{temps: []float64{30, 42, 70, 34, 39, 41}}
	out := &fakeOutput{}
	sl := &fakeSleeper{}
	c := newController(t, src, out, sl)

	want := []struct {
		running bool
		duty    int
		steps   int
	}{
		{running: false, duty: 0, steps: 950},
		{running: true, duty: 528, steps: 528},
		{running: true, duty: 950, steps: 422},
		{running: false, duty: 0, steps: 950},
		{running: false, duty: 0, steps: 0},
		{running: true, duty: 510, steps: 510},
	}

	for i, w := range want {
		res, err := c.Tick(context.Background())
		require.NoError(t, err, "tick %d", i)
		assert.Equal(t, w.running, res.Running, "tick %d", i)
		assert.Equal(t, w.duty, res.Duty, "tick %d", i)
		assert.Equal(t, w.duty, res.Target, "tick %d", i)
		assert.Equal(t, w.steps, res.Steps, "tick %d", i)
		assert.Equal(t, fan.State{Running: w.running, CurrentDuty: w.duty}, c.State(), "tick %d", i)
	}

	assert.Equal(t, 3, out.inits, "watchdog re-arms only on ticks with a nonzero target")
	assert.Len(t, out.writes, 950+528+422+950+510)
	assert.Len(t, sl.sleeps, len(out.writes), "one step delay per written duty")
	for _, d := range sl.sleeps {
		assert.Equal(t, rampStep, d)
	}
}

func TestTickWritesUnitSteps(t *testing.T) {
	out := &fakeOutput{}
	c := newController(t, &fakeSource{temps: []float64{64}}, out, &fakeSleeper{})

	res, err := c.Tick(context.Background())
	require.NoError(t, err)

	require.Len(t, out.writes, 950-res.Target)
	assert.Equal(t, 949, out.writes[0])
	for i := 1; i < len(out.writes); i++ {
		assert.Equal(t, out.writes[i-1]-1, out.writes[i])
	}
	assert.Equal(t, res.Target, out.writes[len(out.writes)-1])
}

func TestTickHoldsOnSensorFailure(t *testing.T) {
	src := &fakeSource{temps: []float64{50}, fail: map[int]bool{0: true, 2: true}}
	out := &fakeOutput{}
	rec := &fakeRecorder{}
	c := newController(t, src, out, &fakeSleeper{}, fan.WithRecorder(rec))

	res, err := c.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, fan.State{Running: true, CurrentDuty: 950}, c.State())
	assert.Empty(t, out.writes)
	assert.Zero(t, out.inits)

	res, err = c.Tick(context.Background())
	require.NoError(t, err)
	require.False(t, res.Degraded)
	assert.Equal(t, 675, res.Duty)
	writes := len(out.writes)

	res, err = c.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.InDelta(t, 50.0, res.Sample.Temperature, 1e-9, "last known sample is reported")
	assert.Equal(t, 675, res.Duty)
	assert.Len(t, out.writes, writes)

	require.Len(t, rec.snapshots, 3)
	assert.True(t, rec.snapshots[0].Degraded)
	assert.False(t, rec.snapshots[1].Degraded)
	assert.Equal(t, 50, rec.snapshots[1].Power)
}

func TestTickWriteFailureReinitializes(t *testing.T) {
	out := &fakeOutput{failFrom: 10, failures: 1}
	c := newController(t, &fakeSource{temps: []float64{50}}, out, &fakeSleeper{})

	res, err := c.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrOutputWrite))
	assert.Equal(t, 940, res.Duty)
	assert.Equal(t, fan.State{Running: true, CurrentDuty: 940}, c.State())
	assert.Zero(t, out.inits)

	res, err = c.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 675, res.Duty)
	assert.Equal(t, 2, out.inits, "re-init before writing plus watchdog re-arm")
	assert.Equal(t, 939, out.writes[10], "ramp resumes from the last written duty")
}

func TestTickInitFailureAfterWriteFailure(t *testing.T) {
	out := &fakeOutput{failFrom: 1, failures: 1}
	c := newController(t, &fakeSource{temps: []float64{50}}, out, &fakeSleeper{})

	_, err := c.Tick(context.Background())
	require.Error(t, err)

	out.initErr = io.ErrUnexpectedEOF
	res, err := c.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrOutputInit))
	assert.Len(t, out.writes, 1)
	assert.Equal(t, 949, res.Duty)
	assert.Equal(t, res.Duty, res.Target, "no policy ran, the target is the held duty")

	out.initErr = nil
	res, err = c.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 675, res.Duty)
}

func TestTickRecordsHistory(t *testing.T) {
	rec := &fakeRecorder{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := newController(t, &fakeSource{temps: []float64{30}}, &fakeOutput{}, &fakeSleeper{},
		fan.WithRecorder(rec), fan.WithClock(func() time.Time { return now }))

	_, err := c.Tick(context.Background())
	require.NoError(t, err)

	require.Len(t, rec.snapshots, 1)
	assert.Equal(t, metrics.Snapshot{
		Timestamp:   now,
		Temperature: 30,
		Frequency:   1500,
	}, rec.snapshots[0])
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{temps: []float64{30}}
	out := &fakeOutput{}
	sl := &fakeSleeper{cancel: cancel, cancelAfter: 3}
	c := newController(t, src, out, sl)

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, 3, src.reads, "one read per tick")
	assert.Equal(t, 1, out.inits, "output armed once at startup")
	assert.Equal(t, 3, sl.ticks)
}

func TestRunCancelMidRamp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := &fakeOutput{}
	c := newController(t, &fakeSource{temps: []float64{30}}, out, &fakeSleeper{})

	require.NoError(t, c.Run(ctx))
	assert.Len(t, out.writes, 1, "ramp stops at the first step once cancelled")
}

func TestRunInitFailure(t *testing.T) {
	out := &fakeOutput{initErr: io.ErrUnexpectedEOF}
	c := newController(t, &fakeSource{temps: []float64{30}}, out, &fakeSleeper{})

	require.ErrorIs(t, c.Run(context.Background()), io.ErrUnexpectedEOF)
	assert.Empty(t, out.writes)
}

func TestNewControllerRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*fan.Settings)
		code   errors.ErrorCode
	}{
		{name: "thresholds", modify: func(s *fan.Settings) { s.MinTemp = 70 }, code: errors.ErrInvalidConfig},
		{name: "sample interval", modify: func(s *fan.Settings) { s.SampleInterval = 0 }, code: errors.ErrInvalidInterval},
		{name: "ramp step", modify: func(s *fan.Settings) { s.RampStepInterval = -time.Millisecond }, code: errors.ErrInvalidInterval},
		{name: "failure threshold", modify: func(s *fan.Settings) { s.WriteFailureThreshold = 0 }, code: errors.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := settings()
			tt.modify(&s)
			_, err := fan.NewController(s, &fakeSource{temps: []float64{50}}, &fakeOutput{})
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code))
		})
	}
}

func TestTickWatchdogInitFailureForcesReinit(t *testing.T) {
	out := &fakeOutput{initErr: io.ErrUnexpectedEOF}
	c := newController(t, &fakeSource{temps: []float64{50, 70}}, out, &fakeSleeper{})

	res, err := c.Tick(context.Background())
	require.NoError(t, err, "a failed re-arm only warns")
	assert.Equal(t, 675, res.Duty)
	assert.Equal(t, 1, out.inits)

	out.initErr = nil
	out.calls = nil
	res, err = c.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 950, res.Duty)
	assert.Equal(t, 3, out.inits, "re-init before writing plus watchdog re-arm")
	assert.Equal(t, []string{"init", "write"}, out.calls[:2])
	assert.Equal(t, "init", out.calls[len(out.calls)-1])
	assert.Equal(t, 676, out.writes[275])
}

func TestHoldTickAfterInterruptedRampRecordsZeroPower(t *testing.T) {
	rec := &fakeRecorder{}
	out := &fakeOutput{failFrom: 850, failures: 1}
	src := &fakeSource{temps: []float64{30}, fail: map[int]bool{1: true}}
	c := newController(t, src, out, &fakeSleeper{}, fan.WithRecorder(rec))

	_, err := c.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, fan.State{Running: true, CurrentDuty: 100}, c.State())

	res, err := c.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Degraded)

	require.Len(t, rec.snapshots, 1)
	snap := rec.snapshots[0]
	assert.True(t, snap.Degraded)
	assert.True(t, snap.Running)
	assert.Equal(t, 100, snap.Duty)
	assert.Zero(t, snap.Power, "duty below base_duty has no power share")
}

func TestRunEscalatesRepeatedWriteFailures(t *testing.T) {
	var buf bytes.Buffer
	logger.Init(logger.Options{Service: true, Out: &buf})
	t.Cleanup(func() { logger.Init(logger.Options{Out: io.Discard}) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ticks 1-3 fail, tick 4 recovers, tick 5 fails once more.
	out := &fakeOutput{failFrom: 1, failures: 3}
	sl := &fakeSleeper{cancel: cancel, cancelAfter: 5}
	sl.onTick = func(tick int) {
		if tick == 4 {
			out.failures = 1
		}
	}
	src := &fakeSource{temps: []float64{50, 50, 50, 50, 70}}
	c := newController(t, src, out, sl)

	require.NoError(t, c.Run(ctx))

	var failures []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "consecutive_failures=") {
			failures = append(failures, line)
		}
	}
	require.Len(t, failures, 4, buf.String())

	want := []struct {
		level string
		count string
	}{
		{level: "WRN", count: "1"},
		{level: "WRN", count: "2"},
		{level: "ERR", count: "3"},
		{level: "WRN", count: "1"},
	}
	for i, w := range want {
		assert.True(t, strings.HasPrefix(failures[i], w.level+" "), failures[i])
		assert.Contains(t, failures[i], "consecutive_failures="+w.count)
	}
	assert.Contains(t, failures[2], "thermal protection compromised")
	assert.Contains(t, failures[2], "error_code=output_write_failed")
	assert.Equal(t, 675, c.State().CurrentDuty, "the failing tick after recovery holds its duty")
}
