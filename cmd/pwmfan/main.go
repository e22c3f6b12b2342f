package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"codeberg.org/mutker/pwmfan/internal/calibrate"
	"codeberg.org/mutker/pwmfan/internal/config"
	"codeberg.org/mutker/pwmfan/internal/errors"
	"codeberg.org/mutker/pwmfan/internal/fan"
	"codeberg.org/mutker/pwmfan/internal/logger"
	"codeberg.org/mutker/pwmfan/internal/metrics"
	"codeberg.org/mutker/pwmfan/internal/pid"
	"codeberg.org/mutker/pwmfan/internal/pwm"
	"codeberg.org/mutker/pwmfan/internal/telemetry"
	"github.com/spf13/pflag"
)

const (
	stopTimeout         = 10 * time.Second
	defaultHistoryLimit = 20
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage()
			return
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	switch cfg.Command() {
	case "start":
		err = runStart(cfg)
	case "stop":
		err = runStop(cfg)
	case "restart":
		err = runRestart(cfg)
	case "test":
		err = runTest(cfg)
	case "history":
		err = runHistory(cfg)
	case "version":
		fmt.Printf("pwmfan %s\n", version)
	case "", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cfg.Command())
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: pwmfan [flags] <command>

Commands:
  start     run the fan service in the foreground
  stop      stop the running fan service and turn the fan off
  restart   stop the running fan service, then start it
  test      sweep the fan through its duty range
  history   print the most recent recorded ticks (history [n])
  version   print the version
  help      show this help

Flags:`)
	fmt.Print(config.Usage())
}

func initLogger(cfg *config.Config, file string) func() error {
	return logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		File:    file,
		Service: logger.IsService(),
	})
}

func runStart(cfg *config.Config) error {
	closeLog := initLogger(cfg, cfg.LogFile)
	defer closeLog() //nolint:errcheck // nothing left to report to

	logger.Debug().Str("config", cfg.String()).Msg("Config loaded")

	if err := pid.Write(cfg.PIDFile); err != nil {
		logger.Error().Err(err).Str("pid_file", cfg.PIDFile).Msg("Failed to start fan service")
		return err
	}
	defer func() {
		if err := pid.Remove(cfg.PIDFile); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove pid file")
		}
	}()

	source, err := telemetry.NewSysfs(cfg.TelemetryConfig())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open temperature sensor")
		return err
	}

	output, err := pwm.New(cfg.PWMConfig())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create PWM output")
		return err
	}
	defer func() {
		if err := output.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to release PWM output")
		}
	}()

	history, err := metrics.NewService(cfg.MetricsConfig(), logger.Get())
	if err != nil {
		// History is optional, the fan is not.
		logger.Warn().Err(err).Msg("Tick history unavailable")
		history, _ = metrics.NewService(metrics.Config{}, logger.Get())
	}
	defer func() {
		if err := history.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close tick history")
		}
	}()

	controller, err := fan.NewController(cfg.Settings(), source, output, fan.WithRecorder(history))
	if err != nil {
		logger.Error().Err(err).Msg("Invalid controller settings")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(ctx, cancel)

	if err := controller.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to initialize PWM output")
		return errors.New().Wrap(errors.ErrMainLoop, err)
	}

	cleanup(output)

	return nil
}

func handleSignals(ctx context.Context, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("Received termination signal")
		cancel()
	case <-ctx.Done():
	}
}

func cleanup(output pwm.Output) {
	if err := output.Write(0); err != nil {
		logger.Error().Err(err).Msg("Failed to turn the fan off")
	}
	logger.Info().Msg("Stop Fan Service")
}

// stopService stops a running daemon, if any. It reports whether one was
// running.
func stopService(cfg *config.Config) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	pidNum, err := pid.Stop(ctx, cfg.PIDFile)
	if errors.HasCode(err, errors.ErrNotRunning) {
		return false, nil
	}
	if err != nil {
		return true, err
	}

	logger.Info().Int("pid", pidNum).Msg("Fan service stopped")
	return true, nil
}

func runStop(cfg *config.Config) error {
	closeLog := initLogger(cfg, "")
	defer closeLog() //nolint:errcheck // console only

	running, err := stopService(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to stop fan service")
		return err
	}
	if !running {
		logger.Info().Msg("Fan service is not running")
	}

	output, err := pwm.New(cfg.PWMConfig())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create PWM output")
		return err
	}
	defer output.Close() //nolint:errcheck // process exits right after

	if err := output.Init(); err != nil {
		logger.Error().Err(err).Msg("Failed to initialize PWM output")
		return err
	}
	if err := output.Write(0); err != nil {
		logger.Error().Err(err).Msg("Failed to turn the fan off")
		return err
	}

	return nil
}

func runRestart(cfg *config.Config) error {
	closeLog := initLogger(cfg, "")
	if _, err := stopService(cfg); err != nil {
		logger.Error().Err(err).Msg("Failed to stop fan service")
		closeLog() //nolint:errcheck // console only
		return err
	}
	closeLog() //nolint:errcheck // console only

	return runStart(cfg)
}

func runTest(cfg *config.Config) error {
	closeLog := initLogger(cfg, "")
	defer closeLog() //nolint:errcheck // console only

	opts := cfg.CalibrateOptions()
	if err := opts.Validate(); err != nil {
		logger.Error().Err(err).Msg("Invalid calibration settings")
		return err
	}

	running, err := stopService(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to stop fan service")
		return err
	}
	if running {
		logger.Info().Msg("Fan service stopped for calibration")
	}

	output, err := pwm.New(cfg.PWMConfig())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create PWM output")
		return err
	}
	defer output.Close() //nolint:errcheck // process exits right after

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(ctx, cancel)

	if err := calibrate.Run(ctx, output, fan.RealSleeper(), opts); err != nil {
		if ctx.Err() != nil {
			logger.Info().Msg("Calibration interrupted")
			if err := output.Write(0); err != nil {
				logger.Error().Err(err).Msg("Failed to turn the fan off")
			}
			return nil
		}
		logger.Error().Err(err).Msg("Calibration failed")
		return err
	}

	return nil
}

func runHistory(cfg *config.Config) error {
	closeLog := initLogger(cfg, "")
	defer closeLog() //nolint:errcheck // console only

	limit := defaultHistoryLimit
	if len(cfg.Args) > 1 {
		n, err := strconv.Atoi(cfg.Args[1])
		if err != nil || n <= 0 {
			logger.Error().Str("limit", cfg.Args[1]).Msg("History limit must be a positive number")
			return errors.New().WithData(errors.ErrInvalidArgument, cfg.Args[1])
		}
		limit = n
	}

	mcfg := cfg.MetricsConfig()
	if !mcfg.Enabled {
		logger.Info().Msg("Tick history is disabled, enable it with --history")
		return nil
	}

	history, err := metrics.NewService(mcfg, logger.Get())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open tick history")
		return err
	}
	defer history.Close() //nolint:errcheck // read only

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	rows, err := history.Recent(ctx, limit)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read tick history")
		return err
	}

	for _, s := range rows {
		state := "stopped"
		switch {
		case s.Degraded:
			state = "degraded"
		case s.Running:
			state = "running"
		}
		fmt.Printf("%s  %5.1f°C  %4dMHz  target=%-4d duty=%-4d power=%3d%%  %s\n",
			s.Timestamp.Format(time.DateTime), s.Temperature, s.Frequency, s.Target, s.Duty, s.Power, state)
	}

	return nil
}
