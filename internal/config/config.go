package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/pwmfan/internal/calibrate"
	"codeberg.org/mutker/pwmfan/internal/errors"
	"codeberg.org/mutker/pwmfan/internal/fan"
	"codeberg.org/mutker/pwmfan/internal/metrics"
	"codeberg.org/mutker/pwmfan/internal/pwm"
	"codeberg.org/mutker/pwmfan/internal/telemetry"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel  = LogLevelInfo
	DefaultEnvPrefix = "PWMFAN"
	configName       = "pwmfan"
	configType       = "toml"
)

type Config struct {
	MinTemp               float64       `mapstructure:"min_temp"`
	StartTemp             float64       `mapstructure:"start_temp"`
	MaxTemp               float64       `mapstructure:"max_temp"`
	BaseDuty              int           `mapstructure:"base_duty"`
	MaxDuty               int           `mapstructure:"max_duty"`
	SampleInterval        time.Duration `mapstructure:"sample_interval"`
	RampStepInterval      time.Duration `mapstructure:"ramp_step_interval"`
	WriteFailureThreshold int           `mapstructure:"write_failure_threshold"`
	LogLevel              string        `mapstructure:"log_level"`
	LogFile               string        `mapstructure:"log_file"`
	PIDFile               string        `mapstructure:"pid_file"`

	PWM       PWMConfig       `mapstructure:"pwm"`
	Sensor    SensorConfig    `mapstructure:"sensor"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Calibrate CalibrateConfig `mapstructure:"calibrate"`

	// Args are the positional command line arguments left after flags.
	Args []string `mapstructure:"-"`
}

type PWMConfig struct {
	Pin   int `mapstructure:"pin"`
	Clock int `mapstructure:"clock"`
}

type SensorConfig struct {
	Temperature  string `mapstructure:"temperature"`
	Frequency    string `mapstructure:"frequency"`
	MaxFrequency string `mapstructure:"max_frequency"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	DBPath    string `mapstructure:"db_path"`
	BatchSize int    `mapstructure:"batch_size"`
}

type CalibrateConfig struct {
	Step   int           `mapstructure:"step"`
	Hold   time.Duration `mapstructure:"hold"`
	Settle time.Duration `mapstructure:"settle"`
}

// flagSpec ties a command line flag to its configuration key.
type flagSpec struct {
	key   string
	flag  string
	usage string
}

var defaults = map[string]any{
	"min_temp":                35.0,
	"start_temp":              40.0,
	"max_temp":                65.0,
	"base_duty":               400,
	"max_duty":                950,
	"sample_interval":         10 * time.Second,
	"ramp_step_interval":      10 * time.Millisecond,
	"write_failure_threshold": 3,
	"log_level":               string(DefaultLogLevel),
	"log_file":                "/var/log/pwmfan.log",
	"pid_file":                "/run/pwmfan.pid",
	"pwm.pin":                 pwm.DefaultConfig(0).Pin,
	"pwm.clock":               pwm.DefaultConfig(0).Clock,
	"sensor.temperature":      telemetry.DefaultConfig().TemperaturePath,
	"sensor.frequency":        telemetry.DefaultConfig().FrequencyPath,
	"sensor.max_frequency":    telemetry.DefaultConfig().MaxFrequencyPath,
	"metrics.enabled":         metrics.DefaultConfig().Enabled,
	"metrics.db_path":         metrics.DefaultConfig().DBPath,
	"metrics.batch_size":      metrics.DefaultConfig().BatchSize,
	"calibrate.step":          50,
	"calibrate.hold":          5 * time.Second,
	"calibrate.settle":        time.Second,
}

var flagSpecs = []flagSpec{
	{key: "min_temp", flag: "min-temp", usage: "Stop the fan at or below this temperature (°C)"},
	{key: "start_temp", flag: "start-temp", usage: "Restart a stopped fan at or above this temperature (°C)"},
	{key: "max_temp", flag: "max-temp", usage: "Run at full duty at or above this temperature (°C)"},
	{key: "base_duty", flag: "base-duty", usage: "Lowest duty while the fan runs"},
	{key: "max_duty", flag: "max-duty", usage: "Full duty, also the PWM cycle length"},
	{key: "sample_interval", flag: "sample-interval", usage: "Interval between temperature samples"},
	{key: "ramp_step_interval", flag: "ramp-step-interval", usage: "Delay between unit duty steps"},
	{key: "write_failure_threshold", flag: "write-failure-threshold", usage: "Failed ticks before escalating to error"},
	{key: "log_level", flag: "log-level", usage: "Log level (debug, info, warning, error)"},
	{key: "log_file", flag: "log-file", usage: "Append log lines to this file, empty to disable"},
	{key: "pid_file", flag: "pid-file", usage: "Pid file of the running service"},
	{key: "pwm.pin", flag: "pwm-pin", usage: "BCM GPIO pin wired to the fan PWM input"},
	{key: "pwm.clock", flag: "pwm-clock", usage: "PWM clock frequency in Hz"},
	{key: "metrics.enabled", flag: "history", usage: "Record every tick into the history database"},
	{key: "metrics.db_path", flag: "history-db", usage: "Path of the history database"},
}

// Load reads configuration from defaults, the TOML file, the environment and
// args, in increasing precedence, and validates the result.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{
		searchPaths: []string{"/etc"},
	}
	for _, opt := range opts {
		opt(&o)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	flags := newFlagSet()
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	for _, spec := range flagSpecs {
		if err := v.BindPFlag(spec.key, flags.Lookup(spec.flag)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(DefaultEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := o.configPath
	if path, _ := flags.GetString("config"); path != "" {
		configPath = path
	}
	if configPath == "" {
		configPath = os.Getenv(DefaultEnvPrefix + "_CONFIG")
	}

	if err := readConfigFile(v, configPath, o.searchPaths); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}
	cfg.Args = flags.Args()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("pwmfan", pflag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	flags.Usage = func() {}

	flags.String("config", "", "Path to the TOML configuration file")
	for _, spec := range flagSpecs {
		switch value := defaults[spec.key].(type) {
		case float64:
			flags.Float64(spec.flag, value, spec.usage)
		case int:
			flags.Int(spec.flag, value, spec.usage)
		case bool:
			flags.Bool(spec.flag, value, spec.usage)
		case time.Duration:
			flags.Duration(spec.flag, value, spec.usage)
		case string:
			flags.String(spec.flag, value, spec.usage)
		}
	}

	return flags
}

// Usage returns the flag help text.
func Usage() string {
	return newFlagSet().FlagUsages()
}

func readConfigFile(v *viper.Viper, path string, searchPaths []string) error {
	errFactory := errors.New()

	v.SetConfigType(configType)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
		return nil
	}

	v.SetConfigName(configName)
	for _, dir := range searchPaths {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	return nil
}

// Validate checks every value that would leave the daemon ill-defined.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	if err := c.Settings().Validate(); err != nil {
		return err
	}
	if err := c.PWMConfig().Validate(); err != nil {
		return err
	}
	if err := c.TelemetryConfig().Validate(); err != nil {
		return err
	}
	if err := c.MetricsConfig().Validate(); err != nil {
		return err
	}
	if c.PIDFile == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "pid_file must be set")
	}

	return nil
}

func (c *Config) Thresholds() fan.Thresholds {
	return fan.Thresholds{
		MinTemp:   c.MinTemp,
		StartTemp: c.StartTemp,
		MaxTemp:   c.MaxTemp,
		BaseDuty:  c.BaseDuty,
		MaxDuty:   c.MaxDuty,
	}
}

func (c *Config) Settings() fan.Settings {
	return fan.Settings{
		Thresholds:            c.Thresholds(),
		SampleInterval:        c.SampleInterval,
		RampStepInterval:      c.RampStepInterval,
		WriteFailureThreshold: c.WriteFailureThreshold,
	}
}

func (c *Config) PWMConfig() pwm.Config {
	return pwm.Config{
		Pin:   c.PWM.Pin,
		Clock: c.PWM.Clock,
		Cycle: c.MaxDuty,
	}
}

func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		TemperaturePath:  c.Sensor.Temperature,
		FrequencyPath:    c.Sensor.Frequency,
		MaxFrequencyPath: c.Sensor.MaxFrequency,
	}
}

func (c *Config) MetricsConfig() metrics.Config {
	return metrics.Config{
		Enabled:   c.Metrics.Enabled,
		DBPath:    c.Metrics.DBPath,
		BatchSize: c.Metrics.BatchSize,
	}
}

func (c *Config) CalibrateOptions() calibrate.Options {
	return calibrate.Options{
		MaxDuty:  c.MaxDuty,
		Step:     c.Calibrate.Step,
		Hold:     c.Calibrate.Hold,
		Settle:   c.Calibrate.Settle,
		RampStep: c.RampStepInterval,
	}
}

// Command returns the first positional argument, or "" when there is none.
func (c *Config) Command() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

func (c *Config) String() string {
	return fmt.Sprintf("min=%g start=%g max=%g base=%d max_duty=%d interval=%s step=%s",
		c.MinTemp, c.StartTemp, c.MaxTemp, c.BaseDuty, c.MaxDuty, c.SampleInterval, c.RampStepInterval)
}
