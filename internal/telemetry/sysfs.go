package telemetry

import (
	"os"
	"strconv"
	"strings"

	"codeberg.org/mutker/pwmfan/internal/errors"
	"codeberg.org/mutker/pwmfan/internal/logger"
)

const (
	milliDegreesPerDegree = 1000.0
	kiloHertzPerMegaHertz = 1000
)

type sysfsSource struct {
	cfg     Config
	maxFreq int
}

// NewSysfs returns a Source reading the kernel thermal and cpufreq files.
func NewSysfs(cfg Config) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &sysfsSource{cfg: cfg}, nil
}

func (s *sysfsSource) Read() (Sample, error) {
	errFactory := errors.New()

	milli, err := readInt(s.cfg.TemperaturePath)
	if err != nil {
		return Sample{}, errFactory.Wrap(ErrTemperatureRead, err)
	}

	sample := Sample{Temperature: float64(milli) / milliDegreesPerDegree}

	if s.cfg.FrequencyPath != "" {
		if khz, err := readInt(s.cfg.FrequencyPath); err != nil {
			logger.Debug().Err(errFactory.Wrap(ErrFrequencyRead, err)).Msg("CPU frequency unavailable")
		} else {
			sample.Frequency = khz / kiloHertzPerMegaHertz
		}
	}

	// The maximum only changes with the governor, so the first good read is kept.
	if s.maxFreq == 0 && s.cfg.MaxFrequencyPath != "" {
		if khz, err := readInt(s.cfg.MaxFrequencyPath); err != nil {
			logger.Debug().Err(errFactory.Wrap(ErrFrequencyRead, err)).Msg("CPU max frequency unavailable")
		} else {
			s.maxFreq = khz / kiloHertzPerMegaHertz
		}
	}
	sample.MaxFrequency = s.maxFreq

	return sample, nil
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	value, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.New().Wrap(ErrInvalidReading, err).WithData(path)
	}

	return value, nil
}
