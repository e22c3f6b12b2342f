package metrics

import "codeberg.org/mutker/pwmfan/internal/errors"

const (
	defaultDirPerm   = 0o755
	defaultDBPath    = "/var/lib/pwmfan/history.db"
	defaultBatchSize = 6
)

type Config struct {
	DBPath    string
	BatchSize int
	Enabled   bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:    defaultDBPath,
		BatchSize: defaultBatchSize,
		Enabled:   false, // Disabled by default
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate DBPath if history is enabled
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 {
		return errFactory.WithData(ErrInvalidConfig, "batch size must not be negative")
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
