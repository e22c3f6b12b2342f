package metrics

import (
	"context"
	"time"
)

// Collector records the outcome of every control tick
type Collector interface {
	Record(ctx context.Context, snapshot *Snapshot) error
	Recent(ctx context.Context, limit int) ([]Snapshot, error)
	Close() error
}

// Repository defines the interface for tick history storage
type Repository interface {
	Record(snapshot *Snapshot) error
	Recent(ctx context.Context, limit int) ([]Snapshot, error)
	Close() error
}

// Snapshot is one control tick as stored in the history
type Snapshot struct {
	Timestamp   time.Time
	Temperature float64
	Frequency   int
	Target      int
	Duty        int
	Power       int
	Running     bool
	Degraded    bool
}
