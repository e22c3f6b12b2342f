package telemetry

// Source provides point-in-time CPU readings
type Source interface {
	// Read returns a fresh sample. An error means the temperature could
	// not be read; frequency failures degrade to zero instead.
	Read() (Sample, error)
}

// Sample is one reading of the CPU sensors
type Sample struct {
	Temperature  float64 // °C
	Frequency    int     // MHz
	MaxFrequency int     // MHz
}
