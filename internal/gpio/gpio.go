// Package gpio provides GPIO input reading and output driving with hardware abstraction.
// The real implementation uses Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Reader reads the sensor input line.
type Reader interface {
	// Read returns the logical level of the input (true = active).
	// Polarity inversion, if configured, has already been applied.
	Read() (bool, error)

	// Close releases GPIO resources.
	Close() error
}

// Writer drives the controlled output line.
type Writer interface {
	// Write sets the output level (true = high).
	Write(on bool) error

	// Close releases GPIO resources and leaves the line low.
	Close() error
}

// Default pin definitions (BCM numbering)
const (
	DefaultChip   = "gpiochip0"
	DefaultPinIn  = 17 // Sensor input
	DefaultPinOut = 27 // Controlled output (relay driver)
)
