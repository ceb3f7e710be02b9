// Package errdefs defines the error kinds surfaced by the
// 3D-parallel layers and the communication substrate.
//
// Every error produced by this module wraps exactly one of
// the sentinels below, so callers can classify failures
// with errors.Is regardless of how much context was added.
package errdefs

import "github.com/pkg/errors"

var (
	// ErrConfiguration is a bad or missing mesh depth, a
	// process count that is not a perfect cube, or an
	// invalid module configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrShapeMismatch is a dimension that does not divide
	// evenly across the mesh, or an input whose shape does
	// not match what a module was built for.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrCommunication is a failed collective call or an
	// invalid (closed or stale) group handle.
	ErrCommunication = errors.New("communication error")
)

// Configurationf creates an error wrapping ErrConfiguration.
func Configurationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// ShapeMismatchf creates an error wrapping ErrShapeMismatch.
func ShapeMismatchf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrShapeMismatch, format, args...)
}

// Communicationf creates an error wrapping ErrCommunication.
func Communicationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCommunication, format, args...)
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsShapeMismatch reports whether err is a shape mismatch.
func IsShapeMismatch(err error) bool {
	return errors.Is(err, ErrShapeMismatch)
}

// IsCommunication reports whether err is a communication error.
func IsCommunication(err error) bool {
	return errors.Is(err, ErrCommunication)
}

// Divide returns n/d, or a ShapeMismatch error naming what
// was being divided when d does not divide n evenly.
func Divide(what string, n, d int) (int, error) {
	if d <= 0 || n%d != 0 {
		return 0, ShapeMismatchf("%s (%d) is not divisible by %d", what, n, d)
	}
	return n / d, nil
}
