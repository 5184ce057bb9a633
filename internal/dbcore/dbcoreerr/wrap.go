package dbcoreerr

import "fmt"

// wrapf formats args per format, then wraps the sentinel so errors.Is(err,
// sentinel) still matches after propagation through multiple call sites.
func wrapf(sentinel error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", msg, sentinel)
}
