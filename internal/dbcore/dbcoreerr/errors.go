// Package dbcoreerr defines the error kinds shared across dbcore's
// components. Every kind is a sentinel that call sites wrap with
// fmt.Errorf("...: %w", err) so callers can still recover the kind via
// errors.Is while getting a human-readable message.
package dbcoreerr

import "errors"

var (
	// ErrCorruption covers a CRC mismatch on a WAL entry or CU column, an
	// unknown variant tag, or a missing segment. Fatal for the reader;
	// recovery decides whether to surface or truncate.
	ErrCorruption = errors.New("corruption detected")

	// ErrIO covers a file or network read/write failure. Fatal for the
	// current operation; the caller retries at a higher level.
	ErrIO = errors.New("i/o failure")

	// ErrSerialization covers a structural failure to encode or decode a
	// record. Fatal at the point of failure.
	ErrSerialization = errors.New("serialization failure")

	// ErrInvalidInput covers empty CU input, a malformed conflict clock,
	// or an unknown custom handler name.
	ErrInvalidInput = errors.New("invalid input")

	// ErrManualResolutionRequired is surfaced to the caller of resolve
	// for strategy Manual.
	ErrManualResolutionRequired = errors.New("conflict requires manual resolution")

	// ErrTermStale is Raft's step-down trigger. Recovered locally; never
	// surfaced past the node boundary.
	ErrTermStale = errors.New("raft term is stale")

	// ErrQuorumUnavailable is surfaced to the client when the Raft leader
	// cannot replicate to a majority.
	ErrQuorumUnavailable = errors.New("raft quorum unavailable")

	// ErrUnsupportedAlgorithm covers an unknown HCC codec marker.
	ErrUnsupportedAlgorithm = errors.New("unsupported compression algorithm")

	// ErrCorruptedData is HCC's CRC-mismatch-on-decode kind, kept
	// distinct from ErrCorruption since callers match on it specifically
	// per spec (CorruptedData).
	ErrCorruptedData = errors.New("corrupted column data")

	// ErrClosed is the kind for an operation refused because a component
	// has shut down. No component in this module returns it; the WAL
	// manager refuses appends after a fatal failure by wrapping that
	// failure's own error.
	ErrClosed = errors.New("component closed")
)

// Corruptionf wraps ErrCorruption with context.
func Corruptionf(format string, args ...any) error {
	return wrapf(ErrCorruption, format, args...)
}

// IOf wraps ErrIO with context.
func IOf(format string, args ...any) error {
	return wrapf(ErrIO, format, args...)
}

// Serializationf wraps ErrSerialization with context.
func Serializationf(format string, args ...any) error {
	return wrapf(ErrSerialization, format, args...)
}

// InvalidInputf wraps ErrInvalidInput with context.
func InvalidInputf(format string, args ...any) error {
	return wrapf(ErrInvalidInput, format, args...)
}

// UnsupportedAlgorithmf wraps ErrUnsupportedAlgorithm with context.
func UnsupportedAlgorithmf(format string, args ...any) error {
	return wrapf(ErrUnsupportedAlgorithm, format, args...)
}

// CorruptedDataf wraps ErrCorruptedData with context.
func CorruptedDataf(format string, args ...any) error {
	return wrapf(ErrCorruptedData, format, args...)
}

// ManualResolutionRequiredf wraps ErrManualResolutionRequired with context.
func ManualResolutionRequiredf(format string, args ...any) error {
	return wrapf(ErrManualResolutionRequired, format, args...)
}

// Closedf wraps ErrClosed with context.
func Closedf(format string, args ...any) error {
	return wrapf(ErrClosed, format, args...)
}
