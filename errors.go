package tierkv

import (
	"github.com/cockroachdb/errors"
)

// Error kinds surfaced by the store. Callers classify with errors.Is; the
// concrete errors carry path and offset context via wrapping.
var (
	// ErrCorruption marks a run file whose footer, trailer, index or data
	// region cannot be decoded, or whose checksum does not match. Never
	// reported as a plain miss.
	ErrCorruption = errors.New("run file corrupted")

	// ErrConfiguration marks invalid store or compaction parameters.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrClosed is returned by operations issued after Close.
	ErrClosed = errors.New("store closed")

	// ErrKeyOrder is returned by the run builder when fed keys that are not
	// strictly increasing. The entry source is required to be sorted.
	ErrKeyOrder = errors.New("keys out of order")
)

func corruptionf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorruption, format, args...)
}

func configurationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}
