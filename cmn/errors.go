package cmn

import "github.com/pkg/errors"

// Error kinds per spec.md §7: a small closed set that the daemon's
// per-request recovery maps onto the wire protocol's textual `msg` field.
// Operational and programming failures (I/O on store files, invariant
// violations) are deliberately not part of this set: those are fatal and
// propagate as panics, not as values a client can inspect.
var (
	ErrCapacityExceeded = errors.New("cache too small for reservation")
	ErrBadRequest       = errors.New("malformed request")
	ErrUnknownJob       = errors.New("unknown job")
	ErrConflict         = errors.New("run conflicts with an in-flight commit")
	ErrNeverMatch       = errors.New("dependency can never be matched against any content")
)

// Wrap attaches context to err using the same wrapping convention as the
// rest of the module (github.com/pkg/errors), returning nil if err is nil.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, context)
}
