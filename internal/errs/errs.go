// Package errs defines the error kinds surfaced by the core. Callers match
// them with errors.Is; layers add context with fmt.Errorf("...: %w", err).
package errs

import "errors"

var (
	// ErrNotFound: entry or remote object absent.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists: (parent, name) collision.
	ErrAlreadyExists = errors.New("already exists")
	// ErrPermissionDenied: checked above this layer but re-raised on write-through.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrQuotaExceeded: vault quota or cache budget.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrInsufficientSpace: sync cannot proceed.
	ErrInsufficientSpace = errors.New("insufficient space")
	// ErrAuth: crypto tag mismatch or bad API credentials.
	ErrAuth = errors.New("authentication error")
	// ErrTransientIO: network reset, 5xx, disk EBUSY. Retried.
	ErrTransientIO = errors.New("transient i/o error")
	// ErrFatalIO: unrecoverable disk or remote failure.
	ErrFatalIO = errors.New("fatal i/o error")
	// ErrConflict: sync detected incompatible divergence.
	ErrConflict = errors.New("sync conflict")
	// ErrCancelled: cooperative cancellation.
	ErrCancelled = errors.New("cancelled")
	// ErrCorrupt: metadata invariant violation discovered at read time.
	ErrCorrupt = errors.New("corrupt metadata")
	// ErrInvalidArgument: malformed path or impossible operation (rename cycle).
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrBusy: connection acquisition timed out.
	ErrBusy = errors.New("busy")
	// ErrNotEmpty: directory removal with children present.
	ErrNotEmpty = errors.New("directory not empty")
)

// Transient reports whether err belongs to the retryable category.
func Transient(err error) bool {
	return errors.Is(err, ErrTransientIO) || errors.Is(err, ErrBusy)
}
