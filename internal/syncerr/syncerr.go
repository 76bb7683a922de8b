// Package syncerr defines the error taxonomy shared by every layer of the
// sync engine so callers can branch on error kind with errors.Is instead of
// string matching.
package syncerr

import "errors"

// Sentinel kinds. Wrap the underlying cause with fmt.Errorf("...: %w", Kind)
// alongside the real error so both errors.Is(err, KindX) and the original
// message survive.
var (
	// ErrConfig marks a required configuration input missing or ill-formed.
	// Fatal at load time; the core never raises it.
	ErrConfig = errors.New("config error")

	// ErrStoreUnavailable marks the state store's liveness probe failing.
	// Fatal to the whole cycle; raised before any mailbox I/O.
	ErrStoreUnavailable = errors.New("state store unavailable")

	// ErrStore marks any other state-store operation failure. Fatal to the
	// current route only; the cycle continues with the next route.
	ErrStore = errors.New("state store error")

	// ErrTransport marks a source/destination IMAP or token HTTP failure.
	// The retry wrapper catches it; once retries are exhausted it surfaces
	// as a route-level failure, unless encountered during destination
	// setup, in which case it is fatal to the cycle.
	ErrTransport = errors.New("transport error")
)

// IsTransient reports whether err should be retried by the retry wrapper:
// true exactly when err is, or wraps, ErrTransport.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransport)
}
