package recovery

import (
	"errors"
	"fmt"
)

// SyncErrorKind classifies a failed reconciliation.
type SyncErrorKind uint8

const (
	// SyncDbError means the local recovery rows couldn't be read or
	// written.
	SyncDbError SyncErrorKind = iota

	// CouldNotFetchServerRecovery means the server's recovery record
	// couldn't be fetched.
	CouldNotFetchServerRecovery
)

// String returns a human readable name for the kind.
func (k SyncErrorKind) String() string {
	switch k {
	case SyncDbError:
		return "SyncDbError"

	case CouldNotFetchServerRecovery:
		return "CouldNotFetchServerRecovery"

	default:
		return fmt.Sprintf("SyncErrorKind(%d)", uint8(k))
	}
}

// SyncError is returned, and published on the status stream, when a
// reconciliation cycle fails.
type SyncError struct {
	Kind SyncErrorKind
	Err  error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	return fmt.Sprintf("recovery sync failed (%v): %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *SyncError) Unwrap() error {
	return e.Err
}

func dbError(err error) error {
	return &SyncError{Kind: SyncDbError, Err: err}
}

var (
	// ErrNoRecoveryExists is returned by server clients when the account
	// has no recovery in progress.
	ErrNoRecoveryExists = errors.New("no recovery exists")

	// ErrKeysetAlreadyActivated is returned when activating a keyset
	// after a different one was already activated in the same attempt.
	ErrKeysetAlreadyActivated = errors.New("a different keyset was " +
		"already activated for this recovery")

	// ErrHardwareProofRequired is returned when an operation needs a
	// hardware proof of possession that wasn't supplied.
	ErrHardwareProofRequired = errors.New("hardware proof of possession " +
		"required")

	// ErrRecoveryCanceled is returned when the recovery this device was
	// driving disappeared or was replaced.
	ErrRecoveryCanceled = errors.New("recovery was canceled")

	// ErrAuthKeysMismatch is returned when the server's auth keys differ
	// from the ones the recovery rotated to.
	ErrAuthKeysMismatch = errors.New("server auth keys don't match " +
		"rotated keys")

	// ErrUnexpectedPhase is returned when an operation is attempted in a
	// recovery phase that doesn't allow it.
	ErrUnexpectedPhase = errors.New("operation not allowed in current " +
		"recovery phase")
)
