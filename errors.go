package driftlock

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the driftlock package.
var (
	// ErrClosed is returned when operations are attempted on a closed store or engine.
	ErrClosed = errors.New("store is closed")

	// ErrNotFound is returned when a record does not exist in the local store.
	ErrNotFound = errors.New("record not found")

	// ErrStorage is returned when local storage fails after bounded retries.
	ErrStorage = errors.New("local storage failure")

	// ErrNetwork is returned for transient transport failures.
	ErrNetwork = errors.New("network failure")

	// ErrAuth is returned when the remote rejects the sync credential.
	ErrAuth = errors.New("authentication failed")

	// ErrValidation is returned when the remote rejects a specific entry.
	ErrValidation = errors.New("entry rejected by remote")

	// ErrConflictNotFound is returned by Resolve when the conflict does not exist.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrConflictPending is returned by Put and Delete while the record has
	// an unresolved conflict; it must be resolved first.
	ErrConflictPending = errors.New("record has an unresolved conflict")

	// ErrEngineStopped is returned when sync is requested on a stopped engine.
	ErrEngineStopped = errors.New("engine is stopped")

	// ErrOffline is returned when a sync is requested while the device has
	// no connectivity. The queued changes are untouched.
	ErrOffline = errors.New("device is offline")
)

// ErrorClass categorizes sync failures for retry decisions.
type ErrorClass int

const (
	// ClassUnknown is an unclassified error.
	ClassUnknown ErrorClass = iota
	// ClassStorage indicates a local I/O failure. Fatal after bounded retry.
	ClassStorage
	// ClassNetwork indicates a transient transport failure. Retried with backoff.
	ClassNetwork
	// ClassAuth indicates an invalid or expired credential. Never retried.
	ClassAuth
	// ClassValidation indicates the remote rejected an entry. Never retried.
	ClassValidation
)

func (c ErrorClass) String() string {
	switch c {
	case ClassStorage:
		return "storage"
	case ClassNetwork:
		return "network"
	case ClassAuth:
		return "auth"
	case ClassValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// SyncError carries a classified failure through the sync pipeline.
type SyncError struct {
	Class   ErrorClass
	Message string
	Cause   error
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching against the sentinel errors.
func (e *SyncError) Is(target error) bool {
	switch e.Class {
	case ClassStorage:
		return target == ErrStorage
	case ClassNetwork:
		return target == ErrNetwork
	case ClassAuth:
		return target == ErrAuth
	case ClassValidation:
		return target == ErrValidation
	}
	return false
}

func newSyncError(class ErrorClass, message string, cause error) *SyncError {
	return &SyncError{Class: class, Message: message, Cause: cause}
}

// Classify extracts the error class from err, walking the wrap chain.
// Unclassified errors default to ClassUnknown.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Class
	}
	switch {
	case errors.Is(err, ErrStorage):
		return ClassStorage
	case errors.Is(err, ErrNetwork):
		return ClassNetwork
	case errors.Is(err, ErrAuth):
		return ClassAuth
	case errors.Is(err, ErrValidation):
		return ClassValidation
	}
	return ClassUnknown
}

// IsTransient reports whether err should be retried with backoff.
// Only network-class failures are transient; auth, validation and storage
// failures are surfaced to the caller instead.
func IsTransient(err error) bool {
	return Classify(err) == ClassNetwork
}
