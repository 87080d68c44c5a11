package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition matches any *TransitionError.
	ErrInvalidTransition = errors.New("invalid session transition")
)

// ConflictError reports that a location already has an active session.
type ConflictError struct {
	LocationID string
	SessionID  string
}

func (e *ConflictError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("another team is currently active at location %s (session %s)", e.LocationID, e.SessionID)
	}
	return fmt.Sprintf("another team is currently active at location %s", e.LocationID)
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DuplicateError reports a location name already registered in the campaign.
type DuplicateError struct {
	CampaignID string
	Name       string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("location %q already registered in campaign %s", e.Name, e.CampaignID)
}

type TransitionError struct {
	SessionID string
	From      SessionStatus
	To        SessionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s cannot move from %s to %s", e.SessionID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// RemoteWriteError wraps a failed write against the remote store.
// Retryable is false when resubmitting the same write cannot succeed.
type RemoteWriteError struct {
	Op         string
	Collection string
	Retryable  bool
	Err        error
}

func (e *RemoteWriteError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("remote %s on %s: %v", e.Op, e.Collection, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *RemoteWriteError) Unwrap() error { return e.Err }

// ComputationReadError distinguishes a failed analytics read from a
// legitimately empty result.
type ComputationReadError struct {
	Op  string
	Err error
}

func (e *ComputationReadError) Error() string {
	return fmt.Sprintf("analytics %s: read failed: %v", e.Op, e.Err)
}

func (e *ComputationReadError) Unwrap() error { return e.Err }

// IsConflict reports whether err is, or wraps, a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsDuplicate(err error) bool {
	var de *DuplicateError
	return errors.As(err, &de)
}

// IsPermanent reports errors that no amount of retrying will fix.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if IsConflict(err) || IsValidation(err) || IsDuplicate(err) || errors.Is(err, ErrInvalidTransition) {
		return true
	}
	var rw *RemoteWriteError
	if errors.As(err, &rw) {
		return !rw.Retryable
	}
	return false
}
