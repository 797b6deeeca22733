package domain

import (
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey is returned when inserting an identity that already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrConcurrentUpdate is returned when a record changed since it was read.
	ErrConcurrentUpdate = errors.New("concurrent update: record version mismatch")

	// ErrConflictingDuplicate is returned when an identity is reused with a different payload.
	ErrConflictingDuplicate = errors.New("conflicting duplicate command")

	// ErrComputationFailed is returned when a guarded computation fails.
	ErrComputationFailed = errors.New("computation failed")

	// ErrResponseTimeout is returned when no reply arrived within the bound. Retryable.
	ErrResponseTimeout = errors.New("response timeout")

	// ErrAlreadyRegistered is returned when a correlation key already has a waiter.
	ErrAlreadyRegistered = errors.New("correlation id already registered")

	// ErrInvalidCommand is returned when a command identity or message is malformed.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrRemoteFailure is returned when a node answered with an error reply.
	ErrRemoteFailure = errors.New("remote failure")

	// ErrStorageBusy is returned when the store stayed locked past its busy
	// timeout. Retryable.
	ErrStorageBusy = errors.New("storage busy")
)

// ConflictingDuplicateError describes an identity reused for a different request.
// Exactly one of Identity and Execution is set.
type ConflictingDuplicateError struct {
	Identity  CommandIdentity
	Execution ExecutionID

	StoredDigest  []byte
	RequestDigest []byte
}

func (e *ConflictingDuplicateError) Error() string {
	key := e.Identity.String()
	if e.Execution != (ExecutionID{}) {
		key = e.Execution.String()
	}
	return fmt.Sprintf("conflicting duplicate command %s: stored digest %s, request digest %s",
		key, shortHex(e.StoredDigest), shortHex(e.RequestDigest))
}

func (e *ConflictingDuplicateError) Is(target error) bool {
	return target == ErrConflictingDuplicate
}

// ComputationFailedError wraps the error raised by a guarded computation.
type ComputationFailedError struct {
	Err error
}

func (e *ComputationFailedError) Error() string {
	return fmt.Sprintf("computation failed: %v", e.Err)
}

func (e *ComputationFailedError) Is(target error) bool {
	return target == ErrComputationFailed
}

func (e *ComputationFailedError) Unwrap() error {
	return e.Err
}

// RemoteError is a structured failure received from a node.
type RemoteError struct {
	Identity CommandIdentity
	Code     string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("node %d failed %s (code: %s): %s", e.Identity.NodeID, e.Identity.Operation, e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	if target == ErrRemoteFailure {
		return true
	}
	// A node-side conflict is still a conflict for the caller.
	return e.Code == FailureConflictingDuplicate && target == ErrConflictingDuplicate
}

// InvalidCommandError reports which field of a command is malformed.
type InvalidCommandError struct {
	Field  string
	Reason string
}

// NewInvalidCommandError creates a new invalid command error.
func NewInvalidCommandError(field, format string, args ...any) error {
	return &InvalidCommandError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *InvalidCommandError) Error() string {
	return fmt.Sprintf("invalid command: %s", e.Reason)
}

func (e *InvalidCommandError) Is(target error) bool {
	return target == ErrInvalidCommand
}

// Failure codes carried by error replies and dead letters.
const (
	FailureConflictingDuplicate = "CONFLICTING_DUPLICATE"
	FailureComputationFailed    = "COMPUTATION_FAILED"
	FailureUnknownOperation     = "UNKNOWN_OPERATION"
	FailureWrongNode            = "WRONG_NODE"
	FailureInvalidMessage       = "INVALID_MESSAGE"
	FailureDeliveryExhausted    = "DELIVERY_EXHAUSTED"
	FailureRemote               = "REMOTE_FAILURE"
)

// FailureCode maps an error onto the code used in error replies.
func FailureCode(err error) string {
	var remote *RemoteError
	switch {
	case errors.As(err, &remote):
		return remote.Code
	case errors.Is(err, ErrConflictingDuplicate):
		return FailureConflictingDuplicate
	case errors.Is(err, ErrComputationFailed):
		return FailureComputationFailed
	case errors.Is(err, ErrInvalidCommand):
		return FailureInvalidMessage
	default:
		return FailureComputationFailed
	}
}

// IsRetryable reports whether the caller may retry the command, typically
// under a fresh correlation id.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrResponseTimeout) ||
		errors.Is(err, ErrConcurrentUpdate) ||
		errors.Is(err, ErrStorageBusy)
}

func shortHex(b []byte) string {
	s := hex.EncodeToString(b)
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
