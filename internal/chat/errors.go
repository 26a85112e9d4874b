package chat

import (
	"errors"
	"fmt"
)

// Error codes of the synchronization engine.
const (
	CodeUnknown      = "UNKNOWN"
	CodeNetwork      = "NETWORK"
	CodeStorage      = "STORAGE"
	CodeValidation   = "VALIDATION"
	CodeConflict     = "RECONCILIATION_CONFLICT"
	CodeSubscription = "SUBSCRIPTION_DROPPED"
)

// CodedError is implemented by every error type of this package.
type CodedError interface {
	error
	Code() string
	Unwrap() error
}

type baseError struct {
	code    string
	message string
	err     error
}

func (e *baseError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.message
}

func (e *baseError) Code() string  { return e.code }
func (e *baseError) Unwrap() error { return e.err }

// Code returns the code of the first CodedError in err's chain,
// or CodeUnknown.
func Code(err error) string {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return CodeUnknown
}

// NetworkError is a recoverable transport failure of send, fetch or
// subscribe.
type NetworkError struct{ baseError }

// NewNetworkError wraps cause as a NetworkError.
func NewNetworkError(message string, cause error) error {
	return &NetworkError{baseError{code: CodeNetwork, message: message, err: cause}}
}

// StorageError is a failure reported by the backing store.
type StorageError struct{ baseError }

// NewStorageError wraps cause as a StorageError.
func NewStorageError(message string, cause error) error {
	return &StorageError{baseError{code: CodeStorage, message: message, err: cause}}
}

// ValidationError rejects malformed input before it reaches the store.
type ValidationError struct{ baseError }

// NewValidationError returns a ValidationError.
func NewValidationError(message string) error {
	return &ValidationError{baseError{code: CodeValidation, message: message}}
}

// ReconciliationConflict records that a server-confirmed row and a still
// pending optimistic entry coexisted. The timeline resolves it on its own;
// it is only ever logged.
type ReconciliationConflict struct {
	baseError
	ClientID string
}

// NewReconciliationConflict returns a ReconciliationConflict for clientID.
func NewReconciliationConflict(clientID string) error {
	return &ReconciliationConflict{
		baseError: baseError{code: CodeConflict, message: "optimistic entry reconciled with server row " + clientID},
		ClientID:  clientID,
	}
}

// SubscriptionDropped reports a lost realtime channel.
type SubscriptionDropped struct {
	baseError
	ConversationID string
}

// NewSubscriptionDropped wraps cause as a SubscriptionDropped.
func NewSubscriptionDropped(conversationID string, cause error) error {
	return &SubscriptionDropped{
		baseError:      baseError{code: CodeSubscription, message: "realtime subscription dropped for conversation " + conversationID, err: cause},
		ConversationID: conversationID,
	}
}

// IsRecoverable reports whether the caller may retry the operation.
func IsRecoverable(err error) bool {
	switch Code(err) {
	case CodeNetwork, CodeSubscription, CodeStorage:
		return true
	}
	return false
}
