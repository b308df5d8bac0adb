package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a conversation, message or related record does not exist.
	ErrNotFound = errors.New("conversation: not found")

	// ErrConflict is returned when a uniqueness rule rejects a write.
	ErrConflict = errors.New("conversation: conflict")

	// ErrNoAccessibleGroup is returned when a conversation would be created
	// without an explicit group the caller belongs to.
	ErrNoAccessibleGroup = errors.New("conversation: no accessible group")

	// ErrNothingToUndo is returned when a draft undo stack is empty.
	ErrNothingToUndo = errors.New("conversation: nothing to undo")

	// ErrClosed is returned when a transition is attempted on a closed conversation.
	ErrClosed = errors.New("conversation: closed")
)

// ValidationError reports bad or missing input. No state was changed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// AccessDeniedError reports that the caller lacks scope. The message never
// says whether the target exists.
type AccessDeniedError struct {
	UserID string
	Action string
}

func (e *AccessDeniedError) Error() string {
	if e.Action == "" {
		return "access denied"
	}
	return "access denied: " + e.Action
}

// Denied builds an AccessDeniedError.
func Denied(userID, action string) error {
	return &AccessDeniedError{UserID: userID, Action: action}
}

// GatewayError wraps an AI gateway failure. Callers should retry.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ai gateway: %s failed", e.Op)
	}
	return fmt.Sprintf("ai gateway: %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ErrEmptyGeneration is wrapped in a GatewayError when the AI returned no usable content.
var ErrEmptyGeneration = errors.New("AI did not generate a response")

// StoreError wraps a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NotificationError wraps a delivery scheduling failure. It is logged by the
// notification path and never returned to the triggering caller.
type NotificationError struct {
	Channel   string
	Recipient string
	Err       error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify %s to %s: %v", e.Channel, e.Recipient, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// storeErr wraps err as a StoreError unless it is already a domain sentinel.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsAccessDenied reports whether err is an AccessDeniedError.
func IsAccessDenied(err error) bool {
	var ae *AccessDeniedError
	return errors.As(err, &ae)
}

// IsGateway reports whether err is a GatewayError.
func IsGateway(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}
