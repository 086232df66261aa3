package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
)

// error taxonomy:
// - ConnectionError: retried automatically up to the reconnect bound, then
//   fatal and reported once
// - ValidationError: rejected locally before send, never retried
// - ApplicationError: server rejected an object operation, surfaced with the
//   original intent attached
// - ReconciliationError: consistency check mismatch, never auto-corrected
//   beyond an explicit Sync
//
// errors are delivered via the subscription path, never thrown across
// goroutine boundaries.

type ErrorClass string

const (
	ErrClassGeneric   ErrorClass = "generic"
	ErrClassHandshake ErrorClass = "handshake"
	ErrClassTimeout   ErrorClass = "timeout"
	ErrClassProtocol  ErrorClass = "protocol"
)

type ConnectionError struct {
	Class ErrorClass
	Err   error
}

func NewConnectionError(class ErrorClass, err error) *ConnectionError {
	return &ConnectionError{
		Class: class,
		Err:   err,
	}
}

// classification drives no automatic behavior by itself.
// it is attached to error notifications for observability.
func ClassifyConnectError(err error) *ConnectionError {
	if connectionError, ok := err.(*ConnectionError); ok {
		return connectionError
	}
	if errors.Is(err, websocket.ErrBadHandshake) {
		return NewConnectionError(ErrClassHandshake, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewConnectionError(ErrClassTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewConnectionError(ErrClassTimeout, err)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return NewConnectionError(ErrClassProtocol, err)
	}
	return NewConnectionError(ErrClassGeneric, err)
}

func (self *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (%s): %s", self.Class, self.Err)
}

func (self *ConnectionError) Unwrap() error {
	return self.Err
}

type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field string, format string, a ...any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf(format, a...),
	}
}

func (self *ValidationError) Error() string {
	return fmt.Sprintf("validation error (%s): %s", self.Field, self.Message)
}

type ApplicationError struct {
	Kind     MessageKind
	ObjectId string
	Message  string
	// the original intent, so the caller may decide to retry or discard
	Intent any
}

func (self *ApplicationError) Error() string {
	return fmt.Sprintf("application error (%s, object %s): %s", self.Kind, self.ObjectId, self.Message)
}

type ReconciliationError struct {
	CanvasId   string
	MissingIds []string
	ExtraIds   []string
}

func (self *ReconciliationError) Error() string {
	return fmt.Sprintf(
		"reconciliation mismatch (canvas %s): missing=%v extra=%v",
		self.CanvasId,
		self.MissingIds,
		self.ExtraIds,
	)
}
