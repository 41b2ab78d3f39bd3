package clienterr

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable category of a client error
type Kind string

const (
	KindTransport             Kind = "transport"
	KindWebsocketConnect      Kind = "websocket_connect"
	KindMessageExpired        Kind = "message_expired"
	KindMessageRejected       Kind = "message_rejected"
	KindClockOutOfSync        Kind = "clock_out_of_sync"
	KindInvalidConfig         Kind = "invalid_config"
	KindInvalidBocCacheInsert Kind = "invalid_boc_cache_insert"
	KindNoSuchRequest         Kind = "no_such_request"
	KindAppRequestTimeout     Kind = "app_request_timeout"
	KindAppRequestFailed      Kind = "app_request_failed"
	KindNotFound              Kind = "not_found"
	KindCanceled              Kind = "canceled"
)

// Error implements error so a bare Kind can be used as an errors.Is target
func (k Kind) Error() string {
	return string(k)
}

// Error is the error type returned by every terminal outcome of the runtime.
// Data carries the last observed transaction or rejection when there is one.
type Error struct {
	Kind   Kind
	Detail string
	Data   any
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error or a Kind by kind only
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// New builds an Error with a formatted detail
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around a cause
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// WithData attaches the last observed transaction or rejection
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
