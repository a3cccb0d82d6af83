package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed call. Only KindUnauthorized may lead to a login
// prompt; the other kinds are retried without touching credentials.
type Kind string

const (
	KindNetwork          Kind = "network"
	KindTimeout          Kind = "timeout"
	KindSoftReconnecting Kind = "soft_reconnecting"
	KindUnauthorized     Kind = "unauthorized"
	KindServer           Kind = "server"
)

// Error is returned by every failed Call.
type Error struct {
	Kind     Kind
	Status   int
	Endpoint string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Endpoint != "" {
		return fmt.Sprintf("apiclient: %s: %s (%d): %s", e.Endpoint, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("apiclient: %s (%d): %s", e.Kind, e.Status, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) IsUnauthorized() bool { return e.Kind == KindUnauthorized }

func (e *Error) IsReconnecting() bool { return e.Kind == KindSoftReconnecting }

// KindOf returns the Kind of an *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsUnauthorized(err error) bool { return KindOf(err) == KindUnauthorized }

func IsReconnecting(err error) bool { return KindOf(err) == KindSoftReconnecting }

// IsTransient reports whether err should be retried rather than treated as
// a lost session.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindSoftReconnecting:
		return true
	}
	return false
}

func errTimeout(endpoint string, err error) *Error {
	return &Error{Kind: KindTimeout, Status: http.StatusRequestTimeout, Endpoint: endpoint,
		Message: "Request timed out", Err: err}
}

func errNetwork(endpoint string, err error) *Error {
	return &Error{Kind: KindNetwork, Endpoint: endpoint, Message: "Network error", Err: err}
}

// errCallerGone classifies a call abandoned by its own context. It is never
// an auth failure: a deadline is a timeout, a cancellation a network error.
func errCallerGone(endpoint string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errTimeout(endpoint, err)
	}
	e := errNetwork(endpoint, err)
	e.Message = "Request cancelled"
	return e
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func errSoftReconnecting(endpoint string) *Error {
	return &Error{Kind: KindSoftReconnecting, Status: http.StatusServiceUnavailable, Endpoint: endpoint,
		Message: "Reconnecting to the backend, try again shortly"}
}

func errUnauthorized(endpoint, message string, err error) *Error {
	if message == "" {
		message = "Session expired, please sign in again"
	}
	return &Error{Kind: KindUnauthorized, Status: http.StatusUnauthorized, Endpoint: endpoint,
		Message: message, Err: err}
}
