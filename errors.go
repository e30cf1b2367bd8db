package cdpmux

import (
	"errors"
	"fmt"

	"github.com/chromedp/cdproto"
)

// Error is a cdpmux error.
type Error string

// Error satisfies the error interface.
func (err Error) Error() string {
	return string(err)
}

// Error types.
const (
	// ErrConnectionClosed is the error returned for every command and wait
	// outstanding on a connection that has been closed, whether by Close or
	// by the browser hanging up.
	ErrConnectionClosed Error = "Target Closed: browser has disconnected"

	// ErrSessionDetached is the error returned for commands and waits on a
	// session whose target was destroyed or which was detached while the
	// connection stayed up.
	ErrSessionDetached Error = "Target Closed: session detached"

	// ErrTargetClosed is the error returned when addressing a target that is
	// not (or no longer) known to the target registry.
	ErrTargetClosed Error = "Target Closed"

	// ErrTargetCrashed is the error returned for commands on a session whose
	// target has crashed.
	ErrTargetCrashed Error = "Target Crashed"

	// ErrWaitTimeout is the error returned when a waiter's deadline elapses
	// with no match.
	ErrWaitTimeout Error = "waiting failed: timeout exceeded"

	// ErrWaitCanceled is the error returned when a waiter is canceled by its
	// caller.
	ErrWaitCanceled Error = "waiting failed: canceled"

	// ErrNavigationDisconnected is the error returned by navigation waits
	// when the browser disconnects before the navigation completes.
	ErrNavigationDisconnected Error = "Navigation failed because browser has disconnected!"
)

// ProtocolError is the error returned by Execute when a command does not
// complete with a result.
//
// Err is either the *cdproto.Error sent by the browser for the call, or one
// of ErrConnectionClosed, ErrSessionDetached or ErrTargetCrashed when the
// command was cut short locally.
type ProtocolError struct {
	Method string
	Err    error
}

// Error satisfies the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("Protocol error (%s): %v", e.Method, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// RemoteError returns the error object sent by the browser, or nil when the
// failure was local.
func (e *ProtocolError) RemoteError() *cdproto.Error {
	var re *cdproto.Error
	if errors.As(e.Err, &re) {
		return re
	}
	return nil
}

// IsDisconnected reports whether err was caused by the connection closing or
// the session being detached.
func IsDisconnected(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrSessionDetached)
}
