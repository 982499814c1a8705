package repository

import "errors"

var (
	// ErrConnectionClosed is returned for commands outstanding when the
	// control channel closes, and for sends on a closed session.
	ErrConnectionClosed = errors.New("browser connection closed")

	// ErrReconnectExhausted signals that the transport gave up reconnecting
	// after the configured number of attempts. It is terminal for a run.
	ErrReconnectExhausted = errors.New("browser reconnection attempts exhausted")

	// ErrCommandTimeout is returned when no response arrives for a command
	// within its budget.
	ErrCommandTimeout = errors.New("browser command timed out")

	// ErrReadinessTimeout is returned when a page failed to reach the
	// combined ready state within the readiness budget.
	ErrReadinessTimeout = errors.New("page readiness timed out")

	// ErrNavigationFailed is returned when the remote browser reports a
	// navigation or action error.
	ErrNavigationFailed = errors.New("navigation failed")

	// ErrRunStopped is returned when a run ends early on explicit stop.
	ErrRunStopped = errors.New("run stopped")
)
