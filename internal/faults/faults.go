// Package faults defines the error categories shared across the call
// pipeline. Callers branch on these with errors.Is to decide between
// log-and-continue and must-disconnect handling.
package faults

import "errors"

var (
	// ErrConfiguration marks an operation that cannot proceed because a
	// required capability (e.g. a transcoder for a channel conversion)
	// was not configured.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound marks lookups of unknown streams, sessions, or handoff
	// ids. Never fatal for a live call.
	ErrNotFound = errors.New("not found")

	// ErrTransientIO marks feeder/telemetry/audit failures that must stay
	// isolated at the boundary.
	ErrTransientIO = errors.New("transient io error")

	// ErrFatalEscalation marks a failed emergency transfer. The call leg
	// must be disconnected; retrying is unsafe.
	ErrFatalEscalation = errors.New("fatal escalation error")
)
