package container

import "fmt"

// NotAuthorizedError is returned when a command is refused before any
// container is started, either by the blocked-command check or by a
// policy that forbids the requested access.
type NotAuthorizedError struct {
	Command string
	Reason  string
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("command not authorized: %s", e.Reason)
}

// TimeoutError is returned when a command exceeds its wall timeout. The
// container has already been force-removed by the time this is returned.
type TimeoutError struct {
	Timeout string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command exceeded wall timeout (%s)", e.Timeout)
}

// UpstreamFailureError wraps a container-daemon failure (create, start,
// wait, inspect) that the caller may retry at its own discretion.
type UpstreamFailureError struct {
	Op  string
	Err error
}

func (e *UpstreamFailureError) Error() string {
	return fmt.Sprintf("container daemon %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamFailureError) Unwrap() error { return e.Err }
