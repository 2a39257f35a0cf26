package backend

import (
	"errors"
	"fmt"
)

// Error is a non-2xx response from the backend. Message is the raw
// upstream text and must not be shown to users; map it through errmap.
type Error struct {
	Status  int
	Message string
	Code    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// UpstreamStatus implements errmap.Upstream.
func (e *Error) UpstreamStatus() int { return e.Status }

// UpstreamMessage implements errmap.Upstream.
func (e *Error) UpstreamMessage() string { return e.Message }

// TransportError wraps a failure to obtain any response at all.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Unreachable implements errmap.Unreachable.
func (e *TransportError) Unreachable() bool { return true }

// IsStatus reports whether err is a backend Error with the given status.
func IsStatus(err error, status int) bool {
	var be *Error
	return errors.As(err, &be) && be.Status == status
}
