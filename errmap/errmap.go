// Package errmap converts raw upstream failures into the portal's closed
// error taxonomy: a stable code, a browser-facing status and a user-safe
// message chosen from a fixed table.
//
// Raw upstream text is only ever inspected (to detect a revoked passkey);
// it is never copied into the message shown to the user.
package errmap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code is the machine-readable error code sent to browsers.
type Code string

const (
	BadRequest         Code = "BAD_REQUEST"
	InvalidCredentials Code = "INVALID_CREDENTIALS"
	RateLimited        Code = "RATE_LIMITED"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	ServerError        Code = "SERVER_ERROR"
)

// Valid reports whether c is one of the five defined codes.
func (c Code) Valid() bool {
	switch c {
	case BadRequest, InvalidCredentials, RateLimited, ServiceUnavailable, ServerError:
		return true
	}
	return false
}

// ParseCode returns the Code named by s. Unknown or empty strings collapse
// to ServerError so callers never branch on an unrecognised value.
func ParseCode(s string) Code {
	c := Code(strings.ToUpper(strings.TrimSpace(s)))
	if c.Valid() {
		return c
	}
	return ServerError
}

// Status returns the canonical HTTP status for c.
func (c Code) Status() int {
	switch c {
	case BadRequest:
		return http.StatusBadRequest
	case InvalidCredentials:
		return http.StatusUnauthorized
	case RateLimited:
		return http.StatusTooManyRequests
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	case ServerError:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Context selects the message table used for a failure.
type Context int

const (
	Generic Context = iota
	AdminLogin
	CreatorLookup
	CreatorConfirm
	Reminders
	PasskeyIssue
)

func (c Context) String() string {
	switch c {
	case AdminLogin:
		return "admin_login"
	case CreatorLookup:
		return "creator_lookup"
	case CreatorConfirm:
		return "creator_confirm"
	case Reminders:
		return "reminders"
	case PasskeyIssue:
		return "passkey_issue"
	}
	return "generic"
}

func (c Context) creator() bool {
	return c == CreatorLookup || c == CreatorConfirm
}

// Failure is a mapped, user-safe error.
type Failure struct {
	Status  int    `json:"-"`
	Code    Code   `json:"code"`
	Message string `json:"error"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s (%d): %s", f.Code, f.Status, f.Message)
}

// revokedMarker is the substring the backend uses when a passkey has been
// revoked by the agency.
const revokedMarker = "revoked"

// MessageRevoked is shown when a creator presents a revoked passkey.
const MessageRevoked = "This passkey has been revoked. Please contact your agency for a new one."

// Map converts an upstream status and raw message into a Failure.
func Map(ctx Context, rawStatus int, rawMessage string) *Failure {
	status := rawStatus
	if status == http.StatusBadGateway || status == http.StatusGatewayTimeout {
		status = http.StatusServiceUnavailable
	}

	var code Code
	switch status {
	case http.StatusBadRequest:
		code = BadRequest
	case http.StatusUnauthorized:
		code = InvalidCredentials
	case http.StatusTooManyRequests:
		code = RateLimited
	case http.StatusServiceUnavailable:
		code = ServiceUnavailable
	default:
		code = ServerError
	}

	msg := message(ctx, code)
	if code == InvalidCredentials && ctx.creator() &&
		strings.Contains(strings.ToLower(rawMessage), revokedMarker) {
		msg = MessageRevoked
	}
	return &Failure{Status: code.Status(), Code: code, Message: msg}
}

// Transport maps a failure to reach the upstream at all (connection
// refused, DNS, timeout) to SERVICE_UNAVAILABLE. err is deliberately
// discarded from the result.
func Transport(ctx Context, _ error) *Failure {
	return New(ctx, ServiceUnavailable)
}

// Upstream is implemented by errors that carry a non-2xx upstream response.
type Upstream interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}

// Unreachable is implemented by errors raised before any upstream response
// was received.
type Unreachable interface {
	error
	Unreachable() bool
}

// FromError maps any error returned by an upstream call. A *Failure in the
// chain is returned as is; everything unrecognised is a SERVER_ERROR.
// Callers should filter cancellation before calling FromError.
func FromError(ctx Context, err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	var up Upstream
	if errors.As(err, &up) {
		return Map(ctx, up.UpstreamStatus(), up.UpstreamMessage())
	}
	var un Unreachable
	if errors.As(err, &un) && un.Unreachable() {
		return Transport(ctx, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transport(ctx, err)
	}
	return New(ctx, ServerError)
}

// New builds the Failure for code in ctx without an upstream response.
// Used for failures detected locally, such as an empty required field.
func New(ctx Context, code Code) *Failure {
	if !code.Valid() {
		code = ServerError
	}
	return &Failure{Status: code.Status(), Code: code, Message: message(ctx, code)}
}

const (
	msgGenericBadRequest  = "The request was incomplete. Please check the form and try again."
	msgGenericAuth        = "Your session has expired. Please sign in again."
	msgGenericRateLimited = "Too many requests. Please wait a moment and try again."
	msgUnavailable        = "The service is temporarily unavailable. Please try again shortly."
	msgServerError        = "Something went wrong. Please try again."
)

// message selects the user-safe text for code in ctx.
func message(ctx Context, code Code) string {
	switch code {
	case BadRequest:
		switch ctx {
		case AdminLogin:
			return "Please enter the admin password."
		case CreatorLookup, CreatorConfirm:
			return "Please enter your passkey."
		case Reminders:
			return "The reminder request was incomplete."
		}
		return msgGenericBadRequest
	case InvalidCredentials:
		switch ctx {
		case AdminLogin:
			return "Incorrect password."
		case CreatorLookup:
			return "We couldn't find a creator with that passkey."
		case CreatorConfirm:
			return "That passkey is no longer valid. Please enter it again."
		}
		return msgGenericAuth
	case RateLimited:
		switch ctx {
		case AdminLogin, CreatorLookup, CreatorConfirm:
			return "Too many sign-in attempts. Please wait a few minutes and try again."
		}
		return msgGenericRateLimited
	case ServiceUnavailable:
		return msgUnavailable
	case ServerError:
		return msgServerError
	}
	return msgServerError
}
