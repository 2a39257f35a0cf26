// Package authflow implements the creator passkey and admin password
// sign-in flows as small state machines. Each flow owns a
// coordinator.Coordinator, so a resubmission cancels the previous call
// and only the latest result ever changes the flow's state.
package authflow

import (
	"context"
	"errors"

	"github.com/jmcleod/agencyportal/errmap"
)

// ErrSuperseded is returned when a call's result was discarded because a
// newer submission, NotMe or Close replaced it, or because the call was
// cancelled. It is never shown to users.
var ErrSuperseded = errors.New("authflow: result superseded")

// Step is a flow state.
type Step int

const (
	StepEnter Step = iota
	StepConfirm
	StepRedirecting
)

func (s Step) String() string {
	switch s {
	case StepEnter:
		return "enter"
	case StepConfirm:
		return "confirm"
	case StepRedirecting:
		return "redirecting"
	}
	return "unknown"
}

// Snapshot is the visible state of a flow.
type Snapshot struct {
	Step        Step
	CreatorID   string
	CreatorName string
	// Message is the inline, dismissible error text.
	Message    string
	Code       errmap.Code
	Pending    bool
	RedirectTo string
}

// Identity is a creator as resolved by a passkey.
type Identity struct {
	ID   string
	Name string
}

// CreatorAuthenticator resolves and confirms passkeys. Confirm must
// establish the creator session as a side effect.
type CreatorAuthenticator interface {
	LookupCreator(ctx context.Context, passkey string) (Identity, error)
	ConfirmCreator(ctx context.Context, passkey string) (Identity, error)
}

// AdminAuthenticator verifies the admin password and establishes the
// admin session as a side effect.
type AdminAuthenticator interface {
	AdminLogin(ctx context.Context, password string) error
}

type options struct {
	redirect string
}

// Option configures a flow.
type Option func(*options)

// WithRedirect sets where a successful flow navigates to.
func WithRedirect(path string) Option {
	return func(o *options) {
		if path != "" {
			o.redirect = path
		}
	}
}

func buildOptions(def string, opts []Option) options {
	o := options{redirect: def}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
