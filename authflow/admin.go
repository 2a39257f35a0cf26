package authflow

import (
	"context"
	"strings"
	"sync"

	"github.com/jmcleod/agencyportal/coordinator"
	"github.com/jmcleod/agencyportal/errmap"
)

// DefaultDashboardPath is where a signed-in admin is sent.
const DefaultDashboardPath = "/admin"

// AdminFlow is the single-step admin sign-in.
type AdminFlow struct {
	auth  AdminAuthenticator
	coord *coordinator.Coordinator
	opts  options

	mu    sync.Mutex
	state Snapshot
}

// NewAdminFlow returns a flow in StepEnter.
func NewAdminFlow(auth AdminAuthenticator, opts ...Option) *AdminFlow {
	return &AdminFlow{
		auth:  auth,
		coord: coordinator.New(),
		opts:  buildOptions(DefaultDashboardPath, opts),
	}
}

// Snapshot returns the current state.
func (f *AdminFlow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *AdminFlow) update(version uint64, fn func(s *Snapshot)) bool {
	return f.coord.Apply(version, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		fn(&f.state)
	})
}

// Submit verifies password. The password is sent as typed; only an
// all-blank value is rejected locally.
func (f *AdminFlow) Submit(ctx context.Context, password string) (Snapshot, error) {
	att := f.coord.Begin(ctx)
	defer f.coord.Finish(att.Version)

	if strings.TrimSpace(password) == "" {
		fl := errmap.New(errmap.AdminLogin, errmap.BadRequest)
		if !f.update(att.Version, func(s *Snapshot) { fail(s, fl) }) {
			return f.Snapshot(), ErrSuperseded
		}
		return f.Snapshot(), fl
	}

	f.update(att.Version, func(s *Snapshot) {
		s.Pending = true
		s.Message, s.Code = "", ""
	})

	err := f.auth.AdminLogin(att.Ctx, password)
	if coordinator.IsCanceled(err) {
		f.update(att.Version, func(s *Snapshot) { s.Pending = false })
		return f.Snapshot(), ErrSuperseded
	}
	if err != nil {
		fl := errmap.FromError(errmap.AdminLogin, err)
		if !f.update(att.Version, func(s *Snapshot) {
			s.Step = StepEnter
			fail(s, fl)
		}) {
			return f.Snapshot(), ErrSuperseded
		}
		return f.Snapshot(), fl
	}

	if !f.update(att.Version, func(s *Snapshot) {
		s.Pending = false
		s.Step = StepRedirecting
		s.RedirectTo = f.opts.redirect
		s.Message, s.Code = "", ""
	}) {
		return f.Snapshot(), ErrSuperseded
	}
	return f.Snapshot(), nil
}

// Dismiss clears the inline message.
func (f *AdminFlow) Dismiss() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Message, f.state.Code = "", ""
	return f.state
}

// Close aborts any call in flight.
func (f *AdminFlow) Close() {
	f.coord.Close()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Pending = false
}
