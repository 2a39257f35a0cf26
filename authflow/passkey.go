package authflow

import (
	"context"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/agencyportal/coordinator"
	"github.com/jmcleod/agencyportal/errmap"
	"github.com/jmcleod/agencyportal/internal/util"
)

// openPasskey unseals the retained passkey. Tests replace it.
var openPasskey = (*memguard.Enclave).Open

// DefaultPortalPath is where a confirmed creator is sent.
const DefaultPortalPath = "/portal"

// PasskeyFlow is the creator sign-in flow: enter a passkey, confirm the
// resolved name, then redirect into the portal.
//
// Between lookup and confirm the normalised passkey is kept sealed in a
// memguard enclave. The enclave is dropped on success, on an
// invalid-credential reset, on NotMe and on Close.
type PasskeyFlow struct {
	auth  CreatorAuthenticator
	coord *coordinator.Coordinator
	opts  options

	mu      sync.Mutex
	state   Snapshot
	passkey *memguard.Enclave
}

// NewPasskeyFlow returns a flow in StepEnter.
func NewPasskeyFlow(auth CreatorAuthenticator, opts ...Option) *PasskeyFlow {
	return &PasskeyFlow{
		auth:  auth,
		coord: coordinator.New(),
		opts:  buildOptions(DefaultPortalPath, opts),
	}
}

// Snapshot returns the current state.
func (f *PasskeyFlow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// update mutates state if version is still current. Lock order is
// coordinator, then flow.
func (f *PasskeyFlow) update(version uint64, fn func(s *Snapshot)) bool {
	return f.coord.Apply(version, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		fn(&f.state)
	})
}

func (f *PasskeyFlow) forgetPasskeyLocked() {
	f.passkey = nil
}

func (f *PasskeyFlow) resetLocked(s *Snapshot) {
	s.Step = StepEnter
	s.CreatorID = ""
	s.CreatorName = ""
	s.RedirectTo = ""
	f.forgetPasskeyLocked()
}

func fail(s *Snapshot, fl *errmap.Failure) {
	s.Pending = false
	s.Message = fl.Message
	s.Code = fl.Code
}

// Lookup resolves passkey to a creator. Surrounding whitespace is
// trimmed and the input NFKC-normalised; an empty passkey fails locally
// with BAD_REQUEST and no call is made.
func (f *PasskeyFlow) Lookup(ctx context.Context, passkey string) (Snapshot, error) {
	pk := util.NormalizeSecret(passkey)
	att := f.coord.Begin(ctx)
	defer f.coord.Finish(att.Version)

	if pk == "" {
		fl := errmap.New(errmap.CreatorLookup, errmap.BadRequest)
		if !f.update(att.Version, func(s *Snapshot) { fail(s, fl) }) {
			return f.Snapshot(), ErrSuperseded
		}
		return f.Snapshot(), fl
	}

	f.update(att.Version, func(s *Snapshot) {
		s.Pending = true
		s.Message, s.Code = "", ""
	})

	id, err := f.auth.LookupCreator(att.Ctx, pk)
	if coordinator.IsCanceled(err) {
		f.update(att.Version, func(s *Snapshot) { s.Pending = false })
		return f.Snapshot(), ErrSuperseded
	}
	if err != nil {
		fl := errmap.FromError(errmap.CreatorLookup, err)
		ok := f.update(att.Version, func(s *Snapshot) {
			f.resetLocked(s)
			fail(s, fl)
		})
		if !ok {
			return f.Snapshot(), ErrSuperseded
		}
		return f.Snapshot(), fl
	}

	ok := f.update(att.Version, func(s *Snapshot) {
		s.Pending = false
		s.Step = StepConfirm
		s.CreatorID = id.ID
		s.CreatorName = id.Name
		s.Message, s.Code = "", ""
		f.passkey = memguard.NewEnclave([]byte(pk))
	})
	if !ok {
		return f.Snapshot(), ErrSuperseded
	}
	return f.Snapshot(), nil
}

// Confirm submits the retained passkey again, this time establishing the
// creator session. INVALID_CREDENTIALS sends the flow back to StepEnter
// and forgets the creator; other failures stay on StepConfirm so the
// creator can retry without re-entering the passkey.
func (f *PasskeyFlow) Confirm(ctx context.Context) (Snapshot, error) {
	f.mu.Lock()
	enclave := f.passkey
	step := f.state.Step
	f.mu.Unlock()

	att := f.coord.Begin(ctx)
	defer f.coord.Finish(att.Version)

	if enclave == nil || step != StepConfirm {
		fl := errmap.New(errmap.CreatorConfirm, errmap.BadRequest)
		if !f.update(att.Version, func(s *Snapshot) {
			f.resetLocked(s)
			fail(s, fl)
		}) {
			return f.Snapshot(), ErrSuperseded
		}
		return f.Snapshot(), fl
	}

	buf, err := openPasskey(enclave)
	if err != nil {
		fl := errmap.New(errmap.CreatorConfirm, errmap.ServerError)
		if !f.update(att.Version, func(s *Snapshot) { fail(s, fl) }) {
			return f.Snapshot(), ErrSuperseded
		}
		return f.Snapshot(), fl
	}
	pk := string(buf.Bytes())
	buf.Destroy()

	f.update(att.Version, func(s *Snapshot) {
		s.Pending = true
		s.Message, s.Code = "", ""
	})

	id, err := f.auth.ConfirmCreator(att.Ctx, pk)
	if coordinator.IsCanceled(err) {
		f.update(att.Version, func(s *Snapshot) { s.Pending = false })
		return f.Snapshot(), ErrSuperseded
	}
	if err != nil {
		fl := errmap.FromError(errmap.CreatorConfirm, err)
		ok := f.update(att.Version, func(s *Snapshot) {
			if fl.Code == errmap.InvalidCredentials {
				f.resetLocked(s)
			}
			fail(s, fl)
		})
		if !ok {
			return f.Snapshot(), ErrSuperseded
		}
		return f.Snapshot(), fl
	}

	ok := f.update(att.Version, func(s *Snapshot) {
		s.Pending = false
		s.Step = StepRedirecting
		if id.ID != "" {
			s.CreatorID = id.ID
		}
		if id.Name != "" {
			s.CreatorName = id.Name
		}
		s.RedirectTo = f.opts.redirect
		s.Message, s.Code = "", ""
		f.forgetPasskeyLocked()
	})
	if !ok {
		return f.Snapshot(), ErrSuperseded
	}
	return f.Snapshot(), nil
}

// NotMe abandons the resolved creator and any call in flight.
func (f *PasskeyFlow) NotMe() Snapshot {
	att := f.coord.Begin(context.Background())
	f.update(att.Version, func(s *Snapshot) {
		f.resetLocked(s)
		s.Pending = false
		s.Message, s.Code = "", ""
	})
	f.coord.Finish(att.Version)
	return f.Snapshot()
}

// Dismiss clears the inline message.
func (f *PasskeyFlow) Dismiss() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Message, f.state.Code = "", ""
	return f.state
}

// Close aborts any call in flight and forgets the retained passkey.
// Results arriving afterwards are discarded.
func (f *PasskeyFlow) Close() {
	f.coord.Close()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgetPasskeyLocked()
	f.state.Pending = false
}
