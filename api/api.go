package api

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/agencyportal/backend"
	"github.com/jmcleod/agencyportal/flash"
	"github.com/jmcleod/agencyportal/internal/util"
	"github.com/jmcleod/agencyportal/reminder"
	"github.com/jmcleod/agencyportal/storage"
)

// Backend is everything the portal needs from the backend service.
// *backend.Client satisfies it.
type Backend interface {
	reminder.Backend
	LookupCreator(ctx context.Context, passkey string) (backend.Creator, error)
	ConfirmCreator(ctx context.Context, passkey string) (backend.CreatorSession, error)
	AdminLogin(ctx context.Context, password string) (backend.AdminSession, error)
	IssuePasskey(ctx context.Context, token, creatorID string) (backend.IssuedPasskey, error)
}

// API holds the dependencies needed by the portal's HTTP handlers.
type API struct {
	backend   Backend
	repo      storage.Repository
	sessions  SessionStore
	cookies   cookieCodec
	limiter   *failureLimiter
	audit     *auditLogger
	metrics   *metricsCollector
	flash     *flash.Channel
	reminders *reminder.Dispatcher

	logger         *slog.Logger
	secret         []byte
	csrfKey        []byte
	adminTTL       time.Duration
	creatorTTL     time.Duration
	flashTTL       time.Duration
	resendPolicy   reminder.ResendPolicy
	trustedProxies []netip.Prefix
	alertFn        AlertFunc
	registry       *prometheus.Registry
	fallback       http.Handler
	now            func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

//go:embed openapi.yaml
var openapiSpec []byte

const maintenanceInterval = time.Minute

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events and errors.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithSessionStore replaces the default in-memory session registry.
func WithSessionStore(store SessionStore) Option {
	return func(a *API) { a.sessions = store }
}

// WithSecret sets the master secret the flash and CSRF keys are derived
// from. Without it a random secret is generated, so flash cookies and
// CSRF tokens do not survive a restart.
func WithSecret(secret []byte) Option {
	return func(a *API) { a.secret = append([]byte(nil), secret...) }
}

// WithCookieSecure forces the Secure attribute on every cookie. nil keeps
// the per-request inference.
func WithCookieSecure(secure *bool) Option {
	return func(a *API) { a.cookies.secureOverride = secure }
}

// WithSessionTTLs sets the upper bound on admin and creator session
// cookie lifetimes. Zero keeps the default.
func WithSessionTTLs(admin, creator time.Duration) Option {
	return func(a *API) {
		if admin > 0 {
			a.adminTTL = admin
		}
		if creator > 0 {
			a.creatorTTL = creator
		}
	}
}

// WithFlashTTL sets the lifetime of the flash-secret cookie.
func WithFlashTTL(d time.Duration) Option {
	return func(a *API) { a.flashTTL = d }
}

// WithResendPolicy decides whether an already sent run may be sent again.
func WithResendPolicy(p reminder.ResendPolicy) Option {
	return func(a *API) { a.resendPolicy = p }
}

// WithAlertFunc installs a callback for anomaly alerts such as a spike in
// failed sign-ins.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithMetricsRegistry registers the portal's collectors on reg and serves
// reg on /metrics. By default a private registry is used.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(a *API) { a.registry = reg }
}

// WithFallback serves h for every path the API does not route, typically
// the embedded web shell.
func WithFallback(h http.Handler) Option {
	return func(a *API) { a.fallback = h }
}

// WithTrustedProxies configures the CIDR ranges whose proxy headers are
// trusted when determining the client IP. Bare addresses are accepted as
// single-host prefixes.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return func(a *API) { a.trustedProxies = prefixes }, nil
}

// New creates a new API instance in front of be. repo holds the flash
// claims and the reminder run ledger.
func New(be Backend, repo storage.Repository, opts ...Option) (*API, error) {
	a := &API{
		backend:      be,
		repo:         repo,
		adminTTL:     defaultAdminTTL,
		creatorTTL:   defaultCreatorTTL,
		flashTTL:     flash.DefaultTTL,
		resendPolicy: reminder.ResendReject,
		limiter:      newFailureLimiter(ipMaxFailures, ipBaseLockout, ipMaxLockout),
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.sessions == nil {
		a.sessions = NewMemorySessionStore()
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	if len(a.secret) == 0 {
		secret, err := util.RandomBytes(util.AESKeySize)
		if err != nil {
			return nil, fmt.Errorf("generating portal secret: %w", err)
		}
		a.secret = secret
	}

	csrfKey, err := util.DeriveKey(a.secret, nil, "agencyportal/csrf/v1")
	if err != nil {
		return nil, fmt.Errorf("deriving csrf key: %w", err)
	}
	a.csrfKey = csrfKey

	sealer, err := flash.NewSealer(a.secret, flash.CookieName)
	if err != nil {
		return nil, fmt.Errorf("creating flash sealer: %w", err)
	}
	a.flash = flash.NewChannel(sealer, repo,
		flash.WithTTL(a.flashTTL),
		flash.WithSecure(a.cookies.secure),
	)

	a.metrics = newMetricsCollector(a.alertFn)
	if err := a.metrics.register(a.registry); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	a.audit = newAuditLogger(a.logger)
	a.audit.metrics = a.metrics

	a.reminders = reminder.NewDispatcher(be, reminder.NewLedger(repo),
		reminder.WithResendPolicy(a.resendPolicy),
		reminder.WithLogger(a.logger),
	)

	go a.maintenanceLoop()
	return a, nil
}

// Router returns a chi.Router with every portal route. It is meant to be
// mounted at the root: the flash cookie is scoped to /admin.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(a.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))
	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	r.Get("/api/session", a.SessionStatus)
	r.Post("/api/creator/lookup", a.CreatorLookup)
	r.Post("/api/creator/confirm", a.CreatorConfirm)
	r.Post("/api/creator/logout", a.CreatorLogout)
	r.Post("/api/admin/login", a.AdminLogin)
	r.Post("/api/admin/logout", a.AdminLogout)
	r.With(a.RequireAdmin).Get("/api/admin/reminders/runs", a.ListReminderRuns)

	// Admin form endpoints. Routes are registered individually rather
	// than through r.Route so GET pages under /admin fall through to the
	// web shell.
	r.Group(func(r chi.Router) {
		r.Use(a.CSRFMiddleware)
		r.Get("/admin/api/csrf", a.CSRFToken)
		r.Get("/admin/api/flash-secret", a.FlashSecret)

		r.Group(func(r chi.Router) {
			r.Use(a.RequireAdmin)
			r.Post("/admin/creators/{creatorID}/passkey", a.IssuePasskey)
			r.Post("/admin/reminders/dry-run", a.ReminderDryRun)
			r.Post("/admin/reminders/evaluate", a.ReminderEvaluate)
			r.Post("/admin/reminders/send", a.ReminderSend)
		})
	})

	if a.fallback != nil {
		r.NotFound(a.fallback.ServeHTTP)
	}
	return r
}

// Close stops background maintenance.
func (a *API) Close() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

func (a *API) maintenanceLoop() {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.sweep()
		case <-a.stopCh:
			return
		}
	}
}

// sweep drops expired limiter records, flash claims and in-memory
// sessions. The persistent session store sweeps itself.
func (a *API) sweep() {
	a.limiter.sweep()
	if n, err := a.flash.Sweep(); err != nil {
		a.logger.Error("sweeping flash claims", "error", err)
	} else if n > 0 {
		a.logger.Debug("swept flash claims", "count", n)
	}
	if mem, ok := a.sessions.(*MemorySessionStore); ok {
		mem.sweepExpired()
	}
}
