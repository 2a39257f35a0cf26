package api

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertSignInFailureSpike AlertType = "sign_in_failure_spike"
	AlertPasskeyIssueBurst  AlertType = "passkey_issue_burst"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector exports audit events as Prometheus counters and keeps
// sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	events *prometheus.CounterVec
	alerts *prometheus.CounterVec

	// Sliding window for failed sign-ins of either kind.
	signInFailures  []time.Time
	signInWindow    time.Duration
	signInThreshold int

	// Sliding window for minted passkeys.
	issues         []time.Time
	issueWindow    time.Duration
	issueThreshold int

	alertFn AlertFunc
	now     func() time.Time
}

const (
	defaultSignInFailureWindow    = 1 * time.Minute
	defaultSignInFailureThreshold = 50
	defaultIssueWindow            = 5 * time.Minute
	defaultIssueThreshold         = 20
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agencyportal",
			Name:      "audit_events_total",
			Help:      "Security-relevant portal events by type.",
		}, []string{"event"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agencyportal",
			Name:      "alerts_total",
			Help:      "Anomaly alerts raised by type.",
		}, []string{"type"}),
		signInWindow:    defaultSignInFailureWindow,
		signInThreshold: defaultSignInFailureThreshold,
		issueWindow:     defaultIssueWindow,
		issueThreshold:  defaultIssueThreshold,
		alertFn:         alertFn,
		now:             time.Now,
	}
}

// register adds the collectors to reg. Collectors already registered by
// another API instance sharing reg are reused.
func (m *metricsCollector) register(reg prometheus.Registerer) error {
	var err error
	if m.events, err = registerCounterVec(reg, m.events); err != nil {
		return err
	}
	m.alerts, err = registerCounterVec(reg, m.alerts)
	return err
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
			return existing, nil
		}
	}
	return nil, err
}

// recordEvent counts event and updates the anomaly windows.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(event)).Inc()
	switch event {
	case AuditCreatorLookupFailure, AuditCreatorLoginFailure, AuditAdminLoginFailure:
		m.recordSignInFailure()
	case AuditPasskeyIssued:
		m.recordIssue()
	}
}

func (m *metricsCollector) recordSignInFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.signInFailures = append(m.signInFailures, now)
	m.signInFailures = trimWindow(m.signInFailures, now, m.signInWindow)

	if len(m.signInFailures) >= m.signInThreshold {
		m.raise(AlertEvent{
			Type:      AlertSignInFailureSpike,
			Message:   "sign-in failure rate exceeds threshold",
			Count:     len(m.signInFailures),
			Threshold: m.signInThreshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		m.signInFailures = m.signInFailures[:0]
	}
}

func (m *metricsCollector) recordIssue() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.issues = append(m.issues, now)
	m.issues = trimWindow(m.issues, now, m.issueWindow)

	if len(m.issues) >= m.issueThreshold {
		m.raise(AlertEvent{
			Type:      AlertPasskeyIssueBurst,
			Message:   "passkey issue rate exceeds threshold",
			Count:     len(m.issues),
			Threshold: m.issueThreshold,
			Timestamp: now,
		})
		m.issues = m.issues[:0]
	}
}

func (m *metricsCollector) raise(e AlertEvent) {
	m.alerts.WithLabelValues(string(e.Type)).Inc()
	if m.alertFn != nil {
		m.alertFn(e)
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
