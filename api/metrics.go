package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertSessionDegraded   AlertType = "session_degraded"
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

// alertRule fires once threshold matching audit events land inside window.
type alertRule struct {
	alert     AlertType
	message   string
	window    time.Duration
	threshold int

	seen []time.Time
}

// observe records one event at now and reports whether the rule fired.
// A firing rule starts counting again from zero.
func (r *alertRule) observe(now time.Time) (AlertEvent, bool) {
	cutoff := now.Add(-r.window)
	kept := r.seen[:0]
	for _, t := range r.seen {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	r.seen = append(kept, now)
	if len(r.seen) < r.threshold {
		return AlertEvent{}, false
	}
	ev := AlertEvent{
		Type:      r.alert,
		Message:   r.message,
		Count:     len(r.seen),
		Threshold: r.threshold,
		Timestamp: now,
	}
	r.seen = r.seen[:0]
	return ev, true
}

// metricsCollector turns audit events into alerts.
type metricsCollector struct {
	mu      sync.Mutex
	rules   map[AuditEvent]*alertRule
	now     func() time.Time
	alertFn AlertFunc
}

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultDegradedWindow        = 5 * time.Minute
	defaultDegradedThreshold     = 20
)

func newMetricsCollector(alertFn AlertFunc, now func() time.Time) *metricsCollector {
	return &metricsCollector{
		rules: map[AuditEvent]*alertRule{
			AuditLoginFailure: {
				alert:     AlertLoginFailureSpike,
				message:   "login failure rate exceeds threshold",
				window:    defaultLoginFailureWindow,
				threshold: defaultLoginFailureThreshold,
			},
			AuditSessionDegraded: {
				alert:     AlertSessionDegraded,
				message:   "sessions are not being persisted",
				window:    defaultDegradedWindow,
				threshold: defaultDegradedThreshold,
			},
		},
		now:     now,
		alertFn: alertFn,
	}
}

// recordEvent counts event against its rule. The alert callback runs with
// the collector unlocked.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	m.mu.Lock()
	rule, ok := m.rules[event]
	var (
		ev    AlertEvent
		fired bool
	)
	if ok {
		ev, fired = rule.observe(m.now())
	}
	m.mu.Unlock()
	if fired {
		m.alertFn(ev)
	}
}
