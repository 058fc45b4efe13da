package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "accountguard"

// Login outcomes
const (
	LoginSucceeded       = "success"
	LoginFailed          = "failure"
	LoginLocked          = "locked"
	LoginUnknownAccount  = "unknown_account"
	LoginDeviceChallenge = "device_challenge"
)

// Notification results
const (
	NotifySent     = "sent"
	NotifyFailed   = "failed"
	NotifyDropped  = "dropped"
	NotifyDisabled = "disabled"
)

// Recorder holds the process counters. A nil *Recorder is valid and records nothing.
type Recorder struct {
	logins        *prometheus.CounterVec
	events        *prometheus.CounterVec
	notifications *prometheus.CounterVec
	lockouts      prometheus.Counter
	cleanup       *prometheus.CounterVec
}

// New registers the counters on reg
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "login",
			Name:      "attempts_total",
			Help:      "Login attempts by outcome",
		}, []string{"outcome"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "appended_total",
			Help:      "Security events committed to the log",
		}, []string{"type", "severity"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "total",
			Help:      "Notification dispatch results by kind",
		}, []string{"kind", "result"}),
		lockouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "login",
			Name:      "lockouts_total",
			Help:      "Accounts locked after repeated failures",
		}),
		cleanup: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "removed_total",
			Help:      "Rows removed by background cleanup tasks",
		}, []string{"task"}),
	}
}

func (r *Recorder) Login(outcome string) {
	if r == nil {
		return
	}
	r.logins.WithLabelValues(outcome).Inc()
}

func (r *Recorder) EventAppended(eventType, severity string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(eventType, severity).Inc()
}

func (r *Recorder) Notification(kind, result string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(kind, result).Inc()
}

func (r *Recorder) Lockout() {
	if r == nil {
		return
	}
	r.lockouts.Inc()
}

func (r *Recorder) CleanupRemoved(task string, n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.cleanup.WithLabelValues(task).Add(float64(n))
}
