package authkit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Auth events recorded by TokenManager.
const (
	metricRegisterSuccess  = "auth.register.success"
	metricRegisterConflict = "auth.register.conflict"
	metricLoginSuccess     = "auth.login.success"
	metricLoginRejected    = "auth.login.rejected"
	metricLoginBlocked     = "auth.login.blocked"
	metricRefreshSuccess   = "auth.refresh.success"
	metricRefreshReplay    = "auth.refresh.replay"
	metricRefreshExpired   = "auth.refresh.expired"
	metricRefreshOrphaned  = "auth.refresh.orphaned"
	metricProviderSuccess  = "auth.provider.success"
	metricProviderFailure  = "auth.provider.failure"
	metricLogout           = "auth.logout"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusMetrics exports auth events as a labelled Prometheus counter.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers the auth_events_total counter with registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) (*PrometheusMetrics, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tsession",
		Name:      "auth_events_total",
		Help:      "Authentication and session lifecycle events.",
	}, []string{"event"})
	if err := registerer.Register(events); err != nil {
		return nil, err
	}
	return &PrometheusMetrics{events: events}, nil
}

// Increment increases the counter labelled with event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}
