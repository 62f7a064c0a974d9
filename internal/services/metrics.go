package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	syncResultOK      = "ok"
	syncResultFailed  = "failed"
	syncResultSkipped = "skipped"
)

// Metrics holds the counters exported on /metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	CASLoginsTotal   *prometheus.CounterVec
	UserSyncTotal    *prometheus.CounterVec
	SyncQueueBacklog *prometheus.GaugeVec
}

// NewMetrics creates and registers the service metrics on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		CASLoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casbridge_cas_logins_total",
				Help: "CAS login attempts by result",
			},
			[]string{"result"},
		),
		UserSyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casbridge_user_sync_total",
				Help: "Outbound user sync calls by operation and result",
			},
			[]string{"operation", "result"},
		),
		SyncQueueBacklog: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "casbridge_sync_lane_backlog",
				Help: "Sync events buffered per in-process lane",
			},
			[]string{"lane"},
		),
	}

	registry.MustRegister(
		m.CASLoginsTotal,
		m.UserSyncTotal,
		m.SyncQueueBacklog,
	)
	return m
}

func (m *Metrics) recordLogin(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
		if casErr, ok := IsCASError(err); ok {
			result = string(casErr.Kind)
			if casErr.Reason != "" {
				result = casErr.Reason
			}
		}
	}
	m.CASLoginsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) recordSync(op SyncOperation, result string) {
	if m == nil {
		return
	}
	m.UserSyncTotal.WithLabelValues(string(op), result).Inc()
}

func (m *Metrics) setBacklog(lane string, n int) {
	if m == nil {
		return
	}
	m.SyncQueueBacklog.WithLabelValues(lane).Set(float64(n))
}
