// Package metrics exposes Prometheus metrics for the triage pipeline.
package metrics

import (
	"time"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/router"
	"github.com/mikey/mail-triage/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the monitor, router and digests.
type Metrics struct {
	MessagesTotal      *prometheus.CounterVec
	DegradedTotal      prometheus.Counter
	JudgmentDuration   *prometheus.HistogramVec
	JudgmentAttempts   prometheus.Histogram
	DeliveriesTotal    *prometheus.CounterVec
	DeliveryAttempts   *prometheus.HistogramVec
	DigestsTotal       *prometheus.CounterVec
	PollErrorsTotal    *prometheus.CounterVec
	PollDuration       prometheus.Histogram
	PollFetched        prometheus.Histogram
	PersistErrorsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns the metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mail_triage_messages_total",
			Help: "Messages classified, by final tier.",
		}, []string{"tier"}),
		DegradedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mail_triage_degraded_classifications_total",
			Help: "Classifications that fell back to rule signals only.",
		}),
		JudgmentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mail_triage_judgment_duration_seconds",
			Help:    "Duration of model judgments including retries.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9), // 0.25s .. 64s
		}, []string{"status"}),
		JudgmentAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mail_triage_judgment_attempts",
			Help:    "Attempts per model judgment.",
			Buckets: prometheus.LinearBuckets(1, 1, 5),
		}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mail_triage_deliveries_total",
			Help: "Routing outcomes by channel, payload kind and status.",
		}, []string{"channel", "kind", "status"}),
		DeliveryAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mail_triage_delivery_attempts",
			Help:    "Send attempts per delivery.",
			Buckets: prometheus.LinearBuckets(1, 1, 5),
		}, []string{"channel"}),
		DigestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mail_triage_digests_total",
			Help: "Digest runs by kind and result.",
		}, []string{"kind", "result"}),
		PollErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mail_triage_poll_errors_total",
			Help: "Failed polls by kind.",
		}, []string{"kind"}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mail_triage_poll_duration_seconds",
			Help:    "Duration of monitor ticks.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s .. ~205s
		}),
		PollFetched: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mail_triage_poll_fetched_messages",
			Help:    "Messages fetched per tick.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
		PersistErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mail_triage_dedup_persistence_errors_total",
			Help: "Dedup store failures by operation.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.DegradedTotal,
		m.JudgmentDuration,
		m.JudgmentAttempts,
		m.DeliveriesTotal,
		m.DeliveryAttempts,
		m.DigestsTotal,
		m.PollErrorsTotal,
		m.PollDuration,
		m.PollFetched,
		m.PersistErrorsTotal,
	)

	return m
}

// ClassifierHooks returns classifier hooks that update the metrics.
func (m *Metrics) ClassifierHooks() core.ClassifierHooks {
	return core.ClassifierHooks{
		OnJudgment: func(d time.Duration, attempts int, err error) {
			status := "ok"
			if err != nil {
				status = "error"
			}
			m.JudgmentDuration.WithLabelValues(status).Observe(d.Seconds())
			m.JudgmentAttempts.Observe(float64(attempts))
		},
		OnVerdict: func(tier core.Tier, degraded bool) {
			m.MessagesTotal.WithLabelValues(tier.String()).Inc()
			if degraded {
				m.DegradedTotal.Inc()
			}
		},
	}
}

// RouterHooks returns router hooks that update the metrics.
func (m *Metrics) RouterHooks() router.Hooks {
	return router.Hooks{
		OnDelivery: func(channel string, kind core.PayloadKind, status router.Status, attempts int) {
			m.DeliveriesTotal.WithLabelValues(channel, string(kind), string(status)).Inc()
			if attempts > 0 {
				m.DeliveryAttempts.WithLabelValues(channel).Observe(float64(attempts))
			}
		},
		OnPersistenceError: func(op string) {
			m.PersistErrorsTotal.WithLabelValues(op).Inc()
		},
	}
}

// SchedulerHooks returns monitor and digest hooks that update the metrics.
func (m *Metrics) SchedulerHooks() scheduler.Hooks {
	return scheduler.Hooks{
		OnTick: func(d time.Duration, fetched int, err error) {
			m.PollDuration.Observe(d.Seconds())
			if err == nil {
				m.PollFetched.Observe(float64(fetched))
			}
		},
		OnPollError: func(kind string) {
			m.PollErrorsTotal.WithLabelValues(kind).Inc()
		},
		OnDigest: func(kind, result string) {
			m.DigestsTotal.WithLabelValues(kind, result).Inc()
		},
	}
}
