// Package metrics собирает счётчики движка подписок для Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics счётчики, которые отдаёт /metrics операторского сервера.
type Metrics struct {
	Registry *prometheus.Registry

	SweepCycles    prometheus.Counter
	SweepFailures  prometheus.Counter
	StagesFired    *prometheus.CounterVec
	KickFailures   prometheus.Counter
	Rollbacks      prometheus.Counter
	PaymentsTotal  *prometheus.CounterVec
	InviteLinks    prometheus.Counter
	UsersProcessed prometheus.Counter
}

// New регистрирует счётчики в собственном реестре.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		SweepCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_sweep_cycles_total",
			Help: "Completed expiry sweep cycles.",
		}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_sweep_failures_total",
			Help: "Sweep cycles aborted by a storage error.",
		}),
		StagesFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_stages_fired_total",
			Help: "Notification stages delivered, by mark.",
		}, []string{"mark"}),
		KickFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_kick_failures_total",
			Help: "Channel removals that failed and will be retried.",
		}),
		Rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_subscription_rollbacks_total",
			Help: "Subscription ends rolled back after incomplete removal.",
		}),
		PaymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_payments_total",
			Help: "Payment attempts reaching a terminal status, by method and status.",
		}, []string{"method", "status"}),
		InviteLinks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_invite_links_total",
			Help: "Single-use invite links issued.",
		}),
		UsersProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_sweep_users_total",
			Help: "Users examined by the sweep.",
		}),
	}

	reg.MustRegister(
		m.SweepCycles,
		m.SweepFailures,
		m.StagesFired,
		m.KickFailures,
		m.Rollbacks,
		m.PaymentsTotal,
		m.InviteLinks,
		m.UsersProcessed,
	)

	return m
}
