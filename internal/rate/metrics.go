package rate

import "github.com/prometheus/client_golang/prometheus"

var (
	remainingGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "moenhome_rate_limit_remaining",
			Help: "Remaining requests reported by the upstream API",
		},
		[]string{"api"},
	)
	retryAfterGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "moenhome_rate_limit_retry_after_seconds",
			Help: "Seconds left in the current throttle cooldown",
		},
		[]string{"api"},
	)
	lastStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "moenhome_rate_limit_last_status_code",
			Help: "Last HTTP status code observed by the rate-limit wrapper",
		},
		[]string{"api"},
	)
	budgetGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "moenhome_rate_limit_budget_tokens",
			Help: "Local request budget left in the tightest window, reserve included",
		},
		[]string{"api"},
	)
	blockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moenhome_rate_limit_blocked_total",
			Help: "Requests refused locally before reaching the upstream API",
		},
		[]string{"api", "reason"},
	)
)

// MetricsCollectors exposes shared rate-limit collectors.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		remainingGauge,
		retryAfterGauge,
		lastStatusGauge,
		budgetGauge,
		blockedTotal,
	}
}
