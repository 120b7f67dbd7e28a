package oauth

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	grantPassword = "password"
	grantRefresh  = "refresh_token"
)

var (
	exchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moenhome_oauth_exchanges_total",
			Help: "Token endpoint exchanges by grant and result",
		},
		[]string{"account", "grant", "result"},
	)
	tokenValid = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "moenhome_oauth_token_valid",
			Help: "Access token validity (1=valid, 0=invalid)",
		},
		[]string{"account"},
	)
	tokenExpiry = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "moenhome_oauth_token_expiry_timestamp_seconds",
			Help: "Unix time at which the current access token expires",
		},
		[]string{"account"},
	)
	remotePersistOK = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "moenhome_oauth_remote_persist_ok",
			Help: "Remote blob persistence health (1=ok, 0=error)",
		},
		[]string{"account"},
	)
	stateMismatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moenhome_oauth_state_mismatch_total",
			Help: "Persisted token state ignored because it belongs to another username",
		},
		[]string{"account"},
	)
)

// MetricsCollectors returns collectors for the shared token module.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		exchanges,
		tokenValid,
		tokenExpiry,
		remotePersistOK,
		stateMismatch,
	}
}

func recordExchange(account, grant string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	exchanges.WithLabelValues(account, grant, result).Inc()
}

func recordToken(account string, valid bool, expiry time.Time) {
	tokenValid.WithLabelValues(account).Set(boolGauge(valid))
	if expiry.IsZero() {
		tokenExpiry.WithLabelValues(account).Set(0)
		return
	}
	tokenExpiry.WithLabelValues(account).Set(float64(expiry.Unix()))
}
