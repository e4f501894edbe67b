package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAuthentication = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outq_authentication_total",
			Help: "Authentication attempts and results.",
		},
		[]string{
			"kind",    // webadmin
			"variant", // httpbasic
			"result",  // ok, badcreds, error
		},
	)
	metricAuthenticationRatelimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outq_authentication_ratelimited_total",
			Help: "Authentication attempts rejected because of too many failed attempts.",
		},
		[]string{
			"kind", // webadmin
		},
	)
)

func AuthenticationInc(kind, variant, result string) {
	metricAuthentication.WithLabelValues(kind, variant, result).Inc()
}

func AuthenticationRatelimitedInc(kind string) {
	metricAuthenticationRatelimited.WithLabelValues(kind).Inc()
}
