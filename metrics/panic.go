package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "outq_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// Panics is the number of recovered panics, for tests to check.
var Panics atomic.Int64

type Panic string

const (
	Queue       Panic = "queue"
	Smtpdeliver Panic = "smtpdeliver"
	Webadmin    Panic = "webadmin"
	Serve       Panic = "serve"
)

// PanicInc counts a recovered panic in pkg.
func PanicInc(pkg Panic) {
	Panics.Add(1)
	metricPanic.WithLabelValues(string(pkg)).Inc()
}
