package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// unmatchedRoute labels requests no registered route served.
const unmatchedRoute = "unmatched"

var (
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "solbill",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Time to serve a request, by route pattern.",
			// access checks hit the ledger; health and status answer in-process
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.25, 1, 5},
		},
		[]string{"method", "route", "code"},
	)

	httpRequestFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "solbill",
			Subsystem: "http",
			Name:      "request_failures_total",
			Help:      "Requests answered with a 4xx or 5xx other than a payment challenge.",
		},
		[]string{"route", "class"},
	)
)

func recordAPIRequest(method, route string, status int, elapsed time.Duration) {
	httpRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())

	switch {
	case status == http.StatusPaymentRequired:
	case status >= 500:
		httpRequestFailures.WithLabelValues(route, "server").Inc()
	case status >= 400:
		httpRequestFailures.WithLabelValues(route, "client").Inc()
	}
}

// routeLabel is the mux pattern that served r without its method, so label
// cardinality is bounded by the registered routes. It is only meaningful
// after the mux has routed r.
func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return unmatchedRoute
	}
	if _, path, ok := strings.Cut(r.Pattern, " "); ok {
		return path
	}
	return r.Pattern
}
