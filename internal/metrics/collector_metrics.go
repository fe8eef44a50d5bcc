// Package metrics exposes the collector's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector loop states reported by CollectorState.
var collectorStates = []string{"idle", "scanning", "dispatching"}

var (
	// Tick metrics
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solbill_collector_ticks_total",
			Help: "Total number of collector ticks by result",
		},
		[]string{"result"}, // ok, scan_failed
	)

	TickDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "solbill_collector_tick_duration_seconds",
			Help:    "Wall time of one scan and dispatch cycle",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	SubscriptionsScanned = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "solbill_collector_subscriptions_scanned",
			Help: "Subscription records returned by the last scan",
		},
	)

	SubscriptionsDue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "solbill_collector_subscriptions_due",
			Help: "Subscriptions found due by the last scan",
		},
	)

	DecodeFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "solbill_collector_decode_failures_total",
			Help: "Total number of subscription records skipped as undecodable",
		},
	)

	// Settlement metrics
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solbill_collector_settlements_total",
			Help: "Total number of settlement attempts by outcome",
		},
		[]string{"outcome"},
	)

	SettlementDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solbill_collector_settlement_duration_seconds",
			Help:    "Time from build to confirmation of a settlement attempt",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"outcome"},
	)

	RewardsEarnedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solbill_collector_rewards_earned_total",
			Help: "Crank rewards earned in minor units by mint",
		},
		[]string{"mint"},
	)

	SettlementsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "solbill_collector_settlements_in_flight",
			Help: "Settlement attempts currently dispatched",
		},
	)

	CollectorState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "solbill_collector_state",
			Help: "1 for the collector loop's current state",
		},
		[]string{"state"},
	)

	// Ledger RPC metrics
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solbill_rpc_requests_total",
			Help: "Total number of ledger RPC calls by method and result",
		},
		[]string{"method", "result"},
	)

	RPCDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solbill_rpc_duration_seconds",
			Help:    "Ledger RPC call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Access gate metrics
	GateDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solbill_gate_decisions_total",
			Help: "Total number of access decisions by result",
		},
		[]string{"decision"},
	)

	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "solbill_collector_info",
			Help: "Collector build and identity information",
		},
		[]string{"version", "cranker", "program"},
	)
)

// RecordTick records a completed tick.
func RecordTick(scanned, due, decodeFailures int, took time.Duration, scanErr error) {
	result := "ok"
	if scanErr != nil {
		result = "scan_failed"
	}
	TicksTotal.WithLabelValues(result).Inc()
	TickDurationSeconds.Observe(took.Seconds())
	if scanErr != nil {
		return
	}
	SubscriptionsScanned.Set(float64(scanned))
	SubscriptionsDue.Set(float64(due))
	if decodeFailures > 0 {
		DecodeFailuresTotal.Add(float64(decodeFailures))
	}
}

// RecordSettlement records the outcome of one settlement attempt.
func RecordSettlement(outcome string, took time.Duration) {
	SettlementsTotal.WithLabelValues(outcome).Inc()
	SettlementDurationSeconds.WithLabelValues(outcome).Observe(took.Seconds())
}

// RecordReward adds a crank reward earned for mint.
func RecordReward(mint string, amount uint64) {
	if amount == 0 {
		return
	}
	RewardsEarnedTotal.WithLabelValues(mint).Add(float64(amount))
}

// SetCollectorState marks state as current.
func SetCollectorState(state string) {
	for _, s := range collectorStates {
		v := 0.0
		if s == state {
			v = 1
		}
		CollectorState.WithLabelValues(s).Set(v)
	}
}

// ObserveRPC records one ledger RPC call.
func ObserveRPC(method string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	RPCRequestsTotal.WithLabelValues(method, result).Inc()
	RPCDurationSeconds.WithLabelValues(method).Observe(took.Seconds())
}

// RecordGateDecision records an access decision.
func RecordGateDecision(decision string) {
	GateDecisionsTotal.WithLabelValues(decision).Inc()
}

// SetBuildInfo publishes static collector information.
func SetBuildInfo(version, cranker, program string) {
	BuildInfo.WithLabelValues(version, cranker, program).Set(1)
}
