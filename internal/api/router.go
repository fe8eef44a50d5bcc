// Package api serves the collector's HTTP surface: health and readiness,
// Prometheus metrics, status, settlement history and access checks.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/solbill/collector/internal/collector"
	"github.com/solbill/collector/internal/gate"
	"github.com/solbill/collector/internal/journal"
)

// CollectorStatus is the view of the scheduler the router reports on.
type CollectorStatus interface {
	Ready() bool
	State() collector.State
	Interval() time.Duration
	MaxConcurrency() int
	Cranker() solana.PublicKey
	LastTick() *collector.TickSummary
	RecentAttempts(n int) []collector.Attempt
}

// History reads the settlement journal.
type History interface {
	RecentTicks(limit int) ([]journal.Tick, error)
	Attempts(subscription string, limit int) ([]journal.Attempt, error)
}

// RouterConfig wires the router's dependencies. Gate, Challenge and History
// may be nil. Without a Challenge the entitlement route is disabled.
type RouterConfig struct {
	Collector CollectorStatus
	Gate      *gate.Gate
	Challenge *gate.Challenge
	History   History
	Program   solana.PublicKey
	Version   string
}

const recentAttemptLimit = 20

// Router handles HTTP routing
type Router struct {
	mux       *http.ServeMux
	collector CollectorStatus
	gate      *gate.Gate
	challenge *gate.Challenge
	history   History
	program   solana.PublicKey
	version   string
	startedAt time.Time
}

// NewRouter creates the handler tree wrapped in ErrorHandler.
func NewRouter(cfg RouterConfig) http.Handler {
	r := &Router{
		mux:       http.NewServeMux(),
		collector: cfg.Collector,
		gate:      cfg.Gate,
		challenge: cfg.Challenge,
		history:   cfg.History,
		program:   cfg.Program,
		version:   cfg.Version,
		startedAt: time.Now(),
	}
	r.setupRoutes()
	return ErrorHandler(r.mux)
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("GET /healthz", r.handleHealth)
	r.mux.HandleFunc("GET /readyz", r.handleReady)
	r.mux.Handle("GET /metrics", promhttp.Handler())
	r.mux.HandleFunc("GET /v1/status", r.handleStatus)
	r.mux.HandleFunc("GET /v1/history", r.handleHistory)
	r.mux.HandleFunc("GET /v1/access", r.handleAccess)
	r.mux.HandleFunc("GET /v1/plans/{plan}/entitlement", r.handleEntitlement)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(r.startedAt).Seconds(),
	})
}

// handleReady reports ready once the collector has completed a scan.
func (r *Router) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.collector == nil || !r.collector.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type tickView struct {
	ID             string         `json:"id"`
	StartedAt      time.Time      `json:"startedAt"`
	DurationMs     int64          `json:"durationMs"`
	Scanned        int            `json:"scanned"`
	Due            int            `json:"due"`
	DecodeFailures int            `json:"decodeFailures"`
	Settled        int            `json:"settled"`
	Skipped        int            `json:"skipped"`
	Failed         int            `json:"failed"`
	Outcomes       map[string]int `json:"outcomes,omitempty"`
	ScanError      string         `json:"scanError,omitempty"`
}

type attemptView struct {
	Subscription string `json:"subscription"`
	Outcome      string `json:"outcome"`
	Signature    string `json:"signature,omitempty"`
	Cycle        uint32 `json:"cycle,omitempty"`
	Error        string `json:"error,omitempty"`
	TookMs       int64  `json:"tookMs"`
}

type statusView struct {
	Version        string        `json:"version"`
	Program        string        `json:"program"`
	Cranker        string        `json:"cranker"`
	State          string        `json:"state"`
	Ready          bool          `json:"ready"`
	IntervalMs     int64         `json:"intervalMs"`
	MaxConcurrency int           `json:"maxConcurrency"`
	LastTick       *tickView     `json:"lastTick,omitempty"`
	RecentAttempts []attemptView `json:"recentAttempts"`
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if r.collector == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "not_running", "Collector is not running", "")
		return
	}
	view := statusView{
		Version:        r.version,
		Program:        r.program.String(),
		Cranker:        r.collector.Cranker().String(),
		State:          r.collector.State().String(),
		Ready:          r.collector.Ready(),
		IntervalMs:     r.collector.Interval().Milliseconds(),
		MaxConcurrency: r.collector.MaxConcurrency(),
	}
	if t := r.collector.LastTick(); t != nil {
		tv := &tickView{
			ID:             t.ID,
			StartedAt:      t.StartedAt,
			DurationMs:     t.Duration.Milliseconds(),
			Scanned:        t.Scanned,
			Due:            t.Due,
			DecodeFailures: t.DecodeFailures,
			Settled:        t.Settled(),
			Skipped:        t.Skipped(),
			Failed:         t.Failed(),
			Outcomes:       make(map[string]int, len(t.Outcomes)),
		}
		for o, n := range t.Outcomes {
			tv.Outcomes[string(o)] = n
		}
		if t.ScanErr != nil {
			tv.ScanError = t.ScanErr.Error()
		}
		view.LastTick = tv
	}
	view.RecentAttempts = make([]attemptView, 0, recentAttemptLimit)
	for _, a := range r.collector.RecentAttempts(recentAttemptLimit) {
		av := attemptView{
			Subscription: a.Subscription.String(),
			Outcome:      string(a.Outcome),
			Cycle:        a.Cycle,
			TookMs:       a.Took.Milliseconds(),
		}
		if a.Signature != (solana.Signature{}) {
			av.Signature = a.Signature.String()
		}
		if a.Err != nil {
			av.Error = a.Err.Error()
		}
		view.RecentAttempts = append(view.RecentAttempts, av)
	}
	writeJSON(w, http.StatusOK, view)
}

// handleHistory returns the attempts for ?subscription= or, without it, the
// most recent ticks.
func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	if r.history == nil {
		writeErrorResponse(w, http.StatusNotFound, "journal_disabled", "Settlement journal is disabled", "")
		return
	}

	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000", "")
			return
		}
		limit = n
	}

	if sub := strings.TrimSpace(req.URL.Query().Get("subscription")); sub != "" {
		if _, err := solana.PublicKeyFromBase58(sub); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_subscription", "subscription must be a base58 address", "")
			return
		}
		attempts, err := r.history.Attempts(sub, limit)
		if err != nil {
			log.Error().Err(err).Str("subscription", sub).Msg("Failed to read attempt history")
			writeErrorResponse(w, http.StatusInternalServerError, "journal_error", "Failed to read history", "")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"attempts": attempts})
		return
	}

	ticks, err := r.history.RecentTicks(limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read tick history")
		writeErrorResponse(w, http.StatusInternalServerError, "journal_error", "Failed to read history", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ticks": ticks})
}

type accessView struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason"`
	Subscription string `json:"subscription"`
	Status       string `json:"status,omitempty"`
	NextBilling  int64  `json:"nextBillingTimestamp,omitempty"`
	GraceEndsAt  int64  `json:"graceEndsAt,omitempty"`

	Challenge *gate.Challenge `json:"challenge,omitempty"`
}

// handleAccess answers GET /v1/access?subscriber=&plan=. Lookup failures
// deny access and are reported in the reason rather than as a 5xx.
func (r *Router) handleAccess(w http.ResponseWriter, req *http.Request) {
	if r.gate == nil {
		writeErrorResponse(w, http.StatusNotFound, "gate_disabled", "Access checks are disabled", "")
		return
	}
	q := req.URL.Query()
	subscriber, err := gate.ParseWallet(q.Get("subscriber"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_subscriber", "subscriber must be a base58 address", "")
		return
	}
	plan, err := solana.PublicKeyFromBase58(q.Get("plan"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_plan", "plan must be a base58 address", "")
		return
	}

	d, err := r.gate.Check(req.Context(), subscriber, plan)
	if err != nil && !errors.Is(err, req.Context().Err()) {
		log.Warn().Err(err).Str("subscriber", subscriber.String()).Msg("Access check failed")
	}
	view := accessView{
		Allowed:      d.Allowed,
		Reason:       string(d.Reason),
		Subscription: d.Subscription.String(),
		NextBilling:  d.NextBilling,
		GraceEndsAt:  d.GraceEndsAt,
	}
	if d.Reason != gate.ReasonNoSubscription && d.Reason != gate.ReasonLookupFailed {
		view.Status = d.Status.String()
	}
	if !d.Allowed {
		view.Challenge = r.challenge
	}
	writeJSON(w, http.StatusOK, view)
}

// handleEntitlement is a forward-auth target for a merchant's proxy: 200
// when the X-Wallet-Address caller holds a qualifying subscription to the
// plan, the 402 pay-per-use challenge otherwise.
func (r *Router) handleEntitlement(w http.ResponseWriter, req *http.Request) {
	if r.gate == nil || r.challenge == nil {
		writeErrorResponse(w, http.StatusNotFound, "gate_disabled", "Pay-per-use gate is not configured", "")
		return
	}
	plan, err := solana.PublicKeyFromBase58(req.PathValue("plan"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_plan", "plan must be a base58 address", "")
		return
	}
	granted := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"allowed": true, "plan": plan.String()})
	})
	r.gate.Middleware(plan, *r.challenge, granted).ServeHTTP(w, req)
}
