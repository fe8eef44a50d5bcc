// Package collector runs the periodic scan and settle loop: every interval
// it finds due subscriptions and submits one collect_payment per
// subscription, with bounded concurrency and per-item isolation.
//
// Several collectors may run against the same ledger. None of them locks
// anything; the ledger accepts exactly one settlement per cycle and the
// losers observe a stale-state rejection, which is logged as expected.
package collector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/solbill/collector/internal/address"
	"github.com/solbill/collector/internal/buffer"
	colerrors "github.com/solbill/collector/internal/errors"
	"github.com/solbill/collector/internal/journal"
	"github.com/solbill/collector/internal/ledger"
	"github.com/solbill/collector/internal/metrics"
	"github.com/solbill/collector/internal/scanner"
	"github.com/solbill/collector/internal/settlement"
)

const (
	DefaultInterval       = 15 * time.Second
	DefaultMaxConcurrency = 8
	DefaultSubmitTimeout  = 60 * time.Second

	recentAttemptCapacity = 256
)

// State is the collector loop state.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateDispatching:
		return "dispatching"
	default:
		return "idle"
	}
}

// Journal receives an audit record of every tick and attempt.
type Journal interface {
	RecordAttempt(journal.Attempt)
	RecordTick(journal.Tick) error
}

// Config configures a Collector.
type Config struct {
	Client  ledger.Client
	Program solana.PublicKey
	Signer  solana.PrivateKey

	Interval       time.Duration
	MaxConcurrency int
	// SubmitTimeout bounds build, submit and confirmation of one attempt.
	SubmitTimeout time.Duration
	ConfirmPoll   time.Duration

	EnsureRewardAccount bool
	DisableStatusFilter bool

	Journal Journal
	Clock   func() time.Time
	Logger  *zerolog.Logger
}

// Collector is the scheduler. Create with New and drive with Run or Tick.
type Collector struct {
	client      ledger.Client
	signer      solana.PrivateKey
	cranker     solana.PublicKey
	scanner     *scanner.Scanner
	builder     *settlement.Builder
	journal     Journal
	clock       func() time.Time
	confirmPoll time.Duration
	logger      zerolog.Logger

	state         atomic.Int32
	interval      atomic.Int64
	concurrency   atomic.Int32
	submitTimeout atomic.Int64
	resetCh       chan struct{}

	lastMu   sync.RWMutex
	lastTick *TickSummary
	ready    atomic.Bool
	recent   *buffer.Ring[Attempt]
}

// New validates cfg and returns a Collector.
func New(cfg Config) (*Collector, error) {
	if cfg.Client == nil {
		return nil, colerrors.Fatal("init collector", errors.New("ledger client is required"))
	}
	if cfg.Program.IsZero() {
		return nil, colerrors.Fatal("init collector", errors.New("program address is required"))
	}
	if len(cfg.Signer) == 0 {
		return nil, colerrors.Fatal("init collector", colerrors.ErrIdentityFailed)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "collector").Logger()

	cranker := cfg.Signer.PublicKey()
	c := &Collector{
		client:  cfg.Client,
		signer:  cfg.Signer,
		cranker: cranker,
		scanner: scanner.New(scanner.Config{
			Client:              cfg.Client,
			Program:             cfg.Program,
			DisableStatusFilter: cfg.DisableStatusFilter,
			Logger:              &logger,
		}),
		builder: settlement.NewBuilder(settlement.Config{
			Client:              cfg.Client,
			Deriver:             address.New(cfg.Program),
			Cranker:             cranker,
			EnsureRewardAccount: cfg.EnsureRewardAccount,
			Logger:              &logger,
		}),
		journal:     cfg.Journal,
		clock:       cfg.Clock,
		confirmPoll: cfg.ConfirmPoll,
		logger:      logger,
		resetCh:     make(chan struct{}, 1),
		recent:      buffer.New[Attempt](recentAttemptCapacity),
	}
	c.interval.Store(int64(cfg.Interval))
	c.concurrency.Store(int32(cfg.MaxConcurrency))
	c.submitTimeout.Store(int64(cfg.SubmitTimeout))
	return c, nil
}

// Cranker returns the collector's public identity.
func (c *Collector) Cranker() solana.PublicKey {
	return c.cranker
}

// State returns the current loop state.
func (c *Collector) State() State {
	return State(c.state.Load())
}

func (c *Collector) setState(s State) {
	c.state.Store(int32(s))
	metrics.SetCollectorState(s.String())
}

// Interval returns the current wake interval.
func (c *Collector) Interval() time.Duration {
	return time.Duration(c.interval.Load())
}

// SetInterval changes the wake interval; a running loop picks it up at once.
func (c *Collector) SetInterval(d time.Duration) {
	if d <= 0 || time.Duration(c.interval.Swap(int64(d))) == d {
		return
	}
	select {
	case c.resetCh <- struct{}{}:
	default:
	}
}

// MaxConcurrency returns the per-tick settlement fan-out limit.
func (c *Collector) MaxConcurrency() int {
	return int(c.concurrency.Load())
}

// SetMaxConcurrency changes the fan-out limit from the next tick on.
func (c *Collector) SetMaxConcurrency(n int) {
	if n > 0 {
		c.concurrency.Store(int32(n))
	}
}

// SetSubmitTimeout changes the per-attempt time bound from the next tick on.
func (c *Collector) SetSubmitTimeout(d time.Duration) {
	if d > 0 {
		c.submitTimeout.Store(int64(d))
	}
}

// Ready reports whether at least one scan has succeeded.
func (c *Collector) Ready() bool {
	return c.ready.Load()
}

// LastTick returns the most recent tick summary, or nil before the first tick.
func (c *Collector) LastTick() *TickSummary {
	c.lastMu.RLock()
	defer c.lastMu.RUnlock()
	return c.lastTick
}

// RecentAttempts returns up to n of the latest attempts, newest first.
func (c *Collector) RecentAttempts(n int) []Attempt {
	return c.recent.Latest(n)
}

// Run ticks immediately and then once per interval until ctx is cancelled.
// Cancellation stops new ticks and new dispatch; attempts already dispatched
// run to completion within their submit timeout before Run returns.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info().
		Str("cranker", c.cranker.String()).
		Dur("interval", c.Interval()).
		Int("maxConcurrency", c.MaxConcurrency()).
		Msg("Collector started")

	c.setState(StateIdle)
	c.Tick(ctx)

	ticker := time.NewTicker(c.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Collector stopped")
			return nil
		case <-c.resetCh:
			ticker.Reset(c.Interval())
			c.logger.Info().Dur("interval", c.Interval()).Msg("Collector interval updated")
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}
