// Package gate decides whether a wallet holding a subscription may skip
// per-request payment, and falls back to a 402 challenge when it may not.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/solbill/collector/internal/accounts"
	"github.com/solbill/collector/internal/address"
	"github.com/solbill/collector/internal/ledger"
	"github.com/solbill/collector/internal/metrics"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonActive         Reason = "active"
	ReasonGrace          Reason = "grace"
	ReasonNoSubscription Reason = "no_subscription"
	ReasonLapsed         Reason = "lapsed" // past due beyond the grace period
	ReasonInactive       Reason = "inactive"
	ReasonMismatch       Reason = "mismatch"
	ReasonUnreadable     Reason = "unreadable"
	ReasonLookupFailed   Reason = "lookup_failed"
)

// Decision is the result of an access check.
type Decision struct {
	Allowed      bool
	Reason       Reason
	Subscription solana.PublicKey
	// Status, NextBilling and GraceEndsAt are set when the subscription
	// record was read.
	Status      accounts.Status
	NextBilling int64
	GraceEndsAt int64
}

// Config configures a Gate.
type Config struct {
	Client  ledger.Client
	Program solana.PublicKey
	Clock   func() time.Time
	Logger  *zerolog.Logger
}

// Gate answers access checks against the ledger.
type Gate struct {
	client  ledger.Client
	deriver *address.Deriver
	clock   func() time.Time
	logger  zerolog.Logger
}

// New returns a Gate.
func New(cfg Config) *Gate {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Gate{
		client:  cfg.Client,
		deriver: address.New(cfg.Program),
		clock:   clock,
		logger:  logger.With().Str("component", "gate").Logger(),
	}
}

// Check reports whether subscriber holds a subscription to plan that grants
// access now: Active, or PastDue with now < nextBilling + plan grace period.
// A non-nil error always comes with a denying Decision.
func (g *Gate) Check(ctx context.Context, subscriber, plan solana.PublicKey) (Decision, error) {
	d, err := g.check(ctx, subscriber, plan)
	metrics.RecordGateDecision(string(d.Reason))
	return d, err
}

func (g *Gate) check(ctx context.Context, subscriber, plan solana.PublicKey) (Decision, error) {
	addr, _, err := g.deriver.Subscription(subscriber, plan)
	if err != nil {
		return Decision{Reason: ReasonLookupFailed}, fmt.Errorf("derive subscription: %w", err)
	}
	d := Decision{Subscription: addr}

	accts, err := g.client.GetMultipleAccounts(ctx, addr, plan)
	if err != nil {
		d.Reason = ReasonLookupFailed
		return d, fmt.Errorf("read subscription %s: %w", addr, err)
	}
	if len(accts) != 2 || accts[0] == nil {
		d.Reason = ReasonNoSubscription
		return d, nil
	}

	sub, err := accounts.DecodeSubscription(accts[0].Data)
	if err != nil {
		d.Reason = ReasonUnreadable
		return d, fmt.Errorf("decode subscription %s: %w", addr, err)
	}
	d.Status = sub.Status
	d.NextBilling = sub.NextBillingTimestamp
	if sub.Subscriber != subscriber || sub.Plan != plan {
		d.Reason = ReasonMismatch
		return d, nil
	}

	now := g.clock().Unix()
	switch sub.Status {
	case accounts.StatusActive:
		d.Allowed = true
		d.Reason = ReasonActive
		return d, nil
	case accounts.StatusPastDue:
	default:
		d.Reason = ReasonInactive
		return d, nil
	}

	if accts[1] == nil {
		d.Reason = ReasonLookupFailed
		return d, fmt.Errorf("plan %s: %w", plan, ledger.ErrAccountNotFound)
	}
	p, err := accounts.DecodePlan(accts[1].Data)
	if err != nil {
		d.Reason = ReasonUnreadable
		return d, fmt.Errorf("decode plan %s: %w", plan, err)
	}
	d.GraceEndsAt = sub.NextBillingTimestamp + p.GracePeriod
	if sub.GrantsAccess(now, p.GracePeriod) {
		d.Allowed = true
		d.Reason = ReasonGrace
		return d, nil
	}
	d.Reason = ReasonLapsed
	return d, nil
}

// ErrBadWallet is returned for a wallet address that is not a valid key.
var ErrBadWallet = errors.New("invalid wallet address")

// ParseWallet parses a base58 wallet address.
func ParseWallet(s string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %v", ErrBadWallet, err)
	}
	return key, nil
}
