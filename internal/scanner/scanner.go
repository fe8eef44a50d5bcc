// Package scanner finds subscriptions whose billing time has arrived.
package scanner

import (
	"context"
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/solbill/collector/internal/accounts"
	colerrors "github.com/solbill/collector/internal/errors"
	"github.com/solbill/collector/internal/ledger"
)

// Entry is a decoded subscription and its address.
type Entry struct {
	Address      solana.PublicKey
	Subscription *accounts.Subscription
}

// Result is the outcome of one scan.
type Result struct {
	// Due holds subscriptions to settle, earliest nextBillingTimestamp first.
	Due []Entry
	// Scanned counts records returned by the ledger.
	Scanned int
	// DecodeFailures counts records skipped because they could not be decoded.
	DecodeFailures int
}

// Config configures a Scanner.
type Config struct {
	Client  ledger.Client
	Program solana.PublicKey
	// DisableStatusFilter turns off the server-side Active pre-filter. The
	// client-side check is always applied.
	DisableStatusFilter bool
	Logger              *zerolog.Logger
}

// Scanner reads subscription records from the ledger.
type Scanner struct {
	client       ledger.Client
	program      solana.PublicKey
	statusFilter bool
	logger       zerolog.Logger
}

// New returns a Scanner.
func New(cfg Config) *Scanner {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "scanner").Logger()
	}
	return &Scanner{
		client:       cfg.Client,
		program:      cfg.Program,
		statusFilter: !cfg.DisableStatusFilter,
		logger:       logger,
	}
}

// FindDue returns every Active subscription with nextBillingTimestamp <= now.
// A ledger failure fails the whole scan; a record that cannot be decoded is
// logged, counted and skipped.
func (s *Scanner) FindDue(ctx context.Context, now int64) (Result, error) {
	filter := ledger.Filter{DataSize: accounts.SubscriptionAccountSize}
	if s.statusFilter {
		filter.Memcmp = []ledger.Memcmp{{
			Offset: accounts.SubscriptionStatusOffset,
			Bytes:  []byte{byte(accounts.StatusActive)},
		}}
	}

	entries, res, err := s.scan(ctx, filter)
	if err != nil {
		return res, err
	}
	for _, e := range entries {
		if e.Subscription.IsDue(now) {
			res.Due = append(res.Due, e)
		}
	}
	sort.SliceStable(res.Due, func(i, j int) bool {
		a, b := res.Due[i].Subscription, res.Due[j].Subscription
		if a.NextBillingTimestamp != b.NextBillingTimestamp {
			return a.NextBillingTimestamp < b.NextBillingTimestamp
		}
		return res.Due[i].Address.String() < res.Due[j].Address.String()
	})
	return res, nil
}

// All returns every decodable subscription record regardless of status.
func (s *Scanner) All(ctx context.Context) ([]Entry, Result, error) {
	return s.scan(ctx, ledger.Filter{DataSize: accounts.SubscriptionAccountSize})
}

func (s *Scanner) scan(ctx context.Context, filter ledger.Filter) ([]Entry, Result, error) {
	var res Result
	raw, err := s.client.GetProgramAccounts(ctx, s.program, filter)
	if err != nil {
		return nil, res, colerrors.Transient("scan", err)
	}
	res.Scanned = len(raw)

	entries := make([]Entry, 0, len(raw))
	for _, acct := range raw {
		if acct == nil {
			continue
		}
		sub, err := accounts.DecodeSubscription(acct.Data)
		if err != nil {
			res.DecodeFailures++
			s.logger.Warn().
				Err(err).
				Str("subscription", acct.Address.String()).
				Int("bytes", len(acct.Data)).
				Msg("Skipping undecodable subscription record")
			continue
		}
		entries = append(entries, Entry{Address: acct.Address, Subscription: sub})
	}
	return entries, res, nil
}
