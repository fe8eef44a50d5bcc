// Package mock seeds a simulated ledger with a realistic billing population
// so the collector and the access gate can run without a live cluster.
package mock

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"

	"github.com/solbill/collector/internal/accounts"
	"github.com/solbill/collector/internal/ledger"
	"github.com/solbill/collector/internal/ledger/memory"
)

type MockConfig struct {
	RecurringSubscribers   int
	InstallmentSubscribers int
	OneTimeSubscribers     int
	UnderfundedSubscribers int
	CancelledSubscribers   int
	FutureSubscribers      int
	PastDueSubscribers     int
	MalformedRecords       int
	Seed                   int64
}

var DefaultConfig = MockConfig{
	RecurringSubscribers:   4,
	InstallmentSubscribers: 2,
	OneTimeSubscribers:     2,
	UnderfundedSubscribers: 1,
	CancelledSubscribers:   1,
	FutureSubscribers:      3,
	PastDueSubscribers:     1,
	MalformedRecords:       1,
	Seed:                   1,
}

const (
	day = int64(24 * time.Hour / time.Second)

	// One unit of a six-decimal stablecoin.
	unit = uint64(1_000_000)
)

var planCatalog = []PlanSpec{
	{Name: "Starter Monthly", Amount: 10 * unit, CrankReward: unit / 10, Interval: 30 * day, GracePeriod: 3 * day},
	{Name: "Pro Weekly", Amount: 5 * unit, CrankReward: unit / 20, Interval: 7 * day, GracePeriod: day},
	{Name: "Lifetime Pass", Amount: 99 * unit, CrankReward: unit, MaxBillingCycles: 1},
	{Name: "Laptop in 3", Amount: 300 * unit, CrankReward: unit, Interval: 30 * day, MaxBillingCycles: 3, GracePeriod: 7 * day},
}

const (
	planMonthly = iota
	planWeekly
	planLifetime
	planInstallment
)

// Seeded is one subscription created by Generate.
type Seeded struct {
	Label        string
	Address      solana.PublicKey
	Subscriber   solana.PublicKey
	Plan         solana.PublicKey
	TokenAccount solana.PublicKey
	Due          bool
}

// Scenario describes everything Generate wrote.
type Scenario struct {
	Program       solana.PublicKey
	Mint          solana.PublicKey
	Merchant      *Merchant
	Plans         []*Plan
	Subscriptions []Seeded
	Malformed     []solana.PublicKey
}

// DueCount returns how many seeded subscriptions a collector should settle
// on its first tick.
func (s *Scenario) DueCount() int {
	n := 0
	for _, sub := range s.Subscriptions {
		if sub.Due {
			n++
		}
	}
	return n
}

// Generate seeds l with one merchant, the plan catalog and a subscriber
// population shaped by cfg, relative to now.
func Generate(l *memory.Ledger, program solana.PublicKey, cfg MockConfig, now time.Time) (*Scenario, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	mint := solana.NewWallet().PublicKey()
	b := NewBuilder(l, program, mint)
	ts := now.Unix()

	merchant, err := b.Merchant(solana.NewWallet().PublicKey(), ts-90*day)
	if err != nil {
		return nil, fmt.Errorf("seed merchant: %w", err)
	}
	sc := &Scenario{Program: program, Mint: mint, Merchant: merchant}
	for _, spec := range planCatalog {
		p, err := b.Plan(merchant, spec)
		if err != nil {
			return nil, fmt.Errorf("seed plan: %w", err)
		}
		sc.Plans = append(sc.Plans, p)
	}

	add := func(label string, plan int, spec SubscribeSpec, due bool) error {
		spec.Subscriber = solana.NewWallet().PublicKey()
		if spec.CreatedAt == 0 {
			spec.CreatedAt = ts - 60*day
		}
		p := sc.Plans[plan]
		sub, err := b.Subscribe(merchant, p, spec)
		if err != nil {
			return fmt.Errorf("seed %s subscription: %w", label, err)
		}
		sc.Subscriptions = append(sc.Subscriptions, Seeded{
			Label:        label,
			Address:      sub.Address,
			Subscriber:   spec.Subscriber,
			Plan:         p.Address,
			TokenAccount: sub.TokenAccount,
			Due:          due,
		})
		return nil
	}
	lateBy := func() int64 { return int64(rng.Intn(int(2 * day))) }

	for i := 0; i < cfg.RecurringSubscribers; i++ {
		plan := planMonthly
		if i%2 == 1 {
			plan = planWeekly
		}
		err := add("recurring", plan, SubscribeSpec{
			Balance:     500 * unit,
			NextBilling: ts - lateBy(),
			Status:      accounts.StatusActive,
			Cycles:      uint32(rng.Intn(6)),
		}, true)
		if err != nil {
			return nil, err
		}
	}
	for i := 0; i < cfg.InstallmentSubscribers; i++ {
		err := add("installment", planInstallment, SubscribeSpec{
			Balance:     900 * unit,
			NextBilling: ts - lateBy(),
			Status:      accounts.StatusActive,
			Cycles:      uint32(i % 3),
		}, true)
		if err != nil {
			return nil, err
		}
	}
	for i := 0; i < cfg.OneTimeSubscribers; i++ {
		err := add("one_time", planLifetime, SubscribeSpec{
			Balance:     100 * unit,
			NextBilling: ts - lateBy(),
			Status:      accounts.StatusActive,
		}, true)
		if err != nil {
			return nil, err
		}
	}
	for i := 0; i < cfg.UnderfundedSubscribers; i++ {
		err := add("underfunded", planMonthly, SubscribeSpec{
			Balance:     unit,
			NextBilling: ts - lateBy(),
			Status:      accounts.StatusActive,
		}, true)
		if err != nil {
			return nil, err
		}
	}
	for i := 0; i < cfg.CancelledSubscribers; i++ {
		err := add("cancelled", planMonthly, SubscribeSpec{
			Balance:     500 * unit,
			NextBilling: ts - lateBy(),
			Status:      accounts.StatusCancelled,
		}, false)
		if err != nil {
			return nil, err
		}
	}
	for i := 0; i < cfg.FutureSubscribers; i++ {
		err := add("future", planMonthly, SubscribeSpec{
			Balance:     500 * unit,
			NextBilling: ts + day + int64(rng.Intn(int(20*day))),
			Status:      accounts.StatusActive,
			Cycles:      1,
		}, false)
		if err != nil {
			return nil, err
		}
	}
	for i := 0; i < cfg.PastDueSubscribers; i++ {
		err := add("past_due", planMonthly, SubscribeSpec{
			Balance:     500 * unit,
			NextBilling: ts - day,
			Status:      accounts.StatusPastDue,
			Cycles:      2,
		}, false)
		if err != nil {
			return nil, err
		}
	}

	for i := 0; i < cfg.MalformedRecords; i++ {
		addr := solana.NewWallet().PublicKey()
		data := make([]byte, accounts.SubscriptionAccountSize)
		rng.Read(data)
		data[accounts.SubscriptionStatusOffset] = byte(accounts.StatusActive)
		l.SetAccount(ledger.Account{Address: addr, Owner: program, Data: data})
		sc.Malformed = append(sc.Malformed, addr)
	}

	log.Info().
		Str("program", program.String()).
		Str("service", merchant.Service.String()).
		Int("subscriptions", len(sc.Subscriptions)).
		Int("due", sc.DueCount()).
		Int("malformed", len(sc.Malformed)).
		Msg("Seeded mock ledger")
	return sc, nil
}
