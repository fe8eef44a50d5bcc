package mock

import (
	"fmt"
	"math"

	"github.com/gagliardetto/solana-go"

	"github.com/solbill/collector/internal/accounts"
	"github.com/solbill/collector/internal/address"
	"github.com/solbill/collector/internal/ledger/memory"
)

// Builder writes billing records into a simulated ledger the way the
// program's merchant and subscriber instructions would.
type Builder struct {
	Ledger  *memory.Ledger
	Deriver *address.Deriver
	Mint    solana.PublicKey
}

// NewBuilder returns a Builder for program on l. Every service uses mint.
func NewBuilder(l *memory.Ledger, program, mint solana.PublicKey) *Builder {
	return &Builder{Ledger: l, Deriver: address.New(program), Mint: mint}
}

// Merchant is a registered service.
type Merchant struct {
	Authority solana.PublicKey
	Service   solana.PublicKey
	Treasury  solana.PublicKey

	record *accounts.Service
}

// PlanSpec describes a plan to create.
type PlanSpec struct {
	Name             string
	Amount           uint64
	CrankReward      uint64
	Interval         int64
	GracePeriod      int64
	MaxBillingCycles uint64
	Inactive         bool
}

// Plan is a created plan.
type Plan struct {
	Address solana.PublicKey
	Record  *accounts.Plan
}

// SubscribeSpec describes a subscription to create.
type SubscribeSpec struct {
	Subscriber  solana.PublicKey
	Balance     uint64
	Allowance   uint64 // zero approves the full schedule
	NextBilling int64
	CreatedAt   int64
	Status      accounts.Status
	Cycles      uint32
}

// Subscription is a created subscription.
type Subscription struct {
	Address      solana.PublicKey
	TokenAccount solana.PublicKey
	Record       *accounts.Subscription
}

// Merchant registers a service for authority with an empty treasury.
func (b *Builder) Merchant(authority solana.PublicKey, createdAt int64) (*Merchant, error) {
	service, bump, err := b.Deriver.Service(authority)
	if err != nil {
		return nil, err
	}
	treasury, _, err := b.Deriver.RewardAccount(authority, b.Mint)
	if err != nil {
		return nil, err
	}
	b.Ledger.PutTokenAccount(treasury, memory.TokenAccount{Mint: b.Mint, Owner: authority})

	rec := &accounts.Service{
		Authority:    authority,
		Treasury:     treasury,
		AcceptedMint: b.Mint,
		CreatedAt:    createdAt,
		Bump:         bump,
	}
	if err := b.Ledger.PutService(service, rec); err != nil {
		return nil, err
	}
	return &Merchant{Authority: authority, Service: service, Treasury: treasury, record: rec}, nil
}

// Plan creates the next plan under m.
func (b *Builder) Plan(m *Merchant, spec PlanSpec) (*Plan, error) {
	index := m.record.PlanCount
	addr, bump, err := b.Deriver.Plan(m.Service, index)
	if err != nil {
		return nil, err
	}
	rec := &accounts.Plan{
		Service:          m.Service,
		Amount:           spec.Amount,
		CrankReward:      spec.CrankReward,
		Interval:         spec.Interval,
		IsActive:         !spec.Inactive,
		GracePeriod:      spec.GracePeriod,
		PlanIndex:        index,
		MaxBillingCycles: spec.MaxBillingCycles,
		Bump:             bump,
	}
	if err := rec.SetName(spec.Name); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("plan %q: %w", spec.Name, err)
	}
	if err := b.Ledger.PutPlan(addr, rec); err != nil {
		return nil, err
	}
	m.record.PlanCount++
	if err := b.Ledger.PutService(m.Service, m.record); err != nil {
		return nil, err
	}
	return &Plan{Address: addr, Record: rec}, nil
}

// Subscribe creates a subscription of spec.Subscriber to p, funds the
// subscriber's token account and approves the subscription as delegate.
func (b *Builder) Subscribe(m *Merchant, p *Plan, spec SubscribeSpec) (*Subscription, error) {
	addr, bump, err := b.Deriver.Subscription(spec.Subscriber, p.Address)
	if err != nil {
		return nil, err
	}
	tokenAcct, _, err := b.Deriver.RewardAccount(spec.Subscriber, b.Mint)
	if err != nil {
		return nil, err
	}

	allowance := spec.Allowance
	if allowance == 0 {
		allowance = math.MaxUint64
		if p.Record.MaxBillingCycles != 0 {
			allowance = p.Record.Amount * p.Record.MaxBillingCycles
		}
	}
	b.Ledger.PutTokenAccount(tokenAcct, memory.TokenAccount{
		Mint:            b.Mint,
		Owner:           spec.Subscriber,
		Amount:          spec.Balance,
		Delegate:        addr,
		DelegatedAmount: allowance,
	})

	rec := &accounts.Subscription{
		Subscriber:             spec.Subscriber,
		Service:                m.Service,
		Plan:                   p.Address,
		SubscriberTokenAccount: tokenAcct,
		Amount:                 p.Record.Amount,
		CrankReward:            p.Record.CrankReward,
		Interval:               p.Record.Interval,
		NextBillingTimestamp:   spec.NextBilling,
		CreatedAt:              spec.CreatedAt,
		Status:                 spec.Status,
		CyclesBilled:           spec.Cycles,
		MaxBillingCycles:       p.Record.MaxBillingCycles,
		Bump:                   bump,
	}
	if err := b.Ledger.PutSubscription(addr, rec); err != nil {
		return nil, err
	}

	m.record.SubscriberCount++
	if err := b.Ledger.PutService(m.Service, m.record); err != nil {
		return nil, err
	}
	return &Subscription{Address: addr, TokenAccount: tokenAcct, Record: rec}, nil
}
