// Package accounts holds the on-ledger record layouts of the billing program
// (service, plan, subscription), their decoders and the subscription state
// machine.
package accounts

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Status is the subscription lifecycle state, stored as a one-byte enum.
type Status uint8

const (
	StatusActive Status = iota
	StatusPastDue
	StatusCancelled
	StatusExpired
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPastDue:
		return "past_due"
	case StatusCancelled:
		return "cancelled"
	case StatusExpired:
		return "expired"
	case StatusCompleted:
		return "completed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Valid reports whether s is a known enum value.
func (s Status) Valid() bool {
	return s <= StatusCompleted
}

// Terminal reports whether no further settlement can happen in this state.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusExpired || s == StatusCompleted
}

// Service is one merchant's billing service. Address: ["service", authority].
type Service struct {
	Authority       solana.PublicKey
	Treasury        solana.PublicKey
	AcceptedMint    solana.PublicKey
	PlanCount       uint16
	SubscriberCount uint32
	CreatedAt       int64
	Bump            uint8
}

// PlanKind classifies a plan by its billing cycle limit.
type PlanKind string

const (
	PlanRecurring   PlanKind = "recurring"
	PlanOneTime     PlanKind = "one_time"
	PlanInstallment PlanKind = "installment"
)

const planNameLen = 32

// Plan is a billing plan. Address: ["plan", service, LE16(planIndex)].
type Plan struct {
	Service          solana.PublicKey
	Name             [planNameLen]byte
	Amount           uint64
	CrankReward      uint64
	Interval         int64
	IsActive         bool
	GracePeriod      int64
	PlanIndex        uint16
	MaxBillingCycles uint64
	Bump             uint8
}

// DisplayName returns the zero-padded name as a string.
func (p *Plan) DisplayName() string {
	return string(bytes.TrimRight(p.Name[:], "\x00"))
}

// SetName stores name zero-padded. Names must be 1..32 bytes.
func (p *Plan) SetName(name string) error {
	if len(name) == 0 || len(name) > planNameLen {
		return fmt.Errorf("plan name must be 1..%d bytes, got %d", planNameLen, len(name))
	}
	p.Name = [planNameLen]byte{}
	copy(p.Name[:], name)
	return nil
}

// KindOf classifies a billing cycle limit.
func KindOf(maxBillingCycles uint64) PlanKind {
	switch maxBillingCycles {
	case 0:
		return PlanRecurring
	case 1:
		return PlanOneTime
	default:
		return PlanInstallment
	}
}

// Kind reports whether the plan is recurring, one-time or an installment plan.
func (p *Plan) Kind() PlanKind {
	return KindOf(p.MaxBillingCycles)
}

var (
	ErrInvalidAmount      = errors.New("plan amount must be greater than zero")
	ErrInvalidInterval    = errors.New("plan interval must be greater than zero")
	ErrInvalidCrankReward = errors.New("crank reward must be less than plan amount")
)

// Validate checks the plan invariants the program enforces at creation.
func (p *Plan) Validate() error {
	if p.Amount == 0 {
		return ErrInvalidAmount
	}
	if p.Interval <= 0 && p.MaxBillingCycles != 1 {
		return ErrInvalidInterval
	}
	if p.CrankReward >= p.Amount {
		return ErrInvalidCrankReward
	}
	return nil
}

// Subscription is one subscriber's authorization against one plan.
// Address: ["subscription", subscriber, plan]. Amount, CrankReward, Interval
// and MaxBillingCycles are snapshots of the plan taken at subscribe time.
type Subscription struct {
	Subscriber             solana.PublicKey
	Service                solana.PublicKey
	Plan                   solana.PublicKey
	SubscriberTokenAccount solana.PublicKey
	Amount                 uint64
	CrankReward            uint64
	Interval               int64
	NextBillingTimestamp   int64
	LastPaymentTimestamp   int64
	CreatedAt              int64
	Status                 Status
	CyclesBilled           uint32
	MaxBillingCycles       uint64
	Bump                   uint8
}
