package accounts

import (
	"errors"
	"math"
)

var (
	ErrNotActive = errors.New("subscription is not active")
	ErrNotDue    = errors.New("billing is not yet due")
	ErrCompleted = errors.New("subscription has completed all billing cycles")
	ErrOverflow  = errors.New("arithmetic overflow")
)

// IsDue reports whether the collector should attempt settlement at now.
func (s *Subscription) IsDue(now int64) bool {
	return s.Status == StatusActive && s.NextBillingTimestamp <= now
}

// Settle returns the state after one successful settlement at now. The
// receiver is not modified. Only Active and PastDue subscriptions can be
// settled and only once nextBillingTimestamp has been reached; the schedule
// advances by exactly one interval and the subscription completes when a
// bounded plan has billed its last cycle.
func (s Subscription) Settle(now int64) (Subscription, error) {
	switch s.Status {
	case StatusActive, StatusPastDue:
	case StatusCompleted:
		return s, ErrCompleted
	default:
		return s, ErrNotActive
	}
	if s.MaxBillingCycles != 0 && uint64(s.CyclesBilled) >= s.MaxBillingCycles {
		return s, ErrCompleted
	}
	if now < s.NextBillingTimestamp {
		return s, ErrNotDue
	}
	if s.Interval > 0 && s.NextBillingTimestamp > math.MaxInt64-s.Interval {
		return s, ErrOverflow
	}
	if s.CyclesBilled == math.MaxUint32 {
		return s, ErrOverflow
	}

	next := s
	next.NextBillingTimestamp = s.NextBillingTimestamp + s.Interval
	next.LastPaymentTimestamp = now
	next.CyclesBilled = s.CyclesBilled + 1
	next.Status = StatusActive
	if s.MaxBillingCycles != 0 && uint64(next.CyclesBilled) == s.MaxBillingCycles {
		next.Status = StatusCompleted
	}
	return next, nil
}

// InGrace reports whether a PastDue subscription is still inside its grace
// window.
func (s *Subscription) InGrace(now, gracePeriod int64) bool {
	if s.Status != StatusPastDue {
		return false
	}
	if gracePeriod <= 0 {
		return false
	}
	if s.NextBillingTimestamp > math.MaxInt64-gracePeriod {
		return true
	}
	return now < s.NextBillingTimestamp+gracePeriod
}

// GrantsAccess reports whether holding this subscription justifies skipping
// pay-per-use: Active, or PastDue within grace.
func (s *Subscription) GrantsAccess(now, gracePeriod int64) bool {
	return s.Status == StatusActive || s.InGrace(now, gracePeriod)
}

// Kind is the kind of the plan the subscription was taken under.
func (s *Subscription) Kind() PlanKind {
	return KindOf(s.MaxBillingCycles)
}

// RemainingCycles returns how many settlements are left; ok is false for
// unlimited plans.
func (s *Subscription) RemainingCycles() (remaining uint64, ok bool) {
	if s.MaxBillingCycles == 0 {
		return 0, false
	}
	if uint64(s.CyclesBilled) >= s.MaxBillingCycles {
		return 0, true
	}
	return s.MaxBillingCycles - uint64(s.CyclesBilled), true
}
