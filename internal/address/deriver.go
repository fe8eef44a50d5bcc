// Package address derives the program-owned record addresses of the billing
// program and the associated token accounts used for crank rewards.
package address

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// Seed prefixes used by the billing program.
const (
	ServiceSeed      = "service"
	PlanSeed         = "plan"
	SubscriptionSeed = "subscription"
)

type derived struct {
	key  solana.PublicKey
	bump uint8
}

// Deriver computes program addresses. Results are pure functions of their
// inputs so they are memoized for the life of the Deriver.
type Deriver struct {
	program solana.PublicKey

	mu    sync.RWMutex
	cache map[string]derived
}

// New returns a Deriver for program.
func New(program solana.PublicKey) *Deriver {
	return &Deriver{
		program: program,
		cache:   make(map[string]derived),
	}
}

// Program returns the program the Deriver was built for.
func (d *Deriver) Program() solana.PublicKey {
	return d.program
}

// Service returns the service address for authority.
func (d *Deriver) Service(authority solana.PublicKey) (solana.PublicKey, uint8, error) {
	return d.find([]byte(ServiceSeed), authority[:])
}

// Plan returns the address of the plan at index under service.
func (d *Deriver) Plan(service solana.PublicKey, index uint16) (solana.PublicKey, uint8, error) {
	idx := make([]byte, 2)
	binary.LittleEndian.PutUint16(idx, index)
	return d.find([]byte(PlanSeed), service[:], idx)
}

// Subscription returns the subscription address of subscriber to plan.
// Seed order is subscriber first, then plan.
func (d *Deriver) Subscription(subscriber, plan solana.PublicKey) (solana.PublicKey, uint8, error) {
	return d.find([]byte(SubscriptionSeed), subscriber[:], plan[:])
}

// RewardAccount returns the associated token account of owner for mint.
func (d *Deriver) RewardAccount(owner, mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	k := "ata:" + owner.String() + ":" + mint.String()
	if v, ok := d.lookup(k); ok {
		return v.key, v.bump, nil
	}
	key, bump, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("derive reward account for %s: %w", owner, err)
	}
	d.store(k, derived{key: key, bump: bump})
	return key, bump, nil
}

func (d *Deriver) find(seeds ...[]byte) (solana.PublicKey, uint8, error) {
	k := cacheKey(seeds)
	if v, ok := d.lookup(k); ok {
		return v.key, v.bump, nil
	}
	key, bump, err := solana.FindProgramAddress(seeds, d.program)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("derive %s address: %w", seeds[0], err)
	}
	d.store(k, derived{key: key, bump: bump})
	return key, bump, nil
}

func (d *Deriver) lookup(k string) (derived, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.cache[k]
	return v, ok
}

func (d *Deriver) store(k string, v derived) {
	d.mu.Lock()
	d.cache[k] = v
	d.mu.Unlock()
}

func cacheKey(seeds [][]byte) string {
	n := 0
	for _, s := range seeds {
		n += len(s) + 1
	}
	b := make([]byte, 0, n)
	for _, s := range seeds {
		b = append(b, byte(len(s)))
		b = append(b, s...)
	}
	return string(b)
}
