// Package memory is an in-process ledger that executes the billing program's
// collect_payment and reward account creation instructions. It backs mock
// mode and the collector's tests. Each submitted transaction is applied
// atomically under a single lock, so concurrent collectors observe the same
// serialization a real ledger gives them.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/solbill/collector/internal/accounts"
	"github.com/solbill/collector/internal/address"
	"github.com/solbill/collector/internal/ledger"
)

// recentAnchorWindow is how many rotated blockhashes remain valid.
const recentAnchorWindow = 150

type sigEntry struct {
	conf        ledger.Confirmation
	pendingPoll int
}

// Ledger is a simulated ledger. The zero value is not usable; call New.
type Ledger struct {
	mu sync.Mutex

	program  solana.PublicKey
	deriver  *address.Deriver
	clock    func() time.Time
	accounts map[solana.PublicKey]*ledger.Account
	sigs     map[solana.Signature]*sigEntry
	slot     uint64
	anchors  []solana.Hash
	nonce    uint64

	// ConfirmAfter makes a landed transaction report processed for this many
	// status polls before it reports confirmed.
	ConfirmAfter int
	// SubmitHook runs before a transaction is executed. A non-nil error is
	// returned from Submit without touching state.
	SubmitHook func(tx *solana.Transaction) error
	// StatusHook runs before a status lookup. A non-nil error is returned
	// from SignatureStatus.
	StatusHook func(sig solana.Signature) error
}

// New returns an empty ledger for program. clock may be nil for wall time.
func New(program solana.PublicKey, clock func() time.Time) *Ledger {
	if clock == nil {
		clock = time.Now
	}
	l := &Ledger{
		program:  program,
		deriver:  address.New(program),
		clock:    clock,
		accounts: make(map[solana.PublicKey]*ledger.Account),
		sigs:     make(map[solana.Signature]*sigEntry),
	}
	l.rotateAnchorLocked()
	return l
}

// SetClock replaces the ledger's notion of time.
func (l *Ledger) SetClock(clock func() time.Time) {
	l.mu.Lock()
	l.clock = clock
	l.mu.Unlock()
}

// Now returns the ledger clock in unix seconds.
func (l *Ledger) Now() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clock().Unix()
}

// RotateAnchor produces a new recent blockhash. Only the last
// recentAnchorWindow hashes are accepted by Submit.
func (l *Ledger) RotateAnchor() solana.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateAnchorLocked()
}

func (l *Ledger) rotateAnchorLocked() solana.Hash {
	l.nonce++
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, l.nonce)
	h := solana.Hash(sha256.Sum256(append(l.program[:], buf...)))
	l.anchors = append(l.anchors, h)
	if len(l.anchors) > recentAnchorWindow {
		l.anchors = l.anchors[len(l.anchors)-recentAnchorWindow:]
	}
	return h
}

func (l *Ledger) anchorValidLocked(h solana.Hash) bool {
	for _, a := range l.anchors {
		if a == h {
			return true
		}
	}
	return false
}

// SetAccount stores a raw account, replacing any existing one.
func (l *Ledger) SetAccount(acct ledger.Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[acct.Address] = cloneAccount(&acct)
}

// DeleteAccount removes an account, as if it had been closed.
func (l *Ledger) DeleteAccount(addr solana.PublicKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.accounts, addr)
}

// PutService stores a service record owned by the program.
func (l *Ledger) PutService(addr solana.PublicKey, svc *accounts.Service) error {
	data, err := accounts.EncodeService(svc)
	if err != nil {
		return err
	}
	l.SetAccount(ledger.Account{Address: addr, Owner: l.program, Lamports: rentExempt, Data: data})
	return nil
}

// PutPlan stores a plan record owned by the program.
func (l *Ledger) PutPlan(addr solana.PublicKey, plan *accounts.Plan) error {
	data, err := accounts.EncodePlan(plan)
	if err != nil {
		return err
	}
	l.SetAccount(ledger.Account{Address: addr, Owner: l.program, Lamports: rentExempt, Data: data})
	return nil
}

// PutSubscription stores a subscription record owned by the program.
func (l *Ledger) PutSubscription(addr solana.PublicKey, sub *accounts.Subscription) error {
	data, err := accounts.EncodeSubscription(sub)
	if err != nil {
		return err
	}
	l.SetAccount(ledger.Account{Address: addr, Owner: l.program, Lamports: rentExempt, Data: data})
	return nil
}

// PutTokenAccount stores a token account owned by the token program.
func (l *Ledger) PutTokenAccount(addr solana.PublicKey, t TokenAccount) {
	l.SetAccount(ledger.Account{
		Address:  addr,
		Owner:    solana.TokenProgramID,
		Lamports: rentExempt,
		Data:     encodeTokenAccount(t),
	})
}

// TokenAccount returns the token account at addr.
func (l *Ledger) TokenAccount(addr solana.PublicKey) (TokenAccount, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[addr]
	if !ok || acct.Owner != solana.TokenProgramID {
		return TokenAccount{}, false
	}
	t, err := decodeTokenAccount(acct.Data)
	if err != nil {
		return TokenAccount{}, false
	}
	return t, true
}

// Subscription decodes the subscription record at addr.
func (l *Ledger) Subscription(addr solana.PublicKey) (*accounts.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[addr]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return accounts.DecodeSubscription(acct.Data)
}

// Settlements returns how many transactions landed successfully.
func (l *Ledger) Settlements() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.sigs {
		if e.conf.Err == nil {
			n++
		}
	}
	return n
}

// GetAccount implements ledger.Client.
func (l *Ledger) GetAccount(ctx context.Context, addr solana.PublicKey) (*ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, addr)
	}
	return cloneAccount(acct), nil
}

// GetMultipleAccounts implements ledger.Client.
func (l *Ledger) GetMultipleAccounts(ctx context.Context, addrs ...solana.PublicKey) ([]*ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*ledger.Account, len(addrs))
	for i, addr := range addrs {
		if acct, ok := l.accounts[addr]; ok {
			out[i] = cloneAccount(acct)
		}
	}
	return out, nil
}

// GetProgramAccounts implements ledger.Client. Results are ordered by address.
func (l *Ledger) GetProgramAccounts(ctx context.Context, program solana.PublicKey, filter ledger.Filter) ([]*ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*ledger.Account
	for _, acct := range l.accounts {
		if acct.Owner != program || !matches(acct.Data, filter) {
			continue
		}
		out = append(out, cloneAccount(acct))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})
	return out, nil
}

func matches(data []byte, f ledger.Filter) bool {
	if f.DataSize != 0 && uint64(len(data)) != f.DataSize {
		return false
	}
	for _, m := range f.Memcmp {
		end := m.Offset + uint64(len(m.Bytes))
		if end > uint64(len(data)) {
			return false
		}
		if string(data[m.Offset:end]) != string(m.Bytes) {
			return false
		}
	}
	return true
}

// GetRecentAnchor implements ledger.Client.
func (l *Ledger) GetRecentAnchor(ctx context.Context) (ledger.Anchor, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Anchor{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return ledger.Anchor{
		Blockhash:            l.anchors[len(l.anchors)-1],
		LastValidBlockHeight: l.slot + recentAnchorWindow,
	}, nil
}

// SignatureStatus implements ledger.Client. Unknown signatures report
// StatusUnknown.
func (l *Ledger) SignatureStatus(ctx context.Context, sig solana.Signature) (ledger.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Confirmation{}, err
	}
	if l.StatusHook != nil {
		if err := l.StatusHook(sig); err != nil {
			return ledger.Confirmation{}, err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.sigs[sig]
	if !ok {
		return ledger.Confirmation{Status: ledger.StatusUnknown}, nil
	}
	if e.pendingPoll > 0 {
		e.pendingPoll--
		return ledger.Confirmation{Status: ledger.StatusProcessed, Slot: e.conf.Slot}, nil
	}
	return e.conf, nil
}

func cloneAccount(a *ledger.Account) *ledger.Account {
	c := *a
	c.Data = append([]byte(nil), a.Data...)
	return &c
}
