package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solbill/collector/internal/accounts"
	"github.com/solbill/collector/internal/address"
	colerrors "github.com/solbill/collector/internal/errors"
	"github.com/solbill/collector/internal/journal"
	"github.com/solbill/collector/internal/ledger"
	"github.com/solbill/collector/internal/ledger/memory"
	"github.com/solbill/collector/internal/mock"
	"github.com/solbill/collector/internal/solbill"
)

const day = int64(86400)

var program = solbill.DefaultProgramID

type fakeJournal struct {
	mu       sync.Mutex
	attempts []journal.Attempt
	ticks    []journal.Tick
}

func (j *fakeJournal) RecordAttempt(a journal.Attempt) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts = append(j.attempts, a)
}

func (j *fakeJournal) RecordTick(t journal.Tick) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ticks = append(j.ticks, t)
	return nil
}

func (j *fakeJournal) tickCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.ticks)
}

type env struct {
	now     time.Time
	ledger  *memory.Ledger
	journal *fakeJournal
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{now: time.Unix(1_750_000_000, 0), journal: &fakeJournal{}}
	e.ledger = memory.New(program, e.clock)
	return e
}

func (e *env) clock() time.Time { return e.now }

func (e *env) collector(t *testing.T, client ledger.Client, mutate ...func(*Config)) *Collector {
	t.Helper()
	if client == nil {
		client = e.ledger
	}
	cfg := Config{
		Client:              client,
		Program:             program,
		Signer:              solana.NewWallet().PrivateKey,
		MaxConcurrency:      4,
		SubmitTimeout:       2 * time.Second,
		ConfirmPoll:         time.Millisecond,
		EnsureRewardAccount: true,
		Journal:             e.journal,
		Clock:               e.clock,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

// staleScan serves a program-account snapshot taken earlier, as a collector
// with a slow or lagging node would see it.
type staleScan struct {
	ledger.Client
	snapshot []*ledger.Account
}

func (s *staleScan) GetProgramAccounts(context.Context, solana.PublicKey, ledger.Filter) ([]*ledger.Account, error) {
	return s.snapshot, nil
}

type failingScan struct {
	ledger.Client
	mu   sync.Mutex
	fail bool
}

func (f *failingScan) set(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *failingScan) GetProgramAccounts(ctx context.Context, p solana.PublicKey, filter ledger.Filter) ([]*ledger.Account, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return nil, errors.New("node unavailable")
	}
	return f.Client.GetProgramAccounts(ctx, p, filter)
}

func TestNewValidatesConfig(t *testing.T) {
	e := newEnv(t)

	_, err := New(Config{Program: program, Signer: solana.NewWallet().PrivateKey})
	require.Error(t, err)

	_, err = New(Config{Client: e.ledger, Signer: solana.NewWallet().PrivateKey})
	require.Error(t, err)

	_, err = New(Config{Client: e.ledger, Program: program})
	require.Error(t, err)

	c, err := New(Config{Client: e.ledger, Program: program, Signer: solana.NewWallet().PrivateKey})
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, c.Interval())
	assert.Equal(t, DefaultMaxConcurrency, c.MaxConcurrency())
	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.Ready())
	assert.Nil(t, c.LastTick())
}

func TestTickSettlesGeneratedPopulation(t *testing.T) {
	e := newEnv(t)
	sc, err := mock.Generate(e.ledger, program, mock.DefaultConfig, e.now)
	require.NoError(t, err)

	c := e.collector(t, nil)
	summary := c.Tick(context.Background())

	require.NoError(t, summary.ScanErr)
	assert.Equal(t, sc.DueCount(), summary.Due)
	assert.Equal(t, 1, summary.DecodeFailures)
	assert.Equal(t, 8, summary.Settled())
	assert.Equal(t, 2, summary.Outcomes[OutcomeCompleted])
	assert.Equal(t, 1, summary.Outcomes[OutcomeUnderfunded])
	assert.Zero(t, summary.Failed())
	assert.Equal(t, 8, e.ledger.Settlements())
	assert.True(t, c.Ready())
	assert.Equal(t, StateIdle, c.State())

	for _, seeded := range sc.Subscriptions {
		sub, err := e.ledger.Subscription(seeded.Address)
		require.NoError(t, err)
		switch seeded.Label {
		case "recurring", "installment":
			assert.Greater(t, sub.NextBillingTimestamp, e.now.Unix(), seeded.Label)
			assert.Equal(t, e.now.Unix(), sub.LastPaymentTimestamp, seeded.Label)
		case "one_time":
			assert.Equal(t, accounts.StatusCompleted, sub.Status)
		case "underfunded":
			assert.LessOrEqual(t, sub.NextBillingTimestamp, e.now.Unix())
			assert.Zero(t, sub.CyclesBilled)
		}
	}

	reward, _, err := address.New(program).RewardAccount(c.Cranker(), sc.Mint)
	require.NoError(t, err)
	acct, ok := e.ledger.TokenAccount(reward)
	require.True(t, ok)
	assert.Positive(t, acct.Amount)

	// Only the underfunded subscription is still due at the same instant.
	again := c.Tick(context.Background())
	assert.Equal(t, 1, again.Due)
	assert.Equal(t, 1, again.Outcomes[OutcomeUnderfunded])
	assert.Equal(t, 8, e.ledger.Settlements())

	assert.Len(t, e.journal.ticks, 2)
	assert.Len(t, e.journal.attempts, 10)
	assert.Equal(t, 8, e.journal.ticks[0].Settled)
}

func TestTickWithNothingDue(t *testing.T) {
	e := newEnv(t)
	_, err := mock.Generate(e.ledger, program, mock.MockConfig{FutureSubscribers: 3, CancelledSubscribers: 1}, e.now)
	require.NoError(t, err)

	summary := e.collector(t, nil).Tick(context.Background())
	require.NoError(t, summary.ScanErr)
	assert.Zero(t, summary.Due)
	assert.Empty(t, summary.Attempts)
	assert.Zero(t, e.ledger.Settlements())
}

func TestCompetingCollectorObservesStaleState(t *testing.T) {
	e := newEnv(t)
	_, err := mock.Generate(e.ledger, program, mock.MockConfig{RecurringSubscribers: 4, OneTimeSubscribers: 2, Seed: 3}, e.now)
	require.NoError(t, err)

	snapshot, err := e.ledger.GetProgramAccounts(context.Background(), program, ledger.Filter{})
	require.NoError(t, err)

	first := e.collector(t, nil).Tick(context.Background())
	assert.Equal(t, 6, first.Settled())

	late := e.collector(t, &staleScan{Client: e.ledger, snapshot: snapshot}).Tick(context.Background())
	assert.Equal(t, 6, late.Due)
	assert.Zero(t, late.Settled())
	assert.Equal(t, 6, late.Outcomes[OutcomeStale])
	assert.Equal(t, 6, e.ledger.Settlements())
}

func TestConcurrentCollectorsSettleEachCycleOnce(t *testing.T) {
	e := newEnv(t)
	sc, err := mock.Generate(e.ledger, program, mock.MockConfig{RecurringSubscribers: 10, InstallmentSubscribers: 4, Seed: 9}, e.now)
	require.NoError(t, err)

	collectors := []*Collector{e.collector(t, nil), e.collector(t, nil), e.collector(t, nil)}
	summaries := make([]TickSummary, len(collectors))
	var wg sync.WaitGroup
	for i, c := range collectors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			summaries[i] = c.Tick(context.Background())
		}()
	}
	wg.Wait()

	settled := 0
	for _, s := range summaries {
		settled += s.Settled()
		assert.Zero(t, s.Outcomes[OutcomeFailed])
	}
	assert.Equal(t, sc.DueCount(), settled)
	assert.Equal(t, sc.DueCount(), e.ledger.Settlements())

	for _, seeded := range sc.Subscriptions {
		sub, err := e.ledger.Subscription(seeded.Address)
		require.NoError(t, err)
		assert.Equal(t, e.now.Unix(), sub.LastPaymentTimestamp)
	}
}

func TestPanicInOneAttemptDoesNotAffectOthers(t *testing.T) {
	e := newEnv(t)
	sc, err := mock.Generate(e.ledger, program, mock.MockConfig{RecurringSubscribers: 5, Seed: 4}, e.now)
	require.NoError(t, err)

	victim := sc.Subscriptions[2].Address
	e.ledger.SubmitHook = func(tx *solana.Transaction) error {
		for _, key := range tx.Message.AccountKeys {
			if key.Equals(victim) {
				panic("exploded")
			}
		}
		return nil
	}

	summary := e.collector(t, nil).Tick(context.Background())
	assert.Equal(t, 4, summary.Settled())
	assert.Equal(t, 1, summary.Outcomes[OutcomeFailed])
	for _, a := range summary.Attempts {
		if a.Subscription.Equals(victim) {
			assert.ErrorContains(t, a.Err, "panic")
		}
	}
}

func TestMissingParentRecordIsIsolated(t *testing.T) {
	e := newEnv(t)
	b := mock.NewBuilder(e.ledger, program, solana.NewWallet().PublicKey())
	m, err := b.Merchant(solana.NewWallet().PublicKey(), e.now.Unix()-30*day)
	require.NoError(t, err)
	keep, err := b.Plan(m, mock.PlanSpec{Name: "keep", Amount: 1000, CrankReward: 10, Interval: day})
	require.NoError(t, err)
	gone, err := b.Plan(m, mock.PlanSpec{Name: "gone", Amount: 1000, CrankReward: 10, Interval: day})
	require.NoError(t, err)

	for _, p := range []*mock.Plan{keep, gone} {
		_, err := b.Subscribe(m, p, mock.SubscribeSpec{
			Subscriber:  solana.NewWallet().PublicKey(),
			Balance:     10_000,
			NextBilling: e.now.Unix(),
		})
		require.NoError(t, err)
	}
	e.ledger.DeleteAccount(gone.Address)

	summary := e.collector(t, nil).Tick(context.Background())
	assert.Equal(t, 2, summary.Due)
	assert.Equal(t, 1, summary.Settled())
	assert.Equal(t, 1, summary.Outcomes[OutcomeNotFound])
}

func TestInstallmentPlanStopsAfterFinalCycle(t *testing.T) {
	e := newEnv(t)
	b := mock.NewBuilder(e.ledger, program, solana.NewWallet().PublicKey())
	m, err := b.Merchant(solana.NewWallet().PublicKey(), e.now.Unix())
	require.NoError(t, err)
	p, err := b.Plan(m, mock.PlanSpec{
		Name: "three", Amount: 100, CrankReward: 1, Interval: 30 * day, MaxBillingCycles: 3,
	})
	require.NoError(t, err)
	sub, err := b.Subscribe(m, p, mock.SubscribeSpec{
		Subscriber:  solana.NewWallet().PublicKey(),
		Balance:     1_000,
		NextBilling: e.now.Unix(),
	})
	require.NoError(t, err)

	c := e.collector(t, nil)
	var outcomes []Outcome
	for i := 0; i < 5; i++ {
		s := c.Tick(context.Background())
		for _, a := range s.Attempts {
			outcomes = append(outcomes, a.Outcome)
		}
		e.now = e.now.Add(30 * 24 * time.Hour)
	}
	assert.Equal(t, []Outcome{OutcomeSettled, OutcomeSettled, OutcomeCompleted}, outcomes)

	rec, err := e.ledger.Subscription(sub.Address)
	require.NoError(t, err)
	assert.Equal(t, accounts.StatusCompleted, rec.Status)
	assert.Equal(t, uint32(3), rec.CyclesBilled)

	token, ok := e.ledger.TokenAccount(sub.TokenAccount)
	require.True(t, ok)
	assert.Equal(t, uint64(700), token.Amount)
}

func TestThirtyDayCycleAdvancesByInterval(t *testing.T) {
	e := newEnv(t)
	b := mock.NewBuilder(e.ledger, program, solana.NewWallet().PublicKey())
	m, err := b.Merchant(solana.NewWallet().PublicKey(), e.now.Unix())
	require.NoError(t, err)
	p, err := b.Plan(m, mock.PlanSpec{Name: "monthly", Amount: 10_000_000, CrankReward: 100_000, Interval: 30 * day})
	require.NoError(t, err)

	t0 := e.now.Unix()
	sub, err := b.Subscribe(m, p, mock.SubscribeSpec{
		Subscriber:  solana.NewWallet().PublicKey(),
		Balance:     50_000_000,
		NextBilling: t0 + 30*day,
	})
	require.NoError(t, err)

	c := e.collector(t, nil)
	assert.Zero(t, c.Tick(context.Background()).Due)

	// A few hours late still advances from the scheduled time.
	e.now = time.Unix(t0+30*day+3600, 0)
	assert.Equal(t, 1, c.Tick(context.Background()).Settled())

	rec, err := e.ledger.Subscription(sub.Address)
	require.NoError(t, err)
	assert.Equal(t, t0+60*day, rec.NextBillingTimestamp)

	treasury, ok := e.ledger.TokenAccount(m.Treasury)
	require.True(t, ok)
	assert.Equal(t, uint64(9_900_000), treasury.Amount)
}

func TestUnconfirmedSubmissionIsUnknown(t *testing.T) {
	e := newEnv(t)
	_, err := mock.Generate(e.ledger, program, mock.MockConfig{RecurringSubscribers: 1, Seed: 5}, e.now)
	require.NoError(t, err)
	e.ledger.ConfirmAfter = 1 << 30

	c := e.collector(t, nil, func(cfg *Config) { cfg.SubmitTimeout = 50 * time.Millisecond })
	summary := c.Tick(context.Background())
	require.Len(t, summary.Attempts, 1)
	assert.Equal(t, OutcomeUnknown, summary.Attempts[0].Outcome)
	assert.NotEqual(t, solana.Signature{}, summary.Attempts[0].Signature)

	// The next scan tells the truth: it landed and is no longer due.
	e.ledger.ConfirmAfter = 0
	assert.Zero(t, c.Tick(context.Background()).Due)
}

func TestRejectedSubmissionKinds(t *testing.T) {
	e := newEnv(t)
	_, err := mock.Generate(e.ledger, program, mock.MockConfig{RecurringSubscribers: 2, Seed: 6}, e.now)
	require.NoError(t, err)

	e.ledger.SubmitHook = func(*solana.Transaction) error {
		return &ledger.RejectionError{Instruction: -1, Reason: ledger.ReasonBlockhashNotFound}
	}
	c := e.collector(t, nil)
	summary := c.Tick(context.Background())
	assert.Equal(t, 2, summary.Outcomes[OutcomeFailed])

	e.ledger.SubmitHook = nil
	assert.Equal(t, 2, c.Tick(context.Background()).Settled())
}

func TestScanFailureIsRetriedNextTick(t *testing.T) {
	e := newEnv(t)
	_, err := mock.Generate(e.ledger, program, mock.MockConfig{RecurringSubscribers: 2, Seed: 7}, e.now)
	require.NoError(t, err)

	client := &failingScan{Client: e.ledger, fail: true}
	c := e.collector(t, client)

	summary := c.Tick(context.Background())
	require.Error(t, summary.ScanErr)
	assert.False(t, c.Ready())
	assert.ErrorContains(t, summary.ScanErr, "node unavailable")
	require.Len(t, e.journal.ticks, 1)
	assert.NotEmpty(t, e.journal.ticks[0].ScanError)

	client.set(false)
	assert.Equal(t, 2, c.Tick(context.Background()).Settled())
	assert.True(t, c.Ready())
}

func TestCancelledTickDispatchesNothing(t *testing.T) {
	e := newEnv(t)
	_, err := mock.Generate(e.ledger, program, mock.MockConfig{RecurringSubscribers: 3, Seed: 8}, e.now)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	snapshot, err := e.ledger.GetProgramAccounts(ctx, program, ledger.Filter{})
	require.NoError(t, err)
	cancel()

	// The snapshot scan ignores ctx, so cancellation is seen at dispatch.
	summary := e.collector(t, &staleScan{Client: e.ledger, snapshot: snapshot}).Tick(ctx)
	assert.Equal(t, 3, summary.Due)
	assert.Equal(t, 3, summary.NotDispatched)
	assert.Zero(t, e.ledger.Settlements())
}

func TestRunTicksUntilCancelled(t *testing.T) {
	e := newEnv(t)
	c := e.collector(t, nil, func(cfg *Config) { cfg.Interval = 5 * time.Millisecond })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool { return e.journal.tickCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	c.SetInterval(time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.NotNil(t, c.LastTick())
	assert.Equal(t, StateIdle, c.State())
}

func TestRuntimeSetters(t *testing.T) {
	c := newEnv(t).collector(t, nil)

	c.SetInterval(time.Minute)
	assert.Equal(t, time.Minute, c.Interval())
	c.SetInterval(0)
	assert.Equal(t, time.Minute, c.Interval())

	c.SetMaxConcurrency(2)
	assert.Equal(t, 2, c.MaxConcurrency())
	c.SetMaxConcurrency(-1)
	assert.Equal(t, 2, c.MaxConcurrency())
}

func TestRejectionKind(t *testing.T) {
	rewardMissing := []string{solbill.CausedByLog(solbill.AccountRewardAccount, solbill.CodeAccountNotInitialized)}
	subscriptionClosed := []string{solbill.CausedByLog(solbill.AccountSubscription, solbill.CodeAccountNotInitialized)}
	cases := []struct {
		name    string
		rej     ledger.RejectionError
		collect int
		want    Outcome
	}{
		{"not due", ledger.RejectionError{HasCode: true, Code: uint32(solbill.CodeBillingNotDue)}, 0, OutcomeStale},
		{"completed", ledger.RejectionError{HasCode: true, Code: uint32(solbill.CodeSubscriptionCompleted)}, 0, OutcomeStale},
		{"insufficient funds", ledger.RejectionError{HasCode: true, Code: uint32(solbill.CodeTokenInsufficientFunds)}, 0, OutcomeUnderfunded},
		{"overflow", ledger.RejectionError{HasCode: true, Code: uint32(solbill.CodeOverflow)}, 0, OutcomeFailed},
		{"subscription closed", ledger.RejectionError{HasCode: true, Code: uint32(solbill.CodeAccountNotInitialized), Logs: subscriptionClosed}, 0, OutcomeStale},
		{"reward account missing", ledger.RejectionError{HasCode: true, Code: uint32(solbill.CodeAccountNotInitialized), Logs: rewardMissing}, 0, OutcomeFailed},
		{"create instruction out of lamports", ledger.RejectionError{Instruction: 0, HasCode: true, Code: 1}, 1, OutcomeFailed},
		{"collect after create", ledger.RejectionError{Instruction: 1, HasCode: true, Code: uint32(solbill.CodeTokenInsufficientFunds)}, 1, OutcomeUnderfunded},
		{"already processed", ledger.RejectionError{Instruction: -1, Reason: ledger.ReasonAlreadyProcessed}, 0, OutcomeStale},
		{"blockhash expired", ledger.RejectionError{Instruction: -1, Reason: ledger.ReasonBlockhashNotFound}, 0, OutcomeFailed},
		{"account not found", ledger.RejectionError{Instruction: -1, Reason: ledger.ReasonAccountNotFound}, 0, OutcomeNotFound},
		{"other", ledger.RejectionError{Instruction: -1, Reason: "something else"}, 0, OutcomeFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rej := tc.rej
			assert.Equal(t, tc.want, outcomeFor(rejectionKind(&rej, tc.collect)), rej.Error())
		})
	}
	assert.Equal(t, colerrors.KindTransient, rejectionKind(&ledger.RejectionError{Instruction: -1, Reason: ledger.ReasonBlockhashNotFound}, 0))
}

func TestMissingRewardAccountIsNotStale(t *testing.T) {
	e := newEnv(t)
	b := mock.NewBuilder(e.ledger, program, solana.NewWallet().PublicKey())
	m, err := b.Merchant(solana.NewWallet().PublicKey(), e.now.Unix())
	require.NoError(t, err)
	p, err := b.Plan(m, mock.PlanSpec{Name: "monthly", Amount: 100, CrankReward: 1, Interval: 30 * day})
	require.NoError(t, err)
	_, err = b.Subscribe(m, p, mock.SubscribeSpec{
		Subscriber:  solana.NewWallet().PublicKey(),
		Balance:     1_000,
		NextBilling: e.now.Unix(),
	})
	require.NoError(t, err)

	c := e.collector(t, nil, func(cfg *Config) { cfg.EnsureRewardAccount = false })
	for i := 0; i < 2; i++ {
		s := c.Tick(context.Background())
		require.Len(t, s.Attempts, 1)
		a := s.Attempts[0]
		assert.Equal(t, OutcomeFailed, a.Outcome)
		assert.Equal(t, colerrors.KindRejected, colerrors.KindOf(a.Err))
		assert.Zero(t, s.Outcomes[OutcomeStale])
	}
}

func TestClosedRewardAccountIsRecreated(t *testing.T) {
	e := newEnv(t)
	b := mock.NewBuilder(e.ledger, program, solana.NewWallet().PublicKey())
	m, err := b.Merchant(solana.NewWallet().PublicKey(), e.now.Unix())
	require.NoError(t, err)
	p, err := b.Plan(m, mock.PlanSpec{Name: "monthly", Amount: 100, CrankReward: 1, Interval: 30 * day})
	require.NoError(t, err)
	_, err = b.Subscribe(m, p, mock.SubscribeSpec{
		Subscriber:  solana.NewWallet().PublicKey(),
		Balance:     1_000,
		NextBilling: e.now.Unix(),
	})
	require.NoError(t, err)

	c := e.collector(t, nil)
	require.Equal(t, 1, c.Tick(context.Background()).Settled())

	reward, _, err := address.New(program).RewardAccount(c.Cranker(), b.Mint)
	require.NoError(t, err)
	e.ledger.DeleteAccount(reward)
	e.now = e.now.Add(30 * 24 * time.Hour)

	s := c.Tick(context.Background())
	require.Len(t, s.Attempts, 1)
	assert.Equal(t, OutcomeFailed, s.Attempts[0].Outcome)

	// Readiness was dropped, so the next attempt recreates the account.
	s = c.Tick(context.Background())
	assert.Equal(t, 1, s.Settled())
	_, ok := e.ledger.TokenAccount(reward)
	assert.True(t, ok)
}

func TestRecentAttemptsNewestFirst(t *testing.T) {
	e := newEnv(t)
	_, err := mock.Generate(e.ledger, program, mock.MockConfig{RecurringSubscribers: 3, UnderfundedSubscribers: 1, Seed: 11}, e.now)
	require.NoError(t, err)

	c := e.collector(t, nil)
	c.Tick(context.Background())
	assert.Len(t, c.RecentAttempts(0), 4)

	c.Tick(context.Background())
	recent := c.RecentAttempts(1)
	require.Len(t, recent, 1)
	assert.Equal(t, OutcomeUnderfunded, recent[0].Outcome)
}
