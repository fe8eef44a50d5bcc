package collector

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/solbill/collector/internal/accounts"
	colerrors "github.com/solbill/collector/internal/errors"
	"github.com/solbill/collector/internal/journal"
	"github.com/solbill/collector/internal/ledger"
	"github.com/solbill/collector/internal/metrics"
	"github.com/solbill/collector/internal/scanner"
	"github.com/solbill/collector/internal/solbill"
)

// Outcome is the result of one settlement attempt.
type Outcome string

const (
	OutcomeSettled     Outcome = "settled"
	OutcomeCompleted   Outcome = "completed"   // settled the final cycle of a bounded plan
	OutcomeStale       Outcome = "stale"       // another collector got there first
	OutcomeNotFound    Outcome = "not_found"   // account closed since the scan
	OutcomeUnderfunded Outcome = "underfunded" // balance or allowance too low
	OutcomeSkipped     Outcome = "skipped"     // parent record malformed
	OutcomeUnknown     Outcome = "unknown"     // submitted but never confirmed
	OutcomeFailed      Outcome = "failed"
)

// Landed reports whether the attempt moved funds.
func (o Outcome) Landed() bool {
	return o == OutcomeSettled || o == OutcomeCompleted
}

func outcomeFor(kind colerrors.Kind) Outcome {
	switch kind {
	case colerrors.KindStale:
		return OutcomeStale
	case colerrors.KindNotFound:
		return OutcomeNotFound
	case colerrors.KindFunding:
		return OutcomeUnderfunded
	case colerrors.KindDecode:
		return OutcomeSkipped
	case colerrors.KindTimeout:
		return OutcomeUnknown
	default:
		return OutcomeFailed
	}
}

// Attempt is the record of one settlement attempt.
type Attempt struct {
	Subscription solana.PublicKey
	Outcome      Outcome
	Signature    solana.Signature
	Cycle        uint32
	Err          error
	Took         time.Duration
}

// TickSummary aggregates one scan and its dispatch.
type TickSummary struct {
	ID             string
	StartedAt      time.Time
	Duration       time.Duration
	Scanned        int
	Due            int
	DecodeFailures int
	// NotDispatched counts due items left alone because shutdown began.
	NotDispatched int
	Outcomes      map[Outcome]int
	Attempts      []Attempt
	ScanErr       error
}

// Settled returns the number of attempts that moved funds.
func (s TickSummary) Settled() int {
	return s.Outcomes[OutcomeSettled] + s.Outcomes[OutcomeCompleted]
}

// Skipped returns the number of attempts that ended without effect and
// without anything being wrong with the collector.
func (s TickSummary) Skipped() int {
	return s.Outcomes[OutcomeStale] + s.Outcomes[OutcomeNotFound] +
		s.Outcomes[OutcomeUnderfunded] + s.Outcomes[OutcomeSkipped]
}

// Failed returns the number of attempts that failed or whose result is unknown.
func (s TickSummary) Failed() int {
	return s.Outcomes[OutcomeFailed] + s.Outcomes[OutcomeUnknown]
}

// Tick performs one scan and settles every due subscription it found. A scan
// failure is logged and reported in the summary; it never escapes as an error.
func (c *Collector) Tick(ctx context.Context) TickSummary {
	started := c.clock()
	summary := TickSummary{
		ID:        journal.NewID(),
		StartedAt: started,
		Outcomes:  make(map[Outcome]int),
	}
	defer func() {
		c.setState(StateIdle)
		c.finishTick(&summary)
	}()

	c.setState(StateScanning)
	now := started.Unix()
	res, err := c.scanner.FindDue(ctx, now)
	summary.Scanned = res.Scanned
	summary.DecodeFailures = res.DecodeFailures
	if err != nil {
		summary.ScanErr = err
		c.logger.Error().Err(err).Str("tick", summary.ID).Msg("Scan failed, retrying next tick")
		return summary
	}
	c.ready.Store(true)
	summary.Due = len(res.Due)
	if len(res.Due) == 0 {
		return summary
	}

	c.setState(StateDispatching)
	attempts := make([]*Attempt, len(res.Due))

	var g errgroup.Group
	g.SetLimit(c.MaxConcurrency())
	timeout := time.Duration(c.submitTimeout.Load())
	for i, entry := range res.Due {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			metrics.SettlementsInFlight.Inc()
			defer metrics.SettlementsInFlight.Dec()
			attempts[i] = c.settle(ctx, summary.ID, entry, now, timeout)
			return nil
		})
	}
	_ = g.Wait()

	for _, a := range attempts {
		if a == nil {
			summary.NotDispatched++
			continue
		}
		summary.Outcomes[a.Outcome]++
		summary.Attempts = append(summary.Attempts, *a)
	}
	return summary
}

func (c *Collector) finishTick(s *TickSummary) {
	s.Duration = c.clock().Sub(s.StartedAt)
	if s.Duration < 0 {
		s.Duration = 0
	}
	metrics.RecordTick(s.Scanned, s.Due, s.DecodeFailures, s.Duration, s.ScanErr)

	if s.ScanErr == nil {
		evt := c.logger.Info()
		if s.Due == 0 {
			evt = c.logger.Debug()
		}
		evt.Str("tick", s.ID).
			Int("scanned", s.Scanned).
			Int("found", s.Due).
			Int("settled", s.Settled()).
			Int("skipped", s.Skipped()).
			Int("failed", s.Failed()).
			Int("decodeFailures", s.DecodeFailures).
			Int("notDispatched", s.NotDispatched).
			Dur("took", s.Duration).
			Msg("Collector tick complete")
	}

	if c.journal != nil {
		rec := journal.Tick{
			ID:             s.ID,
			StartedAt:      s.StartedAt,
			Duration:       s.Duration,
			Scanned:        s.Scanned,
			Due:            s.Due,
			DecodeFailures: s.DecodeFailures,
			Settled:        s.Settled(),
			Skipped:        s.Skipped(),
			Failed:         s.Failed(),
		}
		if s.ScanErr != nil {
			rec.ScanError = s.ScanErr.Error()
		}
		if err := c.journal.RecordTick(rec); err != nil {
			c.logger.Warn().Err(err).Str("tick", s.ID).Msg("Failed to journal tick")
		}
	}

	c.lastMu.Lock()
	c.lastTick = s
	c.lastMu.Unlock()
}

// settle runs one attempt. Its context is detached from the tick's so that
// shutdown does not abandon a submitted transaction before it resolves; the
// submit timeout bounds it instead.
func (c *Collector) settle(parent context.Context, tickID string, entry scanner.Entry, now int64, timeout time.Duration) (attempt *Attempt) {
	started := time.Now()
	attempt = &Attempt{Subscription: entry.Address}
	var op *operationInfo

	defer func() {
		if r := recover(); r != nil {
			attempt.Outcome = OutcomeFailed
			attempt.Err = colerrors.New(colerrors.KindInternal, "settle", fmt.Errorf("panic: %v", r)).
				WithSubscription(entry.Address.String())
			c.logger.Error().
				Str("subscription", entry.Address.String()).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Recovered from panic in settlement")
		}
		attempt.Took = time.Since(started)
		c.recordAttempt(tickID, entry, op, attempt)
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()

	built, err := c.builder.Build(ctx, entry, now)
	if err != nil {
		attempt.Err = err
		attempt.Outcome = outcomeFor(colerrors.KindOf(err))
		return attempt
	}
	op = &operationInfo{
		amount:       entry.Subscription.Amount,
		reward:       entry.Subscription.CrankReward,
		mint:         built.Service.AcceptedMint,
		creates:      built.CreatesRewardAccount,
		collectIndex: built.CollectIndex,
		planKind:     built.Plan.Kind(),
	}
	attempt.Cycle = built.Expected.CyclesBilled

	anchor, err := c.client.GetRecentAnchor(ctx)
	if err != nil {
		attempt.Err = c.classify("anchor", entry, op, err)
		attempt.Outcome = outcomeFor(colerrors.KindOf(attempt.Err))
		return attempt
	}
	tx, err := built.Transaction(anchor, c.signer)
	if err != nil {
		attempt.Err = colerrors.New(colerrors.KindInternal, "sign", err).WithSubscription(entry.Address.String())
		attempt.Outcome = OutcomeFailed
		return attempt
	}

	sig, err := c.client.Submit(ctx, tx)
	if err != nil {
		attempt.Err = c.classify("submit", entry, op, err)
		attempt.Outcome = outcomeFor(colerrors.KindOf(attempt.Err))
		return attempt
	}
	attempt.Signature = sig

	if _, err := ledger.AwaitConfirmation(ctx, c.client, sig, c.confirmPoll); err != nil {
		attempt.Err = c.classify("confirm", entry, op, err)
		attempt.Outcome = outcomeFor(colerrors.KindOf(attempt.Err))
		return attempt
	}

	attempt.Outcome = OutcomeSettled
	if built.Expected.Status == accounts.StatusCompleted {
		attempt.Outcome = OutcomeCompleted
	}
	return attempt
}

type operationInfo struct {
	amount       uint64
	reward       uint64
	mint         solana.PublicKey
	creates      bool
	collectIndex int
	planKind     accounts.PlanKind
}

// classify maps a ledger error to a collector error kind.
func (c *Collector) classify(op string, entry scanner.Entry, info *operationInfo, err error) error {
	kind := colerrors.KindTransient
	if rej, ok := ledger.AsRejection(err); ok {
		collectIndex := 0
		if info != nil {
			collectIndex = info.collectIndex
		}
		kind = rejectionKind(rej, collectIndex)
		if info != nil && rewardAccountMissing(rej, collectIndex) {
			c.builder.ForgetRewardAccount(info.mint)
		}
	} else {
		switch {
		case errors.Is(err, ledger.ErrConfirmationTimeout):
			kind = colerrors.KindTimeout
		case errors.Is(err, ledger.ErrAccountNotFound):
			kind = colerrors.KindNotFound
		}
	}
	return colerrors.New(kind, op, err).WithSubscription(entry.Address.String())
}

// rejectionKind classifies a rejection. Program and token codes only carry
// their billing meaning when collect_payment itself failed; any other
// instruction failing is the collector's own problem.
func rejectionKind(rej *ledger.RejectionError, collectIndex int) colerrors.Kind {
	if rej.HasCode {
		if rej.Instruction != collectIndex || rewardAccountMissing(rej, collectIndex) {
			return colerrors.KindRejected
		}
		code := solbill.Code(rej.Code)
		switch {
		case code.IsStale():
			return colerrors.KindStale
		case code.IsFunding():
			return colerrors.KindFunding
		}
		return colerrors.KindRejected
	}
	if errors.Is(rej, ledger.ErrAnchorExpired) {
		return colerrors.KindTransient
	}
	switch rej.Reason {
	case ledger.ReasonAlreadyProcessed:
		return colerrors.KindStale
	case ledger.ReasonAccountNotFound:
		return colerrors.KindNotFound
	}
	return colerrors.KindRejected
}

func rewardAccountMissing(rej *ledger.RejectionError, collectIndex int) bool {
	return rej.HasCode &&
		rej.Instruction == collectIndex &&
		solbill.Code(rej.Code) == solbill.CodeAccountNotInitialized &&
		solbill.CausedByAccount(rej.Logs) == solbill.AccountRewardAccount
}

func (c *Collector) recordAttempt(tickID string, entry scanner.Entry, op *operationInfo, a *Attempt) {
	metrics.RecordSettlement(string(a.Outcome), a.Took)
	c.recent.Push(*a)

	if a.Outcome.Landed() && op != nil {
		metrics.RecordReward(op.mint.String(), op.reward)
		if op.creates {
			c.builder.MarkRewardReady(op.mint)
		}
	}

	evt := c.attemptEvent(a)
	evt = evt.Str("tick", tickID).
		Str("subscription", entry.Address.String()).
		Str("subscriber", entry.Subscription.Subscriber.String()).
		Str("outcome", string(a.Outcome)).
		Dur("took", a.Took)
	if a.Signature != (solana.Signature{}) {
		evt = evt.Str("signature", a.Signature.String())
	}
	if a.Cycle > 0 {
		evt = evt.Uint32("cycle", a.Cycle)
	}
	if op != nil {
		evt = evt.Str("planKind", string(op.planKind))
	}
	if a.Err != nil {
		evt = evt.Err(a.Err)
	}
	evt.Msg("Settlement attempt")

	if c.journal == nil {
		return
	}
	rec := journal.Attempt{
		ID:           journal.NewID(),
		TickID:       tickID,
		Subscription: entry.Address.String(),
		Subscriber:   entry.Subscription.Subscriber.String(),
		Plan:         entry.Subscription.Plan.String(),
		Outcome:      string(a.Outcome),
		Amount:       entry.Subscription.Amount,
		Reward:       entry.Subscription.CrankReward,
		Cycle:        a.Cycle,
		StartedAt:    time.Now().Add(-a.Took),
		Duration:     a.Took,
	}
	if a.Signature != (solana.Signature{}) {
		rec.Signature = a.Signature.String()
	}
	if a.Err != nil {
		rec.Error = a.Err.Error()
	}
	c.journal.RecordAttempt(rec)
}

func (c *Collector) attemptEvent(a *Attempt) *zerolog.Event {
	switch a.Outcome {
	case OutcomeSettled, OutcomeCompleted, OutcomeStale, OutcomeNotFound:
		return c.logger.Info()
	case OutcomeFailed:
		return c.logger.Error()
	default:
		return c.logger.Warn()
	}
}
