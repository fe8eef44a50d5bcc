// Package settlement turns a due subscription into the signed ledger
// operation that collects its payment.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/solbill/collector/internal/accounts"
	"github.com/solbill/collector/internal/address"
	colerrors "github.com/solbill/collector/internal/errors"
	"github.com/solbill/collector/internal/ledger"
	"github.com/solbill/collector/internal/scanner"
	"github.com/solbill/collector/internal/solbill"
)

// Operation is one settlement attempt, ready to be signed.
type Operation struct {
	Subscription solana.PublicKey
	Current      *accounts.Subscription
	// Expected is the subscription state once the operation lands.
	Expected      accounts.Subscription
	Service       *accounts.Service
	Plan          *accounts.Plan
	RewardAccount solana.PublicKey
	// CreatesRewardAccount is set when the operation also creates the
	// collector's reward account for the service's mint.
	CreatesRewardAccount bool
	Instructions         []solana.Instruction
	// CollectIndex is the position of collect_payment in Instructions.
	CollectIndex int
}

// Transaction assembles and signs the operation against anchor.
func (op *Operation) Transaction(anchor ledger.Anchor, signer solana.PrivateKey) (*solana.Transaction, error) {
	payer := signer.PublicKey()
	tx, err := solana.NewTransaction(op.Instructions, anchor.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, fmt.Errorf("assemble settlement for %s: %w", op.Subscription, err)
	}
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &signer
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign settlement for %s: %w", op.Subscription, err)
	}
	return tx, nil
}

// Config configures a Builder.
type Config struct {
	Client  ledger.Client
	Deriver *address.Deriver
	// Cranker is the collector's public identity; it signs, pays fees and
	// receives the crank reward.
	Cranker solana.PublicKey
	// EnsureRewardAccount prepends an idempotent creation of the cranker's
	// reward account while it has not been seen on the ledger.
	EnsureRewardAccount bool
	Logger              *zerolog.Logger
}

// Builder resolves parent records and composes collect_payment operations.
// It is safe for concurrent use.
type Builder struct {
	client  ledger.Client
	deriver *address.Deriver
	cranker solana.PublicKey
	ensure  bool
	logger  zerolog.Logger

	// mints whose reward account is known to exist
	rewardReady sync.Map
}

// NewBuilder returns a Builder.
func NewBuilder(cfg Config) *Builder {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "settlement").Logger()
	}
	return &Builder{
		client:  cfg.Client,
		deriver: cfg.Deriver,
		cranker: cfg.Cranker,
		ensure:  cfg.EnsureRewardAccount,
		logger:  logger,
	}
}

// Build resolves the subscription's plan and service in one batched read and
// returns the operation that settles the current cycle at now.
func (b *Builder) Build(ctx context.Context, due scanner.Entry, now int64) (*Operation, error) {
	sub := due.Subscription
	addr := due.Address.String()

	expected, err := sub.Settle(now)
	if err != nil {
		return nil, colerrors.New(colerrors.KindStale, "build", err).WithSubscription(addr)
	}

	accts, err := b.client.GetMultipleAccounts(ctx, sub.Service, sub.Plan)
	if err != nil {
		return nil, colerrors.New(colerrors.KindTransient, "build", err).WithSubscription(addr)
	}
	if len(accts) != 2 || accts[0] == nil {
		return nil, colerrors.New(colerrors.KindNotFound, "build",
			fmt.Errorf("%w: service %s", ledger.ErrAccountNotFound, sub.Service)).WithSubscription(addr)
	}
	if accts[1] == nil {
		return nil, colerrors.New(colerrors.KindNotFound, "build",
			fmt.Errorf("%w: plan %s", ledger.ErrAccountNotFound, sub.Plan)).WithSubscription(addr)
	}

	svc, err := accounts.DecodeService(accts[0].Data)
	if err != nil {
		return nil, colerrors.New(colerrors.KindDecode, "build", err).WithSubscription(addr)
	}
	plan, err := accounts.DecodePlan(accts[1].Data)
	if err != nil {
		return nil, colerrors.New(colerrors.KindDecode, "build", err).WithSubscription(addr)
	}
	if plan.Service != sub.Service {
		return nil, colerrors.New(colerrors.KindDecode, "build",
			fmt.Errorf("%w: plan %s belongs to service %s", colerrors.ErrMalformed, sub.Plan, plan.Service)).WithSubscription(addr)
	}

	reward, _, err := b.deriver.RewardAccount(b.cranker, svc.AcceptedMint)
	if err != nil {
		return nil, colerrors.New(colerrors.KindInternal, "build", err).WithSubscription(addr)
	}

	op := &Operation{
		Subscription:  due.Address,
		Current:       sub,
		Expected:      expected,
		Service:       svc,
		Plan:          plan,
		RewardAccount: reward,
	}

	if b.ensure {
		create, err := b.needsRewardAccount(ctx, svc.AcceptedMint, reward)
		if err != nil {
			return nil, colerrors.New(colerrors.KindTransient, "build", err).WithSubscription(addr)
		}
		if create {
			op.CreatesRewardAccount = true
			op.Instructions = append(op.Instructions,
				solbill.NewCreateRewardAccountInstruction(b.cranker, reward, b.cranker, svc.AcceptedMint))
		}
	}

	op.CollectIndex = len(op.Instructions)
	op.Instructions = append(op.Instructions, solbill.NewCollectPaymentInstruction(b.deriver.Program(), solbill.CollectPaymentAccounts{
		Cranker:                b.cranker,
		Service:                sub.Service,
		Plan:                   sub.Plan,
		Subscription:           due.Address,
		SubscriberTokenAccount: sub.SubscriberTokenAccount,
		Treasury:               svc.Treasury,
		RewardAccount:          reward,
		AcceptedMint:           svc.AcceptedMint,
	}))
	return op, nil
}

func (b *Builder) needsRewardAccount(ctx context.Context, mint, reward solana.PublicKey) (bool, error) {
	if _, ok := b.rewardReady.Load(mint); ok {
		return false, nil
	}
	_, err := b.client.GetAccount(ctx, reward)
	switch {
	case err == nil:
		b.rewardReady.Store(mint, struct{}{})
		return false, nil
	case errors.Is(err, ledger.ErrAccountNotFound):
		b.logger.Info().
			Str("mint", mint.String()).
			Str("rewardAccount", reward.String()).
			Msg("Reward account missing, settlement will create it")
		return true, nil
	default:
		return false, err
	}
}

// MarkRewardReady records that the reward account for mint exists, so later
// operations skip the creation instruction.
func (b *Builder) MarkRewardReady(mint solana.PublicKey) {
	b.rewardReady.Store(mint, struct{}{})
}

// ForgetRewardAccount drops the cached readiness for mint, so the next
// operation checks the ledger again.
func (b *Builder) ForgetRewardAccount(mint solana.PublicKey) {
	b.rewardReady.Delete(mint)
}
