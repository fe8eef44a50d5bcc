// Package solbill describes the on-ledger billing program: its identifier,
// the collect_payment instruction layout and its error codes.
package solbill

import (
	"crypto/sha256"

	"github.com/gagliardetto/solana-go"
)

// DefaultProgramID is the deployed billing program.
var DefaultProgramID = solana.MustPublicKeyFromBase58("AK2xA7SHMKPqvQEirLUNf4gRQjzpQZT3q6v3d62kLyzx")

// CollectPaymentDiscriminator prefixes collect_payment instruction data.
var CollectPaymentDiscriminator = instructionDiscriminator("collect_payment")

func instructionDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

// CollectPaymentAccounts lists the accounts of one collect_payment
// instruction in program order.
type CollectPaymentAccounts struct {
	Cranker                solana.PublicKey
	Service                solana.PublicKey
	Plan                   solana.PublicKey
	Subscription           solana.PublicKey
	SubscriberTokenAccount solana.PublicKey
	Treasury               solana.PublicKey
	RewardAccount          solana.PublicKey
	AcceptedMint           solana.PublicKey
}

// Account positions inside a collect_payment instruction.
const (
	CollectCranker = iota
	CollectService
	CollectPlan
	CollectSubscription
	CollectSubscriberTokenAccount
	CollectTreasury
	CollectRewardAccount
	CollectAcceptedMint
	CollectTokenProgram
	collectAccountCount
)

// NewCollectPaymentInstruction builds collect_payment. It takes no arguments
// beyond its accounts.
func NewCollectPaymentInstruction(program solana.PublicKey, a CollectPaymentAccounts) solana.Instruction {
	metas := make(solana.AccountMetaSlice, collectAccountCount)
	metas[CollectCranker] = solana.NewAccountMeta(a.Cranker, true, true)
	metas[CollectService] = solana.NewAccountMeta(a.Service, false, false)
	metas[CollectPlan] = solana.NewAccountMeta(a.Plan, false, false)
	metas[CollectSubscription] = solana.NewAccountMeta(a.Subscription, true, false)
	metas[CollectSubscriberTokenAccount] = solana.NewAccountMeta(a.SubscriberTokenAccount, true, false)
	metas[CollectTreasury] = solana.NewAccountMeta(a.Treasury, true, false)
	metas[CollectRewardAccount] = solana.NewAccountMeta(a.RewardAccount, true, false)
	metas[CollectAcceptedMint] = solana.NewAccountMeta(a.AcceptedMint, false, false)
	metas[CollectTokenProgram] = solana.NewAccountMeta(solana.TokenProgramID, false, false)

	data := make([]byte, len(CollectPaymentDiscriminator))
	copy(data, CollectPaymentDiscriminator[:])
	return solana.NewInstruction(program, metas, data)
}

// IsCollectPayment reports whether data carries the collect_payment prefix.
func IsCollectPayment(data []byte) bool {
	if len(data) < len(CollectPaymentDiscriminator) {
		return false
	}
	for i, b := range CollectPaymentDiscriminator {
		if data[i] != b {
			return false
		}
	}
	return true
}

// Associated token account program instruction tags.
const (
	ATACreate           byte = 0
	ATACreateIdempotent byte = 1
)

// NewCreateRewardAccountInstruction builds an idempotent associated token
// account creation for owner, paid by payer.
func NewCreateRewardAccountInstruction(payer, ata, owner, mint solana.PublicKey) solana.Instruction {
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(ata, true, false),
		solana.NewAccountMeta(owner, false, false),
		solana.NewAccountMeta(mint, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, metas, []byte{ATACreateIdempotent})
}
