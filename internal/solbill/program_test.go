package solbill

import (
	"crypto/sha256"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectPaymentDiscriminator(t *testing.T) {
	sum := sha256.Sum256([]byte("global:collect_payment"))
	assert.Equal(t, sum[:8], CollectPaymentDiscriminator[:])
}

func TestNewCollectPaymentInstruction(t *testing.T) {
	accts := CollectPaymentAccounts{
		Cranker:                solana.NewWallet().PublicKey(),
		Service:                solana.NewWallet().PublicKey(),
		Plan:                   solana.NewWallet().PublicKey(),
		Subscription:           solana.NewWallet().PublicKey(),
		SubscriberTokenAccount: solana.NewWallet().PublicKey(),
		Treasury:               solana.NewWallet().PublicKey(),
		RewardAccount:          solana.NewWallet().PublicKey(),
		AcceptedMint:           solana.NewWallet().PublicKey(),
	}
	ix := NewCollectPaymentInstruction(DefaultProgramID, accts)

	assert.Equal(t, DefaultProgramID, ix.ProgramID())
	data, err := ix.Data()
	require.NoError(t, err)
	assert.True(t, IsCollectPayment(data))

	metas := ix.Accounts()
	require.Len(t, metas, 9)
	assert.Equal(t, accts.Cranker, metas[CollectCranker].PublicKey)
	assert.True(t, metas[CollectCranker].IsSigner)
	assert.True(t, metas[CollectCranker].IsWritable)
	assert.Equal(t, accts.Subscription, metas[CollectSubscription].PublicKey)
	assert.True(t, metas[CollectSubscription].IsWritable)
	assert.False(t, metas[CollectService].IsWritable)
	assert.Equal(t, accts.RewardAccount, metas[CollectRewardAccount].PublicKey)
	assert.Equal(t, solana.TokenProgramID, metas[CollectTokenProgram].PublicKey)
}

func TestCreateRewardAccountInstruction(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	ata, _, err := solana.FindAssociatedTokenAddress(payer, mint)
	require.NoError(t, err)

	ix := NewCreateRewardAccountInstruction(payer, ata, payer, mint)
	assert.Equal(t, solana.SPLAssociatedTokenAccountProgramID, ix.ProgramID())
	data, err := ix.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{ATACreateIdempotent}, data)
	assert.Len(t, ix.Accounts(), 6)
}

func TestCodeClassification(t *testing.T) {
	assert.Equal(t, Code(6000), CodeBillingNotDue)
	assert.Equal(t, Code(6012), CodeSubscriptionCompleted)
	assert.Equal(t, "SubscriptionCompleted", CodeSubscriptionCompleted.String())
	assert.Equal(t, "Custom(9999)", Code(9999).String())

	assert.True(t, CodeBillingNotDue.IsStale())
	assert.True(t, CodeAccountNotInitialized.IsStale())
	assert.False(t, CodeOverflow.IsStale())
	assert.True(t, CodeTokenInsufficientFunds.IsFunding())
	assert.False(t, CodeBillingNotDue.IsFunding())
}

func TestCausedByAccount(t *testing.T) {
	logs := []string{
		"Program log: Instruction: CollectPayment",
		CausedByLog(AccountRewardAccount, CodeAccountNotInitialized),
	}
	assert.Equal(t, AccountRewardAccount, CausedByAccount(logs))
	assert.Equal(t, "Program log: AnchorError caused by account: reward_account. Error Code: AccountNotInitialized. Error Number: 3012.", logs[1])

	assert.Equal(t, "", CausedByAccount([]string{"Program log: Error: insufficient funds"}))
	assert.Equal(t, "", CausedByAccount(nil))
}
