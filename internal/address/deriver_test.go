package address

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var program = solana.MustPublicKeyFromBase58("AK2xA7SHMKPqvQEirLUNf4gRQjzpQZT3q6v3d62kLyzx")

func TestServiceMatchesProgramDerivation(t *testing.T) {
	authority := solana.NewWallet().PublicKey()
	d := New(program)

	got, bump, err := d.Service(authority)
	require.NoError(t, err)

	want, wantBump, err := solana.FindProgramAddress([][]byte{[]byte("service"), authority[:]}, program)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, wantBump, bump)
}

func TestPlanIndexIsLittleEndian(t *testing.T) {
	service := solana.NewWallet().PublicKey()
	d := New(program)

	got, _, err := d.Plan(service, 258)
	require.NoError(t, err)

	idx := make([]byte, 2)
	binary.LittleEndian.PutUint16(idx, 258)
	want, _, err := solana.FindProgramAddress([][]byte{[]byte("plan"), service[:], idx}, program)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	other, _, err := d.Plan(service, 1)
	require.NoError(t, err)
	assert.NotEqual(t, got, other)
}

func TestSubscriptionSeedOrder(t *testing.T) {
	subscriber := solana.NewWallet().PublicKey()
	plan := solana.NewWallet().PublicKey()
	d := New(program)

	got, _, err := d.Subscription(subscriber, plan)
	require.NoError(t, err)

	want, _, err := solana.FindProgramAddress([][]byte{[]byte("subscription"), subscriber[:], plan[:]}, program)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	swapped, _, err := solana.FindProgramAddress([][]byte{[]byte("subscription"), plan[:], subscriber[:]}, program)
	require.NoError(t, err)
	assert.NotEqual(t, swapped, got)
}

func TestDeterministicAcrossDerivers(t *testing.T) {
	subscriber := solana.NewWallet().PublicKey()
	plan := solana.NewWallet().PublicKey()

	a, _, err := New(program).Subscription(subscriber, plan)
	require.NoError(t, err)
	b, _, err := New(program).Subscription(subscriber, plan)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	otherProgram := solana.NewWallet().PublicKey()
	c, _, err := New(otherProgram).Subscription(subscriber, plan)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestRewardAccount(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	d := New(program)

	got, _, err := d.RewardAccount(owner, mint)
	require.NoError(t, err)
	want, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestConcurrentDerivation(t *testing.T) {
	d := New(program)
	authority := solana.NewWallet().PublicKey()
	want, _, err := d.Service(authority)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _, err := d.Service(authority)
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		}()
	}
	wg.Wait()
}
