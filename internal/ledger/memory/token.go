package memory

import (
	"encoding/binary"
	"errors"

	"github.com/gagliardetto/solana-go"
)

// tokenAccountSize is the token program's account length.
const tokenAccountSize = 165

const (
	tokenStateInitialized = 1

	offMint            = 0
	offOwner           = 32
	offAmount          = 64
	offDelegateTag     = 72
	offDelegate        = 76
	offState           = 108
	offDelegatedAmount = 121
)

var errNotTokenAccount = errors.New("not a token account")

// TokenAccount is the subset of a token account the billing flow touches.
// The subscriber approves the subscription record as Delegate for
// DelegatedAmount so the program can pull payments.
type TokenAccount struct {
	Mint            solana.PublicKey
	Owner           solana.PublicKey
	Amount          uint64
	Delegate        solana.PublicKey
	DelegatedAmount uint64
}

func encodeTokenAccount(t TokenAccount) []byte {
	data := make([]byte, tokenAccountSize)
	copy(data[offMint:], t.Mint[:])
	copy(data[offOwner:], t.Owner[:])
	binary.LittleEndian.PutUint64(data[offAmount:], t.Amount)
	if !t.Delegate.IsZero() {
		binary.LittleEndian.PutUint32(data[offDelegateTag:], 1)
		copy(data[offDelegate:], t.Delegate[:])
		binary.LittleEndian.PutUint64(data[offDelegatedAmount:], t.DelegatedAmount)
	}
	data[offState] = tokenStateInitialized
	return data
}

func decodeTokenAccount(data []byte) (TokenAccount, error) {
	if len(data) != tokenAccountSize || data[offState] != tokenStateInitialized {
		return TokenAccount{}, errNotTokenAccount
	}
	var t TokenAccount
	copy(t.Mint[:], data[offMint:offMint+32])
	copy(t.Owner[:], data[offOwner:offOwner+32])
	t.Amount = binary.LittleEndian.Uint64(data[offAmount:])
	if binary.LittleEndian.Uint32(data[offDelegateTag:]) == 1 {
		copy(t.Delegate[:], data[offDelegate:offDelegate+32])
		t.DelegatedAmount = binary.LittleEndian.Uint64(data[offDelegatedAmount:])
	}
	return t, nil
}
