// Package ledger defines the capability surface the collector and the gate
// consume from the distributed ledger: account reads, filtered program scans,
// recent anchors, signed submission and confirmation status.
package ledger

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// Account is a raw ledger account.
type Account struct {
	Address  solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

// Memcmp matches accounts whose data holds Bytes at Offset.
type Memcmp struct {
	Offset uint64
	Bytes  []byte
}

// Filter narrows a program account scan. Both parts are ANDed.
type Filter struct {
	DataSize uint64
	Memcmp   []Memcmp
}

// Anchor is a recent commitment handle a transaction must reference to be
// accepted (a recent blockhash).
type Anchor struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

// ConfirmationStatus is the inclusion state of a submitted transaction.
type ConfirmationStatus int

const (
	StatusUnknown ConfirmationStatus = iota
	StatusProcessed
	StatusConfirmed
	StatusFinalized
	StatusFailed
)

func (s ConfirmationStatus) String() string {
	switch s {
	case StatusProcessed:
		return "processed"
	case StatusConfirmed:
		return "confirmed"
	case StatusFinalized:
		return "finalized"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Landed reports whether the transaction is included at confirmed level or better.
func (s ConfirmationStatus) Landed() bool {
	return s == StatusConfirmed || s == StatusFinalized
}

// Confirmation is the observed state of a signature. Err is set when the
// transaction landed but the program rejected it.
type Confirmation struct {
	Status ConfirmationStatus
	Slot   uint64
	Err    error
}

// Client is the ledger capability consumed by the collector.
type Client interface {
	// GetAccount returns ErrAccountNotFound when the address holds no account.
	GetAccount(ctx context.Context, address solana.PublicKey) (*Account, error)
	// GetMultipleAccounts returns one entry per address, nil for absent ones.
	GetMultipleAccounts(ctx context.Context, addresses ...solana.PublicKey) ([]*Account, error)
	GetProgramAccounts(ctx context.Context, program solana.PublicKey, filter Filter) ([]*Account, error)
	GetRecentAnchor(ctx context.Context) (Anchor, error)
	// Submit sends a signed transaction. A program or preflight rejection is
	// returned as *RejectionError.
	Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	SignatureStatus(ctx context.Context, signature solana.Signature) (Confirmation, error)
}
