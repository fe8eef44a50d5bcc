package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusStub struct {
	mu       sync.Mutex
	statuses []Confirmation
	errs     []error
	calls    int
}

func (s *statusStub) GetAccount(context.Context, solana.PublicKey) (*Account, error) {
	return nil, ErrAccountNotFound
}
func (s *statusStub) GetMultipleAccounts(context.Context, ...solana.PublicKey) ([]*Account, error) {
	return nil, nil
}
func (s *statusStub) GetProgramAccounts(context.Context, solana.PublicKey, Filter) ([]*Account, error) {
	return nil, nil
}
func (s *statusStub) GetRecentAnchor(context.Context) (Anchor, error) { return Anchor{}, nil }
func (s *statusStub) Submit(context.Context, *solana.Transaction) (solana.Signature, error) {
	return solana.Signature{}, nil
}

func (s *statusStub) SignatureStatus(context.Context, solana.Signature) (Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if i >= len(s.statuses) {
		return s.statuses[len(s.statuses)-1], err
	}
	return s.statuses[i], err
}

func TestParseTransactionErrorCustomCode(t *testing.T) {
	var raw interface{}
	require.NoError(t, json.Unmarshal([]byte(`{"InstructionError":[1,{"Custom":6000}]}`), &raw))

	rej := ParseTransactionError(raw)
	require.NotNil(t, rej)
	assert.Equal(t, 1, rej.Instruction)
	assert.True(t, rej.HasCode)
	assert.Equal(t, uint32(6000), rej.Code)
	assert.True(t, errors.Is(rej, ErrSubmissionRejected))
	assert.Contains(t, rej.Error(), "custom error 6000")
}

func TestParseTransactionErrorShapes(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		instruction int
		reason      string
	}{
		{"named instruction error", `{"InstructionError":[0,"InvalidAccountData"]}`, 0, "InvalidAccountData"},
		{"bare string", `"AlreadyProcessed"`, -1, "AlreadyProcessed"},
		{"keyed object", `{"InsufficientFundsForRent":{"account_index":0}}`, -1, "InsufficientFundsForRent"},
		{"borsh io error", `{"InstructionError":[2,{"BorshIoError":"x"}]}`, 2, "BorshIoError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw interface{}
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &raw))
			rej := ParseTransactionError(raw)
			require.NotNil(t, rej)
			assert.Equal(t, tt.instruction, rej.Instruction)
			assert.Equal(t, tt.reason, rej.Reason)
			assert.False(t, rej.HasCode)
		})
	}

	assert.Nil(t, ParseTransactionError(nil))
}

func TestAsRejection(t *testing.T) {
	wrapped := errors.Join(errors.New("submit"), &RejectionError{Instruction: 0, Code: 1, HasCode: true})
	rej, ok := AsRejection(wrapped)
	require.True(t, ok)
	assert.Equal(t, uint32(1), rej.Code)

	_, ok = AsRejection(errors.New("plain"))
	assert.False(t, ok)
}

func TestRejectionMatchesAnchorExpired(t *testing.T) {
	expired := fmt.Errorf("submit: %w", &RejectionError{Instruction: -1, Reason: ReasonBlockhashNotFound})
	assert.ErrorIs(t, expired, ErrAnchorExpired)
	assert.ErrorIs(t, expired, ErrSubmissionRejected)

	other := &RejectionError{Instruction: 0, Code: 6000, HasCode: true}
	assert.NotErrorIs(t, other, ErrAnchorExpired)
}

func TestAwaitConfirmationLands(t *testing.T) {
	stub := &statusStub{statuses: []Confirmation{
		{Status: StatusUnknown},
		{Status: StatusProcessed},
		{Status: StatusConfirmed, Slot: 42},
	}}

	conf, err := AwaitConfirmation(context.Background(), stub, solana.Signature{}, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, conf.Status)
	assert.Equal(t, uint64(42), conf.Slot)
}

func TestAwaitConfirmationFailedReturnsRejection(t *testing.T) {
	rej := &RejectionError{Instruction: 1, Code: 6000, HasCode: true}
	stub := &statusStub{statuses: []Confirmation{{Status: StatusFailed, Err: rej}}}

	_, err := AwaitConfirmation(context.Background(), stub, solana.Signature{}, time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubmissionRejected))
}

func TestAwaitConfirmationTimesOut(t *testing.T) {
	stub := &statusStub{
		statuses: []Confirmation{{Status: StatusProcessed}},
		errs:     []error{errors.New("connection reset")},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	conf, err := AwaitConfirmation(ctx, stub, solana.Signature{}, 2*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfirmationTimeout))
	assert.Equal(t, StatusProcessed, conf.Status)
}

func TestConfirmationStatusString(t *testing.T) {
	assert.Equal(t, "confirmed", StatusConfirmed.String())
	assert.Equal(t, "unknown", ConfirmationStatus(99).String())
	assert.True(t, StatusFinalized.Landed())
	assert.False(t, StatusProcessed.Landed())
}

func TestParseTransactionErrorJSONNumber(t *testing.T) {
	raw := map[string]interface{}{
		"InstructionError": []interface{}{json.Number("2"), map[string]interface{}{"Custom": json.Number("6012")}},
	}
	rej := ParseTransactionError(raw)
	require.NotNil(t, rej)
	assert.Equal(t, 2, rej.Instruction)
	assert.True(t, rej.HasCode)
	assert.Equal(t, uint32(6012), rej.Code)
}
