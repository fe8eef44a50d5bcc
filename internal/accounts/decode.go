package accounts

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

const discriminatorLen = 8

// Serialized sizes including the discriminator.
const (
	ServiceAccountSize      = discriminatorLen + 32*3 + 2 + 4 + 8 + 1
	PlanAccountSize         = discriminatorLen + 32 + planNameLen + 8 + 8 + 8 + 1 + 8 + 2 + 8 + 1
	SubscriptionAccountSize = discriminatorLen + 32*4 + 8*6 + 1 + 4 + 8 + 1

	// SubscriptionStatusOffset is the byte offset of the status enum, usable
	// as a memcmp pre-filter in program scans.
	SubscriptionStatusOffset = discriminatorLen + 32*4 + 8*6
)

var (
	ServiceDiscriminator      = accountDiscriminator("ServiceAccount")
	PlanDiscriminator         = accountDiscriminator("PlanAccount")
	SubscriptionDiscriminator = accountDiscriminator("SubscriptionAccount")
)

var (
	ErrShortData             = errors.New("account data too short")
	ErrDiscriminatorMismatch = errors.New("account discriminator mismatch")
	ErrUnknownStatus         = errors.New("unknown subscription status")
)

func accountDiscriminator(name string) [discriminatorLen]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var out [discriminatorLen]byte
	copy(out[:], sum[:discriminatorLen])
	return out
}

func checkHeader(data []byte, want [discriminatorLen]byte, size int) error {
	if len(data) < size {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrShortData, len(data), size)
	}
	if !bytes.Equal(data[:discriminatorLen], want[:]) {
		return ErrDiscriminatorMismatch
	}
	return nil
}

// DecodeService parses a ServiceAccount.
func DecodeService(data []byte) (*Service, error) {
	if err := checkHeader(data, ServiceDiscriminator, ServiceAccountSize); err != nil {
		return nil, fmt.Errorf("decode service: %w", err)
	}
	var out Service
	if err := bin.NewBorshDecoder(data[discriminatorLen:ServiceAccountSize]).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode service: %w", err)
	}
	return &out, nil
}

// DecodePlan parses a PlanAccount.
func DecodePlan(data []byte) (*Plan, error) {
	if err := checkHeader(data, PlanDiscriminator, PlanAccountSize); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	var out Plan
	if err := bin.NewBorshDecoder(data[discriminatorLen:PlanAccountSize]).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &out, nil
}

// DecodeSubscription parses a SubscriptionAccount.
func DecodeSubscription(data []byte) (*Subscription, error) {
	if err := checkHeader(data, SubscriptionDiscriminator, SubscriptionAccountSize); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	var out Subscription
	if err := bin.NewBorshDecoder(data[discriminatorLen:SubscriptionAccountSize]).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	if !out.Status.Valid() {
		return nil, fmt.Errorf("decode subscription: %w: %d", ErrUnknownStatus, uint8(out.Status))
	}
	return &out, nil
}

func encode(disc [discriminatorLen]byte, v interface{}, size int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, size))
	buf.Write(disc[:])
	if err := bin.NewBorshEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	if buf.Len() != size {
		return nil, fmt.Errorf("encoded %d bytes, layout is %d", buf.Len(), size)
	}
	return buf.Bytes(), nil
}

// EncodeService serializes s in the on-ledger layout.
func EncodeService(s *Service) ([]byte, error) {
	return encode(ServiceDiscriminator, s, ServiceAccountSize)
}

// EncodePlan serializes p in the on-ledger layout.
func EncodePlan(p *Plan) ([]byte, error) {
	return encode(PlanDiscriminator, p, PlanAccountSize)
}

// EncodeSubscription serializes s in the on-ledger layout.
func EncodeSubscription(s *Subscription) ([]byte, error) {
	return encode(SubscriptionDiscriminator, s, SubscriptionAccountSize)
}
