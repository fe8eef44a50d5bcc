package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
)

const defaultConfirmPoll = 500 * time.Millisecond

// AwaitConfirmation polls the signature status until the transaction is
// confirmed, fails, or ctx expires. A landed-but-failed transaction is
// returned as its *RejectionError. When ctx expires first the result wraps
// ErrConfirmationTimeout and the outcome must be treated as unknown.
func AwaitConfirmation(ctx context.Context, client Client, signature solana.Signature, poll time.Duration) (Confirmation, error) {
	if poll <= 0 {
		poll = defaultConfirmPoll
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var last Confirmation
	for {
		conf, err := client.SignatureStatus(ctx, signature)
		if err == nil {
			last = conf
			switch {
			case conf.Status == StatusFailed:
				if conf.Err == nil {
					conf.Err = &RejectionError{Instruction: -1, Reason: "transaction failed"}
				}
				return conf, conf.Err
			case conf.Status.Landed():
				return conf, nil
			}
		} else if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			// per-request timeout inside the client; keep polling
			err = nil
		}

		select {
		case <-ctx.Done():
			if err != nil {
				return last, fmt.Errorf("%w after %s: %v", ErrConfirmationTimeout, signature, err)
			}
			return last, fmt.Errorf("%w: %s last seen %s", ErrConfirmationTimeout, signature, last.Status)
		case <-ticker.C:
		}
	}
}
