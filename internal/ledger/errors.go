package ledger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrSubmissionRejected  = errors.New("ledger: submission rejected")
	ErrConfirmationTimeout = errors.New("ledger: confirmation timed out")
	ErrAnchorExpired       = errors.New("ledger: recent anchor expired")
)

// Transaction-level rejection reasons reported by the ledger.
const (
	ReasonAlreadyProcessed  = "AlreadyProcessed"
	ReasonBlockhashNotFound = "BlockhashNotFound"
	ReasonAccountNotFound   = "AccountNotFound"
)

// RejectionError describes a transaction the ledger refused, either during
// preflight simulation or after inclusion.
type RejectionError struct {
	// Instruction is the index of the failing instruction, -1 when the
	// failure is not attributable to one instruction.
	Instruction int
	// Code is the custom program error code; HasCode reports whether it is set.
	Code    uint32
	HasCode bool
	Reason  string
	Logs    []string
}

func (e *RejectionError) Error() string {
	var b strings.Builder
	b.WriteString("ledger: submission rejected")
	if e.Instruction >= 0 {
		fmt.Fprintf(&b, " at instruction %d", e.Instruction)
	}
	if e.HasCode {
		fmt.Fprintf(&b, " (custom error %d)", e.Code)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// Is lets errors.Is(err, ErrSubmissionRejected) match any rejection, and
// ErrAnchorExpired match a rejection for an unknown or expired blockhash.
func (e *RejectionError) Is(target error) bool {
	switch target {
	case ErrSubmissionRejected:
		return true
	case ErrAnchorExpired:
		return e.Reason == ReasonBlockhashNotFound
	}
	return false
}

// AsRejection extracts a *RejectionError from err.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// ParseTransactionError converts the JSON shape the RPC uses for transaction
// errors into a *RejectionError. Recognised shapes:
//
//	{"InstructionError":[1,{"Custom":6000}]}
//	{"InstructionError":[0,"InvalidAccountData"]}
//	"AlreadyProcessed"
//
// It returns nil when raw is nil.
func ParseTransactionError(raw interface{}) *RejectionError {
	if raw == nil {
		return nil
	}
	rej := &RejectionError{Instruction: -1}

	switch v := raw.(type) {
	case string:
		rej.Reason = v
		return rej
	case map[string]interface{}:
		if ie, ok := v["InstructionError"]; ok {
			parseInstructionError(rej, ie)
			return rej
		}
		for key := range v {
			rej.Reason = key
			break
		}
		return rej
	}

	rej.Reason = fmt.Sprintf("%v", raw)
	return rej
}

func parseInstructionError(rej *RejectionError, raw interface{}) {
	parts, ok := raw.([]interface{})
	if !ok || len(parts) != 2 {
		rej.Reason = fmt.Sprintf("%v", raw)
		return
	}
	if idx, ok := toInt(parts[0]); ok {
		rej.Instruction = idx
	}
	switch detail := parts[1].(type) {
	case string:
		rej.Reason = detail
	case map[string]interface{}:
		if custom, ok := detail["Custom"]; ok {
			if code, ok := toInt(custom); ok && code >= 0 {
				rej.Code = uint32(code)
				rej.HasCode = true
				rej.Reason = "custom program error"
				return
			}
		}
		for key := range detail {
			rej.Reason = key
			break
		}
	default:
		rej.Reason = fmt.Sprintf("%v", detail)
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case interface{ Int64() (int64, error) }:
		// json.Number from decoders running with UseNumber.
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}
