package solanarpc

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/solbill/collector/internal/ledger"
)

// rejectionFromRPC extracts a program or preflight rejection from a JSON-RPC
// error. Node-side failures without a transaction error return nil.
func rejectionFromRPC(err error) *ledger.RejectionError {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return nil
	}
	data, ok := rpcErr.Data.(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := data["err"]
	if !ok || raw == nil {
		return nil
	}
	rej := ledger.ParseTransactionError(raw)
	if rej.Reason == "" {
		rej.Reason = rpcErr.Message
	}
	if logs, ok := data["logs"].([]interface{}); ok {
		for _, l := range logs {
			rej.Logs = append(rej.Logs, fmt.Sprint(l))
		}
	}
	return rej
}
