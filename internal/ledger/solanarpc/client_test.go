package solanarpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solbill/collector/internal/ledger"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers JSON-RPC calls from a method table.
type fakeNode struct {
	mu       sync.Mutex
	requests []rpcRequest
	results  map[string]string // method -> raw result JSON
	errors   map[string]string // method -> raw error JSON
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.requests = append(n.requests, req)
	result, hasResult := n.results[req.Method]
	rpcErr, hasErr := n.errors[req.Method]
	n.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case hasErr:
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":` + rpcErr + `}`))
	case hasResult:
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":` + result + `}`))
	default:
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32601,"message":"Method not found"}}`))
	}
}

func (n *fakeNode) last(method string) (rpcRequest, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.requests) - 1; i >= 0; i-- {
		if n.requests[i].Method == method {
			return n.requests[i], true
		}
	}
	return rpcRequest{}, false
}

func newTestClient(t *testing.T, node *fakeNode) *Client {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	return newTestClientWith(t, Config{Endpoint: srv.URL, RequestTimeout: 5 * time.Second, RateLimit: -1})
}

func newTestClientWith(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func accountJSON(owner solana.PublicKey, data []byte) string {
	return `{"context":{"slot":10},"value":{"data":["` + base64.StdEncoding.EncodeToString(data) +
		`","base64"],"executable":false,"lamports":2039280,"owner":"` + owner.String() + `","rentEpoch":0}}`
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestGetAccount(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	node := &fakeNode{results: map[string]string{
		"getAccountInfo": accountJSON(owner, []byte{1, 2, 3}),
	}}
	c := newTestClient(t, node)
	addr := solana.NewWallet().PublicKey()

	acct, err := c.GetAccount(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, addr, acct.Address)
	assert.Equal(t, owner, acct.Owner)
	assert.Equal(t, []byte{1, 2, 3}, acct.Data)
	assert.Equal(t, uint64(2039280), acct.Lamports)
}

func TestGetAccountMissing(t *testing.T) {
	node := &fakeNode{results: map[string]string{
		"getAccountInfo": `{"context":{"slot":10},"value":null}`,
	}}
	c := newTestClient(t, node)

	_, err := c.GetAccount(context.Background(), solana.NewWallet().PublicKey())
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestGetProgramAccountsSendsFilters(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	addr := solana.NewWallet().PublicKey()
	node := &fakeNode{results: map[string]string{
		"getProgramAccounts": `[{"pubkey":"` + addr.String() + `","account":{"data":["AQID","base64"],"executable":false,"lamports":1,"owner":"` + owner.String() + `","rentEpoch":0}}]`,
	}}
	c := newTestClient(t, node)

	accts, err := c.GetProgramAccounts(context.Background(), owner, ledger.Filter{
		DataSize: 198,
		Memcmp:   []ledger.Memcmp{{Offset: 184, Bytes: []byte{0}}},
	})
	require.NoError(t, err)
	require.Len(t, accts, 1)
	assert.Equal(t, addr, accts[0].Address)
	assert.Equal(t, []byte{1, 2, 3}, accts[0].Data)

	req, ok := node.last("getProgramAccounts")
	require.True(t, ok)
	require.Len(t, req.Params, 2)
	opts := string(req.Params[1])
	assert.Contains(t, opts, `"dataSize":198`)
	assert.Contains(t, opts, `"offset":184`)
	assert.Contains(t, opts, `"bytes":"1"`)
}

func TestGetRecentAnchor(t *testing.T) {
	hash := solana.Hash(solana.NewWallet().PublicKey())
	node := &fakeNode{results: map[string]string{
		"getLatestBlockhash": `{"context":{"slot":10},"value":{"blockhash":"` + hash.String() + `","lastValidBlockHeight":4242}}`,
	}}
	c := newTestClient(t, node)

	anchor, err := c.GetRecentAnchor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hash, anchor.Blockhash)
	assert.Equal(t, uint64(4242), anchor.LastValidBlockHeight)
}

func signedTx(t *testing.T) *solana.Transaction {
	t.Helper()
	payer := solana.NewWallet().PrivateKey
	ix := solana.NewInstruction(solana.NewWallet().PublicKey(), solana.AccountMetaSlice{
		solana.NewAccountMeta(payer.PublicKey(), true, true),
	}, []byte{1})
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{}, solana.TransactionPayer(payer.PublicKey()))
	require.NoError(t, err)
	_, err = tx.Sign(func(solana.PublicKey) *solana.PrivateKey { return &payer })
	require.NoError(t, err)
	return tx
}

func TestSubmitSurfacesProgramRejection(t *testing.T) {
	node := &fakeNode{errors: map[string]string{
		"sendTransaction": `{"code":-32002,"message":"Transaction simulation failed: Error processing Instruction 0: custom program error: 0x1770",` +
			`"data":{"err":{"InstructionError":[0,{"Custom":6000}]},"logs":["Program log: Instruction: CollectPayment","Program log: AnchorError BillingNotDue"]}}`,
	}}
	c := newTestClient(t, node)
	tx := signedTx(t)

	sig, err := c.Submit(context.Background(), tx)
	assert.Equal(t, tx.Signatures[0], sig)
	rej, ok := ledger.AsRejection(err)
	require.True(t, ok, "expected rejection, got %v", err)
	assert.Equal(t, uint32(6000), rej.Code)
	assert.Equal(t, 0, rej.Instruction)
	assert.Len(t, rej.Logs, 2)
}

func TestSubmitExpiredBlockhash(t *testing.T) {
	node := &fakeNode{errors: map[string]string{
		"sendTransaction": `{"code":-32002,"message":"Transaction simulation failed: Blockhash not found","data":{"err":"BlockhashNotFound","logs":[]}}`,
	}}
	c := newTestClient(t, node)
	tx := signedTx(t)

	sig, err := c.Submit(context.Background(), tx)
	assert.Equal(t, tx.Signatures[0], sig)
	assert.ErrorIs(t, err, ledger.ErrAnchorExpired)
	rej, ok := ledger.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, -1, rej.Instruction)
}

func TestSubmitNodeErrorIsNotRejection(t *testing.T) {
	node := &fakeNode{errors: map[string]string{
		"sendTransaction": `{"code":-32005,"message":"Node is unhealthy"}`,
	}}
	c := newTestClient(t, node)

	_, err := c.Submit(context.Background(), signedTx(t))
	require.Error(t, err)
	_, ok := ledger.AsRejection(err)
	assert.False(t, ok)
}

func TestSubmitReturnsSignature(t *testing.T) {
	tx := signedTx(t)
	node := &fakeNode{results: map[string]string{
		"sendTransaction": `"` + tx.Signatures[0].String() + `"`,
	}}
	c := newTestClient(t, node)

	sig, err := c.Submit(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, tx.Signatures[0], sig)
}

func TestSignatureStatus(t *testing.T) {
	cases := []struct {
		name   string
		value  string
		status ledger.ConfirmationStatus
		code   uint32
	}{
		{"confirmed", `{"slot":5,"confirmations":1,"err":null,"confirmationStatus":"confirmed"}`, ledger.StatusConfirmed, 0},
		{"finalized", `{"slot":5,"confirmations":null,"err":null,"confirmationStatus":"finalized"}`, ledger.StatusFinalized, 0},
		{"processed", `{"slot":5,"confirmations":0,"err":null,"confirmationStatus":"processed"}`, ledger.StatusProcessed, 0},
		{"failed", `{"slot":5,"confirmations":1,"err":{"InstructionError":[0,{"Custom":1}]},"confirmationStatus":"confirmed"}`, ledger.StatusFailed, 1},
		{"unknown", `null`, ledger.StatusUnknown, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			node := &fakeNode{results: map[string]string{
				"getSignatureStatuses": `{"context":{"slot":6},"value":[` + tc.value + `]}`,
			}}
			c := newTestClient(t, node)

			conf, err := c.SignatureStatus(context.Background(), solana.Signature{})
			require.NoError(t, err)
			assert.Equal(t, tc.status, conf.Status)
			if tc.code != 0 {
				rej, ok := ledger.AsRejection(conf.Err)
				require.True(t, ok)
				assert.Equal(t, tc.code, rej.Code)
			}
		})
	}
}

func TestObserveReportsEachCall(t *testing.T) {
	node := &fakeNode{results: map[string]string{
		"getAccountInfo": `{"context":{"slot":10},"value":null}`,
	}}
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	var mu sync.Mutex
	var methods []string
	c := newTestClientWith(t, Config{
		Endpoint:  srv.URL,
		RateLimit: 100,
		Observe: func(method string, _ time.Duration, _ error) {
			mu.Lock()
			methods = append(methods, method)
			mu.Unlock()
		},
	})

	_, _ = c.GetAccount(context.Background(), solana.NewWallet().PublicKey())
	_, _ = c.GetAccount(context.Background(), solana.NewWallet().PublicKey())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"getAccountInfo", "getAccountInfo"}, methods)
}

func TestRejectionFromRPCIgnoresOtherErrors(t *testing.T) {
	assert.Nil(t, rejectionFromRPC(assert.AnError))
}
