// Package solanarpc implements ledger.Client over a JSON-RPC endpoint.
package solanarpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/rs/dnscache"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/solbill/collector/internal/ledger"
)

const (
	defaultRequestTimeout = 20 * time.Second
	defaultDNSRefresh     = 5 * time.Minute
	defaultRateLimit      = 20
	defaultBurst          = 10
)

// Config configures the RPC client.
type Config struct {
	Endpoint       string
	Commitment     rpc.CommitmentType
	RequestTimeout time.Duration
	// RateLimit caps requests per second; zero means defaultRateLimit,
	// negative disables limiting.
	RateLimit  float64
	Burst      int
	DNSRefresh time.Duration
	// Observe, if set, is called once per RPC call.
	Observe func(method string, took time.Duration, err error)
	Logger  *zerolog.Logger
}

// Client is a ledger.Client backed by a JSON-RPC node.
type Client struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
	limiter    *rate.Limiter
	resolver   *dnscache.Resolver
	observe    func(string, time.Duration, error)
	logger     zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

var _ ledger.Client = (*Client)(nil)

// New builds a Client. Call Close to stop the DNS refresh loop.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("solanarpc: endpoint is required")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.DNSRefresh <= 0 {
		cfg.DNSRefresh = defaultDNSRefresh
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "solanarpc").Logger()
	}

	c := &Client{
		commitment: cfg.Commitment,
		resolver:   &dnscache.Resolver{},
		observe:    cfg.Observe,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	switch {
	case cfg.RateLimit < 0:
		c.limiter = rate.NewLimiter(rate.Inf, 0)
	case cfg.RateLimit == 0:
		c.limiter = rate.NewLimiter(rate.Limit(defaultRateLimit), cfg.Burst)
	default:
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}

	httpClient := &http.Client{
		Timeout: cfg.RequestTimeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         c.dialContext,
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	c.rpc = rpc.NewWithCustomRPCClient(jsonrpc.NewClientWithOpts(cfg.Endpoint, &jsonrpc.RPCClientOpts{
		HTTPClient: httpClient,
	}))

	go c.refreshDNS(cfg.DNSRefresh)

	c.logger.Info().
		Str("endpoint", cfg.Endpoint).
		Str("commitment", string(cfg.Commitment)).
		Float64("rateLimit", float64(c.limiter.Limit())).
		Msg("RPC client configured")
	return c, nil
}

// Close stops background work.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) refreshDNS(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.resolver.Refresh(true)
			c.logger.Debug().Dur("ttl", every).Msg("DNS cache refreshed")
		}
	}
}

func (c *Client) dialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	ips, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// call waits for the limiter and reports the call to the observer.
func (c *Client) call(ctx context.Context, method string, fn func() error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limiter: %w", method, err)
	}
	start := time.Now()
	err := fn()
	if c.observe != nil {
		c.observe(method, time.Since(start), err)
	}
	return err
}

// GetAccount implements ledger.Client.
func (c *Client) GetAccount(ctx context.Context, addr solana.PublicKey) (*ledger.Account, error) {
	var out *rpc.GetAccountInfoResult
	err := c.call(ctx, "getAccountInfo", func() (err error) {
		out, err = c.rpc.GetAccountInfoWithOpts(ctx, addr, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: c.commitment,
		})
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", addr, err)
	}
	if out == nil || out.Value == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, addr)
	}
	return toAccount(addr, out.Value), nil
}

// GetMultipleAccounts implements ledger.Client.
func (c *Client) GetMultipleAccounts(ctx context.Context, addrs ...solana.PublicKey) ([]*ledger.Account, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	var out *rpc.GetMultipleAccountsResult
	err := c.call(ctx, "getMultipleAccounts", func() (err error) {
		out, err = c.rpc.GetMultipleAccountsWithOpts(ctx, addrs, &rpc.GetMultipleAccountsOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: c.commitment,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get %d accounts: %w", len(addrs), err)
	}
	result := make([]*ledger.Account, len(addrs))
	for i := range addrs {
		if i < len(out.Value) && out.Value[i] != nil {
			result[i] = toAccount(addrs[i], out.Value[i])
		}
	}
	return result, nil
}

// GetProgramAccounts implements ledger.Client.
func (c *Client) GetProgramAccounts(ctx context.Context, program solana.PublicKey, filter ledger.Filter) ([]*ledger.Account, error) {
	opts := &rpc.GetProgramAccountsOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: c.commitment,
	}
	if filter.DataSize != 0 {
		opts.Filters = append(opts.Filters, rpc.RPCFilter{DataSize: filter.DataSize})
	}
	for _, m := range filter.Memcmp {
		opts.Filters = append(opts.Filters, rpc.RPCFilter{
			Memcmp: &rpc.RPCFilterMemcmp{Offset: m.Offset, Bytes: solana.Base58(m.Bytes)},
		})
	}

	var out rpc.GetProgramAccountsResult
	err := c.call(ctx, "getProgramAccounts", func() (err error) {
		out, err = c.rpc.GetProgramAccountsWithOpts(ctx, program, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("scan program %s: %w", program, err)
	}
	result := make([]*ledger.Account, 0, len(out))
	for _, keyed := range out {
		if keyed == nil || keyed.Account == nil {
			continue
		}
		result = append(result, toAccount(keyed.Pubkey, keyed.Account))
	}
	return result, nil
}

// GetRecentAnchor implements ledger.Client.
func (c *Client) GetRecentAnchor(ctx context.Context) (ledger.Anchor, error) {
	var out *rpc.GetLatestBlockhashResult
	err := c.call(ctx, "getLatestBlockhash", func() (err error) {
		out, err = c.rpc.GetLatestBlockhash(ctx, c.commitment)
		return err
	})
	if err != nil {
		return ledger.Anchor{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return ledger.Anchor{}, errors.New("get latest blockhash: empty response")
	}
	return ledger.Anchor{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

// Submit implements ledger.Client. Preflight runs at the client's
// commitment so program rejections surface here as *ledger.RejectionError.
func (c *Client) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	var sig solana.Signature
	if len(tx.Signatures) > 0 {
		sig = tx.Signatures[0]
	}
	maxRetries := uint(0)
	err := c.call(ctx, "sendTransaction", func() error {
		got, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			PreflightCommitment: c.commitment,
			MaxRetries:          &maxRetries,
		})
		if err != nil {
			return err
		}
		sig = got
		return nil
	})
	if err != nil {
		if rej := rejectionFromRPC(err); rej != nil {
			return sig, rej
		}
		return sig, fmt.Errorf("send transaction: %w", err)
	}
	return sig, nil
}

// SignatureStatus implements ledger.Client.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (ledger.Confirmation, error) {
	var out *rpc.GetSignatureStatusesResult
	err := c.call(ctx, "getSignatureStatuses", func() (err error) {
		out, err = c.rpc.GetSignatureStatuses(ctx, true, sig)
		return err
	})
	if err != nil {
		return ledger.Confirmation{}, fmt.Errorf("signature status %s: %w", sig, err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return ledger.Confirmation{Status: ledger.StatusUnknown}, nil
	}
	st := out.Value[0]
	conf := ledger.Confirmation{Slot: st.Slot}
	if st.Err != nil {
		conf.Status = ledger.StatusFailed
		conf.Err = ledger.ParseTransactionError(st.Err)
		return conf, nil
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized:
		conf.Status = ledger.StatusFinalized
	case rpc.ConfirmationStatusConfirmed:
		conf.Status = ledger.StatusConfirmed
	case rpc.ConfirmationStatusProcessed:
		conf.Status = ledger.StatusProcessed
	default:
		conf.Status = ledger.StatusUnknown
	}
	return conf, nil
}

func toAccount(addr solana.PublicKey, a *rpc.Account) *ledger.Account {
	out := &ledger.Account{
		Address:  addr,
		Owner:    a.Owner,
		Lamports: a.Lamports,
	}
	if a.Data != nil {
		out.Data = a.Data.GetBinary()
	}
	return out
}
