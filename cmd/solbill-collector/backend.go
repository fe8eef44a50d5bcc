package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog/log"

	"github.com/solbill/collector/internal/config"
	"github.com/solbill/collector/internal/identity"
	"github.com/solbill/collector/internal/ledger"
	"github.com/solbill/collector/internal/ledger/memory"
	"github.com/solbill/collector/internal/ledger/solanarpc"
	"github.com/solbill/collector/internal/metrics"
	"github.com/solbill/collector/internal/mock"
)

// backend is the ledger the process talks to and the identity it signs with.
type backend struct {
	client   ledger.Client
	signer   solana.PrivateKey
	scenario *mock.Scenario // mock mode only
	close    func()
}

// openBackend connects to the configured ledger. With needSigner the
// collector identity is loaded too; failure to load it is fatal.
func openBackend(cfg *config.Config, needSigner bool) (*backend, error) {
	if cfg.Mock {
		return openMockBackend(cfg)
	}

	b := &backend{close: func() {}}
	if needSigner {
		key, err := identity.Load(cfg.Identity)
		if err != nil {
			return nil, err
		}
		b.signer = key
	}

	rateLimit := cfg.RPCRateLimit
	if rateLimit == 0 {
		rateLimit = -1
	}
	logger := log.Logger
	client, err := solanarpc.New(solanarpc.Config{
		Endpoint:       cfg.RPCURL,
		Commitment:     rpc.CommitmentType(cfg.Commitment),
		RequestTimeout: cfg.RPCTimeout,
		RateLimit:      rateLimit,
		Burst:          cfg.RPCBurst,
		Observe:        metrics.ObserveRPC,
		Logger:         &logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect ledger: %w", err)
	}
	b.client = client
	b.close = client.Close
	return b, nil
}

// openMockBackend seeds an in-memory ledger with a demo population and signs
// with a throwaway identity.
func openMockBackend(cfg *config.Config) (*backend, error) {
	l := memory.New(cfg.ProgramID, nil)
	sc, err := mock.Generate(l, cfg.ProgramID, mock.DefaultConfig, time.Now())
	if err != nil {
		return nil, fmt.Errorf("seed mock ledger: %w", err)
	}
	log.Warn().
		Int("subscriptions", len(sc.Subscriptions)).
		Int("due", sc.DueCount()).
		Str("merchant", sc.Merchant.Authority.String()).
		Msg("Mock mode enabled, using a simulated ledger")

	return &backend{
		client:   l,
		signer:   solana.NewWallet().PrivateKey,
		scenario: sc,
		close:    func() {},
	}, nil
}

// rotateAnchors keeps the simulated ledger's recent anchors moving so that
// transactions built long ago expire as they would on a real cluster.
func rotateAnchors(ctx context.Context, l *memory.Ledger, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.RotateAnchor()
		}
	}
}
