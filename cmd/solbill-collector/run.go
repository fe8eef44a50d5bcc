package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/solbill/collector/internal/api"
	"github.com/solbill/collector/internal/collector"
	"github.com/solbill/collector/internal/config"
	"github.com/solbill/collector/internal/gate"
	"github.com/solbill/collector/internal/journal"
	"github.com/solbill/collector/internal/ledger/memory"
	"github.com/solbill/collector/internal/logging"
	"github.com/solbill/collector/internal/metrics"
)

// loadConfig initializes baseline logging, loads the configuration and
// re-initializes logging from it.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "solbill-collector"})

	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "solbill-collector",
		FilePath:  cfg.LogFile,
	})
	return cfg, nil
}

func runCollector(ctx context.Context, v *viper.Viper) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	defer logging.Shutdown()

	// Identity problems stop the process here, before anything is scheduled.
	be, err := openBackend(cfg, true)
	if err != nil {
		log.Error().Err(err).Msg("Failed to start collector")
		return err
	}
	defer be.close()

	var store *journal.Store
	if cfg.DataDir != "" {
		jcfg := journal.DefaultConfig(cfg.DataDir)
		jcfg.Retention = cfg.JournalRetention
		store, err = journal.NewStore(jcfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close settlement journal")
			}
		}()
	}

	logger := logging.Logger("collector")
	ccfg := collector.Config{
		Client:              be.client,
		Program:             cfg.ProgramID,
		Signer:              be.signer,
		Interval:            cfg.PollInterval,
		MaxConcurrency:      cfg.MaxConcurrency,
		SubmitTimeout:       cfg.SubmitTimeout,
		ConfirmPoll:         cfg.ConfirmPoll,
		EnsureRewardAccount: cfg.EnsureRewardAccount,
		DisableStatusFilter: cfg.DisableStatusFilter,
		Logger:              &logger,
	}
	if store != nil {
		ccfg.Journal = store
	}
	c, err := collector.New(ccfg)
	if err != nil {
		return err
	}
	metrics.SetBuildInfo(Version, c.Cranker().String(), cfg.ProgramID.String())

	log.Info().
		Str("version", Version).
		Str("program", cfg.ProgramID.String()).
		Str("cranker", c.Cranker().String()).
		Bool("mock", cfg.Mock).
		Msg("Starting SolBill collector")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })

	if cfg.HTTPAddr != "" {
		gateLogger := logging.Logger("gate")
		router := api.NewRouter(api.RouterConfig{
			Collector: c,
			Gate:      gate.New(gate.Config{Client: be.client, Program: cfg.ProgramID, Logger: &gateLogger}),
			Challenge: challengeFor(cfg.Gate),
			History:   historyOrNil(store),
			Program:   cfg.ProgramID,
			Version:   Version,
		})
		g.Go(func() error { return api.Serve(gctx, cfg.HTTPAddr, router) })
	}

	if l, ok := be.client.(*memory.Ledger); ok {
		g.Go(func() error { return rotateAnchors(gctx, l, 30*time.Second) })
	}

	if cfg.EnvFile != "" {
		watcher, err := config.NewWatcher(cfg.EnvFile, cfg.Runtime(), func(r config.Runtime) {
			applyRuntime(c, r)
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to create config watcher, .env changes will require restart")
		} else {
			g.Go(func() error { return watcher.Run(gctx) })
			g.Go(func() error { return reloadOnHangup(gctx, watcher) })
		}
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Collector stopped with error")
		return err
	}
	log.Info().Msg("Collector shut down")
	return nil
}

func historyOrNil(store *journal.Store) api.History {
	if store == nil {
		return nil
	}
	return store
}

func applyRuntime(c *collector.Collector, r config.Runtime) {
	c.SetInterval(r.PollInterval)
	c.SetMaxConcurrency(r.MaxConcurrency)
	c.SetSubmitTimeout(r.SubmitTimeout)
	logging.SetLevel(r.LogLevel)
}

func reloadOnHangup(ctx context.Context, w *config.Watcher) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			log.Info().Msg("SIGHUP received, reloading configuration")
			w.Reload()
		}
	}
}

// challengeFor returns the pay-per-use challenge the HTTP surface advertises,
// or nil when no pay-to address is configured.
func challengeFor(g config.GateConfig) *gate.Challenge {
	if g.PayTo == "" {
		return nil
	}
	return &gate.Challenge{
		Amount:   g.Amount,
		Currency: g.Currency,
		Network:  g.Network,
		PayTo:    g.PayTo,
	}
}
