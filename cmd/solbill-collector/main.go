package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/solbill/collector/internal/config"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var osExit = os.Exit

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "solbill-collector",
		Short: "SolBill payment collector",
		Long: `solbill-collector periodically scans the SolBill program for subscriptions
whose billing time has arrived and settles each one on the ledger, earning the
plan's crank reward.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollector(cmd.Context(), v)
		},
	}

	flags := root.PersistentFlags()
	flags.String(config.KeyEnvFile, ".env", "path of the .env file to load and watch")
	flags.String(config.KeyRPCURL, "", "ledger JSON-RPC endpoint")
	flags.String(config.KeyProgramID, "", "billing program address")
	flags.String(config.KeyIdentity, "", "collector keypair file or base58 secret key")
	flags.String(config.KeyCommitment, "", "read commitment: processed, confirmed or finalized")
	flags.Duration(config.KeyPollInterval, 0, "time between scans")
	flags.Int(config.KeyMaxConcurrency, 0, "settlements in flight per tick")
	flags.Duration(config.KeySubmitTimeout, 0, "time bound for one settlement attempt")
	flags.String(config.KeyHTTPAddr, "", "listen address for health, metrics and access checks")
	flags.String(config.KeyDataDir, "", "directory for the settlement journal (empty disables it)")
	flags.String(config.KeyLogLevel, "", "log level")
	flags.String(config.KeyLogFormat, "", "log format: auto, json or console")
	flags.String(config.KeyLogFile, "", "also append logs to this file")
	flags.Bool(config.KeyMock, false, "run against a seeded in-memory ledger")

	// Only explicitly set flags override the environment.
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var bindErr error
		cmd.Flags().Visit(func(f *pflag.Flag) {
			if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		return bindErr
	}

	root.AddCommand(newVersionCmd(), newScanCmd(v), newCheckAccessCmd(v), newHistoryCmd(v))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "solbill-collector %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}
