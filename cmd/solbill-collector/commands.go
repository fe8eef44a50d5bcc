package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/solbill/collector/internal/config"
	"github.com/solbill/collector/internal/gate"
	"github.com/solbill/collector/internal/journal"
	"github.com/solbill/collector/internal/scanner"
)

func newScanCmd(v *viper.Viper) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List subscriptions that are due now, without settling them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			be, err := openBackend(cfg, false)
			if err != nil {
				return err
			}
			defer be.close()

			s := scanner.New(scanner.Config{
				Client:              be.client,
				Program:             cfg.ProgramID,
				DisableStatusFilter: cfg.DisableStatusFilter,
			})
			now := time.Now()

			var entries []scanner.Entry
			var res scanner.Result
			if all {
				entries, res, err = s.All(cmd.Context())
			} else {
				res, err = s.FindDue(cmd.Context(), now.Unix())
				entries = res.Due
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SUBSCRIPTION\tSUBSCRIBER\tKIND\tSTATUS\tAMOUNT\tREWARD\tNEXT BILLING\tCYCLES")
			for _, e := range entries {
				sub := e.Subscription
				cycles := fmt.Sprintf("%d", sub.CyclesBilled)
				if left, bounded := sub.RemainingCycles(); bounded {
					cycles = fmt.Sprintf("%d/%d (%d left)", sub.CyclesBilled, sub.MaxBillingCycles, left)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					e.Address, sub.Subscriber, sub.Kind(), sub.Status, sub.Amount, sub.CrankReward,
					time.Unix(sub.NextBillingTimestamp, 0).UTC().Format(time.RFC3339), cycles)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%d listed, %d scanned, %d undecodable\n", len(entries), res.Scanned, res.DecodeFailures)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every subscription record, due or not")
	return cmd
}

func newCheckAccessCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "check-access SUBSCRIBER PLAN",
		Short: "Check whether a wallet's subscription to a plan grants access",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			subscriber, err := gate.ParseWallet(args[0])
			if err != nil {
				return err
			}
			plan, err := solana.PublicKeyFromBase58(args[1])
			if err != nil {
				return fmt.Errorf("invalid plan address: %w", err)
			}

			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			be, err := openBackend(cfg, false)
			if err != nil {
				return err
			}
			defer be.close()

			g := gate.New(gate.Config{Client: be.client, Program: cfg.ProgramID})
			d, err := g.Check(cmd.Context(), subscriber, plan)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "subscription: %s\n", d.Subscription)
			if d.Allowed {
				fmt.Fprintf(out, "access:       allowed (%s)\n", d.Reason)
			} else {
				fmt.Fprintf(out, "access:       denied (%s), pay-per-use applies\n", d.Reason)
			}
			if d.Reason != gate.ReasonNoSubscription && d.Reason != gate.ReasonLookupFailed {
				fmt.Fprintf(out, "status:       %s\n", d.Status)
				fmt.Fprintf(out, "next billing: %s\n", time.Unix(d.NextBilling, 0).UTC().Format(time.RFC3339))
			}
			return err
		},
	}
}

func newHistoryCmd(v *viper.Viper) *cobra.Command {
	var (
		subscription string
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent ticks, or the attempts for one subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if cfg.DataDir == "" {
				return fmt.Errorf("the settlement journal is disabled; set --%s", config.KeyDataDir)
			}
			store, err := journal.NewStore(journal.DefaultConfig(cfg.DataDir))
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			if subscription != "" {
				attempts, err := store.Attempts(subscription, limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "STARTED\tOUTCOME\tCYCLE\tSIGNATURE\tERROR")
				for _, a := range attempts {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
						a.StartedAt.UTC().Format(time.RFC3339), a.Outcome, a.Cycle, a.Signature, a.Error)
				}
				return tw.Flush()
			}

			ticks, err := store.RecentTicks(limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "STARTED\tDUE\tSETTLED\tSKIPPED\tFAILED\tTOOK\tSCAN ERROR")
			for _, t := range ticks {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
					t.StartedAt.UTC().Format(time.RFC3339), t.Due, t.Settled, t.Skipped, t.Failed,
					t.Duration.Round(time.Millisecond), t.ScanError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&subscription, "subscription", "", "subscription address")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}
