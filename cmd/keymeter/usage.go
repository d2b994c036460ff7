package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/keymeter"
)

func newUsageCmd(opts *rootOptions) *cobra.Command {
	usage := &cobra.Command{
		Use:   "usage",
		Short: "Inspect per-client usage",
	}
	usage.AddCommand(newUsageShowCmd(opts), newUsageCheckCmd(opts))
	return usage
}

func newUsageShowCmd(opts *rootOptions) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "List per-client usage under a key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, closeStore, err := openStore(ctx, cfg.Usage)
			if err != nil {
				return err
			}
			defer closeStore()

			recs, err := store.Records(ctx, key)
			if err != nil {
				return err
			}
			return printUsage(cmd.OutOrStdout(), recs, cfg.Window, time.Now())
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "API key")
	cmd.MarkFlagRequired("key")
	return cmd
}

func newUsageCheckCmd(opts *rootOptions) *cobra.Command {
	var key, client string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Print the quota decision for a key and client without charging it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			reg, err := openRegistry(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(ctx, cfg.Usage)
			if err != nil {
				return err
			}
			defer closeStore()

			engine, err := keymeter.NewEngine(reg, store, keymeter.WithWindow(cfg.Window))
			if err != nil {
				return err
			}
			d, err := engine.Evaluate(ctx, key, client)
			if err != nil {
				return err
			}
			return printDecision(cmd.OutOrStdout(), d)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "API key")
	cmd.Flags().StringVar(&client, "client", "", "client id (IP address)")
	cmd.MarkFlagRequired("key")
	cmd.MarkFlagRequired("client")
	return cmd
}

func printUsage(w io.Writer, recs []keymeter.ClientUsage, window time.Duration, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT\tUSED\tLAST ACTIVITY\tWINDOW")
	for _, r := range recs {
		state := "active"
		if r.Record.Expired(now, window) {
			state = "expired"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			r.ClientID, r.Record.Used, r.Record.LastActivity.UTC().Format(time.RFC3339), state)
	}
	return tw.Flush()
}

func printDecision(w io.Writer, d keymeter.Decision) error {
	if !d.Allowed {
		if d.Reason == keymeter.ReasonQuotaExceeded {
			_, err := fmt.Fprintf(w, "denied: %s (limit %d, used %d, retry in %s)\n",
				d.Reason, d.Limit, d.Used, d.RetryAfter.Round(time.Second))
			return err
		}
		_, err := fmt.Fprintf(w, "denied: %s\n", d.Reason)
		return err
	}
	_, err := fmt.Fprintf(w, "allowed: limit %d, used %d, remaining %d, resets after %s\n",
		d.Limit, d.Used, d.Remaining, d.ResetIn())
	return err
}
