package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ineyio/keymeter"
)

func newKeysCmd(opts *rootOptions) *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Inspect the key registry",
	}
	keys.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered keys and their limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				return err
			}
			return printKeys(cmd.OutOrStdout(), reg.Keys())
		},
	})
	return keys
}

func printKeys(w io.Writer, keys []keymeter.KeyRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tLIMIT")
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%d\n", k.Key, k.Limit)
	}
	return tw.Flush()
}
