package main

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ineyio/keymeter"
)

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "keymeter",
		Short:         "Per-key, per-client request quota gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(opts.envFile)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML config (defaults apply when empty)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newKeysCmd(opts))
	root.AddCommand(newUsageCmd(opts))
	return root
}

// loadEnv loads a dotenv file. A missing file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (o *rootOptions) loadConfig() (keymeter.Config, error) {
	if o.configPath != "" {
		return keymeter.LoadConfig(o.configPath)
	}
	cfg := keymeter.DefaultConfig()
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}
