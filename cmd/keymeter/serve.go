package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"

	"github.com/ineyio/keymeter"
	"github.com/ineyio/keymeter/gateway"
	"github.com/ineyio/keymeter/meter"
	"github.com/ineyio/keymeter/qrcode"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd, cfg)
		},
	}
}

func serve(cmd *cobra.Command, cfg keymeter.Config) error {
	ctx := cmd.Context()
	logger := newLogger(cfg.Log)

	reg, err := openRegistry(cfg, logger)
	if err != nil {
		return err
	}
	if cfg.Keys.Watch {
		if err := reg.Watch(ctx); err != nil {
			return err
		}
	}

	store, closeStore, err := openStore(ctx, cfg.Usage)
	if err != nil {
		return err
	}
	defer closeStore()

	meters := meter.Multi{meter.NewLogMeter(logger)}
	var gwOpts []gateway.Option
	if cfg.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		pm, err := meter.NewPromMeter(promReg)
		if err != nil {
			return err
		}
		meters = append(meters, pm)
		gwOpts = append(gwOpts, gateway.WithMetrics(cfg.Metrics.Path, promReg))
	}

	engine, err := keymeter.NewEngine(reg, store,
		keymeter.WithWindow(cfg.Window),
		keymeter.WithMeter(meters),
	)
	if err != nil {
		return err
	}

	qr := qrcode.New(cfg.QRCode.BaseURL,
		qrcode.WithSize(cfg.QRCode.Size),
		qrcode.WithTimeout(cfg.QRCode.Timeout),
		qrcode.WithStateChange(func(from, to gobreaker.State) {
			logger.Warn("qrcode circuit breaker", "from", from.String(), "to", to.String())
		}),
	)

	gwOpts = append(gwOpts,
		gateway.WithLogger(logger),
		gateway.WithTrustProxy(cfg.TrustProxy),
		gateway.WithCORS(cfg.CORS.AllowedOrigins),
	)
	srv := gateway.New(engine, qr, gwOpts...)

	logger.Info("keymeter starting",
		"listen", cfg.Listen,
		"usage_backend", cfg.Usage.Backend,
		"keys", len(reg.Keys()),
		"window", cfg.Window.String(),
	)
	if err := srv.ListenAndServe(ctx, cfg.Listen); err != nil {
		return err
	}

	// Redis and Postgres write through on every consume; this flushes the
	// file store once more on the way out.
	return store.Persist(context.WithoutCancel(ctx))
}
