package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/dispatcher"
	"github.com/modelmux/modelmux/pkg/gpu"
	"github.com/modelmux/modelmux/pkg/prober"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/registry"
	"github.com/modelmux/modelmux/pkg/server"
	"github.com/modelmux/modelmux/pkg/stats"
	"github.com/modelmux/modelmux/pkg/types"
	"github.com/modelmux/modelmux/pkg/version"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the modelmux load balancer.",
		Long:  "Discover GPUs, provision inference instances and serve the balancing API.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				log.Fatal().Err(err).Msg("failed to load config")
			}
			if err := serve(cmd.Context(), cfg); err != nil {
				log.Fatal().Err(err).Msg("failed to run server")
			}
			return nil
		},
	}
}

func setLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("unknown log level, using info")
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

func serve(ctx context.Context, cfg config.Config) error {
	setLogLevel(cfg.LogLevel)
	log.Info().Str("version", version.Get()).Msg("starting modelmux")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	probe := gpu.NewProbe()
	gpus := probe.Enumerate(ctx)

	reg := registry.New()
	if err := reg.Provision(cfg, gpus); err != nil {
		return err
	}

	ledger := stats.NewLedger()
	local := provider.NewLocal(cfg)
	providers := map[types.InstanceKind]provider.Interface{
		types.InstanceKindLocal: local,
	}
	if cfg.OpenAIAPIKey != "" {
		providers[types.InstanceKindOpenAI] = provider.NewOpenAI(cfg)
	}

	prb := prober.New(prober.Params{
		Registry:     reg,
		Ledger:       ledger,
		Pinger:       local,
		Interval:     cfg.HealthCheckInterval(),
		ProbeTimeout: cfg.ProbeTimeout(),
		CacheWindow:  cfg.HealthCheckCacheDuration(),
	})

	disp, err := dispatcher.New(cfg, dispatcher.Params{
		Registry:  reg,
		Ledger:    ledger,
		Providers: providers,
		Prober:    prb,
		Gpus:      probe,
	})
	if err != nil {
		return err
	}
	svc := dispatcher.WithLogging(dispatcher.WithMetrics(disp))

	go prb.Run(ctx)

	srv := server.New(cfg, server.Params{
		Service:    svc,
		Embeddings: disp,
		Resetter:   disp,
		Gpus:       probe,
	})
	return srv.ListenAndServe(ctx)
}
