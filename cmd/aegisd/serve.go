package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"aegis/internal/act"
	"aegis/internal/config"
	"aegis/internal/hostprobe"
	"aegis/internal/httpapi"
	"aegis/internal/ledger"
	"aegis/internal/offload"
	"aegis/internal/orchestrator"
	"aegis/internal/registry"
	"aegis/internal/tier"
	"aegis/pkg/types"
)

func newServeCmd(opts *globalOpts) *cobra.Command {
	var addr, fastModel, deepModel string
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Load both tiers and serve the HTTP API",
		Example: "  aegisd serve --config /etc/aegis.yaml\n  aegisd serve --fast-model ~/models/small.gguf --deep-model ~/models/large/",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if fastModel != "" {
				cfg.FastModelPath = fastModel
			}
			if deepModel != "" {
				cfg.DeepModelPath = deepModel
			}
			log, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&fastModel, "fast-model", "", "Fast tier GGUF file (overrides config)")
	cmd.Flags().StringVar(&deepModel, "deep-model", "", "Deep tier GGUF file, split set or directory (overrides config)")
	return cmd
}

// resolveBudgets fills zero budgets from the host's free memory.
func resolveBudgets(ctx context.Context, cfg *config.Config, p *hostprobe.Prober, log zerolog.Logger) error {
	if cfg.VRAMBudgetBytes > 0 && cfg.RAMBudgetBytes > 0 {
		return nil
	}
	host, err := p.Probe(ctx)
	if err != nil {
		return fmt.Errorf("probe host memory: %w", err)
	}
	vram, ram := host.Budgets(cfg.VRAMMarginBytes, cfg.RAMMarginBytes)
	if cfg.VRAMBudgetBytes == 0 {
		if host.GPUError != nil {
			return fmt.Errorf("no vram_budget_bytes configured and GPU discovery failed: %w", host.GPUError)
		}
		cfg.VRAMBudgetBytes = vram
	}
	if cfg.RAMBudgetBytes == 0 {
		cfg.RAMBudgetBytes = ram
	}
	log.Info().
		Str("vram_budget", humanize.IBytes(cfg.VRAMBudgetBytes)).
		Str("ram_budget", humanize.IBytes(cfg.RAMBudgetBytes)).
		Int("gpus", len(host.GPUs)).
		Msg("memory budgets from host probe")
	return nil
}

// buildOrchestrator wires ledger, tiers and coordinator from cfg.
func buildOrchestrator(cfg config.Config, log zerolog.Logger) (*orchestrator.Orchestrator, error) {
	shards, err := registry.ResolveShards(cfg.DeepModelPath)
	if err != nil {
		return nil, err
	}
	log.Info().Int("shards", len(shards)).
		Str("deep_size", humanize.IBytes(uint64(registry.TotalSize(shards)))).
		Str("largest_shard", humanize.IBytes(uint64(registry.Largest(shards)))).
		Str("window", humanize.IBytes(cfg.OffloadWindowBytes)).
		Msg("deep model resolved")

	led := ledger.New(ledger.Config{
		VRAMBudget: cfg.VRAMBudgetBytes,
		RAMBudget:  cfg.RAMBudgetBytes,
		Exclusive:  []types.Tier{types.TierFast},
		Logger:     log,
	})
	coord := offload.New(offload.Config{
		WindowBytes:  int64(cfg.OffloadWindowBytes),
		StallTimeout: cfg.StallTimeout(),
		Shards:       shards,
		Logger:       log,
	})
	adapter := tier.NewLlamaAdapter()
	if cfg.FastServerURL != "" {
		adapter = tier.NewServerAdapter(tier.ServerConfig{BaseURL: cfg.FastServerURL, APIKey: cfg.FastServerAPIKey, Logger: log})
	}
	fastDefaults := tier.DefaultParams
	fastDefaults.MaxTokens = cfg.FastMaxTokens
	fast := tier.NewFast(tier.FastConfig{
		ModelPath: cfg.FastModelPath,
		Adapter:   adapter,
		Load:      tier.LoadOptions{ContextTokens: cfg.FastContextTokens, GPULayers: cfg.FastLayers(), Threads: cfg.Threads},
		Defaults:  fastDefaults,
		WorkVRAM:  cfg.FastWorkingVRAMBytes,
		OnState:   orchestrator.ObserveTierState,
		Logger:    log,
	})
	deepDefaults := tier.DefaultParams
	deepDefaults.MaxTokens = cfg.DeepMaxTokens
	deep := tier.NewDeep(tier.DeepConfig{
		Coordinator: coord,
		Executors:   tier.NewLlamaExecutors(tier.LoadOptions{ContextTokens: cfg.DeepContextTokens, GPULayers: cfg.DeepGPULayers, ModelLayers: cfg.DeepModelLayers, Threads: cfg.Threads}),
		Defaults:    deepDefaults,
		VRAM:        cfg.DeepVRAMBytes,
		RAMOverhead: cfg.DeepRAMOverheadBytes,
		OnState:     orchestrator.ObserveTierState,
		Logger:      log,
	})

	var handler act.Handler = act.LogHandler(log)
	if cfg.ActWebhookURL != "" {
		handler = act.HTTPHandler{URL: cfg.ActWebhookURL, Client: &http.Client{Timeout: 30 * time.Second}}
	}
	backoff, backoffMax := cfg.RetryBackoff()
	return orchestrator.New(orchestrator.Config{
		Fast:                    fast,
		Deep:                    deep,
		Ledger:                  led,
		FastQueueDepthThreshold: cfg.FastQueueDepthThreshold,
		FastContextTokens:       cfg.FastContextTokens,
		FastMaxTokens:           cfg.FastMaxTokens,
		RetryCeiling:            cfg.RetryCeiling(),
		RetryBackoff:            backoff,
		RetryBackoffMax:         backoffMax,
		DefaultDeadline:         cfg.DefaultDeadline(),
		Act:                     handler,
		Logger:                  log,
	})
}

func configureHTTP(cfg config.Config, log zerolog.Logger) {
	httpapi.SetLogger(log)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSOrigins, cfg.CORSMethods, cfg.CORSHeaders)
}

// serve runs until ctx ends, then drains the HTTP server and the orchestrator.
func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	if err := resolveBudgets(ctx, &cfg, hostprobe.New(), log); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !tier.LlamaBuilt {
		log.Warn().Bool("fast_server", cfg.FastServerURL != "").Msg("built without the llama tag; in-process tiers will fail to load")
	}
	orch, err := buildOrchestrator(cfg, log)
	if err != nil {
		return err
	}
	configureHTTP(cfg, log)
	httpapi.SetBaseContext(ctx)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(orch),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	started := make(chan struct{})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("aegisd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Readiness stays false until both tiers had their chance to load.
		defer close(started)
		if err := orch.Start(gctx); err != nil {
			return err
		}
		st := orch.Status()
		for _, ts := range st.Tiers {
			log.Info().Str("tier", string(ts.Tier)).Str("state", ts.State).Bool("degraded", ts.Degraded).Msg("tier ready")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		<-started
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		log.Info().Msg("shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		return orch.Close(shutdownCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
