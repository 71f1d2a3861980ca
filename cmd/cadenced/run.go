package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MRamiBalles/cadence/internal/engine"
	"github.com/MRamiBalles/cadence/internal/events"
	"github.com/MRamiBalles/cadence/internal/infra/storage"
	"github.com/MRamiBalles/cadence/internal/network"
	"github.com/MRamiBalles/cadence/internal/platform/config"
	"github.com/MRamiBalles/cadence/internal/platform/logger"
	"github.com/MRamiBalles/cadence/internal/platform/metrics"
	"github.com/MRamiBalles/cadence/internal/scheduler"
	"github.com/MRamiBalles/cadence/internal/timing"
)

var (
	listenAddr      string
	shutdownTimeout time.Duration
	watchConfig     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the engine and the telemetry server",
	Long: `Registers the configured loops, selects a timing strategy and serves
snapshots, events and controls over HTTP and WebSocket until interrupted.
On SIGINT or SIGTERM every loop is returned to baseline before exit.

Examples:
  cadenced run
  cadenced run -c cadence.yaml --watch
  cadenced run --preset low --listen :9090`,
	RunE: runEngine,
}

func init() {
	runCmd.Flags().StringVar(&listenAddr, "listen", "", "Override server.listen")
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Time allowed for loops to reach baseline")
	runCmd.Flags().BoolVar(&watchConfig, "watch", false, "Apply target_hz changes from the config file while running")
	rootCmd.AddCommand(runCmd)
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	collector := metrics.Get()
	var (
		store    *storage.Store
		sampler  *storage.Sampler
		observer scheduler.Observer = collector
		opts     []engine.Option
	)
	if cfg.Storage.Enabled {
		store, err = storage.Open(cfg.Storage.Path, cfg.Storage.MaxOpenConns, storage.WithMetrics(collector))
		if err != nil {
			return err
		}
		defer store.Close()
		sampler = storage.NewSampler(store.Samples, cfg.Storage.SampleEvery, 1024,
			storage.WithNext(collector), storage.WithSamplerLogger(log.Named("sampler")))
		observer = sampler
		opts = append(opts, engine.WithPersister(store))
		log.Info("persistence enabled", zap.String("path", cfg.Storage.Path), zap.Int("sample_every", cfg.Storage.SampleEvery))
	}

	spin := cfg.Timing.SpinThreshold
	opts = append(opts,
		engine.WithLogger(log),
		engine.WithObserver(observer),
		engine.WithNegotiatorOptions(capabilityTimer(spin)),
		engine.WithLoopOptions(func(string) []scheduler.Option {
			return []scheduler.Option{scheduler.WithTimer(timing.NewTimer(timing.WithSpinThreshold(spin)))}
		}),
	)
	eng := engine.New(cfg.EngineConfig(), opts...)
	eng.OnEvent(collector.ObserveEvent)

	for _, lc := range cfg.Loops {
		if _, err := eng.RegisterLoop(loopSpec(lc, log)); err != nil {
			return fmt.Errorf("register loop %s: %w", lc.ID, err)
		}
	}

	hub := network.NewHub(eng, log.Named("ws"),
		network.WithHubMetrics(collector),
		network.WithSendBuffer(cfg.Server.ClientSendBuffer),
		network.WithBroadcastBuffer(cfg.Server.BroadcastBuffer),
	)
	eng.OnEvent(hub.PublishEvent)

	var watcher *config.Watcher
	if watchConfig && cfgFile != "" {
		watcher, err = config.NewWatcher(cfgFile, cfg, applyTargets(eng, log),
			config.WithWatcherLogger(log.Named("config")),
			config.WithBase(func() *config.Config {
				c, _ := config.Preset(preset)
				return c
			}),
		)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the engine outlives ctx so shutdown goes through the emergency path
	if err := eng.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	srvCfg := network.ServerConfig{
		Addr:    cfg.Server.Listen,
		H2C:     cfg.Server.H2C,
		Hub:     hub,
		Control: eng,
		Metrics: collector,
		Logger:  log.Named("http"),
	}
	if store != nil {
		srvCfg.Events = store.Events
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return hub.RunSnapshots(gctx, cfg.Server.BroadcastPeriod) })
	g.Go(func() error { return network.Serve(gctx, srvCfg) })
	if sampler != nil {
		g.Go(func() error { return sampler.Run(gctx) })
	}
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	<-gctx.Done()
	log.Info("shutting down", zap.NamedError("cause", context.Cause(gctx)))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := eng.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil {
		return err
	}
	if shutdownErr != nil {
		return shutdownErr
	}
	log.Info("stopped", zap.Bool("all_clear", eng.AllClear()))
	return nil
}

// loopSpec builds a spec whose callback burns the configured work cost.
func loopSpec(lc config.LoopConfig, log *logger.Logger) scheduler.LoopSpec {
	return scheduler.LoopSpec{
		ID:                    lc.ID,
		TargetHz:              lc.TargetHz,
		MinHz:                 lc.MinHz,
		PreservationThreshold: lc.PreservationThreshold,
		Callback:              syntheticWork(lc.WorkCost),
		Baseline: func(ctx context.Context, sig events.EmergencySignal) {
			log.Info("loop at baseline",
				zap.String("loop", lc.ID),
				zap.Stringer("severity", sig.Severity),
				zap.String("reason", string(sig.Reason)),
			)
		},
	}
}

// syntheticWork spins for cost, checking ctx so an abandoned callback
// returns promptly.
func syntheticWork(cost time.Duration) scheduler.Callback {
	return func(ctx context.Context) {
		if cost <= 0 {
			return
		}
		deadline := time.Now().Add(cost)
		for time.Now().Before(deadline) {
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// applyTargets routes config reloads through RequestTargetChange.
func applyTargets(eng *engine.Engine, log *logger.Logger) config.ReloadFunc {
	return func(_ *config.Config, changes []config.TargetChange) {
		for _, ch := range changes {
			if err := eng.RequestTargetChange(ch.LoopID, ch.ToHz); err != nil {
				log.Warn("target change from config rejected", zap.String("loop", ch.LoopID), zap.Float64("hz", ch.ToHz), zap.Error(err))
				continue
			}
			log.Info("target changed from config", zap.String("loop", ch.LoopID), zap.Float64("from_hz", ch.FromHz), zap.Float64("to_hz", ch.ToHz))
		}
	}
}
