package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"corral/internal/api"
	"corral/internal/api/handlers"
	apimw "corral/internal/api/middleware"
	ws "corral/internal/api/websocket"
	"corral/internal/bridge"
	"corral/internal/bus"
	"corral/internal/config"
	"corral/internal/emergency"
	"corral/internal/model"
	"corral/internal/reasoning"
	"corral/internal/registry"
	"corral/internal/storage"
	"corral/internal/storage/repos"
	"corral/internal/supervisor"
)

func newServeCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				if os.IsNotExist(errors.Unwrap(err)) {
					log.Printf("[serve] config %s not found, using defaults", *cfgPath)
					cfg = config.Default()
				} else {
					return err
				}
			}
			return runServer(cfg)
		},
	}
}

func runServer(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(ctx, db); err != nil {
		return err
	}
	store := repos.New(db)

	b := bus.New(cfg.Bus.QueueCapacity, cfg.Bus.DispatchWorkers, config.DefaultTTL(cfg))
	b.Start(ctx)
	publish := func(topic string, payload map[string]any, pri model.Priority) {
		if _, err := b.Publish(topic, payload, bus.PublishOptions{Priority: pri, SenderID: "supervisor"}); err != nil {
			log.Printf("[serve] publish %s: %v", topic, err)
		}
	}

	reg := registry.New(config.HeartbeatInterval(cfg), cfg.Registry.TimeoutMultiplier, cfg.Registry.EvictOffline)
	shedder := emergency.NewLoadShedder(float64(cfg.RateLimit.PerMinute)/60.0, cfg.RateLimit.Burst)

	persist := func(st model.CircuitBreakerState) {
		if err := store.SaveBreakerState(context.Background(), st); err != nil {
			log.Printf("[serve] persist breaker state: %v", err)
		}
	}
	breaker := bridge.NewBreaker("pipeline", cfg.Bridge.FailureThreshold, config.RecoveryTimeout(cfg), cfg.Bridge.HalfOpenProbes, persist)
	if st, err := store.GetBreakerState(ctx, "pipeline"); err == nil {
		breaker.Restore(st)
	} else if !errors.Is(err, repos.ErrBreakerNotFound) {
		return err
	}

	transport := bridge.NewValidatorClient(cfg.Bridge.ValidatorURL, config.BridgeTimeout(cfg))
	retry := bridge.RetryPolicy{
		MaxAttempts: cfg.Bridge.Retry.MaxAttempts,
		BaseDelay:   config.RetryBaseDelay(cfg),
		MaxDelay:    config.RetryMaxDelay(cfg),
	}
	br := bridge.New(transport, bridge.NewContracts(), breaker, store, shedder, publish, retry)

	var reasoner *reasoning.Client
	if cfg.Reasoning.Enabled {
		reasoner = reasoning.NewClient(cfg.Reasoning.URL, config.ReasoningTimeout(cfg))
	}
	em := emergency.NewManager(
		emergencyRules(cfg),
		emergency.DefaultProtocols(shedder, publish, reasoner),
		publish,
	)

	col := supervisor.NewCollector()
	sup := supervisor.New(reg, em, col, br, store, publish, config.Tick(cfg), cfg.Supervisor.PendingActions)
	go sup.Run(ctx)

	replay := bridge.NewScheduler(br)
	if err := replay.Register(cfg.Bridge.ReplaySchedule); err != nil {
		return err
	}
	replay.Start()
	defer func() { <-replay.Stop().Done() }()

	hub := ws.NewHub(b)
	if err := hub.Start(); err != nil {
		return err
	}
	defer hub.Stop()

	server := handlers.New(cfg, b, reg, em, sup, col, br, store)
	limiter := apimw.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst, shedder)

	srv := &http.Server{
		Addr:         config.Addr(cfg),
		Handler:      api.NewRouter(server, hub, limiter),
		ReadTimeout:  config.ReadTimeout(cfg),
		WriteTimeout: config.WriteTimeout(cfg),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[serve] listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Printf("[serve] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GracePeriod(cfg))
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func emergencyRules(cfg config.Config) []emergency.Rule {
	rules := make([]emergency.Rule, 0, len(cfg.Emergency.Thresholds))
	for _, th := range cfg.Emergency.Thresholds {
		rules = append(rules, emergency.Rule{
			Metric:   th.Metric,
			Value:    th.Value,
			Type:     model.EmergencyType(th.Type),
			Severity: th.Severity,
			Dwell:    config.ThresholdDwell(th),
			Cooldown: config.ThresholdCooldown(th),
		})
	}
	return rules
}
