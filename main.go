// Command fleet-trader runs the multi-account execution engine and its
// operator control plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"fleet-trader/config"
	"fleet-trader/internal/accounts"
	"fleet-trader/internal/api"
	"fleet-trader/internal/batch"
	"fleet-trader/internal/broker"
	"fleet-trader/internal/circuit"
	"fleet-trader/internal/database"
	"fleet-trader/internal/daytrade"
	"fleet-trader/internal/engine"
	"fleet-trader/internal/events"
	"fleet-trader/internal/health"
	"fleet-trader/internal/journal"
	"fleet-trader/internal/logging"
	"fleet-trader/internal/notification"
	"fleet-trader/internal/rebalance"
	"fleet-trader/internal/risk"
	"fleet-trader/internal/sizing"
	"fleet-trader/internal/vault"
)

const defaultShutdownTimeout = 30 * time.Second

func main() {
	// .env is a development convenience; deployments set the environment
	// directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LoggingConfig.Level, cfg.LoggingConfig.Pretty)
	logger.Info().Bool("paper_mode", cfg.BrokerConfig.PaperMode).Msg("fleet trader starting")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("fleet trader exited")
	}
	logger.Info().Msg("fleet trader stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewEventBus()

	notifier := notification.NewManager(cfg.NotificationConfig.Enabled, cfg.NotificationConfig.Cooldown, logger)
	if cfg.NotificationConfig.Slack.Enabled {
		notifier.AddNotifier(notification.NewSlackNotifier(notification.SlackConfig{
			Enabled:    cfg.NotificationConfig.Slack.Enabled,
			WebhookURL: cfg.NotificationConfig.Slack.WebhookURL,
			Channel:    cfg.NotificationConfig.Slack.Channel,
		}))
	}
	defer notifier.Close()

	handles, creds, err := buildFleet(ctx, cfg, logger)
	if err != nil {
		return err
	}

	registry, err := accounts.NewRegistry(handles, cfg.AccountsConfig.Primary,
		cfg.AccountsConfig.RefreshTTL, bus, logger)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if h, err := registry.Lookup(cfg.AccountsConfig.Primary); err == nil && h.Blocked {
		logger.Warn().Str("account", h.Name).
			Msg("primary account has no credentials, quote lookups will fail until it is provisioned")
	}

	tradingBreaker := circuit.New("trading",
		cfg.BreakerConfig.Trading.FailureThreshold,
		time.Duration(cfg.BreakerConfig.Trading.RecoveryTimeoutSec)*time.Second,
		bus, logger)
	dataBreaker := circuit.New("data",
		cfg.BreakerConfig.Data.FailureThreshold,
		time.Duration(cfg.BreakerConfig.Data.RecoveryTimeoutSec)*time.Second,
		bus, logger)

	var repo *database.Repository
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(cfg.DatabaseConfig.DatabaseURL,
			int32(cfg.DatabaseConfig.MaxConns), int32(cfg.DatabaseConfig.MinConns), logger)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		repo = database.NewRepository(db)
		logger.Info().Msg("postgres journal enabled")
	}

	if cfg.RedisConfig.Enabled && cfg.AccountsConfig.MirrorToRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		defer rdb.Close()
		cache := database.NewSnapshotCache(rdb, logger)
		registry.SetStore(cache)
		registry.RestoreFromStore(ctx)
	}

	var store journal.Store
	if repo != nil {
		store = repo
	} else {
		store = journal.NewMemoryStore()
	}
	jr := journal.New(store, 0, logger)
	if err := jr.Restore(ctx, registry.Names()); err != nil {
		logger.Warn().Err(err).Msg("journal restore failed, starting with empty pairing state")
	}

	coordinator := batch.NewCoordinator(registry, tradingBreaker,
		time.Duration(cfg.BatchConfig.ExecutionWindowSec)*time.Second,
		cfg.BatchConfig.MaxWorkers, bus, logger)
	coordinator.SetDistribution(cfg.AccountsConfig.LowBalanceMin, cfg.AccountsConfig.LowBalanceMult)
	if repo != nil {
		coordinator.SetReportStore(repo)
	}
	if !cfg.BrokerConfig.StreamEnabled {
		coordinator.SetFillSink(jr)
	}

	governor := risk.NewGovernor(risk.Config{
		MaxDailyLoss:         cfg.RiskConfig.MaxDailyLoss,
		MaxConsecutiveLosses: cfg.RiskConfig.MaxConsecutiveLosses,
		MaxErrorCount:        cfg.RiskConfig.MaxErrorCount,
	}, registry, coordinator, tradingBreaker, bus, logger)
	if repo != nil {
		governor.SetEmergencyStore(repo)
	}

	sizer := sizing.New(sizing.Config{
		MaxPositionSize: cfg.RiskConfig.MaxPositionSize,
		BaseFraction:    cfg.RiskConfig.BaseFraction,
		KellyEnabled:    cfg.RiskConfig.KellyEnabled,
	}, jr, logger)

	dayTrades := daytrade.New(registry, cfg.RiskConfig.MaxDayTrades, logger)

	exits := risk.NewExitMonitor(risk.ExitConfig{
		StopLossPct:           cfg.RiskConfig.StopLossPct,
		TakeProfitPct:         cfg.RiskConfig.TakeProfitPct,
		TrailingStopPct:       cfg.RiskConfig.TrailingStopPct,
		TrailingActivationPct: cfg.RiskConfig.TrailingActivationPct,
	}, registry, coordinator, bus, logger)

	quote := func(ctx context.Context, symbol string) (float64, error) {
		h := registry.GetClient(registry.PrimaryName())
		if h == nil {
			return 0, errors.New("no primary account for quotes")
		}
		var price float64
		err := dataBreaker.Call(ctx, func(ctx context.Context) error {
			p, err := h.Client.GetLatestPrice(ctx, symbol)
			if err != nil {
				return err
			}
			price = p
			return nil
		})
		return price, err
	}
	rebalancer := rebalance.NewEngine(rebalance.Config{
		Enabled:       cfg.RebalanceConfig.Enabled,
		Threshold:     cfg.RebalanceConfig.Threshold,
		MinInterval:   cfg.RebalanceConfig.MinInterval,
		MinTradeValue: cfg.RebalanceConfig.MinTradeValue,
		Targets:       cfg.RebalanceConfig.Targets,
	}, registry, coordinator, quote, bus, logger)

	monitor := health.NewMonitor(registry, []*circuit.Breaker{tradingBreaker, dataBreaker},
		governor, coordinator, bus, logger)
	if repo != nil {
		monitor.SetStore(repo)
	}

	// No decision source is wired by default: the loop still refreshes,
	// drains, rebalances and enforces risk. Strategy processes feed
	// decisions through their own DecisionSource.
	eng, err := engine.New(cfg.EngineConfig, cfg.RiskConfig, engine.Deps{
		Registry:       registry,
		Coordinator:    coordinator,
		Governor:       governor,
		Sizer:          sizer,
		DayTrades:      dayTrades,
		Journal:        jr,
		Rebalancer:     rebalancer,
		Monitor:        monitor,
		Exits:          exits,
		Notifier:       notifier,
		Bus:            bus,
		TradingBreaker: tradingBreaker,
		DataBreaker:    dataBreaker,
	}, logger)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if cfg.BrokerConfig.StreamEnabled && !cfg.BrokerConfig.PaperMode {
		var streams []*broker.Stream
		for _, h := range handles {
			c, ok := creds[h.Name]
			if !ok {
				continue
			}
			streams = append(streams, broker.NewStream(h.Name, cfg.BrokerConfig.StreamURL, c, eng.HandleFill, logger))
		}
		eng.SetStreams(streams)
		logger.Info().Int("streams", len(streams)).Msg("trade-update streams configured")
	}

	// Startup probe: one balance read and one quote per account so broken
	// credentials surface before the first cycle.
	for name, caps := range registry.VerifyAll(ctx, "SPY") {
		logger.Info().Str("account", name).
			Bool("trading", caps.Trading).Bool("data", caps.Data).
			Msg("account verified")
	}
	registry.RefreshAll(ctx)

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(cfg.ServerConfig, cfg.AuthConfig, eng, registry, monitor, bus, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("api server failed")
			}
		}()
	}

	eng.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	timeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), timeout)
	defer cancelShutdown()

	eng.Shutdown(shutdownCtx)
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("api server shutdown")
		}
	}
	return nil
}

// buildFleet resolves credentials and constructs one broker client per
// configured account. Accounts with no credentials are left out of the
// fleet; an empty fleet aborts startup.
func buildFleet(ctx context.Context, cfg *config.Config, logger zerolog.Logger) ([]accounts.Handle, map[string]broker.Credentials, error) {
	names := make([]string, 0, len(cfg.AccountsConfig.Accounts))
	for _, ac := range cfg.AccountsConfig.Accounts {
		names = append(names, ac.Name)
	}

	creds := make(map[string]broker.Credentials)
	if !cfg.BrokerConfig.PaperMode {
		vc, err := vault.NewClient(cfg.VaultConfig, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("vault: %w", err)
		}
		for name, c := range vc.Resolve(ctx, names) {
			creds[name] = broker.Credentials{APIKey: c.APIKey, APISecret: c.APISecret}
		}
		// Inline config credentials are the last resort, kept for local setups.
		for _, ac := range cfg.AccountsConfig.Accounts {
			if _, ok := creds[ac.Name]; !ok && ac.APIKey != "" && ac.APISecret != "" {
				creds[ac.Name] = broker.Credentials{APIKey: ac.APIKey, APISecret: ac.APISecret}
			}
		}
	}

	retry := broker.RetryPolicy{
		MaxAttempts: cfg.BrokerConfig.RetryAttempts,
		BaseDelay:   time.Duration(cfg.BrokerConfig.RetryBaseMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.BrokerConfig.RetryMaxMs) * time.Millisecond,
	}

	var handles []accounts.Handle
	usable := 0
	for _, ac := range cfg.AccountsConfig.Accounts {
		h := accounts.Handle{
			Name:          ac.Name,
			Delay:         time.Duration(ac.ExecutionDelay * float64(time.Second)),
			QtyMultiplier: ac.QtyMultiplier,
		}
		switch {
		case cfg.BrokerConfig.PaperMode:
			h.Client = broker.NewMockClient(100000, 100000)
			usable++
		default:
			c, ok := creds[ac.Name]
			if !ok {
				logger.Warn().Str("account", ac.Name).Msg("no credentials resolved, account blocked")
				h.Client = broker.NewUnauthenticatedClient(ac.Name)
				h.Blocked = true
				break
			}
			h.Client = broker.NewRESTClient(c, cfg.BrokerConfig.TradingURL, cfg.BrokerConfig.DataURL,
				cfg.BrokerConfig.RequestsPerSec, retry)
			usable++
		}
		handles = append(handles, h)
	}
	if usable == 0 {
		return nil, nil, errors.New("no accounts with credentials, nothing to trade")
	}
	return handles, creds, nil
}
