package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trading-engine/config"
	"trading-engine/internal/alerts"
	"trading-engine/internal/api"
	"trading-engine/internal/audit"
	"trading-engine/internal/broker"
	"trading-engine/internal/engine"
	"trading-engine/internal/execution"
	"trading-engine/internal/ledger"
	"trading-engine/internal/logging"
	"trading-engine/internal/risk"
	"trading-engine/internal/secrets"
	tradesignal "trading-engine/internal/signal"
	"trading-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Pretty)
	logger.Info().Msg("Starting trading engine")

	trail, err := audit.NewLogger(cfg.Audit.Dir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize audit log")
	}

	alerter := alerts.NewEscalator(logger)
	alerter.AddChannel(alerts.NewLogChannel(logger))
	if cfg.Alerts.Enabled {
		if cfg.Alerts.Telegram.Enabled {
			alerter.AddChannel(alerts.NewTelegramChannel(alerts.TelegramConfig{
				BotToken: cfg.Alerts.Telegram.BotToken,
				ChatID:   cfg.Alerts.Telegram.ChatID,
				Enabled:  true,
			}))
			logger.Info().Msg("Telegram alerts enabled")
		}
		if cfg.Alerts.Discord.Enabled {
			alerter.AddChannel(alerts.NewDiscordChannel(alerts.DiscordConfig{
				WebhookURL: cfg.Alerts.Discord.WebhookURL,
				Enabled:    true,
			}))
			logger.Info().Msg("Discord alerts enabled")
		}
	}

	venue, err := buildBroker(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize broker")
	}

	book := ledger.New(cfg.Broker.InitialCash, cfg.Broker.InitialCash, logger)

	limits := risk.Limits{
		MaxPositionSizePct:   cfg.Risk.MaxPositionSizePct,
		MaxTotalExposurePct:  cfg.Risk.MaxTotalExposurePct,
		MaxPositions:         cfg.Risk.MaxPositions,
		DailyLossLimitPct:    cfg.Risk.DailyLossLimitPct,
		MinAvgVolume:         cfg.Risk.MinAvgVolume,
		RequiredStopLoss:     cfg.Risk.RequiredStopLoss,
		MinStopLossPct:       cfg.Risk.MinStopLossPct,
		MinTakeProfitPct:     cfg.Risk.MinTakeProfitPct,
		CircuitBreakerLosses: cfg.Risk.CircuitBreakerLosses,
		AllowedSymbols:       cfg.Risk.AllowedSymbols,
	}
	if err := limits.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid risk limits")
	}
	gate := risk.NewGate(limits, book, cfg.Risk.VolumeStaleness, logger)

	exec := execution.NewEngine(venue, book, trail, alerter, logger)

	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		tracker := execution.NewStaleOrderTracker(redisClient, cfg.Redis.OrderTimeout, logger)
		exec.SetStaleOrderTracker(tracker)
		tracker.Start()
		defer tracker.Stop()
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Stale order tracker enabled")
	}

	var mirror *store.Store
	if cfg.Database.Enabled {
		mirror, err = store.New(store.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer mirror.Close()

		if err := mirror.RunMigrations(context.Background()); err != nil {
			logger.Fatal().Err(err).Msg("Failed to run migrations")
		}
	}

	eng := engine.New(engine.Config{
		Symbols:      cfg.Engine.Symbols,
		TickInterval: cfg.Engine.TickInterval,
		ArmKeyHash:   cfg.Engine.ArmKeyHash,
	}, venue, book, gate, exec, trail, alerter, mirror, logger)

	// Sessions can always run manual-only: protective exits and operator
	// orders work with no signal source.
	eng.RegisterStrategy(manualOnly{})
	if err := eng.SetStrategyByName("manual_only"); err != nil {
		logger.Fatal().Err(err).Msg("Failed to set default strategy")
	}

	server := api.NewServer(api.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ProductionMode: cfg.Server.ProductionMode,
		AllowOrigins:   cfg.Server.AllowOrigins,
		JWTSecret:      cfg.Server.JWTSecret,
		ConfirmKeyHash: cfg.Server.ConfirmKeyHash,
	}, eng, exec, book, gate, trail, alerter, logger)
	if mirror != nil {
		server.AttachHealthChecker(mirror)
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if session := eng.Session(); session != nil {
		if _, err := eng.StopSession(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop session cleanly")
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	logger.Info().Msg("Trading engine stopped")
}

// manualOnly is the default strategy: it never emits signals. Orders enter
// through the manual endpoint and exits through the protective-exit monitor.
type manualOnly struct{}

func (manualOnly) GenerateSignals(string, map[string]float64, map[string]float64) []*tradesignal.Signal {
	return nil
}

func (manualOnly) Name() string { return "manual_only" }

// buildBroker constructs the configured venue. The simulated venue is the
// only adapter shipped here; selecting a live venue verifies credentials are
// available and then fails until an adapter for it is wired in.
func buildBroker(cfg *config.Config, logger zerolog.Logger) (broker.Broker, error) {
	if cfg.Broker.Venue == "sim" {
		simCfg := broker.DefaultSimConfig()
		if cfg.Broker.InitialCash > 0 {
			simCfg.InitialCash = cfg.Broker.InitialCash
		}
		if cfg.Broker.CommissionRate > 0 {
			simCfg.CommissionRate = cfg.Broker.CommissionRate
		}
		if cfg.Broker.SlippagePct > 0 {
			simCfg.SlippagePct = cfg.Broker.SlippagePct
		}
		logger.Info().Float64("initial_cash", simCfg.InitialCash).Msg("Using simulated broker")
		return broker.NewSim(simCfg), nil
	}

	creds, err := secrets.NewStore(secrets.Config{
		Enabled:    cfg.Vault.Enabled,
		Address:    cfg.Vault.Address,
		Token:      cfg.Vault.Token,
		MountPath:  cfg.Vault.MountPath,
		TLSEnabled: cfg.Vault.TLSEnabled,
		CACert:     cfg.Vault.CACert,
	})
	if err != nil {
		return nil, err
	}
	if _, err := creds.Get(context.Background(), cfg.Broker.Venue, cfg.Broker.Paper); err != nil {
		return nil, fmt.Errorf("credentials for venue %s: %w", cfg.Broker.Venue, err)
	}
	return nil, fmt.Errorf("no broker adapter for venue %s", cfg.Broker.Venue)
}
