package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/tradearena/paperbroker/internal/api"
	"github.com/tradearena/paperbroker/internal/audit"
	"github.com/tradearena/paperbroker/internal/auth"
	"github.com/tradearena/paperbroker/internal/config"
	"github.com/tradearena/paperbroker/internal/db"
	"github.com/tradearena/paperbroker/internal/engine"
	"github.com/tradearena/paperbroker/internal/ledger"
	"github.com/tradearena/paperbroker/internal/models"
	"github.com/tradearena/paperbroker/internal/oracle"
	"github.com/tradearena/paperbroker/internal/pricefeed"
	"github.com/tradearena/paperbroker/internal/signal"
	"github.com/tradearena/paperbroker/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Main entry point: wires the ledger, validator, engine, and HTTP server
func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signalContext()
	defer stop()

	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close(ctx)
	if err := database.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("database unreachable")
	}

	// Price oracle, with the Redis cache in front when configured
	oracleOpts := []oracle.Option{oracle.WithTimeout(cfg.Trading.PriceTimeout())}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		oracleOpts = append(oracleOpts, oracle.WithCache(rdb, cfg.Redis.CacheTTL()))
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("price cache enabled")
	}
	priceOracle := oracle.NewTickerOracle(database, cfg.Trading.QuoteCurrency, logger, oracleOpts...)

	// Trading core
	params := ledger.Params{
		QuoteCurrency:  cfg.Trading.QuoteCurrency,
		InitialCapital: decimal.NewFromInt(cfg.Trading.InitialCapital),
		AssetUniverse:  cfg.Trading.AssetUniverse,
	}
	ledgerSvc := ledger.NewService(database, database, priceOracle, params, logger)
	validator := signal.NewValidator(ledgerSvc, priceOracle, cfg.Trading.QuoteCurrency, logger)
	recorder := audit.NewRecorder(database, logger)
	eng := engine.New(ledgerSvc, database, validator, recorder, priceOracle, cfg.Trading.QuoteCurrency, logger)

	authService := auth.NewAuthService(database, cfg.Auth.JWTSecret)
	hub := ws.NewHub(logger)
	handler := api.NewHandler(database, ledgerSvc, eng, recorder, priceOracle, authService, hub, logger)

	// Set up HTTP router
	r := chi.NewRouter()

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/", handler.Routes())

	// Market-data collector
	if cfg.Pricefeed.Enabled {
		markets := make([]string, 0, len(cfg.Trading.AssetUniverse))
		for _, asset := range cfg.Trading.AssetUniverse {
			markets = append(markets, models.MarketCode(cfg.Trading.QuoteCurrency, asset))
		}
		collector := pricefeed.New(database, cfg.Pricefeed.URL, markets,
			cfg.Pricefeed.Interval(), cfg.Pricefeed.RateLimitPerSecond, logger)
		go collector.Run(ctx)
	}

	// Periodic account-summary broadcast
	go broadcastSummaries(ctx, ledgerSvc, hub, cfg.Server.BroadcastInterval(), logger)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: r}
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown failed")
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// broadcastSummaries pushes every account's valuation to connected websocket
// clients on a fixed interval. Nothing is computed while no one is listening.
func broadcastSummaries(ctx context.Context, ledgerSvc *ledger.Service, hub *ws.Hub, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if hub.Count() == 0 {
			continue
		}

		traders, err := ledgerSvc.Traders(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("broadcast trader list failed")
			continue
		}

		type entry struct {
			Name    string                 `json:"name"`
			Model   string                 `json:"model"`
			Summary *models.AccountSummary `json:"summary"`
		}
		entries := make([]entry, 0, len(traders))
		for _, t := range traders {
			summary, err := ledgerSvc.Summary(ctx, t.AccountID)
			if err != nil {
				if !errors.Is(err, ledger.ErrAccountNotFound) {
					logger.Error().Err(err).Str("trader", t.Name).Msg("broadcast summary failed")
				}
				continue
			}
			entries = append(entries, entry{Name: t.Name, Model: t.Model, Summary: summary})
		}

		hub.Broadcast(map[string]interface{}{
			"type": "account_summaries",
			"data": entries,
			"at":   time.Now().UTC(),
		})
	}
}
