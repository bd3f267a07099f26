package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/tradearena/paperbroker/internal/config"
	"github.com/tradearena/paperbroker/internal/db"
	"github.com/tradearena/paperbroker/internal/ledger"
	"github.com/tradearena/paperbroker/internal/models"
	"github.com/tradearena/paperbroker/internal/oracle"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Seed the database with demo traders, initialized accounts, and a starting
// ticker set so signals can execute immediately.
func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close(ctx)

	// Starting tickers per universe asset
	prices := map[string]int64{
		"BTC":  161_500_000,
		"ETH":  8_200_000,
		"XRP":  4_300,
		"SOL":  520_000,
		"DOGE": 620,
	}
	now := time.Now().UTC()
	for _, asset := range cfg.Trading.AssetUniverse {
		price, ok := prices[asset]
		if !ok {
			price = 100_000
		}
		market := models.MarketCode(cfg.Trading.QuoteCurrency, asset)
		if err := database.InsertTicker(ctx, market, decimal.NewFromInt(price), now); err != nil {
			logger.Fatal().Err(err).Str("market", market).Msg("failed to seed ticker")
		}
		logger.Info().Str("market", market).Int64("price", price).Msg("ticker seeded")
	}

	priceOracle := oracle.NewTickerOracle(database, cfg.Trading.QuoteCurrency, logger,
		oracle.WithTimeout(cfg.Trading.PriceTimeout()))
	ledgerSvc := ledger.NewService(database, database, priceOracle, ledger.Params{
		QuoteCurrency:  cfg.Trading.QuoteCurrency,
		InitialCapital: decimal.NewFromInt(cfg.Trading.InitialCapital),
		AssetUniverse:  cfg.Trading.AssetUniverse,
	}, logger)

	// Demo traders; re-running the seed leaves existing ones untouched
	demos := []struct {
		Name  string
		Model string
	}{
		{"momentum", "gpt-4o"},
		{"contrarian", "gemini-2.0-flash"},
		{"scalper", "llama-3.3-70b"},
	}
	for _, demo := range demos {
		trader, err := ledgerSvc.Register(ctx, demo.Name, demo.Model)
		if errors.Is(err, ledger.ErrTraderExists) {
			existing, lerr := ledgerSvc.Lookup(ctx, demo.Name)
			if lerr != nil {
				logger.Fatal().Err(lerr).Str("trader", demo.Name).Msg("failed to look up existing trader")
			}
			if _, ierr := ledgerSvc.Initialize(ctx, existing.AccountID); ierr != nil {
				logger.Fatal().Err(ierr).Str("trader", demo.Name).Msg("failed to initialize existing account")
			}
			logger.Info().Str("trader", demo.Name).Msg("trader already registered")
			continue
		}
		if err != nil {
			logger.Fatal().Err(err).Str("trader", demo.Name).Msg("failed to register trader")
		}
		logger.Info().
			Str("trader", trader.Name).
			Stringer("account", trader.AccountID).
			Msg("trader registered and account seeded")
	}

	logger.Info().Msg("seed complete")
}
