// Package ledger owns account state: the append-only balance log, account
// initialization, the trader registry, and account valuation. It performs no
// locking of its own; callers that read-modify-write balances serialize per
// account (see the execution engine).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradearena/paperbroker/internal/models"
	"github.com/tradearena/paperbroker/internal/oracle"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrAccountNotFound means the account has no balance snapshots at all.
	ErrAccountNotFound = errors.New("account not found")
	// ErrUnknownTrader means no trader is registered under that name.
	ErrUnknownTrader = errors.New("unknown trader")
	// ErrTraderExists means the registry name is already taken.
	ErrTraderExists = errors.New("trader already registered")
)

// Store is the persistence surface the ledger needs.
type Store interface {
	LatestSnapshot(ctx context.Context, accountID uuid.UUID, currency string) (*models.BalanceSnapshot, error)
	AppendTradePair(ctx context.Context, quote, asset *models.BalanceSnapshot) error
	AccountCurrencies(ctx context.Context, accountID uuid.UUID) ([]string, error)
	InitializeAccount(ctx context.Context, accountID uuid.UUID, quoteCurrency string, capital decimal.Decimal, universe []string, at time.Time) (bool, error)
}

// TraderStore is the registry persistence surface.
type TraderStore interface {
	CreateTrader(ctx context.Context, name, model string, accountID uuid.UUID) (*models.Trader, error)
	GetTraderByName(ctx context.Context, name string) (*models.Trader, error)
	ListTraders(ctx context.Context) ([]models.Trader, error)
}

// Params are the trading parameters every account is seeded with.
type Params struct {
	QuoteCurrency  string
	InitialCapital decimal.Decimal
	AssetUniverse  []string
}

// Service exposes account state to the validator, engine, and API.
type Service struct {
	store   Store
	traders TraderStore
	oracle  oracle.Oracle
	params  Params
	log     zerolog.Logger
}

// NewService creates a ledger service.
func NewService(store Store, traders TraderStore, o oracle.Oracle, params Params, log zerolog.Logger) *Service {
	return &Service{
		store:   store,
		traders: traders,
		oracle:  o,
		params:  params,
		log:     log.With().Str("component", "ledger").Logger(),
	}
}

// Params returns the trading parameters the service was built with.
func (s *Service) Params() Params {
	return s.params
}

// CurrentBalance returns the quantity from the most recent snapshot for the
// account and currency, or zero if none exists. No account is implicitly
// created by reading it.
func (s *Service) CurrentBalance(ctx context.Context, accountID uuid.UUID, currency string) (decimal.Decimal, error) {
	snap, err := s.store.LatestSnapshot(ctx, accountID, currency)
	if err != nil {
		return decimal.Zero, err
	}
	if snap == nil {
		return decimal.Zero, nil
	}
	return snap.Balance, nil
}

// AverageCost returns the average acquisition price from the most recent
// snapshot, or zero if none exists.
func (s *Service) AverageCost(ctx context.Context, accountID uuid.UUID, currency string) (decimal.Decimal, error) {
	snap, err := s.store.LatestSnapshot(ctx, accountID, currency)
	if err != nil {
		return decimal.Zero, err
	}
	if snap == nil {
		return decimal.Zero, nil
	}
	return snap.AvgBuyPrice, nil
}

// WriteTradePair appends the two legs of a trade atomically.
func (s *Service) WriteTradePair(ctx context.Context, quote, asset *models.BalanceSnapshot) error {
	return s.store.AppendTradePair(ctx, quote, asset)
}

// Initialize seeds the account with the starting quote balance plus a zero
// snapshot per universe asset. Returns true when the account was already
// initialized.
func (s *Service) Initialize(ctx context.Context, accountID uuid.UUID) (bool, error) {
	already, err := s.store.InitializeAccount(ctx, accountID, s.params.QuoteCurrency,
		s.params.InitialCapital, s.params.AssetUniverse, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to initialize account %s: %w", accountID, err)
	}
	if already {
		s.log.Debug().Stringer("account", accountID).Msg("account already initialized")
	} else {
		s.log.Info().
			Stringer("account", accountID).
			Str("capital", s.params.InitialCapital.String()).
			Msg("account initialized")
	}
	return already, nil
}

// Register creates a trader with a fresh account identifier and initializes
// its account.
func (s *Service) Register(ctx context.Context, name, model string) (*models.Trader, error) {
	trader, err := s.traders.CreateTrader(ctx, name, model, uuid.New())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrTraderExists, name)
		}
		return nil, fmt.Errorf("failed to register trader: %w", err)
	}

	if _, err := s.Initialize(ctx, trader.AccountID); err != nil {
		// The registry row exists; InitializeAll can repair the seed later.
		s.log.Error().Err(err).Str("trader", name).Msg("account seed failed after registration")
		return nil, err
	}
	return trader, nil
}

// Lookup resolves a trader name to its registry entry.
func (s *Service) Lookup(ctx context.Context, name string) (*models.Trader, error) {
	trader, err := s.traders.GetTraderByName(ctx, name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTrader, name)
		}
		return nil, err
	}
	return trader, nil
}

// Traders lists every registered trader.
func (s *Service) Traders(ctx context.Context) ([]models.Trader, error) {
	return s.traders.ListTraders(ctx)
}

// InitResult reports the outcome of initializing one registered account.
type InitResult struct {
	Name      string    `json:"name"`
	AccountID uuid.UUID `json:"account_id"`
	Status    string    `json:"status"` // "initialized", "already_initialized", "failed"
	Error     string    `json:"error,omitempty"`
}

// InitializeAll initializes every registered account, continuing past
// individual failures so one broken account cannot block the rest.
func (s *Service) InitializeAll(ctx context.Context) ([]InitResult, error) {
	traders, err := s.traders.ListTraders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list traders: %w", err)
	}

	results := make([]InitResult, 0, len(traders))
	for _, t := range traders {
		res := InitResult{Name: t.Name, AccountID: t.AccountID}
		already, err := s.Initialize(ctx, t.AccountID)
		switch {
		case err != nil:
			res.Status = "failed"
			res.Error = err.Error()
		case already:
			res.Status = "already_initialized"
		default:
			res.Status = "initialized"
		}
		results = append(results, res)
	}
	return results, nil
}

// Summary values the account at current prices: per-holding valuation and
// profit/loss against the initial capital. Holdings with no available price
// are included unpriced rather than failing the whole summary.
func (s *Service) Summary(ctx context.Context, accountID uuid.UUID) (*models.AccountSummary, error) {
	currencies, err := s.store.AccountCurrencies(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if len(currencies) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}

	summary := &models.AccountSummary{
		AccountID:      accountID,
		QuoteCurrency:  s.params.QuoteCurrency,
		Holdings:       make(map[string]models.Holding),
		InitialCapital: s.params.InitialCapital,
		AsOf:           time.Now().UTC(),
	}

	quoteBal, err := s.CurrentBalance(ctx, accountID, s.params.QuoteCurrency)
	if err != nil {
		return nil, err
	}
	summary.QuoteBalance = quoteBal
	total := quoteBal

	for _, currency := range currencies {
		if currency == s.params.QuoteCurrency {
			continue
		}
		snap, err := s.store.LatestSnapshot(ctx, accountID, currency)
		if err != nil {
			return nil, err
		}
		if snap == nil || !snap.Balance.IsPositive() {
			continue
		}

		holding := models.Holding{
			Balance:     snap.Balance,
			AvgBuyPrice: snap.AvgBuyPrice,
		}
		price, err := s.oracle.LatestPrice(ctx, currency)
		switch {
		case err == nil:
			holding.Priced = true
			holding.CurrentPrice = decimal.NullDecimal{Decimal: price, Valid: true}
			holding.QuoteValue = snap.Balance.Mul(price)
			holding.ProfitLoss = price.Sub(snap.AvgBuyPrice).Mul(snap.Balance)
			total = total.Add(holding.QuoteValue)
		case errors.Is(err, oracle.ErrUnavailable):
			s.log.Warn().Str("asset", currency).Stringer("account", accountID).Msg("holding left unpriced")
		default:
			return nil, err
		}
		summary.Holdings[currency] = holding
	}

	summary.TotalValue = total
	summary.ProfitLoss = total.Sub(s.params.InitialCapital)
	if s.params.InitialCapital.IsPositive() {
		summary.ProfitLossRate = summary.ProfitLoss.
			Div(s.params.InitialCapital).
			Mul(decimal.NewFromInt(100)).
			RoundBank(2)
	}
	return summary, nil
}
