package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tradearena/paperbroker/internal/metrics"
	"github.com/tradearena/paperbroker/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Ping verifies the database connection
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// CreateUser inserts a new operator user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// CreateTrader registers a decision source and its account identifier
func (db *DB) CreateTrader(ctx context.Context, name, model string, accountID uuid.UUID) (*models.Trader, error) {
	trader := &models.Trader{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO traders (name, model, account_id) VALUES ($1, $2, $3) RETURNING id, name, model, account_id, created_at",
		name, model, accountID).Scan(&trader.ID, &trader.Name, &trader.Model, &trader.AccountID, &trader.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create trader: %w", err)
	}
	return trader, nil
}

// GetTraderByName retrieves a trader by its registry name
func (db *DB) GetTraderByName(ctx context.Context, name string) (*models.Trader, error) {
	trader := &models.Trader{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, name, model, account_id, created_at FROM traders WHERE name = $1",
		name).Scan(&trader.ID, &trader.Name, &trader.Model, &trader.AccountID, &trader.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get trader: %w", err)
	}
	return trader, nil
}

// ListTraders retrieves every registered trader
func (db *DB) ListTraders(ctx context.Context) ([]models.Trader, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, name, model, account_id, created_at FROM traders ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list traders: %w", err)
	}
	defer rows.Close()

	var traders []models.Trader
	for rows.Next() {
		var t models.Trader
		if err := rows.Scan(&t.ID, &t.Name, &t.Model, &t.AccountID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trader: %w", err)
		}
		traders = append(traders, t)
	}
	return traders, rows.Err()
}

// LatestSnapshot retrieves the most recent balance snapshot for an account and
// currency. Returns (nil, nil) when no snapshot exists.
func (db *DB) LatestSnapshot(ctx context.Context, accountID uuid.UUID, currency string) (*models.BalanceSnapshot, error) {
	snap := &models.BalanceSnapshot{}
	err := db.Pool.QueryRow(ctx,
		`SELECT id, account_id, currency, balance, locked, avg_buy_price, recorded_at
		 FROM balance_snapshots
		 WHERE account_id = $1 AND currency = $2
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT 1`,
		accountID, currency).Scan(
		&snap.ID, &snap.AccountID, &snap.Currency, &snap.Balance, &snap.Locked, &snap.AvgBuyPrice, &snap.RecordedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return snap, nil
}

// AppendBalance appends a single balance snapshot row
func (db *DB) AppendBalance(ctx context.Context, snap *models.BalanceSnapshot) (*models.BalanceSnapshot, error) {
	stored := &models.BalanceSnapshot{}
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO balance_snapshots (account_id, currency, balance, locked, avg_buy_price, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, account_id, currency, balance, locked, avg_buy_price, recorded_at`,
		snap.AccountID, snap.Currency, snap.Balance, snap.Locked, snap.AvgBuyPrice, snap.RecordedAt).Scan(
		&stored.ID, &stored.AccountID, &stored.Currency, &stored.Balance, &stored.Locked, &stored.AvgBuyPrice, &stored.RecordedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append balance snapshot: %w", err)
	}
	metrics.SnapshotWrites.Inc()
	return stored, nil
}

// AppendTradePair appends the two legs of a trade in one transaction. Either
// both snapshots become visible or neither does; a half-applied trade must
// never reach the log.
func (db *DB) AppendTradePair(ctx context.Context, quote, asset *models.BalanceSnapshot) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO balance_snapshots (account_id, currency, balance, locked, avg_buy_price, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		quote.AccountID, quote.Currency, quote.Balance, quote.Locked, quote.AvgBuyPrice, quote.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to append quote leg: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO balance_snapshots (account_id, currency, balance, locked, avg_buy_price, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		asset.AccountID, asset.Currency, asset.Balance, asset.Locked, asset.AvgBuyPrice, asset.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to append asset leg: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	metrics.SnapshotWrites.Add(2)
	return nil
}

// AccountCurrencies retrieves the distinct currencies an account has snapshots for
func (db *DB) AccountCurrencies(ctx context.Context, accountID uuid.UUID) ([]string, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT DISTINCT currency FROM balance_snapshots WHERE account_id = $1 ORDER BY currency",
		accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account currencies: %w", err)
	}
	defer rows.Close()

	var currencies []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan currency: %w", err)
		}
		currencies = append(currencies, c)
	}
	return currencies, rows.Err()
}

// InitializeAccount seeds an account with its starting quote balance and a
// zero snapshot per universe asset. Idempotent: if a quote snapshot already
// exists the call is a no-op and reports true. The seed writes are
// all-or-nothing.
func (db *DB) InitializeAccount(ctx context.Context, accountID uuid.UUID, quoteCurrency string, capital decimal.Decimal, universe []string, at time.Time) (bool, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize concurrent initialization of the same account.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))", accountID); err != nil {
		return false, fmt.Errorf("failed to lock account: %w", err)
	}

	var exists bool
	err = tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM balance_snapshots WHERE account_id = $1 AND currency = $2)",
		accountID, quoteCurrency).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check existing balances: %w", err)
	}
	if exists {
		return true, nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO balance_snapshots (account_id, currency, balance, locked, avg_buy_price, recorded_at)
		 VALUES ($1, $2, $3, 0, 0, $4)`,
		accountID, quoteCurrency, capital, at)
	if err != nil {
		return false, fmt.Errorf("failed to seed quote balance: %w", err)
	}

	for _, asset := range universe {
		_, err = tx.Exec(ctx,
			`INSERT INTO balance_snapshots (account_id, currency, balance, locked, avg_buy_price, recorded_at)
			 VALUES ($1, $2, 0, 0, 0, $3)`,
			accountID, strings.ToUpper(asset), at)
		if err != nil {
			return false, fmt.Errorf("failed to seed %s balance: %w", asset, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	metrics.SnapshotWrites.Add(float64(1 + len(universe)))
	return false, nil
}

// CreateSignal inserts an accepted trade signal
func (db *DB) CreateSignal(ctx context.Context, sig *models.TradeSignal) (*models.TradeSignal, error) {
	stored := &models.TradeSignal{}
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO trade_signals (prompt_id, account_id, asset, signal, quantity, stop_loss, profit_target, risk_quote, confidence, current_price, rationale, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id, prompt_id, account_id, asset, signal, quantity, stop_loss, profit_target, risk_quote, confidence, current_price, rationale, created_at`,
		sig.PromptID, sig.AccountID, strings.ToUpper(sig.Asset), sig.Signal, sig.Quantity, sig.StopLoss,
		sig.ProfitTarget, sig.RiskQuote, sig.Confidence, sig.CurrentPrice, sig.Rationale, sig.CreatedAt).Scan(
		&stored.ID, &stored.PromptID, &stored.AccountID, &stored.Asset, &stored.Signal, &stored.Quantity,
		&stored.StopLoss, &stored.ProfitTarget, &stored.RiskQuote, &stored.Confidence, &stored.CurrentPrice,
		&stored.Rationale, &stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create signal: %w", err)
	}
	return stored, nil
}

// GetSignal retrieves a trade signal by id
func (db *DB) GetSignal(ctx context.Context, id int64) (*models.TradeSignal, error) {
	sig := &models.TradeSignal{}
	err := db.Pool.QueryRow(ctx,
		`SELECT id, prompt_id, account_id, asset, signal, quantity, stop_loss, profit_target, risk_quote, confidence, current_price, rationale, created_at
		 FROM trade_signals WHERE id = $1`,
		id).Scan(
		&sig.ID, &sig.PromptID, &sig.AccountID, &sig.Asset, &sig.Signal, &sig.Quantity,
		&sig.StopLoss, &sig.ProfitTarget, &sig.RiskQuote, &sig.Confidence, &sig.CurrentPrice,
		&sig.Rationale, &sig.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}
	return sig, nil
}

// CreateExecution appends an execution record. Records are never updated or
// deleted.
func (db *DB) CreateExecution(ctx context.Context, rec *models.ExecutionRecord) (*models.ExecutionRecord, error) {
	stored := *rec
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO trade_executions (ref, signal_id, prompt_id, account_id, asset, signal_type, status, failure_reason,
		   intended_price, executed_price, price_slippage, intended_quantity, executed_quantity,
		   balance_before, balance_after, signal_created_at, executed_at, delay_seconds, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 RETURNING id`,
		rec.Ref, rec.SignalID, rec.PromptID, rec.AccountID, strings.ToUpper(rec.Asset), rec.SignalType, rec.Status,
		rec.FailureReason, rec.IntendedPrice, rec.ExecutedPrice, rec.PriceSlippage, rec.IntendedQuantity,
		rec.ExecutedQuantity, rec.BalanceBefore, rec.BalanceAfter, rec.SignalCreatedAt, rec.ExecutedAt,
		rec.DelaySeconds, rec.Notes).Scan(&stored.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution record: %w", err)
	}
	return &stored, nil
}

// ListExecutions retrieves execution records, newest first
func (db *DB) ListExecutions(ctx context.Context, f models.ExecutionFilter) ([]models.ExecutionRecord, error) {
	query := `SELECT id, ref, signal_id, prompt_id, account_id, asset, signal_type, status, failure_reason,
		intended_price, executed_price, price_slippage, intended_quantity, executed_quantity,
		balance_before, balance_after, signal_created_at, executed_at, delay_seconds, notes
		FROM trade_executions`

	var conds []string
	var args []interface{}
	if f.AccountID != nil {
		args = append(args, *f.AccountID)
		conds = append(conds, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY executed_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var records []models.ExecutionRecord
	for rows.Next() {
		var rec models.ExecutionRecord
		if err := rows.Scan(
			&rec.ID, &rec.Ref, &rec.SignalID, &rec.PromptID, &rec.AccountID, &rec.Asset, &rec.SignalType,
			&rec.Status, &rec.FailureReason, &rec.IntendedPrice, &rec.ExecutedPrice, &rec.PriceSlippage,
			&rec.IntendedQuantity, &rec.ExecutedQuantity, &rec.BalanceBefore, &rec.BalanceAfter,
			&rec.SignalCreatedAt, &rec.ExecutedAt, &rec.DelaySeconds, &rec.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ExecutionStats aggregates the execution log, optionally for one account
func (db *DB) ExecutionStats(ctx context.Context, accountID *uuid.UUID) (*models.ExecutionStats, error) {
	query := `SELECT COUNT(*),
		COUNT(*) FILTER (WHERE status = 'success'),
		COUNT(*) FILTER (WHERE status = 'failed'),
		COUNT(*) FILTER (WHERE status = 'skipped'),
		AVG(price_slippage) FILTER (WHERE status = 'success' AND price_slippage IS NOT NULL),
		AVG(delay_seconds) FILTER (WHERE delay_seconds IS NOT NULL)
		FROM trade_executions`
	var args []interface{}
	if accountID != nil {
		query += " WHERE account_id = $1"
		args = append(args, *accountID)
	}

	stats := &models.ExecutionStats{}
	err := db.Pool.QueryRow(ctx, query, args...).Scan(
		&stats.Total, &stats.Success, &stats.Failed, &stats.Skipped, &stats.AvgSlippage, &stats.AvgDelaySeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate executions: %w", err)
	}

	if stats.Total > 0 {
		stats.SuccessRate = decimal.NewFromInt(stats.Success).
			Div(decimal.NewFromInt(stats.Total)).
			Mul(decimal.NewFromInt(100)).
			RoundBank(2)
	}
	return stats, nil
}

// InsertTicker appends a collected market price
func (db *DB) InsertTicker(ctx context.Context, market string, price decimal.Decimal, at time.Time) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO tickers (market, trade_price, collected_at) VALUES ($1, $2, $3)",
		market, price, at)
	if err != nil {
		return fmt.Errorf("failed to insert ticker: %w", err)
	}
	return nil
}

// LatestPrice retrieves the most recent collected price for a market,
// optionally as of a point in time. No ticker rows yields pgx.ErrNoRows.
func (db *DB) LatestPrice(ctx context.Context, market string, before *time.Time) (decimal.Decimal, time.Time, error) {
	query := "SELECT trade_price, collected_at FROM tickers WHERE market = $1"
	args := []interface{}{market}
	if before != nil {
		query += " AND collected_at <= $2"
		args = append(args, *before)
	}
	query += " ORDER BY collected_at DESC, id DESC LIMIT 1"

	var price decimal.Decimal
	var at time.Time
	if err := db.Pool.QueryRow(ctx, query, args...).Scan(&price, &at); err != nil {
		if err == pgx.ErrNoRows {
			return decimal.Zero, time.Time{}, fmt.Errorf("no ticker for %s: %w", market, err)
		}
		return decimal.Zero, time.Time{}, fmt.Errorf("failed to get latest price: %w", err)
	}
	return price, at, nil
}
