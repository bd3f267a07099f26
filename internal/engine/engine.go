// Package engine is the order-execution state machine. It turns a validated
// (or forcibly attempted) trade decision into paired balance mutations and
// hands every terminal outcome to the audit recorder. Executions for one
// account are serialized through a per-account slot; different accounts run
// in parallel.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tradearena/paperbroker/internal/models"
	"github.com/tradearena/paperbroker/internal/oracle"
	"github.com/tradearena/paperbroker/internal/signal"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// balanceScale matches the snapshot columns; every persisted quantity and
// average price is rounded half-even to this scale.
const balanceScale = 10

// Ledger is the slice of account state the engine reads and mutates.
type Ledger interface {
	CurrentBalance(ctx context.Context, accountID uuid.UUID, currency string) (decimal.Decimal, error)
	AverageCost(ctx context.Context, accountID uuid.UUID, currency string) (decimal.Decimal, error)
	WriteTradePair(ctx context.Context, quote, asset *models.BalanceSnapshot) error
}

// SignalStore persists accepted signals. Rejected decisions never get a
// signal row, only an execution record.
type SignalStore interface {
	CreateSignal(ctx context.Context, sig *models.TradeSignal) (*models.TradeSignal, error)
}

// Recorder appends the audit row for a terminal outcome.
type Recorder interface {
	Record(ctx context.Context, rec *models.ExecutionRecord) (*models.ExecutionRecord, error)
}

// Validator screens decisions before execution.
type Validator interface {
	Validate(ctx context.Context, sig *models.TradeSignal) signal.Result
}

// Engine coordinates validation, signal persistence, balance mutation, and
// audit recording for one decision at a time per account.
type Engine struct {
	ledger    Ledger
	signals   SignalStore
	validator Validator
	recorder  Recorder
	prices    oracle.Oracle
	quote     string
	log       zerolog.Logger

	mu    sync.Mutex
	slots map[uuid.UUID]*sync.Mutex
}

// New creates an engine trading against the given quote currency.
func New(ledger Ledger, signals SignalStore, validator Validator, recorder Recorder, prices oracle.Oracle, quoteCurrency string, log zerolog.Logger) *Engine {
	return &Engine{
		ledger:    ledger,
		signals:   signals,
		validator: validator,
		recorder:  recorder,
		prices:    prices,
		quote:     quoteCurrency,
		log:       log.With().Str("component", "engine").Logger(),
		slots:     make(map[uuid.UUID]*sync.Mutex),
	}
}

// slot returns the mutex serializing executions for one account, creating it
// on first use.
func (e *Engine) slot(accountID uuid.UUID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.slots[accountID]
	if !ok {
		m = &sync.Mutex{}
		e.slots[accountID] = m
	}
	return m
}

// Submit validates a decision, persists it as a signal if accepted, executes
// it, and records the outcome. It always returns an execution record for
// business-rule failures; the error return is reserved for infrastructure
// failures that prevented even recording the attempt.
//
// The whole read-validate-execute sequence runs inside the account's slot so
// a concurrent decision for the same account cannot interleave between the
// balance read and the paired write.
func (e *Engine) Submit(ctx context.Context, sig *models.TradeSignal) (*models.ExecutionRecord, error) {
	normalize(sig)

	slot := e.slot(sig.AccountID)
	slot.Lock()
	defer slot.Unlock()

	res := e.validator.Validate(ctx, sig)
	if !res.OK {
		rec := e.baseRecord(sig, typeString(sig, res))
		rec.Status = models.ExecFailed
		rec.FailureReason = strptr(res.Reason())
		if res.IntendedPrice.Valid {
			rec.IntendedPrice = res.IntendedPrice
		}
		rec.BalanceBefore = res.BalanceBefore
		e.log.Warn().
			Stringer("account", sig.AccountID).
			Str("asset", sig.Asset).
			Strs("reasons", res.Reasons).
			Msg("decision rejected")
		return e.record(ctx, rec)
	}

	// The price consulted at validation is the decision-time price the
	// signal row and the slippage calculation both want.
	if !sig.CurrentPrice.Valid && res.IntendedPrice.Valid {
		sig.CurrentPrice = res.IntendedPrice
	}
	if !sig.CurrentPrice.Valid {
		if price, err := e.prices.LatestPrice(ctx, sig.Asset); err == nil {
			sig.CurrentPrice = decimal.NullDecimal{Decimal: price, Valid: true}
		}
	}

	saved, err := e.signals.CreateSignal(ctx, sig)
	if err != nil {
		e.log.Error().Err(err).Stringer("account", sig.AccountID).Msg("signal persist failed")
		rec := e.baseRecord(sig, string(res.Type))
		rec.Status = models.ExecFailed
		rec.FailureReason = strptr("signal store failure")
		return e.record(ctx, rec)
	}

	rec := e.run(ctx, saved, res.Type)
	rec.SignalID = &saved.ID
	return e.record(ctx, rec)
}

// Execute runs a decision through the state machine without the validation
// gate, serialized on the account slot like Submit. The engine's own checks
// (balance, holdings, price) still apply; they are the safety net behind the
// validator, not a duplicate of it.
func (e *Engine) Execute(ctx context.Context, sig *models.TradeSignal) (*models.ExecutionRecord, error) {
	normalize(sig)

	slot := e.slot(sig.AccountID)
	slot.Lock()
	defer slot.Unlock()

	sigType, err := models.ParseSignalType(sig.Signal)
	if err != nil {
		rec := e.baseRecord(sig, sig.Signal)
		rec.Status = models.ExecFailed
		rec.FailureReason = strptr(err.Error())
		return e.record(ctx, rec)
	}

	rec := e.run(ctx, sig, sigType)
	if sig.ID != 0 {
		rec.SignalID = &sig.ID
	}
	return e.record(ctx, rec)
}

// run is the state machine proper. It assumes the caller holds the account
// slot and returns a fully populated record for exactly one terminal state.
func (e *Engine) run(ctx context.Context, sig *models.TradeSignal, sigType models.SignalType) *models.ExecutionRecord {
	rec := e.baseRecord(sig, string(sigType))

	switch {
	case sigType.IsHold():
		rec.Status = models.ExecSkipped
		rec.FailureReason = strptr("hold signal")
	case sigType.IsBuy():
		e.runBuy(ctx, sig, rec)
	case sigType.IsClose():
		e.runSell(ctx, sig, rec, true)
	default:
		e.runSell(ctx, sig, rec, false)
	}
	return rec
}

// runBuy debits the quote leg and credits the asset leg, re-weighting the
// average acquisition price. Balance and price are re-read here even though
// the validator already looked: the validator's read is advisory, this one is
// authoritative.
func (e *Engine) runBuy(ctx context.Context, sig *models.TradeSignal, rec *models.ExecutionRecord) {
	qty := sig.Quantity.Decimal
	if !sig.Quantity.Valid || !qty.IsPositive() {
		fail(rec, "missing quantity")
		return
	}

	quoteBal, err := e.ledger.CurrentBalance(ctx, sig.AccountID, e.quote)
	if err != nil {
		e.log.Error().Err(err).Stringer("account", sig.AccountID).Msg("quote balance read failed")
		fail(rec, "balance lookup failed")
		return
	}
	rec.BalanceBefore = decimal.NullDecimal{Decimal: quoteBal, Valid: true}

	price, err := e.prices.LatestPrice(ctx, sig.Asset)
	if err != nil {
		fail(rec, fmt.Sprintf("price unavailable for %s", sig.Asset))
		return
	}

	// Cost at full precision; rounding happens only on the persisted rows.
	cost := qty.Mul(price)
	if cost.GreaterThan(quoteBal) {
		fail(rec, fmt.Sprintf("insufficient balance: need %s, have %s", cost, quoteBal))
		return
	}

	held, err := e.ledger.CurrentBalance(ctx, sig.AccountID, sig.Asset)
	if err != nil {
		e.log.Error().Err(err).Str("asset", sig.Asset).Msg("asset balance read failed")
		fail(rec, "balance lookup failed")
		return
	}
	avg, err := e.ledger.AverageCost(ctx, sig.AccountID, sig.Asset)
	if err != nil {
		e.log.Error().Err(err).Str("asset", sig.Asset).Msg("average cost read failed")
		fail(rec, "balance lookup failed")
		return
	}

	newHeld := held.Add(qty)
	newAvg := price
	if held.IsPositive() {
		// Weighted average of the old position and this fill, rounded
		// half-even at the persistence scale so repeated partial buys
		// cannot drift the cost basis in one direction.
		newAvg = held.Mul(avg).Add(cost).Div(newHeld).RoundBank(balanceScale)
	}
	newQuote := quoteBal.Sub(cost).RoundBank(balanceScale)

	at := time.Now().UTC()
	err = e.ledger.WriteTradePair(ctx,
		&models.BalanceSnapshot{
			AccountID:  sig.AccountID,
			Currency:   e.quote,
			Balance:    newQuote,
			RecordedAt: at,
		},
		&models.BalanceSnapshot{
			AccountID:   sig.AccountID,
			Currency:    sig.Asset,
			Balance:     newHeld.RoundBank(balanceScale),
			AvgBuyPrice: newAvg,
			RecordedAt:  at,
		})
	if err != nil {
		e.log.Error().Err(err).Stringer("account", sig.AccountID).Str("asset", sig.Asset).Msg("paired write failed")
		fail(rec, fmt.Sprintf("balance write failed: %v", err))
		return
	}

	rec.Status = models.ExecSuccess
	rec.ExecutedPrice = decimal.NullDecimal{Decimal: price, Valid: true}
	rec.ExecutedQuantity = decimal.NullDecimal{Decimal: qty, Valid: true}
	rec.BalanceAfter = decimal.NullDecimal{Decimal: newQuote, Valid: true}
	e.log.Info().
		Stringer("account", sig.AccountID).
		Str("asset", sig.Asset).
		Str("qty", qty.String()).
		Str("price", price.String()).
		Msg("buy executed")
}

// runSell credits the quote leg and debits the asset leg. A requested
// quantity above the current holding is clamped to it; close forces the full
// holding regardless of the requested quantity. Selling never changes the
// average acquisition price, and the cost basis is retained on the zero row
// a full exit leaves behind.
func (e *Engine) runSell(ctx context.Context, sig *models.TradeSignal, rec *models.ExecutionRecord, closeAll bool) {
	held, err := e.ledger.CurrentBalance(ctx, sig.AccountID, sig.Asset)
	if err != nil {
		e.log.Error().Err(err).Str("asset", sig.Asset).Msg("asset balance read failed")
		fail(rec, "balance lookup failed")
		return
	}
	rec.BalanceBefore = decimal.NullDecimal{Decimal: held, Valid: true}

	if !held.IsPositive() {
		if closeAll {
			fail(rec, "no position to close")
		} else {
			fail(rec, "nothing to sell")
		}
		return
	}

	qty := held
	if !closeAll {
		if !sig.Quantity.Valid || !sig.Quantity.Decimal.IsPositive() {
			fail(rec, "missing quantity")
			return
		}
		qty = sig.Quantity.Decimal
		if qty.GreaterThan(held) {
			// A stale "sell what I had" intent should not hard-fail just
			// because the position shrank since the decision was made.
			qty = held
			rec.Notes = strptr("quantity clamped to holdings")
			e.log.Warn().
				Stringer("account", sig.AccountID).
				Str("asset", sig.Asset).
				Str("requested", sig.Quantity.Decimal.String()).
				Str("held", held.String()).
				Msg("sell quantity clamped")
		}
	}

	price, err := e.prices.LatestPrice(ctx, sig.Asset)
	if err != nil {
		fail(rec, fmt.Sprintf("price unavailable for %s", sig.Asset))
		return
	}

	quoteBal, err := e.ledger.CurrentBalance(ctx, sig.AccountID, e.quote)
	if err != nil {
		e.log.Error().Err(err).Stringer("account", sig.AccountID).Msg("quote balance read failed")
		fail(rec, "balance lookup failed")
		return
	}
	avg, err := e.ledger.AverageCost(ctx, sig.AccountID, sig.Asset)
	if err != nil {
		e.log.Error().Err(err).Str("asset", sig.Asset).Msg("average cost read failed")
		fail(rec, "balance lookup failed")
		return
	}

	proceeds := qty.Mul(price)
	newHeld := held.Sub(qty).RoundBank(balanceScale)
	newQuote := quoteBal.Add(proceeds).RoundBank(balanceScale)

	at := time.Now().UTC()
	err = e.ledger.WriteTradePair(ctx,
		&models.BalanceSnapshot{
			AccountID:  sig.AccountID,
			Currency:   e.quote,
			Balance:    newQuote,
			RecordedAt: at,
		},
		&models.BalanceSnapshot{
			AccountID:   sig.AccountID,
			Currency:    sig.Asset,
			Balance:     newHeld,
			AvgBuyPrice: avg,
			RecordedAt:  at,
		})
	if err != nil {
		e.log.Error().Err(err).Stringer("account", sig.AccountID).Str("asset", sig.Asset).Msg("paired write failed")
		fail(rec, fmt.Sprintf("balance write failed: %v", err))
		return
	}

	rec.Status = models.ExecSuccess
	rec.ExecutedPrice = decimal.NullDecimal{Decimal: price, Valid: true}
	rec.ExecutedQuantity = decimal.NullDecimal{Decimal: qty, Valid: true}
	rec.BalanceAfter = decimal.NullDecimal{Decimal: newHeld, Valid: true}
	e.log.Info().
		Stringer("account", sig.AccountID).
		Str("asset", sig.Asset).
		Str("qty", qty.String()).
		Str("price", price.String()).
		Bool("close", closeAll).
		Msg("sell executed")
}

// baseRecord copies the intent fields every outcome shares.
func (e *Engine) baseRecord(sig *models.TradeSignal, sigType string) *models.ExecutionRecord {
	rec := &models.ExecutionRecord{
		PromptID:         sig.PromptID,
		AccountID:        sig.AccountID,
		Asset:            sig.Asset,
		SignalType:       sigType,
		IntendedPrice:    sig.CurrentPrice,
		IntendedQuantity: sig.Quantity,
	}
	if !sig.CreatedAt.IsZero() {
		created := sig.CreatedAt
		rec.SignalCreatedAt = &created
	}
	return rec
}

// record hands the row to the recorder. A recording failure is the one case
// where Submit/Execute return an error instead of a record.
func (e *Engine) record(ctx context.Context, rec *models.ExecutionRecord) (*models.ExecutionRecord, error) {
	saved, err := e.recorder.Record(ctx, rec)
	if err != nil {
		e.log.Error().Err(err).Stringer("account", rec.AccountID).Msg("audit write failed")
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}
	return saved, nil
}

// normalize fixes up the fields every entry point must agree on: asset
// symbols are stored and priced uppercase, and the signal timestamp anchors
// the delay calculation.
func normalize(sig *models.TradeSignal) {
	sig.Asset = strings.ToUpper(strings.TrimSpace(sig.Asset))
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
}

// typeString prefers the canonical type for the audit row, falling back to
// the raw decision text when it never parsed.
func typeString(sig *models.TradeSignal, res signal.Result) string {
	if res.TypeKnown {
		return string(res.Type)
	}
	return sig.Signal
}

func fail(rec *models.ExecutionRecord, reason string) {
	rec.Status = models.ExecFailed
	rec.FailureReason = strptr(reason)
}

func strptr(s string) *string { return &s }
