// Package audit is the execution recorder: a pure append sink for execution
// records plus the read side the dashboard consumes. It never reads prior
// rows to decide what to write, so every execution path (validator rejection,
// engine success, engine failure) can call it without coordination.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/tradearena/paperbroker/internal/metrics"
	"github.com/tradearena/paperbroker/internal/models"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Store is the persistence surface for execution records.
type Store interface {
	CreateExecution(ctx context.Context, rec *models.ExecutionRecord) (*models.ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter models.ExecutionFilter) ([]models.ExecutionRecord, error)
	ExecutionStats(ctx context.Context, accountID *uuid.UUID) (*models.ExecutionStats, error)
}

// Recorder appends immutable execution records, assigning the reference and
// deriving slippage and delay from the intent fields.
type Recorder struct {
	store Store
	log   zerolog.Logger
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(store Store, log zerolog.Logger) *Recorder {
	return &Recorder{
		store: store,
		log:   log.With().Str("component", "audit").Logger(),
	}
}

// Record appends one execution record. The caller fills the intent and
// outcome fields; Record assigns the ULID reference, stamps the execution
// time, and computes slippage percent and delay seconds when the inputs for
// them are present.
func (r *Recorder) Record(ctx context.Context, rec *models.ExecutionRecord) (*models.ExecutionRecord, error) {
	if rec.Ref == "" {
		rec.Ref = ulid.Make().String()
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now().UTC()
	}

	if rec.SignalCreatedAt != nil {
		delay := decimal.NewFromFloat(rec.ExecutedAt.Sub(*rec.SignalCreatedAt).Seconds())
		rec.DelaySeconds = decimal.NullDecimal{Decimal: delay.RoundBank(3), Valid: true}
	}

	// Slippage: executed vs intended price, in percent. Needs both prices
	// and a non-zero intended price to divide by.
	if rec.IntendedPrice.Valid && rec.ExecutedPrice.Valid && !rec.IntendedPrice.Decimal.IsZero() {
		slip := rec.ExecutedPrice.Decimal.
			Sub(rec.IntendedPrice.Decimal).
			Div(rec.IntendedPrice.Decimal).
			Mul(decimal.NewFromInt(100)).
			RoundBank(8)
		rec.PriceSlippage = decimal.NullDecimal{Decimal: slip, Valid: true}
	}

	saved, err := r.store.CreateExecution(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}

	metrics.ExecutionsTotal.WithLabelValues(string(saved.Status)).Inc()
	if saved.DelaySeconds.Valid {
		f, _ := saved.DelaySeconds.Decimal.Float64()
		metrics.ExecutionDelay.Observe(f)
	}

	evt := r.log.Info()
	if saved.Status == models.ExecFailed {
		evt = r.log.Warn()
	}
	evt.Str("ref", saved.Ref).
		Stringer("account", saved.AccountID).
		Str("asset", saved.Asset).
		Str("signal", saved.SignalType).
		Str("status", string(saved.Status)).
		Msg("execution recorded")
	return saved, nil
}

// List returns execution records matching the filter, newest first.
func (r *Recorder) List(ctx context.Context, filter models.ExecutionFilter) ([]models.ExecutionRecord, error) {
	return r.store.ListExecutions(ctx, filter)
}

// Stats aggregates the audit trail, optionally for one account.
func (r *Recorder) Stats(ctx context.Context, accountID *uuid.UUID) (*models.ExecutionStats, error) {
	return r.store.ExecutionStats(ctx, accountID)
}
