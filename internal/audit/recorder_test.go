package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tradearena/paperbroker/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type fakeStore struct {
	records []models.ExecutionRecord
	err     error
}

func (f *fakeStore) CreateExecution(ctx context.Context, rec *models.ExecutionRecord) (*models.ExecutionRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := *rec
	out.ID = int64(len(f.records) + 1)
	f.records = append(f.records, out)
	return &out, nil
}

func (f *fakeStore) ListExecutions(ctx context.Context, filter models.ExecutionFilter) ([]models.ExecutionRecord, error) {
	return f.records, f.err
}

func (f *fakeStore) ExecutionStats(ctx context.Context, accountID *uuid.UUID) (*models.ExecutionStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	total := int64(0)
	for _, rec := range f.records {
		if accountID == nil || rec.AccountID == *accountID {
			total++
		}
	}
	return &models.ExecutionStats{Total: total}, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nd(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: dec(s), Valid: true}
}

func baseRecord() *models.ExecutionRecord {
	return &models.ExecutionRecord{
		AccountID:  uuid.New(),
		Asset:      "BTC",
		SignalType: "buy_to_enter",
		Status:     models.ExecSuccess,
	}
}

func TestRecord_AssignsRefAndTimestamp(t *testing.T) {
	store := &fakeStore{}
	rec := NewRecorder(store, zerolog.Nop())

	saved, err := rec.Record(context.Background(), baseRecord())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(saved.Ref) != 26 {
		t.Errorf("ref %q should be a 26-character ULID", saved.Ref)
	}
	if saved.ExecutedAt.IsZero() {
		t.Error("executed_at should be stamped")
	}
	if time.Since(saved.ExecutedAt) > time.Minute {
		t.Errorf("executed_at %s is not recent", saved.ExecutedAt)
	}
}

func TestRecord_KeepsCallerRef(t *testing.T) {
	store := &fakeStore{}
	rec := NewRecorder(store, zerolog.Nop())

	in := baseRecord()
	in.Ref = "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	saved, err := rec.Record(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.Ref != "01ARZ3NDEKTSV4RRFFQ69G5FAV" {
		t.Errorf("ref = %q", saved.Ref)
	}
}

func TestRecord_ComputesSlippage(t *testing.T) {
	tests := []struct {
		name     string
		intended decimal.NullDecimal
		executed decimal.NullDecimal
		want     decimal.NullDecimal
	}{
		{"above intent", nd("100000000"), nd("105000000"), nd("5")},
		{"below intent", nd("100000000"), nd("99000000"), nd("-1")},
		{"exact fill", nd("4300"), nd("4300"), nd("0")},
		{"no intended price", decimal.NullDecimal{}, nd("105000000"), decimal.NullDecimal{}},
		{"no executed price", nd("100000000"), decimal.NullDecimal{}, decimal.NullDecimal{}},
		{"zero intended price", nd("0"), nd("105000000"), decimal.NullDecimal{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			rec := NewRecorder(store, zerolog.Nop())

			in := baseRecord()
			in.IntendedPrice = tt.intended
			in.ExecutedPrice = tt.executed
			saved, err := rec.Record(context.Background(), in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if saved.PriceSlippage.Valid != tt.want.Valid {
				t.Fatalf("slippage valid = %v, want %v", saved.PriceSlippage.Valid, tt.want.Valid)
			}
			if tt.want.Valid && !saved.PriceSlippage.Decimal.Equal(tt.want.Decimal) {
				t.Errorf("slippage = %s, want %s", saved.PriceSlippage.Decimal, tt.want.Decimal)
			}
		})
	}
}

func TestRecord_ComputesDelay(t *testing.T) {
	store := &fakeStore{}
	rec := NewRecorder(store, zerolog.Nop())

	executedAt := time.Date(2026, 2, 3, 12, 0, 1, 500_000_000, time.UTC)
	createdAt := executedAt.Add(-1500 * time.Millisecond)

	in := baseRecord()
	in.ExecutedAt = executedAt
	in.SignalCreatedAt = &createdAt
	saved, err := rec.Record(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !saved.DelaySeconds.Valid {
		t.Fatal("delay should be computed")
	}
	if !saved.DelaySeconds.Decimal.Equal(dec("1.5")) {
		t.Errorf("delay = %s, want 1.5", saved.DelaySeconds.Decimal)
	}
}

func TestRecord_NoDelayWithoutSignalTime(t *testing.T) {
	store := &fakeStore{}
	rec := NewRecorder(store, zerolog.Nop())

	saved, err := rec.Record(context.Background(), baseRecord())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.DelaySeconds.Valid {
		t.Errorf("delay = %s, want unset", saved.DelaySeconds.Decimal)
	}
}

func TestRecord_StoreFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	rec := NewRecorder(store, zerolog.Nop())

	saved, err := rec.Record(context.Background(), baseRecord())
	if err == nil {
		t.Fatal("expected an error")
	}
	if saved != nil {
		t.Error("no record should be returned")
	}
	if !strings.Contains(err.Error(), "failed to record execution") {
		t.Errorf("error = %v", err)
	}
}

func TestListAndStatsPassThrough(t *testing.T) {
	store := &fakeStore{}
	rec := NewRecorder(store, zerolog.Nop())

	if _, err := rec.Record(context.Background(), baseRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	list, err := rec.List(context.Background(), models.ExecutionFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 record, got %d", len(list))
	}

	stats, err := rec.Stats(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("stats total = %d", stats.Total)
	}

	other := uuid.New()
	stats, err = rec.Stats(context.Background(), &other)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("filtered stats total = %d", stats.Total)
	}
}
