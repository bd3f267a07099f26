package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tradearena/paperbroker/internal/models"
	"github.com/tradearena/paperbroker/internal/oracle"
	"github.com/tradearena/paperbroker/internal/signal"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func balKey(id uuid.UUID, currency string) string { return id.String() + "/" + currency }

// fakeLedger keeps balances in memory. Each call is internally locked, but
// the read-modify-write sequence across calls is not; serializing that is the
// engine's job, which the concurrency test below leans on.
type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	avgs     map[string]decimal.Decimal
	writes   []pairWrite
	writeErr error
	readErr  error
}

type pairWrite struct {
	quote models.BalanceSnapshot
	asset models.BalanceSnapshot
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances: make(map[string]decimal.Decimal),
		avgs:     make(map[string]decimal.Decimal),
	}
}

func (f *fakeLedger) CurrentBalance(ctx context.Context, accountID uuid.UUID, currency string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return decimal.Zero, f.readErr
	}
	return f.balances[balKey(accountID, currency)], nil
}

func (f *fakeLedger) AverageCost(ctx context.Context, accountID uuid.UUID, currency string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return decimal.Zero, f.readErr
	}
	return f.avgs[balKey(accountID, currency)], nil
}

func (f *fakeLedger) WriteTradePair(ctx context.Context, quote, asset *models.BalanceSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.balances[balKey(quote.AccountID, quote.Currency)] = quote.Balance
	f.balances[balKey(asset.AccountID, asset.Currency)] = asset.Balance
	f.avgs[balKey(asset.AccountID, asset.Currency)] = asset.AvgBuyPrice
	f.writes = append(f.writes, pairWrite{quote: *quote, asset: *asset})
	return nil
}

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (f *fakePrices) LatestPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no ticker for %s", oracle.ErrUnavailable, asset)
	}
	return p, nil
}

func (f *fakePrices) PriceAsOf(ctx context.Context, asset string, asOf time.Time) (decimal.Decimal, error) {
	return f.LatestPrice(ctx, asset)
}

type fakeSignals struct {
	mu     sync.Mutex
	saved  []models.TradeSignal
	err    error
	nextID int64
}

func (f *fakeSignals) CreateSignal(ctx context.Context, sig *models.TradeSignal) (*models.TradeSignal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.nextID++
	out := *sig
	out.ID = f.nextID
	f.saved = append(f.saved, out)
	return &out, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []models.ExecutionRecord
	err     error
}

func (f *fakeRecorder) Record(ctx context.Context, rec *models.ExecutionRecord) (*models.ExecutionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now().UTC()
	}
	f.records = append(f.records, *rec)
	return rec, nil
}

type rig struct {
	ledger   *fakeLedger
	prices   *fakePrices
	signals  *fakeSignals
	recorder *fakeRecorder
	engine   *Engine
	account  uuid.UUID
}

func newRig() *rig {
	led := newFakeLedger()
	prices := &fakePrices{prices: make(map[string]decimal.Decimal)}
	sigs := &fakeSignals{}
	rec := &fakeRecorder{}
	v := signal.NewValidator(led, prices, "KRW", zerolog.Nop())
	return &rig{
		ledger:   led,
		prices:   prices,
		signals:  sigs,
		recorder: rec,
		engine:   New(led, sigs, v, rec, prices, "KRW", zerolog.Nop()),
		account:  uuid.New(),
	}
}

func (r *rig) setBalance(currency, amount string) {
	r.ledger.balances[balKey(r.account, currency)] = dec(amount)
}

func (r *rig) setAvg(currency, price string) {
	r.ledger.avgs[balKey(r.account, currency)] = dec(price)
}

func (r *rig) setPrice(asset, price string) {
	r.prices.prices[asset] = dec(price)
}

func (r *rig) balance(currency string) decimal.Decimal {
	return r.ledger.balances[balKey(r.account, currency)]
}

func (r *rig) avg(currency string) decimal.Decimal {
	return r.ledger.avgs[balKey(r.account, currency)]
}

func (r *rig) signal(sigType, asset, qty string) *models.TradeSignal {
	sig := &models.TradeSignal{
		AccountID: r.account,
		Asset:     asset,
		Signal:    sigType,
	}
	if qty != "" {
		sig.Quantity = decimal.NullDecimal{Decimal: dec(qty), Valid: true}
	}
	return sig
}

func requireStatus(t *testing.T, rec *models.ExecutionRecord, want models.ExecStatus) {
	t.Helper()
	if rec == nil {
		t.Fatal("expected a record")
	}
	if rec.Status != want {
		reason := ""
		if rec.FailureReason != nil {
			reason = *rec.FailureReason
		}
		t.Fatalf("expected status %q, got %q (reason %q)", want, rec.Status, reason)
	}
}

func TestSubmit_BuySuccess(t *testing.T) {
	r := newRig()
	r.setBalance("KRW", "10000000")
	r.setPrice("BTC", "100000000")

	rec, err := r.engine.Submit(context.Background(), r.signal("buy", "BTC", "0.05"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	requireStatus(t, rec, models.ExecSuccess)

	if !rec.ExecutedQuantity.Decimal.Equal(dec("0.05")) {
		t.Errorf("executed quantity = %s", rec.ExecutedQuantity.Decimal)
	}
	if !rec.ExecutedPrice.Decimal.Equal(dec("100000000")) {
		t.Errorf("executed price = %s", rec.ExecutedPrice.Decimal)
	}
	if !rec.BalanceBefore.Decimal.Equal(dec("10000000")) {
		t.Errorf("balance before = %s", rec.BalanceBefore.Decimal)
	}
	if !rec.BalanceAfter.Decimal.Equal(dec("5000000")) {
		t.Errorf("balance after = %s", rec.BalanceAfter.Decimal)
	}

	if !r.balance("KRW").Equal(dec("5000000")) {
		t.Errorf("quote balance = %s", r.balance("KRW"))
	}
	if !r.balance("BTC").Equal(dec("0.05")) {
		t.Errorf("asset balance = %s", r.balance("BTC"))
	}
	if !r.avg("BTC").Equal(dec("100000000")) {
		t.Errorf("avg price = %s", r.avg("BTC"))
	}

	if len(r.signals.saved) != 1 {
		t.Fatalf("expected 1 saved signal, got %d", len(r.signals.saved))
	}
	if rec.SignalID == nil || *rec.SignalID != r.signals.saved[0].ID {
		t.Error("record should reference the saved signal")
	}
	if !r.signals.saved[0].CurrentPrice.Valid {
		t.Error("saved signal should carry the decision-time price")
	}
	if len(r.ledger.writes) != 1 {
		t.Errorf("expected 1 paired write, got %d", len(r.ledger.writes))
	}
}

func TestSubmit_BuyRejectedInsufficientBalance(t *testing.T) {
	r := newRig()
	r.setBalance("KRW", "10000000")
	r.setPrice("BTC", "100000000")

	rec, err := r.engine.Submit(context.Background(), r.signal("buy", "BTC", "0.2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	requireStatus(t, rec, models.ExecFailed)

	if !strings.Contains(*rec.FailureReason, "insufficient balance") {
		t.Errorf("reason = %q", *rec.FailureReason)
	}
	if len(r.ledger.writes) != 0 {
		t.Error("no snapshot may be written for a rejected buy")
	}
	if len(r.signals.saved) != 0 {
		t.Error("rejected decisions must not get a signal row")
	}
	if rec.SignalID != nil {
		t.Error("rejected record must not reference a signal")
	}
	if !r.balance("KRW").Equal(dec("10000000")) {
		t.Errorf("quote balance changed to %s", r.balance("KRW"))
	}
}

func TestSubmit_HoldSkipped(t *testing.T) {
	r := newRig()
	r.setBalance("KRW", "10000000")

	rec, err := r.engine.Submit(context.Background(), r.signal("hold", "BTC", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	requireStatus(t, rec, models.ExecSkipped)

	if rec.FailureReason == nil || *rec.FailureReason != "hold signal" {
		t.Errorf("reason = %v", rec.FailureReason)
	}
	if len(r.ledger.writes) != 0 {
		t.Error("hold must not touch balances")
	}
	if len(r.signals.saved) != 1 {
		t.Error("accepted hold should still be saved as a signal")
	}
}

func TestSubmit_RepeatedBuyReweightsAverage(t *testing.T) {
	r := newRig()
	r.setBalance("KRW", "10000000")
	r.setBalance("BTC", "0.05")
	r.setAvg("BTC", "100000000")
	r.setPrice("BTC", "110000000")

	rec, err := r.engine.Submit(context.Background(), r.signal("buy", "BTC", "0.05"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	requireStatus(t, rec, models.ExecSuccess)

	// (0.05*100M + 0.05*110M) / 0.1 = 105M
	if !r.avg("BTC").Equal(dec("105000000")) {
		t.Errorf("avg price = %s", r.avg("BTC"))
	}
	if !r.balance("BTC").Equal(dec("0.1")) {
		t.Errorf("asset balance = %s", r.balance("BTC"))
	}
	if !r.balance("KRW").Equal(dec("4500000")) {
		t.Errorf("quote balance = %s", r.balance("KRW"))
	}
}

func TestSubmit_OversellRejectedAtValidation(t *testing.T) {
	r := newRig()
	r.setBalance("BTC", "0.05")
	r.setPrice("BTC", "100000000")

	rec, err := r.engine.Submit(context.Background(), r.signal("sell", "BTC", "0.2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	requireStatus(t, rec, models.ExecFailed)

	if !strings.Contains(*rec.FailureReason, "exceeds holdings") {
		t.Errorf("reason = %q", *rec.FailureReason)
	}
	if len(r.signals.saved) != 0 {
		t.Error("rejected decisions must not get a signal row")
	}
}

func TestExecute_OversellClampedToHoldings(t *testing.T) {
	r := newRig()
	r.setBalance("KRW", "0")
	r.setBalance("BTC", "0.05")
	r.setAvg("BTC", "100000000")
	r.setPrice("BTC", "110000000")

	rec, err := r.engine.Execute(context.Background(), r.signal("sell", "BTC", "0.2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	requireStatus(t, rec, models.ExecSuccess)

	// The requested quantity survives in the record; the clamped one executed.
	if !rec.IntendedQuantity.Decimal.Equal(dec("0.2")) {
		t.Errorf("intended quantity = %s", rec.IntendedQuantity.Decimal)
	}
	if !rec.ExecutedQuantity.Decimal.Equal(dec("0.05")) {
		t.Errorf("executed quantity = %s", rec.ExecutedQuantity.Decimal)
	}
	if rec.Notes == nil || *rec.Notes != "quantity clamped to holdings" {
		t.Errorf("notes = %v", rec.Notes)
	}
	if !rec.BalanceBefore.Decimal.Equal(dec("0.05")) {
		t.Errorf("balance before = %s", rec.BalanceBefore.Decimal)
	}
	if !rec.BalanceAfter.Decimal.Equal(decimal.Zero) {
		t.Errorf("balance after = %s", rec.BalanceAfter.Decimal)
	}

	if !r.balance("BTC").Equal(decimal.Zero) {
		t.Errorf("asset balance = %s", r.balance("BTC"))
	}
	if !r.balance("KRW").Equal(dec("5500000")) {
		t.Errorf("quote balance = %s", r.balance("KRW"))
	}
	// Selling never changes the cost basis, even on a full exit.
	if !r.avg("BTC").Equal(dec("100000000")) {
		t.Errorf("avg price = %s", r.avg("BTC"))
	}
}

func TestExecute_SellNothingHeld(t *testing.T) {
	r := newRig()
	r.setPrice("BTC", "100000000")

	rec, err := r.engine.Execute(context.Background(), r.signal("sell", "BTC", "0.05"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	requireStatus(t, rec, models.ExecFailed)

	if *rec.FailureReason != "nothing to sell" {
		t.Errorf("reason = %q", *rec.FailureReason)
	}
	if len(r.ledger.writes) != 0 {
		t.Error("no snapshot may be written")
	}
}

func TestExecute_CloseFullPosition(t *testing.T) {
	r := newRig()
	r.setBalance("KRW", "1000000")
	r.setBalance("BTC", "0.05")
	r.setAvg("BTC", "100000000")
	r.setPrice("BTC", "120000000")

	rec, err := r.engine.Execute(context.Background(), r.signal("close_position", "BTC", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	requireStatus(t, rec, models.ExecSuccess)

	if !rec.ExecutedQuantity.Decimal.Equal(dec("0.05")) {
		t.Errorf("executed quantity = %s", rec.ExecutedQuantity.Decimal)
	}
	if rec.IntendedQuantity.Valid {
		t.Error("close without a quantity should leave intended quantity unset")
	}
	if !r.balance("BTC").Equal(decimal.Zero) {
		t.Errorf("asset balance = %s", r.balance("BTC"))
	}
	if !r.balance("KRW").Equal(dec("7000000")) {
		t.Errorf("quote balance = %s", r.balance("KRW"))
	}
	if !r.avg("BTC").Equal(dec("100000000")) {
		t.Errorf("avg price = %s", r.avg("BTC"))
	}
}

func TestExecute_CloseNoPosition(t *testing.T) {
	r := newRig()
	r.setPrice("BTC", "100000000")

	rec, err := r.engine.Execute(context.Background(), r.signal("close_position", "BTC", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	requireStatus(t, rec, models.ExecFailed)

	if *rec.FailureReason != "no position to close" {
		t.Errorf("reason = %q", *rec.FailureReason)
	}
	if len(r.ledger.writes) != 0 {
		t.Error("no snapshot may be written")
	}
}

func TestExecute_BuyPriceUnavailable(t *testing.T) {
	r := newRig()
	r.setBalance("KRW", "10000000")

	rec, err := r.engine.Execute(context.Background(), r.signal("buy", "BTC", "0.05"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	requireStatus(t, rec, models.ExecFailed)

	if *rec.FailureReason != "price unavailable for BTC" {
		t.Errorf("reason = %q", *rec.FailureReason)
	}
	if !rec.BalanceBefore.Valid || !rec.BalanceBefore.Decimal.Equal(dec("10000000")) {
		t.Errorf("balance before = %v", rec.BalanceBefore)
	}
}

func TestExecute_UnknownTypeRecorded(t *testing.T) {
	r := newRig()

	rec, err := r.engine.Execute(context.Background(), r.signal("yolo", "BTC", "1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	requireStatus(t, rec, models.ExecFailed)

	if !strings.Contains(*rec.FailureReason, "unknown signal type") {
		t.Errorf("reason = %q", *rec.FailureReason)
	}
	if rec.SignalType != "yolo" {
		t.Errorf("signal type column should keep the raw text, got %q", rec.SignalType)
	}
}

func TestSubmit_PairedWriteFailure(t *testing.T) {
	r := newRig()
	r.setBalance("KRW", "10000000")
	r.setPrice("BTC", "100000000")
	r.ledger.writeErr = errors.New("connection reset")

	rec, err := r.engine.Submit(context.Background(), r.signal("buy", "BTC", "0.05"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	requireStatus(t, rec, models.ExecFailed)

	if !strings.HasPrefix(*rec.FailureReason, "balance write failed:") {
		t.Errorf("reason = %q", *rec.FailureReason)
	}
	// Accepted signal was persisted even though execution then failed.
	if len(r.signals.saved) != 1 {
		t.Errorf("expected 1 saved signal, got %d", len(r.signals.saved))
	}
}

func TestSubmit_SignalStoreFailure(t *testing.T) {
	r := newRig()
	r.setBalance("KRW", "10000000")
	r.setPrice("BTC", "100000000")
	r.signals.err = errors.New("relation does not exist")

	rec, err := r.engine.Submit(context.Background(), r.signal("buy", "BTC", "0.05"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	requireStatus(t, rec, models.ExecFailed)

	if *rec.FailureReason != "signal store failure" {
		t.Errorf("reason = %q", *rec.FailureReason)
	}
	if len(r.ledger.writes) != 0 {
		t.Error("no snapshot may be written")
	}
}

func TestSubmit_RecorderFailureSurfacesError(t *testing.T) {
	r := newRig()
	r.setBalance("KRW", "10000000")
	r.setPrice("BTC", "100000000")
	r.recorder.err = errors.New("disk full")

	rec, err := r.engine.Submit(context.Background(), r.signal("buy", "BTC", "0.05"))
	if err == nil {
		t.Fatal("expected an error when even recording fails")
	}
	if rec != nil {
		t.Error("no record should be returned")
	}
}

func TestSubmit_ValidationFailureProducesOneRecord(t *testing.T) {
	r := newRig()

	rec, err := r.engine.Submit(context.Background(), &models.TradeSignal{AccountID: r.account})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	requireStatus(t, rec, models.ExecFailed)

	if len(r.recorder.records) != 1 {
		t.Fatalf("expected exactly 1 record, got %d", len(r.recorder.records))
	}
	if !strings.Contains(*rec.FailureReason, "missing asset") {
		t.Errorf("reason = %q", *rec.FailureReason)
	}
}

// Concurrent submissions for the same account must not interleave their
// balance read and paired write. Ten 0.01 buys at 1M each drain exactly 10M;
// a lost update would leave money behind.
func TestSubmit_SerializesPerAccount(t *testing.T) {
	r := newRig()
	other := uuid.New()
	r.setBalance("KRW", "10000000")
	r.ledger.balances[balKey(other, "KRW")] = dec("10000000")
	r.setPrice("BTC", "100000000")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, account := range []uuid.UUID{r.account, other} {
			wg.Add(1)
			go func(account uuid.UUID) {
				defer wg.Done()
				sig := &models.TradeSignal{
					AccountID: account,
					Asset:     "BTC",
					Signal:    "buy",
					Quantity:  decimal.NullDecimal{Decimal: dec("0.01"), Valid: true},
				}
				if _, err := r.engine.Submit(context.Background(), sig); err != nil {
					t.Errorf("submit failed: %v", err)
				}
			}(account)
		}
	}
	wg.Wait()

	for _, account := range []uuid.UUID{r.account, other} {
		if got := r.ledger.balances[balKey(account, "KRW")]; !got.Equal(decimal.Zero) {
			t.Errorf("account %s quote balance = %s, want 0", account, got)
		}
		if got := r.ledger.balances[balKey(account, "BTC")]; !got.Equal(dec("0.1")) {
			t.Errorf("account %s asset balance = %s, want 0.1", account, got)
		}
	}

	r.recorder.mu.Lock()
	defer r.recorder.mu.Unlock()
	if len(r.recorder.records) != 20 {
		t.Fatalf("expected 20 records, got %d", len(r.recorder.records))
	}
	for _, rec := range r.recorder.records {
		if rec.Status != models.ExecSuccess {
			t.Errorf("expected success, got %s (%v)", rec.Status, rec.FailureReason)
		}
	}
}
