// Package signal validates proposed trade decisions before they reach the
// execution engine. The decision source is an untrusted boundary; every field
// is checked here, and every problem found is reported at once so a rejected
// decision never needs a second round trip to discover the next issue.
package signal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tradearena/paperbroker/internal/models"
	"github.com/tradearena/paperbroker/internal/oracle"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// BalanceReader is the slice of the ledger the validator consults.
type BalanceReader interface {
	CurrentBalance(ctx context.Context, accountID uuid.UUID, currency string) (decimal.Decimal, error)
}

// Result is the outcome of validating one trade decision.
type Result struct {
	OK        bool
	Reasons   []string
	Type      models.SignalType
	TypeKnown bool

	// IntendedPrice is the price consulted for the buy cost check, when one
	// was available.
	IntendedPrice decimal.NullDecimal
	// BalanceBefore is the balance the sizing check ran against: quote
	// currency for buys, the asset itself for sells.
	BalanceBefore decimal.NullDecimal
}

// Reason joins the rejection reasons into the audit-row failure text.
func (r Result) Reason() string { return strings.Join(r.Reasons, ", ") }

// Validator checks decisions against account state and market state.
type Validator struct {
	balances BalanceReader
	prices   oracle.Oracle
	quote    string
	log      zerolog.Logger
}

// NewValidator creates a validator reading balances in the given quote
// currency.
func NewValidator(balances BalanceReader, prices oracle.Oracle, quoteCurrency string, log zerolog.Logger) *Validator {
	return &Validator{
		balances: balances,
		prices:   prices,
		quote:    quoteCurrency,
		log:      log.With().Str("component", "validator").Logger(),
	}
}

// Validate runs every check and collects every failure; it does not stop at
// the first problem. Infrastructure failures during validation (balance read,
// price lookup) become rejection reasons with distinct wording instead of
// errors, so the caller can always write exactly one audit row.
func (v *Validator) Validate(ctx context.Context, sig *models.TradeSignal) Result {
	var res Result

	asset := strings.TrimSpace(sig.Asset)
	if asset == "" {
		res.Reasons = append(res.Reasons, "missing asset")
	}

	sigType, err := models.ParseSignalType(sig.Signal)
	switch {
	case err == nil:
		res.Type = sigType
		res.TypeKnown = true
	case strings.TrimSpace(sig.Signal) == "":
		res.Reasons = append(res.Reasons, "missing signal type")
	default:
		res.Reasons = append(res.Reasons, err.Error())
	}

	// Hold needs no sizing. Nothing below applies to it.
	if res.TypeKnown && sigType.IsHold() {
		res.OK = len(res.Reasons) == 0
		return res
	}

	qty := decimal.Zero
	switch {
	case !sig.Quantity.Valid:
		res.Reasons = append(res.Reasons, "missing quantity")
	case !sig.Quantity.Decimal.IsPositive():
		res.Reasons = append(res.Reasons, fmt.Sprintf("quantity must be positive, got %s", sig.Quantity.Decimal))
	default:
		qty = sig.Quantity.Decimal
	}

	if res.TypeKnown && asset != "" {
		switch {
		case sigType.IsBuy():
			v.checkBuy(ctx, sig, qty, &res)
		case sigType.IsSell():
			v.checkSell(ctx, sig, qty, &res)
		}
	}

	res.OK = len(res.Reasons) == 0
	return res
}

// checkBuy verifies the estimated cost against the quote balance. The price
// consulted here is only an estimate; the engine re-reads both price and
// balance at execution time.
func (v *Validator) checkBuy(ctx context.Context, sig *models.TradeSignal, qty decimal.Decimal, res *Result) {
	quoteBal, err := v.balances.CurrentBalance(ctx, sig.AccountID, v.quote)
	if err != nil {
		v.log.Error().Err(err).Stringer("account", sig.AccountID).Msg("quote balance read failed during validation")
		res.Reasons = append(res.Reasons, "balance lookup failed")
		return
	}
	res.BalanceBefore = decimal.NullDecimal{Decimal: quoteBal, Valid: true}

	price, err := v.prices.LatestPrice(ctx, sig.Asset)
	if err != nil {
		if !errors.Is(err, oracle.ErrUnavailable) {
			v.log.Error().Err(err).Str("asset", sig.Asset).Msg("price lookup failed during validation")
		}
		res.Reasons = append(res.Reasons, fmt.Sprintf("price unavailable for %s", sig.Asset))
		return
	}
	res.IntendedPrice = decimal.NullDecimal{Decimal: price, Valid: true}

	if !qty.IsPositive() {
		return
	}
	cost := qty.Mul(price)
	if cost.GreaterThan(quoteBal) {
		res.Reasons = append(res.Reasons,
			fmt.Sprintf("insufficient balance: need %s, have %s", cost, quoteBal))
	}
}

// checkSell verifies the requested quantity against current holdings. The
// engine clamps stale oversells at execution time; at the input boundary an
// oversell is rejected outright.
func (v *Validator) checkSell(ctx context.Context, sig *models.TradeSignal, qty decimal.Decimal, res *Result) {
	held, err := v.balances.CurrentBalance(ctx, sig.AccountID, sig.Asset)
	if err != nil {
		v.log.Error().Err(err).Stringer("account", sig.AccountID).Str("asset", sig.Asset).Msg("asset balance read failed during validation")
		res.Reasons = append(res.Reasons, "balance lookup failed")
		return
	}
	res.BalanceBefore = decimal.NullDecimal{Decimal: held, Valid: true}

	if qty.IsPositive() && qty.GreaterThan(held) {
		res.Reasons = append(res.Reasons,
			fmt.Sprintf("sell quantity %s exceeds holdings %s", qty, held))
	}
}
