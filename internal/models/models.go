package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SignalType is the normalized trade decision type. Raw decision strings are
// normalized exactly once, at the input boundary, via ParseSignalType.
type SignalType string

const (
	SignalBuyToEnter    SignalType = "buy_to_enter"
	SignalSellToExit    SignalType = "sell_to_exit"
	SignalHold          SignalType = "hold"
	SignalClosePosition SignalType = "close_position"
)

// signalAliases maps every accepted decision string to its canonical type.
var signalAliases = map[string]SignalType{
	"buy":            SignalBuyToEnter,
	"buy_to_enter":   SignalBuyToEnter,
	"enter":          SignalBuyToEnter,
	"long":           SignalBuyToEnter,
	"sell":           SignalSellToExit,
	"sell_to_exit":   SignalSellToExit,
	"exit":           SignalSellToExit,
	"hold":           SignalHold,
	"close_position": SignalClosePosition,
	"close_all":      SignalClosePosition,
	"close":          SignalClosePosition,
	"flat":           SignalClosePosition,
}

// ParseSignalType normalizes a raw decision string to a SignalType. The error
// message lists the accepted values so it can go straight into an audit row.
func ParseSignalType(raw string) (SignalType, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if t, ok := signalAliases[s]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown signal type %q (allowed: %s)", raw, strings.Join(AllowedSignalStrings(), ", "))
}

// AllowedSignalStrings returns every accepted decision string, sorted.
func AllowedSignalStrings() []string {
	out := make([]string, 0, len(signalAliases))
	for s := range signalAliases {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// IsBuy reports whether the signal opens or adds to a position.
func (t SignalType) IsBuy() bool { return t == SignalBuyToEnter }

// IsSell reports whether the signal reduces a position. Closing counts.
func (t SignalType) IsSell() bool { return t == SignalSellToExit || t == SignalClosePosition }

// IsHold reports whether the signal is a no-op.
func (t SignalType) IsHold() bool { return t == SignalHold }

// IsClose reports whether the signal liquidates the full position.
func (t SignalType) IsClose() bool { return t == SignalClosePosition }

// ExecStatus is the terminal outcome of one execution attempt.
type ExecStatus string

const (
	ExecSuccess ExecStatus = "success"
	ExecFailed  ExecStatus = "failed"
	ExecSkipped ExecStatus = "skipped"
)

// ValidExecStatus reports whether s is one of the three terminal statuses.
func ValidExecStatus(s string) bool {
	switch ExecStatus(s) {
	case ExecSuccess, ExecFailed, ExecSkipped:
		return true
	}
	return false
}

// User represents a registered operator account
type User struct {
	ID           int
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Trader maps a decision source (an LLM model) to its virtual account.
type Trader struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Model     string    `json:"model"`
	AccountID uuid.UUID `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
}

// BalanceSnapshot is one immutable row of the append-only balance log.
// The current balance of (account, currency) is the most recent row.
type BalanceSnapshot struct {
	ID          int64           `json:"id"`
	AccountID   uuid.UUID       `json:"account_id"`
	Currency    string          `json:"currency"`
	Balance     decimal.Decimal `json:"balance"`
	Locked      decimal.Decimal `json:"locked"`
	AvgBuyPrice decimal.Decimal `json:"avg_buy_price"` // cost basis; zero for the quote currency
	RecordedAt  time.Time       `json:"recorded_at"`
}

// TradeSignal is a proposed decision from an upstream source. It is written
// once, never mutated, and referenced by execution records. Signal holds the
// raw decision string as received; normalization happens at validation.
type TradeSignal struct {
	ID           int64               `json:"id"`
	PromptID     *int64              `json:"prompt_id,omitempty"`
	AccountID    uuid.UUID           `json:"account_id"`
	Asset        string              `json:"asset"`
	Signal       string              `json:"signal"`
	Quantity     decimal.NullDecimal `json:"quantity"`
	StopLoss     decimal.NullDecimal `json:"stop_loss"`
	ProfitTarget decimal.NullDecimal `json:"profit_target"`
	RiskQuote    decimal.NullDecimal `json:"risk_quote"`
	Confidence   decimal.NullDecimal `json:"confidence"`
	CurrentPrice decimal.NullDecimal `json:"current_price"` // price known to the source at decision time
	Rationale    string              `json:"rationale,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// ExecutionRecord is the permanent audit row for one execution attempt:
// what was intended, what actually happened, and why.
type ExecutionRecord struct {
	ID               int64               `json:"id"`
	Ref              string              `json:"ref"`
	SignalID         *int64              `json:"signal_id,omitempty"`
	PromptID         *int64              `json:"prompt_id,omitempty"`
	AccountID        uuid.UUID           `json:"account_id"`
	Asset            string              `json:"asset"`
	SignalType       string              `json:"signal_type"`
	Status           ExecStatus          `json:"status"`
	FailureReason    *string             `json:"failure_reason,omitempty"`
	IntendedPrice    decimal.NullDecimal `json:"intended_price"`
	ExecutedPrice    decimal.NullDecimal `json:"executed_price"`
	PriceSlippage    decimal.NullDecimal `json:"price_slippage"` // percent vs intended
	IntendedQuantity decimal.NullDecimal `json:"intended_quantity"`
	ExecutedQuantity decimal.NullDecimal `json:"executed_quantity"`
	BalanceBefore    decimal.NullDecimal `json:"balance_before"` // quote balance for buys, asset balance for sells
	BalanceAfter     decimal.NullDecimal `json:"balance_after"`
	SignalCreatedAt  *time.Time          `json:"signal_created_at,omitempty"`
	ExecutedAt       time.Time           `json:"executed_at"`
	DelaySeconds     decimal.NullDecimal `json:"delay_seconds"`
	Notes            *string             `json:"notes,omitempty"`
}

// ExecutionFilter narrows ListExecutions queries.
type ExecutionFilter struct {
	AccountID *uuid.UUID
	Status    *ExecStatus
	Limit     int
}

// ExecutionStats aggregates the execution log for the dashboard.
type ExecutionStats struct {
	Total           int64               `json:"total"`
	Success         int64               `json:"success"`
	Failed          int64               `json:"failed"`
	Skipped         int64               `json:"skipped"`
	SuccessRate     decimal.Decimal     `json:"success_rate"` // percent of total
	AvgSlippage     decimal.NullDecimal `json:"avg_slippage"`
	AvgDelaySeconds decimal.NullDecimal `json:"avg_delay_seconds"`
}

// Holding is one asset position inside an account summary.
type Holding struct {
	Balance      decimal.Decimal     `json:"balance"`
	AvgBuyPrice  decimal.Decimal     `json:"avg_buy_price"`
	CurrentPrice decimal.NullDecimal `json:"current_price"`
	QuoteValue   decimal.Decimal     `json:"quote_value"`
	ProfitLoss   decimal.Decimal     `json:"profit_loss"`
	Priced       bool                `json:"priced"` // false when no price was available
}

// AccountSummary is the valuation of one account at a point in time.
type AccountSummary struct {
	AccountID      uuid.UUID          `json:"account_id"`
	QuoteCurrency  string             `json:"quote_currency"`
	QuoteBalance   decimal.Decimal    `json:"quote_balance"`
	Holdings       map[string]Holding `json:"holdings"`
	TotalValue     decimal.Decimal    `json:"total_value"`
	InitialCapital decimal.Decimal    `json:"initial_capital"`
	ProfitLoss     decimal.Decimal    `json:"profit_loss"`
	ProfitLossRate decimal.Decimal    `json:"profit_loss_rate"` // percent
	AsOf           time.Time          `json:"as_of"`
}

// Ticker is one collected market price.
type Ticker struct {
	ID          int64           `json:"id"`
	Market      string          `json:"market"`
	TradePrice  decimal.Decimal `json:"trade_price"`
	CollectedAt time.Time       `json:"collected_at"`
}

// MarketCode builds the market identifier for an asset, e.g. "KRW-BTC".
func MarketCode(quote, asset string) string {
	return quote + "-" + strings.ToUpper(asset)
}
