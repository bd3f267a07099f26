package models

import (
	"strings"
	"testing"
)

func TestParseSignalType(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		want        SignalType
		expectError bool
	}{
		{name: "Buy", raw: "buy", want: SignalBuyToEnter},
		{name: "BuyCanonical", raw: "buy_to_enter", want: SignalBuyToEnter},
		{name: "Enter", raw: "enter", want: SignalBuyToEnter},
		{name: "Long", raw: "long", want: SignalBuyToEnter},
		{name: "UppercaseWithSpace", raw: "  BUY ", want: SignalBuyToEnter},
		{name: "Sell", raw: "sell", want: SignalSellToExit},
		{name: "SellCanonical", raw: "sell_to_exit", want: SignalSellToExit},
		{name: "Exit", raw: "exit", want: SignalSellToExit},
		{name: "Hold", raw: "hold", want: SignalHold},
		{name: "Close", raw: "close", want: SignalClosePosition},
		{name: "CloseCanonical", raw: "close_position", want: SignalClosePosition},
		{name: "CloseAll", raw: "close_all", want: SignalClosePosition},
		{name: "Flat", raw: "flat", want: SignalClosePosition},
		{name: "Unknown", raw: "yolo", expectError: true},
		{name: "Empty", raw: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSignalType(tt.raw)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got %q", got)
					return
				}
				if !strings.Contains(err.Error(), "allowed:") {
					t.Errorf("error should list allowed values, got %q", err.Error())
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestSignalTypePredicates(t *testing.T) {
	tests := []struct {
		typ     SignalType
		isBuy   bool
		isSell  bool
		isHold  bool
		isClose bool
	}{
		{SignalBuyToEnter, true, false, false, false},
		{SignalSellToExit, false, true, false, false},
		{SignalHold, false, false, true, false},
		{SignalClosePosition, false, true, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			if got := tt.typ.IsBuy(); got != tt.isBuy {
				t.Errorf("IsBuy() = %v, want %v", got, tt.isBuy)
			}
			if got := tt.typ.IsSell(); got != tt.isSell {
				t.Errorf("IsSell() = %v, want %v", got, tt.isSell)
			}
			if got := tt.typ.IsHold(); got != tt.isHold {
				t.Errorf("IsHold() = %v, want %v", got, tt.isHold)
			}
			if got := tt.typ.IsClose(); got != tt.isClose {
				t.Errorf("IsClose() = %v, want %v", got, tt.isClose)
			}
		})
	}
}

func TestAllowedSignalStrings(t *testing.T) {
	allowed := AllowedSignalStrings()
	if len(allowed) != len(signalAliases) {
		t.Fatalf("expected %d entries, got %d", len(signalAliases), len(allowed))
	}
	for i := 1; i < len(allowed); i++ {
		if allowed[i-1] >= allowed[i] {
			t.Errorf("expected sorted output, got %v before %v", allowed[i-1], allowed[i])
		}
	}
}

func TestValidExecStatus(t *testing.T) {
	for _, s := range []string{"success", "failed", "skipped"} {
		if !ValidExecStatus(s) {
			t.Errorf("expected %q to be valid", s)
		}
	}
	for _, s := range []string{"open", "pending", ""} {
		if ValidExecStatus(s) {
			t.Errorf("expected %q to be invalid", s)
		}
	}
}

func TestMarketCode(t *testing.T) {
	if got := MarketCode("KRW", "btc"); got != "KRW-BTC" {
		t.Errorf("expected KRW-BTC, got %q", got)
	}
	if got := MarketCode("KRW", "ETH"); got != "KRW-ETH" {
		t.Errorf("expected KRW-ETH, got %q", got)
	}
}
