// Package pricefeed polls the exchange ticker endpoint and appends every tick
// to the ticker log the price oracle reads. The exchange is an external
// dependency that can degrade, so fetches run behind a circuit breaker and a
// client-side rate limiter.
package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tradearena/paperbroker/internal/metrics"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// TickerSink receives collected ticks; satisfied by *db.DB.
type TickerSink interface {
	InsertTicker(ctx context.Context, market string, price decimal.Decimal, at time.Time) error
}

// Tick is one parsed market price.
type Tick struct {
	Market string
	Price  decimal.Decimal
	At     time.Time
}

// Collector polls the ticker endpoint on a fixed interval.
type Collector struct {
	sink     TickerSink
	url      string
	markets  []string
	interval time.Duration
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	log      zerolog.Logger
}

// New creates a collector for the given markets. The breaker opens after five
// consecutive fetch failures and probes again after thirty seconds.
func New(sink TickerSink, endpoint string, markets []string, interval time.Duration, rps float64, log zerolog.Logger) *Collector {
	clog := log.With().Str("component", "pricefeed").Logger()
	return &Collector{
		sink:     sink,
		url:      endpoint,
		markets:  markets,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "pricefeed",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				clog.Warn().Str("from", from.String()).Str("to", to.String()).Msg("breaker state changed")
			},
		}),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		log:     clog,
	}
}

// Run polls until the context is cancelled. The first collection happens
// immediately so the oracle has prices as soon as the server is up.
func (c *Collector) Run(ctx context.Context) {
	c.log.Info().
		Strs("markets", c.markets).
		Dur("interval", c.interval).
		Msg("collector started")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect(ctx)
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("collector stopped")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			c.log.Debug().Msg("breaker open, fetch skipped")
		} else {
			c.log.Warn().Err(err).Msg("ticker fetch failed")
		}
		return
	}

	for _, tick := range res.([]Tick) {
		if err := c.sink.InsertTicker(ctx, tick.Market, tick.Price, tick.At); err != nil {
			c.log.Error().Err(err).Str("market", tick.Market).Msg("ticker insert failed")
			continue
		}
		metrics.TickersCollected.Inc()
	}
}

// fetch retrieves and parses one batch of tickers. Prices arrive as JSON
// numbers and are decoded through json.Number so they never pass through a
// float64.
func (c *Collector) fetch(ctx context.Context) ([]Tick, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("bad ticker url: %w", err)
	}
	q := u.Query()
	q.Set("markets", strings.Join(c.markets, ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build ticker request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ticker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ticker request returned %s", resp.Status)
	}

	var raw []struct {
		Market     string      `json:"market"`
		TradePrice json.Number `json:"trade_price"`
		Timestamp  int64       `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode ticker response: %w", err)
	}

	ticks := make([]Tick, 0, len(raw))
	for _, r := range raw {
		price, err := decimal.NewFromString(r.TradePrice.String())
		if err != nil {
			return nil, fmt.Errorf("bad trade_price for %s: %w", r.Market, err)
		}
		at := time.Now().UTC()
		if r.Timestamp > 0 {
			at = time.UnixMilli(r.Timestamp).UTC()
		}
		ticks = append(ticks, Tick{Market: r.Market, Price: price, At: at})
	}
	return ticks, nil
}
