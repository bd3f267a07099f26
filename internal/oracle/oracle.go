// Package oracle resolves the latest known market price for an asset. Price
// lookups are the only network suspend point in the execution path, so every
// call is bounded by a timeout; a timed-out lookup is reported as unavailable,
// never as a stale success.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradearena/paperbroker/internal/metrics"
	"github.com/tradearena/paperbroker/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrUnavailable means no usable price exists for the asset: no ticker has
// been collected, or the lookup timed out.
var ErrUnavailable = errors.New("price unavailable")

// Oracle returns the latest known price of an asset in the quote currency.
type Oracle interface {
	LatestPrice(ctx context.Context, asset string) (decimal.Decimal, error)
	PriceAsOf(ctx context.Context, asset string, asOf time.Time) (decimal.Decimal, error)
}

// TickerSource reads the collected ticker log.
type TickerSource interface {
	LatestPrice(ctx context.Context, market string, before *time.Time) (decimal.Decimal, time.Time, error)
}

// TickerOracle resolves prices from the ticker log, with an optional Redis
// cache in front of it. The cache only ever shortens the read path; any cache
// failure falls through to the log.
type TickerOracle struct {
	src      TickerSource
	cache    *redis.Client
	quote    string
	timeout  time.Duration
	cacheTTL time.Duration
	log      zerolog.Logger
}

// Option configures a TickerOracle.
type Option func(*TickerOracle)

// WithCache adds a Redis read-through cache with the given TTL.
func WithCache(client *redis.Client, ttl time.Duration) Option {
	return func(o *TickerOracle) {
		o.cache = client
		o.cacheTTL = ttl
	}
}

// WithTimeout overrides the per-lookup timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *TickerOracle) {
		o.timeout = d
	}
}

// NewTickerOracle creates an oracle over the ticker log.
func NewTickerOracle(src TickerSource, quoteCurrency string, log zerolog.Logger, opts ...Option) *TickerOracle {
	o := &TickerOracle{
		src:     src,
		quote:   quoteCurrency,
		timeout: 3 * time.Second,
		log:     log.With().Str("component", "oracle").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// LatestPrice returns the most recent collected price for the asset.
func (o *TickerOracle) LatestPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	return o.lookup(ctx, asset, nil)
}

// PriceAsOf returns the most recent collected price at or before asOf.
func (o *TickerOracle) PriceAsOf(ctx context.Context, asset string, asOf time.Time) (decimal.Decimal, error) {
	return o.lookup(ctx, asset, &asOf)
}

func (o *TickerOracle) lookup(ctx context.Context, asset string, before *time.Time) (decimal.Decimal, error) {
	market := models.MarketCode(o.quote, asset)

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	// Historical lookups bypass the cache; it only holds the latest tick.
	if o.cache != nil && before == nil {
		if cached, err := o.cache.Get(ctx, cacheKey(market)).Result(); err == nil {
			if price, perr := decimal.NewFromString(cached); perr == nil {
				return price, nil
			}
		} else if err != redis.Nil {
			o.log.Debug().Err(err).Str("market", market).Msg("price cache read failed")
		}
	}

	price, _, err := o.src.LatestPrice(ctx, market, before)
	if err != nil {
		metrics.PriceLookupFailures.Inc()
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("%w: no ticker for %s", ErrUnavailable, market)
		}
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return decimal.Zero, fmt.Errorf("%w: lookup timed out for %s", ErrUnavailable, market)
		}
		return decimal.Zero, fmt.Errorf("price lookup failed for %s: %w", market, err)
	}

	if o.cache != nil && before == nil {
		if err := o.cache.Set(ctx, cacheKey(market), price.String(), o.cacheTTL).Err(); err != nil {
			o.log.Debug().Err(err).Str("market", market).Msg("price cache write failed")
		}
	}

	return price, nil
}

func cacheKey(market string) string {
	return "price:" + market
}
