// Package pricer adapts exchange tickers into price sources for the ledger.
package pricer

import (
	"context"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/custodian/internal/domain"
	"github.com/vadiminshakov/custodian/pkg/retrier"
)

// Pricer returns the last traded price of an exchange symbol.
type Pricer interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Quote is a price with the time the venue observed it. At is zero when unknown.
type Quote struct {
	Price decimal.Decimal
	At    time.Time
}

// QuotePricer is a Pricer whose venue reports when the price was observed.
type QuotePricer interface {
	Pricer
	GetQuote(ctx context.Context, symbol string) (Quote, error)
}

// Source is a price source that can be named and rebuilt from persisted descriptors.
type Source interface {
	domain.DescribedSource
	Ref() string
}

// Feed turns an exchange Pricer into a domain.PriceSource with a fixed number of price decimals.
type Feed struct {
	ref      string
	platform string
	pricer   Pricer
	symbol   string
	decimals uint8
	retrier  *retrier.Retrier
	now      func() time.Time
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithRetrier overrides the retry policy for price reads.
func WithRetrier(r *retrier.Retrier) FeedOption {
	return func(f *Feed) {
		f.retrier = r
	}
}

// WithClock overrides the time source used to stamp readings.
func WithClock(now func() time.Time) FeedOption {
	return func(f *Feed) {
		f.now = now
	}
}

// NewFeed creates a feed for symbol on platform.
func NewFeed(platform string, p Pricer, symbol string, decimals uint8, opts ...FeedOption) (*Feed, error) {
	if p == nil {
		return nil, errors.New("pricer is required")
	}
	if symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if decimals > domain.MaxPrecision {
		return nil, errors.Wrapf(domain.ErrInvalidPrecision, "price decimals %d", decimals)
	}

	f := &Feed{
		ref:      Ref(platform, symbol),
		platform: platform,
		pricer:   p,
		symbol:   symbol,
		decimals: decimals,
		retrier: retrier.New(
			retrier.WithMaxRetries(2),
			retrier.WithInitialInterval(200*time.Millisecond),
			retrier.WithMaxInterval(2*time.Second),
		),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}

	return f, nil
}

// Ref names the feed, e.g. "binance:ETHUSDT".
func (f *Feed) Ref() string {
	return f.ref
}

// FeedSpec describes the feed for persistence.
func (f *Feed) FeedSpec() domain.FeedSpec {
	return domain.FeedSpec{Platform: f.platform, Symbol: f.symbol, Decimals: f.decimals}
}

// Latest fetches the current price. The reading carries the venue's timestamp when the
// pricer reports one and the fetch time otherwise. A venue timestamp ahead of the local
// clock is capped at the fetch time.
func (f *Feed) Latest(ctx context.Context) (domain.PriceReading, error) {
	quote, err := retrier.DoWithData(f.retrier, ctx, f.quote)
	if err != nil {
		return domain.PriceReading{}, errors.Wrapf(err, "fetch %s", f.ref)
	}
	if fetched := f.now(); quote.At.IsZero() || quote.At.After(fetched) {
		quote.At = fetched
	}

	return domain.PriceReading{
		Price:     ToFixedPoint(quote.Price, f.decimals),
		Timestamp: quote.At,
		Decimals:  f.decimals,
	}, nil
}

func (f *Feed) quote(ctx context.Context) (Quote, error) {
	if qp, ok := f.pricer.(QuotePricer); ok {
		return qp.GetQuote(ctx, f.symbol)
	}
	price, err := f.pricer.GetPrice(ctx, f.symbol)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Price: price}, nil
}

// Ref builds a feed reference from platform and symbol.
func Ref(platform, symbol string) string {
	return platform + ":" + symbol
}

// ToFixedPoint scales price by 10^decimals and truncates the remainder.
func ToFixedPoint(price decimal.Decimal, decimals uint8) *big.Int {
	return price.Shift(int32(decimals)).Truncate(0).BigInt()
}
