package pricer

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/custodian/internal/domain"
)

// StaticFeed serves a fixed price. Until Set pins a timestamp, every reading is fresh.
type StaticFeed struct {
	mu       sync.RWMutex
	ref      string
	symbol   string
	price    *big.Int
	decimals uint8
	at       time.Time
}

// NewStaticFeed creates a feed answering price with the given decimals.
func NewStaticFeed(symbol string, price decimal.Decimal, decimals uint8) *StaticFeed {
	return &StaticFeed{
		ref:      Ref(PlatformStatic, symbol),
		symbol:   symbol,
		price:    ToFixedPoint(price, decimals),
		decimals: decimals,
	}
}

// Set replaces the price and pins the reading timestamp to at.
func (f *StaticFeed) Set(price decimal.Decimal, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.price = ToFixedPoint(price, f.decimals)
	f.at = at
}

func (f *StaticFeed) Ref() string {
	return f.ref
}

// FeedSpec describes the feed with its current price.
func (f *StaticFeed) FeedSpec() domain.FeedSpec {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return domain.FeedSpec{
		Platform: PlatformStatic,
		Symbol:   f.symbol,
		Decimals: f.decimals,
		Price:    decimal.NewFromBigInt(f.price, -int32(f.decimals)).String(),
	}
}

func (f *StaticFeed) Latest(context.Context) (domain.PriceReading, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	at := f.at
	if at.IsZero() {
		at = time.Now()
	}
	return domain.PriceReading{Price: new(big.Int).Set(f.price), Timestamp: at, Decimals: f.decimals}, nil
}
