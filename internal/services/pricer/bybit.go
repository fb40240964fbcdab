package pricer

import (
	"context"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// BybitPricer reads spot prices from Bybit.
type BybitPricer struct {
	client *bybit.Client
}

func NewBybitPricer(client *bybit.Client) *BybitPricer {
	return &BybitPricer{client: client}
}

func (p *BybitPricer) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	quote, err := p.GetQuote(ctx, symbol)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return quote.Price, nil
}

// GetQuote returns the last price stamped with the Bybit server time.
// ctx is ignored; the Bybit SDK does not accept one.
func (p *BybitPricer) GetQuote(_ context.Context, symbol string) (Quote, error) {
	s := bybit.SymbolV5(symbol)

	result, err := p.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: "spot",
		Symbol:   &s,
	})
	if err != nil {
		return Quote{}, err
	}
	if result.Result.Spot == nil || len(result.Result.Spot.List) == 0 {
		return Quote{}, errors.Errorf("bybit API returned empty prices for %s", symbol)
	}

	price, err := decimal.NewFromString(result.Result.Spot.List[0].LastPrice)
	if err != nil {
		return Quote{}, err
	}

	var at time.Time
	if result.Time > 0 {
		at = time.UnixMilli(int64(result.Time))
	}
	return Quote{Price: price, At: at}, nil
}
