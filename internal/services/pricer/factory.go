package pricer

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/custodian/internal/clients"
)

const (
	PlatformBinance     = "binance"
	PlatformBybit       = "bybit"
	PlatformHyperliquid = "hyperliquid"
	PlatformStatic      = "static"
)

// Spec describes a feed to build.
type Spec struct {
	Platform string
	Symbol   string
	Decimals uint8
	// Price is used by the static platform only.
	Price     decimal.Decimal
	APIKey    string
	APISecret string
	BaseURL   string
}

// New builds a price source for spec.
func New(spec Spec, opts ...FeedOption) (Source, error) {
	switch spec.Platform {
	case PlatformBinance:
		p := NewBinancePricer(clients.NewBinanceClient(spec.APIKey, spec.APISecret))
		return NewFeed(spec.Platform, p, spec.Symbol, spec.Decimals, opts...)
	case PlatformBybit:
		p := NewBybitPricer(clients.NewBybitClient(spec.APIKey, spec.APISecret))
		return NewFeed(spec.Platform, p, spec.Symbol, spec.Decimals, opts...)
	case PlatformHyperliquid:
		client, err := clients.NewHyperliquidClient("", spec.BaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create hyperliquid client")
		}
		return NewFeed(spec.Platform, NewHyperliquidPricer(client.Info()), spec.Symbol, spec.Decimals, opts...)
	case PlatformStatic:
		if spec.Symbol == "" {
			return nil, errors.New("symbol is required")
		}
		if !spec.Price.IsPositive() {
			return nil, errors.Errorf("static price for %s must be positive, got %s", spec.Symbol, spec.Price)
		}
		return NewStaticFeed(spec.Symbol, spec.Price, spec.Decimals), nil
	default:
		return nil, errors.Errorf("unknown price platform %q", spec.Platform)
	}
}
