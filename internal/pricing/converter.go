// Package pricing converts raw asset amounts into the common accounting unit.
package pricing

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/custodian/internal/domain"
)

const (
	// IntermediatePrecision is the precision raw amounts are lifted to before applying a price.
	IntermediatePrecision uint8 = 18
	// DefaultMaxStaleness is the maximum accepted age of a price reading.
	DefaultMaxStaleness = 24 * time.Hour
)

type resolver interface {
	Resolve(asset common.Address) (domain.AssetDescriptor, error)
}

// Converter turns raw amounts into normalized amounts. It has no side effects.
type Converter struct {
	registry        resolver
	commonPrecision uint8
	maxStaleness    time.Duration
	now             func() time.Time
}

// Option configures a Converter.
type Option func(*Converter)

// WithMaxStaleness overrides the staleness window.
func WithMaxStaleness(d time.Duration) Option {
	return func(c *Converter) {
		c.maxStaleness = d
	}
}

// WithClock overrides the time source used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(c *Converter) {
		c.now = now
	}
}

// NewConverter creates a converter targeting commonPrecision fractional digits.
func NewConverter(registry resolver, commonPrecision uint8, opts ...Option) (*Converter, error) {
	if registry == nil {
		return nil, errors.New("asset registry is required")
	}
	if commonPrecision > domain.MaxPrecision {
		return nil, errors.Wrapf(domain.ErrInvalidPrecision, "common precision %d", commonPrecision)
	}

	c := &Converter{
		registry:        registry,
		commonPrecision: commonPrecision,
		maxStaleness:    DefaultMaxStaleness,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxStaleness <= 0 {
		return nil, errors.Errorf("max staleness must be positive, got %s", c.maxStaleness)
	}

	return c, nil
}

// CommonPrecision returns the precision of the accounting unit.
func (c *Converter) CommonPrecision() uint8 {
	return c.commonPrecision
}

// MaxStaleness returns the staleness window.
func (c *Converter) MaxStaleness() time.Duration {
	return c.maxStaleness
}

// ToCommonUnit resolves asset and converts raw into the accounting unit.
func (c *Converter) ToCommonUnit(ctx context.Context, asset common.Address, raw *uint256.Int) (*uint256.Int, error) {
	desc, err := c.registry.Resolve(asset)
	if err != nil {
		return nil, err
	}
	return c.Convert(ctx, desc, raw)
}

// Convert converts raw using an already resolved descriptor.
func (c *Converter) Convert(ctx context.Context, desc domain.AssetDescriptor, raw *uint256.Int) (*uint256.Int, error) {
	if raw == nil {
		raw = new(uint256.Int)
	}
	if !desc.HasPriceSource() {
		return domain.Rescale(raw, desc.Precision, c.commonPrecision)
	}

	reading, err := desc.Source.Latest(ctx)
	if err != nil {
		return nil, errors.Wrapf(domain.ErrPriceUnavailable, "asset %s: %v", desc.Asset.Hex(), err)
	}
	price, err := c.validate(desc.Asset, reading)
	if err != nil {
		return nil, err
	}

	return c.applyPrice(raw, desc.Precision, price, reading.Decimals)
}

func (c *Converter) validate(asset common.Address, reading domain.PriceReading) (*uint256.Int, error) {
	if reading.Price == nil || reading.Price.Sign() <= 0 {
		return nil, errors.Wrapf(domain.ErrInvalidPrice, "asset %s: price %v", asset.Hex(), reading.Price)
	}
	now := c.now()
	if reading.Timestamp.After(now) {
		return nil, errors.Wrapf(domain.ErrInvalidPrice, "asset %s: price is dated %s in the future",
			asset.Hex(), reading.Timestamp.Sub(now).Truncate(time.Second))
	}
	if age := now.Sub(reading.Timestamp); age > c.maxStaleness {
		return nil, errors.Wrapf(domain.ErrStalePrice, "asset %s: price is %s old, max %s",
			asset.Hex(), age.Truncate(time.Second), c.maxStaleness)
	}
	price, overflow := uint256.FromBig(reading.Price)
	if overflow {
		return nil, errors.Wrapf(domain.ErrArithmeticOverflow, "asset %s: price %s", asset.Hex(), reading.Price)
	}
	return price, nil
}

// applyPrice computes rescale(raw, native, 18) * price * 10^common / 10^(18+priceDecimals).
// The powers of ten are cancelled before multiplying, which yields the same floor
// with smaller intermediates.
func (c *Converter) applyPrice(raw *uint256.Int, native uint8, price *uint256.Int, priceDecimals uint8) (*uint256.Int, error) {
	scaled, err := domain.Rescale(raw, native, IntermediatePrecision)
	if err != nil {
		return nil, err
	}
	value, err := domain.Mul(scaled, price)
	if err != nil {
		return nil, err
	}

	denominator := uint(IntermediatePrecision) + uint(priceDecimals)
	target := uint(c.commonPrecision)
	if denominator >= target {
		divisor, err := domain.Pow10(denominator - target)
		if err != nil {
			return nil, err
		}
		return new(uint256.Int).Div(value, divisor), nil
	}

	factor, err := domain.Pow10(target - denominator)
	if err != nil {
		return nil, err
	}
	return domain.Mul(value, factor)
}
