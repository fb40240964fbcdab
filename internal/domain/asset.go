// Package domain defines core data structures shared by the ledger components.
package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// DefaultNativePrecision is used for the native currency until it is configured explicitly.
	DefaultNativePrecision uint8 = 18
	// MaxPrecision is the largest number of fractional digits whose power of ten fits in 256 bits.
	MaxPrecision uint8 = 77
)

// NativeAsset is the reserved identifier of the native currency.
var NativeAsset = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// IsZeroAddress reports whether addr is the all-zero address.
func IsZeroAddress(addr common.Address) bool {
	return addr == (common.Address{})
}

// PriceReading is a single answer from a price source.
type PriceReading struct {
	// Price is signed so that misbehaving feeds reporting negative values can be rejected.
	Price     *big.Int
	Timestamp time.Time
	Decimals  uint8
}

// PriceSource is a live price feed for one asset quoted in the common accounting unit.
type PriceSource interface {
	Latest(ctx context.Context) (PriceReading, error)
}

// FeedSpec is everything needed to rebuild a price source after a restart.
type FeedSpec struct {
	Platform string `json:"platform"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	// Price is the fixed price of static feeds, as a decimal string.
	Price string `json:"price,omitempty"`
}

// DescribedSource is a price source that can report the spec it was built from.
type DescribedSource interface {
	PriceSource
	FeedSpec() FeedSpec
}

// AssetDescriptor holds per-asset metadata.
type AssetDescriptor struct {
	Asset     common.Address
	Precision uint8
	// Source is nil when the asset is at parity with the accounting unit after decimal rescale.
	Source PriceSource
	// SourceRef names Source for persistence and audit; empty when Source is nil.
	SourceRef string
	// Feed rebuilds Source on restore; nil when Source cannot describe itself.
	Feed *FeedSpec
}

// Configured reports whether the descriptor carries a usable precision.
func (d AssetDescriptor) Configured() bool {
	return d.Precision != 0
}

// HasPriceSource reports whether conversions must consult a live feed.
func (d AssetDescriptor) HasPriceSource() bool {
	return d.Source != nil
}

// View returns the persistable part of the descriptor.
func (d AssetDescriptor) View() DescriptorView {
	return DescriptorView{
		Asset:      d.Asset,
		Configured: d.Configured(),
		Precision:  d.Precision,
		SourceRef:  d.SourceRef,
		Feed:       d.Feed,
	}
}

// DescriptorView is the serializable projection of an AssetDescriptor.
type DescriptorView struct {
	Asset      common.Address `json:"asset"`
	Configured bool           `json:"configured"`
	Precision  uint8          `json:"precision"`
	SourceRef  string         `json:"source_ref,omitempty"`
	Feed       *FeedSpec      `json:"feed,omitempty"`
}

// DescriptorTransition is the before/after pair produced by reconfiguring an asset.
type DescriptorTransition struct {
	Asset  common.Address `json:"asset"`
	Before DescriptorView `json:"before"`
	After  DescriptorView `json:"after"`
	Time   time.Time      `json:"time"`
}

// SourceChanged reports whether the transition swapped the price source.
func (t DescriptorTransition) SourceChanged() bool {
	return t.Before.SourceRef != t.After.SourceRef
}
