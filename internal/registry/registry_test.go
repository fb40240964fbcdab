package registry

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custodian/internal/domain"
)

var usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")

type stubSource struct {
	reading domain.PriceReading
	err     error
}

func (s stubSource) Latest(context.Context) (domain.PriceReading, error) {
	return s.reading, s.err
}

func TestResolve_NativeDefaults(t *testing.T) {
	r := New(zap.NewNop())

	desc, err := r.Resolve(domain.NativeAsset)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultNativePrecision, desc.Precision)
	assert.False(t, desc.HasPriceSource())
}

func TestResolve_Unconfigured(t *testing.T) {
	r := New(zap.NewNop())

	_, err := r.Resolve(usdc)
	require.ErrorIs(t, err, domain.ErrAssetNotConfigured)
}

func TestConfigure_Validation(t *testing.T) {
	r := New(zap.NewNop())
	ctx := context.Background()

	_, err := r.Configure(ctx, common.Address{}, 6, nil, "")
	require.ErrorIs(t, err, domain.ErrInvalidAsset)

	_, err = r.Configure(ctx, usdc, 0, nil, "")
	require.ErrorIs(t, err, domain.ErrInvalidPrecision)

	_, err = r.Configure(ctx, usdc, domain.MaxPrecision+1, nil, "")
	require.ErrorIs(t, err, domain.ErrInvalidPrecision)

	_, err = r.Configure(ctx, usdc, 6, stubSource{err: errors.New("connection refused")}, "static:usdc")
	require.ErrorIs(t, err, domain.ErrInvalidPriceSource)

	_, err = r.Configure(ctx, usdc, 6, stubSource{}, "static:usdc")
	require.ErrorIs(t, err, domain.ErrInvalidPriceSource)

	// failed configuration leaves nothing behind
	_, err = r.Resolve(usdc)
	require.ErrorIs(t, err, domain.ErrAssetNotConfigured)
}

func TestConfigure_TransitionIsAuditable(t *testing.T) {
	r := New(zap.NewNop())
	ctx := context.Background()

	first, err := r.Configure(ctx, usdc, 6, nil, "")
	require.NoError(t, err)
	assert.False(t, first.Before.Configured)
	assert.True(t, first.After.Configured)
	assert.False(t, first.SourceChanged())

	feed := stubSource{reading: domain.PriceReading{Price: big.NewInt(100_000_000), Timestamp: time.Now(), Decimals: 8}}
	second, err := r.Configure(ctx, usdc, 6, feed, "static:usdc")
	require.NoError(t, err)
	assert.Equal(t, first.After, second.Before)
	assert.Equal(t, "static:usdc", second.After.SourceRef)
	assert.True(t, second.SourceChanged())

	desc, err := r.Resolve(usdc)
	require.NoError(t, err)
	assert.True(t, desc.HasPriceSource())
}

func TestConfigure_NativeOverride(t *testing.T) {
	r := New(zap.NewNop())

	_, err := r.Configure(context.Background(), domain.NativeAsset, 9, nil, "")
	require.NoError(t, err)

	desc, err := r.Resolve(domain.NativeAsset)
	require.NoError(t, err)
	assert.Equal(t, uint8(9), desc.Precision)
}

func TestAssets_Sorted(t *testing.T) {
	r := New(zap.NewNop())
	ctx := context.Background()
	dai := common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")

	_, err := r.Configure(ctx, usdc, 6, nil, "")
	require.NoError(t, err)
	_, err = r.Configure(ctx, dai, 18, nil, "")
	require.NoError(t, err)

	assets := r.Assets()
	require.Len(t, assets, 2)
	assert.Equal(t, dai, assets[0].Asset)
	assert.Equal(t, usdc, assets[1].Asset)
}

func TestRestore_DropsDanglingRef(t *testing.T) {
	r := New(zap.NewNop())
	r.Restore(domain.AssetDescriptor{Asset: usdc, Precision: 6, SourceRef: "binance:USDCUSDT"})

	desc, err := r.Resolve(usdc)
	require.NoError(t, err)
	assert.Empty(t, desc.SourceRef)
}

type describedSource struct {
	stubSource
	spec domain.FeedSpec
}

func (s describedSource) FeedSpec() domain.FeedSpec {
	return s.spec
}

func TestConfigure_KeepsFeedSpec(t *testing.T) {
	r := New(zap.NewNop())
	feed := describedSource{
		stubSource: stubSource{reading: domain.PriceReading{Price: big.NewInt(300_000_000_000), Timestamp: time.Now(), Decimals: 8}},
		spec:       domain.FeedSpec{Platform: "static", Symbol: "ETH", Decimals: 8, Price: "3000"},
	}

	transition, err := r.Configure(context.Background(), usdc, 18, feed, "static:ETH")
	require.NoError(t, err)
	require.NotNil(t, transition.After.Feed)
	assert.Equal(t, feed.spec, *transition.After.Feed)

	_, err = r.Configure(context.Background(), usdc, 18, nil, "")
	require.NoError(t, err)
	desc, err := r.Resolve(usdc)
	require.NoError(t, err)
	assert.Nil(t, desc.Feed)
}
