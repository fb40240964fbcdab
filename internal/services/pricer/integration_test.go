//go:build integration

package pricer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Calls the real exchange APIs. Run with: go test -tags=integration ./internal/services/pricer/...
func TestFeeds_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	specs := []Spec{
		{Platform: PlatformBinance, Symbol: "ETHUSDT", Decimals: 8},
		{Platform: PlatformBybit, Symbol: "ETHUSDT", Decimals: 8},
		{Platform: PlatformHyperliquid, Symbol: "ETH", Decimals: 8},
	}

	for _, spec := range specs {
		t.Run(spec.Platform, func(t *testing.T) {
			src, err := New(spec)
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			reading, err := src.Latest(ctx)
			require.NoError(t, err)
			assert.Positive(t, reading.Price.Sign(), "expected positive price from %s", src.Ref())
			t.Logf("%s: %s (decimals %d)", src.Ref(), reading.Price, reading.Decimals)
		})
	}
}
