package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custodian/config"
	"github.com/vadiminshakov/custodian/internal/domain"
	"github.com/vadiminshakov/custodian/internal/services/transfer"
	"github.com/vadiminshakov/custodian/internal/web"
)

var (
	usdc      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	wbtc      = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	authority = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	operator  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

const operatorKey = "operator-key"

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()

	return config.Config{
		CommonPrecision:       6,
		PerTransactionLimit:   uint256.NewInt(1_000_000_000_000),
		AggregateLimit:        uint256.NewInt(10_000_000_000_000),
		MaxPriceStaleness:     config.DefaultMaxPriceStaleness,
		WithdrawNormalization: config.DefaultWithdrawNormalization,
		WALDir:                filepath.Join(dir, "ledger"),
		HTTPAddr:              "127.0.0.1:0",
		Transfer: config.Transfer{
			Mode:     config.TransferSimulate,
			StateDir: filepath.Join(dir, "transfers"),
			Wallets: []config.Wallet{
				{Asset: usdc, Holder: operator, Amount: uint256.NewInt(5_000_000_000)},
				{Asset: wbtc, Holder: operator, Amount: uint256.NewInt(300_000_000)},
			},
		},
		ConfigAuthority: authority,
		Operators: []config.Operator{{
			APIKey:     operatorKey,
			Address:    operator,
			Operations: []domain.OperationKind{domain.OperationWithdraw},
		}},
		Assets: []config.Asset{
			{Address: usdc, Precision: 6},
			{Address: wbtc, Precision: 8, Feed: &config.Feed{
				Platform: "static",
				Symbol:   "WBTC",
				Decimals: 8,
				Price:    decimal.NewFromInt(65000),
			}},
		},
	}
}

func startCustodian(t *testing.T, conf config.Config) (*Custodian, *httptest.Server) {
	t.Helper()

	c, err := NewCustodian(conf, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background()))

	ts := httptest.NewServer(c.Handler())
	t.Cleanup(ts.Close)
	return c, ts
}

func call(t *testing.T, ts *httptest.Server, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set(web.APIKeyHeader, operatorKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := make(map[string]any)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestCustodian_StateSurvivesRestart(t *testing.T) {
	conf := testConfig(t)

	c, ts := startCustodian(t, conf)
	assert.Len(t, c.registry.Assets(), 2)

	status, body := call(t, ts, http.MethodPost, "/deposits", map[string]string{"asset": usdc.Hex(), "amount": "2500000000"})
	require.Equal(t, http.StatusOK, status, body)
	status, body = call(t, ts, http.MethodPost, "/deposits", map[string]string{"asset": wbtc.Hex(), "amount": "100000000"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "65000000000", body["normalized"])

	status, body = call(t, ts, http.MethodPost, "/withdrawals",
		map[string]string{"asset": usdc.Hex(), "amount": "500000000", "recipient": operator.Hex()})
	require.Equal(t, http.StatusOK, status, body)
	require.NoError(t, c.Close())

	restarted, ts := startCustodian(t, conf)
	t.Cleanup(func() { _ = restarted.Close() })

	status, body = call(t, ts, http.MethodGet, "/balances/"+usdc.Hex()+"/"+operator.Hex(), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "2000000000", body["raw"])
	assert.Equal(t, "2000000000", body["normalized"])

	status, body = call(t, ts, http.MethodGet, "/balances/"+wbtc.Hex()+"/"+operator.Hex(), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "100000000", body["raw"])

	counters := restarted.engine.Counters()
	assert.Equal(t, uint64(2), counters.Deposits)
	assert.Equal(t, uint64(1), counters.Withdrawals)

	assets := restarted.registry.Assets()
	require.Len(t, assets, 2)
	assert.Equal(t, "static:WBTC", assets[1].SourceRef)

	sim, ok := restarted.transfers.(*transfer.Simulated)
	require.True(t, ok)
	assert.Equal(t, uint64(3_000_000_000), sim.Wallet(usdc, operator).Uint64())
	assert.Equal(t, uint64(200_000_000), sim.Wallet(wbtc, operator).Uint64())
}

func TestCustodian_APIConfiguredFeedSurvivesRestart(t *testing.T) {
	eth := common.HexToAddress("0x00000000000000000000000000000000000000a3")
	conf := testConfig(t)
	conf.Operators[0].Operations = append(conf.Operators[0].Operations, domain.OperationConfigure)
	conf.Transfer.Wallets = append(conf.Transfer.Wallets,
		config.Wallet{Asset: eth, Holder: operator, Amount: uint256.NewInt(2_000_000_000_000_000_000)})

	c, ts := startCustodian(t, conf)
	status, body := call(t, ts, http.MethodPut, "/assets/"+eth.Hex(), map[string]any{
		"precision": 18,
		"feed":      map[string]any{"platform": "static", "symbol": "ETH", "decimals": 8, "price": "3000"},
	})
	require.Equal(t, http.StatusOK, status, body)
	status, body = call(t, ts, http.MethodPost, "/deposits", map[string]string{"asset": eth.Hex(), "amount": "1000000000000000000"})
	require.Equal(t, http.StatusOK, status, body)
	require.NoError(t, c.Close())

	restarted, ts := startCustodian(t, conf)
	t.Cleanup(func() { _ = restarted.Close() })

	desc, err := restarted.registry.Resolve(eth)
	require.NoError(t, err)
	assert.Equal(t, "static:ETH", desc.SourceRef)
	require.NotNil(t, desc.Feed)
	assert.Equal(t, "3000", desc.Feed.Price)

	status, body = call(t, ts, http.MethodGet, "/balances/"+eth.Hex()+"/"+operator.Hex(), nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "1000000000000000000", body["raw"])
	assert.Equal(t, "3000000000", body["normalized"])

	status, body = call(t, ts, http.MethodPost, "/withdrawals",
		map[string]string{"asset": eth.Hex(), "amount": "400000000000000000", "recipient": operator.Hex()})
	require.Equal(t, http.StatusOK, status, body)

	status, body = call(t, ts, http.MethodGet, "/balances/"+eth.Hex()+"/"+operator.Hex(), nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "600000000000000000", body["raw"])
}

func TestCustodian_ConfiguredFeedOverridesPersistedSpec(t *testing.T) {
	conf := testConfig(t)

	c, _ := startCustodian(t, conf)
	require.NoError(t, c.Close())

	conf.Assets[1].Feed.Price = decimal.NewFromInt(70000)
	restarted, _ := startCustodian(t, conf)
	t.Cleanup(func() { _ = restarted.Close() })

	desc, err := restarted.registry.Resolve(wbtc)
	require.NoError(t, err)
	reading, err := desc.Source.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "7000000000000", reading.Price.String())
}

func TestCustodian_UnrebuildableFeedLeavesAssetUnconfigured(t *testing.T) {
	conf := testConfig(t)
	c, err := NewCustodian(conf, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	c.restoreDescriptors([]domain.DescriptorView{
		{Asset: wbtc, Configured: true, Precision: 8, SourceRef: "kraken:WBTC",
			Feed: &domain.FeedSpec{Platform: "kraken", Symbol: "WBTC", Decimals: 8}},
		{Asset: usdc, Configured: true, Precision: 6, SourceRef: "legacy:USDC"},
	})

	_, err = c.registry.Resolve(wbtc)
	require.ErrorIs(t, err, domain.ErrAssetNotConfigured)
	_, err = c.registry.Resolve(usdc)
	require.ErrorIs(t, err, domain.ErrAssetNotConfigured)
}

func TestNewCustodian_RejectsUnknownTransferMode(t *testing.T) {
	conf := testConfig(t)
	conf.Transfer.Mode = "carrier-pigeon"

	_, err := NewCustodian(conf, nil)
	require.Error(t, err)
}

func TestFeedBuilder(t *testing.T) {
	source, ref, err := feedBuilder(web.FeedSpec{Platform: "static", Symbol: "ETH", Decimals: 8, Price: "3000.5"})
	require.NoError(t, err)
	assert.Equal(t, "static:ETH", ref)

	reading, err := source.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "300050000000", reading.Price.String())

	_, _, err = feedBuilder(web.FeedSpec{Platform: "static", Symbol: "ETH", Price: "nope"})
	require.Error(t, err)
	_, _, err = feedBuilder(web.FeedSpec{Platform: "kraken", Symbol: "ETH"})
	require.Error(t, err)
}
