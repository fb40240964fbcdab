package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/custodian/internal/domain"
)

const (
	DefaultCommonPrecision       uint8 = 6
	DefaultMaxPriceStaleness           = 24 * time.Hour
	DefaultWithdrawNormalization       = "live"
	DefaultWALDir                      = "./wal/ledger"
	DefaultHTTPAddr                    = ":8080"
	DefaultTransferMode                = TransferSimulate
	DefaultSimStateDir                 = "./wal/transfers"
	DefaultWebhookPath                 = "/transfers"

	TransferSimulate = "simulate"
	TransferWebhook  = "webhook"
)

type Config struct {
	CommonPrecision uint8
	// PerTransactionLimit and AggregateLimit are in integer common units.
	PerTransactionLimit   *uint256.Int
	AggregateLimit        *uint256.Int
	MaxPriceStaleness     time.Duration
	WithdrawNormalization string
	WALDir                string
	CheckpointEvery       int
	HTTPAddr              string
	TLSDomains            []string
	TLSCacheDir           string
	Transfer              Transfer
	ConfigAuthority       common.Address
	Operators             []Operator
	Assets                []Asset
}

type Transfer struct {
	Mode        string
	WebhookURL  string
	WebhookPath string
	StateDir    string
	// Wallets seeds external balances in simulate mode.
	Wallets []Wallet
}

type Wallet struct {
	Asset  common.Address
	Holder common.Address
	Amount *uint256.Int
}

type Operator struct {
	APIKey     string
	Address    common.Address
	Operations []domain.OperationKind
}

type Asset struct {
	Address   common.Address
	Precision uint8
	// Feed is nil for assets at parity with the accounting unit.
	Feed *Feed
}

type Feed struct {
	Platform string
	Symbol   string
	Decimals uint8
	// Price is set for the static platform only.
	Price decimal.Decimal
}

type ConfigTmp struct {
	CommonPrecision       uint8         `yaml:"common_precision,omitempty"`
	PerTransactionLimit   string        `yaml:"per_transaction_limit"`
	AggregateLimit        string        `yaml:"aggregate_limit"`
	MaxPriceStaleness     time.Duration `yaml:"max_price_staleness,omitempty"`
	WithdrawNormalization string        `yaml:"withdraw_normalization,omitempty"`
	WALDir                string        `yaml:"wal_dir,omitempty"`
	CheckpointEvery       int           `yaml:"checkpoint_every,omitempty"`
	HTTPAddr              string        `yaml:"http_addr,omitempty"`
	TLSDomains            []string      `yaml:"tls_domains,omitempty"`
	TLSCacheDir           string        `yaml:"tls_cache_dir,omitempty"`
	Transfer              TransferTmp   `yaml:"transfer,omitempty"`
	ConfigAuthority       string        `yaml:"config_authority"`
	Operators             []OperatorTmp `yaml:"operators,omitempty"`
	Assets                []AssetTmp    `yaml:"assets,omitempty"`
}

type TransferTmp struct {
	Mode        string      `yaml:"mode,omitempty"`
	WebhookURL  string      `yaml:"webhook_url,omitempty"`
	WebhookPath string      `yaml:"webhook_path,omitempty"`
	StateDir    string      `yaml:"state_dir,omitempty"`
	Wallets     []WalletTmp `yaml:"wallets,omitempty"`
}

type WalletTmp struct {
	Asset  string `yaml:"asset"`
	Holder string `yaml:"holder"`
	Amount string `yaml:"amount"`
}

type OperatorTmp struct {
	APIKey     string   `yaml:"api_key"`
	Address    string   `yaml:"address"`
	Operations []string `yaml:"operations,omitempty"`
}

type AssetTmp struct {
	Address   string   `yaml:"address"`
	Precision uint8    `yaml:"precision"`
	Feed      *FeedTmp `yaml:"feed,omitempty"`
}

type FeedTmp struct {
	Platform string `yaml:"platform"`
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals,omitempty"`
	Price    string `yaml:"price,omitempty"`
}

// Load reads and validates the YAML config at path.
func Load(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(f)
}

// Parse validates a YAML config document.
func Parse(data []byte) (Config, error) {
	var c ConfigTmp
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, err
	}
	return c.Build()
}

// Build converts the raw document into a validated Config, filling defaults.
func (c ConfigTmp) Build() (Config, error) {
	cfg := Config{
		CommonPrecision:       c.CommonPrecision,
		MaxPriceStaleness:     c.MaxPriceStaleness,
		WithdrawNormalization: c.WithdrawNormalization,
		WALDir:                c.WALDir,
		CheckpointEvery:       c.CheckpointEvery,
		HTTPAddr:              c.HTTPAddr,
		TLSDomains:            c.TLSDomains,
		TLSCacheDir:           c.TLSCacheDir,
		Transfer: Transfer{
			Mode:        c.Transfer.Mode,
			WebhookURL:  c.Transfer.WebhookURL,
			WebhookPath: c.Transfer.WebhookPath,
			StateDir:    c.Transfer.StateDir,
		},
	}
	for i, w := range c.Transfer.Wallets {
		wallet, err := w.build()
		if err != nil {
			return Config{}, fmt.Errorf("incorrect transfer wallet #%d in yaml config: %w", i, err)
		}
		cfg.Transfer.Wallets = append(cfg.Transfer.Wallets, wallet)
	}

	if cfg.CommonPrecision == 0 {
		cfg.CommonPrecision = DefaultCommonPrecision
	}
	if cfg.CommonPrecision > domain.MaxPrecision {
		return Config{}, fmt.Errorf("incorrect 'common_precision' param in yaml config: must be at most %d, got %d",
			domain.MaxPrecision, cfg.CommonPrecision)
	}
	if cfg.MaxPriceStaleness == 0 {
		cfg.MaxPriceStaleness = DefaultMaxPriceStaleness
	}
	if cfg.MaxPriceStaleness < 0 {
		return Config{}, fmt.Errorf("incorrect 'max_price_staleness' param in yaml config: must be positive, got %s",
			cfg.MaxPriceStaleness)
	}
	if cfg.WithdrawNormalization == "" {
		cfg.WithdrawNormalization = DefaultWithdrawNormalization
	}
	if cfg.WALDir == "" {
		cfg.WALDir = DefaultWALDir
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	if len(cfg.TLSDomains) > 0 && cfg.TLSCacheDir == "" {
		cfg.TLSCacheDir = "./certs"
	}

	var err error
	cfg.PerTransactionLimit, err = parseLimit("per_transaction_limit", c.PerTransactionLimit, cfg.CommonPrecision)
	if err != nil {
		return Config{}, err
	}
	cfg.AggregateLimit, err = parseLimit("aggregate_limit", c.AggregateLimit, cfg.CommonPrecision)
	if err != nil {
		return Config{}, err
	}

	if cfg.Transfer, err = buildTransfer(cfg.Transfer); err != nil {
		return Config{}, err
	}

	cfg.ConfigAuthority, err = parseAddress("config_authority", c.ConfigAuthority)
	if err != nil {
		return Config{}, err
	}

	seenKeys := make(map[string]struct{}, len(c.Operators))
	for i, o := range c.Operators {
		op, err := o.build()
		if err != nil {
			return Config{}, fmt.Errorf("incorrect operator #%d in yaml config: %w", i, err)
		}
		if _, dup := seenKeys[op.APIKey]; dup {
			return Config{}, fmt.Errorf("incorrect operator #%d in yaml config: duplicate api_key", i)
		}
		seenKeys[op.APIKey] = struct{}{}
		cfg.Operators = append(cfg.Operators, op)
	}

	seenAssets := make(map[common.Address]struct{}, len(c.Assets))
	for i, a := range c.Assets {
		asset, err := a.build()
		if err != nil {
			return Config{}, fmt.Errorf("incorrect asset #%d in yaml config: %w", i, err)
		}
		if _, dup := seenAssets[asset.Address]; dup {
			return Config{}, fmt.Errorf("incorrect asset #%d in yaml config: duplicate address %s", i, asset.Address.Hex())
		}
		seenAssets[asset.Address] = struct{}{}
		cfg.Assets = append(cfg.Assets, asset)
	}

	return cfg, nil
}

func buildTransfer(t Transfer) (Transfer, error) {
	if t.Mode == "" {
		t.Mode = DefaultTransferMode
	}
	switch t.Mode {
	case TransferSimulate:
		if t.StateDir == "" {
			t.StateDir = DefaultSimStateDir
		}
	case TransferWebhook:
		if len(t.Wallets) > 0 {
			return Transfer{}, fmt.Errorf("incorrect 'transfer' param in yaml config: wallets are only used in simulate mode")
		}
		if t.WebhookURL == "" {
			return Transfer{}, fmt.Errorf("incorrect 'transfer' param in yaml config: webhook_url is required for webhook mode")
		}
		if t.WebhookPath == "" {
			t.WebhookPath = DefaultWebhookPath
		}
	default:
		return Transfer{}, fmt.Errorf("incorrect 'transfer.mode' param in yaml config: %q (correct values are simulate, webhook)", t.Mode)
	}
	return t, nil
}

func (w WalletTmp) build() (Wallet, error) {
	asset, err := parseAddress("asset", w.Asset)
	if err != nil {
		return Wallet{}, err
	}
	holder, err := parseAddress("holder", w.Holder)
	if err != nil {
		return Wallet{}, err
	}
	amount, err := domain.ParseAmount(w.Amount)
	if err != nil {
		return Wallet{}, fmt.Errorf("'amount' must be a base-10 integer in native units: %w", err)
	}
	return Wallet{Asset: asset, Holder: holder, Amount: amount}, nil
}

func (o OperatorTmp) build() (Operator, error) {
	if strings.TrimSpace(o.APIKey) == "" {
		return Operator{}, fmt.Errorf("api_key is required")
	}
	addr, err := parseAddress("address", o.Address)
	if err != nil {
		return Operator{}, err
	}

	op := Operator{APIKey: o.APIKey, Address: addr}
	for _, name := range o.Operations {
		kind := domain.OperationKind(strings.ToLower(strings.TrimSpace(name)))
		switch kind {
		case domain.OperationDeposit, domain.OperationWithdraw, domain.OperationConfigure:
			op.Operations = append(op.Operations, kind)
		default:
			return Operator{}, fmt.Errorf("unknown operation %q (correct values are deposit, withdraw, configure)", name)
		}
	}
	return op, nil
}

func (a AssetTmp) build() (Asset, error) {
	addr, err := parseAddress("address", a.Address)
	if err != nil {
		return Asset{}, err
	}
	if a.Precision == 0 || a.Precision > domain.MaxPrecision {
		return Asset{}, fmt.Errorf("'precision' must be between 1 and %d, got %d", domain.MaxPrecision, a.Precision)
	}

	asset := Asset{Address: addr, Precision: a.Precision}
	if a.Feed == nil {
		return asset, nil
	}

	feed := &Feed{
		Platform: strings.ToLower(a.Feed.Platform),
		Symbol:   a.Feed.Symbol,
		Decimals: a.Feed.Decimals,
	}
	if feed.Symbol == "" {
		return Asset{}, fmt.Errorf("'feed.symbol' is required")
	}
	if feed.Decimals > domain.MaxPrecision {
		return Asset{}, fmt.Errorf("'feed.decimals' must be at most %d, got %d", domain.MaxPrecision, feed.Decimals)
	}
	switch feed.Platform {
	case "binance", "bybit", "hyperliquid":
	case "static":
		price, err := decimal.NewFromString(a.Feed.Price)
		if err != nil {
			return Asset{}, fmt.Errorf("incorrect 'feed.price' (must be a decimal), error: %w", err)
		}
		if !price.IsPositive() {
			return Asset{}, fmt.Errorf("'feed.price' must be positive, got %s", price)
		}
		feed.Price = price
	default:
		return Asset{}, fmt.Errorf("unknown 'feed.platform' %q (correct values are binance, bybit, hyperliquid, static)", a.Feed.Platform)
	}
	asset.Feed = feed

	return asset, nil
}

func parseLimit(name, value string, precision uint8) (*uint256.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("'%s' param is required in yaml config", name)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("incorrect '%s' param in yaml config (must be a decimal), error: %w", name, err)
	}
	units, err := domain.ParseUnits(d, precision)
	if err != nil {
		return nil, fmt.Errorf("incorrect '%s' param in yaml config, error: %w", name, err)
	}
	return units, nil
}

func parseAddress(name, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("'%s' must be a hex address, got %q", name, value)
	}
	addr := common.HexToAddress(value)
	if domain.IsZeroAddress(addr) {
		return common.Address{}, fmt.Errorf("'%s' must not be the zero address", name)
	}
	return addr, nil
}
