package setup

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/custodian/config"
	"github.com/vadiminshakov/custodian/internal/domain"
)

// DefaultOutput is the file the wizard writes.
const DefaultOutput = "config.gen.yaml"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// Answers holds everything the wizard asks for.
type Answers struct {
	CommonPrecision       string
	PerTransactionLimit   string
	AggregateLimit        string
	WithdrawNormalization string
	TransferMode          string
	WebhookURL            string
	HTTPAddr              string
	ConfigAuthority       string
	OperatorKey           string
	OperatorAddress       string
	AssetAddress          string
	AssetPrecision        string
	FeedPlatform          string
	FeedSymbol            string
	FeedDecimals          string
	FeedPrice             string
}

func defaultAnswers() Answers {
	return Answers{
		CommonPrecision:       strconv.Itoa(int(config.DefaultCommonPrecision)),
		PerTransactionLimit:   "10000",
		AggregateLimit:        "1000000",
		WithdrawNormalization: config.DefaultWithdrawNormalization,
		TransferMode:          config.TransferSimulate,
		HTTPAddr:              config.DefaultHTTPAddr,
		AssetPrecision:        "18",
		AssetAddress:          domain.NativeAsset.Hex(),
		FeedPlatform:          "none",
		FeedDecimals:          "8",
	}
}

// RunTUI launches the terminal configuration wizard and returns the written file name.
func RunTUI() (string, error) {
	a := defaultAnswers()
	var confirm bool

	step("STEP 1: ACCOUNTING UNIT", "Limits are expressed in the common accounting unit.")
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Common precision").
				Description("Fractional digits of the accounting unit (1-77)").
				Value(&a.CommonPrecision).
				Validate(validatePrecision),
			huh.NewInput().
				Title("Per-transaction limit").
				Description("Largest single deposit, in common units").
				Value(&a.PerTransactionLimit).
				Validate(validatePositiveDecimal),
			huh.NewInput().
				Title("Aggregate limit").
				Description("Largest total held per asset, in common units").
				Value(&a.AggregateLimit).
				Validate(validatePositiveDecimal),
			huh.NewSelect[string]().
				Title("Withdrawal normalization").
				Options(
					huh.NewOption("Live price", "live"),
					huh.NewOption("Proportional to stored amount", "proportional"),
				).
				Value(&a.WithdrawNormalization),
		),
	).Run()
	if err != nil {
		return "", err
	}

	step("STEP 2: TRANSFERS", "")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Transfer adapter").
				Options(
					huh.NewOption("Simulation", config.TransferSimulate),
					huh.NewOption("Webhook", config.TransferWebhook),
				).
				Value(&a.TransferMode),
		),
	).Run()
	if err != nil {
		return "", err
	}
	if a.TransferMode == config.TransferWebhook {
		err = huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Webhook URL").
					Description("Base URL of the custody service").
					Value(&a.WebhookURL).
					Validate(validateRequired),
			),
		).Run()
		if err != nil {
			return "", err
		}
	}

	step("STEP 3: ACCESS", "")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("HTTP address").
				Value(&a.HTTPAddr).
				Validate(validateRequired),
			huh.NewInput().
				Title("Configuration authority").
				Description("Address allowed to configure assets").
				Value(&a.ConfigAuthority).
				Validate(validateAddress),
			huh.NewInput().
				Title("Operator API key").
				Description("Granted withdraw and configure").
				Value(&a.OperatorKey).
				EchoMode(huh.EchoModePassword).
				Validate(validateRequired),
			huh.NewInput().
				Title("Operator address").
				Value(&a.OperatorAddress).
				Validate(validateAddress),
		),
	).Run()
	if err != nil {
		return "", err
	}

	step("STEP 4: ASSET", "")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Asset address").
				Description("Native currency is " + domain.NativeAsset.Hex()).
				Value(&a.AssetAddress).
				Validate(validateAddress),
			huh.NewInput().
				Title("Native precision").
				Value(&a.AssetPrecision).
				Validate(validatePrecision),
			huh.NewSelect[string]().
				Title("Price feed").
				Options(
					huh.NewOption("None (parity)", "none"),
					huh.NewOption("Binance", "binance"),
					huh.NewOption("Bybit", "bybit"),
					huh.NewOption("Hyperliquid", "hyperliquid"),
					huh.NewOption("Static", "static"),
				).
				Value(&a.FeedPlatform),
		),
	).Run()
	if err != nil {
		return "", err
	}

	if a.FeedPlatform != "none" {
		fields := []huh.Field{
			huh.NewInput().
				Title("Symbol").
				Description("e.g. ETHUSDT, or ETH for Hyperliquid").
				Value(&a.FeedSymbol).
				Validate(validateRequired),
			huh.NewInput().
				Title("Price decimals").
				Value(&a.FeedDecimals).
				Validate(validatePrecision),
		}
		if a.FeedPlatform == "static" {
			fields = append(fields, huh.NewInput().
				Title("Price").
				Value(&a.FeedPrice).
				Validate(validatePositiveDecimal),
			)
		}
		if err = huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
			return "", err
		}
	}

	step("FINAL CONFIRMATION", "")
	summary := fmt.Sprintf(
		"Precision: %s\nPer-transaction limit: %s\nAggregate limit: %s\nTransfers: %s\nAsset: %s (%s, feed %s)\n",
		a.CommonPrecision, a.PerTransactionLimit, a.AggregateLimit, a.TransferMode,
		a.AssetAddress, a.AssetPrecision, a.FeedPlatform,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return "", err
	}
	if !confirm {
		return "", fmt.Errorf("setup cancelled by user")
	}

	if err := Write(DefaultOutput, a); err != nil {
		return "", err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting ledger...", DefaultOutput)))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return DefaultOutput, nil
}

// Write renders a into a config file at filename. The result is validated before it is saved.
func Write(filename string, a Answers) error {
	cfgTmp, err := Build(a)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfgTmp)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}
	if _, err := config.Parse(data); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

// Build converts wizard answers into a raw config document.
func Build(a Answers) (config.ConfigTmp, error) {
	precision, err := parseUint8(a.CommonPrecision)
	if err != nil {
		return config.ConfigTmp{}, fmt.Errorf("common precision: %w", err)
	}
	assetPrecision, err := parseUint8(a.AssetPrecision)
	if err != nil {
		return config.ConfigTmp{}, fmt.Errorf("asset precision: %w", err)
	}

	cfgTmp := config.ConfigTmp{
		CommonPrecision:       precision,
		PerTransactionLimit:   a.PerTransactionLimit,
		AggregateLimit:        a.AggregateLimit,
		WithdrawNormalization: a.WithdrawNormalization,
		HTTPAddr:              a.HTTPAddr,
		Transfer:              config.TransferTmp{Mode: a.TransferMode, WebhookURL: a.WebhookURL},
		ConfigAuthority:       a.ConfigAuthority,
		Operators: []config.OperatorTmp{{
			APIKey:     a.OperatorKey,
			Address:    a.OperatorAddress,
			Operations: []string{string(domain.OperationWithdraw), string(domain.OperationConfigure)},
		}},
	}

	asset := config.AssetTmp{Address: a.AssetAddress, Precision: assetPrecision}
	if a.FeedPlatform != "" && a.FeedPlatform != "none" {
		decimals, err := parseUint8(a.FeedDecimals)
		if err != nil {
			return config.ConfigTmp{}, fmt.Errorf("price decimals: %w", err)
		}
		asset.Feed = &config.FeedTmp{
			Platform: a.FeedPlatform,
			Symbol:   strings.TrimSpace(a.FeedSymbol),
			Decimals: decimals,
			Price:    a.FeedPrice,
		}
	}
	cfgTmp.Assets = []config.AssetTmp{asset}

	return cfgTmp, nil
}

func step(title, hint string) {
	fmt.Print("\033[H\033[2J") // Clear screen
	fmt.Println(headerStyle.Render("CUSTODIAN CONFIG WIZARD"))
	fmt.Println(stepStyle.Render(title))
	if hint != "" {
		fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render(hint))
	}
}

func parseUint8(s string) (uint8, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("must be a number between 0 and 255")
	}
	return uint8(v), nil
}

func validatePrecision(s string) error {
	v, err := parseUint8(s)
	if err != nil {
		return err
	}
	if v == 0 || v > domain.MaxPrecision {
		return fmt.Errorf("must be between 1 and %d", domain.MaxPrecision)
	}
	return nil
}

func validatePositiveDecimal(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() {
		return fmt.Errorf("must be greater than zero")
	}
	return nil
}

func validateAddress(s string) error {
	if !common.IsHexAddress(s) {
		return fmt.Errorf("must be a 0x-prefixed hex address")
	}
	if domain.IsZeroAddress(common.HexToAddress(s)) {
		return fmt.Errorf("zero address is reserved")
	}
	return nil
}

func validateRequired(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("cannot be empty")
	}
	return nil
}
