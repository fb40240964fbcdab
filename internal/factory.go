package internal

import (
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custodian/config"
	"github.com/vadiminshakov/custodian/internal/domain"
	"github.com/vadiminshakov/custodian/internal/ledger"
	"github.com/vadiminshakov/custodian/internal/services/pricer"
	"github.com/vadiminshakov/custodian/internal/services/transfer"
	"github.com/vadiminshakov/custodian/internal/storage/simstate"
	"github.com/vadiminshakov/custodian/internal/web"
)

// credentials returns exchange API keys from the environment. Public price
// endpoints work without them.
func credentials(platform string) (key, secret string) {
	switch platform {
	case pricer.PlatformBinance:
		return os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_API_SECRET")
	case pricer.PlatformBybit:
		return os.Getenv("BYBIT_API_KEY"), os.Getenv("BYBIT_API_SECRET")
	default:
		return "", ""
	}
}

func newPriceSource(f config.Feed) (pricer.Source, error) {
	key, secret := credentials(f.Platform)
	source, err := pricer.New(pricer.Spec{
		Platform:  f.Platform,
		Symbol:    f.Symbol,
		Decimals:  f.Decimals,
		Price:     f.Price,
		APIKey:    key,
		APISecret: secret,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s feed for %s", f.Platform, f.Symbol)
	}
	return source, nil
}

// feedBuilder serves price feed specs coming from the HTTP API.
func feedBuilder(spec web.FeedSpec) (domain.PriceSource, string, error) {
	source, err := sourceFromSpec(spec)
	if err != nil {
		return nil, "", err
	}
	return source, source.Ref(), nil
}

// sourceFromSpec builds a price source from an API request or a persisted descriptor.
func sourceFromSpec(spec domain.FeedSpec) (pricer.Source, error) {
	f := config.Feed{Platform: spec.Platform, Symbol: spec.Symbol, Decimals: spec.Decimals}
	if spec.Price != "" {
		price, err := decimal.NewFromString(spec.Price)
		if err != nil {
			return nil, errors.Wrap(err, "invalid static price")
		}
		f.Price = price
	}
	return newPriceSource(f)
}

// feedRefs indexes the configured feeds by the reference persisted in descriptors.
func feedRefs(assets []config.Asset) map[string]config.Feed {
	refs := make(map[string]config.Feed, len(assets))
	for _, a := range assets {
		if a.Feed != nil {
			refs[pricer.Ref(a.Feed.Platform, a.Feed.Symbol)] = *a.Feed
		}
	}
	return refs
}

func newTransferAdapter(conf config.Transfer, logger *zap.Logger) (ledger.TransferAdapter, error) {
	switch conf.Mode {
	case config.TransferSimulate:
		store, err := simstate.NewStore(conf.StateDir)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open simulate state")
		}
		sim, err := transfer.NewSimulated(logger, store)
		if err != nil {
			return nil, errors.Wrap(err, "failed to restore simulate state")
		}
		for _, w := range conf.Wallets {
			if sim.Seed(w.Asset, w.Holder, w.Amount) {
				logger.Info("seeded simulated wallet",
					zap.String("asset", w.Asset.Hex()),
					zap.String("holder", w.Holder.Hex()),
					zap.String("amount", w.Amount.Dec()))
			}
		}
		return sim, nil
	case config.TransferWebhook:
		hook, err := transfer.NewWebhook(conf.WebhookURL, conf.WebhookPath, logger)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create transfer webhook")
		}
		return hook, nil
	default:
		return nil, errors.Errorf("unsupported transfer mode %q", conf.Mode)
	}
}

func newAccessGate(conf config.Config) *ledger.RoleTable {
	gate := ledger.NewRoleTable()
	gate.Grant(conf.ConfigAuthority, domain.OperationConfigure)
	for _, op := range conf.Operators {
		gate.Grant(op.Address, op.Operations...)
	}
	return gate
}

func apiCallers(operators []config.Operator) map[string]common.Address {
	callers := make(map[string]common.Address, len(operators))
	for _, op := range operators {
		callers[op.APIKey] = op.Address
	}
	return callers
}
