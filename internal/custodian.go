package internal

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custodian/config"
	"github.com/vadiminshakov/custodian/internal/domain"
	"github.com/vadiminshakov/custodian/internal/events"
	"github.com/vadiminshakov/custodian/internal/ledger"
	"github.com/vadiminshakov/custodian/internal/limits"
	"github.com/vadiminshakov/custodian/internal/metrics"
	"github.com/vadiminshakov/custodian/internal/pricing"
	"github.com/vadiminshakov/custodian/internal/registry"
	"github.com/vadiminshakov/custodian/internal/services/pricer"
	"github.com/vadiminshakov/custodian/internal/storage/journal"
	"github.com/vadiminshakov/custodian/internal/web"
)

const observationBuffer = 64

// Custodian is a running ledger instance with its journal and HTTP API.
type Custodian struct {
	Config config.Config

	logger      *zap.Logger
	registry    *registry.Registry
	engine      *ledger.Engine
	transfers   ledger.TransferAdapter
	executor    *ledger.Executor
	journal     *journal.Store
	broadcaster *events.Broadcaster
	metrics     *metrics.Collector
	server      *web.Server
	initialized bool
}

// NewCustodian wires the ledger from conf. Nothing is read from the journal until Initialize.
func NewCustodian(conf config.Config, logger *zap.Logger) (*Custodian, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := registry.New(logger.Named("registry"))
	conv, err := pricing.NewConverter(reg, conf.CommonPrecision, pricing.WithMaxStaleness(conf.MaxPriceStaleness))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create price converter")
	}
	policy, err := limits.NewPolicy(conf.PerTransactionLimit, conf.AggregateLimit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create limit policy")
	}
	normalization, err := ledger.ParseWithdrawNormalization(conf.WithdrawNormalization)
	if err != nil {
		return nil, err
	}

	transfers, err := newTransferAdapter(conf.Transfer, logger.Named("transfer"))
	if err != nil {
		return nil, err
	}

	var journalOpts []journal.Option
	if conf.CheckpointEvery > 0 {
		journalOpts = append(journalOpts, journal.WithCheckpointEvery(conf.CheckpointEvery))
	}
	store, err := journal.Open(conf.WALDir, logger.Named("journal"), journalOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open ledger journal")
	}

	broadcaster := events.NewBroadcaster(observationBuffer)
	collector := metrics.New(conf.CommonPrecision)

	engine, err := ledger.NewEngine(reg, conv, policy, newAccessGate(conf), transfers,
		ledger.WithJournal(store),
		ledger.WithObservers(broadcaster, collector),
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithWithdrawNormalization(normalization),
	)
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "failed to create ledger engine")
	}
	executor := ledger.NewExecutor(engine)

	server := web.NewServer(conf.HTTPAddr, executor, engine, broadcaster, apiCallers(conf.Operators),
		web.WithMetrics(collector),
		web.WithFeedBuilder(feedBuilder),
		web.WithLogger(logger.Named("web")),
	)

	return &Custodian{
		Config:      conf,
		logger:      logger,
		registry:    reg,
		engine:      engine,
		transfers:   transfers,
		executor:    executor,
		journal:     store,
		broadcaster: broadcaster,
		metrics:     collector,
		server:      server,
	}, nil
}

// Initialize restores state from the journal and applies the configured assets.
func (c *Custodian) Initialize(ctx context.Context) error {
	recovered, err := c.journal.Restore()
	if err != nil {
		return errors.Wrap(err, "failed to restore journal")
	}

	c.restoreDescriptors(recovered.Snapshot.Descriptors)
	if err := c.engine.Restore(recovered.Snapshot); err != nil {
		return errors.Wrap(err, "failed to restore ledger state")
	}
	for asset, aggregate := range recovered.Snapshot.Aggregates {
		c.metrics.SetAggregate(asset.Hex(), aggregate)
	}
	c.journal.SetCheckpointSource(c.engine.Snapshot)
	c.initialized = true

	for _, intent := range recovered.Pending {
		c.logger.Warn("operation has unknown transfer outcome, reconcile manually",
			zap.String("operation", intent.ID),
			zap.String("kind", intent.Kind),
			zap.String("asset", intent.Asset.Hex()),
			zap.String("holder", intent.Holder.Hex()),
			zap.String("raw", intent.Raw),
			zap.Time("prepared_at", intent.Time))
	}

	return c.bootstrapAssets(ctx)
}

// restoreDescriptors reinstalls persisted descriptors with their price sources rebuilt.
// A feed configured in the config file under the same reference takes precedence over
// the persisted feed spec. A descriptor whose source cannot be rebuilt is left out.
func (c *Custodian) restoreDescriptors(views []domain.DescriptorView) {
	refs := feedRefs(c.Config.Assets)

	for _, view := range views {
		if !view.Configured {
			continue
		}
		desc := domain.AssetDescriptor{Asset: view.Asset, Precision: view.Precision}
		if view.SourceRef != "" {
			source, err := c.rebuildSource(view, refs)
			if err != nil {
				c.logger.Error("failed to rebuild price feed of restored asset, asset left unconfigured",
					zap.String("asset", view.Asset.Hex()),
					zap.String("source", view.SourceRef),
					zap.Error(err))
				continue
			}
			spec := source.FeedSpec()
			desc.Source, desc.SourceRef, desc.Feed = source, source.Ref(), &spec
		}
		c.registry.Restore(desc)
	}
}

func (c *Custodian) rebuildSource(view domain.DescriptorView, refs map[string]config.Feed) (pricer.Source, error) {
	if feed, ok := refs[view.SourceRef]; ok {
		return newPriceSource(feed)
	}
	if view.Feed == nil {
		return nil, errors.New("feed is neither persisted nor configured")
	}
	return sourceFromSpec(*view.Feed)
}

// bootstrapAssets configures assets from the config file on behalf of the config authority,
// skipping those already configured identically.
func (c *Custodian) bootstrapAssets(ctx context.Context) error {
	current := make(map[string]domain.AssetDescriptor)
	for _, desc := range c.registry.Assets() {
		current[desc.Asset.Hex()] = desc
	}

	for _, a := range c.Config.Assets {
		var (
			source domain.PriceSource
			ref    string
		)
		if a.Feed != nil {
			s, err := newPriceSource(*a.Feed)
			if err != nil {
				return err
			}
			source, ref = s, s.Ref()
		}

		if desc, ok := current[a.Address.Hex()]; ok && desc.Precision == a.Precision && desc.SourceRef == ref {
			continue
		}

		if _, err := c.executor.ConfigureAsset(ctx, c.Config.ConfigAuthority, a.Address, a.Precision, source, ref); err != nil {
			return errors.Wrapf(err, "failed to configure asset %s", a.Address.Hex())
		}
	}

	return nil
}

// Handler returns the HTTP API handler.
func (c *Custodian) Handler() http.Handler {
	return c.server.Handler()
}

// Run initializes the ledger and serves the HTTP API until ctx is cancelled.
func (c *Custodian) Run(ctx context.Context) error {
	if err := c.Initialize(ctx); err != nil {
		return errors.Wrap(err, "failed to initialize custodian")
	}

	c.logger.Info("custodian started",
		zap.String("addr", c.Config.HTTPAddr),
		zap.String("transfer_mode", c.Config.Transfer.Mode),
		zap.Int("assets", len(c.registry.Assets())))

	if len(c.Config.TLSDomains) > 0 {
		return c.server.StartWithAutoTLS(ctx, c.Config.TLSDomains, c.Config.TLSCacheDir)
	}
	return c.server.Start(ctx)
}

// Close stops accepting operations, writes a final checkpoint and closes the journal.
func (c *Custodian) Close() error {
	c.executor.Close()

	if c.initialized {
		if err := c.journal.Checkpoint(); err != nil {
			c.logger.Error("failed to write final checkpoint", zap.Error(err))
		}
	}
	return errors.Wrap(c.journal.Close(), "failed to close journal")
}
