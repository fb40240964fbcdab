// Package registry keeps per-asset metadata: native precision and the optional price source.
package registry

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custodian/internal/domain"
)

// Registry holds asset descriptors. Descriptors are overwritten, never deleted,
// and the registry does not retain history: Configure hands the before/after pair
// back to the caller.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[common.Address]domain.AssetDescriptor
	logger      *zap.Logger
	now         func() time.Time
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		descriptors: make(map[common.Address]domain.AssetDescriptor),
		logger:      logger,
		now:         time.Now,
	}
}

// Resolve returns the descriptor of asset. The native currency always resolves.
func (r *Registry) Resolve(asset common.Address) (domain.AssetDescriptor, error) {
	r.mu.RLock()
	desc, ok := r.descriptors[asset]
	r.mu.RUnlock()

	if ok && desc.Configured() {
		return desc, nil
	}
	if asset == domain.NativeAsset {
		return domain.AssetDescriptor{Asset: asset, Precision: domain.DefaultNativePrecision}, nil
	}
	return domain.AssetDescriptor{}, errors.Wrapf(domain.ErrAssetNotConfigured, "asset %s", asset.Hex())
}

// Configure validates and stores a descriptor, replacing the previous one.
// A non-nil source is probed once and must answer.
func (r *Registry) Configure(ctx context.Context, asset common.Address, precision uint8,
	source domain.PriceSource, sourceRef string) (domain.DescriptorTransition, error) {
	if domain.IsZeroAddress(asset) {
		return domain.DescriptorTransition{}, errors.Wrap(domain.ErrInvalidAsset, "zero address is reserved")
	}
	if precision == 0 || precision > domain.MaxPrecision {
		return domain.DescriptorTransition{}, errors.Wrapf(domain.ErrInvalidPrecision,
			"precision must be between 1 and %d, got %d", domain.MaxPrecision, precision)
	}
	if source != nil {
		if err := probe(ctx, source); err != nil {
			return domain.DescriptorTransition{}, err
		}
		if sourceRef == "" {
			return domain.DescriptorTransition{}, errors.Wrap(domain.ErrInvalidPriceSource, "price source reference is required")
		}
	} else {
		sourceRef = ""
	}

	next := domain.AssetDescriptor{
		Asset:     asset,
		Precision: precision,
		Source:    source,
		SourceRef: sourceRef,
	}
	if described, ok := source.(domain.DescribedSource); ok {
		spec := described.FeedSpec()
		next.Feed = &spec
	}

	r.mu.Lock()
	prev, ok := r.descriptors[asset]
	r.descriptors[asset] = next
	r.mu.Unlock()

	before := domain.DescriptorView{Asset: asset}
	if ok {
		before = prev.View()
	}

	transition := domain.DescriptorTransition{
		Asset:  asset,
		Before: before,
		After:  next.View(),
		Time:   r.now(),
	}

	r.logger.Info("asset configured",
		zap.String("asset", asset.Hex()),
		zap.Uint8("precision", precision),
		zap.String("source", sourceRef),
		zap.Bool("source_changed", transition.SourceChanged()))

	return transition, nil
}

// Restore installs a descriptor recovered from persistent state without probing its source.
func (r *Registry) Restore(desc domain.AssetDescriptor) {
	if desc.Source == nil {
		desc.SourceRef = ""
		desc.Feed = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.descriptors[desc.Asset] = desc
}

// Assets lists configured descriptors ordered by address.
func (r *Registry) Assets() []domain.AssetDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.AssetDescriptor, 0, len(r.descriptors))
	for _, desc := range r.descriptors {
		if desc.Configured() {
			out = append(out, desc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Asset.Bytes(), out[j].Asset.Bytes()) < 0
	})

	return out
}

func probe(ctx context.Context, source domain.PriceSource) error {
	reading, err := source.Latest(ctx)
	if err != nil {
		return errors.Wrapf(domain.ErrInvalidPriceSource, "probe failed: %v", err)
	}
	if reading.Price == nil {
		return errors.Wrap(domain.ErrInvalidPriceSource, "probe returned no price")
	}
	if reading.Decimals > domain.MaxPrecision {
		return errors.Wrapf(domain.ErrInvalidPriceSource, "price decimals %d out of range", reading.Decimals)
	}
	return nil
}
