package ledger

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/vadiminshakov/custodian/internal/domain"
)

// Transfer is one movement of value requested from the transfer adapter.
type Transfer struct {
	OperationID string
	Asset       common.Address
	Holder      common.Address
	Amount      *uint256.Int
}

// TransferAdapter moves value in and out of custody. It is untrusted: it may fail,
// and it may try to call back into the engine.
type TransferAdapter interface {
	// PullIn collects a non-native deposit from the holder.
	PullIn(ctx context.Context, t Transfer) error
	// PushOut sends a withdrawal to the holder.
	PushOut(ctx context.Context, t Transfer) error
}

// NativeReceiver is implemented by adapters that want to acknowledge native deposits,
// whose value arrives together with the request.
type NativeReceiver interface {
	AcceptNative(ctx context.Context, t Transfer) error
}

// Journal makes operations durable.
type Journal interface {
	// Prepare records an intent before any value moves.
	Prepare(op domain.Operation) error
	// Settle records the post-operation values once the operation completed.
	Settle(op domain.Operation, s domain.Settlement) error
	// Abort marks a prepared intent as failed.
	Abort(op domain.Operation, cause error) error
	// RecordTransition records an asset reconfiguration.
	RecordTransition(t domain.DescriptorTransition) error
}

// Observer receives settled observations.
type Observer interface {
	Observe(o domain.Observation)
}

// FailureObserver is optionally implemented by observers interested in rejected operations.
type FailureObserver interface {
	ObserveFailure(kind domain.OperationKind, err error)
}

type assetRegistry interface {
	Resolve(asset common.Address) (domain.AssetDescriptor, error)
	Configure(ctx context.Context, asset common.Address, precision uint8,
		source domain.PriceSource, sourceRef string) (domain.DescriptorTransition, error)
	Assets() []domain.AssetDescriptor
}

type converter interface {
	Convert(ctx context.Context, desc domain.AssetDescriptor, raw *uint256.Int) (*uint256.Int, error)
	CommonPrecision() uint8
}

type limitPolicy interface {
	CheckDeposit(asset common.Address, proposed, current *uint256.Int) error
	PerTransaction() *uint256.Int
	Aggregate() *uint256.Int
}

type nopJournal struct{}

func (nopJournal) Prepare(domain.Operation) error                     { return nil }
func (nopJournal) Settle(domain.Operation, domain.Settlement) error   { return nil }
func (nopJournal) Abort(domain.Operation, error) error                { return nil }
func (nopJournal) RecordTransition(domain.DescriptorTransition) error { return nil }

type clock func() time.Time
