package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BalanceEntry is the holding of one holder in one asset.
type BalanceEntry struct {
	// Raw is in the asset's native precision.
	Raw *uint256.Int
	// Normalized is the running accumulation in the common accounting unit.
	Normalized *uint256.Int
}

// NewBalanceEntry returns a zeroed entry.
func NewBalanceEntry() BalanceEntry {
	return BalanceEntry{Raw: new(uint256.Int), Normalized: new(uint256.Int)}
}

// Clone returns a deep copy.
func (e BalanceEntry) Clone() BalanceEntry {
	return BalanceEntry{Raw: zeroIfNil(e.Raw).Clone(), Normalized: zeroIfNil(e.Normalized).Clone()}
}

// IsZero reports whether both fields are zero.
func (e BalanceEntry) IsZero() bool {
	return zeroIfNil(e.Raw).IsZero() && zeroIfNil(e.Normalized).IsZero()
}

// Counters counts completed operations.
type Counters struct {
	Deposits    uint64 `json:"deposits"`
	Withdrawals uint64 `json:"withdrawals"`
}

// OperationKind names a ledger operation.
type OperationKind string

const (
	OperationDeposit   OperationKind = "deposit"
	OperationWithdraw  OperationKind = "withdraw"
	OperationConfigure OperationKind = "configure"
)

// Operation describes one deposit or withdrawal.
type Operation struct {
	ID         string
	Kind       OperationKind
	Asset      common.Address
	Holder     common.Address
	Raw        *uint256.Int
	Normalized *uint256.Int
	Time       time.Time
}

// Settlement carries the absolute post-operation values touched by an operation.
type Settlement struct {
	Asset     common.Address
	Holder    common.Address
	Entry     BalanceEntry
	Aggregate *uint256.Int
	Counters  Counters
}

// Observation is emitted once an operation has fully settled.
type Observation struct {
	Operation Operation
	// Aggregate is the asset's aggregate after the operation; nil for configuration changes.
	Aggregate *uint256.Int
	// Transition is set for configuration changes only.
	Transition *DescriptorTransition
}

// HolderBalance pairs a balance entry with its key.
type HolderBalance struct {
	Asset  common.Address
	Holder common.Address
	Entry  BalanceEntry
}

// Snapshot is the full persisted ledger state.
type Snapshot struct {
	Balances    []HolderBalance
	Aggregates  map[common.Address]*uint256.Int
	Counters    Counters
	Descriptors []DescriptorView
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() Snapshot {
	return Snapshot{
		Balances:    make([]HolderBalance, 0),
		Aggregates:  make(map[common.Address]*uint256.Int),
		Descriptors: make([]DescriptorView, 0),
	}
}
