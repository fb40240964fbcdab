// Package limits enforces deposit ceilings expressed in the common accounting unit.
package limits

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/custodian/internal/domain"
)

// Policy holds the per-transaction and per-asset aggregate ceilings.
// Both are fixed at construction.
type Policy struct {
	perTransaction *uint256.Int
	aggregate      *uint256.Int
}

// NewPolicy creates a policy from ceilings in normalized units.
func NewPolicy(perTransaction, aggregate *uint256.Int) (*Policy, error) {
	if perTransaction == nil || aggregate == nil {
		return nil, errors.New("both ceilings are required")
	}
	if perTransaction.IsZero() || aggregate.IsZero() {
		return nil, errors.New("ceilings must be greater than zero")
	}

	return &Policy{
		perTransaction: perTransaction.Clone(),
		aggregate:      aggregate.Clone(),
	}, nil
}

// CheckDeposit validates a prospective deposit against both ceilings.
func (p *Policy) CheckDeposit(asset common.Address, proposed, current *uint256.Int) error {
	if proposed.Gt(p.perTransaction) {
		return errors.Wrapf(domain.ErrTransactionLimitExceeded, "asset %s: %s > %s",
			asset.Hex(), proposed.Dec(), p.perTransaction.Dec())
	}

	total, overflow := new(uint256.Int).AddOverflow(current, proposed)
	if overflow || total.Gt(p.aggregate) {
		return errors.Wrapf(domain.ErrAggregateLimitExceeded, "asset %s: %s + %s > %s",
			asset.Hex(), current.Dec(), proposed.Dec(), p.aggregate.Dec())
	}

	return nil
}

// PerTransaction returns the per-transaction ceiling.
func (p *Policy) PerTransaction() *uint256.Int {
	return p.perTransaction.Clone()
}

// Aggregate returns the per-asset aggregate ceiling.
func (p *Policy) Aggregate() *uint256.Int {
	return p.aggregate.Clone()
}
