package ledger

import (
	"sync/atomic"

	"github.com/vadiminshakov/custodian/internal/domain"
)

// guard admits one mutating operation at a time. Entering while busy fails
// immediately instead of waiting, which is what stops a transfer adapter from
// calling back into the engine mid-operation.
type guard struct {
	busy atomic.Bool
}

// enter marks the guard busy and returns the release func.
func (g *guard) enter() (func(), error) {
	if !g.busy.CompareAndSwap(false, true) {
		return nil, domain.ErrReentrantCall
	}
	return func() { g.busy.Store(false) }, nil
}
