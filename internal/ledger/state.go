package ledger

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/vadiminshakov/custodian/internal/domain"
)

type balanceKey struct {
	asset  common.Address
	holder common.Address
}

// change is the planned post-operation value of one entry and its asset aggregate.
type change struct {
	key       balanceKey
	entry     domain.BalanceEntry
	aggregate *uint256.Int
}

// state owns every mutable ledger value. The engine's guard keeps at most one
// operation between planning and settling; mu only protects readers.
type state struct {
	mu         sync.RWMutex
	balances   map[balanceKey]domain.BalanceEntry
	aggregates map[common.Address]*uint256.Int
	counters   domain.Counters
	// staged holds pre-operation values while a withdrawal waits on its transfer,
	// so readers keep seeing settled state.
	staged *change
}

func newState() *state {
	return &state{
		balances:   make(map[balanceKey]domain.BalanceEntry),
		aggregates: make(map[common.Address]*uint256.Int),
	}
}

func (s *state) entry(asset, holder common.Address) domain.BalanceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := balanceKey{asset: asset, holder: holder}
	if s.staged != nil && s.staged.key == key {
		return s.staged.entry.Clone()
	}
	if e, ok := s.balances[key]; ok {
		return e.Clone()
	}
	return domain.NewBalanceEntry()
}

func (s *state) aggregate(asset common.Address) *uint256.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.aggregateLocked(asset)
}

func (s *state) aggregateLocked(asset common.Address) *uint256.Int {
	if s.staged != nil && s.staged.key.asset == asset {
		return s.staged.aggregate.Clone()
	}
	if a, ok := s.aggregates[asset]; ok {
		return a.Clone()
	}
	return new(uint256.Int)
}

func (s *state) counterValues() domain.Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.counters
}

func (s *state) allAggregates() map[common.Address]*uint256.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[common.Address]*uint256.Int, len(s.aggregates))
	for asset := range s.aggregates {
		out[asset] = s.aggregateLocked(asset)
	}
	return out
}

// planCredit computes the values after crediting raw/normalized to key.
func (s *state) planCredit(asset, holder common.Address, raw, normalized *uint256.Int) (change, error) {
	current := s.entry(asset, holder)
	agg := s.aggregate(asset)

	nextRaw, err := domain.Add(current.Raw, raw)
	if err != nil {
		return change{}, err
	}
	nextNormalized, err := domain.Add(current.Normalized, normalized)
	if err != nil {
		return change{}, err
	}
	nextAggregate, err := domain.Add(agg, normalized)
	if err != nil {
		return change{}, err
	}

	return change{
		key:       balanceKey{asset: asset, holder: holder},
		entry:     domain.BalanceEntry{Raw: nextRaw, Normalized: nextNormalized},
		aggregate: nextAggregate,
	}, nil
}

// planDebit computes the values after debiting raw/normalized from key.
func (s *state) planDebit(asset, holder common.Address, raw, normalized *uint256.Int) (change, error) {
	current := s.entry(asset, holder)
	agg := s.aggregate(asset)

	nextRaw, err := domain.Sub(current.Raw, raw)
	if err != nil {
		return change{}, err
	}
	nextNormalized, err := domain.Sub(current.Normalized, normalized)
	if err != nil {
		return change{}, err
	}
	nextAggregate, err := domain.Sub(agg, normalized)
	if err != nil {
		return change{}, err
	}

	return change{
		key:       balanceKey{asset: asset, holder: holder},
		entry:     domain.BalanceEntry{Raw: nextRaw, Normalized: nextNormalized},
		aggregate: nextAggregate,
	}, nil
}

// commit writes c and bumps the counter for kind in one step.
func (s *state) commit(c change, kind domain.OperationKind) domain.Settlement {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writeLocked(c)
	s.countLocked(kind)

	return s.settlementLocked(c)
}

// stage writes c to live state but keeps serving the pre-operation values to readers.
func (s *state) stage(c change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := c.key
	prev, ok := s.balances[key]
	if !ok {
		prev = domain.NewBalanceEntry()
	}
	prevAggregate, ok := s.aggregates[key.asset]
	if !ok {
		prevAggregate = new(uint256.Int)
	}

	s.staged = &change{key: key, entry: prev.Clone(), aggregate: prevAggregate.Clone()}
	s.writeLocked(c)
}

// rollback restores the values captured by stage.
func (s *state) rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged == nil {
		return
	}
	s.writeLocked(*s.staged)
	s.staged = nil
}

// finalize releases staged values and bumps the counter for kind.
func (s *state) finalize(kind domain.OperationKind) domain.Settlement {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.staged.key
	s.staged = nil
	s.countLocked(kind)

	return s.settlementLocked(change{
		key:       key,
		entry:     s.balances[key].Clone(),
		aggregate: s.aggregates[key.asset].Clone(),
	})
}

func (s *state) writeLocked(c change) {
	s.balances[c.key] = c.entry.Clone()
	s.aggregates[c.key.asset] = c.aggregate.Clone()
}

func (s *state) countLocked(kind domain.OperationKind) {
	switch kind {
	case domain.OperationDeposit:
		s.counters.Deposits++
	case domain.OperationWithdraw:
		s.counters.Withdrawals++
	}
}

func (s *state) settlementLocked(c change) domain.Settlement {
	return domain.Settlement{
		Asset:     c.key.asset,
		Holder:    c.key.holder,
		Entry:     c.entry.Clone(),
		Aggregate: c.aggregate.Clone(),
		Counters:  s.counters,
	}
}

// snapshot copies settled state.
func (s *state) snapshot() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := domain.NewSnapshot()
	snap.Counters = s.counters
	for key, e := range s.balances {
		if s.staged != nil && s.staged.key == key {
			e = s.staged.entry
		}
		snap.Balances = append(snap.Balances, domain.HolderBalance{Asset: key.asset, Holder: key.holder, Entry: e.Clone()})
	}
	for asset := range s.aggregates {
		snap.Aggregates[asset] = s.aggregateLocked(asset)
	}
	sort.Slice(snap.Balances, func(i, j int) bool {
		a, b := snap.Balances[i], snap.Balances[j]
		if c := bytes.Compare(a.Asset.Bytes(), b.Asset.Bytes()); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.Holder.Bytes(), b.Holder.Bytes()) < 0
	})

	return snap
}

// restore replaces all state with snap.
func (s *state) restore(snap domain.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances = make(map[balanceKey]domain.BalanceEntry, len(snap.Balances))
	s.aggregates = make(map[common.Address]*uint256.Int, len(snap.Aggregates))
	s.staged = nil
	s.counters = snap.Counters

	for _, hb := range snap.Balances {
		s.balances[balanceKey{asset: hb.Asset, holder: hb.Holder}] = hb.Entry.Clone()
	}
	for asset, agg := range snap.Aggregates {
		if agg == nil {
			continue
		}
		s.aggregates[asset] = agg.Clone()
	}
}
