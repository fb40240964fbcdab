// Package transfer moves value between holders and the custodian.
package transfer

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custodian/internal/domain"
	"github.com/vadiminshakov/custodian/internal/ledger"
	"github.com/vadiminshakov/custodian/internal/storage/simstate"
)

// Direction names the way value moves relative to custody.
type Direction string

const (
	DirectionIn     Direction = "in"
	DirectionOut    Direction = "out"
	DirectionNative Direction = "native"
)

// Simulated keeps an in-memory book of external wallets and of the custodian's holdings.
// It is meant for local runs and tests.
type Simulated struct {
	mu       sync.Mutex
	logger   *zap.Logger
	wallets  map[common.Address]map[common.Address]*uint256.Int
	custody  map[common.Address]*uint256.Int
	failures map[Direction]error
	store    *simstate.Store
}

// NewSimulated creates a simulator. store may be nil; when set, the book is loaded from
// it and saved after every change.
func NewSimulated(logger *zap.Logger, store *simstate.Store) (*Simulated, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Simulated{
		logger:   logger,
		wallets:  make(map[common.Address]map[common.Address]*uint256.Int),
		custody:  make(map[common.Address]*uint256.Int),
		failures: make(map[Direction]error),
		store:    store,
	}
	if err := s.restore(); err != nil {
		return nil, err
	}
	return s, nil
}

// Fund credits amount of asset to the external wallet of holder.
func (s *Simulated) Fund(asset, holder common.Address, amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := domain.Add(s.walletLocked(asset, holder), amount)
	if err != nil {
		return err
	}
	s.setWalletLocked(asset, holder, next)
	s.persist()
	return nil
}

// Seed sets the external balance of holder in asset unless the book already has one,
// so restarts over a persisted book do not fund twice.
func (s *Simulated) Seed(asset, holder common.Address, amount *uint256.Int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[asset][holder]; ok {
		return false
	}
	s.setWalletLocked(asset, holder, amount.Clone())
	s.persist()
	return true
}

// FailNext makes the next transfer in direction fail with err.
func (s *Simulated) FailNext(direction Direction, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[direction] = err
}

// Wallet returns the external balance of holder in asset.
func (s *Simulated) Wallet(asset, holder common.Address) *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walletLocked(asset, holder).Clone()
}

// Custody returns what the custodian holds of asset.
func (s *Simulated) Custody(asset common.Address) *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.custodyLocked(asset).Clone()
}

// PullIn moves value from the holder's wallet into custody.
func (s *Simulated) PullIn(_ context.Context, t ledger.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(DirectionIn); err != nil {
		return err
	}

	wallet, err := domain.Sub(s.walletLocked(t.Asset, t.Holder), t.Amount)
	if err != nil {
		return errors.Errorf("holder %s has insufficient external balance of %s", t.Holder.Hex(), t.Asset.Hex())
	}
	held, err := domain.Add(s.custodyLocked(t.Asset), t.Amount)
	if err != nil {
		return err
	}

	s.setWalletLocked(t.Asset, t.Holder, wallet)
	s.custody[t.Asset] = held
	s.persist()
	s.log(DirectionIn, t)
	return nil
}

// AcceptNative records native value that arrived with a deposit.
func (s *Simulated) AcceptNative(_ context.Context, t ledger.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(DirectionNative); err != nil {
		return err
	}

	held, err := domain.Add(s.custodyLocked(t.Asset), t.Amount)
	if err != nil {
		return err
	}
	s.custody[t.Asset] = held
	s.persist()
	s.log(DirectionNative, t)
	return nil
}

// PushOut moves value from custody to the holder's wallet.
func (s *Simulated) PushOut(_ context.Context, t ledger.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(DirectionOut); err != nil {
		return err
	}

	held, err := domain.Sub(s.custodyLocked(t.Asset), t.Amount)
	if err != nil {
		return errors.Errorf("custody holds too little %s", t.Asset.Hex())
	}
	wallet, err := domain.Add(s.walletLocked(t.Asset, t.Holder), t.Amount)
	if err != nil {
		return err
	}

	s.custody[t.Asset] = held
	s.setWalletLocked(t.Asset, t.Holder, wallet)
	s.persist()
	s.log(DirectionOut, t)
	return nil
}

func (s *Simulated) takeFailure(direction Direction) error {
	err, ok := s.failures[direction]
	if !ok {
		return nil
	}
	delete(s.failures, direction)
	return err
}

func (s *Simulated) walletLocked(asset, holder common.Address) *uint256.Int {
	if v, ok := s.wallets[asset][holder]; ok {
		return v
	}
	return new(uint256.Int)
}

func (s *Simulated) setWalletLocked(asset, holder common.Address, v *uint256.Int) {
	book, ok := s.wallets[asset]
	if !ok {
		book = make(map[common.Address]*uint256.Int)
		s.wallets[asset] = book
	}
	book[holder] = v
}

func (s *Simulated) custodyLocked(asset common.Address) *uint256.Int {
	if v, ok := s.custody[asset]; ok {
		return v
	}
	return new(uint256.Int)
}

func (s *Simulated) log(direction Direction, t ledger.Transfer) {
	s.logger.Info("simulated transfer",
		zap.String("direction", string(direction)),
		zap.String("operation", t.OperationID),
		zap.String("asset", t.Asset.Hex()),
		zap.String("holder", t.Holder.Hex()),
		zap.String("amount", t.Amount.Dec()))
}

func (s *Simulated) persist() {
	if s.store == nil {
		return
	}

	state := simstate.State{
		Wallets: make(map[string]map[string]string, len(s.wallets)),
		Custody: make(map[string]string, len(s.custody)),
	}
	for asset, book := range s.wallets {
		holders := make(map[string]string, len(book))
		for holder, v := range book {
			holders[holder.Hex()] = v.Dec()
		}
		state.Wallets[asset.Hex()] = holders
	}
	for asset, v := range s.custody {
		state.Custody[asset.Hex()] = v.Dec()
	}

	if err := s.store.Save(state); err != nil {
		s.logger.Warn("failed to persist simulate state", zap.Error(err))
	}
}

func (s *Simulated) restore() error {
	if s.store == nil {
		return nil
	}
	state, err := s.store.Load()
	if err != nil || state == nil {
		return err
	}

	for asset, book := range state.Wallets {
		for holder, v := range book {
			amount, err := uint256.FromDecimal(v)
			if err != nil {
				return errors.Wrapf(err, "decode wallet %s/%s", asset, holder)
			}
			s.setWalletLocked(common.HexToAddress(asset), common.HexToAddress(holder), amount)
		}
	}
	for asset, v := range state.Custody {
		amount, err := uint256.FromDecimal(v)
		if err != nil {
			return errors.Wrapf(err, "decode custody %s", asset)
		}
		s.custody[common.HexToAddress(asset)] = amount
	}
	return nil
}
