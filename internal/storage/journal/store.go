// Package journal persists ledger operations in a write-ahead log so that state
// survives restarts and transfers with an unknown outcome can be reconciled.
package journal

import (
	"bytes"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custodian/internal/domain"
)

const (
	DefaultDir             = "./wal/ledger"
	DefaultCheckpointEvery = 256

	segmentThreshold = 1000
	maxSegments      = 100
	dirPermissions   = 0o755

	intentKeyPrefix     = "intent_"
	settleKeyPrefix     = "settle_"
	descriptorKeyPrefix = "descriptor_"
	checkpointKey       = "checkpoint"
)

// Recovered is the state rebuilt from the log.
type Recovered struct {
	Snapshot domain.Snapshot
	// Pending lists intents that were prepared but neither settled nor aborted.
	Pending []Intent
}

// Store is a WAL-backed ledger journal.
type Store struct {
	mu              sync.Mutex
	wal             *gowal.Wal
	logger          *zap.Logger
	pending         map[string]Intent
	settles         int
	checkpointEvery int
	source          func() domain.Snapshot
	now             func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithCheckpointEvery writes a full checkpoint after every n settlements.
func WithCheckpointEvery(n int) Option {
	return func(s *Store) {
		s.checkpointEvery = n
	}
}

// Open opens or creates the journal in dir.
func Open(dir string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure journal directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "ledger_",
		SegmentThreshold: segmentThreshold,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init ledger WAL")
	}

	s := &Store{
		wal:             wal,
		logger:          logger,
		pending:         make(map[string]Intent),
		checkpointEvery: DefaultCheckpointEvery,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// SetCheckpointSource sets the function that supplies settled state for checkpoints.
// Without a source no checkpoints are written.
func (s *Store) SetCheckpointSource(source func() domain.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = source
}

// Prepare records a pending intent.
func (s *Store) Prepare(op domain.Operation) error {
	intent := newIntent(op, IntentPending)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(intentKeyPrefix+op.ID, intent); err != nil {
		return err
	}
	s.pending[op.ID] = intent
	return nil
}

// Settle records the post-operation values. A settle record resolves its intent.
func (s *Store) Settle(op domain.Operation, settlement domain.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(settleKeyPrefix+op.ID, newSettleRecord(op, settlement)); err != nil {
		return err
	}
	delete(s.pending, op.ID)

	s.settles++
	if s.source != nil && s.checkpointEvery > 0 && s.settles%s.checkpointEvery == 0 {
		if err := s.checkpoint(); err != nil {
			// the settle itself is durable, the next checkpoint will cover it
			s.logger.Error("failed to write checkpoint", zap.Error(err))
		}
	}
	return nil
}

// Abort marks the intent of op as failed.
func (s *Store) Abort(op domain.Operation, cause error) error {
	intent := newIntent(op, IntentFailed)
	if cause != nil {
		intent.Error = cause.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(intentKeyPrefix+op.ID, intent); err != nil {
		return err
	}
	delete(s.pending, op.ID)
	return nil
}

// RecordTransition records a descriptor change.
func (s *Store) RecordTransition(t domain.DescriptorTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(descriptorKeyPrefix+t.Asset.Hex(), t)
}

// Checkpoint writes a full state checkpoint now.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.source == nil {
		return errors.New("checkpoint source is not set")
	}
	return s.checkpoint()
}

func (s *Store) checkpoint() error {
	rec := newCheckpointRecord(s.source(), s.pendingLocked(), s.now())
	return s.write(checkpointKey, rec)
}

// Pending returns intents whose outcome is still unknown.
func (s *Store) Pending() []Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

func (s *Store) pendingLocked() []Intent {
	out := make([]Intent, 0, len(s.pending))
	for _, intent := range s.pending {
		out = append(out, intent)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Restore replays the log: the latest checkpoint first, then every later record
// with last-write-wins per key.
func (s *Store) Restore() (Recovered, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := newReplay()
	for msg := range s.wal.Iterator() {
		if err := r.apply(msg.Key, msg.Value); err != nil {
			return Recovered{}, errors.Wrapf(err, "replay record %s", msg.Key)
		}
	}

	recovered := r.result()
	s.pending = make(map[string]Intent, len(recovered.Pending))
	for _, intent := range recovered.Pending {
		s.pending[intent.ID] = intent
	}

	s.logger.Info("journal restored",
		zap.Int("balances", len(recovered.Snapshot.Balances)),
		zap.Int("descriptors", len(recovered.Snapshot.Descriptors)),
		zap.Int("pending", len(recovered.Pending)))

	return recovered, nil
}

// Close closes the underlying WAL.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

func (s *Store) write(key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}

	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, key, payload); err != nil {
		return errors.Wrapf(err, "write %s", key)
	}
	return nil
}

type holderKey struct {
	asset  common.Address
	holder common.Address
}

type replay struct {
	balances    map[holderKey]domain.BalanceEntry
	aggregates  map[common.Address]*uint256.Int
	counters    domain.Counters
	descriptors map[common.Address]domain.DescriptorView
	pending     map[string]Intent
}

func newReplay() *replay {
	r := &replay{}
	r.reset()
	return r
}

func (r *replay) reset() {
	r.balances = make(map[holderKey]domain.BalanceEntry)
	r.aggregates = make(map[common.Address]*uint256.Int)
	r.counters = domain.Counters{}
	r.descriptors = make(map[common.Address]domain.DescriptorView)
	r.pending = make(map[string]Intent)
}

func (r *replay) apply(key string, value []byte) error {
	switch {
	case key == checkpointKey:
		var rec checkpointRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		return r.applyCheckpoint(rec)

	case strings.HasPrefix(key, intentKeyPrefix):
		var intent Intent
		if err := json.Unmarshal(value, &intent); err != nil {
			return err
		}
		if intent.Status == IntentPending {
			r.pending[intent.ID] = intent
		} else {
			delete(r.pending, intent.ID)
		}

	case strings.HasPrefix(key, settleKeyPrefix):
		var rec settleRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		entry, err := decodeEntry(rec.Raw, rec.Normalized)
		if err != nil {
			return err
		}
		agg, err := decodeAmount(rec.Aggregate)
		if err != nil {
			return err
		}
		r.balances[holderKey{asset: rec.Asset, holder: rec.Holder}] = entry
		r.aggregates[rec.Asset] = agg
		r.counters = rec.Counters
		delete(r.pending, rec.OperationID)

	case strings.HasPrefix(key, descriptorKeyPrefix):
		var t domain.DescriptorTransition
		if err := json.Unmarshal(value, &t); err != nil {
			return err
		}
		r.descriptors[t.Asset] = t.After
	}

	return nil
}

func (r *replay) applyCheckpoint(rec checkpointRecord) error {
	r.reset()
	r.counters = rec.Counters

	for _, b := range rec.Balances {
		entry, err := decodeEntry(b.Raw, b.Normalized)
		if err != nil {
			return err
		}
		r.balances[holderKey{asset: b.Asset, holder: b.Holder}] = entry
	}
	for asset, v := range rec.Aggregates {
		agg, err := decodeAmount(v)
		if err != nil {
			return err
		}
		r.aggregates[asset] = agg
	}
	for _, d := range rec.Descriptors {
		r.descriptors[d.Asset] = d
	}
	for _, intent := range rec.Pending {
		r.pending[intent.ID] = intent
	}
	return nil
}

func (r *replay) result() Recovered {
	snap := domain.NewSnapshot()
	snap.Counters = r.counters

	for key, entry := range r.balances {
		snap.Balances = append(snap.Balances, domain.HolderBalance{Asset: key.asset, Holder: key.holder, Entry: entry})
	}
	sort.Slice(snap.Balances, func(i, j int) bool {
		a, b := snap.Balances[i], snap.Balances[j]
		if c := bytes.Compare(a.Asset.Bytes(), b.Asset.Bytes()); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.Holder.Bytes(), b.Holder.Bytes()) < 0
	})
	for asset, agg := range r.aggregates {
		snap.Aggregates[asset] = agg
	}
	for _, d := range r.descriptors {
		snap.Descriptors = append(snap.Descriptors, d)
	}
	sort.Slice(snap.Descriptors, func(i, j int) bool {
		return bytes.Compare(snap.Descriptors[i].Asset.Bytes(), snap.Descriptors[j].Asset.Bytes()) < 0
	})

	pending := make([]Intent, 0, len(r.pending))
	for _, intent := range r.pending {
		pending = append(pending, intent)
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].Time.Equal(pending[j].Time) {
			return pending[i].Time.Before(pending[j].Time)
		}
		return pending[i].ID < pending[j].ID
	})

	return Recovered{Snapshot: snap, Pending: pending}
}
