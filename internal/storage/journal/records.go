package journal

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/custodian/internal/domain"
)

const (
	IntentPending = "pending"
	IntentFailed  = "failed"
)

// Intent is an operation that was prepared before value moved.
// An intent that is still pending after a restart has an unknown transfer outcome.
type Intent struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	Kind       string         `json:"kind"`
	Asset      common.Address `json:"asset"`
	Holder     common.Address `json:"holder"`
	Raw        string         `json:"raw"`
	Normalized string         `json:"normalized"`
	Time       time.Time      `json:"time"`
	Error      string         `json:"error,omitempty"`
}

type settleRecord struct {
	OperationID string          `json:"operation_id"`
	Asset       common.Address  `json:"asset"`
	Holder      common.Address  `json:"holder"`
	Raw         string          `json:"raw"`
	Normalized  string          `json:"normalized"`
	Aggregate   string          `json:"aggregate"`
	Counters    domain.Counters `json:"counters"`
}

type balanceRecord struct {
	Asset      common.Address `json:"asset"`
	Holder     common.Address `json:"holder"`
	Raw        string         `json:"raw"`
	Normalized string         `json:"normalized"`
}

type checkpointRecord struct {
	Time        time.Time                 `json:"time"`
	Balances    []balanceRecord           `json:"balances"`
	Aggregates  map[common.Address]string `json:"aggregates"`
	Counters    domain.Counters           `json:"counters"`
	Descriptors []domain.DescriptorView   `json:"descriptors"`
	Pending     []Intent                  `json:"pending,omitempty"`
}

func newIntent(op domain.Operation, status string) Intent {
	return Intent{
		ID:         op.ID,
		Status:     status,
		Kind:       string(op.Kind),
		Asset:      op.Asset,
		Holder:     op.Holder,
		Raw:        encodeAmount(op.Raw),
		Normalized: encodeAmount(op.Normalized),
		Time:       op.Time,
	}
}

func newSettleRecord(op domain.Operation, s domain.Settlement) settleRecord {
	return settleRecord{
		OperationID: op.ID,
		Asset:       s.Asset,
		Holder:      s.Holder,
		Raw:         encodeAmount(s.Entry.Raw),
		Normalized:  encodeAmount(s.Entry.Normalized),
		Aggregate:   encodeAmount(s.Aggregate),
		Counters:    s.Counters,
	}
}

func newCheckpointRecord(snap domain.Snapshot, pending []Intent, at time.Time) checkpointRecord {
	rec := checkpointRecord{
		Time:        at,
		Balances:    make([]balanceRecord, 0, len(snap.Balances)),
		Aggregates:  make(map[common.Address]string, len(snap.Aggregates)),
		Counters:    snap.Counters,
		Descriptors: snap.Descriptors,
		Pending:     pending,
	}
	for _, hb := range snap.Balances {
		rec.Balances = append(rec.Balances, balanceRecord{
			Asset:      hb.Asset,
			Holder:     hb.Holder,
			Raw:        encodeAmount(hb.Entry.Raw),
			Normalized: encodeAmount(hb.Entry.Normalized),
		})
	}
	for asset, agg := range snap.Aggregates {
		rec.Aggregates[asset] = encodeAmount(agg)
	}
	return rec
}

func encodeAmount(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.Dec()
}

func decodeAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	x, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, errors.Wrapf(err, "decode amount %q", s)
	}
	return x, nil
}

func decodeEntry(raw, normalized string) (domain.BalanceEntry, error) {
	r, err := decodeAmount(raw)
	if err != nil {
		return domain.BalanceEntry{}, err
	}
	n, err := decodeAmount(normalized)
	if err != nil {
		return domain.BalanceEntry{}, err
	}
	return domain.BalanceEntry{Raw: r, Normalized: n}, nil
}
