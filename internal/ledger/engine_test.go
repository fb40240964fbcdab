package ledger

import (
	"context"
	"math"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custodian/internal/domain"
	"github.com/vadiminshakov/custodian/internal/limits"
	"github.com/vadiminshakov/custodian/internal/pricing"
	"github.com/vadiminshakov/custodian/internal/registry"
)

var (
	token    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	wbtc     = common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	operator = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	now      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func fixedClock() time.Time { return now }

func units(v uint64) *uint256.Int { return uint256.NewInt(v) }

type fakeTransfers struct {
	mu      sync.Mutex
	pullErr error
	pushErr error
	onPush  func(ctx context.Context)
	pulls   []Transfer
	pushes  []Transfer
	natives []Transfer
}

func (f *fakeTransfers) PullIn(_ context.Context, t Transfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return f.pullErr
	}
	f.pulls = append(f.pulls, t)
	return nil
}

func (f *fakeTransfers) PushOut(ctx context.Context, t Transfer) error {
	if f.onPush != nil {
		f.onPush(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushes = append(f.pushes, t)
	return nil
}

func (f *fakeTransfers) AcceptNative(_ context.Context, t Transfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.natives = append(f.natives, t)
	return nil
}

type journalCall struct {
	method string
	opID   string
}

type recordingJournal struct {
	calls       []journalCall
	transitions []domain.DescriptorTransition
	prepareErr  error
}

func (j *recordingJournal) Prepare(op domain.Operation) error {
	if j.prepareErr != nil {
		return j.prepareErr
	}
	j.calls = append(j.calls, journalCall{method: "prepare", opID: op.ID})
	return nil
}

func (j *recordingJournal) Settle(op domain.Operation, _ domain.Settlement) error {
	j.calls = append(j.calls, journalCall{method: "settle", opID: op.ID})
	return nil
}

func (j *recordingJournal) Abort(op domain.Operation, _ error) error {
	j.calls = append(j.calls, journalCall{method: "abort", opID: op.ID})
	return nil
}

func (j *recordingJournal) RecordTransition(t domain.DescriptorTransition) error {
	j.transitions = append(j.transitions, t)
	return nil
}

func (j *recordingJournal) methods() []string {
	out := make([]string, 0, len(j.calls))
	for _, c := range j.calls {
		out = append(out, c.method)
	}
	return out
}

type recordingObserver struct {
	observations []domain.Observation
	failures     []error
}

func (o *recordingObserver) Observe(obs domain.Observation) {
	o.observations = append(o.observations, obs)
}

func (o *recordingObserver) ObserveFailure(_ domain.OperationKind, err error) {
	o.failures = append(o.failures, err)
}

type movingFeed struct {
	price *big.Int
	calls int
}

func (f *movingFeed) Latest(context.Context) (domain.PriceReading, error) {
	f.calls++
	return domain.PriceReading{Price: new(big.Int).Set(f.price), Timestamp: now, Decimals: 0}, nil
}

type harness struct {
	engine    *Engine
	registry  *registry.Registry
	transfers *fakeTransfers
	journal   *recordingJournal
	observer  *recordingObserver
}

func newHarness(t *testing.T, perTx, aggregate uint64, opts ...Option) *harness {
	t.Helper()
	return newGatedHarness(t, AllowAll{}, perTx, aggregate, opts...)
}

func newGatedHarness(t *testing.T, gate AccessGate, perTx, aggregate uint64, opts ...Option) *harness {
	t.Helper()

	reg := registry.New(zap.NewNop())
	_, err := reg.Configure(context.Background(), token, 6, nil, "")
	require.NoError(t, err)

	conv, err := pricing.NewConverter(reg, 6, pricing.WithClock(fixedClock))
	require.NoError(t, err)
	policy, err := limits.NewPolicy(units(perTx), units(aggregate))
	require.NoError(t, err)

	h := &harness{
		registry:  reg,
		transfers: &fakeTransfers{},
		journal:   &recordingJournal{},
		observer:  &recordingObserver{},
	}
	opts = append([]Option{WithJournal(h.journal), WithObservers(h.observer), WithClock(fixedClock)}, opts...)
	h.engine, err = NewEngine(reg, conv, policy, gate, h.transfers, opts...)
	require.NoError(t, err)

	return h
}

func (h *harness) balance(t *testing.T, asset, holder common.Address) domain.BalanceEntry {
	t.Helper()
	entry, err := h.engine.QuoteBalance(asset, holder)
	require.NoError(t, err)
	return entry
}

func TestDeposit_CreditsBalanceAndAggregate(t *testing.T) {
	h := newHarness(t, 600, 1000)

	receipt, err := h.engine.Deposit(context.Background(), token, units(500), alice)
	require.NoError(t, err)

	assert.Equal(t, domain.OperationDeposit, receipt.Operation.Kind)
	assert.Equal(t, uint64(500), receipt.Operation.Normalized.Uint64())
	assert.Equal(t, uint64(500), receipt.Settlement.Aggregate.Uint64())
	assert.Equal(t, uint64(1), receipt.Settlement.Counters.Deposits)

	entry := h.balance(t, token, alice)
	assert.Equal(t, uint64(500), entry.Raw.Uint64())
	assert.Equal(t, uint64(500), entry.Normalized.Uint64())
	assert.Equal(t, uint64(500), h.engine.Aggregate(token).Uint64())

	require.Len(t, h.transfers.pulls, 1)
	assert.Equal(t, receipt.Operation.ID, h.transfers.pulls[0].OperationID)
	assert.Equal(t, []string{"prepare", "settle"}, h.journal.methods())

	require.Len(t, h.observer.observations, 1)
	assert.Equal(t, uint64(500), h.observer.observations[0].Aggregate.Uint64())
}

func TestDeposit_SecondDepositOverPerTransactionCeiling(t *testing.T) {
	h := newHarness(t, 600, 10_000)
	ctx := context.Background()

	_, err := h.engine.Deposit(ctx, token, units(500), alice)
	require.NoError(t, err)

	_, err = h.engine.Deposit(ctx, token, units(700), alice)
	require.ErrorIs(t, err, domain.ErrTransactionLimitExceeded)

	entry := h.balance(t, token, alice)
	assert.Equal(t, uint64(500), entry.Raw.Uint64())
	assert.Equal(t, uint64(500), entry.Normalized.Uint64())
	assert.Equal(t, uint64(500), h.engine.Aggregate(token).Uint64())
	assert.Equal(t, uint64(1), h.engine.Counters().Deposits)
	assert.Len(t, h.transfers.pulls, 1)
	assert.Len(t, h.observer.failures, 1)
}

func TestDeposit_AggregateCeilingRejectsWithoutStateChange(t *testing.T) {
	h := newHarness(t, 600, 1000)
	ctx := context.Background()

	_, err := h.engine.Deposit(ctx, token, units(600), alice)
	require.NoError(t, err)
	_, err = h.engine.Deposit(ctx, token, units(300), bob)
	require.NoError(t, err)

	before := h.engine.Snapshot()

	// within the per-transaction ceiling, over the aggregate one
	_, err = h.engine.Deposit(ctx, token, units(200), bob)
	require.ErrorIs(t, err, domain.ErrAggregateLimitExceeded)

	assert.Equal(t, before, h.engine.Snapshot())
	assert.Equal(t, uint64(900), h.engine.Aggregate(token).Uint64())
}

func TestDeposit_InputErrors(t *testing.T) {
	unknown := common.HexToAddress("0x00000000000000000000000000000000000000c0")

	tests := []struct {
		name     string
		asset    common.Address
		amount   *uint256.Int
		holder   common.Address
		expected error
	}{
		{name: "zero amount", asset: token, amount: units(0), holder: alice, expected: domain.ErrZeroAmount},
		{name: "nil amount", asset: token, amount: nil, holder: alice, expected: domain.ErrZeroAmount},
		{name: "zero asset", asset: common.Address{}, amount: units(1), holder: alice, expected: domain.ErrInvalidAsset},
		{name: "zero holder", asset: token, amount: units(1), holder: common.Address{}, expected: domain.ErrInvalidHolder},
		{name: "unconfigured asset", asset: unknown, amount: units(1), holder: alice, expected: domain.ErrAssetNotConfigured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 600, 1000)

			_, err := h.engine.Deposit(context.Background(), tt.asset, tt.amount, tt.holder)
			require.ErrorIs(t, err, tt.expected)
			assert.Equal(t, domain.CategoryInput, domain.Category(err))
			assert.Empty(t, h.transfers.pulls)
			assert.Empty(t, h.journal.calls)
			assert.Zero(t, h.engine.Counters().Deposits)
		})
	}
}

func TestDeposit_NativeSkipsPullIn(t *testing.T) {
	h := newHarness(t, math.MaxUint64, math.MaxUint64)

	// native defaults to 18 digits without a price source
	receipt, err := h.engine.Deposit(context.Background(), domain.NativeAsset, units(1_000_000_000_000_000_000), alice)
	require.NoError(t, err)

	assert.Equal(t, uint64(1_000_000), receipt.Operation.Normalized.Uint64())
	assert.Empty(t, h.transfers.pulls)
	require.Len(t, h.transfers.natives, 1)
	assert.Equal(t, domain.NativeAsset, h.transfers.natives[0].Asset)
}

func TestDeposit_PullInFailureLeavesNoState(t *testing.T) {
	h := newHarness(t, 600, 1000)
	h.transfers.pullErr = errors.New("allowance too low")

	_, err := h.engine.Deposit(context.Background(), token, units(100), alice)
	require.ErrorIs(t, err, domain.ErrTransferFailed)

	assert.True(t, h.balance(t, token, alice).IsZero())
	assert.True(t, h.engine.Aggregate(token).IsZero())
	assert.Zero(t, h.engine.Counters().Deposits)
	assert.Equal(t, []string{"prepare", "abort"}, h.journal.methods())
	assert.Empty(t, h.observer.observations)
}

func TestDeposit_JournalFailureMovesNothing(t *testing.T) {
	h := newHarness(t, 600, 1000)
	h.journal.prepareErr = errors.New("disk full")

	_, err := h.engine.Deposit(context.Background(), token, units(100), alice)
	require.Error(t, err)
	assert.Equal(t, domain.CategoryInternal, domain.Category(err))
	assert.Empty(t, h.transfers.pulls)
	assert.True(t, h.balance(t, token, alice).IsZero())
}

func TestDeposit_AccumulationInvariant(t *testing.T) {
	h := newHarness(t, math.MaxUint64, math.MaxUint64)
	ctx := context.Background()
	_, err := h.registry.Configure(ctx, wbtc, 8, &movingFeed{price: big.NewInt(61_234)}, "fake:BTC")
	require.NoError(t, err)

	sum := new(uint256.Int)
	for _, raw := range []uint64{1, 17, 3_333, 99_999_999, 123_456_789, 7} {
		receipt, err := h.engine.Deposit(ctx, wbtc, units(raw), alice)
		require.NoError(t, err)
		sum.Add(sum, receipt.Operation.Normalized)
	}

	entry := h.balance(t, wbtc, alice)
	assert.Equal(t, sum.Dec(), entry.Normalized.Dec())
	assert.Equal(t, sum.Dec(), h.engine.Aggregate(wbtc).Dec())
}

func TestDeposit_DustBelowResolution(t *testing.T) {
	h := newHarness(t, math.MaxUint64, math.MaxUint64)
	ctx := context.Background()
	dusty := common.HexToAddress("0x00000000000000000000000000000000000000d5")
	_, err := h.registry.Configure(ctx, dusty, 18, nil, "")
	require.NoError(t, err)

	receipt, err := h.engine.Deposit(ctx, dusty, units(999_999_999_999), alice)
	require.NoError(t, err)
	assert.True(t, receipt.Operation.Normalized.IsZero())

	receipt, err = h.engine.Deposit(ctx, dusty, units(1_000_000_000_005), alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), receipt.Operation.Normalized.Uint64())

	_, err = h.engine.Withdraw(ctx, operator, dusty, units(1_999_999_999_999), alice)
	require.NoError(t, err)

	entry := h.balance(t, dusty, alice)
	assert.Equal(t, uint64(5), entry.Raw.Uint64())
	assert.True(t, entry.Normalized.IsZero())
	assert.True(t, h.engine.Aggregate(dusty).IsZero())
}

func TestWithdraw_DebitsAndPushesOut(t *testing.T) {
	h := newHarness(t, 600, 1000)
	ctx := context.Background()
	_, err := h.engine.Deposit(ctx, token, units(500), alice)
	require.NoError(t, err)

	receipt, err := h.engine.Withdraw(ctx, operator, token, units(200), alice)
	require.NoError(t, err)

	assert.Equal(t, uint64(300), receipt.Settlement.Entry.Raw.Uint64())
	assert.Equal(t, uint64(300), receipt.Settlement.Aggregate.Uint64())
	assert.Equal(t, uint64(1), receipt.Settlement.Counters.Withdrawals)

	entry := h.balance(t, token, alice)
	assert.Equal(t, uint64(300), entry.Raw.Uint64())
	assert.Equal(t, uint64(300), entry.Normalized.Uint64())

	require.Len(t, h.transfers.pushes, 1)
	assert.Equal(t, alice, h.transfers.pushes[0].Holder)
	assert.Equal(t, uint64(200), h.transfers.pushes[0].Amount.Uint64())
	assert.Equal(t, []string{"prepare", "settle", "prepare", "settle"}, h.journal.methods())
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	h := newHarness(t, 600, 1000)
	ctx := context.Background()
	_, err := h.engine.Deposit(ctx, token, units(100), alice)
	require.NoError(t, err)
	before := h.engine.Snapshot()

	_, err = h.engine.Withdraw(ctx, operator, token, units(101), alice)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	assert.Equal(t, before, h.engine.Snapshot())
	assert.Empty(t, h.transfers.pushes)
	assert.Zero(t, h.engine.Counters().Withdrawals)
}

func TestWithdraw_Unauthorized(t *testing.T) {
	gate := NewRoleTable()
	h := newGatedHarness(t, gate, 600, 1000)
	ctx := context.Background()
	_, err := h.engine.Deposit(ctx, token, units(100), alice)
	require.NoError(t, err)

	_, err = h.engine.Withdraw(ctx, operator, token, units(50), alice)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, uint64(100), h.balance(t, token, alice).Raw.Uint64())

	gate.Grant(operator, domain.OperationWithdraw)
	_, err = h.engine.Withdraw(ctx, operator, token, units(50), alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), h.balance(t, token, alice).Raw.Uint64())
}

func TestWithdraw_TransferFailureRestoresState(t *testing.T) {
	h := newHarness(t, 600, 1000)
	ctx := context.Background()
	_, err := h.engine.Deposit(ctx, token, units(400), alice)
	require.NoError(t, err)
	before := h.engine.Snapshot()

	h.transfers.pushErr = errors.New("recipient rejected value")
	_, err = h.engine.Withdraw(ctx, operator, token, units(150), alice)
	require.ErrorIs(t, err, domain.ErrTransferFailed)

	assert.Equal(t, before, h.engine.Snapshot())
	assert.Equal(t, []string{"prepare", "settle", "prepare", "abort"}, h.journal.methods())
	assert.Len(t, h.observer.observations, 1)
}

func TestWithdraw_ReentryFromPushOutFails(t *testing.T) {
	h := newHarness(t, 600, 1000)
	ctx := context.Background()
	_, err := h.engine.Deposit(ctx, token, units(400), alice)
	require.NoError(t, err)

	var nestedDeposit, nestedWithdraw error
	h.transfers.onPush = func(context.Context) {
		_, nestedDeposit = h.engine.Deposit(ctx, token, units(10), alice)
		_, nestedWithdraw = h.engine.Withdraw(ctx, operator, token, units(10), alice)
	}

	_, err = h.engine.Withdraw(ctx, operator, token, units(100), alice)
	require.NoError(t, err)

	require.ErrorIs(t, nestedDeposit, domain.ErrReentrantCall)
	require.ErrorIs(t, nestedWithdraw, domain.ErrReentrantCall)
	assert.Equal(t, domain.CategoryConcurrency, domain.Category(nestedDeposit))

	entry := h.balance(t, token, alice)
	assert.Equal(t, uint64(300), entry.Raw.Uint64())
	assert.Equal(t, uint64(300), entry.Normalized.Uint64())
	assert.Equal(t, uint64(300), h.engine.Aggregate(token).Uint64())
	assert.Equal(t, domain.Counters{Deposits: 1, Withdrawals: 1}, h.engine.Counters())
	assert.Len(t, h.transfers.pushes, 1)

	// the guard is released afterwards
	h.transfers.onPush = nil
	_, err = h.engine.Deposit(ctx, token, units(10), alice)
	require.NoError(t, err)
}

func TestWithdraw_ReadsDuringPushOutSeeSettledState(t *testing.T) {
	h := newHarness(t, 600, 1000)
	ctx := context.Background()
	_, err := h.engine.Deposit(ctx, token, units(400), alice)
	require.NoError(t, err)
	_, err = h.engine.Deposit(ctx, token, units(100), bob)
	require.NoError(t, err)

	var (
		seen      domain.BalanceEntry
		aggregate *uint256.Int
		snapshot  domain.Snapshot
	)
	h.transfers.onPush = func(context.Context) {
		seen, _ = h.engine.QuoteBalance(token, alice)
		aggregate = h.engine.Aggregate(token)
		snapshot = h.engine.Snapshot()
	}

	_, err = h.engine.Withdraw(ctx, operator, token, units(250), alice)
	require.NoError(t, err)

	assert.Equal(t, uint64(400), seen.Raw.Uint64())
	assert.Equal(t, uint64(500), aggregate.Uint64())
	assert.Equal(t, uint64(500), snapshot.Aggregates[token].Uint64())
	assert.Equal(t, uint64(0), snapshot.Counters.Withdrawals)

	assert.Equal(t, uint64(150), h.balance(t, token, alice).Raw.Uint64())
	assert.Equal(t, uint64(250), h.engine.Aggregate(token).Uint64())
}

func TestWithdraw_PanicInPushOutRestoresState(t *testing.T) {
	h := newHarness(t, 600, 1000)
	ctx := context.Background()
	_, err := h.engine.Deposit(ctx, token, units(400), alice)
	require.NoError(t, err)
	before := h.engine.Snapshot()

	h.transfers.onPush = func(context.Context) { panic("adapter bug") }
	assert.Panics(t, func() {
		_, _ = h.engine.Withdraw(ctx, operator, token, units(100), alice)
	})

	assert.Equal(t, before, h.engine.Snapshot())

	h.transfers.onPush = nil
	_, err = h.engine.Withdraw(ctx, operator, token, units(100), alice)
	require.NoError(t, err)
}

func TestWithdraw_PriceMovement(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, n WithdrawNormalization) (*harness, *movingFeed) {
		h := newHarness(t, math.MaxUint64, math.MaxUint64, WithWithdrawNormalization(n))
		feed := &movingFeed{price: big.NewInt(100)}
		_, err := h.registry.Configure(ctx, wbtc, 8, feed, "fake:BTC")
		require.NoError(t, err)

		// one whole coin each at price 100 is 100.000000 common units
		_, err = h.engine.Deposit(ctx, wbtc, units(100_000_000), alice)
		require.NoError(t, err)
		_, err = h.engine.Deposit(ctx, wbtc, units(100_000_000), bob)
		require.NoError(t, err)
		require.Equal(t, uint64(200_000_000), h.engine.Aggregate(wbtc).Uint64())
		return h, feed
	}

	t.Run("live price rises above recorded value", func(t *testing.T) {
		h, feed := setup(t, NormalizationLive)
		feed.price = big.NewInt(150)
		before := h.engine.Snapshot()

		_, err := h.engine.Withdraw(ctx, operator, wbtc, units(100_000_000), alice)
		require.ErrorIs(t, err, domain.ErrArithmeticUnderflow)
		assert.Equal(t, before, h.engine.Snapshot())

		_, err = h.engine.Withdraw(ctx, operator, wbtc, units(50_000_000), alice)
		require.NoError(t, err)
		entry := h.balance(t, wbtc, alice)
		assert.Equal(t, uint64(50_000_000), entry.Raw.Uint64())
		assert.Equal(t, uint64(25_000_000), entry.Normalized.Uint64())
		assert.Equal(t, uint64(125_000_000), h.engine.Aggregate(wbtc).Uint64())
	})

	t.Run("live price falls leaves normalized residue", func(t *testing.T) {
		h, feed := setup(t, NormalizationLive)
		feed.price = big.NewInt(50)

		_, err := h.engine.Withdraw(ctx, operator, wbtc, units(100_000_000), alice)
		require.NoError(t, err)
		entry := h.balance(t, wbtc, alice)
		assert.True(t, entry.Raw.IsZero())
		assert.Equal(t, uint64(50_000_000), entry.Normalized.Uint64())
		assert.Equal(t, uint64(150_000_000), h.engine.Aggregate(wbtc).Uint64())
	})

	t.Run("proportional ignores price movement", func(t *testing.T) {
		h, feed := setup(t, NormalizationProportional)
		feed.price = big.NewInt(150)
		calls := feed.calls

		_, err := h.engine.Withdraw(ctx, operator, wbtc, units(25_000_000), alice)
		require.NoError(t, err)
		entry := h.balance(t, wbtc, alice)
		assert.Equal(t, uint64(75_000_000), entry.Raw.Uint64())
		assert.Equal(t, uint64(75_000_000), entry.Normalized.Uint64())

		_, err = h.engine.Withdraw(ctx, operator, wbtc, units(75_000_000), alice)
		require.NoError(t, err)
		entry = h.balance(t, wbtc, alice)
		assert.True(t, entry.IsZero())
		assert.Equal(t, uint64(100_000_000), h.engine.Aggregate(wbtc).Uint64())
		assert.Equal(t, calls, feed.calls)
	})
}

func TestConfigureAsset(t *testing.T) {
	gate := NewRoleTable()
	h := newGatedHarness(t, gate, 600, 1000)
	ctx := context.Background()
	asset := common.HexToAddress("0x00000000000000000000000000000000000000e1")

	_, err := h.engine.ConfigureAsset(ctx, operator, asset, 8, nil, "")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = h.engine.QuoteBalance(asset, alice)
	require.ErrorIs(t, err, domain.ErrAssetNotConfigured)

	gate.Grant(operator, domain.OperationConfigure)
	transition, err := h.engine.ConfigureAsset(ctx, operator, asset, 8, nil, "")
	require.NoError(t, err)
	assert.False(t, transition.Before.Configured)
	assert.Equal(t, uint8(8), transition.After.Precision)

	require.Len(t, h.journal.transitions, 1)
	require.Len(t, h.observer.observations, 1)
	assert.Equal(t, domain.OperationConfigure, h.observer.observations[0].Operation.Kind)
	require.NotNil(t, h.observer.observations[0].Transition)

	entry, err := h.engine.QuoteBalance(asset, alice)
	require.NoError(t, err)
	assert.True(t, entry.IsZero())

	_, err = h.engine.ConfigureAsset(ctx, operator, asset, domain.MaxPrecision+1, nil, "")
	require.ErrorIs(t, err, domain.ErrInvalidPrecision)
}

func TestReadAccessors(t *testing.T) {
	h := newHarness(t, 600, 1000)
	ctx := context.Background()
	_, err := h.engine.Deposit(ctx, token, units(500), alice)
	require.NoError(t, err)

	l := h.engine.Limits()
	assert.Equal(t, uint64(600), l.PerTransaction.Uint64())
	assert.Equal(t, uint64(1000), l.Aggregate.Uint64())

	stats := h.engine.Stats()
	assert.Equal(t, uint8(6), stats.CommonPrecision)
	assert.Equal(t, uint64(1), stats.Counters.Deposits)
	assert.Equal(t, uint64(500), stats.Aggregates[token].Uint64())

	quote, err := h.engine.Quote(ctx, token, units(42))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), quote.Uint64())
	assert.Equal(t, uint64(1), h.engine.Counters().Deposits)

	entry, err := h.engine.QuoteBalance(token, bob)
	require.NoError(t, err)
	assert.True(t, entry.IsZero())
}

func TestSnapshotRestore(t *testing.T) {
	h := newHarness(t, 600, 1000)
	ctx := context.Background()
	_, err := h.engine.Deposit(ctx, token, units(500), alice)
	require.NoError(t, err)
	_, err = h.engine.Withdraw(ctx, operator, token, units(120), alice)
	require.NoError(t, err)

	snap := h.engine.Snapshot()
	require.Len(t, snap.Descriptors, 1)

	restored := newHarness(t, 600, 1000)
	require.NoError(t, restored.engine.Restore(snap))

	assert.Equal(t, uint64(380), restored.balance(t, token, alice).Raw.Uint64())
	assert.Equal(t, uint64(380), restored.engine.Aggregate(token).Uint64())
	assert.Equal(t, domain.Counters{Deposits: 1, Withdrawals: 1}, restored.engine.Counters())
}

func TestNewEngine_Validation(t *testing.T) {
	reg := registry.New(nil)
	conv, err := pricing.NewConverter(reg, 6)
	require.NoError(t, err)
	policy, err := limits.NewPolicy(units(1), units(1))
	require.NoError(t, err)

	_, err = NewEngine(nil, conv, policy, AllowAll{}, &fakeTransfers{})
	require.Error(t, err)
	_, err = NewEngine(reg, conv, policy, nil, &fakeTransfers{})
	require.Error(t, err)
	_, err = NewEngine(reg, conv, policy, AllowAll{}, nil)
	require.Error(t, err)
	_, err = NewEngine(reg, conv, policy, AllowAll{}, &fakeTransfers{}, WithWithdrawNormalization("fifo"))
	require.Error(t, err)
}

func TestParseWithdrawNormalization(t *testing.T) {
	n, err := ParseWithdrawNormalization("")
	require.NoError(t, err)
	assert.Equal(t, NormalizationLive, n)

	n, err = ParseWithdrawNormalization("proportional")
	require.NoError(t, err)
	assert.Equal(t, NormalizationProportional, n)

	_, err = ParseWithdrawNormalization("average")
	require.Error(t, err)
}
