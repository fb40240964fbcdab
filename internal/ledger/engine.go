// Package ledger owns custodial balances and orchestrates deposits and withdrawals.
package ledger

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custodian/internal/domain"
)

// WithdrawNormalization selects how the normalized debit of a withdrawal is computed.
type WithdrawNormalization string

const (
	// NormalizationLive converts the withdrawn raw amount at the current price.
	NormalizationLive WithdrawNormalization = "live"
	// NormalizationProportional debits stored.normalized * raw / stored.raw.
	NormalizationProportional WithdrawNormalization = "proportional"
)

// ParseWithdrawNormalization parses a normalization policy name.
func ParseWithdrawNormalization(s string) (WithdrawNormalization, error) {
	switch WithdrawNormalization(s) {
	case NormalizationLive, NormalizationProportional:
		return WithdrawNormalization(s), nil
	case "":
		return NormalizationLive, nil
	default:
		return "", errors.Errorf("unknown withdraw normalization %q", s)
	}
}

// Receipt is returned by a completed deposit or withdrawal.
type Receipt struct {
	Operation  domain.Operation
	Settlement domain.Settlement
}

// Limits are the configured deposit ceilings in normalized units.
type Limits struct {
	PerTransaction *uint256.Int
	Aggregate      *uint256.Int
}

// Stats summarizes settled ledger state.
type Stats struct {
	CommonPrecision uint8
	Counters        domain.Counters
	Aggregates      map[common.Address]*uint256.Int
}

// Engine is the single choke point for ledger mutations.
type Engine struct {
	registry      assetRegistry
	converter     converter
	policy        limitPolicy
	gate          AccessGate
	transfers     TransferAdapter
	journal       Journal
	observers     []Observer
	logger        *zap.Logger
	now           clock
	normalization WithdrawNormalization

	guard guard
	state *state
}

// Option configures an Engine.
type Option func(*Engine)

// WithJournal makes operations durable through j.
func WithJournal(j Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// WithObservers registers observers of settled operations.
func WithObservers(observers ...Observer) Option {
	return func(e *Engine) {
		e.observers = append(e.observers, observers...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock overrides the time source for operation timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithWithdrawNormalization selects the withdrawal normalization policy.
func WithWithdrawNormalization(n WithdrawNormalization) Option {
	return func(e *Engine) {
		e.normalization = n
	}
}

// NewEngine creates an engine with empty balances.
func NewEngine(registry assetRegistry, converter converter, policy limitPolicy, gate AccessGate,
	transfers TransferAdapter, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("asset registry is required")
	}
	if converter == nil {
		return nil, errors.New("price converter is required")
	}
	if policy == nil {
		return nil, errors.New("limit policy is required")
	}
	if gate == nil {
		return nil, errors.New("access gate is required")
	}
	if transfers == nil {
		return nil, errors.New("transfer adapter is required")
	}

	e := &Engine{
		registry:      registry,
		converter:     converter,
		policy:        policy,
		gate:          gate,
		transfers:     transfers,
		journal:       nopJournal{},
		logger:        zap.NewNop(),
		now:           time.Now,
		normalization: NormalizationLive,
		state:         newState(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.journal == nil {
		e.journal = nopJournal{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if _, err := ParseWithdrawNormalization(string(e.normalization)); err != nil {
		return nil, err
	}

	return e, nil
}

// Deposit credits raw units of asset to depositor. Non-native value is pulled in
// through the transfer adapter before anything is credited.
func (e *Engine) Deposit(ctx context.Context, asset common.Address, raw *uint256.Int, depositor common.Address) (Receipt, error) {
	release, err := e.guard.enter()
	if err != nil {
		return Receipt{}, e.reject(domain.OperationDeposit, err)
	}
	defer release()

	receipt, err := e.deposit(ctx, asset, raw, depositor)
	if err != nil {
		return Receipt{}, e.reject(domain.OperationDeposit, err)
	}
	return receipt, nil
}

func (e *Engine) deposit(ctx context.Context, asset common.Address, raw *uint256.Int, depositor common.Address) (Receipt, error) {
	if raw == nil || raw.IsZero() {
		return Receipt{}, domain.ErrZeroAmount
	}
	if err := validateIDs(asset, depositor); err != nil {
		return Receipt{}, err
	}

	desc, err := e.registry.Resolve(asset)
	if err != nil {
		return Receipt{}, err
	}
	normalized, err := e.converter.Convert(ctx, desc, raw)
	if err != nil {
		return Receipt{}, err
	}
	if err := e.policy.CheckDeposit(asset, normalized, e.state.aggregate(asset)); err != nil {
		return Receipt{}, err
	}
	planned, err := e.state.planCredit(asset, depositor, raw, normalized)
	if err != nil {
		return Receipt{}, err
	}

	op := e.newOperation(domain.OperationDeposit, asset, depositor, raw, normalized)
	if err := e.journal.Prepare(op); err != nil {
		return Receipt{}, errors.Wrap(err, "record deposit intent")
	}

	if err := e.receive(ctx, op); err != nil {
		e.abort(op, err)
		return Receipt{}, errors.Wrapf(domain.ErrTransferFailed, "deposit %s: %v", op.ID, err)
	}

	settlement := e.state.commit(planned, domain.OperationDeposit)
	e.settle(op, settlement)

	return Receipt{Operation: op, Settlement: settlement}, nil
}

func (e *Engine) receive(ctx context.Context, op domain.Operation) error {
	t := Transfer{OperationID: op.ID, Asset: op.Asset, Holder: op.Holder, Amount: op.Raw.Clone()}
	if op.Asset != domain.NativeAsset {
		return e.transfers.PullIn(ctx, t)
	}
	if receiver, ok := e.transfers.(NativeReceiver); ok {
		return receiver.AcceptNative(ctx, t)
	}
	return nil
}

// Withdraw debits raw units of asset from recipient and pushes them out.
// caller must be authorized by the access gate.
func (e *Engine) Withdraw(ctx context.Context, caller, asset common.Address, raw *uint256.Int, recipient common.Address) (Receipt, error) {
	release, err := e.guard.enter()
	if err != nil {
		return Receipt{}, e.reject(domain.OperationWithdraw, err)
	}
	defer release()

	receipt, err := e.withdraw(ctx, caller, asset, raw, recipient)
	if err != nil {
		return Receipt{}, e.reject(domain.OperationWithdraw, err)
	}
	return receipt, nil
}

func (e *Engine) withdraw(ctx context.Context, caller, asset common.Address, raw *uint256.Int, recipient common.Address) (Receipt, error) {
	if !e.gate.IsAuthorized(caller, domain.OperationWithdraw) {
		return Receipt{}, errors.Wrapf(domain.ErrUnauthorized, "caller %s may not withdraw", caller.Hex())
	}
	if raw == nil || raw.IsZero() {
		return Receipt{}, domain.ErrZeroAmount
	}
	if err := validateIDs(asset, recipient); err != nil {
		return Receipt{}, err
	}

	desc, err := e.registry.Resolve(asset)
	if err != nil {
		return Receipt{}, err
	}
	current := e.state.entry(asset, recipient)
	if current.Raw.Lt(raw) {
		return Receipt{}, errors.Wrapf(domain.ErrInsufficientBalance, "holder %s has %s, requested %s",
			recipient.Hex(), current.Raw.Dec(), raw.Dec())
	}
	normalized, err := e.withdrawNormalized(ctx, desc, current, raw)
	if err != nil {
		return Receipt{}, err
	}
	planned, err := e.state.planDebit(asset, recipient, raw, normalized)
	if err != nil {
		return Receipt{}, err
	}

	op := e.newOperation(domain.OperationWithdraw, asset, recipient, raw, normalized)
	if err := e.journal.Prepare(op); err != nil {
		return Receipt{}, errors.Wrap(err, "record withdrawal intent")
	}

	e.state.stage(planned)
	staged := true
	defer func() {
		if staged {
			e.state.rollback()
		}
	}()

	t := Transfer{OperationID: op.ID, Asset: asset, Holder: recipient, Amount: raw.Clone()}
	if err := e.transfers.PushOut(ctx, t); err != nil {
		e.state.rollback()
		staged = false
		e.abort(op, err)
		return Receipt{}, errors.Wrapf(domain.ErrTransferFailed, "withdrawal %s: %v", op.ID, err)
	}

	settlement := e.state.finalize(domain.OperationWithdraw)
	staged = false
	e.settle(op, settlement)

	return Receipt{Operation: op, Settlement: settlement}, nil
}

func (e *Engine) withdrawNormalized(ctx context.Context, desc domain.AssetDescriptor, current domain.BalanceEntry,
	raw *uint256.Int) (*uint256.Int, error) {
	if e.normalization == NormalizationProportional {
		if raw.Eq(current.Raw) {
			return current.Normalized.Clone(), nil
		}
		// raw < current.Raw, so the quotient never exceeds current.Normalized
		share, _ := new(uint256.Int).MulDivOverflow(current.Normalized, raw, current.Raw)
		return share, nil
	}

	normalized, err := e.converter.Convert(ctx, desc, raw)
	if err != nil {
		return nil, err
	}
	if normalized.Gt(current.Normalized) {
		return nil, errors.Wrapf(domain.ErrArithmeticUnderflow,
			"withdrawal is worth %s at the current price, holder has %s recorded",
			normalized.Dec(), current.Normalized.Dec())
	}
	return normalized, nil
}

// ConfigureAsset replaces the descriptor of asset. caller must be authorized by the access gate.
func (e *Engine) ConfigureAsset(ctx context.Context, caller, asset common.Address, precision uint8,
	source domain.PriceSource, sourceRef string) (domain.DescriptorTransition, error) {
	release, err := e.guard.enter()
	if err != nil {
		return domain.DescriptorTransition{}, e.reject(domain.OperationConfigure, err)
	}
	defer release()

	if !e.gate.IsAuthorized(caller, domain.OperationConfigure) {
		err := errors.Wrapf(domain.ErrUnauthorized, "caller %s may not configure assets", caller.Hex())
		return domain.DescriptorTransition{}, e.reject(domain.OperationConfigure, err)
	}

	transition, err := e.registry.Configure(ctx, asset, precision, source, sourceRef)
	if err != nil {
		return domain.DescriptorTransition{}, e.reject(domain.OperationConfigure, err)
	}
	if err := e.journal.RecordTransition(transition); err != nil {
		e.logger.Error("failed to record descriptor transition",
			zap.String("asset", asset.Hex()),
			zap.Error(err))
	}

	op := domain.Operation{
		ID:    uuid.NewString(),
		Kind:  domain.OperationConfigure,
		Asset: asset,
		Time:  transition.Time,
	}
	e.notify(domain.Observation{Operation: op, Transition: &transition})

	return transition, nil
}

// QuoteBalance returns the settled entry of holder in asset. Untouched entries are zero.
func (e *Engine) QuoteBalance(asset, holder common.Address) (domain.BalanceEntry, error) {
	if _, err := e.registry.Resolve(asset); err != nil {
		return domain.BalanceEntry{}, err
	}
	return e.state.entry(asset, holder), nil
}

// Quote converts raw units of asset into the accounting unit without touching state.
func (e *Engine) Quote(ctx context.Context, asset common.Address, raw *uint256.Int) (*uint256.Int, error) {
	desc, err := e.registry.Resolve(asset)
	if err != nil {
		return nil, err
	}
	return e.converter.Convert(ctx, desc, raw)
}

// Aggregate returns the settled aggregate of asset.
func (e *Engine) Aggregate(asset common.Address) *uint256.Int {
	return e.state.aggregate(asset)
}

// Counters returns the settled operation counters.
func (e *Engine) Counters() domain.Counters {
	return e.state.counterValues()
}

// Limits returns the deposit ceilings.
func (e *Engine) Limits() Limits {
	return Limits{PerTransaction: e.policy.PerTransaction(), Aggregate: e.policy.Aggregate()}
}

// Stats returns counters and all aggregates.
func (e *Engine) Stats() Stats {
	return Stats{
		CommonPrecision: e.converter.CommonPrecision(),
		Counters:        e.state.counterValues(),
		Aggregates:      e.state.allAggregates(),
	}
}

// Assets lists configured asset descriptors.
func (e *Engine) Assets() []domain.AssetDescriptor {
	return e.registry.Assets()
}

// Snapshot returns settled balances, aggregates, counters and descriptors.
func (e *Engine) Snapshot() domain.Snapshot {
	snap := e.state.snapshot()
	for _, desc := range e.registry.Assets() {
		snap.Descriptors = append(snap.Descriptors, desc.View())
	}
	return snap
}

// Restore replaces balances, aggregates and counters with snap.
// Descriptors are restored through the registry, which owns price sources.
func (e *Engine) Restore(snap domain.Snapshot) error {
	release, err := e.guard.enter()
	if err != nil {
		return err
	}
	defer release()

	e.state.restore(snap)
	return nil
}

func (e *Engine) newOperation(kind domain.OperationKind, asset, holder common.Address, raw, normalized *uint256.Int) domain.Operation {
	return domain.Operation{
		ID:         uuid.NewString(),
		Kind:       kind,
		Asset:      asset,
		Holder:     holder,
		Raw:        raw.Clone(),
		Normalized: normalized.Clone(),
		Time:       e.now(),
	}
}

func (e *Engine) settle(op domain.Operation, s domain.Settlement) {
	if err := e.journal.Settle(op, s); err != nil {
		// the intent stays pending and is reported on the next restore
		e.logger.Error("failed to record settlement",
			zap.String("operation", op.ID),
			zap.Error(err))
	}

	e.logger.Info("operation settled",
		zap.String("operation", op.ID),
		zap.String("kind", string(op.Kind)),
		zap.String("asset", op.Asset.Hex()),
		zap.String("holder", op.Holder.Hex()),
		zap.String("raw", op.Raw.Dec()),
		zap.String("normalized", op.Normalized.Dec()))

	e.notify(domain.Observation{Operation: op, Aggregate: s.Aggregate.Clone()})
}

func (e *Engine) abort(op domain.Operation, cause error) {
	if err := e.journal.Abort(op, cause); err != nil {
		e.logger.Error("failed to record aborted intent",
			zap.String("operation", op.ID),
			zap.Error(err))
	}
}

func (e *Engine) notify(o domain.Observation) {
	for _, observer := range e.observers {
		observer.Observe(o)
	}
}

func (e *Engine) reject(kind domain.OperationKind, err error) error {
	e.logger.Warn("operation rejected",
		zap.String("kind", string(kind)),
		zap.String("category", string(domain.Category(err))),
		zap.Error(err))

	for _, observer := range e.observers {
		if fo, ok := observer.(FailureObserver); ok {
			fo.ObserveFailure(kind, err)
		}
	}
	return err
}

func validateIDs(asset, holder common.Address) error {
	if domain.IsZeroAddress(asset) {
		return errors.Wrap(domain.ErrInvalidAsset, "zero address")
	}
	if domain.IsZeroAddress(holder) {
		return errors.Wrap(domain.ErrInvalidHolder, "zero address")
	}
	return nil
}
