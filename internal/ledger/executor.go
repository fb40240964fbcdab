package ledger

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/custodian/internal/domain"
)

// ErrExecutorClosed is returned for work submitted after Close.
var ErrExecutorClosed = errors.New("executor is closed")

type workerKey struct{}

// onWorker reports whether ctx belongs to a job already running on the worker.
func onWorker(ctx context.Context) bool {
	_, ok := ctx.Value(workerKey{}).(struct{})
	return ok
}

// Executor runs engine mutations one at a time on a single worker goroutine,
// so callers from many goroutines never trip the engine's busy guard.
type Executor struct {
	engine *Engine
	jobs   chan func()
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewExecutor starts the worker.
func NewExecutor(engine *Engine) *Executor {
	x := &Executor{
		engine: engine,
		jobs:   make(chan func()),
		done:   make(chan struct{}),
	}

	x.wg.Add(1)
	go x.run()

	return x
}

func (x *Executor) run() {
	defer x.wg.Done()

	for {
		select {
		case job := <-x.jobs:
			job()
		case <-x.done:
			return
		}
	}
}

// submit hands fn to the worker and waits for it to finish. Once accepted, fn runs to
// completion even if ctx is cancelled, because a mutation cannot be abandoned halfway.
// fn receives ctx marked as running on the worker; submitting with such a ctx fails
// with domain.ErrReentrantCall since the worker is busy with the caller.
func (x *Executor) submit(ctx context.Context, fn func(ctx context.Context)) error {
	if onWorker(ctx) {
		return domain.ErrReentrantCall
	}

	finished := make(chan struct{})
	job := func() {
		defer close(finished)
		fn(context.WithValue(ctx, workerKey{}, struct{}{}))
	}

	select {
	case x.jobs <- job:
	case <-x.done:
		return ErrExecutorClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	<-finished
	return nil
}

// Deposit runs Engine.Deposit on the worker.
func (x *Executor) Deposit(ctx context.Context, asset common.Address, raw *uint256.Int, depositor common.Address) (Receipt, error) {
	var (
		receipt Receipt
		err     error
	)
	if serr := x.submit(ctx, func(ctx context.Context) {
		receipt, err = x.engine.Deposit(ctx, asset, raw, depositor)
	}); serr != nil {
		return Receipt{}, serr
	}
	return receipt, err
}

// Withdraw runs Engine.Withdraw on the worker.
func (x *Executor) Withdraw(ctx context.Context, caller, asset common.Address, raw *uint256.Int, recipient common.Address) (Receipt, error) {
	var (
		receipt Receipt
		err     error
	)
	if serr := x.submit(ctx, func(ctx context.Context) {
		receipt, err = x.engine.Withdraw(ctx, caller, asset, raw, recipient)
	}); serr != nil {
		return Receipt{}, serr
	}
	return receipt, err
}

// ConfigureAsset runs Engine.ConfigureAsset on the worker.
func (x *Executor) ConfigureAsset(ctx context.Context, caller, asset common.Address, precision uint8,
	source domain.PriceSource, sourceRef string) (domain.DescriptorTransition, error) {
	var (
		transition domain.DescriptorTransition
		err        error
	)
	if serr := x.submit(ctx, func(ctx context.Context) {
		transition, err = x.engine.ConfigureAsset(ctx, caller, asset, precision, source, sourceRef)
	}); serr != nil {
		return domain.DescriptorTransition{}, serr
	}
	return transition, err
}

// Close stops the worker after the job in progress.
func (x *Executor) Close() {
	x.once.Do(func() {
		close(x.done)
	})
	x.wg.Wait()
}
