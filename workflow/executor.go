package workflow

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/metrics"
)

// Verifier reports whether the side effect guarded by an expired receipt
// has already happened, in which case the receipt stays usable.
type Verifier func(ctx context.Context, r Receipt) (bool, error)

// Executor runs tasks at most once in the common case: a stored receipt
// for the same task is reused instead of invoking it again.
//
// A stored receipt is not reused when it carries a retryable failure, or
// when it has expired and verify (if any) cannot confirm its effect.
type Executor struct {
	tasks    *TaskStore
	receipts *ReceiptStore
	invoker  Invoker
	clk      clock.Clock
}

func NewExecutor(tasks *TaskStore, receipts *ReceiptStore, invoker Invoker, clk clock.Clock) *Executor {
	return &Executor{
		tasks:    tasks,
		receipts: receipts,
		invoker:  invoker,
		clk:      clk,
	}
}

// Execute returns the receipt for t, invoking t only if no usable receipt
// is stored.
func (e *Executor) Execute(ctx context.Context, t Task, verify Verifier) (cid.Cid, Receipt, error) {
	ctx, _ = tag.New(ctx, tag.Upsert(metrics.Ability, t.Ability))

	c, err := t.Cid()
	if err != nil {
		return cid.Undef, Receipt{}, err
	}

	r, err := e.receipts.Get(ctx, c)
	switch {
	case err == nil:
		reuse, err := e.usable(ctx, r, verify)
		if err != nil {
			return c, Receipt{}, err
		}
		if reuse {
			stats.Record(ctx, metrics.ReceiptMemoHits.M(1))
			return c, r, nil
		}
		log.Debugw("stored receipt not usable, running task again", "task", c, "ability", t.Ability)
	case api.IsNotFound(err):
	default:
		return c, Receipt{}, err
	}

	stats.Record(ctx, metrics.ReceiptMemoMisses.M(1))

	if _, err := e.tasks.Put(ctx, t); err != nil {
		return c, Receipt{}, err
	}
	r, err = e.invoker.Invoke(ctx, t)
	if err != nil {
		return c, Receipt{}, err
	}
	if !r.Ran.Equals(c) {
		return c, Receipt{}, api.Errorf(api.UnexpectedState, "receipt for %s ran %s", c, r.Ran)
	}
	if _, err := e.receipts.Put(ctx, r); err != nil {
		return c, Receipt{}, err
	}
	return c, r, nil
}

func (e *Executor) usable(ctx context.Context, r Receipt, verify Verifier) (bool, error) {
	if r.Out.Err != nil && r.Out.Err.Retryable() {
		return false, nil
	}
	if !r.Expired(e.clk.Now()) {
		return true, nil
	}
	if verify == nil {
		return false, nil
	}
	return verify(ctx, r)
}
