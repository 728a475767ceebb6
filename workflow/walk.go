package workflow

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/dealpipe/api"
)

// maxChainLength bounds a walk so a malformed join cycle cannot loop
// forever.
const maxChainLength = 64

// Step is one task on a chain. Receipt is nil when the task has not run.
type Step struct {
	Cid     cid.Cid
	Task    Task
	Receipt *Receipt
}

// Chain is the result of following join effects from a starting task.
// Complete is set when the last step ran successfully and declares no
// join. Failure is the failure of the last step, if any.
type Chain struct {
	Steps    []Step
	Complete bool
	Failure  *Failure
}

// Last returns the last step reached.
func (c Chain) Last() (Step, bool) {
	if len(c.Steps) == 0 {
		return Step{}, false
	}
	return c.Steps[len(c.Steps)-1], true
}

// Find returns the first step running ability.
func (c Chain) Find(ability string) (Step, bool) {
	for _, s := range c.Steps {
		if s.Task.Ability == ability {
			return s, true
		}
	}
	return Step{}, false
}

// Walk follows join effects starting at task. A task or receipt that is
// not found ends the walk with an incomplete chain; it is not an error.
func Walk(ctx context.Context, tasks *TaskStore, receipts *ReceiptStore, task cid.Cid) (Chain, error) {
	var chain Chain
	seen := map[cid.Cid]struct{}{}

	cur := task
	for {
		if _, ok := seen[cur]; ok {
			return chain, api.Errorf(api.UnexpectedState, "join cycle at %s", cur)
		}
		if len(seen) >= maxChainLength {
			return chain, api.Errorf(api.UnexpectedState, "chain from %s longer than %d", task, maxChainLength)
		}
		seen[cur] = struct{}{}

		t, err := tasks.Get(ctx, cur)
		if err != nil {
			if api.IsNotFound(err) {
				return chain, nil
			}
			return chain, err
		}

		step := Step{Cid: cur, Task: t}
		r, err := receipts.Get(ctx, cur)
		if err != nil {
			if api.IsNotFound(err) {
				chain.Steps = append(chain.Steps, step)
				return chain, nil
			}
			return chain, err
		}
		step.Receipt = &r
		chain.Steps = append(chain.Steps, step)

		if r.Out.Err != nil {
			chain.Failure = r.Out.Err
			return chain, nil
		}
		if r.Join == nil {
			chain.Complete = true
			return chain, nil
		}
		cur = *r.Join
	}
}
