package queue

import (
	"context"
	"sync"

	"github.com/filecoin-project/dealpipe/api"
)

// Queue accepts messages for at-least-once, unordered delivery to a
// handler. Handlers must tolerate duplicates and reordering.
type Queue[T any] interface {
	Add(ctx context.Context, msg T) error
}

// Handler processes a batch of delivered messages. A failed batch is
// redelivered as a whole.
type Handler[T any] func(ctx context.Context, batch []T) error

// Recorder is a Queue that keeps everything added to it.
type Recorder[T any] struct {
	lk   sync.Mutex
	msgs []T

	// Err, when set, fails every Add.
	Err error
}

func (r *Recorder[T]) Add(ctx context.Context, msg T) error {
	r.lk.Lock()
	defer r.lk.Unlock()

	if r.Err != nil {
		return api.Wrap(api.QueueOperationFailed, r.Err, "adding message")
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

// Messages returns a copy of the recorded messages.
func (r *Recorder[T]) Messages() []T {
	r.lk.Lock()
	defer r.lk.Unlock()
	return append([]T(nil), r.msgs...)
}

// Drain returns the recorded messages and forgets them.
func (r *Recorder[T]) Drain() []T {
	r.lk.Lock()
	defer r.lk.Unlock()
	out := r.msgs
	r.msgs = nil
	return out
}
