package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"github.com/samber/lo"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/metrics"
)

var log = logging.Logger("queue")

type Options struct {
	BatchSize   int
	BatchWait   time.Duration
	MaxAttempts int
	Clock       clock.Clock
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.BatchWait <= 0 {
		o.BatchWait = time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

type delivery[T any] struct {
	id       uuid.UUID
	msg      T
	attempts int
}

// Local is an in-process queue. Batches are handed to the handler either
// when BatchSize messages are waiting or after BatchWait. Failed batches
// are redelivered until MaxAttempts is reached or the failure is not
// retryable, after which the messages are moved to the dead letters.
type Local[T any] struct {
	name    string
	handler Handler[T]
	groupBy func(T) string
	opts    Options

	lk      sync.Mutex
	pending []delivery[T]
	dead    []T

	notify chan struct{}
}

// NewLocal creates a queue delivering to h. When groupBy is set a batch
// only holds messages of the same group.
func NewLocal[T any](name string, h Handler[T], groupBy func(T) string, opts Options) *Local[T] {
	opts.defaults()
	return &Local[T]{
		name:    name,
		handler: h,
		groupBy: groupBy,
		opts:    opts,
		notify:  make(chan struct{}, 1),
	}
}

func (q *Local[T]) Name() string { return q.name }

func (q *Local[T]) Add(ctx context.Context, msg T) error {
	if err := ctx.Err(); err != nil {
		return api.Wrap(api.QueueOperationFailed, err, "adding to "+q.name)
	}

	q.lk.Lock()
	q.pending = append(q.pending, delivery[T]{id: uuid.New(), msg: msg})
	full := len(q.pending) >= q.opts.BatchSize
	q.lk.Unlock()

	if full {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

func (q *Local[T]) Len() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.pending)
}

// DeadLetters returns messages that were given up on.
func (q *Local[T]) DeadLetters() []T {
	q.lk.Lock()
	defer q.lk.Unlock()
	return append([]T(nil), q.dead...)
}

func (q *Local[T]) DeadLetterCount() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.dead)
}

// Flush delivers everything pending at the time of the call once. Messages
// added by the handler are left for the next flush. It returns the number
// of messages handled successfully.
func (q *Local[T]) Flush(ctx context.Context) (int, error) {
	q.lk.Lock()
	pending := q.pending
	q.pending = nil
	q.lk.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}

	ctx, _ = tag.New(ctx, tag.Upsert(metrics.Queue, q.name))

	var errs error
	var handled int
	for _, batch := range q.batches(pending) {
		msgs := lo.Map(batch, func(d delivery[T], _ int) T { return d.msg })
		if err := q.handler(ctx, msgs); err != nil {
			errs = multierr.Append(errs, xerrors.Errorf("%s: batch of %d: %w", q.name, len(batch), err))
			q.redeliver(ctx, batch, err)
			continue
		}
		handled += len(batch)
	}
	return handled, errs
}

func (q *Local[T]) batches(pending []delivery[T]) [][]delivery[T] {
	if q.groupBy == nil {
		return lo.Chunk(pending, q.opts.BatchSize)
	}

	var order []string
	groups := map[string][]delivery[T]{}
	for _, d := range pending {
		g := q.groupBy(d.msg)
		if _, ok := groups[g]; !ok {
			order = append(order, g)
		}
		groups[g] = append(groups[g], d)
	}

	var out [][]delivery[T]
	for _, g := range order {
		out = append(out, lo.Chunk(groups[g], q.opts.BatchSize)...)
	}
	return out
}

func (q *Local[T]) redeliver(ctx context.Context, batch []delivery[T], cause error) {
	q.lk.Lock()
	defer q.lk.Unlock()

	for _, d := range batch {
		d.attempts++
		if !api.Retryable(cause) || d.attempts >= q.opts.MaxAttempts {
			log.Errorw("giving up on message", "queue", q.name, "id", d.id, "attempts", d.attempts, "error", cause)
			q.dead = append(q.dead, d.msg)
			continue
		}
		stats.Record(ctx, metrics.QueueRedeliveries.M(1))
		q.pending = append(q.pending, d)
	}
}

// Run delivers batches until ctx is cancelled.
func (q *Local[T]) Run(ctx context.Context) {
	timer := q.opts.Clock.Timer(q.opts.BatchWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-timer.C:
		}

		if _, err := q.Flush(ctx); err != nil {
			log.Warnw("queue flush error", "queue", q.name, "error", err)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.opts.BatchWait)
	}
}
