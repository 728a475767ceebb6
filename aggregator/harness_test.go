package aggregator

import (
	"context"
	"sync"
	"testing"

	"github.com/ipfs/go-datastore"
	ds_sync "github.com/ipfs/go-datastore/sync"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/lib/cborutil"
	"github.com/filecoin-project/dealpipe/queue"
	"github.com/filecoin-project/dealpipe/store"
	"github.com/filecoin-project/dealpipe/workflow"
)

const (
	aggregatorID = "did:web:aggregator.test"
	dealerID     = "did:web:dealer.test"
)

type recorders struct {
	piece           *queue.Recorder[PieceMessage]
	pieceInsert     *queue.Recorder[PieceRecord]
	buffer          *queue.Recorder[BufferMessage]
	aggregateOffer  *queue.Recorder[AggregateOfferMessage]
	aggregateInsert *queue.Recorder[AggregateRecord]
	pieceAccept     *queue.Recorder[PieceAcceptMessage]
	inclusionInsert *queue.Recorder[InclusionRecord]
}

type harness struct {
	ctx    context.Context
	clk    *clock.Mock
	blocks *store.Blocks
	tasks  *workflow.TaskStore
	rcpts  *workflow.ReceiptStore
	router *workflow.Router
	q      recorders
	svc    *Service

	lk     sync.Mutex
	offers []api.AggregateArgs
}

func newHarness(t *testing.T, cfg Config) *harness {
	ds := ds_sync.MutexWrap(datastore.NewMapDatastore())
	blocks, err := store.NewBlocks(ds, 0)
	require.NoError(t, err)

	h := &harness{
		ctx:    context.Background(),
		clk:    clock.NewMock(),
		blocks: blocks,
		tasks:  workflow.NewTaskStore(blocks),
		rcpts:  workflow.NewReceiptStore(blocks, ds),
		router: workflow.NewRouter(),
		q: recorders{
			piece:           &queue.Recorder[PieceMessage]{},
			pieceInsert:     &queue.Recorder[PieceRecord]{},
			buffer:          &queue.Recorder[BufferMessage]{},
			aggregateOffer:  &queue.Recorder[AggregateOfferMessage]{},
			aggregateInsert: &queue.Recorder[AggregateRecord]{},
			pieceAccept:     &queue.Recorder[PieceAcceptMessage]{},
			inclusionInsert: &queue.Recorder[InclusionRecord]{},
		},
	}
	h.clk.Set(epoch)

	h.svc = New(Params{
		ID:        aggregatorID,
		DealerID:  dealerID,
		Config:    cfg,
		Clock:     h.clk,
		Datastore: ds,
		Blocks:    blocks,
		Queues: Queues{
			Piece:           h.q.piece,
			PieceInsert:     h.q.pieceInsert,
			Buffer:          h.q.buffer,
			AggregateOffer:  h.q.aggregateOffer,
			AggregateInsert: h.q.aggregateInsert,
			PieceAccept:     h.q.pieceAccept,
			InclusionInsert: h.q.inclusionInsert,
		},
		Executor: workflow.NewExecutor(h.tasks, h.rcpts, h.router, h.clk),
	})

	srv := workflow.NewServer(aggregatorID, nil, h.tasks, h.rcpts)
	h.svc.Register(srv)
	h.router.Register(aggregatorID, srv)

	dealer := workflow.NewServer(dealerID, nil, h.tasks, h.rcpts)
	workflow.Provide(dealer, api.AggregateOffer, func(ctx context.Context, inv workflow.Invocation, args api.AggregateArgs) (workflow.Outcome[api.AggregateOfferResult], error) {
		h.lk.Lock()
		defer h.lk.Unlock()
		h.offers = append(h.offers, args)
		return workflow.Ok(api.AggregateOfferResult{Aggregate: args.Aggregate.Link}), nil
	})
	h.router.Register(dealerID, dealer)

	return h
}

func (h *harness) putBuffer(t *testing.T, buf Buffer) BufferMessage {
	c, err := h.blocks.Put(h.ctx, buf)
	require.NoError(t, err)
	return BufferMessage{Pieces: c, Group: buf.Group}
}

func (h *harness) buffer(t *testing.T, m BufferMessage) Buffer {
	var buf Buffer
	require.NoError(t, h.blocks.Get(h.ctx, m.Pieces, &buf))
	return buf
}

func (h *harness) dealerOffers() []api.AggregateArgs {
	h.lk.Lock()
	defer h.lk.Unlock()
	return append([]api.AggregateArgs(nil), h.offers...)
}

// twice runs f two times with the same input, as at-least-once delivery
// may, and requires both runs to leave the same observable state.
func twice[S any](t *testing.T, f func() S) S {
	t.Helper()
	first := f()
	second := f()
	require.Equal(t, first, second)
	return first
}

// distinct drops repeated messages, comparing them by encoding.
func distinct[T any](t *testing.T, msgs []T) []T {
	t.Helper()
	seen := map[string]struct{}{}
	var out []T
	for _, m := range msgs {
		b, err := cborutil.Dump(m)
		require.NoError(t, err)
		if _, ok := seen[string(b)]; ok {
			continue
		}
		seen[string(b)] = struct{}{}
		out = append(out, m)
	}
	return out
}
