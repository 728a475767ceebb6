package aggregator

import (
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/dealpipe/aggregate"
	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/piece"
	"github.com/filecoin-project/dealpipe/piece/piecetest"
	"github.com/filecoin-project/dealpipe/workflow"
)

const storefrontID = "did:web:storefront.test"

var flowConfig = Config{
	AggregateConfig: AggregateConfig{
		MaxAggregateSize:     1 << 15,
		MinAggregateSize:     1 << 12,
		MinUtilizationFactor: 16,
	},
	OfferLease: time.Hour,
}

func (h *harness) offerPiece(t *testing.T, p piece.Piece) workflow.Receipt {
	task, err := workflow.NewTask(storefrontID, aggregatorID, api.PieceOffer, api.PieceArgs{Piece: p, Group: group})
	require.NoError(t, err)
	r, err := h.router.Invoke(h.ctx, task)
	require.NoError(t, err)
	return r
}

func TestPieceOffer(t *testing.T) {
	h := newHarness(t, flowConfig)
	p := piecetest.Random(t, 512)

	r := h.offerPiece(t, p)
	require.Nil(t, r.Out.Err)
	require.NotNil(t, r.Join)
	require.NotNil(t, r.Expires)
	require.True(t, epoch.Add(time.Hour).Equal(*r.Expires))

	var res api.PieceOfferResult
	require.NoError(t, r.Result(&res))
	require.Equal(t, p.Link, res.Piece)

	join, err := h.tasks.Get(h.ctx, *r.Join)
	require.NoError(t, err)
	want, err := h.svc.PieceAcceptTask(p, group)
	require.NoError(t, err)
	require.Equal(t, want, join)

	require.Equal(t, []PieceMessage{{Piece: p, Group: group}}, h.q.piece.Messages())
}

func TestPieceOfferInvalid(t *testing.T) {
	h := newHarness(t, flowConfig)
	p := piecetest.Random(t, 512)
	p.Size = 500

	r := h.offerPiece(t, p)
	require.NotNil(t, r.Out.Err)
	require.Equal(t, api.InvalidArgument, r.Out.Err.Kind)
	require.Nil(t, r.Join)
	require.Empty(t, h.q.piece.Messages())
}

func TestPieceOfferOversized(t *testing.T) {
	h := newHarness(t, flowConfig)
	// a 2^15 aggregate keeps its last 256 bytes for the index
	p := piecetest.Random(t, flowConfig.MaxAggregateSize)
	require.Greater(t, uint64(p.Size), aggregate.IndexStart(flowConfig.MaxAggregateSize))

	for i := 0; i < 2; i++ {
		r := h.offerPiece(t, p)
		require.NotNil(t, r.Out.Err)
		require.Equal(t, api.InvalidArgument, r.Out.Err.Kind)
		require.False(t, r.Out.Err.Retryable())
		require.Nil(t, r.Join)
	}
	require.Empty(t, h.q.piece.Messages())

	fits := piecetest.Random(t, flowConfig.MaxAggregateSize/2)
	r := h.offerPiece(t, fits)
	require.Nil(t, r.Out.Err)
}

func TestPieceAcceptBeforeInclusion(t *testing.T) {
	h := newHarness(t, flowConfig)
	task, err := h.svc.PieceAcceptTask(piecetest.Random(t, 512), group)
	require.NoError(t, err)

	r, err := h.router.Invoke(h.ctx, task)
	require.NoError(t, err)
	require.NotNil(t, r.Out.Err)
	require.Equal(t, api.RecordNotFound, r.Out.Err.Kind)
	require.True(t, r.Out.Err.Retryable())
}

type pieceState struct {
	Records []PieceRecord
	Inserts []PieceRecord
}

type aggregateState struct {
	Record  AggregateRecord
	Inserts []AggregateRecord
}

type acceptState struct {
	Offers  int
	Accepts []PieceAcceptMessage
}

type inclusionState struct {
	Records []InclusionRecord
	Inserts []InclusionRecord
}

// Drives pieces through every aggregator handler, delivering each batch
// twice.
func TestAggregatorFlow(t *testing.T) {
	h := newHarness(t, flowConfig)
	pieces := piecetest.RandomN(t, 4, 1024)

	for _, p := range pieces {
		h.offerPiece(t, p)
	}
	offered := h.q.piece.Messages()
	require.Len(t, offered, len(pieces))

	ps := twice(t, func() pieceState {
		require.NoError(t, h.svc.HandlePieceMessages(h.ctx, offered))
		var st pieceState
		for _, p := range pieces {
			rec, err := h.svc.Piece(h.ctx, p.Link)
			require.NoError(t, err)
			st.Records = append(st.Records, rec)
		}
		st.Inserts = h.q.pieceInsert.Messages()
		return st
	})
	require.Len(t, ps.Inserts, len(pieces))
	for _, rec := range ps.Records {
		require.Equal(t, PieceStatusOffered, rec.Status)
	}

	buffers := twice(t, func() []BufferMessage {
		require.NoError(t, h.svc.HandlePieceInserts(h.ctx, ps.Inserts))
		return distinct(t, h.q.buffer.Messages())
	})
	require.Len(t, buffers, 1)
	require.Len(t, h.buffer(t, buffers[0]).Pieces, len(pieces))

	offers := twice(t, func() []AggregateOfferMessage {
		require.NoError(t, h.svc.HandleBufferMessages(h.ctx, buffers))
		return distinct(t, h.q.aggregateOffer.Messages())
	})
	require.Len(t, offers, 1)
	offer := offers[0]

	as := twice(t, func() aggregateState {
		require.NoError(t, h.svc.HandleAggregateOffers(h.ctx, offers))
		rec, err := h.svc.Aggregate(h.ctx, offer.Aggregate.Link)
		require.NoError(t, err)
		return aggregateState{Record: rec, Inserts: h.q.aggregateInsert.Messages()}
	})
	require.Len(t, as.Inserts, 1)
	require.Equal(t, offer.Pieces, as.Record.Pieces)

	acc := twice(t, func() acceptState {
		require.NoError(t, h.svc.HandleAggregateInserts(h.ctx, as.Inserts))
		return acceptState{
			Offers:  len(h.dealerOffers()),
			Accepts: distinct(t, h.q.pieceAccept.Messages()),
		}
	})
	require.Equal(t, 1, acc.Offers)
	require.Equal(t, api.AggregateArgs{Aggregate: offer.Aggregate, Pieces: offer.Pieces}, h.dealerOffers()[0])
	require.Len(t, acc.Accepts, len(pieces))
	for _, m := range acc.Accepts {
		require.Equal(t, offer.Aggregate, m.Aggregate)
		require.NoError(t, aggregate.VerifyInclusion(m.Aggregate, m.Piece, m.Inclusion))
	}

	inc := twice(t, func() inclusionState {
		require.NoError(t, h.svc.HandlePieceAccepts(h.ctx, acc.Accepts))
		var st inclusionState
		for _, p := range pieces {
			rec, err := h.svc.Inclusion(h.ctx, p.Link)
			require.NoError(t, err)
			st.Records = append(st.Records, rec)
		}
		st.Inserts = h.q.inclusionInsert.Messages()
		return st
	})
	require.Len(t, inc.Inserts, len(pieces))

	offerTask, err := h.svc.AggregateOfferTask(as.Record)
	require.NoError(t, err)
	offerCid, err := offerTask.Cid()
	require.NoError(t, err)

	twice(t, func() []PieceRecord {
		require.NoError(t, h.svc.HandleInclusionInserts(h.ctx, inc.Inserts))
		return lo.Map(pieces, func(p piece.Piece, _ int) PieceRecord {
			rec, err := h.svc.Piece(h.ctx, p.Link)
			require.NoError(t, err)
			require.Equal(t, PieceStatusAccepted, rec.Status)
			return rec
		})
	})

	for _, p := range pieces {
		task, err := h.svc.PieceAcceptTask(p, group)
		require.NoError(t, err)
		c, err := task.Cid()
		require.NoError(t, err)

		r, err := h.rcpts.Get(h.ctx, c)
		require.NoError(t, err)
		require.Nil(t, r.Out.Err)
		require.NotNil(t, r.Join)
		require.Equal(t, offerCid, *r.Join)

		var res api.PieceAcceptResult
		require.NoError(t, r.Result(&res))
		require.Equal(t, p.Link, res.Piece)
		require.Equal(t, offer.Aggregate, res.Aggregate)
		require.NoError(t, aggregate.VerifyInclusion(res.Aggregate, p, res.Inclusion))
	}

	// the offer chain reaches the dealer's receipt
	first, err := workflow.NewTask(storefrontID, aggregatorID, api.PieceOffer, api.PieceArgs{Piece: pieces[0], Group: group})
	require.NoError(t, err)
	firstCid, err := first.Cid()
	require.NoError(t, err)
	chain, err := workflow.Walk(h.ctx, h.tasks, h.rcpts, firstCid)
	require.NoError(t, err)
	require.Equal(t, []string{api.PieceOffer, api.PieceAccept, api.AggregateOffer},
		lo.Map(chain.Steps, func(s workflow.Step, _ int) string { return s.Task.Ability }))
	require.True(t, chain.Complete)
}

func TestRebuildMismatch(t *testing.T) {
	h := newHarness(t, flowConfig)
	buf := Buffer{Pieces: buffered(t, 4, 1024, PolicyInsertion), Group: group}
	res, err := AggregatePieces(buf.Pieces, flowConfig.AggregateConfig)
	require.NoError(t, err)
	require.NotNil(t, res)

	buf.Aggregate = &res.Aggregate.Link
	msg := h.putBuffer(t, buf)
	list, err := h.blocks.Put(h.ctx, pieceList(res.Used))
	require.NoError(t, err)

	rec := AggregateRecord{Aggregate: res.Aggregate.Piece(), Buffer: msg.Pieces, Pieces: list, Group: group}
	_, _, err = h.svc.Rebuild(h.ctx, rec)
	require.NoError(t, err)

	t.Run("pieces list", func(t *testing.T) {
		bad := rec
		bad.Pieces = msg.Pieces
		_, _, err := h.svc.Rebuild(h.ctx, bad)
		require.Equal(t, api.UnexpectedState, api.KindOf(err))
		require.False(t, api.Retryable(err))
	})

	t.Run("aggregate link", func(t *testing.T) {
		bad := rec
		bad.Aggregate = piecetest.Random(t, 1<<15)
		_, _, err := h.svc.Rebuild(h.ctx, bad)
		require.Equal(t, api.UnexpectedState, api.KindOf(err))
	})

	t.Run("foreign buffer", func(t *testing.T) {
		other := buf
		other.Aggregate = nil
		bad := rec
		bad.Buffer = h.putBuffer(t, other).Pieces
		_, _, err := h.svc.Rebuild(h.ctx, bad)
		require.Equal(t, api.UnexpectedState, api.KindOf(err))
	})

	// no piece accept is queued for an inconsistent record
	bad := rec
	bad.Pieces = msg.Pieces
	require.Error(t, h.svc.QueuePieceAccepts(h.ctx, bad))
	require.Empty(t, h.q.pieceAccept.Messages())
}

func TestDealerRefusal(t *testing.T) {
	h := newHarness(t, flowConfig)
	rec := AggregateRecord{Aggregate: piecetest.Random(t, 1<<15), Group: group}

	// the dealer has no route for a different identity
	h.svc.dealerID = "did:web:unknown.test"
	err := h.svc.OfferToDealer(h.ctx, rec)
	require.Equal(t, api.InvalidArgument, api.KindOf(err))
	require.Empty(t, h.dealerOffers())
}
