package aggregator

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/samber/lo"
	"go.opencensus.io/stats"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/metrics"
)

// HandlePieceMessages records offered pieces. A piece seen for the first
// time is forwarded to the piece insert queue.
func (s *Service) HandlePieceMessages(ctx context.Context, msgs []PieceMessage) error {
	var errs error
	for _, m := range msgs {
		now := s.now()
		rec := PieceRecord{
			Piece:      m.Piece,
			Group:      m.Group,
			Status:     PieceStatusOffered,
			InsertedAt: now,
			UpdatedAt:  now,
		}
		inserted, err := s.pieces.Insert(ctx, rec)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !inserted {
			log.Debugw("piece already known", "piece", m.Piece.Link, "group", m.Group)
			continue
		}
		if err := s.queues.PieceInsert.Add(ctx, rec); err != nil {
			errs = multierr.Append(errs, api.Wrap(api.QueueOperationFailed, err, "queueing piece insert"))
		}
	}
	return errs
}

// HandlePieceInserts wraps inserted pieces into one buffer per group and
// queues the buffers for reduction.
func (s *Service) HandlePieceInserts(ctx context.Context, recs []PieceRecord) error {
	var groups []string
	byGroup := map[string][]BufferedPiece{}
	for _, r := range recs {
		if _, ok := byGroup[r.Group]; !ok {
			groups = append(groups, r.Group)
		}
		byGroup[r.Group] = append(byGroup[r.Group], BufferedPiece{
			Piece:      r.Piece,
			InsertedAt: r.InsertedAt,
			Policy:     PolicyInsertion,
		})
	}

	for _, g := range groups {
		if err := s.queueBuffer(ctx, Buffer{Pieces: byGroup[g], Group: g}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) queueBuffer(ctx context.Context, buf Buffer) error {
	c, err := s.blocks.Put(ctx, buf)
	if err != nil {
		return xerrors.Errorf("storing buffer: %w", err)
	}
	if err := s.queues.Buffer.Add(ctx, BufferMessage{Pieces: c, Group: buf.Group}); err != nil {
		return api.Wrap(api.QueueOperationFailed, err, "queueing buffer "+c.String())
	}
	return nil
}

func (s *Service) loadBuffer(ctx context.Context, c cid.Cid) (Buffer, error) {
	var buf Buffer
	if err := s.blocks.Get(ctx, c, &buf); err != nil {
		if api.KindOf(err) == api.StoreOperationFailed {
			return Buffer{}, xerrors.Errorf("loading buffer: %w", err)
		}
		return Buffer{}, &api.Error{Kind: api.DecodeBlockOperationFailed, Err: xerrors.Errorf("loading buffer %s: %w", c, err)}
	}
	return buf, nil
}

// ReduceResult reports the outcome of one buffer reduction.
type ReduceResult struct {
	AggregatedPieces int
	Aggregate        *cid.Cid
}

// HandleBufferMessages reduces the delivered buffers group by group.
func (s *Service) HandleBufferMessages(ctx context.Context, msgs []BufferMessage) error {
	ctx = metrics.HandlerContext(ctx, "aggregator", "buffer")
	defer metrics.Timer(ctx, metrics.HandlerMs)()

	var groups []string
	byGroup := lo.GroupBy(msgs, bufferGroup)
	for _, m := range msgs {
		if !lo.Contains(groups, m.Group) {
			groups = append(groups, m.Group)
		}
	}

	for _, g := range groups {
		res, err := s.ReduceBuffers(ctx, byGroup[g])
		if err != nil {
			return xerrors.Errorf("reducing buffers of group %q: %w", g, err)
		}
		log.Debugw("reduced buffers", "group", g, "messages", len(byGroup[g]), "aggregated", res.AggregatedPieces)
	}
	return nil
}

// ReduceBuffers merges the buffers referenced by msgs, which must share a
// group, and tries to build an aggregate from the merged pieces.
//
// Without an aggregate the merged buffer is queued again. Otherwise the
// pieces of the aggregate are stored as a new buffer and offered, and the
// pieces left over are queued as another buffer.
func (s *Service) ReduceBuffers(ctx context.Context, msgs []BufferMessage) (ReduceResult, error) {
	if len(msgs) == 0 {
		return ReduceResult{}, nil
	}
	group := msgs[0].Group

	var merged []BufferedPiece
	links := lo.UniqBy(msgs, func(m BufferMessage) string { return m.Pieces.KeyString() })
	for _, m := range links {
		if m.Group != group {
			return ReduceResult{}, api.Errorf(api.UnexpectedState, "buffer %s of group %q reduced with group %q", m.Pieces, m.Group, group)
		}
		buf, err := s.loadBuffer(ctx, m.Pieces)
		if err != nil {
			return ReduceResult{}, err
		}
		merged = append(merged, buf.Pieces...)
	}
	merged = SortPieces(DedupePieces(merged))

	stats.Record(ctx, metrics.BufferReductions.M(1))

	res, err := AggregatePieces(merged, s.cfg.AggregateConfig)
	if err != nil {
		return ReduceResult{}, err
	}
	if res == nil {
		if err := s.queueBuffer(ctx, Buffer{Pieces: merged, Group: group}); err != nil {
			return ReduceResult{}, err
		}
		stats.Record(ctx, metrics.AggregatedPieces.M(0))
		return ReduceResult{}, nil
	}

	agg := res.Aggregate
	used := Buffer{Pieces: res.Used, Group: group, Aggregate: &agg.Link}
	usedLink, err := s.blocks.Put(ctx, used)
	if err != nil {
		return ReduceResult{}, xerrors.Errorf("storing aggregate buffer: %w", err)
	}
	piecesLink, err := s.blocks.Put(ctx, pieceList(res.Used))
	if err != nil {
		return ReduceResult{}, xerrors.Errorf("storing piece list: %w", err)
	}

	offer := AggregateOfferMessage{
		Aggregate:          agg.Piece(),
		Buffer:             usedLink,
		Pieces:             piecesLink,
		Group:              group,
		MinPieceInsertedAt: minInsertedAt(res.Used),
	}
	if err := s.queues.AggregateOffer.Add(ctx, offer); err != nil {
		return ReduceResult{}, api.Wrap(api.QueueOperationFailed, err, "queueing aggregate offer")
	}

	if len(res.Remaining) > 0 {
		if err := s.queueBuffer(ctx, Buffer{Pieces: res.Remaining, Group: group}); err != nil {
			return ReduceResult{}, err
		}
	}

	stats.Record(ctx,
		metrics.AggregatedPieces.M(int64(len(res.Used))),
		metrics.AggregateFill.M(float64(res.BytesUsed)/float64(s.cfg.MaxAggregateSize)),
		metrics.AggregatesBuilt.M(1),
	)
	log.Infow("built aggregate", "aggregate", agg.Link, "group", group, "pieces", len(res.Used), "remaining", len(res.Remaining))

	return ReduceResult{AggregatedPieces: len(res.Used), Aggregate: &agg.Link}, nil
}

func pieceList(pieces []BufferedPiece) PieceList {
	return PieceList{Pieces: lo.Map(pieces, func(p BufferedPiece, _ int) cid.Cid { return p.Piece.Link })}
}

// minInsertedAt ignores pieces without an insertion time, such as prepend
// pieces.
func minInsertedAt(pieces []BufferedPiece) time.Time {
	var oldest time.Time
	for _, p := range pieces {
		if p.InsertedAt.IsZero() {
			continue
		}
		if oldest.IsZero() || p.InsertedAt.Before(oldest) {
			oldest = p.InsertedAt
		}
	}
	return oldest
}
