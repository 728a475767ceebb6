package aggregator

import (
	"context"

	"go.opencensus.io/stats"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dealpipe/aggregate"
	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/journal"
	"github.com/filecoin-project/dealpipe/lib/cborutil"
	"github.com/filecoin-project/dealpipe/metrics"
	"github.com/filecoin-project/dealpipe/piece"
	"github.com/filecoin-project/dealpipe/workflow"
)

// HandleAggregateOffers records aggregates produced by buffer reduction.
// A new record is forwarded to the aggregate insert queue.
func (s *Service) HandleAggregateOffers(ctx context.Context, msgs []AggregateOfferMessage) error {
	var errs error
	for _, m := range msgs {
		now := s.now()
		rec := AggregateRecord{
			Aggregate:          m.Aggregate,
			Buffer:             m.Buffer,
			Pieces:             m.Pieces,
			Group:              m.Group,
			MinPieceInsertedAt: m.MinPieceInsertedAt,
			InsertedAt:         now,
		}
		inserted, err := s.aggregates.Insert(ctx, rec)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !inserted {
			continue
		}
		if !m.MinPieceInsertedAt.IsZero() {
			stats.Record(ctx, metrics.AggregateLatencySec.M(now.Sub(m.MinPieceInsertedAt).Seconds()))
		}
		journal.MaybeRecordEvent(s.journal, s.evtAggregateNew, func() interface{} {
			return map[string]interface{}{
				"aggregate": m.Aggregate.Link.String(),
				"size":      m.Aggregate.Size,
				"group":     m.Group,
			}
		})
		if err := s.queues.AggregateInsert.Add(ctx, rec); err != nil {
			errs = multierr.Append(errs, api.Wrap(api.QueueOperationFailed, err, "queueing aggregate insert"))
		}
	}
	return errs
}

// HandleAggregateInserts offers new aggregates to the dealer and queues an
// inclusion proof for each of their pieces.
func (s *Service) HandleAggregateInserts(ctx context.Context, recs []AggregateRecord) error {
	ctx = metrics.HandlerContext(ctx, "aggregator", "aggregate-insert")
	defer metrics.Timer(ctx, metrics.HandlerMs)()

	for _, rec := range recs {
		if err := s.OfferToDealer(ctx, rec); err != nil {
			return err
		}
		if err := s.QueuePieceAccepts(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// AggregateOfferTask is the aggregate/offer invocation the aggregator
// issues to the dealer for rec.
func (s *Service) AggregateOfferTask(rec AggregateRecord) (workflow.Task, error) {
	return workflow.NewTask(s.id, s.dealerID, api.AggregateOffer, api.AggregateArgs{
		Aggregate: rec.Aggregate,
		Pieces:    rec.Pieces,
	})
}

// OfferToDealer invokes aggregate/offer on the dealer unless it already
// ran.
func (s *Service) OfferToDealer(ctx context.Context, rec AggregateRecord) error {
	t, err := s.AggregateOfferTask(rec)
	if err != nil {
		return err
	}
	_, r, err := s.exec.Execute(ctx, t, nil)
	if err != nil {
		return xerrors.Errorf("offering aggregate %s: %w", rec.Aggregate.Link, err)
	}
	if r.Out.Err != nil {
		return xerrors.Errorf("dealer refused aggregate %s: %w", rec.Aggregate.Link, r.Out.Err.Err())
	}
	return nil
}

// Rebuild recomputes the aggregate of rec from its buffer and checks it
// against the record.
func (s *Service) Rebuild(ctx context.Context, rec AggregateRecord) (*aggregate.Aggregate, Buffer, error) {
	buf, err := s.loadBuffer(ctx, rec.Buffer)
	if err != nil {
		return nil, Buffer{}, err
	}

	b, err := aggregate.NewBuilder(rec.Aggregate.Size)
	if err != nil {
		return nil, Buffer{}, api.Wrap(api.UnexpectedState, err, "aggregate size")
	}
	for _, p := range buf.Pieces {
		if err := b.Write(p.Piece); err != nil {
			return nil, Buffer{}, api.Wrap(api.UnexpectedState, err, "rebuilding aggregate "+rec.Aggregate.Link.String())
		}
	}
	agg, err := b.Build()
	if err != nil {
		return nil, Buffer{}, api.Wrap(api.UnexpectedState, err, "rebuilding aggregate "+rec.Aggregate.Link.String())
	}

	if !agg.Link.Equals(rec.Aggregate.Link) {
		return nil, Buffer{}, api.Errorf(api.UnexpectedState, "buffer %s builds aggregate %s, record has %s", rec.Buffer, agg.Link, rec.Aggregate.Link)
	}
	if buf.Aggregate == nil || !buf.Aggregate.Equals(rec.Aggregate.Link) {
		return nil, Buffer{}, api.Errorf(api.UnexpectedState, "buffer %s does not belong to aggregate %s", rec.Buffer, rec.Aggregate.Link)
	}

	nd, err := cborutil.Wrap(pieceList(buf.Pieces))
	if err != nil {
		return nil, Buffer{}, api.Wrap(api.EncodeRecordFailed, err, "piece list")
	}
	if !nd.Cid().Equals(rec.Pieces) {
		return nil, Buffer{}, api.Errorf(api.UnexpectedState, "pieces of aggregate %s are %s, record has %s", rec.Aggregate.Link, nd.Cid(), rec.Pieces)
	}
	return agg, buf, nil
}

// QueuePieceAccepts computes the inclusion proof of every piece of the
// aggregate and queues it.
func (s *Service) QueuePieceAccepts(ctx context.Context, rec AggregateRecord) error {
	agg, buf, err := s.Rebuild(ctx, rec)
	if err != nil {
		return err
	}

	prepend := map[string]struct{}{}
	for _, p := range s.cfg.PrependPieces {
		prepend[p.Piece.Link.KeyString()] = struct{}{}
	}

	var eg errgroup.Group
	eg.SetLimit(s.cfg.ProofConcurrency)
	for _, p := range buf.Pieces {
		if _, ok := prepend[p.Piece.Link.KeyString()]; ok {
			continue
		}
		eg.Go(func() error {
			proof, err := agg.ProveInclusion(p.Piece.Link)
			if err != nil {
				return api.Wrap(api.UnexpectedState, err, "proving inclusion")
			}
			stats.Record(ctx, metrics.InclusionsComputed.M(1))
			err = s.queues.PieceAccept.Add(ctx, PieceAcceptMessage{
				Piece:     p.Piece,
				Aggregate: agg.Piece(),
				Group:     rec.Group,
				Inclusion: proof,
			})
			return api.Wrap(api.QueueOperationFailed, err, "queueing piece accept")
		})
	}
	return eg.Wait()
}

// HandlePieceAccepts stores inclusion records. A new record is forwarded to
// the inclusion insert queue.
func (s *Service) HandlePieceAccepts(ctx context.Context, msgs []PieceAcceptMessage) error {
	var errs error
	for _, m := range msgs {
		rec := InclusionRecord{
			Piece:      m.Piece,
			Aggregate:  m.Aggregate,
			Group:      m.Group,
			Inclusion:  m.Inclusion,
			InsertedAt: s.now(),
		}
		inserted, err := s.inclusions.Insert(ctx, rec)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !inserted {
			continue
		}
		if err := s.queues.InclusionInsert.Add(ctx, rec); err != nil {
			errs = multierr.Append(errs, api.Wrap(api.QueueOperationFailed, err, "queueing inclusion insert"))
		}
	}
	return errs
}

// HandleInclusionInserts marks included pieces accepted and issues
// piece/accept so its receipt is available to the storefront.
func (s *Service) HandleInclusionInserts(ctx context.Context, recs []InclusionRecord) error {
	var errs error
	for _, rec := range recs {
		if err := s.markAccepted(ctx, rec); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := s.issuePieceAccept(ctx, rec); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (s *Service) markAccepted(ctx context.Context, rec InclusionRecord) error {
	_, err := s.pieces.Update(ctx, rec.Piece.Link.String(), func(p *PieceRecord) error {
		p.Status = PieceStatusAccepted
		p.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return xerrors.Errorf("marking piece %s accepted: %w", rec.Piece.Link, err)
	}
	journal.MaybeRecordEvent(s.journal, s.evtPieceAccept, func() interface{} {
		return map[string]interface{}{
			"piece":     rec.Piece.Link.String(),
			"aggregate": rec.Aggregate.Link.String(),
			"group":     rec.Group,
		}
	})
	return nil
}

// PieceAcceptTask is the self-issued piece/accept invocation for a piece.
func (s *Service) PieceAcceptTask(p piece.Piece, group string) (workflow.Task, error) {
	return workflow.NewTask(s.id, s.id, api.PieceAccept, api.PieceArgs{Piece: p, Group: group})
}

func (s *Service) issuePieceAccept(ctx context.Context, rec InclusionRecord) error {
	t, err := s.PieceAcceptTask(rec.Piece, rec.Group)
	if err != nil {
		return err
	}
	_, r, err := s.exec.Execute(ctx, t, nil)
	if err != nil {
		return xerrors.Errorf("issuing piece/accept for %s: %w", rec.Piece.Link, err)
	}
	if r.Out.Err != nil {
		return xerrors.Errorf("piece/accept for %s: %w", rec.Piece.Link, r.Out.Err.Err())
	}
	return nil
}
