package aggregator

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/filecoin-project/dealpipe/aggregate"
	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/workflow"
)

// Register provides the aggregator abilities on srv.
func (s *Service) Register(srv *workflow.Server) {
	workflow.Provide(srv, api.PieceOffer, s.pieceOffer)
	workflow.Provide(srv, api.PieceAccept, s.pieceAccept)
}

// pieceOffer queues the piece for aggregation. The receipt is valid for the
// offer lease; the continuation is piece/accept.
func (s *Service) pieceOffer(ctx context.Context, inv workflow.Invocation, args api.PieceArgs) (workflow.Outcome[api.PieceOfferResult], error) {
	var none workflow.Outcome[api.PieceOfferResult]

	if err := args.Piece.Validate(); err != nil {
		return none, api.Wrap(api.InvalidArgument, err, "piece/offer")
	}
	if limit := aggregate.IndexStart(s.cfg.MaxAggregateSize); uint64(args.Piece.Size) > limit {
		return none, api.Errorf(api.InvalidArgument, "piece %s of size %d does not fit the %d bytes of aggregate data", args.Piece.Link, args.Piece.Size, limit)
	}
	if err := s.queues.Piece.Add(ctx, PieceMessage(args)); err != nil {
		return none, api.Wrap(api.QueueOperationFailed, err, "queueing piece")
	}

	accept, err := s.PieceAcceptTask(args.Piece, args.Group)
	if err != nil {
		return none, err
	}

	out := workflow.Ok(api.PieceOfferResult{Piece: args.Piece.Link}).JoinTo(accept)
	if s.cfg.OfferLease > 0 {
		out = out.ExpiresAt(s.now().Add(s.cfg.OfferLease))
	}
	return out, nil
}

// pieceAccept reports the inclusion of a piece in an aggregate. The
// continuation is the aggregate/offer of that aggregate to the dealer.
func (s *Service) pieceAccept(ctx context.Context, inv workflow.Invocation, args api.PieceArgs) (workflow.Outcome[api.PieceAcceptResult], error) {
	var none workflow.Outcome[api.PieceAcceptResult]

	inc, err := s.inclusions.Get(ctx, args.Piece.Link.String())
	if err != nil {
		return none, xerrors.Errorf("inclusion of %s: %w", args.Piece.Link, err)
	}
	if inc.Group != args.Group {
		return none, api.Errorf(api.InvalidArgument, "piece %s belongs to group %q, not %q", args.Piece.Link, inc.Group, args.Group)
	}

	rec, err := s.aggregates.Get(ctx, inc.Aggregate.Link.String())
	if err != nil {
		return none, xerrors.Errorf("aggregate %s: %w", inc.Aggregate.Link, err)
	}
	offer, err := s.AggregateOfferTask(rec)
	if err != nil {
		return none, err
	}

	return workflow.Ok(api.PieceAcceptResult{
		Piece:     inc.Piece.Link,
		Aggregate: inc.Aggregate,
		Group:     inc.Group,
		Inclusion: inc.Inclusion,
	}).JoinTo(offer), nil
}
