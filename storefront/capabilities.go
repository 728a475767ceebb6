package storefront

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/piece"
	"github.com/filecoin-project/dealpipe/workflow"
)

func (s *Service) Register(srv *workflow.Server) {
	workflow.Provide(srv, api.FilecoinOffer, s.filecoinOffer)
	workflow.Provide(srv, api.FilecoinSubmit, s.filecoinSubmit)
	workflow.Provide(srv, api.FilecoinAccept, s.filecoinAccept)
}

func validate(args api.FilecoinArgs) error {
	if err := args.Piece.Validate(); err != nil {
		return api.Wrap(api.InvalidArgument, err, "piece")
	}
	if !args.Content.Defined() {
		return api.Errorf(api.InvalidArgument, "piece %s has no content link", args.Piece.Link)
	}
	if args.ContentSize > 0 {
		if err := piece.CheckPayloadSize(args.Piece, args.ContentSize); err != nil {
			return api.Wrap(api.InvalidArgument, err, "content size")
		}
	}
	return nil
}

// filecoinOffer records a submission and queues it. Submission runs as a
// fork; the continuation is filecoin/accept.
func (s *Service) filecoinOffer(ctx context.Context, inv workflow.Invocation, args api.FilecoinArgs) (workflow.Outcome[api.FilecoinOfferResult], error) {
	var none workflow.Outcome[api.FilecoinOfferResult]

	if err := validate(args); err != nil {
		return none, err
	}
	args.ContentSize = 0

	now := s.now()
	inserted, err := s.pieces.Insert(ctx, PieceRecord{
		Piece:      args.Piece,
		Content:    args.Content,
		Group:      args.Group,
		Status:     StatusSubmitted,
		InsertedAt: now,
		UpdatedAt:  now,
	})
	if err != nil {
		return none, xerrors.Errorf("recording piece %s: %w", args.Piece.Link, err)
	}
	if inserted {
		log.Infow("piece submitted", "piece", args.Piece.Link, "content", args.Content, "group", args.Group, "issuer", inv.Task.Issuer)
		if err := s.submit.Add(ctx, args); err != nil {
			return none, api.Wrap(api.QueueOperationFailed, err, "queueing submission")
		}
	}

	submit, err := s.SubmitTask(args)
	if err != nil {
		return none, err
	}
	accept, err := s.AcceptTask(args)
	if err != nil {
		return none, err
	}
	return workflow.Ok(api.FilecoinOfferResult{Piece: args.Piece.Link}).Fork(submit).JoinTo(accept), nil
}

// filecoinSubmit offers the piece to the aggregator, unless an earlier
// offer is still leased or already landed.
func (s *Service) filecoinSubmit(ctx context.Context, _ workflow.Invocation, args api.FilecoinArgs) (workflow.Outcome[api.FilecoinOfferResult], error) {
	var none workflow.Outcome[api.FilecoinOfferResult]

	offer, err := s.PieceOfferTask(args)
	if err != nil {
		return none, err
	}
	_, r, err := s.exec.Execute(ctx, offer, s.offerLanded)
	if err != nil {
		return none, xerrors.Errorf("offering piece %s: %w", args.Piece.Link, err)
	}
	if r.Out.Err != nil {
		return none, xerrors.Errorf("aggregator refused piece %s: %w", args.Piece.Link, r.Out.Err.Err())
	}
	return workflow.Ok(api.FilecoinOfferResult{Piece: args.Piece.Link}).JoinTo(offer), nil
}

// offerLanded keeps an expired piece/offer receipt when the aggregator has
// already accepted the piece.
func (s *Service) offerLanded(ctx context.Context, r workflow.Receipt) (bool, error) {
	if r.Join == nil {
		return false, nil
	}
	return s.receipts.Has(ctx, *r.Join)
}

// filecoinAccept reports the aggregate, inclusion proof and deal of a
// piece. It fails with RecordNotFound while the piece is still pending.
func (s *Service) filecoinAccept(ctx context.Context, _ workflow.Invocation, args api.FilecoinArgs) (workflow.Outcome[api.FilecoinAcceptResult], error) {
	res, err := s.Accepted(ctx, args)
	if err != nil {
		return workflow.Outcome[api.FilecoinAcceptResult]{}, err
	}
	return workflow.Ok(res), nil
}

// Accepted walks the receipt chain starting at the piece/offer of args and
// collects the evidence found along it.
func (s *Service) Accepted(ctx context.Context, args api.FilecoinArgs) (api.FilecoinAcceptResult, error) {
	offer, err := s.PieceOfferTask(args)
	if err != nil {
		return api.FilecoinAcceptResult{}, err
	}
	c, err := offer.Cid()
	if err != nil {
		return api.FilecoinAcceptResult{}, err
	}

	chain, err := workflow.Walk(ctx, s.tasks, s.receipts, c)
	if err != nil {
		return api.FilecoinAcceptResult{}, err
	}
	if chain.Failure != nil && !chain.Failure.Retryable() {
		return api.FilecoinAcceptResult{}, xerrors.Errorf("piece %s failed: %w", args.Piece.Link, chain.Failure.Err())
	}
	if !chain.Complete {
		return api.FilecoinAcceptResult{}, api.Errorf(api.RecordNotFound, "piece %s is pending after %d steps", args.Piece.Link, len(chain.Steps))
	}

	var inc api.PieceAcceptResult
	if err := decodeStep(chain, api.PieceAccept, &inc); err != nil {
		return api.FilecoinAcceptResult{}, err
	}
	var deal api.AggregateAcceptResult
	if err := decodeStep(chain, api.AggregateAccept, &deal); err != nil {
		return api.FilecoinAcceptResult{}, err
	}
	if !deal.Aggregate.Equals(inc.Aggregate.Link) {
		return api.FilecoinAcceptResult{}, api.Errorf(api.UnexpectedState, "piece %s is in aggregate %s but the deal is for %s", args.Piece.Link, inc.Aggregate.Link, deal.Aggregate)
	}

	return api.FilecoinAcceptResult{
		Piece:     args.Piece.Link,
		Aggregate: inc.Aggregate,
		Inclusion: inc.Inclusion,
		DealID:    deal.DealID,
		Provider:  deal.Provider,
	}, nil
}

func decodeStep(chain workflow.Chain, ability string, out interface{}) error {
	step, ok := chain.Find(ability)
	if !ok || step.Receipt == nil {
		return api.Errorf(api.UnexpectedState, "complete chain without %s", ability)
	}
	return step.Receipt.Result(out)
}
