package dealer

import (
	"context"
	"sort"
	"strconv"

	"github.com/filecoin-project/go-state-types/abi"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/journal"
	"github.com/filecoin-project/dealpipe/lib/retry"
	"github.com/filecoin-project/dealpipe/workflow"
)

func (s *Service) Register(srv *workflow.Server) {
	workflow.Provide(srv, api.AggregateOffer, s.aggregateOffer)
	workflow.Provide(srv, api.AggregateAccept, s.aggregateAccept)
}

// AggregateAcceptTask is the self-issued aggregate/accept continuation of
// an aggregate offer.
func (s *Service) AggregateAcceptTask(args api.AggregateArgs) (workflow.Task, error) {
	return workflow.NewTask(s.id, s.id, api.AggregateAccept, args)
}

func (s *Service) aggregateOffer(ctx context.Context, inv workflow.Invocation, args api.AggregateArgs) (workflow.Outcome[api.AggregateOfferResult], error) {
	var none workflow.Outcome[api.AggregateOfferResult]

	if err := args.Aggregate.Validate(); err != nil {
		return none, api.Wrap(api.InvalidArgument, err, "aggregate/offer")
	}
	if !args.Pieces.Defined() {
		return none, api.Errorf(api.InvalidArgument, "aggregate/offer of %s without pieces", args.Aggregate.Link)
	}

	now := s.now()
	inserted, err := s.aggregates.Insert(ctx, AggregateRecord{
		Aggregate:  args.Aggregate,
		Pieces:     args.Pieces,
		Status:     StatusOffered,
		InsertedAt: now,
		UpdatedAt:  now,
	})
	if err != nil {
		return none, xerrors.Errorf("recording offer of %s: %w", args.Aggregate.Link, err)
	}
	if inserted {
		log.Infow("aggregate offered", "aggregate", args.Aggregate.Link, "size", args.Aggregate.Size, "issuer", inv.Task.Issuer)
		journal.MaybeRecordEvent(s.journal, s.evtOffered, func() interface{} {
			return map[string]interface{}{
				"aggregate": args.Aggregate.Link.String(),
				"pieces":    args.Pieces.String(),
			}
		})
	}

	accept, err := s.AggregateAcceptTask(args)
	if err != nil {
		return none, err
	}
	return workflow.Ok(api.AggregateOfferResult{Aggregate: args.Aggregate.Link}).JoinTo(accept), nil
}

// aggregateAccept succeeds once the tracker knows a deal for the
// aggregate. The deal with the lowest ID is reported.
func (s *Service) aggregateAccept(ctx context.Context, _ workflow.Invocation, args api.AggregateArgs) (workflow.Outcome[api.AggregateAcceptResult], error) {
	var none workflow.Outcome[api.AggregateAcceptResult]

	deals, err := s.dealInfo(ctx, args)
	if err != nil {
		return none, err
	}
	if len(deals.Deals) == 0 {
		return none, api.Errorf(api.RecordNotFound, "no deal for aggregate %s yet", args.Aggregate.Link)
	}

	ids := make([]abi.DealID, 0, len(deals.Deals))
	for k := range deals.Deals {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return none, api.Wrap(api.UnexpectedState, err, "tracker deal id "+k)
		}
		ids = append(ids, abi.DealID(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	id := ids[0]
	return workflow.Ok(api.AggregateAcceptResult{
		Aggregate: args.Aggregate.Link,
		DealID:    id,
		Provider:  deals.Deals[strconv.FormatUint(uint64(id), 10)].Provider,
	}), nil
}

func (s *Service) dealInfo(ctx context.Context, args api.AggregateArgs) (api.DealInfoResult, error) {
	t, err := workflow.NewTask(s.id, s.trackerID, api.DealInfo, api.DealInfoArgs{Piece: args.Aggregate.Link})
	if err != nil {
		return api.DealInfoResult{}, err
	}
	return retry.Retry(ctx, s.cfg.TrackerAttempts, s.cfg.TrackerBackoff, api.Retryable, func() (api.DealInfoResult, error) {
		r, err := s.tracker.Invoke(ctx, t)
		if err != nil {
			return api.DealInfoResult{}, xerrors.Errorf("deal/info for %s: %w", args.Aggregate.Link, err)
		}
		if r.Out.Err != nil {
			return api.DealInfoResult{}, xerrors.Errorf("deal/info for %s: %w", args.Aggregate.Link, r.Out.Err.Err())
		}
		var res api.DealInfoResult
		if err := r.Result(&res); err != nil {
			return api.DealInfoResult{}, err
		}
		return res, nil
	})
}
