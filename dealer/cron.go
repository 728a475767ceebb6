package dealer

import (
	"context"

	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/journal"
	"github.com/filecoin-project/dealpipe/metrics"
	"github.com/filecoin-project/dealpipe/store"
)

// CronResult counts the offered aggregates seen by one tick.
type CronResult struct {
	Updated int
	Pending int
}

// HandleCronTick pages through all offered aggregates and accepts those the
// tracker reports a deal for. Any other failure aborts the tick; records
// accepted before the failure stay accepted.
func (s *Service) HandleCronTick(ctx context.Context) (CronResult, error) {
	ctx = metrics.HandlerContext(ctx, "dealer", "cron")
	defer metrics.Timer(ctx, metrics.HandlerMs)()

	var res CronResult
	page := store.Page{Size: s.cfg.PageSize}
	for {
		offered, err := s.aggregates.Query(ctx, func(r *AggregateRecord) bool {
			return r.Status == StatusOffered
		}, page)
		if err != nil {
			return CronResult{}, xerrors.Errorf("listing offered aggregates: %w", err)
		}

		for _, rec := range offered.Results {
			accepted, err := s.reconcile(ctx, rec)
			if err != nil {
				return CronResult{}, err
			}
			if accepted {
				res.Updated++
			} else {
				res.Pending++
			}
		}

		if offered.Cursor == "" {
			break
		}
		page.Cursor = offered.Cursor
	}

	stats.Record(ctx, metrics.ReconcileUpdated.M(int64(res.Updated)), metrics.ReconcilePending.M(int64(res.Pending)))
	if res.Updated > 0 {
		log.Infow("reconciled aggregates", "updated", res.Updated, "pending", res.Pending)
	}
	return res, nil
}

// reconcile runs aggregate/accept for rec and marks the record accepted
// when it succeeds.
func (s *Service) reconcile(ctx context.Context, rec AggregateRecord) (bool, error) {
	t, err := s.AggregateAcceptTask(api.AggregateArgs{Aggregate: rec.Aggregate, Pieces: rec.Pieces})
	if err != nil {
		return false, err
	}
	_, r, err := s.exec.Execute(ctx, t, nil)
	if err != nil {
		return false, xerrors.Errorf("accepting aggregate %s: %w", rec.Aggregate.Link, err)
	}
	if r.Out.Err != nil {
		if r.Out.Err.Kind == api.RecordNotFound {
			return false, nil
		}
		return false, xerrors.Errorf("accepting aggregate %s: %w", rec.Aggregate.Link, r.Out.Err.Err())
	}

	var acc api.AggregateAcceptResult
	if err := r.Result(&acc); err != nil {
		return false, err
	}
	_, err = s.aggregates.Update(ctx, rec.Aggregate.Link.String(), func(a *AggregateRecord) error {
		a.Status = StatusAccepted
		a.DealID = acc.DealID
		a.Provider = acc.Provider
		a.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return false, xerrors.Errorf("marking aggregate %s accepted: %w", rec.Aggregate.Link, err)
	}

	journal.MaybeRecordEvent(s.journal, s.evtAccepted, func() interface{} {
		return map[string]interface{}{
			"aggregate": rec.Aggregate.Link.String(),
			"deal":      acc.DealID,
			"provider":  acc.Provider,
		}
	})
	return true, nil
}
