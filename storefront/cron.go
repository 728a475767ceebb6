package storefront

import (
	"context"

	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/metrics"
	"github.com/filecoin-project/dealpipe/store"
)

// HandleSubmitMessages runs filecoin/submit for queued submissions. A piece
// the aggregator rejects for good is marked invalid.
func (s *Service) HandleSubmitMessages(ctx context.Context, msgs []api.FilecoinArgs) error {
	ctx = metrics.HandlerContext(ctx, "storefront", "submit")
	defer metrics.Timer(ctx, metrics.HandlerMs)()

	var errs error
	for _, args := range msgs {
		t, err := s.SubmitTask(args)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		_, r, err := s.exec.Execute(ctx, t, nil)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if r.Out.Err == nil {
			continue
		}
		if r.Out.Err.Retryable() {
			errs = multierr.Append(errs, xerrors.Errorf("submitting piece %s: %w", args.Piece.Link, r.Out.Err.Err()))
			continue
		}
		log.Warnw("piece rejected", "piece", args.Piece.Link, "group", args.Group, "error", r.Out.Err.Message)
		if err := s.setStatus(ctx, args.Piece.Link, StatusInvalid); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// CronResult counts the submitted pieces seen by one tick.
type CronResult struct {
	Accepted int
	Invalid  int
	Pending  int
}

// HandleCronTick runs filecoin/accept for every submitted piece and
// updates the status of the pieces whose chain has ended.
func (s *Service) HandleCronTick(ctx context.Context) (CronResult, error) {
	ctx = metrics.HandlerContext(ctx, "storefront", "cron")
	defer metrics.Timer(ctx, metrics.HandlerMs)()

	var res CronResult
	page := store.Page{Size: s.cfg.PageSize}
	for {
		submitted, err := s.pieces.Query(ctx, func(r *PieceRecord) bool {
			return r.Status == StatusSubmitted
		}, page)
		if err != nil {
			return CronResult{}, xerrors.Errorf("listing submitted pieces: %w", err)
		}

		for _, rec := range submitted.Results {
			status, err := s.reconcile(ctx, rec)
			if err != nil {
				return CronResult{}, err
			}
			switch status {
			case StatusAccepted:
				res.Accepted++
			case StatusInvalid:
				res.Invalid++
			default:
				res.Pending++
			}
		}

		if submitted.Cursor == "" {
			break
		}
		page.Cursor = submitted.Cursor
	}

	if res.Accepted+res.Invalid > 0 {
		log.Infow("reconciled pieces", "accepted", res.Accepted, "invalid", res.Invalid, "pending", res.Pending)
	}
	return res, nil
}

func (s *Service) reconcile(ctx context.Context, rec PieceRecord) (string, error) {
	t, err := s.AcceptTask(rec.args())
	if err != nil {
		return "", err
	}
	_, r, err := s.exec.Execute(ctx, t, nil)
	if err != nil {
		return "", xerrors.Errorf("accepting piece %s: %w", rec.Piece.Link, err)
	}

	status := StatusAccepted
	if r.Out.Err != nil {
		if r.Out.Err.Retryable() {
			return StatusSubmitted, s.reoffer(ctx, rec)
		}
		log.Warnw("piece failed", "piece", rec.Piece.Link, "error", r.Out.Err.Message)
		status = StatusInvalid
	}
	if err := s.setStatus(ctx, rec.Piece.Link, status); err != nil {
		return "", xerrors.Errorf("updating piece %s: %w", rec.Piece.Link, err)
	}
	return status, nil
}

// reoffer repeats the piece/offer of a pending piece once its lease has
// run out without the piece reaching an aggregate.
func (s *Service) reoffer(ctx context.Context, rec PieceRecord) error {
	t, err := s.PieceOfferTask(rec.args())
	if err != nil {
		return err
	}
	_, r, err := s.exec.Execute(ctx, t, s.offerLanded)
	if err != nil {
		return xerrors.Errorf("offering piece %s: %w", rec.Piece.Link, err)
	}
	if r.Out.Err != nil && r.Out.Err.Retryable() {
		log.Warnw("piece offer failed", "piece", rec.Piece.Link, "error", r.Out.Err.Message)
	}
	return nil
}
