// Package storefront takes piece submissions from clients, hands them to
// the aggregator and reports when they have landed in a deal.
package storefront

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"

	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/piece"
	"github.com/filecoin-project/dealpipe/queue"
	"github.com/filecoin-project/dealpipe/store"
	"github.com/filecoin-project/dealpipe/workflow"
)

var log = logging.Logger("storefront")

func init() {
	cbor.RegisterCborType(PieceRecord{})
}

const (
	StatusSubmitted = "submitted"
	StatusAccepted  = "accepted"
	StatusInvalid   = "invalid"
)

// PieceRecord tracks a submitted piece.
type PieceRecord struct {
	Piece      piece.Piece
	Content    cid.Cid
	Group      string
	Status     string
	InsertedAt time.Time
	UpdatedAt  time.Time
}

func pieceKey(r *PieceRecord) string { return r.Piece.Link.String() }

func (r PieceRecord) args() api.FilecoinArgs {
	return api.FilecoinArgs{Content: r.Content, Piece: r.Piece, Group: r.Group}
}

type Config struct {
	// PageSize is the number of submitted pieces checked per page by the
	// cron tick.
	PageSize int
}

type Params struct {
	ID           string
	AggregatorID string
	Config       Config

	Clock     clock.Clock
	Datastore datastore.Datastore
	Tasks     *workflow.TaskStore
	Receipts  *workflow.ReceiptStore
	// Submit receives accepted offers for submission to the aggregator.
	Submit   queue.Queue[api.FilecoinArgs]
	Executor *workflow.Executor
}

type Service struct {
	id           string
	aggregatorID string
	cfg          Config
	clk          clock.Clock

	pieces   *store.Records[PieceRecord]
	tasks    *workflow.TaskStore
	receipts *workflow.ReceiptStore
	submit   queue.Queue[api.FilecoinArgs]
	exec     *workflow.Executor
}

func New(p Params) *Service {
	if p.Config.PageSize <= 0 {
		p.Config.PageSize = 100
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	return &Service{
		id:           p.ID,
		aggregatorID: p.AggregatorID,
		cfg:          p.Config,
		clk:          p.Clock,

		pieces:   store.NewRecords[PieceRecord](p.Datastore, "/storefront/pieces", pieceKey),
		tasks:    p.Tasks,
		receipts: p.Receipts,
		submit:   p.Submit,
		exec:     p.Executor,
	}
}

func (s *Service) ID() string { return s.id }

func (s *Service) now() time.Time { return s.clk.Now().UTC() }

// Piece returns the storefront's record of a submitted piece.
func (s *Service) Piece(ctx context.Context, link cid.Cid) (PieceRecord, error) {
	return s.pieces.Get(ctx, link.String())
}

func (s *Service) setStatus(ctx context.Context, link cid.Cid, status string) error {
	_, err := s.pieces.Update(ctx, link.String(), func(r *PieceRecord) error {
		r.Status = status
		r.UpdatedAt = s.now()
		return nil
	})
	return err
}

func (s *Service) SubmitTask(args api.FilecoinArgs) (workflow.Task, error) {
	return workflow.NewTask(s.id, s.id, api.FilecoinSubmit, args)
}

func (s *Service) AcceptTask(args api.FilecoinArgs) (workflow.Task, error) {
	return workflow.NewTask(s.id, s.id, api.FilecoinAccept, args)
}

// PieceOfferTask is the piece/offer invocation sent to the aggregator on
// submission.
func (s *Service) PieceOfferTask(args api.FilecoinArgs) (workflow.Task, error) {
	return workflow.NewTask(s.id, s.aggregatorID, api.PieceOffer, api.PieceArgs{Piece: args.Piece, Group: args.Group})
}
