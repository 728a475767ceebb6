package aggregator

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"

	"github.com/filecoin-project/dealpipe/journal"
	"github.com/filecoin-project/dealpipe/queue"
	"github.com/filecoin-project/dealpipe/store"
	"github.com/filecoin-project/dealpipe/workflow"
)

var log = logging.Logger("aggregator")

type Config struct {
	AggregateConfig

	// ProofConcurrency bounds the inclusion proofs computed in parallel for
	// one aggregate.
	ProofConcurrency int
	// OfferLease is how long a piece/offer receipt stays valid before the
	// offer may be repeated.
	OfferLease time.Duration
}

// Queues are the queues the aggregator feeds. Store insert events are
// modelled as queues too.
type Queues struct {
	Piece           queue.Queue[PieceMessage]
	PieceInsert     queue.Queue[PieceRecord]
	Buffer          queue.Queue[BufferMessage]
	AggregateOffer  queue.Queue[AggregateOfferMessage]
	AggregateInsert queue.Queue[AggregateRecord]
	PieceAccept     queue.Queue[PieceAcceptMessage]
	InclusionInsert queue.Queue[InclusionRecord]
}

type Params struct {
	ID       string
	DealerID string
	Config   Config

	Clock     clock.Clock
	Datastore datastore.Datastore
	Blocks    *store.Blocks
	Queues    Queues
	// Executor invokes dealer abilities and self-issued tasks.
	Executor *workflow.Executor
	Journal  journal.Journal
}

type Service struct {
	id       string
	dealerID string
	cfg      Config
	clk      clock.Clock

	blocks     *store.Blocks
	pieces     *store.Records[PieceRecord]
	aggregates *store.Records[AggregateRecord]
	inclusions *store.Records[InclusionRecord]

	queues Queues
	exec   *workflow.Executor

	journal         journal.Journal
	evtPieceAccept  journal.EventType
	evtAggregateNew journal.EventType
}

func New(p Params) *Service {
	if p.Config.ProofConcurrency <= 0 {
		p.Config.ProofConcurrency = 10
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	return &Service{
		id:       p.ID,
		dealerID: p.DealerID,
		cfg:      p.Config,
		clk:      p.Clock,

		blocks:     p.Blocks,
		pieces:     store.NewRecords[PieceRecord](p.Datastore, "/aggregator/pieces", pieceKey),
		aggregates: store.NewRecords[AggregateRecord](p.Datastore, "/aggregator/aggregates", aggregateKey),
		inclusions: store.NewRecords[InclusionRecord](p.Datastore, "/aggregator/inclusions", inclusionKey),

		queues: p.Queues,
		exec:   p.Executor,

		journal:         p.Journal,
		evtPieceAccept:  journal.Register(p.Journal, "piece", "accepted"),
		evtAggregateNew: journal.Register(p.Journal, "aggregate", "built"),
	}
}

func (s *Service) ID() string { return s.id }

func (s *Service) now() time.Time {
	return s.clk.Now().UTC()
}

// Piece returns the aggregator's record of a piece.
func (s *Service) Piece(ctx context.Context, link cid.Cid) (PieceRecord, error) {
	return s.pieces.Get(ctx, link.String())
}

func (s *Service) Aggregate(ctx context.Context, link cid.Cid) (AggregateRecord, error) {
	return s.aggregates.Get(ctx, link.String())
}

func (s *Service) Inclusion(ctx context.Context, pieceLink cid.Cid) (InclusionRecord, error) {
	return s.inclusions.Get(ctx, pieceLink.String())
}
