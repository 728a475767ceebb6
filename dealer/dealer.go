// Package dealer accepts aggregate offers and reconciles them with the
// deals reported by the deal tracker.
package dealer

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"

	"github.com/filecoin-project/go-state-types/abi"

	"github.com/filecoin-project/dealpipe/journal"
	"github.com/filecoin-project/dealpipe/piece"
	"github.com/filecoin-project/dealpipe/store"
	"github.com/filecoin-project/dealpipe/workflow"
)

var log = logging.Logger("dealer")

func init() {
	cbor.RegisterCborType(AggregateRecord{})
}

const (
	StatusOffered  = "offered"
	StatusAccepted = "accepted"
)

// AggregateRecord tracks an offered aggregate until a deal for it appears.
type AggregateRecord struct {
	Aggregate  piece.Piece
	Pieces     cid.Cid
	Status     string
	DealID     abi.DealID
	Provider   string
	InsertedAt time.Time
	UpdatedAt  time.Time
}

func aggregateKey(r *AggregateRecord) string { return r.Aggregate.Link.String() }

type Config struct {
	// PageSize is the number of offered aggregates reconciled per page.
	PageSize int
	// TrackerAttempts bounds the deal/info calls made for one aggregate
	// when the tracker fails with a retryable error.
	TrackerAttempts int
	TrackerBackoff  time.Duration
}

type Params struct {
	ID        string
	TrackerID string
	Config    Config

	Clock     clock.Clock
	Datastore datastore.Datastore
	// Tracker delivers deal/info to the deal tracker. Deal info is never
	// memoized.
	Tracker  workflow.Invoker
	Executor *workflow.Executor
	Journal  journal.Journal
}

type Service struct {
	id        string
	trackerID string
	cfg       Config
	clk       clock.Clock

	aggregates *store.Records[AggregateRecord]
	tracker    workflow.Invoker
	exec       *workflow.Executor

	journal     journal.Journal
	evtOffered  journal.EventType
	evtAccepted journal.EventType
}

func New(p Params) *Service {
	if p.Config.PageSize <= 0 {
		p.Config.PageSize = 100
	}
	if p.Config.TrackerAttempts <= 0 {
		p.Config.TrackerAttempts = 1
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	return &Service{
		id:        p.ID,
		trackerID: p.TrackerID,
		cfg:       p.Config,
		clk:       p.Clock,

		aggregates: store.NewRecords[AggregateRecord](p.Datastore, "/dealer/aggregates", aggregateKey),
		tracker:    p.Tracker,
		exec:       p.Executor,

		journal:     p.Journal,
		evtOffered:  journal.Register(p.Journal, "aggregate", "offered"),
		evtAccepted: journal.Register(p.Journal, "aggregate", "accepted"),
	}
}

func (s *Service) ID() string { return s.id }

func (s *Service) now() time.Time { return s.clk.Now().UTC() }

// Aggregate returns the dealer's record of an offered aggregate.
func (s *Service) Aggregate(ctx context.Context, link cid.Cid) (AggregateRecord, error) {
	return s.aggregates.Get(ctx, link.String())
}
