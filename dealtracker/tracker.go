// Package dealtracker keeps the on-chain deals known for aggregates and
// answers deal/info.
package dealtracker

import (
	"context"
	"strconv"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-state-types/abi"

	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/store"
	"github.com/filecoin-project/dealpipe/workflow"
)

var log = logging.Logger("dealtracker")

func init() {
	cbor.RegisterCborType(DealRecord{})
}

// DealRecord is chain evidence of a deal for an aggregate.
type DealRecord struct {
	Aggregate  cid.Cid
	DealID     abi.DealID
	Provider   string
	InsertedAt time.Time
}

func dealKey(d *DealRecord) string {
	return d.Aggregate.String() + "/" + strconv.FormatUint(uint64(d.DealID), 10)
}

type Params struct {
	ID        string
	Clock     clock.Clock
	Datastore datastore.Datastore
}

type Service struct {
	id    string
	clk   clock.Clock
	deals *store.Records[DealRecord]
}

func New(p Params) *Service {
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	return &Service{
		id:    p.ID,
		clk:   p.Clock,
		deals: store.NewRecords[DealRecord](p.Datastore, "/dealtracker/deals", dealKey),
	}
}

func (s *Service) ID() string { return s.id }

func (s *Service) Register(srv *workflow.Server) {
	workflow.Provide(srv, api.DealInfo, s.dealInfo)
}

// PutDeal records a deal for aggregate. Recording the same deal again is a
// no-op.
func (s *Service) PutDeal(ctx context.Context, aggregate cid.Cid, id abi.DealID, provider string) error {
	if !aggregate.Defined() {
		return api.Errorf(api.InvalidArgument, "deal %d has no aggregate", id)
	}
	inserted, err := s.deals.Insert(ctx, DealRecord{
		Aggregate:  aggregate,
		DealID:     id,
		Provider:   provider,
		InsertedAt: s.clk.Now().UTC(),
	})
	if err != nil {
		return xerrors.Errorf("recording deal %d: %w", id, err)
	}
	if inserted {
		log.Infow("deal recorded", "aggregate", aggregate, "deal", id, "provider", provider)
	}
	return nil
}

// Deals returns the deals known for aggregate keyed by decimal deal ID.
func (s *Service) Deals(ctx context.Context, aggregate cid.Cid) (map[string]api.DealDetails, error) {
	deals := map[string]api.DealDetails{}
	page := store.Page{Size: 100}
	for {
		res, err := s.deals.Query(ctx, func(d *DealRecord) bool {
			return d.Aggregate.Equals(aggregate)
		}, page)
		if err != nil {
			return nil, xerrors.Errorf("querying deals of %s: %w", aggregate, err)
		}
		for _, d := range res.Results {
			deals[strconv.FormatUint(uint64(d.DealID), 10)] = api.DealDetails{Provider: d.Provider}
		}
		if res.Cursor == "" {
			return deals, nil
		}
		page.Cursor = res.Cursor
	}
}

func (s *Service) dealInfo(ctx context.Context, _ workflow.Invocation, args api.DealInfoArgs) (workflow.Outcome[api.DealInfoResult], error) {
	if !args.Piece.Defined() {
		return workflow.Outcome[api.DealInfoResult]{}, api.Errorf(api.InvalidArgument, "deal/info without piece")
	}
	deals, err := s.Deals(ctx, args.Piece)
	if err != nil {
		return workflow.Outcome[api.DealInfoResult]{}, err
	}
	return workflow.Ok(api.DealInfoResult{Deals: deals}), nil
}
