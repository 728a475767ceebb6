// Package node runs the storefront, aggregator, dealer and deal tracker in
// one process, over a shared datastore and in-process queues.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-state-types/abi"

	"github.com/filecoin-project/dealpipe/aggregator"
	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/dealer"
	"github.com/filecoin-project/dealpipe/dealtracker"
	"github.com/filecoin-project/dealpipe/journal"
	"github.com/filecoin-project/dealpipe/node/config"
	"github.com/filecoin-project/dealpipe/piece"
	"github.com/filecoin-project/dealpipe/queue"
	"github.com/filecoin-project/dealpipe/store"
	"github.com/filecoin-project/dealpipe/storefront"
	"github.com/filecoin-project/dealpipe/workflow"
)

var log = logging.Logger("node")

type settings struct {
	clk     clock.Clock
	ids     Identities
	ds      datastore.Batching
	journal journal.Journal
}

type Option func(*settings)

func WithClock(clk clock.Clock) Option {
	return func(s *settings) { s.clk = clk }
}

func WithIdentities(ids Identities) Option {
	return func(s *settings) { s.ids = ids }
}

// WithDatastore replaces the datastore configured in Storage. The node
// does not close it.
func WithDatastore(ds datastore.Batching) Option {
	return func(s *settings) { s.ds = ds }
}

func WithJournal(j journal.Journal) Option {
	return func(s *settings) { s.journal = j }
}

// runner is a queue consumer.
type runner interface {
	Name() string
	Len() int
	DeadLetterCount() int
	Flush(ctx context.Context) (int, error)
	Run(ctx context.Context)
}

type Node struct {
	cfg *config.Config
	ids Identities
	clk clock.Clock

	blocks   *store.Blocks
	tasks    *workflow.TaskStore
	receipts *workflow.ReceiptStore
	router   *workflow.Router
	journal  journal.Journal

	Storefront *storefront.Service
	Aggregator *aggregator.Service
	Dealer     *dealer.Service
	Tracker    *dealtracker.Service

	queues  []runner
	closers []func() error
}

func New(cfg *config.Config, opts ...Option) (_ *Node, err error) {
	s := settings{
		clk: clock.New(),
		ids: DefaultIdentities(),
	}
	for _, o := range opts {
		o(&s)
	}

	aggCfg, err := AggregatorConfig(cfg.Aggregator)
	if err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg, ids: s.ids, clk: s.clk}
	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	ds := s.ds
	if ds == nil {
		var closeDs func() error
		ds, closeDs, err = openDatastore(cfg.Storage)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, closeDs)
	}

	n.journal = s.journal
	if n.journal == nil {
		n.journal, err = openJournal(cfg.Journal, s.clk)
		if err != nil {
			return nil, xerrors.Errorf("opening journal: %w", err)
		}
		n.closers = append(n.closers, n.journal.Close)
	}

	n.blocks, err = store.NewBlocks(ds, cfg.Storage.BlockCacheSize)
	if err != nil {
		return nil, err
	}
	n.tasks = workflow.NewTaskStore(n.blocks)
	n.receipts = workflow.NewReceiptStore(n.blocks, ds)
	n.router = workflow.NewRouter()
	exec := workflow.NewExecutor(n.tasks, n.receipts, n.router, s.clk)

	qopts := queue.Options{
		BatchSize:   cfg.Queue.BatchSize,
		BatchWait:   time.Duration(cfg.Queue.BatchWait),
		MaxAttempts: cfg.Queue.MaxAttempts,
		Clock:       s.clk,
	}
	bufferOpts := qopts
	bufferOpts.BatchSize = cfg.Aggregator.BufferBatchSize

	submitQ := addQueue(n, queue.NewLocal[api.FilecoinArgs]("submit", func(ctx context.Context, b []api.FilecoinArgs) error {
		return n.Storefront.HandleSubmitMessages(ctx, b)
	}, nil, qopts))
	aq := aggregator.Queues{
		Piece: addQueue(n, queue.NewLocal[aggregator.PieceMessage]("piece", func(ctx context.Context, b []aggregator.PieceMessage) error {
			return n.Aggregator.HandlePieceMessages(ctx, b)
		}, nil, qopts)),
		PieceInsert: addQueue(n, queue.NewLocal[aggregator.PieceRecord]("piece-insert", func(ctx context.Context, b []aggregator.PieceRecord) error {
			return n.Aggregator.HandlePieceInserts(ctx, b)
		}, nil, qopts)),
		Buffer: addQueue(n, queue.NewLocal[aggregator.BufferMessage]("buffer", func(ctx context.Context, b []aggregator.BufferMessage) error {
			return n.Aggregator.HandleBufferMessages(ctx, b)
		}, func(m aggregator.BufferMessage) string { return m.Group }, bufferOpts)),
		AggregateOffer: addQueue(n, queue.NewLocal[aggregator.AggregateOfferMessage]("aggregate-offer", func(ctx context.Context, b []aggregator.AggregateOfferMessage) error {
			return n.Aggregator.HandleAggregateOffers(ctx, b)
		}, nil, qopts)),
		AggregateInsert: addQueue(n, queue.NewLocal[aggregator.AggregateRecord]("aggregate-insert", func(ctx context.Context, b []aggregator.AggregateRecord) error {
			return n.Aggregator.HandleAggregateInserts(ctx, b)
		}, nil, qopts)),
		PieceAccept: addQueue(n, queue.NewLocal[aggregator.PieceAcceptMessage]("piece-accept", func(ctx context.Context, b []aggregator.PieceAcceptMessage) error {
			return n.Aggregator.HandlePieceAccepts(ctx, b)
		}, nil, qopts)),
		InclusionInsert: addQueue(n, queue.NewLocal[aggregator.InclusionRecord]("inclusion-insert", func(ctx context.Context, b []aggregator.InclusionRecord) error {
			return n.Aggregator.HandleInclusionInserts(ctx, b)
		}, nil, qopts)),
	}

	n.Tracker = dealtracker.New(dealtracker.Params{
		ID:        s.ids.Tracker,
		Clock:     s.clk,
		Datastore: ds,
	})
	n.Dealer = dealer.New(dealer.Params{
		ID:        s.ids.Dealer,
		TrackerID: s.ids.Tracker,
		Config: dealer.Config{
			PageSize:        cfg.Dealer.PageSize,
			TrackerAttempts: cfg.Dealer.TrackerAttempts,
			TrackerBackoff:  time.Duration(cfg.Dealer.TrackerBackoff),
		},
		Clock:     s.clk,
		Datastore: ds,
		Tracker:   n.router,
		Executor:  exec,
		Journal:   n.journal,
	})
	n.Aggregator = aggregator.New(aggregator.Params{
		ID:        s.ids.Aggregator,
		DealerID:  s.ids.Dealer,
		Config:    aggCfg,
		Clock:     s.clk,
		Datastore: ds,
		Blocks:    n.blocks,
		Queues:    aq,
		Executor:  exec,
		Journal:   n.journal,
	})
	n.Storefront = storefront.New(storefront.Params{
		ID:           s.ids.Storefront,
		AggregatorID: s.ids.Aggregator,
		Config:       storefront.Config{PageSize: cfg.Storefront.PageSize},
		Clock:        s.clk,
		Datastore:    ds,
		Tasks:        n.tasks,
		Receipts:     n.receipts,
		Submit:       submitQ,
		Executor:     exec,
	})

	n.serve(s.ids.Storefront, s.ids.storefrontPolicy(), n.Storefront.Register)
	n.serve(s.ids.Aggregator, s.ids.aggregatorPolicy(), n.Aggregator.Register)
	n.serve(s.ids.Dealer, s.ids.dealerPolicy(), n.Dealer.Register)
	n.serve(s.ids.Tracker, s.ids.trackerPolicy(), n.Tracker.Register)

	return n, nil
}

func addQueue[T any](n *Node, q *queue.Local[T]) *queue.Local[T] {
	n.queues = append(n.queues, q)
	return q
}

func (n *Node) serve(id string, policy workflow.IssuerPolicy, register func(*workflow.Server)) {
	srv := workflow.NewServer(id, policy, n.tasks, n.receipts)
	register(srv)
	n.router.Register(id, srv)
}

// AggregatorConfig converts the aggregator section of the config and
// checks it.
func AggregatorConfig(c config.Aggregator) (aggregator.Config, error) {
	out := aggregator.Config{
		AggregateConfig: aggregator.AggregateConfig{
			MaxAggregateSize:     abi.PaddedPieceSize(c.MaxAggregateSize),
			MinAggregateSize:     abi.PaddedPieceSize(c.MinAggregateSize),
			MinUtilizationFactor: c.MinUtilizationFactor,
		},
		ProofConcurrency: c.ProofConcurrency,
		OfferLease:       time.Duration(c.OfferLease),
	}
	for _, pp := range c.PrependPieces {
		link, err := cid.Decode(pp.Link)
		if err != nil {
			return aggregator.Config{}, xerrors.Errorf("prepend piece %q: %w", pp.Link, err)
		}
		p, err := piece.New(link, abi.PaddedPieceSize(pp.Size))
		if err != nil {
			return aggregator.Config{}, xerrors.Errorf("prepend piece: %w", err)
		}
		out.PrependPieces = append(out.PrependPieces, aggregator.BufferedPiece{Piece: p, Policy: aggregator.PolicyRetry})
	}
	if err := out.Validate(); err != nil {
		return aggregator.Config{}, xerrors.Errorf("aggregator config: %w", err)
	}
	return out, nil
}

func (n *Node) Identities() Identities { return n.ids }

// Offer submits a piece to the storefront on behalf of issuer.
func (n *Node) Offer(ctx context.Context, issuer string, args api.FilecoinArgs) (workflow.Receipt, error) {
	if args.Group == "" {
		args.Group = n.cfg.Storefront.Group
	}
	t, err := workflow.NewTask(issuer, n.ids.Storefront, api.FilecoinOffer, args)
	if err != nil {
		return workflow.Receipt{}, err
	}
	return n.router.Invoke(ctx, t)
}

// Chain walks the receipt chain starting at task.
func (n *Node) Chain(ctx context.Context, task cid.Cid) (workflow.Chain, error) {
	return workflow.Walk(ctx, n.tasks, n.receipts, task)
}

// Settle flushes the queues until none has pending messages, for at most
// rounds passes over all queues. Messages failing for good are left in the
// dead letters of their queue.
func (n *Node) Settle(ctx context.Context, rounds int) error {
	var errs error
	for i := 0; i < rounds; i++ {
		for _, q := range n.queues {
			if _, err := q.Flush(ctx); err != nil {
				log.Debugw("flush failed", "queue", q.Name(), "error", err)
				errs = err
			}
		}
		if n.pending() == 0 {
			return nil
		}
	}
	return xerrors.Errorf("queues not settled after %d rounds (%d pending): %w", rounds, n.pending(), errs)
}

func (n *Node) pending() int {
	var total int
	for _, q := range n.queues {
		total += q.Len()
	}
	return total
}

// Tick runs the dealer and storefront cron ticks once, in that order.
func (n *Node) Tick(ctx context.Context) error {
	var errs error
	if res, err := n.Dealer.HandleCronTick(ctx); err != nil {
		errs = multierr.Append(errs, xerrors.Errorf("dealer tick: %w", err))
	} else {
		log.Debugw("dealer tick", "updated", res.Updated, "pending", res.Pending)
	}
	if res, err := n.Storefront.HandleCronTick(ctx); err != nil {
		errs = multierr.Append(errs, xerrors.Errorf("storefront tick: %w", err))
	} else {
		log.Debugw("storefront tick", "accepted", res.Accepted, "invalid", res.Invalid, "pending", res.Pending)
	}
	return errs
}

// Run consumes the queues and runs the cron ticks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, q := range n.queues {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Run(ctx)
		}()
	}

	cron := func(name string, interval config.Duration, tick func(context.Context) error) {
		defer wg.Done()
		t := n.clk.Ticker(time.Duration(interval))
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			if err := tick(ctx); err != nil {
				log.Errorf("%s cron tick: %s", name, err)
			}
		}
	}
	wg.Add(2)
	go cron("dealer", n.cfg.Dealer.CronInterval, func(ctx context.Context) error {
		_, err := n.Dealer.HandleCronTick(ctx)
		return err
	})
	go cron("storefront", n.cfg.Storefront.CronInterval, func(ctx context.Context) error {
		_, err := n.Storefront.HandleCronTick(ctx)
		return err
	})

	log.Infow("node running", "storefront", n.ids.Storefront, "aggregator", n.ids.Aggregator, "dealer", n.ids.Dealer)
	wg.Wait()
}

// DeadLetters counts the messages given up on, per queue.
func (n *Node) DeadLetters() map[string]int {
	out := map[string]int{}
	for _, q := range n.queues {
		if c := q.DeadLetterCount(); c > 0 {
			out[q.Name()] = c
		}
	}
	return out
}

func (n *Node) Close() error {
	var errs error
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, n.closers[i]())
	}
	n.closers = nil
	return errs
}
