package node

import (
	"context"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-state-types/abi"

	"github.com/filecoin-project/dealpipe/aggregate"
	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/dealer"
	"github.com/filecoin-project/dealpipe/node/config"
	"github.com/filecoin-project/dealpipe/piece/piecetest"
	"github.com/filecoin-project/dealpipe/storefront"
	"github.com/filecoin-project/dealpipe/workflow"
)

const client = "did:key:client"

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.InMemory = true
	cfg.Journal.Path = ""
	cfg.Aggregator.MaxAggregateSize = 16 << 10
	cfg.Aggregator.MinAggregateSize = 4 << 10
	cfg.Aggregator.MinUtilizationFactor = 4
	return cfg
}

func TestNodeEndToEnd(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	n, err := New(testConfig(), WithClock(clk))
	require.NoError(t, err)
	defer n.Close() //nolint:errcheck

	pieces := piecetest.RandomN(t, 4, 1024)
	offers := make([]api.FilecoinArgs, len(pieces))
	for i, p := range pieces {
		offers[i] = api.FilecoinArgs{Content: piecetest.Random(t, 128).Link, Piece: p, Group: n.cfg.Storefront.Group}
		r, err := n.Offer(ctx, client, offers[i])
		require.NoError(t, err)
		require.Nil(t, r.Out.Err)
	}
	require.NoError(t, n.Settle(ctx, 10))
	require.Empty(t, n.DeadLetters())

	// every piece reached the dealer in one aggregate
	offer, err := n.Storefront.PieceOfferTask(offers[0])
	require.NoError(t, err)
	oc, err := offer.Cid()
	require.NoError(t, err)
	chain, err := n.Chain(ctx, oc)
	require.NoError(t, err)
	require.False(t, chain.Complete)
	step, ok := chain.Find(api.AggregateOffer)
	require.True(t, ok)
	var aggArgs api.AggregateArgs
	require.NoError(t, step.Task.DecodeArgs(&aggArgs))

	rec, err := n.Dealer.Aggregate(ctx, aggArgs.Aggregate.Link)
	require.NoError(t, err)
	require.Equal(t, dealer.StatusOffered, rec.Status)

	require.NoError(t, n.Tick(ctx))
	for _, args := range offers {
		pr, err := n.Storefront.Piece(ctx, args.Piece.Link)
		require.NoError(t, err)
		require.Equal(t, storefront.StatusSubmitted, pr.Status)
	}

	require.NoError(t, n.Tracker.PutDeal(ctx, aggArgs.Aggregate.Link, 1138, "f01000"))
	require.NoError(t, n.Tick(ctx))

	rec, err = n.Dealer.Aggregate(ctx, aggArgs.Aggregate.Link)
	require.NoError(t, err)
	require.Equal(t, dealer.StatusAccepted, rec.Status)
	require.EqualValues(t, 1138, rec.DealID)

	for _, args := range offers {
		pr, err := n.Storefront.Piece(ctx, args.Piece.Link)
		require.NoError(t, err)
		require.Equal(t, storefront.StatusAccepted, pr.Status)

		res, err := n.Storefront.Accepted(ctx, args)
		require.NoError(t, err)
		require.Equal(t, aggArgs.Aggregate, res.Aggregate)
		require.Equal(t, abi.DealID(1138), res.DealID)
		require.NoError(t, aggregate.VerifyInclusion(res.Aggregate, args.Piece, res.Inclusion))
	}
}

func TestSubmitRequiresStorefront(t *testing.T) {
	ctx := context.Background()
	n, err := New(testConfig())
	require.NoError(t, err)
	defer n.Close() //nolint:errcheck

	args := api.FilecoinArgs{
		Content: piecetest.Random(t, 128).Link,
		Piece:   piecetest.Random(t, 1024),
		Group:   n.cfg.Storefront.Group,
	}
	task, err := workflow.NewTask(client, n.Identities().Storefront, api.FilecoinSubmit, args)
	require.NoError(t, err)
	r, err := n.router.Invoke(ctx, task)
	require.NoError(t, err)
	require.NotNil(t, r.Out.Err)
	require.Equal(t, api.Unauthorized, r.Out.Err.Kind)
}

func TestAggregatorConfig(t *testing.T) {
	c := testConfig().Aggregator
	c.PrependPieces = []config.PrependPiece{{Link: piecetest.Random(t, 256).Link.String(), Size: 256}}
	out, err := AggregatorConfig(c)
	require.NoError(t, err)
	require.Len(t, out.PrependPieces, 1)
	require.EqualValues(t, 256, out.PrependPieces[0].Piece.Size)

	c.PrependPieces = []config.PrependPiece{{Link: "not a cid", Size: 256}}
	_, err = AggregatorConfig(c)
	require.Error(t, err)

	c.PrependPieces = nil
	c.MinAggregateSize = c.MaxAggregateSize * 2
	_, err = AggregatorConfig(c)
	require.Error(t, err)
}

func TestOnDiskRepo(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Path = t.TempDir()
	cfg.Journal.Path = t.TempDir()

	n, err := New(cfg)
	require.NoError(t, err)

	args := api.FilecoinArgs{Content: piecetest.Random(t, 128).Link, Piece: piecetest.Random(t, 1024)}
	_, err = n.Offer(context.Background(), client, args)
	require.NoError(t, err)
	require.NoError(t, n.Close())

	n, err = New(cfg)
	require.NoError(t, err)
	defer n.Close() //nolint:errcheck

	_, err = New(cfg)
	require.Error(t, err)

	pr, err := n.Storefront.Piece(context.Background(), args.Piece.Link)
	require.NoError(t, err)
	require.Equal(t, storefront.StatusSubmitted, pr.Status)
}

func TestBadgerRepo(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Path = t.TempDir()
	cfg.Storage.Backend = "badger"

	n, err := New(cfg)
	require.NoError(t, err)
	defer n.Close() //nolint:errcheck

	args := api.FilecoinArgs{Content: piecetest.Random(t, 128).Link, Piece: piecetest.Random(t, 1024), Group: cfg.Storefront.Group}
	_, err = n.Offer(context.Background(), client, args)
	require.NoError(t, err)
	pr, err := n.Storefront.Piece(context.Background(), args.Piece.Link)
	require.NoError(t, err)
	require.Equal(t, args.Piece, pr.Piece)
}

func TestUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Path = t.TempDir()
	cfg.Storage.Backend = "sqlite"
	_, err := New(cfg)
	require.Error(t, err)
}
