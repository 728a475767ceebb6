package aggregator

import (
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-state-types/abi"

	"github.com/filecoin-project/dealpipe/aggregate"
	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/piece"
	"github.com/filecoin-project/dealpipe/piece/piecetest"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func buffered(t *testing.T, n int, size abi.PaddedPieceSize, policy int) []BufferedPiece {
	out := make([]BufferedPiece, n)
	for i, p := range piecetest.RandomN(t, n, size) {
		out[i] = BufferedPiece{Piece: p, InsertedAt: epoch.Add(time.Duration(i) * time.Second), Policy: policy}
	}
	return out
}

func links(pieces []BufferedPiece) []string {
	return lo.Map(pieces, func(p BufferedPiece, _ int) string { return p.Piece.Link.String() })
}

func TestAggregatePiecesUtilizationFloor(t *testing.T) {
	candidates := buffered(t, 3, 1024, PolicyInsertion)

	// 3KiB < 32KiB / 10, regardless of the minimum size
	res, err := AggregatePieces(candidates, AggregateConfig{
		MaxAggregateSize:     1 << 15,
		MinAggregateSize:     0,
		MinUtilizationFactor: 10,
	})
	require.NoError(t, err)
	require.Nil(t, res)

	res, err = AggregatePieces(candidates, AggregateConfig{
		MaxAggregateSize:     1 << 15,
		MinUtilizationFactor: 16,
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Len(t, res.Used, 3)
}

func TestAggregatePiecesMinimumSize(t *testing.T) {
	candidates := buffered(t, 2, 512, PolicyInsertion)

	// fits, but 1KiB of data plus a 256 byte index is below 4KiB
	res, err := AggregatePieces(candidates, AggregateConfig{
		MaxAggregateSize:     1 << 13,
		MinAggregateSize:     1 << 12,
		MinUtilizationFactor: 8,
	})
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestAggregatePiecesPartition(t *testing.T) {
	var candidates []BufferedPiece
	for _, sz := range []abi.PaddedPieceSize{128, 4096, 256, 2048, 128, 1024, 512, 8192} {
		candidates = append(candidates, buffered(t, 1, sz, PolicyInsertion)...)
	}
	cfg := AggregateConfig{
		MaxAggregateSize:     1 << 15,
		MinAggregateSize:     1 << 10,
		MinUtilizationFactor: 4,
	}

	res, err := AggregatePieces(candidates, cfg)
	require.NoError(t, err)
	require.NotNil(t, res)

	require.ElementsMatch(t, links(candidates), append(links(res.Used), links(res.Remaining)...))
	require.LessOrEqual(t, res.BytesUsed, uint64(cfg.MaxAggregateSize))
	require.GreaterOrEqual(t, res.BytesUsed, uint64(cfg.MinAggregateSize))
	require.Equal(t, links(res.Used), lo.Map(res.Aggregate.Pieces(), func(p piece.Piece, _ int) string { return p.Link.String() }))

	// the index holds four entries, so the four smallest pieces win
	require.Len(t, res.Used, 4)
	for _, p := range res.Used {
		require.LessOrEqual(t, p.Piece.Size, abi.PaddedPieceSize(512))
	}
}

func TestAggregatePiecesOrder(t *testing.T) {
	small := buffered(t, 2, 128, PolicyRetry)
	large := buffered(t, 2, 1024, PolicyInsertion)
	mid := buffered(t, 1, 512, PolicyInsertion)

	res, err := AggregatePieces(append(append(small, large...), mid...), AggregateConfig{
		MaxAggregateSize:     1 << 16,
		MinUtilizationFactor: 64,
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	// policy first, then smaller pieces first
	require.Equal(t, links([]BufferedPiece{mid[0], large[0], large[1], small[0]}), links(res.Used))
	require.Equal(t, links(small[1:]), links(res.Remaining))
}

func TestAggregatePiecesPrepend(t *testing.T) {
	prepend := buffered(t, 1, 1024, PolicyRetry)
	candidates := buffered(t, 6, 512, PolicyInsertion)
	cfg := AggregateConfig{
		MaxAggregateSize:     1 << 15,
		MinUtilizationFactor: 16,
		PrependPieces:        prepend,
	}

	t.Run("always used first", func(t *testing.T) {
		res, err := AggregatePieces(append(candidates, prepend...), cfg)
		require.NoError(t, err)
		require.NotNil(t, res)
		require.Equal(t, links(prepend), links(res.Used[:1]))
		require.Len(t, res.Used, 4)
		require.Len(t, res.Remaining, 3)
		require.NotContains(t, links(res.Remaining), links(prepend)[0])
	})

	t.Run("overflow is fatal", func(t *testing.T) {
		cfg := cfg
		cfg.PrependPieces = buffered(t, 5, 128, PolicyRetry)
		_, err := AggregatePieces(candidates, cfg)
		require.Error(t, err)
		require.Equal(t, api.UnexpectedState, api.KindOf(err))
		require.False(t, api.Retryable(err))
	})
}

func TestAggregatePiecesEdgeCases(t *testing.T) {
	cfg := AggregateConfig{MaxAggregateSize: 1 << 15, MinUtilizationFactor: 10}

	_, err := AggregatePieces(nil, cfg)
	require.Equal(t, api.UnexpectedState, api.KindOf(err))

	_, err = AggregatePieces(buffered(t, 1, 128, 0), AggregateConfig{MaxAggregateSize: 1000, MinUtilizationFactor: 1})
	require.Equal(t, api.InvalidArgument, api.KindOf(err))

	_, err = AggregatePieces(buffered(t, 1, 128, 0), AggregateConfig{MaxAggregateSize: 1 << 15})
	require.Equal(t, api.InvalidArgument, api.KindOf(err))

	// duplicates count once
	ps := buffered(t, 2, 2048, PolicyInsertion)
	res, err := AggregatePieces(append(ps, ps...), cfg)
	require.NoError(t, err)
	require.Len(t, res.Used, 2)
	require.Empty(t, res.Remaining)
}

func TestAggregatePiecesNothingPlaced(t *testing.T) {
	cfg := AggregateConfig{MaxAggregateSize: 1 << 15, MinUtilizationFactor: 1}

	// too large for the data area, but heavy enough for the utilization floor
	res, err := AggregatePieces(buffered(t, 1, 1<<16, PolicyInsertion), cfg)
	require.NoError(t, err)
	require.Nil(t, res)

	cfg.PrependPieces = buffered(t, 1, 128, PolicyRetry)
	res, err = AggregatePieces(buffered(t, 1, 1<<16, PolicyInsertion), cfg)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestAggregatePiecesSingleAggregateSizes(t *testing.T) {
	cases := map[string]struct {
		size  abi.PaddedPieceSize
		count int
		max   abi.PaddedPieceSize
		used  int
	}{
		"exact fill": {size: 2048, count: 4, max: 1 << 15, used: 4},
		"index full": {size: 128, count: 9, max: 1 << 15, used: 4},
		"data full":  {size: 16384, count: 2, max: 1 << 15, used: 1},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := AggregatePieces(buffered(t, tc.count, tc.size, 0), AggregateConfig{
				MaxAggregateSize:     tc.max,
				MinUtilizationFactor: 1 << 10,
			})
			require.NoError(t, err)
			require.NotNil(t, res)
			require.Len(t, res.Used, tc.used)
			require.Len(t, res.Remaining, tc.count-tc.used)
			require.Equal(t, res.BytesUsed, alignedEnd(res.Used)+aggregate.MaxIndexEntries(tc.max)*aggregate.EntrySize)
		})
	}
}

func alignedEnd(pieces []BufferedPiece) uint64 {
	var off uint64
	for _, p := range pieces {
		sz := uint64(p.Piece.Size)
		off = (off+sz-1)/sz*sz + sz
	}
	return off
}
