package aggregator

import (
	"sort"

	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-state-types/abi"

	"github.com/filecoin-project/dealpipe/aggregate"
	"github.com/filecoin-project/dealpipe/api"
)

// AggregateConfig bounds the aggregates produced by AggregatePieces.
type AggregateConfig struct {
	MaxAggregateSize abi.PaddedPieceSize
	MinAggregateSize abi.PaddedPieceSize
	// The candidates must weigh at least MaxAggregateSize divided by this
	// factor before packing is attempted.
	MinUtilizationFactor uint64
	// PrependPieces are written first, in order, into every aggregate.
	PrependPieces []BufferedPiece
}

func (c AggregateConfig) Validate() error {
	if err := c.MaxAggregateSize.Validate(); err != nil {
		return xerrors.Errorf("max aggregate size: %w", err)
	}
	if c.MinAggregateSize > c.MaxAggregateSize {
		return xerrors.Errorf("min aggregate size %d exceeds max aggregate size %d", c.MinAggregateSize, c.MaxAggregateSize)
	}
	if c.MinUtilizationFactor < 1 {
		return xerrors.Errorf("min utilization factor must be at least 1")
	}
	return nil
}

type AggregateResult struct {
	// Used holds the prepend pieces followed by the candidates placed in
	// the aggregate, in placement order.
	Used      []BufferedPiece
	Remaining []BufferedPiece
	Aggregate *aggregate.Aggregate
	// BytesUsed counts the data area up to the last piece and the reserved
	// index area.
	BytesUsed uint64
}

// SortPieces orders pieces for packing: by policy, then height, then
// insertion time and link so that the order is total.
func SortPieces(pieces []BufferedPiece) []BufferedPiece {
	out := append([]BufferedPiece(nil), pieces...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Policy != b.Policy {
			return a.Policy < b.Policy
		}
		if ha, hb := a.Piece.Height(), b.Piece.Height(); ha != hb {
			return ha < hb
		}
		if !a.InsertedAt.Equal(b.InsertedAt) {
			return a.InsertedAt.Before(b.InsertedAt)
		}
		return a.Piece.Link.KeyString() < b.Piece.Link.KeyString()
	})
	return out
}

// DedupePieces keeps the first occurrence of every piece link.
func DedupePieces(pieces []BufferedPiece) []BufferedPiece {
	return lo.UniqBy(pieces, func(p BufferedPiece) string { return p.Piece.Link.KeyString() })
}

// AggregatePieces packs candidates into a single aggregate. It returns nil
// without error when the candidates are too light to be worth packing or
// the packed aggregate would be smaller than the minimum size or hold none
// of them.
func AggregatePieces(candidates []BufferedPiece, cfg AggregateConfig) (*AggregateResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, api.Wrap(api.InvalidArgument, err, "aggregate config")
	}

	prepend := lo.SliceToMap(cfg.PrependPieces, func(p BufferedPiece) (string, struct{}) {
		return p.Piece.Link.KeyString(), struct{}{}
	})
	candidates = lo.Filter(DedupePieces(candidates), func(p BufferedPiece, _ int) bool {
		_, ok := prepend[p.Piece.Link.KeyString()]
		return !ok
	})
	if len(candidates) == 0 {
		return nil, api.Errorf(api.UnexpectedState, "no candidate pieces to aggregate")
	}

	var total uint64
	for _, p := range candidates {
		total += uint64(p.Piece.Size)
	}
	if total < uint64(cfg.MaxAggregateSize)/cfg.MinUtilizationFactor {
		return nil, nil
	}

	b, err := aggregate.NewBuilder(cfg.MaxAggregateSize)
	if err != nil {
		return nil, api.Wrap(api.InvalidArgument, err, "aggregate builder")
	}

	res := &AggregateResult{}
	for _, p := range cfg.PrependPieces {
		if err := b.Write(p.Piece); err != nil {
			return nil, api.Wrap(api.UnexpectedState, err, "writing prepend piece "+p.Piece.Link.String())
		}
		res.Used = append(res.Used, p)
	}

	for _, p := range SortPieces(candidates) {
		err := b.Write(p.Piece)
		switch {
		case err == nil:
			res.Used = append(res.Used, p)
		case xerrors.Is(err, aggregate.ErrInsufficientCapacity):
			res.Remaining = append(res.Remaining, p)
		default:
			return nil, api.Wrap(api.UnexpectedState, err, "writing piece "+p.Piece.Link.String())
		}
	}

	if len(res.Used) == len(cfg.PrependPieces) {
		return nil, nil
	}

	res.BytesUsed = b.BytesUsed()
	if res.BytesUsed < uint64(cfg.MinAggregateSize) {
		return nil, nil
	}

	res.Aggregate, err = b.Build()
	if err != nil {
		return nil, api.Wrap(api.UnexpectedState, err, "building aggregate")
	}
	return res, nil
}
