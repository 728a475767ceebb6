package aggregate

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-commp-utils/v2"
	"github.com/filecoin-project/go-commp-utils/v2/zerocomm"
	commcid "github.com/filecoin-project/go-fil-commcid"
	"github.com/filecoin-project/go-state-types/abi"

	"github.com/filecoin-project/dealpipe/lib/cborutil"
	"github.com/filecoin-project/dealpipe/piece"
	"github.com/filecoin-project/dealpipe/piece/piecetest"
)

func TestZeroNodes(t *testing.T) {
	for h := 2; h <= 20; h++ {
		expected := zerocomm.ZeroPieceCommitment(piece.SizeOf(h).Unpadded())
		raw, err := commcid.CIDToPieceCommitmentV1(expected)
		require.NoError(t, err)

		zn := ZeroNode(h)
		require.Equal(t, raw, zn[:], "height %d", h)
	}
}

func TestMaxIndexEntries(t *testing.T) {
	require.EqualValues(t, 4, MaxIndexEntries(2048))
	require.EqualValues(t, 4, MaxIndexEntries(1<<15))
	require.EqualValues(t, 8, MaxIndexEntries(1<<20))
	require.EqualValues(t, 1<<18, MaxIndexEntries(1<<35))

	require.EqualValues(t, 1<<15-4*EntrySize, IndexStart(1<<15))
}

func TestDataTreeMatchesAggregateCommP(t *testing.T) {
	const size = abi.PaddedPieceSize(2048)

	sizes := []abi.PaddedPieceSize{128, 256, 512, 128}
	offsets := []uint64{0, 256, 512, 1024}

	tr := newTree(piece.HeightOf(size))
	var infos []abi.PieceInfo
	for i, sz := range sizes {
		p := piecetest.Random(t, sz)
		comm, err := p.Commitment()
		require.NoError(t, err)

		tr.set(p.Height(), offsets[i]/uint64(sz), comm)
		infos = append(infos, abi.PieceInfo{Size: p.Size, PieceCID: p.Link})
	}
	tr.build()

	pcid, psz, err := commp.PieceAggregateCommP(abi.RegisteredSealProof_StackedDrg2KiBV1_1, infos)
	require.NoError(t, err)
	expected, err := commp.ZeroPadPieceCommitment(pcid, psz.Unpadded(), size.Unpadded())
	require.NoError(t, err)

	raw, err := commcid.CIDToPieceCommitmentV1(expected)
	require.NoError(t, err)
	root := tr.root()
	require.Equal(t, raw, root[:])
}

func TestBuilderAlignment(t *testing.T) {
	b, err := NewBuilder(2048)
	require.NoError(t, err)

	require.NoError(t, b.Write(piecetest.Random(t, 128)))
	require.NoError(t, b.Write(piecetest.Random(t, 256)))
	require.NoError(t, b.Write(piecetest.Random(t, 128)))

	agg, err := b.Build()
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 256, 512}, []uint64{agg.Segments[0].Offset, agg.Segments[1].Offset, agg.Segments[2].Offset})
	require.EqualValues(t, 640, b.DataBytes())
	require.EqualValues(t, 640+4*EntrySize, b.BytesUsed())
}

func TestBuilderCapacity(t *testing.T) {
	t.Run("data limit", func(t *testing.T) {
		b, err := NewBuilder(2048)
		require.NoError(t, err)

		require.NoError(t, b.Write(piecetest.Random(t, 1024)))
		err = b.Write(piecetest.Random(t, 1024))
		require.True(t, xerrors.Is(err, ErrInsufficientCapacity), err)

		// smaller pieces still fit after a rejected one
		require.NoError(t, b.Write(piecetest.Random(t, 512)))
		require.Equal(t, 2, b.Len())
	})

	t.Run("index full", func(t *testing.T) {
		b, err := NewBuilder(2048)
		require.NoError(t, err)

		for _, p := range piecetest.RandomN(t, 4, 128) {
			require.NoError(t, b.Write(p))
		}
		err = b.Write(piecetest.Random(t, 128))
		require.True(t, xerrors.Is(err, ErrInsufficientCapacity), err)
	})

	t.Run("too small", func(t *testing.T) {
		_, err := NewBuilder(256)
		require.Error(t, err)
		_, err = NewBuilder(1000)
		require.Error(t, err)
	})
}

func TestEmptyAggregate(t *testing.T) {
	b, err := NewBuilder(4096)
	require.NoError(t, err)
	agg, err := b.Build()
	require.NoError(t, err)

	raw, err := commcid.CIDToPieceCommitmentV1(agg.Link)
	require.NoError(t, err)
	zn := ZeroNode(piece.HeightOf(4096))
	require.Equal(t, zn[:], raw)
}

func TestInclusionProofs(t *testing.T) {
	b, err := NewBuilder(1 << 15)
	require.NoError(t, err)

	pieces := []piece.Piece{
		piecetest.Random(t, 512),
		piecetest.Random(t, 2048),
		piecetest.Random(t, 128),
		piecetest.Random(t, 4096),
	}
	for _, p := range pieces {
		require.NoError(t, b.Write(p))
	}
	agg, err := b.Build()
	require.NoError(t, err)
	require.Equal(t, pieces, agg.Pieces())

	for _, p := range pieces {
		proof, err := agg.ProveInclusion(p.Link)
		require.NoError(t, err)
		require.NoError(t, VerifyInclusion(agg.Piece(), p, proof))
	}

	t.Run("wrong piece", func(t *testing.T) {
		proof, err := agg.ProveInclusion(pieces[0].Link)
		require.NoError(t, err)
		other := piecetest.Random(t, 512)
		require.Error(t, VerifyInclusion(agg.Piece(), other, proof))
	})

	t.Run("tampered path", func(t *testing.T) {
		proof, err := agg.ProveInclusion(pieces[1].Link)
		require.NoError(t, err)
		proof.Subtree.Path[0][0] ^= 0x01
		require.Error(t, VerifyInclusion(agg.Piece(), pieces[1], proof))
	})

	t.Run("wrong offset", func(t *testing.T) {
		proof, err := agg.ProveInclusion(pieces[2].Link)
		require.NoError(t, err)
		proof.Index.Index++
		require.Error(t, VerifyInclusion(agg.Piece(), pieces[2], proof))
	})

	t.Run("unknown piece", func(t *testing.T) {
		_, err := agg.ProveInclusion(piecetest.Random(t, 128).Link)
		require.Error(t, err)
	})

	t.Run("encoding", func(t *testing.T) {
		proof, err := agg.ProveInclusion(pieces[3].Link)
		require.NoError(t, err)

		raw, err := cborutil.Dump(proof)
		require.NoError(t, err)
		var decoded InclusionProof
		require.NoError(t, cborutil.Decode(raw, &decoded))
		require.Equal(t, proof, decoded)
		require.NoError(t, VerifyInclusion(agg.Piece(), pieces[3], decoded))
	})
}

func TestEntryChecksum(t *testing.T) {
	e := NewEntry(ZeroNode(3), 1024, 256)
	require.True(t, e.Valid())
	e.Offset = 2048
	require.False(t, e.Valid())
}
