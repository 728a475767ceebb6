package piece_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-state-types/abi"

	"github.com/filecoin-project/dealpipe/lib/cborutil"
	"github.com/filecoin-project/dealpipe/piece"
	"github.com/filecoin-project/dealpipe/piece/piecetest"
)

func TestHeight(t *testing.T) {
	require.Equal(t, 2, piece.HeightOf(128))
	require.Equal(t, 5, piece.HeightOf(1024))
	require.Equal(t, 30, piece.HeightOf(32<<30))
	for h := 2; h < 35; h++ {
		require.Equal(t, h, piece.HeightOf(piece.SizeOf(h)))
	}
}

func TestValidate(t *testing.T) {
	p := piecetest.Random(t, 512)
	require.NoError(t, p.Validate())
	require.Equal(t, 4, p.Height())

	_, err := piece.New(p.Link, 500)
	require.Error(t, err)

	raw, err := cid.Parse("bafkqaaa")
	require.NoError(t, err)
	_, err = piece.New(raw, 512)
	require.Error(t, err)
}

func TestCommitmentRoundTrip(t *testing.T) {
	p := piecetest.Random(t, abi.PaddedPieceSize(2048))
	comm, err := p.Commitment()
	require.NoError(t, err)

	again, err := piece.FromCommP(comm[:], p.Size)
	require.NoError(t, err)
	require.Equal(t, p, again)

	b, err := cborutil.Dump(p)
	require.NoError(t, err)
	var decoded piece.Piece
	require.NoError(t, cborutil.Decode(b, &decoded))
	require.Equal(t, p, decoded)
}

func TestCompute(t *testing.T) {
	payload := make([]byte, 1000)
	_, _ = rand.Read(payload)

	p, err := piece.Compute(bytes.NewReader(payload), uint64(len(payload)))
	require.NoError(t, err)
	require.EqualValues(t, 1024, p.Size)
	require.NoError(t, p.Validate())
	require.NoError(t, piece.CheckPayloadSize(p, 1000))
	require.Error(t, piece.CheckPayloadSize(p, 1020))

	again, err := piece.Compute(bytes.NewReader(payload), uint64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, p, again)

	// an exactly sized payload pads nothing
	full := make([]byte, abi.PaddedPieceSize(512).Unpadded())
	_, _ = rand.Read(full)
	p, err = piece.Compute(bytes.NewReader(full), uint64(len(full)))
	require.NoError(t, err)
	require.EqualValues(t, 512, p.Size)

	_, err = piece.Compute(bytes.NewReader(payload[:64]), 64)
	require.Error(t, err)
}

func TestSizeForPayload(t *testing.T) {
	for _, tc := range []struct {
		payload uint64
		size    abi.PaddedPieceSize
	}{
		{65, 128},
		{127, 128},
		{128, 256},
		{1016, 1024},
		{1017, 2048},
		{32 << 20, 64 << 20},
	} {
		require.Equal(t, tc.size, piece.SizeForPayload(tc.payload), "payload %d", tc.payload)
	}
}
