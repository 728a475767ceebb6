package piecetest

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	commp "github.com/filecoin-project/go-fil-commp-hashhash"
	"github.com/filecoin-project/go-state-types/abi"

	"github.com/filecoin-project/dealpipe/piece"
)

// Random returns a piece computed over random bytes that fill exactly size
// padded bytes.
func Random(t testing.TB, size abi.PaddedPieceSize) piece.Piece {
	t.Helper()

	buf := make([]byte, size.Unpadded())
	_, _ = rand.Read(buf)

	cp := &commp.Calc{}
	_, err := cp.Write(buf)
	require.NoError(t, err)

	raw, padded, err := cp.Digest()
	require.NoError(t, err)
	require.Equal(t, uint64(size), padded)

	p, err := piece.FromCommP(raw, abi.PaddedPieceSize(padded))
	require.NoError(t, err)
	return p
}

func RandomN(t testing.TB, n int, size abi.PaddedPieceSize) []piece.Piece {
	out := make([]piece.Piece, n)
	for i := range out {
		out[i] = Random(t, size)
	}
	return out
}
