package piece

import (
	"io"

	"golang.org/x/xerrors"

	commp "github.com/filecoin-project/go-fil-commp-hashhash"
	"github.com/filecoin-project/go-padreader"
	"github.com/filecoin-project/go-state-types/abi"
)

// MinPayloadSize is the smallest payload a piece can be computed for.
const MinPayloadSize = 65

// SizeForPayload is the padded size of the piece holding a payload of n
// bytes.
func SizeForPayload(n uint64) abi.PaddedPieceSize {
	return padreader.PaddedSize(n).Padded()
}

// CheckPayloadSize fails when p cannot be the piece of an n byte payload.
func CheckPayloadSize(p Piece, n uint64) error {
	if want := SizeForPayload(n); p.Size != want {
		return xerrors.Errorf("piece %s has size %d, a %d byte payload needs %d", p.Link, p.Size, n, want)
	}
	return nil
}

// Compute reads an n byte payload from r and returns its piece. The payload
// is zero padded up to the piece size.
func Compute(r io.Reader, n uint64) (Piece, error) {
	if n < MinPayloadSize {
		return Piece{}, xerrors.Errorf("payload of %d bytes is smaller than %d bytes", n, MinPayloadSize)
	}

	pr, unpadded := padreader.New(io.LimitReader(r, int64(n)), n)

	cp := &commp.Calc{}
	if _, err := io.Copy(cp, pr); err != nil {
		return Piece{}, xerrors.Errorf("hashing payload: %w", err)
	}
	raw, size, err := cp.Digest()
	if err != nil {
		return Piece{}, xerrors.Errorf("computing commP: %w", err)
	}
	if abi.PaddedPieceSize(size) != unpadded.Padded() {
		return Piece{}, xerrors.Errorf("commP covers %d bytes, expected %d", size, unpadded.Padded())
	}
	return FromCommP(raw, unpadded.Padded())
}
