package piece

import (
	"fmt"
	"math/bits"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"

	commcid "github.com/filecoin-project/go-fil-commcid"
	"github.com/filecoin-project/go-state-types/abi"
)

func init() {
	cbor.RegisterCborType(Piece{})
}

// NodeSize is the size of a single merkle node (and leaf) in bytes.
const NodeSize = 32

// Piece is a commitment to a padded payload: the piece CID (commP) together
// with the padded size it commits to. Height is derived from the size.
type Piece struct {
	Link cid.Cid
	Size abi.PaddedPieceSize
}

func New(link cid.Cid, size abi.PaddedPieceSize) (Piece, error) {
	p := Piece{Link: link, Size: size}
	if err := p.Validate(); err != nil {
		return Piece{}, err
	}
	return p, nil
}

// FromCommP builds a piece from a raw 32 byte commitment.
func FromCommP(commP []byte, size abi.PaddedPieceSize) (Piece, error) {
	link, err := commcid.PieceCommitmentV1ToCID(commP)
	if err != nil {
		return Piece{}, xerrors.Errorf("converting commP to cid: %w", err)
	}
	return New(link, size)
}

func (p Piece) Validate() error {
	if err := p.Size.Validate(); err != nil {
		return xerrors.Errorf("piece %s: %w", p.Link, err)
	}
	if _, err := commcid.CIDToPieceCommitmentV1(p.Link); err != nil {
		return xerrors.Errorf("piece %s is not a piece commitment: %w", p.Link, err)
	}
	return nil
}

// Height is log2 of the number of leaves in the piece tree.
func (p Piece) Height() int {
	return HeightOf(p.Size)
}

// Commitment returns the root node of the piece tree.
func (p Piece) Commitment() ([NodeSize]byte, error) {
	var out [NodeSize]byte
	raw, err := commcid.CIDToPieceCommitmentV1(p.Link)
	if err != nil {
		return out, err
	}
	if len(raw) != NodeSize {
		return out, xerrors.Errorf("unexpected commitment length %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func (p Piece) String() string {
	return fmt.Sprintf("%s (%d)", p.Link, p.Size)
}

func HeightOf(size abi.PaddedPieceSize) int {
	return bits.TrailingZeros64(uint64(size) / NodeSize)
}

// SizeOf is the inverse of HeightOf.
func SizeOf(height int) abi.PaddedPieceSize {
	return abi.PaddedPieceSize(NodeSize << uint(height))
}
