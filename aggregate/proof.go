package aggregate

import (
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dealpipe/piece"
)

// ProofData is a merkle path from a node at Index (counted at the node's
// level) to the root.
type ProofData struct {
	Path  []Node
	Index uint64
}

func (p ProofData) Depth() int { return len(p.Path) }

// ComputeRoot folds the path over n.
func (p ProofData) ComputeRoot(n Node) (Node, error) {
	if len(p.Path) > MaxHeight {
		return Node{}, xerrors.Errorf("proof path too long: %d", len(p.Path))
	}
	if len(p.Path) < 64 && p.Index>>uint(len(p.Path)) != 0 {
		return Node{}, xerrors.Errorf("index %d out of bounds for depth %d", p.Index, len(p.Path))
	}

	cur, idx := n, p.Index
	for i := range p.Path {
		if idx&1 == 0 {
			cur = computeNode(&cur, &p.Path[i])
		} else {
			cur = computeNode(&p.Path[i], &cur)
		}
		idx >>= 1
	}
	return cur, nil
}

// InclusionProof proves that a piece sits in an aggregate and that the
// aggregate index carries a matching entry for it.
type InclusionProof struct {
	Subtree ProofData
	Index   ProofData
}

// VerifyInclusion checks proof for p against the aggregate commitment.
func VerifyInclusion(agg piece.Piece, p piece.Piece, proof InclusionProof) error {
	aggRoot, err := agg.Commitment()
	if err != nil {
		return xerrors.Errorf("aggregate commitment: %w", err)
	}
	comm, err := p.Commitment()
	if err != nil {
		return xerrors.Errorf("piece commitment: %w", err)
	}

	if want := agg.Height() - p.Height(); proof.Subtree.Depth() != want {
		return xerrors.Errorf("subtree proof depth %d, expected %d", proof.Subtree.Depth(), want)
	}
	root, err := proof.Subtree.ComputeRoot(comm)
	if err != nil {
		return xerrors.Errorf("subtree proof: %w", err)
	}
	if root != Node(aggRoot) {
		return xerrors.Errorf("subtree proof does not lead to aggregate %s", agg.Link)
	}

	if want := agg.Height() - 1; proof.Index.Depth() != want {
		return xerrors.Errorf("index proof depth %d, expected %d", proof.Index.Depth(), want)
	}
	if first := IndexStart(agg.Size) / EntrySize; proof.Index.Index < first {
		return xerrors.Errorf("index proof points at data area (%d < %d)", proof.Index.Index, first)
	}
	entry := NewEntry(comm, proof.Subtree.Index*uint64(p.Size), uint64(p.Size))
	root, err = proof.Index.ComputeRoot(entry.Node())
	if err != nil {
		return xerrors.Errorf("index proof: %w", err)
	}
	if root != Node(aggRoot) {
		return xerrors.Errorf("index proof does not lead to aggregate %s", agg.Link)
	}
	return nil
}
