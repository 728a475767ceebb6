package aggregate

import (
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/minio/sha256-simd"
	"github.com/polydawn/refmt/obj/atlas"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dealpipe/piece"
)

func init() {
	cbor.RegisterCborType(atlas.BuildEntry(Node{}).Transform().
		TransformMarshal(atlas.MakeMarshalTransformFunc(
			func(n Node) ([]byte, error) {
				return n[:], nil
			})).
		TransformUnmarshal(atlas.MakeUnmarshalTransformFunc(
			func(b []byte) (Node, error) {
				var n Node
				if len(b) != len(n) {
					return n, xerrors.Errorf("node must be %d bytes, got %d", len(n), len(b))
				}
				copy(n[:], b)
				return n, nil
			})).
		Complete())

	cbor.RegisterCborType(ProofData{})
	cbor.RegisterCborType(InclusionProof{})
}

// MaxHeight bounds the trees this package builds (2^50 byte aggregates).
const MaxHeight = 45

type Node [piece.NodeSize]byte

var zeroNodes [MaxHeight + 1]Node

func init() {
	for i := 1; i <= MaxHeight; i++ {
		zeroNodes[i] = computeNode(&zeroNodes[i-1], &zeroNodes[i-1])
	}
}

// ZeroNode returns the root of a subtree of the given height over zero
// leaves.
func ZeroNode(height int) Node {
	return zeroNodes[height]
}

// computeNode is sha256-trunc254: the two most significant bits of the
// digest are cleared so every node is a valid fr32 field element.
func computeNode(left, right *Node) Node {
	var buf [2 * piece.NodeSize]byte
	copy(buf[:piece.NodeSize], left[:])
	copy(buf[piece.NodeSize:], right[:])

	out := Node(sha256.Sum256(buf[:]))
	out[piece.NodeSize-1] &= 0x3F
	return out
}
