package aggregate

import (
	"encoding/binary"
	"math/bits"

	"github.com/minio/sha256-simd"

	"github.com/filecoin-project/go-state-types/abi"

	"github.com/filecoin-project/dealpipe/piece"
)

// EntrySize is the number of bytes an index entry occupies in the
// aggregate (two nodes).
const EntrySize = 2 * piece.NodeSize

const checksumSize = 16

// MaxIndexEntries is the number of entries reserved at the end of an
// aggregate of the given size.
func MaxIndexEntries(size abi.PaddedPieceSize) uint64 {
	n := uint64(size) / 2048 / EntrySize
	res := uint64(1)
	if n > 1 {
		res = 1 << bits.Len64(n-1)
	}
	if res < 4 {
		return 4
	}
	return res
}

// IndexStart is the byte offset of the index area, which is also the
// capacity left for piece data.
func IndexStart(size abi.PaddedPieceSize) uint64 {
	return uint64(size) - MaxIndexEntries(size)*EntrySize
}

// Entry describes where one piece lives in the aggregate.
type Entry struct {
	CommDs   Node
	Offset   uint64
	Size     uint64
	Checksum [checksumSize]byte
}

func NewEntry(commDs Node, offset, size uint64) Entry {
	e := Entry{CommDs: commDs, Offset: offset, Size: size}
	e.Checksum = e.checksum()
	return e
}

func (e Entry) checksum() [checksumSize]byte {
	var buf [piece.NodeSize + 16]byte
	copy(buf[:piece.NodeSize], e.CommDs[:])
	binary.LittleEndian.PutUint64(buf[piece.NodeSize:], e.Offset)
	binary.LittleEndian.PutUint64(buf[piece.NodeSize+8:], e.Size)

	digest := sha256.Sum256(buf[:])
	var out [checksumSize]byte
	copy(out[:], digest[:checksumSize])
	out[checksumSize-1] &= 0x3F
	return out
}

func (e Entry) Valid() bool {
	return e.Checksum == e.checksum()
}

func (e Entry) nodes() (Node, Node) {
	var second Node
	binary.LittleEndian.PutUint64(second[:8], e.Offset)
	binary.LittleEndian.PutUint64(second[8:16], e.Size)
	copy(second[16:], e.Checksum[:])
	return e.CommDs, second
}

// Node is the level one node covering both halves of the entry.
func (e Entry) Node() Node {
	a, b := e.nodes()
	return computeNode(&a, &b)
}
