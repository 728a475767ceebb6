package aggregate

import (
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-state-types/abi"

	"github.com/filecoin-project/dealpipe/piece"
)

// ErrInsufficientCapacity is returned by Builder.Write when a piece does
// not fit in the remaining data area or the index is full.
var ErrInsufficientCapacity = xerrors.New("insufficient capacity")

// Segment is a piece placed in an aggregate. Offset is aligned to the
// piece size.
type Segment struct {
	Piece  piece.Piece
	Offset uint64
}

// Builder packs pieces into an aggregate of a fixed size.
type Builder struct {
	size     abi.PaddedPieceSize
	entries  uint64
	limit    uint64
	offset   uint64
	segments []Segment
}

func NewBuilder(size abi.PaddedPieceSize) (*Builder, error) {
	if err := size.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid aggregate size: %w", err)
	}
	if piece.HeightOf(size) > MaxHeight {
		return nil, xerrors.Errorf("aggregate size %d exceeds maximum height %d", size, MaxHeight)
	}
	entries := MaxIndexEntries(size)
	if entries*EntrySize >= uint64(size) {
		return nil, xerrors.Errorf("aggregate size %d too small to hold an index of %d entries", size, entries)
	}
	return &Builder{
		size:    size,
		entries: entries,
		limit:   IndexStart(size),
	}, nil
}

// Write places p at the next offset aligned to its size.
func (b *Builder) Write(p piece.Piece) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if uint64(len(b.segments)) >= b.entries {
		return xerrors.Errorf("index holds at most %d entries: %w", b.entries, ErrInsufficientCapacity)
	}

	sz := uint64(p.Size)
	off := (b.offset + sz - 1) / sz * sz
	if off+sz > b.limit {
		return xerrors.Errorf("piece %s of size %d at offset %d exceeds data limit %d: %w", p.Link, p.Size, off, b.limit, ErrInsufficientCapacity)
	}

	b.segments = append(b.segments, Segment{Piece: p, Offset: off})
	b.offset = off + sz
	return nil
}

func (b *Builder) Size() abi.PaddedPieceSize { return b.size }

func (b *Builder) Len() int { return len(b.segments) }

// DataBytes is the end offset of the last written piece.
func (b *Builder) DataBytes() uint64 { return b.offset }

// IndexEntries is the capacity of the index area.
func (b *Builder) IndexEntries() uint64 { return b.entries }

// BytesUsed counts the data area up to the last piece plus the whole index
// area, which is reserved regardless of how many entries are filled.
func (b *Builder) BytesUsed() uint64 {
	return b.offset + b.entries*EntrySize
}

func (b *Builder) Pieces() []piece.Piece {
	out := make([]piece.Piece, len(b.segments))
	for i, s := range b.segments {
		out[i] = s.Piece
	}
	return out
}

// Build computes the aggregate commitment over the pieces written so far
// and their index entries.
func (b *Builder) Build() (*Aggregate, error) {
	height := piece.HeightOf(b.size)
	t := newTree(height)

	first := IndexStart(b.size) / piece.NodeSize
	for i, s := range b.segments {
		comm, err := s.Piece.Commitment()
		if err != nil {
			return nil, xerrors.Errorf("segment %d: %w", i, err)
		}
		t.set(s.Piece.Height(), s.Offset/uint64(s.Piece.Size), comm)

		left, right := NewEntry(comm, s.Offset, uint64(s.Piece.Size)).nodes()
		t.set(0, first+2*uint64(i), left)
		t.set(0, first+2*uint64(i)+1, right)
	}
	t.build()

	root := t.root()
	link, err := piece.FromCommP(root[:], b.size)
	if err != nil {
		return nil, xerrors.Errorf("aggregate link: %w", err)
	}

	return &Aggregate{
		Link:     link.Link,
		Size:     b.size,
		Segments: append([]Segment(nil), b.segments...),
		tree:     t,
	}, nil
}

// Aggregate is a built aggregate able to produce inclusion proofs for its
// pieces.
type Aggregate struct {
	Link     cid.Cid
	Size     abi.PaddedPieceSize
	Segments []Segment

	tree *tree
}

func (a *Aggregate) Piece() piece.Piece {
	return piece.Piece{Link: a.Link, Size: a.Size}
}

func (a *Aggregate) Pieces() []piece.Piece {
	out := make([]piece.Piece, len(a.Segments))
	for i, s := range a.Segments {
		out[i] = s.Piece
	}
	return out
}

func (a *Aggregate) IndexOf(link cid.Cid) (int, bool) {
	for i, s := range a.Segments {
		if s.Piece.Link.Equals(link) {
			return i, true
		}
	}
	return 0, false
}

// ProveInclusion returns the subtree proof of the piece and the proof of
// its index entry.
func (a *Aggregate) ProveInclusion(link cid.Cid) (InclusionProof, error) {
	i, ok := a.IndexOf(link)
	if !ok {
		return InclusionProof{}, xerrors.Errorf("piece %s is not part of aggregate %s", link, a.Link)
	}
	s := a.Segments[i]

	entryIdx := IndexStart(a.Size)/EntrySize + uint64(i)
	return InclusionProof{
		Subtree: a.tree.proof(s.Piece.Height(), s.Offset/uint64(s.Piece.Size)),
		Index:   a.tree.proof(1, entryIdx),
	}, nil
}
