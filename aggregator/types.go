package aggregator

import (
	"time"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"

	"github.com/filecoin-project/dealpipe/aggregate"
	"github.com/filecoin-project/dealpipe/piece"
)

func init() {
	cbor.RegisterCborType(BufferedPiece{})
	cbor.RegisterCborType(Buffer{})
	cbor.RegisterCborType(PieceList{})
	cbor.RegisterCborType(PieceRecord{})
	cbor.RegisterCborType(AggregateRecord{})
	cbor.RegisterCborType(InclusionRecord{})
	cbor.RegisterCborType(PieceMessage{})
	cbor.RegisterCborType(BufferMessage{})
	cbor.RegisterCborType(AggregateOfferMessage{})
	cbor.RegisterCborType(PieceAcceptMessage{})
}

// Buffering policies. Lower policies are packed first.
const (
	PolicyInsertion = 0
	PolicyRetry     = 1
)

// BufferedPiece is a piece waiting for aggregation.
type BufferedPiece struct {
	Piece      piece.Piece
	InsertedAt time.Time
	Policy     int
}

// Buffer is an immutable batch of pieces of one group. It is stored as a
// block, so its link is derived from its contents. Aggregate is set on the
// buffer holding exactly the pieces of an aggregate.
type Buffer struct {
	Pieces    []BufferedPiece
	Group     string
	Aggregate *cid.Cid
}

// PieceList is the block linked from aggregate offers: the ordered piece
// links of an aggregate.
type PieceList struct {
	Pieces []cid.Cid
}

const (
	PieceStatusOffered  = "offered"
	PieceStatusAccepted = "accepted"
)

type PieceRecord struct {
	Piece      piece.Piece
	Group      string
	Status     string
	InsertedAt time.Time
	UpdatedAt  time.Time
}

func pieceKey(r *PieceRecord) string { return r.Piece.Link.String() }

type AggregateRecord struct {
	Aggregate          piece.Piece
	Buffer             cid.Cid
	Pieces             cid.Cid
	Group              string
	MinPieceInsertedAt time.Time
	InsertedAt         time.Time
}

func aggregateKey(r *AggregateRecord) string { return r.Aggregate.Link.String() }

type InclusionRecord struct {
	Piece      piece.Piece
	Aggregate  piece.Piece
	Group      string
	Inclusion  aggregate.InclusionProof
	InsertedAt time.Time
}

func inclusionKey(r *InclusionRecord) string { return r.Piece.Link.String() }

// PieceMessage is queued by piece/offer.
type PieceMessage struct {
	Piece piece.Piece
	Group string
}

// BufferMessage references a stored Buffer awaiting reduction.
type BufferMessage struct {
	Pieces cid.Cid
	Group  string
}

func bufferGroup(m BufferMessage) string { return m.Group }

type AggregateOfferMessage struct {
	Aggregate          piece.Piece
	Buffer             cid.Cid
	Pieces             cid.Cid
	Group              string
	MinPieceInsertedAt time.Time
}

type PieceAcceptMessage struct {
	Piece     piece.Piece
	Aggregate piece.Piece
	Group     string
	Inclusion aggregate.InclusionProof
}
