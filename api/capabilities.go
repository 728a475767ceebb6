package api

import (
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"

	"github.com/filecoin-project/go-state-types/abi"

	"github.com/filecoin-project/dealpipe/aggregate"
	"github.com/filecoin-project/dealpipe/piece"
)

func init() {
	cbor.RegisterCborType(FilecoinArgs{})
	cbor.RegisterCborType(FilecoinOfferResult{})
	cbor.RegisterCborType(FilecoinAcceptResult{})
	cbor.RegisterCborType(PieceArgs{})
	cbor.RegisterCborType(PieceOfferResult{})
	cbor.RegisterCborType(PieceAcceptResult{})
	cbor.RegisterCborType(AggregateArgs{})
	cbor.RegisterCborType(AggregateOfferResult{})
	cbor.RegisterCborType(AggregateAcceptResult{})
	cbor.RegisterCborType(DealInfoArgs{})
	cbor.RegisterCborType(DealDetails{})
	cbor.RegisterCborType(DealInfoResult{})
}

// Abilities understood by the services.
const (
	FilecoinOffer  = "filecoin/offer"
	FilecoinSubmit = "filecoin/submit"
	FilecoinAccept = "filecoin/accept"

	PieceOffer  = "piece/offer"
	PieceAccept = "piece/accept"

	AggregateOffer  = "aggregate/offer"
	AggregateAccept = "aggregate/accept"

	DealInfo = "deal/info"
)

// FilecoinArgs are the arguments of all filecoin/* abilities. Content is
// the link of the payload the piece was computed from. ContentSize, when
// set, is the payload length in bytes and must match the piece size.
type FilecoinArgs struct {
	Content     cid.Cid
	ContentSize uint64
	Piece       piece.Piece
	Group       string
}

type FilecoinOfferResult struct {
	Piece cid.Cid
}

type FilecoinAcceptResult struct {
	Piece     cid.Cid
	Aggregate piece.Piece
	Inclusion aggregate.InclusionProof
	DealID    abi.DealID
	Provider  string
}

// PieceArgs are the arguments of piece/offer and piece/accept.
type PieceArgs struct {
	Piece piece.Piece
	Group string
}

type PieceOfferResult struct {
	Piece cid.Cid
}

type PieceAcceptResult struct {
	Piece     cid.Cid
	Aggregate piece.Piece
	Group     string
	Inclusion aggregate.InclusionProof
}

// AggregateArgs are the arguments of aggregate/offer and aggregate/accept.
// Pieces links a block holding the ordered list of piece links.
type AggregateArgs struct {
	Aggregate piece.Piece
	Pieces    cid.Cid
}

type AggregateOfferResult struct {
	Aggregate cid.Cid
}

type AggregateAcceptResult struct {
	Aggregate cid.Cid
	DealID    abi.DealID
	Provider  string
}

type DealInfoArgs struct {
	Piece cid.Cid
}

type DealDetails struct {
	Provider string
}

// DealInfoResult maps deal IDs (decimal strings) to deal details.
type DealInfoResult struct {
	Deals map[string]DealDetails
}
