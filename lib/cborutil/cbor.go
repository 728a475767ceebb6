package cborutil

import (
	"time"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	mh "github.com/multiformats/go-multihash"
	"github.com/polydawn/refmt/obj/atlas"
	"golang.org/x/xerrors"
)

// Timestamps are encoded as RFC3339 strings so records stay readable with
// generic CBOR tooling.
func init() {
	cbor.RegisterCborType(atlas.BuildEntry(time.Time{}).Transform().
		TransformMarshal(atlas.MakeMarshalTransformFunc(
			func(t time.Time) (string, error) {
				return t.UTC().Format(time.RFC3339Nano), nil
			})).
		TransformUnmarshal(atlas.MakeUnmarshalTransformFunc(
			func(s string) (time.Time, error) {
				return time.Parse(time.RFC3339Nano, s)
			})).
		Complete())
}

// Dump encodes obj, which must be a registered CBOR type.
func Dump(obj interface{}) ([]byte, error) {
	return cbor.DumpObject(obj)
}

// Decode decodes data produced by Dump into out.
func Decode(data []byte, out interface{}) error {
	if err := cbor.DecodeInto(data, out); err != nil {
		return xerrors.Errorf("decoding %T: %w", out, err)
	}
	return nil
}

// Wrap encodes obj into a content addressed block.
func Wrap(obj interface{}) (*cbor.Node, error) {
	nd, err := cbor.WrapObject(obj, mh.SHA2_256, -1)
	if err != nil {
		return nil, xerrors.Errorf("wrapping %T: %w", obj, err)
	}
	return nd, nil
}

// Cid returns the content address obj would have as a block.
func Cid(obj interface{}) (cid.Cid, error) {
	nd, err := Wrap(obj)
	if err != nil {
		return cid.Undef, err
	}
	return nd.Cid(), nil
}
