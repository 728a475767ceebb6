package store

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/boxo/blockstore"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/multiformats/go-multicodec"

	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/lib/cborutil"
)

const DefaultBlockCacheSize = 4096

// Blocks stores content addressed dag-cbor blocks. Recently read blocks
// are kept in memory.
type Blocks struct {
	bs    blockstore.Blockstore
	cache *lru.Cache[cid.Cid, blocks.Block]
}

func NewBlocks(ds datastore.Batching, cacheSize int) (*Blocks, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultBlockCacheSize
	}
	cache, err := lru.New[cid.Cid, blocks.Block](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Blocks{
		bs:    blockstore.NewBlockstore(ds),
		cache: cache,
	}, nil
}

// Put encodes obj and stores it as a block, returning its link. Putting
// the same value twice is a no-op.
func (b *Blocks) Put(ctx context.Context, obj interface{}) (cid.Cid, error) {
	nd, err := cborutil.Wrap(obj)
	if err != nil {
		return cid.Undef, api.Wrap(api.EncodeRecordFailed, err, "encoding block")
	}
	if err := b.PutBlock(ctx, nd); err != nil {
		return cid.Undef, err
	}
	return nd.Cid(), nil
}

func (b *Blocks) PutBlock(ctx context.Context, blk blocks.Block) error {
	if err := b.bs.Put(ctx, blk); err != nil {
		return api.Wrap(api.StoreOperationFailed, err, "putting block "+blk.Cid().String())
	}
	b.cache.Add(blk.Cid(), blk)
	return nil
}

func (b *Blocks) GetBlock(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	if blk, ok := b.cache.Get(c); ok {
		return blk, nil
	}
	blk, err := b.bs.Get(ctx, c)
	if err != nil {
		if ipld.IsNotFound(err) {
			return nil, api.Errorf(api.RecordNotFound, "block %s not found", c)
		}
		return nil, api.Wrap(api.StoreOperationFailed, err, "getting block "+c.String())
	}
	b.cache.Add(c, blk)
	return blk, nil
}

// Get decodes the block c into out.
func (b *Blocks) Get(ctx context.Context, c cid.Cid, out interface{}) error {
	if codec := multicodec.Code(c.Prefix().Codec); codec != multicodec.DagCbor {
		return api.Errorf(api.DecodeBlockOperationFailed, "block %s has codec %s, expected dag-cbor", c, codec)
	}
	blk, err := b.GetBlock(ctx, c)
	if err != nil {
		return err
	}
	if err := cborutil.Decode(blk.RawData(), out); err != nil {
		return api.Wrap(api.DecodeBlockOperationFailed, err, "decoding block "+c.String())
	}
	return nil
}

func (b *Blocks) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if b.cache.Contains(c) {
		return true, nil
	}
	has, err := b.bs.Has(ctx, c)
	if err != nil {
		return false, api.Wrap(api.StoreOperationFailed, err, "checking block "+c.String())
	}
	return has, nil
}
