package store

import (
	"context"
	"strings"
	"sync"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/lib/cborutil"
)

// Page selects a slice of a query. An empty cursor starts from the
// beginning. Size <= 0 means no limit.
type Page struct {
	Cursor string
	Size   int
}

// Results is one page of a query. Cursor is empty when there are no more
// results.
type Results[V any] struct {
	Results []V
	Cursor  string
}

// Records is a keyed store of CBOR records. V must be a registered CBOR
// type.
//
// Writes are not transactional across keys. Insert and Update are atomic
// with respect to other callers of the same Records value.
type Records[V any] struct {
	ds     datastore.Datastore
	prefix datastore.Key
	keyOf  func(*V) string

	lk sync.Mutex
}

func NewRecords[V any](ds datastore.Datastore, prefix string, keyOf func(*V) string) *Records[V] {
	return &Records[V]{
		ds:     ds,
		prefix: datastore.NewKey(prefix),
		keyOf:  keyOf,
	}
}

func (r *Records[V]) dsKey(key string) datastore.Key {
	return r.prefix.ChildString(key)
}

func (r *Records[V]) put(ctx context.Context, v *V) error {
	b, err := cborutil.Dump(v)
	if err != nil {
		return api.Wrap(api.EncodeRecordFailed, err, "encoding record")
	}
	key := r.keyOf(v)
	if err := r.ds.Put(ctx, r.dsKey(key), b); err != nil {
		return api.Wrap(api.StoreOperationFailed, err, "putting "+key)
	}
	return nil
}

// Put writes v, replacing any record with the same key.
func (r *Records[V]) Put(ctx context.Context, v V) error {
	return r.put(ctx, &v)
}

// Insert writes v unless a record with the same key exists. It reports
// whether v was written.
func (r *Records[V]) Insert(ctx context.Context, v V) (bool, error) {
	r.lk.Lock()
	defer r.lk.Unlock()

	has, err := r.Has(ctx, r.keyOf(&v))
	if err != nil || has {
		return false, err
	}
	if err := r.put(ctx, &v); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Records[V]) Get(ctx context.Context, key string) (V, error) {
	var out V
	b, err := r.ds.Get(ctx, r.dsKey(key))
	if err != nil {
		if xerrors.Is(err, datastore.ErrNotFound) {
			return out, api.Errorf(api.RecordNotFound, "no record for %s", key)
		}
		return out, api.Wrap(api.StoreOperationFailed, err, "getting "+key)
	}
	if err := cborutil.Decode(b, &out); err != nil {
		return out, api.Wrap(api.DecodeBlockOperationFailed, err, "decoding "+key)
	}
	return out, nil
}

func (r *Records[V]) Has(ctx context.Context, key string) (bool, error) {
	has, err := r.ds.Has(ctx, r.dsKey(key))
	if err != nil {
		return false, api.Wrap(api.StoreOperationFailed, err, "checking "+key)
	}
	return has, nil
}

// Update applies mutator to the record under key and stores the result.
// The record key must not change.
func (r *Records[V]) Update(ctx context.Context, key string, mutator func(*V) error) (V, error) {
	r.lk.Lock()
	defer r.lk.Unlock()

	v, err := r.Get(ctx, key)
	if err != nil {
		return v, err
	}
	if err := mutator(&v); err != nil {
		return v, err
	}
	if k := r.keyOf(&v); k != key {
		return v, api.Errorf(api.UnexpectedState, "update changed record key from %s to %s", key, k)
	}
	return v, r.put(ctx, &v)
}

// Query returns records accepted by filter in key order. A nil filter
// accepts everything.
func (r *Records[V]) Query(ctx context.Context, filter func(*V) bool, page Page) (Results[V], error) {
	q := query.Query{
		Prefix: r.prefix.String(),
		Orders: []query.Order{query.OrderByKey{}},
	}
	if page.Cursor != "" {
		q.Filters = []query.Filter{query.FilterKeyCompare{Op: query.GreaterThan, Key: r.dsKey(page.Cursor).String()}}
	}

	res, err := r.ds.Query(ctx, q)
	if err != nil {
		return Results[V]{}, api.Wrap(api.StoreOperationFailed, err, "querying "+r.prefix.String())
	}
	defer res.Close() //nolint:errcheck

	var out Results[V]
	var last string
	for {
		entry, ok := res.NextSync()
		if !ok {
			break
		}
		if entry.Error != nil {
			return Results[V]{}, api.Wrap(api.StoreOperationFailed, entry.Error, "iterating "+r.prefix.String())
		}

		var v V
		if err := cborutil.Decode(entry.Value, &v); err != nil {
			return Results[V]{}, api.Wrap(api.DecodeBlockOperationFailed, err, "decoding "+entry.Key)
		}
		if filter != nil && !filter(&v) {
			continue
		}
		if page.Size > 0 && len(out.Results) == page.Size {
			// another match exists beyond this page
			out.Cursor = last
			break
		}
		out.Results = append(out.Results, v)
		last = strings.TrimPrefix(entry.Key, r.prefix.String()+"/")
	}
	return out, nil
}
