package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/ipfs/go-datastore"
	ds_sync "github.com/ipfs/go-datastore/sync"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dealpipe/api"
)

type record struct {
	Name   string
	Status string
	N      int
}

func init() {
	cbor.RegisterCborType(record{})
}

func newRecords() *Records[record] {
	ds := ds_sync.MutexWrap(datastore.NewMapDatastore())
	return NewRecords[record](ds, "/records", func(r *record) string { return r.Name })
}

func TestRecordsBasic(t *testing.T) {
	ctx := context.Background()
	rs := newRecords()

	_, err := rs.Get(ctx, "a")
	require.True(t, xerrors.Is(err, api.ErrRecordNotFound), err)

	require.NoError(t, rs.Put(ctx, record{Name: "a", Status: "offered"}))

	has, err := rs.Has(ctx, "a")
	require.NoError(t, err)
	require.True(t, has)

	got, err := rs.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, record{Name: "a", Status: "offered"}, got)

	inserted, err := rs.Insert(ctx, record{Name: "a", Status: "other"})
	require.NoError(t, err)
	require.False(t, inserted)

	got, err = rs.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "offered", got.Status)

	inserted, err = rs.Insert(ctx, record{Name: "b"})
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestRecordsUpdate(t *testing.T) {
	ctx := context.Background()
	rs := newRecords()

	_, err := rs.Update(ctx, "missing", func(r *record) error { return nil })
	require.True(t, api.IsNotFound(err))

	require.NoError(t, rs.Put(ctx, record{Name: "a", Status: "offered"}))
	updated, err := rs.Update(ctx, "a", func(r *record) error {
		r.Status = "accepted"
		r.N++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, record{Name: "a", Status: "accepted", N: 1}, updated)

	_, err = rs.Update(ctx, "a", func(r *record) error {
		r.Name = "b"
		return nil
	})
	require.Equal(t, api.UnexpectedState, api.KindOf(err))

	mutErr := xerrors.New("nope")
	_, err = rs.Update(ctx, "a", func(r *record) error { return mutErr })
	require.ErrorIs(t, err, mutErr)

	got, err := rs.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, updated, got)
}

func TestRecordsQueryPaging(t *testing.T) {
	ctx := context.Background()
	rs := newRecords()

	for i := 0; i < 25; i++ {
		status := "offered"
		if i%5 == 0 {
			status = "accepted"
		}
		require.NoError(t, rs.Put(ctx, record{Name: fmt.Sprintf("r%02d", i), Status: status, N: i}))
	}

	offered := func(r *record) bool { return r.Status == "offered" }

	var all []record
	var pages int
	page := Page{Size: 7}
	for {
		res, err := rs.Query(ctx, offered, page)
		require.NoError(t, err)
		all = append(all, res.Results...)
		pages++
		if res.Cursor == "" {
			break
		}
		page.Cursor = res.Cursor
	}

	require.Len(t, all, 20)
	require.Equal(t, 3, pages)
	for i := 1; i < len(all); i++ {
		require.Less(t, all[i-1].Name, all[i].Name)
		require.Equal(t, "offered", all[i].Status)
	}

	res, err := rs.Query(ctx, nil, Page{})
	require.NoError(t, err)
	require.Len(t, res.Results, 25)
	require.Empty(t, res.Cursor)

	// an exactly full last page has no cursor
	res, err = rs.Query(ctx, nil, Page{Size: 25})
	require.NoError(t, err)
	require.Len(t, res.Results, 25)
	require.Empty(t, res.Cursor)
}
