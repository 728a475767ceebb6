package workflow

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"

	"github.com/filecoin-project/dealpipe/api"
	"github.com/filecoin-project/dealpipe/store"
)

// TaskStore keeps task descriptions so that any participant can resolve a
// task link found in a receipt.
type TaskStore struct {
	blocks *store.Blocks
}

func NewTaskStore(blocks *store.Blocks) *TaskStore {
	return &TaskStore{blocks: blocks}
}

func (s *TaskStore) Put(ctx context.Context, t Task) (cid.Cid, error) {
	return s.blocks.Put(ctx, t)
}

func (s *TaskStore) Get(ctx context.Context, c cid.Cid) (Task, error) {
	var t Task
	if err := s.blocks.Get(ctx, c, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *TaskStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return s.blocks.Has(ctx, c)
}

type receiptRef struct {
	Task    cid.Cid
	Receipt cid.Cid
}

// ReceiptStore keeps receipts as blocks and indexes them by the task they
// ran. Storing a receipt for a task replaces the previous one.
type ReceiptStore struct {
	blocks *store.Blocks
	index  *store.Records[receiptRef]
}

// NewReceiptStore creates a receipt store keeping its index under
// /receipts in ds.
func NewReceiptStore(blocks *store.Blocks, ds datastore.Datastore) *ReceiptStore {
	return &ReceiptStore{
		blocks: blocks,
		index: store.NewRecords[receiptRef](ds, "/receipts", func(r *receiptRef) string {
			return r.Task.String()
		}),
	}
}

func (s *ReceiptStore) Put(ctx context.Context, r Receipt) (cid.Cid, error) {
	c, err := s.blocks.Put(ctx, r)
	if err != nil {
		return cid.Undef, err
	}
	if err := s.index.Put(ctx, receiptRef{Task: r.Ran, Receipt: c}); err != nil {
		return cid.Undef, err
	}
	return c, nil
}

// Get returns the receipt for task, failing with RecordNotFound when the
// task has not run.
func (s *ReceiptStore) Get(ctx context.Context, task cid.Cid) (Receipt, error) {
	ref, err := s.index.Get(ctx, task.String())
	if err != nil {
		return Receipt{}, err
	}
	var r Receipt
	if err := s.blocks.Get(ctx, ref.Receipt, &r); err != nil {
		if api.IsNotFound(err) {
			return Receipt{}, api.Errorf(api.UnexpectedState, "receipt %s for task %s is indexed but missing", ref.Receipt, task)
		}
		return Receipt{}, err
	}
	return r, nil
}

func (s *ReceiptStore) Has(ctx context.Context, task cid.Cid) (bool, error) {
	return s.index.Has(ctx, task.String())
}
