package dispatcher

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/forgelabs/dispatchd/internal/dispatch/types"
)

// workerTable is the single go-memdb table backing the worker registry:
// an in-memory index of live workers keyed by WorkerID, swapped in whole
// on every write via memdb's copy-on-write transactions so readers (the
// assignment engine, getWorkerList) never block on a writer.
const workerTable = "workers"

func newWorkerSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			workerTable: {
				Name: workerTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "WorkerID"},
					},
				},
			},
		},
	}
}

// WorkerRegistry is the dispatcher's in-memory view of every worker that
// has ever heartbeated, backed by go-memdb for consistent concurrent
// snapshots during assignment passes.
type WorkerRegistry struct {
	db *memdb.MemDB
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry() (*WorkerRegistry, error) {
	db, err := memdb.NewMemDB(newWorkerSchema())
	if err != nil {
		return nil, fmt.Errorf("worker registry: %w", err)
	}
	return &WorkerRegistry{db: db}, nil
}

// Put inserts or replaces a worker record.
func (r *WorkerRegistry) Put(w *types.Worker) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(workerTable, w); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Get returns the worker named id, or nil if unknown.
func (r *WorkerRegistry) Get(id string) *types.Worker {
	txn := r.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(workerTable, "id", id)
	if err != nil || raw == nil {
		return nil
	}
	return raw.(*types.Worker)
}

// Delete removes a worker from the registry.
func (r *WorkerRegistry) Delete(id string) {
	w := r.Get(id)
	if w == nil {
		return
	}
	txn := r.db.Txn(true)
	defer txn.Abort()
	_ = txn.Delete(workerTable, w)
	txn.Commit()
}

// List returns a snapshot of every registered worker.
func (r *WorkerRegistry) List() []*types.Worker {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(workerTable, "id")
	if err != nil {
		return nil
	}
	var out []*types.Worker
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*types.Worker))
	}
	return out
}
