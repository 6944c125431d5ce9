package inmemdb

import (
	"context"
	"sync"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/flag"
	"github.com/trezcool/clearance/core/ledger"
	"github.com/trezcool/clearance/core/notification"
)

// DB is a process-local store for tests and local runs.
// Transactions are serialized and rolled back by undoing the writes made through them.
type DB struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	flags         map[string]flag.Flag
	responses     map[string]flag.ParentResponse
	events        []flag.Event
	entries       []ledger.Entry
	notifications map[string]notification.Notification
	attempts      map[string][]notification.Attempt
}

var _ core.Transactor = (*DB)(nil) // interface compliance check

func Open() *DB {
	return &DB{
		flags:         make(map[string]flag.Flag),
		responses:     make(map[string]flag.ParentResponse),
		notifications: make(map[string]notification.Notification),
		attempts:      make(map[string][]notification.Attempt),
	}
}

// tx collects the undo steps of the writes made through it. It never runs SQL.
type tx struct {
	core.DBExecutor
	undo []func()
}

// track registers undo on the transaction in `exec`, if any. Called with db.mu held.
func track(exec []core.DBExecutor, undo func()) {
	if len(exec) == 0 {
		return
	}
	if t, ok := exec[0].(*tx); ok {
		t.undo = append(t.undo, undo)
	}
}

// trackPut registers the undo of a write to m[k]. Called with db.mu held, before the write.
func trackPut[K comparable, V any](exec []core.DBExecutor, m map[K]V, k K) {
	prev, existed := m[k]
	track(exec, func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}

func (db *DB) rollback(t *tx) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
}

// InTx runs fn with an executor recording its writes, and undoes them if fn fails.
// Writes made outside the transaction are kept.
func (db *DB) InTx(ctx context.Context, fn func(exec core.DBExecutor) error) (err error) {
	db.txMu.Lock()
	defer db.txMu.Unlock()

	if err = ctx.Err(); err != nil {
		return err
	}
	t := new(tx)
	defer func() {
		if p := recover(); p != nil {
			db.rollback(t)
			panic(p)
		}
	}()

	if err = fn(t); err != nil {
		db.rollback(t)
	}
	return err
}

func removeFirst[T any](items []T, match func(T) bool) []T {
	for i, item := range items {
		if match(item) {
			return append(items[:i:i], items[i+1:]...)
		}
	}
	return items
}
