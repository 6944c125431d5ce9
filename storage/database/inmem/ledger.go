package inmemdb

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/ledger"
)

type ledgerRepository struct {
	db *DB
}

var _ ledger.Repository = (*ledgerRepository)(nil) // interface compliance check

func NewLedgerRepository(db *DB) *ledgerRepository {
	return &ledgerRepository{db: db}
}

func (repo *ledgerRepository) CreateEntry(_ context.Context, entry ledger.Entry, exec ...core.DBExecutor) (ledger.Entry, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	for _, e := range repo.db.entries {
		if e.FlagID == entry.FlagID && e.Kind == entry.Kind {
			return ledger.Entry{}, errors.Wrapf(ledger.ErrConstraintViolation, "flag %s already has a %s", entry.FlagID, entry.Kind)
		}
	}
	track(exec, func() {
		repo.db.entries = removeFirst(repo.db.entries, func(e ledger.Entry) bool { return e.ID == entry.ID })
	})
	repo.db.entries = append(repo.db.entries, entry)
	return entry, nil
}

func (repo *ledgerRepository) QueryEntriesByFlag(_ context.Context, flagID string, _ ...core.DBExecutor) ([]ledger.Entry, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	entries := make([]ledger.Entry, 0, 2)
	for _, e := range repo.db.entries {
		if e.FlagID == flagID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (repo *ledgerRepository) QueryEntriesByStudent(_ context.Context, studentID string, _ ...core.DBExecutor) ([]ledger.Entry, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	entries := make([]ledger.Entry, 0)
	for _, e := range repo.db.entries {
		if e.StudentID == studentID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (repo *ledgerRepository) SumByStudent(_ context.Context, studentID string, _ ...core.DBExecutor) (int, int, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	var sum, count int
	for _, e := range repo.db.entries {
		if e.StudentID == studentID {
			sum += e.Amount
			count++
		}
	}
	return sum, count, nil
}
