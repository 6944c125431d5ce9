package boiledrepos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/sqlboiler/v4/queries"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/ledger"
)

const entryColumns = `id, student_id, flag_id, kind, amount, created_at`

type (
	ledgerEntry struct {
		ID        string    `boil:"id"`
		StudentID string    `boil:"student_id"`
		FlagID    string    `boil:"flag_id"`
		Kind      string    `boil:"kind"`
		Amount    int       `boil:"amount"`
		CreatedAt time.Time `boil:"created_at"`
	}

	ledgerSum struct {
		Sum   int `boil:"sum"`
		Count int `boil:"count"`
	}

	ledgerRepository struct {
		exec core.DBExecutor
	}
)

var _ ledger.Repository = (*ledgerRepository)(nil) // interface compliance check

func NewLedgerRepository(exec core.DBExecutor) *ledgerRepository {
	return &ledgerRepository{exec: exec}
}

func (repo ledgerRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 && svcExec[0] != nil {
		return svcExec[0]
	}
	return repo.exec
}

func (repo ledgerRepository) unboil(e ledgerEntry) ledger.Entry {
	return ledger.Entry{
		ID:        e.ID,
		StudentID: e.StudentID,
		FlagID:    e.FlagID,
		Kind:      ledger.Kind(e.Kind),
		Amount:    e.Amount,
		CreatedAt: e.CreatedAt.UTC(),
	}
}

func (repo ledgerRepository) unboilSlice(slice []ledgerEntry) []ledger.Entry {
	entries := make([]ledger.Entry, 0, len(slice))
	for _, e := range slice {
		entries = append(entries, repo.unboil(e))
	}
	return entries
}

func (repo ledgerRepository) CreateEntry(ctx context.Context, entry ledger.Entry, exec ...core.DBExecutor) (ledger.Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	// the (flag_id, kind) constraint is checked without aborting the caller's transaction
	q := `INSERT INTO ledger_entry (` + entryColumns + `) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (flag_id, kind) DO NOTHING`
	res, err := queries.Raw(q,
		entry.ID, entry.StudentID, entry.FlagID, string(entry.Kind), entry.Amount, entry.CreatedAt.UTC(),
	).ExecContext(ctx, repo.getExec(exec))
	if err != nil {
		if pqErr, ok := errors.Cause(err).(*pq.Error); ok && pqErr.Code.Class() == "23" {
			return ledger.Entry{}, errors.Wrap(ledger.ErrConstraintViolation, pqErr.Message)
		}
		return ledger.Entry{}, errors.Wrap(err, "inserting ledger entry")
	}
	if cnt, err := res.RowsAffected(); err != nil {
		return ledger.Entry{}, errors.Wrap(err, "inserting ledger entry")
	} else if cnt == 0 {
		return ledger.Entry{}, errors.Wrapf(ledger.ErrConstraintViolation, "flag %s already has a %s", entry.FlagID, entry.Kind)
	}
	return entry, nil
}

func (repo ledgerRepository) QueryEntriesByFlag(ctx context.Context, flagID string, exec ...core.DBExecutor) ([]ledger.Entry, error) {
	if _, err := uuid.Parse(flagID); err != nil {
		return []ledger.Entry{}, nil
	}
	var entries []ledgerEntry
	q := `SELECT ` + entryColumns + ` FROM ledger_entry WHERE flag_id = $1 ORDER BY created_at, kind`
	if err := queries.Raw(q, flagID).Bind(ctx, repo.getExec(exec), &entries); err != nil {
		return nil, errors.Wrap(err, "querying flag entries")
	}
	return repo.unboilSlice(entries), nil
}

func (repo ledgerRepository) QueryEntriesByStudent(ctx context.Context, studentID string, exec ...core.DBExecutor) ([]ledger.Entry, error) {
	var entries []ledgerEntry
	q := `SELECT ` + entryColumns + ` FROM ledger_entry WHERE student_id = $1 ORDER BY created_at, id`
	if err := queries.Raw(q, studentID).Bind(ctx, repo.getExec(exec), &entries); err != nil {
		return nil, errors.Wrap(err, "querying student entries")
	}
	return repo.unboilSlice(entries), nil
}

func (repo ledgerRepository) SumByStudent(ctx context.Context, studentID string, exec ...core.DBExecutor) (int, int, error) {
	var res ledgerSum
	q := `SELECT COALESCE(SUM(amount), 0) AS sum, COUNT(*) AS count FROM ledger_entry WHERE student_id = $1`
	if err := queries.Raw(q, studentID).Bind(ctx, repo.getExec(exec), &res); err != nil {
		return 0, 0, errors.Wrap(err, "summing student entries")
	}
	return res.Sum, res.Count, nil
}
