package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/clearance/core"
)

var (
	// ErrConstraintViolation is returned for a duplicate deduction/restoration or an orphan restoration.
	ErrConstraintViolation = errors.New("ledger constraint violation")
	ErrInvalidEntry        = errors.New("invalid ledger entry")
)

type (
	Repository interface {
		// CreateEntry inserts `entry`; a second entry of the same (flag_id, kind) returns ErrConstraintViolation.
		CreateEntry(ctx context.Context, entry Entry, exec ...core.DBExecutor) (Entry, error)
		QueryEntriesByFlag(ctx context.Context, flagID string, exec ...core.DBExecutor) ([]Entry, error)
		QueryEntriesByStudent(ctx context.Context, studentID string, exec ...core.DBExecutor) ([]Entry, error)
		SumByStudent(ctx context.Context, studentID string, exec ...core.DBExecutor) (sum int, count int, err error)
	}

	Service struct {
		repo Repository
	}
)

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Append inserts a new entry. Entries are never updated nor deleted.
func (svc *Service) Append(ctx context.Context, ne NewEntry, exec ...core.DBExecutor) (Entry, error) {
	if err := validateEntry(ne); err != nil {
		return Entry{}, err
	}

	existing, err := svc.repo.QueryEntriesByFlag(ctx, ne.FlagID, exec...)
	if err != nil {
		return Entry{}, errors.Wrap(err, "querying flag entries")
	}
	var hasDeduction bool
	for _, e := range existing {
		if e.Kind == ne.Kind {
			return Entry{}, errors.Wrapf(ErrConstraintViolation, "flag %s already has a %s", ne.FlagID, ne.Kind)
		}
		if e.Kind == KindDeduction {
			hasDeduction = true
		}
	}
	if ne.Kind == KindRestoration && !hasDeduction {
		return Entry{}, errors.Wrapf(ErrConstraintViolation, "flag %s has no deduction to restore", ne.FlagID)
	}

	entry := Entry{
		ID:        uuid.New().String(),
		StudentID: ne.StudentID,
		FlagID:    ne.FlagID,
		Kind:      ne.Kind,
		Amount:    ne.Amount,
		CreatedAt: core.Now(),
	}
	return svc.repo.CreateEntry(ctx, entry, exec...)
}

// CurrentAdjustment returns the sum of every entry of the student.
func (svc *Service) CurrentAdjustment(ctx context.Context, studentID string, exec ...core.DBExecutor) (Adjustment, error) {
	sum, count, err := svc.repo.SumByStudent(ctx, studentID, exec...)
	if err != nil {
		return Adjustment{}, errors.Wrap(err, "summing student entries")
	}
	return Adjustment{StudentID: studentID, Adjustment: sum, Entries: count}, nil
}

func (svc *Service) EntriesForFlag(ctx context.Context, flagID string, exec ...core.DBExecutor) ([]Entry, error) {
	return svc.repo.QueryEntriesByFlag(ctx, flagID, exec...)
}

func (svc *Service) EntriesForStudent(ctx context.Context, studentID string, exec ...core.DBExecutor) ([]Entry, error) {
	return svc.repo.QueryEntriesByStudent(ctx, studentID, exec...)
}

func validateEntry(ne NewEntry) error {
	switch {
	case ne.StudentID == "" || ne.FlagID == "":
		return errors.Wrap(ErrInvalidEntry, "student and flag are required")
	case !ne.Kind.IsValid():
		return errors.Wrapf(ErrInvalidEntry, "unknown kind %q", ne.Kind)
	case ne.Kind == KindDeduction && ne.Amount > 0:
		return errors.Wrap(ErrInvalidEntry, "a deduction cannot be positive")
	case ne.Kind == KindRestoration && ne.Amount < 0:
		return errors.Wrap(ErrInvalidEntry, "a restoration cannot be negative")
	}
	return nil
}
