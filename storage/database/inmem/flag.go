package inmemdb

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/flag"
)

type flagRepository struct {
	db *DB
}

var _ flag.Repository = (*flagRepository)(nil) // interface compliance check

func NewFlagRepository(db *DB) *flagRepository {
	return &flagRepository{db: db}
}

func isOpen(f flag.Flag) bool {
	return f.Status == flag.StatusPendingClearance || f.Status == flag.StatusUnderReview
}

func (repo *flagRepository) CreateFlag(_ context.Context, f flag.Flag, exec ...core.DBExecutor) (flag.Flag, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if isOpen(f) {
		for _, existing := range repo.db.flags {
			if isOpen(existing) && existing.StudentID == f.StudentID && existing.SessionID == f.SessionID {
				return flag.Flag{}, flag.ErrDuplicateFlag
			}
		}
	}
	trackPut(exec, repo.db.flags, f.ID)
	repo.db.flags[f.ID] = f
	return f, nil
}

func (repo *flagRepository) GetFlagByID(_ context.Context, id string, _ ...core.DBExecutor) (flag.Flag, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if f, ok := repo.db.flags[id]; ok {
		return f, nil
	}
	return flag.Flag{}, flag.ErrNotFound
}

func (repo *flagRepository) GetOpenFlagBySession(_ context.Context, studentID, sessionID string, _ ...core.DBExecutor) (flag.Flag, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	for _, f := range repo.db.flags {
		if isOpen(f) && f.StudentID == studentID && f.SessionID == sessionID {
			return f, nil
		}
	}
	return flag.Flag{}, flag.ErrNotFound
}

func (repo *flagRepository) UpdateFlag(_ context.Context, f flag.Flag, exec ...core.DBExecutor) (flag.Flag, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	current, ok := repo.db.flags[f.ID]
	if !ok || current.Version != f.Version {
		return flag.Flag{}, flag.ErrStaleFlag
	}
	// points and deadline never change
	f.PointsDeducted = current.PointsDeducted
	f.Deadline = current.Deadline
	f.Version++
	trackPut(exec, repo.db.flags, f.ID)
	repo.db.flags[f.ID] = f
	return f, nil
}

func matchFlag(f flag.Flag, filter flag.QueryFilter) bool {
	if len(filter.Statuses) > 0 {
		var found bool
		for _, s := range filter.Statuses {
			if f.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filter.Severities) > 0 {
		var found bool
		for _, s := range filter.Severities {
			if f.Severity == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.StudentID != "" && f.StudentID != filter.StudentID {
		return false
	}
	if filter.Search != "" {
		search := strings.ToLower(filter.Search)
		if !strings.Contains(strings.ToLower(f.StudentID), search) &&
			!strings.Contains(strings.ToLower(f.SessionID), search) &&
			!strings.Contains(strings.ToLower(f.Reason), search) {
			return false
		}
	}
	return true
}

func compareFlags(a, b flag.Flag, field string) int {
	var x, y string
	switch field {
	case "created_at":
		return compareTimes(a.CreatedAt, b.CreatedAt)
	case "updated_at":
		return compareTimes(a.UpdatedAt, b.UpdatedAt)
	case "deadline":
		return compareTimes(a.Deadline, b.Deadline)
	case "severity":
		return a.Severity.Rank() - b.Severity.Rank()
	case "status":
		x, y = string(a.Status), string(b.Status)
	case "student_id":
		x, y = a.StudentID, b.StudentID
	}
	return strings.Compare(x, y)
}

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func (repo *flagRepository) QueryFlags(
	_ context.Context,
	filter flag.QueryFilter,
	page core.Page,
	ordering []core.DBOrdering,
	_ ...core.DBExecutor,
) ([]flag.Flag, int, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	flags := make([]flag.Flag, 0)
	for _, f := range repo.db.flags {
		if matchFlag(f, filter) {
			flags = append(flags, f)
		}
	}
	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "created_at"}}
	}
	sort.Slice(flags, func(i, j int) bool {
		for _, ord := range ordering {
			c := compareFlags(flags[i], flags[j], ord.Field)
			if !ord.Ascending {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return flags[i].ID < flags[j].ID
	})

	total := len(flags)
	page = page.Normalize()
	start := page.Offset()
	if start > total {
		start = total
	}
	end := start + page.Size
	if end > total {
		end = total
	}
	return flags[start:end], total, nil
}

func (repo *flagRepository) QueryEscalationCandidates(_ context.Context, before time.Time, limit int, _ ...core.DBExecutor) ([]flag.Flag, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	flags := make([]flag.Flag, 0)
	for _, f := range repo.db.flags {
		if f.Status == flag.StatusPendingClearance && f.Urgency != flag.UrgencyOverdue && f.Deadline.Before(before) {
			flags = append(flags, f)
		}
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].Deadline.Before(flags[j].Deadline) })
	if limit > 0 && len(flags) > limit {
		flags = flags[:limit]
	}
	return flags, nil
}

func (repo *flagRepository) CreateResponse(_ context.Context, r flag.ParentResponse, exec ...core.DBExecutor) (flag.ParentResponse, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if _, ok := repo.db.responses[r.FlagID]; ok {
		return flag.ParentResponse{}, flag.ErrAlreadyResponded
	}
	trackPut(exec, repo.db.responses, r.FlagID)
	repo.db.responses[r.FlagID] = r
	return r, nil
}

func (repo *flagRepository) GetResponse(_ context.Context, flagID string, _ ...core.DBExecutor) (flag.ParentResponse, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if r, ok := repo.db.responses[flagID]; ok {
		return r, nil
	}
	return flag.ParentResponse{}, flag.ErrResponseNotFound
}

func (repo *flagRepository) UpdateResponseNotes(_ context.Context, flagID, notes string, exec ...core.DBExecutor) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	r, ok := repo.db.responses[flagID]
	if !ok {
		return flag.ErrResponseNotFound
	}
	r.ReviewerNotes = notes
	trackPut(exec, repo.db.responses, flagID)
	repo.db.responses[flagID] = r
	return nil
}

func (repo *flagRepository) CreateEvent(_ context.Context, e flag.Event, exec ...core.DBExecutor) (flag.Event, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	track(exec, func() {
		repo.db.events = removeFirst(repo.db.events, func(ev flag.Event) bool { return ev.ID == e.ID })
	})
	repo.db.events = append(repo.db.events, e)
	return e, nil
}

func (repo *flagRepository) QueryEvents(_ context.Context, flagID string, _ ...core.DBExecutor) ([]flag.Event, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	events := make([]flag.Event, 0)
	for _, e := range repo.db.events {
		if e.FlagID == flagID {
			events = append(events, e)
		}
	}
	return events, nil
}
