package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/notification"
)

type notificationRepository struct {
	db *DB
}

var _ notification.Repository = (*notificationRepository)(nil) // interface compliance check

func NewNotificationRepository(db *DB) *notificationRepository {
	return &notificationRepository{db: db}
}

func (repo *notificationRepository) CreateNotification(_ context.Context, n notification.Notification, exec ...core.DBExecutor) (notification.Notification, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	for _, existing := range repo.db.notifications {
		if existing.IdempotencyKey == n.IdempotencyKey {
			return notification.Notification{}, notification.ErrDuplicateKey
		}
	}
	trackPut(exec, repo.db.notifications, n.ID)
	repo.db.notifications[n.ID] = n
	return n, nil
}

func (repo *notificationRepository) GetNotificationByID(_ context.Context, id string, _ ...core.DBExecutor) (notification.Notification, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if n, ok := repo.db.notifications[id]; ok {
		return n, nil
	}
	return notification.Notification{}, notification.ErrNotFound
}

func (repo *notificationRepository) GetNotificationByKey(_ context.Context, key string, _ ...core.DBExecutor) (notification.Notification, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	for _, n := range repo.db.notifications {
		if n.IdempotencyKey == key {
			return n, nil
		}
	}
	return notification.Notification{}, notification.ErrNotFound
}

func (repo *notificationRepository) UpdateNotification(_ context.Context, n notification.Notification, exec ...core.DBExecutor) (notification.Notification, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	current, ok := repo.db.notifications[n.ID]
	if !ok || current.Version != n.Version {
		return notification.Notification{}, notification.ErrStale
	}
	n.Attempts = nil
	n.Version++
	trackPut(exec, repo.db.notifications, n.ID)
	repo.db.notifications[n.ID] = n
	return n, nil
}

func (repo *notificationRepository) ClaimDue(
	_ context.Context,
	now, leaseUntil time.Time,
	limit int,
	exec ...core.DBExecutor,
) ([]notification.Notification, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	due := make([]notification.Notification, 0)
	for _, n := range repo.db.notifications {
		if n.Status != notification.StatusPending || n.NextAttemptAt.After(now) {
			continue
		}
		if n.LockedUntil != nil && n.LockedUntil.After(now) {
			continue
		}
		due = append(due, n)
	}
	sort.Slice(due, func(i, j int) bool {
		if ri, rj := due[i].Priority.Rank(), due[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	for i := range due {
		lease := leaseUntil
		due[i].LockedUntil = &lease
		trackPut(exec, repo.db.notifications, due[i].ID)
		repo.db.notifications[due[i].ID] = due[i]
	}
	return due, nil
}

func (repo *notificationRepository) SupersedePending(
	_ context.Context,
	flagID string,
	audience notification.Audience,
	now time.Time,
	exec ...core.DBExecutor,
) (int, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	var cnt int
	for id, n := range repo.db.notifications {
		if n.FlagID == flagID && n.Audience == audience && n.Status == notification.StatusPending {
			n.Status = notification.StatusSuperseded
			n.LockedUntil = nil
			n.UpdatedAt = now
			n.Version++
			trackPut(exec, repo.db.notifications, id)
			repo.db.notifications[id] = n
			cnt++
		}
	}
	return cnt, nil
}

func matchNotification(n notification.Notification, filter notification.QueryFilter) bool {
	if filter.FlagID != "" && n.FlagID != filter.FlagID {
		return false
	}
	if filter.RecipientID != "" && n.RecipientID != filter.RecipientID {
		return false
	}
	if len(filter.Statuses) > 0 {
		var found bool
		for _, s := range filter.Statuses {
			if n.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filter.Channels) > 0 {
		var found bool
		for _, ch := range filter.Channels {
			if n.Channel == ch {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (repo *notificationRepository) QueryNotifications(
	_ context.Context,
	filter notification.QueryFilter,
	page core.Page,
	_ ...core.DBExecutor,
) ([]notification.Notification, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	notifs := make([]notification.Notification, 0)
	for _, n := range repo.db.notifications {
		if matchNotification(n, filter) {
			notifs = append(notifs, n)
		}
	}
	sort.Slice(notifs, func(i, j int) bool {
		if !notifs[i].CreatedAt.Equal(notifs[j].CreatedAt) {
			return notifs[i].CreatedAt.Before(notifs[j].CreatedAt)
		}
		return notifs[i].ID < notifs[j].ID
	})

	page = page.Normalize()
	start := page.Offset()
	if start > len(notifs) {
		start = len(notifs)
	}
	end := start + page.Size
	if end > len(notifs) {
		end = len(notifs)
	}
	return notifs[start:end], nil
}

func (repo *notificationRepository) QueryNotifiedFlags(
	_ context.Context,
	flagIDs []string,
	audience notification.Audience,
	_ ...core.DBExecutor,
) (map[string]bool, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	wanted := make(map[string]bool, len(flagIDs))
	for _, id := range flagIDs {
		wanted[id] = true
	}
	notified := make(map[string]bool)
	for _, n := range repo.db.notifications {
		if wanted[n.FlagID] && n.Audience == audience && n.Status.IsSent() {
			notified[n.FlagID] = true
		}
	}
	return notified, nil
}

func (repo *notificationRepository) CreateAttempt(_ context.Context, a notification.Attempt, exec ...core.DBExecutor) (notification.Attempt, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	for _, existing := range repo.db.attempts[a.NotificationID] {
		if existing.Number == a.Number {
			return notification.Attempt{}, notification.ErrStale
		}
	}
	track(exec, func() {
		repo.db.attempts[a.NotificationID] = removeFirst(repo.db.attempts[a.NotificationID],
			func(x notification.Attempt) bool { return x.Number == a.Number })
	})
	repo.db.attempts[a.NotificationID] = append(repo.db.attempts[a.NotificationID], a)
	return a, nil
}

func (repo *notificationRepository) QueryAttempts(_ context.Context, notificationID string, _ ...core.DBExecutor) ([]notification.Attempt, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	attempts := append([]notification.Attempt{}, repo.db.attempts[notificationID]...)
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].Number < attempts[j].Number })
	return attempts, nil
}
