package sqlxrepos

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/notification"
	"github.com/trezcool/clearance/storage/database"
)

const notificationColumns = `id, idempotency_key, flag_id, recipient_id, audience, address, channel, priority, subject,
	body, status, failure_reason, attempt_count, retry_base, provider_message_id, next_attempt_at, locked_until, version,
	created_at, updated_at, sent_at, delivered_at, read_at`

const attemptColumns = `id, notification_id, number, outcome, error, provider_message_id, started_at, finished_at`

type (
	notificationRow struct {
		ID                string      `db:"id"`
		IdempotencyKey    string      `db:"idempotency_key"`
		FlagID            null.String `db:"flag_id"`
		RecipientID       string      `db:"recipient_id"`
		Audience          string      `db:"audience"`
		Address           string      `db:"address"`
		Channel           string      `db:"channel"`
		Priority          int         `db:"priority"`
		Subject           string      `db:"subject"`
		Body              string      `db:"body"`
		Status            string      `db:"status"`
		FailureReason     null.String `db:"failure_reason"`
		AttemptCount      int         `db:"attempt_count"`
		RetryBase         int         `db:"retry_base"`
		ProviderMessageID null.String `db:"provider_message_id"`
		NextAttemptAt     time.Time   `db:"next_attempt_at"`
		LockedUntil       null.Time   `db:"locked_until"`
		Version           int         `db:"version"`
		CreatedAt         time.Time   `db:"created_at"`
		UpdatedAt         time.Time   `db:"updated_at"`
		SentAt            null.Time   `db:"sent_at"`
		DeliveredAt       null.Time   `db:"delivered_at"`
		ReadAt            null.Time   `db:"read_at"`
	}

	attemptRow struct {
		ID                string      `db:"id"`
		NotificationID    string      `db:"notification_id"`
		Number            int         `db:"number"`
		Outcome           string      `db:"outcome"`
		Error             null.String `db:"error"`
		ProviderMessageID null.String `db:"provider_message_id"`
		StartedAt         time.Time   `db:"started_at"`
		FinishedAt        time.Time   `db:"finished_at"`
	}

	notificationRepository struct {
		repository
	}
)

var _ notification.Repository = (*notificationRepository)(nil) // interface compliance check

func NewNotificationRepository(db *sqlx.DB) *notificationRepository {
	return &notificationRepository{repository{db: db}}
}

func utcPtr(t null.Time) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func utcNull(t *time.Time) null.Time {
	if t == nil {
		return null.Time{}
	}
	return null.TimeFrom(t.UTC())
}

func toNotificationRow(n notification.Notification) notificationRow {
	return notificationRow{
		ID:                n.ID,
		IdempotencyKey:    n.IdempotencyKey,
		FlagID:            null.NewString(n.FlagID, n.FlagID != ""),
		RecipientID:       n.RecipientID,
		Audience:          string(n.Audience),
		Address:           n.Address,
		Channel:           string(n.Channel),
		Priority:          n.Priority.Rank(),
		Subject:           n.Subject,
		Body:              n.Body,
		Status:            string(n.Status),
		FailureReason:     null.NewString(n.FailureReason, n.FailureReason != ""),
		AttemptCount:      n.AttemptCount,
		RetryBase:         n.RetryBase,
		ProviderMessageID: null.NewString(n.ProviderMessageID, n.ProviderMessageID != ""),
		NextAttemptAt:     n.NextAttemptAt.UTC(),
		LockedUntil:       utcNull(n.LockedUntil),
		Version:           n.Version,
		CreatedAt:         n.CreatedAt.UTC(),
		UpdatedAt:         n.UpdatedAt.UTC(),
		SentAt:            utcNull(n.SentAt),
		DeliveredAt:       utcNull(n.DeliveredAt),
		ReadAt:            utcNull(n.ReadAt),
	}
}

func (r notificationRow) notification() notification.Notification {
	return notification.Notification{
		ID:                r.ID,
		IdempotencyKey:    r.IdempotencyKey,
		FlagID:            r.FlagID.String,
		RecipientID:       r.RecipientID,
		Audience:          notification.Audience(r.Audience),
		Address:           r.Address,
		Channel:           notification.Channel(r.Channel),
		Priority:          notification.PriorityFromRank(r.Priority),
		Subject:           r.Subject,
		Body:              r.Body,
		Status:            notification.Status(r.Status),
		FailureReason:     r.FailureReason.String,
		AttemptCount:      r.AttemptCount,
		RetryBase:         r.RetryBase,
		ProviderMessageID: r.ProviderMessageID.String,
		NextAttemptAt:     r.NextAttemptAt.UTC(),
		LockedUntil:       utcPtr(r.LockedUntil),
		Version:           r.Version,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
		SentAt:            utcPtr(r.SentAt),
		DeliveredAt:       utcPtr(r.DeliveredAt),
		ReadAt:            utcPtr(r.ReadAt),
	}
}

func notifications(rows []notificationRow) []notification.Notification {
	notifs := make([]notification.Notification, 0, len(rows))
	for _, r := range rows {
		notifs = append(notifs, r.notification())
	}
	return notifs
}

func (repo notificationRepository) CreateNotification(ctx context.Context, n notification.Notification, exec ...core.DBExecutor) (notification.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	q := `INSERT INTO notification (` + notificationColumns + `)
		VALUES (:id, :idempotency_key, :flag_id, :recipient_id, :audience, :address, :channel, :priority, :subject,
			:body, :status, :failure_reason, :attempt_count, :retry_base, :provider_message_id, :next_attempt_at,
			:locked_until, :version, :created_at, :updated_at, :sent_at, :delivered_at, :read_at)
		ON CONFLICT (idempotency_key) DO NOTHING`

	res, err := sqlx.NamedExecContext(ctx, repo.ext(exec), q, toNotificationRow(n))
	if err != nil {
		return notification.Notification{}, errors.Wrap(err, "inserting notification")
	}
	if cnt, err := res.RowsAffected(); err != nil {
		return notification.Notification{}, errors.Wrap(err, "inserting notification")
	} else if cnt == 0 {
		return notification.Notification{}, notification.ErrDuplicateKey
	}
	return n, nil
}

func (repo notificationRepository) GetNotificationByID(ctx context.Context, id string, exec ...core.DBExecutor) (notification.Notification, error) {
	if _, err := uuid.Parse(id); err != nil {
		return notification.Notification{}, notification.ErrNotFound
	}
	var row notificationRow
	q := `SELECT ` + notificationColumns + ` FROM notification WHERE id = $1`
	if err := sqlx.GetContext(ctx, repo.ext(exec), &row, q, id); err != nil {
		return notification.Notification{}, trapNoRowsErr(err, notification.ErrNotFound, "finding notification by ID")
	}
	return row.notification(), nil
}

func (repo notificationRepository) GetNotificationByKey(ctx context.Context, key string, exec ...core.DBExecutor) (notification.Notification, error) {
	var row notificationRow
	q := `SELECT ` + notificationColumns + ` FROM notification WHERE idempotency_key = $1`
	if err := sqlx.GetContext(ctx, repo.ext(exec), &row, q, key); err != nil {
		return notification.Notification{}, trapNoRowsErr(err, notification.ErrNotFound, "finding notification by key")
	}
	return row.notification(), nil
}

func (repo notificationRepository) UpdateNotification(ctx context.Context, n notification.Notification, exec ...core.DBExecutor) (notification.Notification, error) {
	q := `UPDATE notification SET
			status = :status,
			failure_reason = :failure_reason,
			attempt_count = :attempt_count,
			retry_base = :retry_base,
			provider_message_id = :provider_message_id,
			next_attempt_at = :next_attempt_at,
			locked_until = :locked_until,
			updated_at = :updated_at,
			sent_at = :sent_at,
			delivered_at = :delivered_at,
			read_at = :read_at,
			version = version + 1
		WHERE id = :id AND version = :version`

	res, err := sqlx.NamedExecContext(ctx, repo.ext(exec), q, toNotificationRow(n))
	if err != nil {
		return notification.Notification{}, errors.Wrap(err, "updating notification")
	}
	if cnt, err := res.RowsAffected(); err != nil {
		return notification.Notification{}, errors.Wrap(err, "updating notification")
	} else if cnt == 0 {
		return notification.Notification{}, notification.ErrStale
	}
	n.Version++
	return n, nil
}

func (repo notificationRepository) ClaimDue(
	ctx context.Context,
	now, leaseUntil time.Time,
	limit int,
	exec ...core.DBExecutor,
) ([]notification.Notification, error) {
	// concurrent claimers skip each other's rows; the lease makes crashed claims due again
	q := `UPDATE notification SET locked_until = $2
		WHERE id IN (
			SELECT id FROM notification
			WHERE status = $3 AND next_attempt_at <= $1 AND (locked_until IS NULL OR locked_until <= $1)
			ORDER BY priority DESC, next_attempt_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + notificationColumns

	var rows []notificationRow
	err := sqlx.SelectContext(ctx, repo.ext(exec), &rows, q, now.UTC(), leaseUntil.UTC(), notification.StatusPending, limit)
	if err != nil {
		return nil, errors.Wrap(database.TrapConnErr(err), "claiming due notifications")
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Priority != rows[j].Priority {
			return rows[i].Priority > rows[j].Priority
		}
		return rows[i].NextAttemptAt.Before(rows[j].NextAttemptAt)
	})
	return notifications(rows), nil
}

func (repo notificationRepository) SupersedePending(
	ctx context.Context,
	flagID string,
	audience notification.Audience,
	now time.Time,
	exec ...core.DBExecutor,
) (int, error) {
	q := `UPDATE notification SET status = $1, locked_until = NULL, updated_at = $2, version = version + 1
		WHERE flag_id = $3 AND status = $4 AND audience = $5`
	res, err := repo.ext(exec).ExecContext(ctx, q,
		notification.StatusSuperseded, now.UTC(), flagID, notification.StatusPending, audience)
	if err != nil {
		return 0, errors.Wrap(err, "superseding notifications")
	}
	cnt, err := res.RowsAffected()
	return int(cnt), errors.Wrap(err, "superseding notifications")
}

func (repo notificationRepository) QueryNotifications(
	ctx context.Context,
	filter notification.QueryFilter,
	page core.Page,
	exec ...core.DBExecutor,
) ([]notification.Notification, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.FlagID != "" {
		if _, err := uuid.Parse(filter.FlagID); err != nil {
			return []notification.Notification{}, nil
		}
		add("flag_id = $%d", filter.FlagID)
	}
	if filter.RecipientID != "" {
		add("recipient_id = $%d", filter.RecipientID)
	}
	if len(filter.Statuses) > 0 {
		add("status = ANY($%d)", stringArray(filter.Statuses))
	}
	if len(filter.Channels) > 0 {
		add("channel = ANY($%d)", stringArray(filter.Channels))
	}

	var where string
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	page = page.Normalize()
	q := fmt.Sprintf(`SELECT %s FROM notification%s ORDER BY created_at, id LIMIT %d OFFSET %d`,
		notificationColumns, where, page.Size, page.Offset())

	var rows []notificationRow
	if err := sqlx.SelectContext(ctx, repo.ext(exec), &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "querying notifications")
	}
	return notifications(rows), nil
}

func (repo notificationRepository) QueryNotifiedFlags(
	ctx context.Context,
	flagIDs []string,
	audience notification.Audience,
	exec ...core.DBExecutor,
) (map[string]bool, error) {
	ids := make(pq.StringArray, 0, len(flagIDs))
	for _, id := range flagIDs {
		if _, err := uuid.Parse(id); err == nil {
			ids = append(ids, id)
		}
	}
	notified := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return notified, nil
	}

	q := `SELECT DISTINCT flag_id FROM notification
		WHERE flag_id = ANY($1::uuid[]) AND audience = $2 AND status IN ($3, $4, $5)`
	var found []string
	err := sqlx.SelectContext(ctx, repo.ext(exec), &found, q, ids, audience,
		notification.StatusSent, notification.StatusDelivered, notification.StatusRead)
	if err != nil {
		return nil, errors.Wrap(err, "querying notified flags")
	}
	for _, id := range found {
		notified[id] = true
	}
	return notified, nil
}

func (repo notificationRepository) CreateAttempt(ctx context.Context, a notification.Attempt, exec ...core.DBExecutor) (notification.Attempt, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	row := attemptRow{
		ID:                a.ID,
		NotificationID:    a.NotificationID,
		Number:            a.Number,
		Outcome:           string(a.Outcome),
		Error:             null.NewString(a.Error, a.Error != ""),
		ProviderMessageID: null.NewString(a.ProviderMessageID, a.ProviderMessageID != ""),
		StartedAt:         a.StartedAt.UTC(),
		FinishedAt:        a.FinishedAt.UTC(),
	}
	q := `INSERT INTO notification_attempt (` + attemptColumns + `)
		VALUES (:id, :notification_id, :number, :outcome, :error, :provider_message_id, :started_at, :finished_at)`
	if _, err := sqlx.NamedExecContext(ctx, repo.ext(exec), q, row); err != nil {
		if isUniqueViolation(err) {
			return notification.Attempt{}, errors.Wrapf(notification.ErrStale, "attempt %d already recorded", a.Number)
		}
		return notification.Attempt{}, errors.Wrap(err, "inserting attempt")
	}
	return a, nil
}

func (repo notificationRepository) QueryAttempts(ctx context.Context, notificationID string, exec ...core.DBExecutor) ([]notification.Attempt, error) {
	if _, err := uuid.Parse(notificationID); err != nil {
		return []notification.Attempt{}, nil
	}
	var rows []attemptRow
	q := `SELECT ` + attemptColumns + ` FROM notification_attempt WHERE notification_id = $1 ORDER BY number`
	if err := sqlx.SelectContext(ctx, repo.ext(exec), &rows, q, notificationID); err != nil {
		return nil, errors.Wrap(err, "querying attempts")
	}
	attempts := make([]notification.Attempt, 0, len(rows))
	for _, r := range rows {
		attempts = append(attempts, notification.Attempt{
			ID:                r.ID,
			NotificationID:    r.NotificationID,
			Number:            r.Number,
			Outcome:           notification.Outcome(r.Outcome),
			Error:             r.Error.String,
			ProviderMessageID: r.ProviderMessageID.String,
			StartedAt:         r.StartedAt.UTC(),
			FinishedAt:        r.FinishedAt.UTC(),
		})
	}
	return attempts, nil
}
