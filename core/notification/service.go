package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/trezcool/clearance/core"
)

var (
	ErrNotFound            = errors.New("notification not found")
	ErrDuplicateKey        = errors.New("idempotency key already used")
	ErrStale               = errors.New("notification was modified concurrently")
	ErrProviderUnavailable = errors.New("channel provider unavailable")
	ErrDispatchTimeout     = errors.New("channel provider timed out")
	ErrNoProvider          = errors.New("no provider for channel")
	ErrOutOfOrderEvent     = errors.New("delivery event out of order")
	ErrNotResendable       = errors.New("only failed notifications can be resent")
	ErrNotCancellable      = errors.New("only pending notifications can be cancelled")
	ErrInvalidNotification = errors.New("invalid notification")
)

type (
	Repository interface {
		// CreateNotification returns ErrDuplicateKey if the idempotency key is taken.
		CreateNotification(ctx context.Context, n Notification, exec ...core.DBExecutor) (Notification, error)
		GetNotificationByID(ctx context.Context, id string, exec ...core.DBExecutor) (Notification, error)
		GetNotificationByKey(ctx context.Context, key string, exec ...core.DBExecutor) (Notification, error)
		// UpdateNotification saves `n` if its version is still n.Version and bumps it; ErrStale otherwise.
		UpdateNotification(ctx context.Context, n Notification, exec ...core.DBExecutor) (Notification, error)
		// ClaimDue leases up to `limit` due pending notifications until `leaseUntil`,
		// highest priority first, then oldest next_attempt_at.
		ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int, exec ...core.DBExecutor) ([]Notification, error)
		// SupersedePending marks the pending notifications of the flag addressed to `audience` superseded
		// and returns how many.
		SupersedePending(ctx context.Context, flagID string, audience Audience, now time.Time, exec ...core.DBExecutor) (int, error)
		QueryNotifications(ctx context.Context, filter QueryFilter, page core.Page, exec ...core.DBExecutor) ([]Notification, error)
		// QueryNotifiedFlags returns which of `flagIDs` have a sent (or later) notification for `audience`.
		QueryNotifiedFlags(ctx context.Context, flagIDs []string, audience Audience, exec ...core.DBExecutor) (map[string]bool, error)

		CreateAttempt(ctx context.Context, a Attempt, exec ...core.DBExecutor) (Attempt, error)
		QueryAttempts(ctx context.Context, notificationID string, exec ...core.DBExecutor) ([]Attempt, error)
	}

	// Service is the notification dispatcher.
	Service struct {
		repo      Repository
		tx        core.Transactor
		providers *Registry
		conf      core.DispatchConfig
		logger    core.Logger
		locks     *core.KeyLocker

		breakers map[Channel]*gobreaker.CircuitBreaker[string]
		limiters map[Channel]*rate.Limiter

		wake chan struct{}
	}
)

func NewService(
	repo Repository,
	tx core.Transactor,
	providers *Registry,
	conf core.DispatchConfig,
	logger core.Logger,
) *Service {
	svc := &Service{
		repo:      repo,
		tx:        tx,
		providers: providers,
		conf:      conf,
		logger:    logger,
		locks:     core.NewKeyLocker(),
		breakers:  make(map[Channel]*gobreaker.CircuitBreaker[string], len(Channels)),
		limiters:  make(map[Channel]*rate.Limiter, len(Channels)),
		wake:      make(chan struct{}, 1),
	}
	for _, ch := range Channels {
		svc.breakers[ch] = svc.newBreaker(ch)

		limit := conf.Limits[string(ch)]
		if limit.RatePerSecond > 0 {
			burst := limit.Burst
			if burst < 1 {
				burst = 1
			}
			svc.limiters[ch] = rate.NewLimiter(rate.Limit(limit.RatePerSecond), burst)
		}
	}
	return svc
}

// Enqueue creates a pending notification. A second call with the same idempotency key
// returns the notification created by the first one.
func (svc *Service) Enqueue(ctx context.Context, nn NewNotification, exec ...core.DBExecutor) (Notification, error) {
	if err := validateNew(&nn); err != nil {
		return Notification{}, err
	}

	if existing, err := svc.repo.GetNotificationByKey(ctx, nn.IdempotencyKey, exec...); err == nil {
		dedupedTotal.Inc()
		return existing, nil
	} else if errors.Cause(err) != ErrNotFound {
		return Notification{}, errors.Wrap(err, "finding notification by key")
	}

	now := core.Now()
	n := Notification{
		ID:             uuid.New().String(),
		IdempotencyKey: nn.IdempotencyKey,
		FlagID:         nn.FlagID,
		RecipientID:    nn.RecipientID,
		Audience:       nn.Audience,
		Address:        nn.Address,
		Channel:        nn.Channel,
		Priority:       nn.Priority,
		Subject:        nn.Subject,
		Body:           nn.Body,
		Status:         StatusPending,
		NextAttemptAt:  now,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	created, err := svc.repo.CreateNotification(ctx, n, exec...)
	if err != nil {
		if errors.Cause(err) == ErrDuplicateKey { // lost a race with a concurrent enqueue
			dedupedTotal.Inc()
			return svc.repo.GetNotificationByKey(ctx, nn.IdempotencyKey, exec...)
		}
		return Notification{}, errors.Wrap(err, "creating notification")
	}
	enqueuedTotal.WithLabelValues(string(n.Channel), string(n.Priority)).Inc()
	return created, nil
}

// Wake tells the worker pool there may be new work. Call it once the enqueuing transaction committed.
func (svc *Service) Wake() {
	select {
	case svc.wake <- struct{}{}:
	default:
	}
}

func (svc *Service) Get(ctx context.Context, id string) (Notification, error) {
	n, err := svc.repo.GetNotificationByID(ctx, id)
	if err != nil {
		return Notification{}, err
	}
	if n.Attempts, err = svc.repo.QueryAttempts(ctx, id); err != nil {
		return Notification{}, errors.Wrap(err, "querying attempts")
	}
	return n, nil
}

func (svc *Service) Query(ctx context.Context, filter QueryFilter, page core.Page) ([]Notification, error) {
	return svc.repo.QueryNotifications(ctx, filter, page.Normalize())
}

// ForFlag returns every notification related to the flag, attempts included.
func (svc *Service) ForFlag(ctx context.Context, flagID string) ([]Notification, error) {
	notifs, err := svc.repo.QueryNotifications(ctx, QueryFilter{FlagID: flagID}, core.Page{Number: 1, Size: 200})
	if err != nil {
		return nil, errors.Wrap(err, "querying flag notifications")
	}
	for i := range notifs {
		if notifs[i].Attempts, err = svc.repo.QueryAttempts(ctx, notifs[i].ID); err != nil {
			return nil, errors.Wrap(err, "querying attempts")
		}
	}
	return notifs, nil
}

// NotifiedFlags reports which flags already reached the given audience.
func (svc *Service) NotifiedFlags(ctx context.Context, flagIDs []string, audience Audience) (map[string]bool, error) {
	if len(flagIDs) == 0 {
		return map[string]bool{}, nil
	}
	return svc.repo.QueryNotifiedFlags(ctx, flagIDs, audience)
}

// RecordDeliveryCallback applies a provider webhook event. Events that do not follow
// pending -> sent -> delivered -> read are rejected with ErrOutOfOrderEvent and never applied.
func (svc *Service) RecordDeliveryCallback(ctx context.Context, id string, de DeliveryEvent) (Notification, error) {
	if !de.Event.IsValid() {
		return Notification{}, errors.Wrapf(ErrInvalidNotification, "unknown event %q", de.Event)
	}
	unlock := svc.locks.Lock(id)
	defer unlock()

	n, err := svc.repo.GetNotificationByID(ctx, id)
	if err != nil {
		return Notification{}, err
	}

	ts := de.Timestamp.UTC().Truncate(time.Microsecond)
	if ts.IsZero() {
		ts = core.Now()
	}
	if n.SentAt != nil && ts.Before(*n.SentAt) {
		ts = *n.SentAt // provider clocks drift; never record delivery before sending
	}

	applied := true
	switch de.Event {
	case EventDelivered:
		switch n.Status {
		case StatusSent:
			n.Status = StatusDelivered
			n.DeliveredAt = &ts
		case StatusDelivered, StatusRead: // duplicate webhook
			applied = false
		default:
			return svc.rejectEvent(n, de)
		}
	case EventRead:
		switch n.Status {
		case StatusSent: // backfill delivery
			n.DeliveredAt = &ts
			n.Status = StatusRead
			n.ReadAt = &ts
		case StatusDelivered:
			if ts.Before(*n.DeliveredAt) {
				ts = *n.DeliveredAt
			}
			n.Status = StatusRead
			n.ReadAt = &ts
		case StatusRead:
			applied = false
		default:
			return svc.rejectEvent(n, de)
		}
	}
	if !applied {
		callbacksTotal.WithLabelValues(string(de.Event), "duplicate").Inc()
		return n, nil
	}

	n.UpdatedAt = core.Now()
	updated, err := svc.repo.UpdateNotification(ctx, n)
	if err != nil {
		return Notification{}, errors.Wrap(err, "updating notification")
	}
	callbacksTotal.WithLabelValues(string(de.Event), "applied").Inc()
	return updated, nil
}

func (svc *Service) rejectEvent(n Notification, de DeliveryEvent) (Notification, error) {
	callbacksTotal.WithLabelValues(string(de.Event), "out_of_order").Inc()
	svc.logger.Warn("dropping out of order delivery event", map[string]interface{}{
		"notification_id": n.ID,
		"status":          n.Status,
		"event":           de.Event,
	})
	return n, errors.Wrapf(ErrOutOfOrderEvent, "%s event on a %s notification", de.Event, n.Status)
}

// Resend moves a failed notification back to pending for a fresh round of attempts.
// Previous attempts are kept.
func (svc *Service) Resend(ctx context.Context, id string) (Notification, error) {
	unlock := svc.locks.Lock(id)
	defer unlock()

	n, err := svc.repo.GetNotificationByID(ctx, id)
	if err != nil {
		return Notification{}, err
	}
	if n.Status != StatusFailed {
		return Notification{}, errors.Wrapf(ErrNotResendable, "notification is %s", n.Status)
	}

	now := core.Now()
	n.Status = StatusPending
	n.RetryBase = n.AttemptCount
	n.FailureReason = ""
	n.SentAt = nil
	n.NextAttemptAt = now
	n.LockedUntil = nil
	n.UpdatedAt = now

	updated, err := svc.repo.UpdateNotification(ctx, n)
	if err != nil {
		return Notification{}, errors.Wrap(err, "updating notification")
	}
	svc.Wake()
	return updated, nil
}

// Cancel supersedes a queued notification. A provider call already in flight is not
// interrupted; its result is recorded but does not change the notification.
func (svc *Service) Cancel(ctx context.Context, id string) (Notification, error) {
	unlock := svc.locks.Lock(id)
	defer unlock()

	n, err := svc.repo.GetNotificationByID(ctx, id)
	if err != nil {
		return Notification{}, err
	}
	if n.Status != StatusPending {
		return Notification{}, errors.Wrapf(ErrNotCancellable, "notification is %s", n.Status)
	}
	n.Status = StatusSuperseded
	n.LockedUntil = nil
	n.UpdatedAt = core.Now()
	return svc.repo.UpdateNotification(ctx, n)
}

// SupersedePendingForFlag cancels the queued notifications of the flag addressed to `audience`.
func (svc *Service) SupersedePendingForFlag(ctx context.Context, flagID string, audience Audience, exec ...core.DBExecutor) (int, error) {
	count, err := svc.repo.SupersedePending(ctx, flagID, audience, core.Now(), exec...)
	return count, errors.Wrap(err, "superseding pending notifications")
}

func validateNew(nn *NewNotification) error {
	nn.IdempotencyKey = core.CleanString(nn.IdempotencyKey)
	nn.RecipientID = core.CleanString(nn.RecipientID)
	if nn.Priority == "" {
		nn.Priority = PriorityMedium
	}

	switch {
	case nn.IdempotencyKey == "" || len(nn.IdempotencyKey) > 255:
		return errors.Wrap(ErrInvalidNotification, "idempotency key must have 1 to 255 characters")
	case nn.RecipientID == "":
		return errors.Wrap(ErrInvalidNotification, "recipient is required")
	case !nn.Channel.IsValid():
		return errors.Wrapf(ErrInvalidNotification, "unknown channel %q", nn.Channel)
	case !nn.Priority.IsValid():
		return errors.Wrapf(ErrInvalidNotification, "unknown priority %q", nn.Priority)
	case nn.Subject == "" && nn.Body == "":
		return errors.Wrap(ErrInvalidNotification, "subject or body is required")
	}
	return nil
}
