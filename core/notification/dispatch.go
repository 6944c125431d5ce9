package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker/v2"

	"github.com/trezcool/clearance/core"
)

// Dispatch makes one delivery attempt for a pending notification. Failures are retried with
// exponential backoff until max attempts, then the notification is marked failed.
// Non-pending notifications are left untouched.
func (svc *Service) Dispatch(ctx context.Context, id string) error {
	unlock := svc.locks.Lock(id)
	defer unlock()

	n, err := svc.repo.GetNotificationByID(ctx, id)
	if err != nil {
		return err
	}
	if n.Status != StatusPending {
		svc.logger.Debug("skipping dispatch", map[string]interface{}{"notification_id": id, "status": n.Status})
		return nil
	}

	inflightDispatches.Inc()
	started := core.Now()
	providerMsgID, sendErr := svc.send(ctx, n)
	finished := core.Now()
	inflightDispatches.Dec()
	dispatchLatency.WithLabelValues(string(n.Channel)).Observe(finished.Sub(started).Seconds())

	// the notification may have been superseded while the provider was called
	current, err := svc.repo.GetNotificationByID(ctx, id)
	if err != nil {
		return errors.Wrap(err, "reloading notification")
	}
	attempt := Attempt{
		ID:                uuid.New().String(),
		NotificationID:    n.ID,
		ProviderMessageID: providerMsgID,
		StartedAt:         started,
		FinishedAt:        finished,
	}
	if sendErr != nil {
		attempt.Error = sendErr.Error()
	}

	var update *Notification
	for try := 1; ; try++ {
		update = nil
		if current.Status != StatusPending || current.Version != n.Version {
			attempt.Outcome = OutcomeSuperseded
		} else {
			update = svc.applyOutcome(current, &attempt, sendErr, finished)
		}

		err = svc.recordAttempt(ctx, &attempt, update)
		if errors.Cause(err) != ErrStale || try >= maxRecordTries {
			break
		}
		// attempt number taken or notification changed concurrently: re-read and retry
		if current, err = svc.repo.GetNotificationByID(ctx, id); err != nil {
			return errors.Wrap(err, "reloading notification")
		}
	}
	if err != nil {
		// the lease expires and the notification is claimed again
		return errors.Wrap(err, "recording dispatch result")
	}

	attemptsTotal.WithLabelValues(string(n.Channel), string(attempt.Outcome)).Inc()
	if update != nil && update.Status == StatusFailed {
		failedTotal.WithLabelValues(string(n.Channel)).Inc()
		svc.logger.Warn("notification failed", sendErr, map[string]interface{}{
			"notification_id": n.ID,
			"channel":         n.Channel,
			"attempts":        update.AttemptCount,
		})
	}
	return nil
}

const maxRecordTries = 3

// applyOutcome returns `current` updated with the result of the provider call.
func (svc *Service) applyOutcome(current Notification, attempt *Attempt, sendErr error, finished time.Time) *Notification {
	n := current
	n.AttemptCount++
	n.LockedUntil = nil
	n.UpdatedAt = finished

	if sendErr == nil {
		attempt.Outcome = OutcomeSent
		n.Status = StatusSent
		n.SentAt = &finished
		n.ProviderMessageID = attempt.ProviderMessageID
		n.FailureReason = ""
		return &n
	}

	attempt.Outcome = OutcomeFailed
	if isPermanent(sendErr) || n.AttemptsInRound() >= svc.conf.MaxAttempts {
		n.Status = StatusFailed
		n.FailureReason = sendErr.Error()
	} else {
		n.NextAttemptAt = finished.Add(Backoff(n.AttemptsInRound(), svc.conf.BaseDelay, svc.conf.MaxDelay))
	}
	return &n
}

// recordAttempt numbers the attempt after the ones already stored and saves it, together with
// `update` when given, in one transaction.
func (svc *Service) recordAttempt(ctx context.Context, attempt *Attempt, update *Notification) error {
	return svc.tx.InTx(ctx, func(exec core.DBExecutor) error {
		prior, err := svc.repo.QueryAttempts(ctx, attempt.NotificationID, core.Execs(exec)...)
		if err != nil {
			return err
		}
		attempt.Number = 1
		for _, a := range prior {
			if a.Number >= attempt.Number {
				attempt.Number = a.Number + 1
			}
		}

		if update != nil {
			if _, err = svc.repo.UpdateNotification(ctx, *update, core.Execs(exec)...); err != nil {
				return errors.Wrap(err, "updating notification")
			}
		}
		if _, err = svc.repo.CreateAttempt(ctx, *attempt, core.Execs(exec)...); err != nil {
			return errors.Wrap(err, "recording attempt")
		}
		return nil
	})
}

// Backoff returns base * 2^(failures-1), capped at max.
func Backoff(failures int, base, max time.Duration) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (svc *Service) send(ctx context.Context, n Notification) (string, error) {
	prov, ok := svc.providers.Get(n.Channel)
	if !ok {
		return "", &ProviderError{Code: "NO_PROVIDER", Permanent: true, Err: errors.Wrap(ErrNoProvider, string(n.Channel))}
	}

	if limiter, ok := svc.limiters[n.Channel]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return "", errors.Wrap(ErrProviderUnavailable, "rate limiter: "+err.Error())
		}
	}

	timeout := svc.conf.ProviderTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg := Message{
		NotificationID: n.ID,
		RecipientID:    n.RecipientID,
		Address:        n.Address,
		Channel:        n.Channel,
		Priority:       n.Priority,
		Subject:        n.Subject,
		Body:           n.Body,
	}
	msgID, err := svc.breakers[n.Channel].Execute(func() (string, error) {
		return prov.Send(sendCtx, msg)
	})
	if err == nil {
		return msgID, nil
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "", errors.Wrap(ErrProviderUnavailable, err.Error())
	case errors.Is(sendCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return "", errors.Wrapf(ErrDispatchTimeout, "after %s", timeout)
	}
	return "", err
}

func isPermanent(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Permanent
}

func (svc *Service) newBreaker(ch Channel) *gobreaker.CircuitBreaker[string] {
	failures := svc.conf.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := svc.conf.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	breakerState.WithLabelValues(string(ch)).Set(0)

	return gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "provider-" + string(ch),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// a permanent rejection says nothing about the provider's health
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.WithLabelValues(string(ch)).Set(float64(to))
			svc.logger.Warn("provider breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
}
