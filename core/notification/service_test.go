package notification_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/notification"
	"github.com/trezcool/clearance/tests"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T, conf ...*core.Config) (*testutil.Env, *testutil.Clock) {
	clock := testutil.FreezeTime(t, t0)
	return testutil.NewEnv(t, conf...), clock
}

func newNotification(key string) notification.NewNotification {
	return notification.NewNotification{
		IdempotencyKey: key,
		FlagID:         "flag-1",
		RecipientID:    "parent-1",
		Audience:       notification.AudienceParent,
		Address:        "parent@test.cd",
		Channel:        notification.ChannelEmail,
		Priority:       notification.PriorityMedium,
		Subject:        "Absence recorded",
		Body:           "Your child was absent.",
	}
}

func enqueue(t *testing.T, env *testutil.Env, nn notification.NewNotification) notification.Notification {
	t.Helper()
	n, err := env.Notifier.Enqueue(context.Background(), nn)
	require.NoError(t, err)
	return n
}

func get(t *testing.T, env *testutil.Env, id string) notification.Notification {
	t.Helper()
	n, err := env.Notifier.Get(context.Background(), id)
	require.NoError(t, err)
	return n
}

// gateProvider blocks every send until released.
type gateProvider struct {
	started chan struct{}
	release chan struct{}
}

func (p *gateProvider) Channel() notification.Channel { return notification.ChannelEmail }

func (p *gateProvider) Send(ctx context.Context, _ notification.Message) (string, error) {
	p.started <- struct{}{}
	select {
	case <-p.release:
		return "gate-1", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func Test_notificationService_Enqueue(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()

	n := enqueue(t, env, newNotification("flag-1:created"))
	assert.Equal(t, notification.StatusPending, n.Status)
	assert.Equal(t, 1, n.Version)
	assert.Zero(t, n.AttemptCount)
	assert.Nil(t, n.SentAt)
	assert.Equal(t, t0, n.NextAttemptAt)

	again := enqueue(t, env, newNotification("flag-1:created"))
	assert.Equal(t, n.ID, again.ID)

	notifs, err := env.Notifier.Query(ctx, notification.QueryFilter{FlagID: "flag-1"}, core.Page{})
	require.NoError(t, err)
	assert.Len(t, notifs, 1)
}

func Test_notificationService_Enqueue_concurrent(t *testing.T) {
	env, _ := setup(t)

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			notif, err := env.Notifier.Enqueue(context.Background(), newNotification("flag-1:created"))
			if assert.NoError(t, err) {
				ids[i] = notif.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, env.Notifications(t, "flag-1"), 1)
}

func Test_notificationService_Enqueue_invalid(t *testing.T) {
	env, _ := setup(t)

	tests := []struct {
		name   string
		modify func(nn *notification.NewNotification)
	}{
		{name: "no key", modify: func(nn *notification.NewNotification) { nn.IdempotencyKey = " " }},
		{name: "key too long", modify: func(nn *notification.NewNotification) { nn.IdempotencyKey = strings.Repeat("k", 256) }},
		{name: "no recipient", modify: func(nn *notification.NewNotification) { nn.RecipientID = "" }},
		{name: "unknown channel", modify: func(nn *notification.NewNotification) { nn.Channel = "pigeon" }},
		{name: "unknown priority", modify: func(nn *notification.NewNotification) { nn.Priority = "urgent" }},
		{name: "nothing to say", modify: func(nn *notification.NewNotification) { nn.Subject, nn.Body = "", "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nn := newNotification("key")
			tt.modify(&nn)
			_, err := env.Notifier.Enqueue(context.Background(), nn)
			assert.Equal(t, notification.ErrInvalidNotification, errors.Cause(err))
		})
	}

	nn := newNotification("default-priority")
	nn.Priority = ""
	n := enqueue(t, env, nn)
	assert.Equal(t, notification.PriorityMedium, n.Priority)
}

func Test_notificationService_Dispatch(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()
	n := enqueue(t, env, newNotification("flag-1:created"))

	count, err := env.Notifier.DispatchDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	sent := get(t, env, n.ID)
	assert.Equal(t, notification.StatusSent, sent.Status)
	assert.Equal(t, 1, sent.AttemptCount)
	require.NotNil(t, sent.SentAt)
	assert.Equal(t, t0, *sent.SentAt)
	assert.True(t, strings.HasPrefix(sent.ProviderMessageID, "console-"))
	assert.Nil(t, sent.LockedUntil)
	if assert.Len(t, sent.Attempts, 1) {
		assert.Equal(t, notification.OutcomeSent, sent.Attempts[0].Outcome)
		assert.Equal(t, 1, sent.Attempts[0].Number)
	}

	msgs := env.Email.SentMessages()
	if assert.Len(t, msgs, 1) {
		assert.Equal(t, n.ID, msgs[0].NotificationID)
		assert.Equal(t, "parent@test.cd", msgs[0].Address)
	}

	// sent notifications are never dispatched again
	require.NoError(t, env.Notifier.Dispatch(ctx, n.ID))
	assert.Len(t, env.Email.SentMessages(), 1)
	count, err = env.Notifier.DispatchDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func Test_notificationService_Dispatch_priority(t *testing.T) {
	env, _ := setup(t)
	low := newNotification("low")
	low.Priority = notification.PriorityLow
	high := newNotification("high")
	high.Priority = notification.PriorityHigh
	enqueue(t, env, low)
	enqueue(t, env, newNotification("medium"))
	enqueue(t, env, high)

	_, err := env.Notifier.DispatchDue(context.Background(), 10)
	require.NoError(t, err)

	msgs := env.Email.SentMessages()
	require.Len(t, msgs, 3)
	assert.Equal(t, notification.PriorityHigh, msgs[0].Priority)
	assert.Equal(t, notification.PriorityMedium, msgs[1].Priority)
	assert.Equal(t, notification.PriorityLow, msgs[2].Priority)
}

// a failing notification is retried with backoff, fails for good after max attempts and can be resent
func Test_notificationService_Dispatch_retryThenResend(t *testing.T) {
	env, clock := setup(t)
	ctx := context.Background()
	flaky := &testutil.FlakyProvider{
		Chan:     notification.ChannelEmail,
		Failures: 3,
		Err:      &notification.ProviderError{Code: "HTTP_503", Err: errors.New("try later")},
	}
	env.Providers.Register(flaky)
	n := enqueue(t, env, newNotification("flag-1:created"))

	_, err := env.Notifier.DispatchDue(ctx, 10)
	require.NoError(t, err)
	got := get(t, env, n.ID)
	assert.Equal(t, notification.StatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, t0.Add(30*time.Second), got.NextAttemptAt)

	// not due yet
	count, err := env.Notifier.DispatchDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, count)

	clock.Advance(30 * time.Second)
	_, err = env.Notifier.DispatchDue(ctx, 10)
	require.NoError(t, err)
	got = get(t, env, n.ID)
	assert.Equal(t, notification.StatusPending, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, clock.Now().Add(time.Minute), got.NextAttemptAt)

	clock.Advance(time.Minute)
	_, err = env.Notifier.DispatchDue(ctx, 10)
	require.NoError(t, err)
	got = get(t, env, n.ID)
	assert.Equal(t, notification.StatusFailed, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Contains(t, got.FailureReason, "HTTP_503")
	assert.Len(t, got.Attempts, 3)

	resent, err := env.Notifier.Resend(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusPending, resent.Status)
	assert.Empty(t, resent.FailureReason)
	assert.Nil(t, resent.SentAt)
	assert.Equal(t, 3, resent.AttemptCount)

	_, err = env.Notifier.DispatchDue(ctx, 10)
	require.NoError(t, err)
	got = get(t, env, n.ID)
	assert.Equal(t, notification.StatusSent, got.Status)
	assert.Equal(t, 4, got.AttemptCount)
	require.Len(t, got.Attempts, 4, "history of prior attempts is kept")
	for i, a := range got.Attempts {
		assert.Equal(t, i+1, a.Number)
	}
	assert.Equal(t, notification.OutcomeFailed, got.Attempts[2].Outcome)
	assert.Equal(t, notification.OutcomeSent, got.Attempts[3].Outcome)
	assert.Equal(t, 4, flaky.Calls())
}

func Test_notificationService_Dispatch_permanentFailure(t *testing.T) {
	env, _ := setup(t)
	env.Providers.Register(&testutil.FlakyProvider{
		Chan:     notification.ChannelEmail,
		Failures: 10,
		Err:      &notification.ProviderError{Code: "HTTP_400", Permanent: true, Err: errors.New("bad address")},
	})
	n := enqueue(t, env, newNotification("flag-1:created"))

	_, err := env.Notifier.DispatchDue(context.Background(), 10)
	require.NoError(t, err)
	got := get(t, env, n.ID)
	assert.Equal(t, notification.StatusFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Contains(t, got.FailureReason, "bad address")
}

func Test_notificationService_Dispatch_noProvider(t *testing.T) {
	env, _ := setup(t)
	nn := newNotification("flag-1:created")
	nn.Channel = notification.ChannelCall
	n := enqueue(t, env, nn)

	_, err := env.Notifier.DispatchDue(context.Background(), 10)
	require.NoError(t, err)
	got := get(t, env, n.ID)
	assert.Equal(t, notification.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "NO_PROVIDER")
}

func Test_notificationService_Dispatch_timeout(t *testing.T) {
	conf := testutil.NewConfig()
	conf.Dispatch.ProviderTimeout = 20 * time.Millisecond
	env, _ := setup(t, conf)
	env.Providers.Register(&testutil.FlakyProvider{Chan: notification.ChannelEmail, Delay: time.Second})
	n := enqueue(t, env, newNotification("flag-1:created"))

	_, err := env.Notifier.DispatchDue(context.Background(), 10)
	require.NoError(t, err)
	got := get(t, env, n.ID)
	assert.Equal(t, notification.StatusPending, got.Status, "a timeout is retried")
	assert.Equal(t, 1, got.AttemptCount)
	require.Len(t, got.Attempts, 1)
	assert.Contains(t, got.Attempts[0].Error, notification.ErrDispatchTimeout.Error())
}

func Test_notificationService_Dispatch_breaker(t *testing.T) {
	conf := testutil.NewConfig()
	conf.Dispatch.BreakerFailures = 2
	env, _ := setup(t, conf)
	flaky := &testutil.FlakyProvider{
		Chan:     notification.ChannelEmail,
		Failures: 100,
		Err:      &notification.ProviderError{Code: "HTTP_502", Err: errors.New("bad gateway")},
	}
	env.Providers.Register(flaky)
	ids := []string{
		enqueue(t, env, newNotification("a")).ID,
		enqueue(t, env, newNotification("b")).ID,
		enqueue(t, env, newNotification("c")).ID,
	}

	_, err := env.Notifier.DispatchDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, flaky.Calls(), "the open breaker short-circuits the third call")

	var unavailable int
	for _, id := range ids {
		got := get(t, env, id)
		assert.Equal(t, notification.StatusPending, got.Status)
		require.Len(t, got.Attempts, 1)
		if strings.Contains(got.Attempts[0].Error, notification.ErrProviderUnavailable.Error()) {
			unavailable++
		}
	}
	assert.Equal(t, 1, unavailable)
}

func Test_notificationService_Dispatch_supersededInFlight(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()
	gate := &gateProvider{started: make(chan struct{}), release: make(chan struct{})}
	env.Providers.Register(gate)
	n := enqueue(t, env, newNotification("flag-1:created"))

	done := make(chan error)
	go func() { done <- env.Notifier.Dispatch(ctx, n.ID) }()

	<-gate.started
	count, err := env.Notifier.SupersedePendingForFlag(ctx, "flag-1", notification.AudienceParent)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	close(gate.release)
	require.NoError(t, <-done)

	got := get(t, env, n.ID)
	assert.Equal(t, notification.StatusSuperseded, got.Status)
	assert.Nil(t, got.SentAt)
	if assert.Len(t, got.Attempts, 1) {
		assert.Equal(t, notification.OutcomeSuperseded, got.Attempts[0].Outcome)
		assert.Equal(t, "gate-1", got.Attempts[0].ProviderMessageID)
	}
}

func Test_notificationService_Dispatch_rivalAttempt(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()
	gate := &gateProvider{started: make(chan struct{}), release: make(chan struct{})}
	env.Providers.Register(gate)
	n := enqueue(t, env, newNotification("flag-1:created"))

	done := make(chan error)
	go func() { done <- env.Notifier.Dispatch(ctx, n.ID) }()

	// another dispatcher records its own attempt while this send is in flight
	<-gate.started
	rival, err := env.NotifRepo.GetNotificationByID(ctx, n.ID)
	require.NoError(t, err)
	rival.AttemptCount = 1
	rival.NextAttemptAt = t0
	_, err = env.NotifRepo.UpdateNotification(ctx, rival)
	require.NoError(t, err)
	_, err = env.NotifRepo.CreateAttempt(ctx, notification.Attempt{
		ID: "rival-1", NotificationID: n.ID, Number: 1, Outcome: notification.OutcomeFailed, StartedAt: t0, FinishedAt: t0,
	})
	require.NoError(t, err)
	close(gate.release)
	require.NoError(t, <-done)

	flaky := &testutil.FlakyProvider{Chan: notification.ChannelEmail}
	env.Providers.Register(flaky)
	for i := 0; i < 3; i++ {
		require.NoError(t, env.Notifier.Dispatch(ctx, n.ID))
	}

	got := get(t, env, n.ID)
	assert.Equal(t, 1, flaky.Calls())
	assert.Equal(t, notification.StatusSent, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	if assert.Len(t, got.Attempts, 3) {
		for i, outcome := range []notification.Outcome{notification.OutcomeFailed, notification.OutcomeSuperseded, notification.OutcomeSent} {
			assert.Equal(t, i+1, got.Attempts[i].Number)
			assert.Equal(t, outcome, got.Attempts[i].Outcome)
		}
	}
}

func Test_notificationService_RecordDeliveryCallback(t *testing.T) {
	env, clock := setup(t)
	ctx := context.Background()
	n := enqueue(t, env, newNotification("flag-1:created"))

	_, err := env.Notifier.RecordDeliveryCallback(ctx, n.ID, notification.DeliveryEvent{Event: notification.EventDelivered})
	assert.Equal(t, notification.ErrOutOfOrderEvent, errors.Cause(err), "pending notifications cannot be delivered")
	assert.Nil(t, get(t, env, n.ID).DeliveredAt)

	_, err = env.Notifier.DispatchDue(ctx, 10)
	require.NoError(t, err)

	deliveredAt := clock.Advance(time.Minute)
	got, err := env.Notifier.RecordDeliveryCallback(ctx, n.ID, notification.DeliveryEvent{
		Event:     notification.EventDelivered,
		Timestamp: deliveredAt,
	})
	require.NoError(t, err)
	assert.Equal(t, notification.StatusDelivered, got.Status)
	require.NotNil(t, got.DeliveredAt)
	assert.Equal(t, deliveredAt, *got.DeliveredAt)

	// duplicate
	dup, err := env.Notifier.RecordDeliveryCallback(ctx, n.ID, notification.DeliveryEvent{Event: notification.EventDelivered})
	require.NoError(t, err)
	assert.Equal(t, got.Version, dup.Version)

	readAt := clock.Advance(time.Minute)
	got, err = env.Notifier.RecordDeliveryCallback(ctx, n.ID, notification.DeliveryEvent{Event: notification.EventRead, Timestamp: readAt})
	require.NoError(t, err)
	assert.Equal(t, notification.StatusRead, got.Status)
	assert.Equal(t, readAt, *got.ReadAt)
	assert.Equal(t, deliveredAt, *got.DeliveredAt)

	_, err = env.Notifier.RecordDeliveryCallback(ctx, n.ID, notification.DeliveryEvent{Event: "bounced"})
	assert.Equal(t, notification.ErrInvalidNotification, errors.Cause(err))

	_, err = env.Notifier.RecordDeliveryCallback(ctx, "missing", notification.DeliveryEvent{Event: notification.EventRead})
	assert.Equal(t, notification.ErrNotFound, errors.Cause(err))
}

func Test_notificationService_RecordDeliveryCallback_readBackfills(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()
	n := enqueue(t, env, newNotification("flag-1:created"))
	_, err := env.Notifier.DispatchDue(ctx, 10)
	require.NoError(t, err)

	// provider clock is behind ours
	got, err := env.Notifier.RecordDeliveryCallback(ctx, n.ID, notification.DeliveryEvent{
		Event:     notification.EventRead,
		Timestamp: t0.Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, notification.StatusRead, got.Status)
	require.NotNil(t, got.DeliveredAt)
	require.NotNil(t, got.ReadAt)
	assert.Equal(t, *got.SentAt, *got.DeliveredAt)
	assert.Equal(t, *got.SentAt, *got.ReadAt)

	_, err = env.Notifier.RecordDeliveryCallback(ctx, n.ID, notification.DeliveryEvent{Event: notification.EventDelivered})
	require.NoError(t, err, "late delivered events after read are duplicates")
}

func Test_notificationService_RecordDeliveryCallback_failed(t *testing.T) {
	env, _ := setup(t)
	nn := newNotification("flag-1:created")
	nn.Channel = notification.ChannelSMS // no provider registered
	n := enqueue(t, env, nn)
	_, err := env.Notifier.DispatchDue(context.Background(), 10)
	require.NoError(t, err)

	for _, ev := range []notification.Event{notification.EventDelivered, notification.EventRead} {
		_, err = env.Notifier.RecordDeliveryCallback(context.Background(), n.ID, notification.DeliveryEvent{Event: ev})
		assert.Equal(t, notification.ErrOutOfOrderEvent, errors.Cause(err))
	}
}

func Test_notificationService_Resend_Cancel(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()
	n := enqueue(t, env, newNotification("flag-1:created"))

	_, err := env.Notifier.Resend(ctx, n.ID)
	assert.Equal(t, notification.ErrNotResendable, errors.Cause(err))

	cancelled, err := env.Notifier.Cancel(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusSuperseded, cancelled.Status)

	_, err = env.Notifier.Cancel(ctx, n.ID)
	assert.Equal(t, notification.ErrNotCancellable, errors.Cause(err))
	_, err = env.Notifier.Resend(ctx, n.ID)
	assert.Equal(t, notification.ErrNotResendable, errors.Cause(err))

	count, err := env.Notifier.DispatchDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, env.Email.SentMessages())

	_, err = env.Notifier.Resend(ctx, "missing")
	assert.Equal(t, notification.ErrNotFound, errors.Cause(err))
}

func Test_notificationService_NotifiedFlags(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()
	enqueue(t, env, newNotification("flag-1:created"))
	other := newNotification("flag-2:created")
	other.FlagID = "flag-2"
	enqueue(t, env, other)
	admin := newNotification("flag-3:justification")
	admin.FlagID = "flag-3"
	admin.Audience = notification.AudienceAdmin
	enqueue(t, env, admin)

	_, err := env.Notifier.DispatchDue(ctx, 10)
	require.NoError(t, err)
	enqueue(t, env, newNotification("flag-2:reminder")) // pending

	got, err := env.Notifier.NotifiedFlags(ctx, []string{"flag-1", "flag-3", "flag-4"}, notification.AudienceParent)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"flag-1": true}, got)

	got, err = env.Notifier.NotifiedFlags(ctx, nil, notification.AudienceParent)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func Test_Pool_Serve(t *testing.T) {
	env, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	pool := notification.NewPool(env.Notifier, env.Conf.Dispatch, env.Logger)
	assert.Equal(t, "notification-dispatcher", pool.String())
	done := make(chan error)
	go func() { done <- pool.Serve(ctx) }()

	ids := make([]string, 0, 5)
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, enqueue(t, env, newNotification(key)).ID)
	}
	env.Notifier.Wake()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			n, err := env.NotifRepo.GetNotificationByID(context.Background(), id)
			if err != nil || n.Status != notification.StatusSent {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.Equal(t, context.Canceled, <-done)
	assert.Len(t, env.Email.SentMessages(), 5)
}

// brokenRepo fails to load one notification.
type brokenRepo struct {
	notification.Repository
	broken string
}

func (r brokenRepo) GetNotificationByID(ctx context.Context, id string, exec ...core.DBExecutor) (notification.Notification, error) {
	if id == r.broken {
		return notification.Notification{}, errors.New("connection reset by peer")
	}
	return r.Repository.GetNotificationByID(ctx, id, exec...)
}

func Test_notificationService_DispatchDue_partial(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()
	urgent := newNotification("flag-1:urgency:overdue")
	urgent.Priority = notification.PriorityHigh
	first := enqueue(t, env, urgent)
	second := enqueue(t, env, newNotification("flag-1:created"))

	svc := notification.NewService(brokenRepo{Repository: env.NotifRepo, broken: second.ID}, env.DB, env.Providers, env.Conf.Dispatch, env.Logger)
	n, err := svc.DispatchDue(ctx, 10)
	assert.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, notification.StatusSent, get(t, env, first.ID).Status)
	assert.Equal(t, notification.StatusPending, get(t, env, second.ID).Status)
}

// unreachableRepo fails every claim as if the database pool were closed.
type unreachableRepo struct {
	notification.Repository
}

func (unreachableRepo) ClaimDue(context.Context, time.Time, time.Time, int, ...core.DBExecutor) ([]notification.Notification, error) {
	return nil, errors.Wrap(core.NewShutdownError("database unavailable"), "claiming due notifications")
}

func Test_Pool_Serve_shutdown(t *testing.T) {
	env, _ := setup(t)
	svc := notification.NewService(unreachableRepo{env.NotifRepo}, env.DB, env.Providers, env.Conf.Dispatch, env.Logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := notification.NewPool(svc, env.Conf.Dispatch, env.Logger).Serve(ctx)
	assert.True(t, core.IsShutdown(err), err)
	assert.NoError(t, ctx.Err())
}

func TestBackoff(t *testing.T) {
	base, max := 30*time.Second, 10*time.Minute
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{failures: 0, want: 30 * time.Second},
		{failures: 1, want: 30 * time.Second},
		{failures: 2, want: time.Minute},
		{failures: 3, want: 2 * time.Minute},
		{failures: 5, want: 8 * time.Minute},
		{failures: 6, want: 10 * time.Minute},
		{failures: 100, want: 10 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, notification.Backoff(tt.failures, base, max), "failures=%d", tt.failures)
	}
}

func TestRegistry(t *testing.T) {
	sms := &testutil.FlakyProvider{Chan: notification.ChannelSMS}
	reg := notification.NewRegistry(sms)
	_, ok := reg.Get(notification.ChannelEmail)
	assert.False(t, ok)
	p, ok := reg.Get(notification.ChannelSMS)
	require.True(t, ok)
	assert.Same(t, sms, p)

	reg.Register(&testutil.FlakyProvider{Chan: notification.ChannelEmail})
	assert.Equal(t, []notification.Channel{notification.ChannelEmail, notification.ChannelSMS}, reg.Channels())
}
