//go:build integration

package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/flag"
	"github.com/trezcool/clearance/core/ledger"
	"github.com/trezcool/clearance/core/notification"
	"github.com/trezcool/clearance/storage/database"
	"github.com/trezcool/clearance/tests"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func TestPostgres_lifecycle(t *testing.T) {
	clock := testutil.FreezeTime(t, t0)
	env, _ := testutil.NewPostgresEnv(t)
	env.AddStudent("101", "207", "208")
	ctx := context.Background()

	f, err := env.Flags.CreateFlag(ctx, flag.NewFlag{
		StudentID: "101", SessionID: "207", AbsenceType: flag.FullAbsence, Severity: flag.SeverityMedium,
	}, testutil.Teacher)
	require.NoError(t, err)

	t.Run("flag round trip", func(t *testing.T) {
		got, err := env.FlagRepo.GetFlagByID(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, f.ID, got.ID)
		assert.Equal(t, flag.StatusPendingClearance, got.Status)
		assert.Equal(t, testutil.Teacher.ID, got.TeacherID)
		assert.Equal(t, 5, got.PointsDeducted)
		assert.Equal(t, 1, got.Version)
		assert.WithinDuration(t, t0, got.CreatedAt, 0)
		assert.WithinDuration(t, t0.Add(env.Conf.Clearance.GracePeriod), got.Deadline, 0)
	})

	t.Run("one open flag per session", func(t *testing.T) {
		_, err := env.Flags.CreateFlag(ctx, flag.NewFlag{
			StudentID: "101", SessionID: "207", AbsenceType: flag.LateArrival,
		}, testutil.Teacher)
		assert.ErrorIs(t, err, flag.ErrDuplicateFlag)
	})

	t.Run("stale update", func(t *testing.T) {
		stale := f
		stale.Version--
		_, err := env.FlagRepo.UpdateFlag(ctx, stale)
		assert.ErrorIs(t, err, flag.ErrStaleFlag)
	})

	t.Run("dispatch", func(t *testing.T) {
		n, err := env.Notifier.DispatchDue(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		notifs := env.Notifications(t, f.ID)
		require.Len(t, notifs, 1)
		assert.Equal(t, notification.StatusSent, notifs[0].Status)
		assert.Equal(t, "101.parent@test.cd", notifs[0].Address)

		attempts, err := env.NotifRepo.QueryAttempts(ctx, notifs[0].ID)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.Equal(t, notification.OutcomeSent, attempts[0].Outcome)

		_, err = env.Notifier.RecordDeliveryCallback(ctx, notifs[0].ID, notification.DeliveryEvent{Event: notification.EventDelivered})
		require.NoError(t, err)
	})

	t.Run("clearance restores points", func(t *testing.T) {
		clock.Advance(time.Hour)
		_, err := env.Flags.SubmitJustification(ctx, f.ID, flag.Justification{Text: "sick"}, testutil.Parent)
		require.NoError(t, err)
		cleared, err := env.Flags.Decide(ctx, f.ID, flag.DecisionInput{Decision: flag.DecisionClear}, testutil.Admin)
		require.NoError(t, err)
		assert.Equal(t, flag.StatusCleared, cleared.Status)

		adj, err := env.Ledger.CurrentAdjustment(ctx, "101")
		require.NoError(t, err)
		assert.Equal(t, ledger.Adjustment{StudentID: "101", Adjustment: 0, Entries: 2}, adj)

		detail, err := env.Flags.Get(ctx, f.ID)
		require.NoError(t, err)
		require.NotNil(t, detail.Response)
		assert.Equal(t, "sick", detail.Response.Justification)
		assert.Len(t, detail.Events, 3)
	})

	t.Run("sweeper candidates", func(t *testing.T) {
		late := env.CreateFlag(t, "101", "208", flag.SeverityHigh)
		clock.Advance(env.Conf.Clearance.GracePeriod + time.Hour)

		candidates, err := env.Flags.Candidates(ctx, 10)
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		assert.Equal(t, late.ID, candidates[0].ID)

		esc, err := env.Flags.EscalateObserved(ctx, candidates[0])
		require.NoError(t, err)
		assert.True(t, esc.Escalated)
		assert.Equal(t, flag.UrgencyOverdue, esc.Tier)

		candidates, err = env.Flags.Candidates(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, candidates)
	})

	t.Run("query", func(t *testing.T) {
		flags, total, err := env.FlagRepo.QueryFlags(ctx,
			flag.QueryFilter{Statuses: []flag.Status{flag.StatusPendingClearance}}, core.Page{}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, flags, 1)
		assert.Equal(t, flag.SeverityHigh, flags[0].Severity)

		_, total, err = env.FlagRepo.QueryFlags(ctx, flag.QueryFilter{Search: "20%"}, core.Page{}, nil)
		require.NoError(t, err)
		assert.Zero(t, total)

		flags, _, err = env.FlagRepo.QueryFlags(ctx, flag.QueryFilter{}, core.Page{},
			[]core.DBOrdering{{Field: "severity", Ascending: true}})
		require.NoError(t, err)
		severities := make([]flag.Severity, len(flags))
		for i, f := range flags {
			severities[i] = f.Severity
		}
		assert.Equal(t, []flag.Severity{flag.SeverityMedium, flag.SeverityHigh}, severities)
	})
}

func TestPostgres_constraints(t *testing.T) {
	testutil.FreezeTime(t, t0)
	env, db := testutil.NewPostgresEnv(t)
	env.AddStudent("101", "207")
	ctx := context.Background()
	f := env.CreateFlag(t, "101", "207")

	t.Run("points are immutable", func(t *testing.T) {
		_, err := db.ExecContext(ctx, `UPDATE absence_flag SET points_deducted = 1 WHERE id = $1`, f.ID)
		assert.Error(t, err)
	})

	t.Run("ledger is append-only", func(t *testing.T) {
		_, err := db.ExecContext(ctx, `DELETE FROM ledger_entry WHERE flag_id = $1`, f.ID)
		require.NoError(t, err)
		entries, err := env.Ledger.EntriesForFlag(ctx, f.ID)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("transactions roll back", func(t *testing.T) {
		errBoom := errors.New("boom")
		err := database.NewTransactor(db).InTx(ctx, func(exec core.DBExecutor) error {
			if _, err := env.Ledger.Append(ctx, ledger.NewEntry{
				StudentID: "101", FlagID: f.ID, Kind: ledger.KindRestoration, Amount: 5,
			}, exec); err != nil {
				return err
			}
			return errBoom
		})
		assert.ErrorIs(t, err, errBoom)

		adj, err := env.Ledger.CurrentAdjustment(ctx, "101")
		require.NoError(t, err)
		assert.Equal(t, -5, adj.Adjustment)
		assert.Equal(t, 1, adj.Entries)
	})

	t.Run("idempotent enqueue", func(t *testing.T) {
		nn := notification.NewNotification{
			IdempotencyKey: f.ID + ":reminder",
			FlagID:         f.ID,
			RecipientID:    testutil.ParentID,
			Channel:        notification.ChannelSMS,
			Priority:       notification.PriorityLow,
			Body:           "reminder",
		}
		n1, err := env.Notifier.Enqueue(ctx, nn)
		require.NoError(t, err)
		n2, err := env.Notifier.Enqueue(ctx, nn)
		require.NoError(t, err)
		assert.Equal(t, n1.ID, n2.ID)
	})
}
