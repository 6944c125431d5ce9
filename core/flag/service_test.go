package flag_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/flag"
	"github.com/trezcool/clearance/core/ledger"
	"github.com/trezcool/clearance/core/notification"
	"github.com/trezcool/clearance/tests"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*testutil.Env, *testutil.Clock) {
	clock := testutil.FreezeTime(t, t0)
	env := testutil.NewEnv(t)
	env.AddStudent("101", "207", "208", "209")
	env.School.AddDocuments("doc1", "doc2")
	return env, clock
}

func byKey(notifs []notification.Notification, key string) (notification.Notification, bool) {
	for _, n := range notifs {
		if n.IdempotencyKey == key {
			return n, true
		}
	}
	return notification.Notification{}, false
}

func Test_flagService_CreateFlag(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()

	f, err := env.Flags.CreateFlag(ctx, flag.NewFlag{
		StudentID:   "101",
		SessionID:   "207",
		AbsenceType: flag.FullAbsence,
		Severity:    flag.SeverityMedium,
		Reason:      "  no show ",
	}, testutil.Teacher)
	require.NoError(t, err)

	assert.Equal(t, flag.StatusPendingClearance, f.Status)
	assert.Equal(t, flag.UrgencyNone, f.Urgency)
	assert.Equal(t, 5, f.PointsDeducted)
	assert.Equal(t, "no show", f.Reason)
	assert.Equal(t, testutil.Teacher.ID, f.TeacherID)
	assert.False(t, f.AutoGenerated)
	assert.Equal(t, t0.Add(72*time.Hour), f.Deadline)
	assert.Equal(t, 1, f.Version)

	entries, err := env.Ledger.EntriesForFlag(ctx, f.ID)
	require.NoError(t, err)
	if assert.Len(t, entries, 1) {
		assert.Equal(t, ledger.KindDeduction, entries[0].Kind)
		assert.Equal(t, -5, entries[0].Amount)
		assert.Equal(t, "101", entries[0].StudentID)
	}

	notifs := env.Notifications(t, f.ID)
	if assert.Len(t, notifs, 1) {
		n := notifs[0]
		assert.Equal(t, notification.StatusPending, n.Status)
		assert.Equal(t, testutil.ParentID, n.RecipientID)
		assert.Equal(t, notification.AudienceParent, n.Audience)
		assert.Equal(t, notification.ChannelEmail, n.Channel)
		assert.Equal(t, "101.parent@test.cd", n.Address)
		assert.Equal(t, f.ID+":created", n.IdempotencyKey)
		assert.Contains(t, n.Subject, "101")
		assert.Contains(t, n.Body, "5 point(s)")
	}

	detail, err := env.Flags.Get(ctx, f.ID)
	require.NoError(t, err)
	if assert.Len(t, detail.Events, 1) {
		assert.Equal(t, flag.EventCreated, detail.Events[0].Kind)
		assert.Equal(t, flag.StatusPendingClearance, detail.Events[0].ToStatus)
		assert.Equal(t, testutil.Teacher.ID, detail.Events[0].ActorID)
	}
	assert.Nil(t, detail.Response)
}

func Test_flagService_CreateFlag_errors(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()
	env.CreateFlag(t, "101", "207")

	pts := func(p int) *int { return &p }

	tests := []struct {
		name      string
		nf        flag.NewFlag
		wantErr   error
		wantField string
	}{
		{
			name:    "duplicate open flag",
			nf:      flag.NewFlag{StudentID: "101", SessionID: "207", AbsenceType: flag.FullAbsence, Severity: flag.SeverityLow},
			wantErr: flag.ErrDuplicateFlag,
		},
		{
			name:    "unknown session",
			nf:      flag.NewFlag{StudentID: "101", SessionID: "999", AbsenceType: flag.FullAbsence, Severity: flag.SeverityLow},
			wantErr: flag.ErrInvalidSession,
		},
		{
			name:      "points outside of the band",
			nf:        flag.NewFlag{StudentID: "101", SessionID: "208", AbsenceType: flag.FullAbsence, Severity: flag.SeverityHigh, Points: pts(3)},
			wantErr:   flag.ErrInvalidPoints,
			wantField: "points",
		},
		{
			name:      "missing student",
			nf:        flag.NewFlag{SessionID: "208", AbsenceType: flag.FullAbsence, Severity: flag.SeverityLow},
			wantField: "student_id",
		},
		{
			name:      "unknown severity",
			nf:        flag.NewFlag{StudentID: "101", SessionID: "208", AbsenceType: flag.FullAbsence, Severity: "extreme"},
			wantField: "severity",
		},
		{
			name:      "unknown absence type",
			nf:        flag.NewFlag{StudentID: "101", SessionID: "208", AbsenceType: "nap", Severity: flag.SeverityLow},
			wantField: "absence_type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.Flags.CreateFlag(ctx, tt.nf, testutil.Teacher)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "want %v, got %v", tt.wantErr, err)
			}
			if tt.wantField != "" {
				var vErr *core.ValidationError
				require.True(t, errors.As(err, &vErr), "want a validation error, got %v", err)
				var fields []string
				for _, fld := range vErr.Fields {
					fields = append(fields, fld.Field)
				}
				assert.Contains(t, fields, tt.wantField)
			}
		})
	}

	adj, err := env.Ledger.CurrentAdjustment(ctx, "101")
	require.NoError(t, err)
	assert.Equal(t, -5, adj.Adjustment, "failed creations must not touch the ledger")
	assert.Equal(t, 1, adj.Entries)
}

func Test_flagService_CreateFlag_pointsOverride(t *testing.T) {
	env, _ := setup(t)
	p := 12
	f, err := env.Flags.CreateFlag(context.Background(), flag.NewFlag{
		StudentID:   "101",
		SessionID:   "207",
		AbsenceType: flag.EarlyDeparture,
		Severity:    flag.SeverityHigh,
		Points:      &p,
	}, testutil.Teacher)
	require.NoError(t, err)
	assert.Equal(t, 12, f.PointsDeducted)
}

func Test_flagService_CreateFlag_noContact(t *testing.T) {
	env, _ := setup(t)
	env.School.AddSession(flag.Session{ID: "300", StudentID: "orphan"})

	f := env.CreateFlag(t, "orphan", "300")
	assert.Equal(t, flag.StatusPendingClearance, f.Status)
	assert.Empty(t, env.Notifications(t, f.ID))

	entries, err := env.Ledger.EntriesForFlag(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func Test_flagService_CreateFlag_afterTerminal(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()
	f := env.CreateFlag(t, "101", "207")

	_, err := env.Flags.Decide(ctx, f.ID, flag.DecisionInput{Decision: flag.DecisionReject, Notes: "no answer"}, testutil.Admin)
	require.NoError(t, err)

	// only open flags block a new one
	again := env.CreateFlag(t, "101", "207")
	assert.NotEqual(t, f.ID, again.ID)
}

func Test_flagService_Ingest(t *testing.T) {
	env, _ := setup(t)

	tests := []struct {
		name       string
		ev         flag.AttendanceEvent
		wantSev    flag.Severity
		wantPoints int
	}{
		{
			name:       "full absence defaults to medium",
			ev:         flag.AttendanceEvent{StudentID: "101", SessionID: "207", AbsenceType: flag.FullAbsence, Timestamp: t0},
			wantSev:    flag.SeverityMedium,
			wantPoints: 5,
		},
		{
			name:       "late arrival defaults to low",
			ev:         flag.AttendanceEvent{StudentID: "101", SessionID: "208", AbsenceType: flag.LateArrival, Timestamp: t0},
			wantSev:    flag.SeverityLow,
			wantPoints: 2,
		},
		{
			name:       "explicit severity",
			ev:         flag.AttendanceEvent{StudentID: "101", SessionID: "209", AbsenceType: flag.LateArrival, Severity: flag.SeverityHigh, Timestamp: t0},
			wantSev:    flag.SeverityHigh,
			wantPoints: 10,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := env.Flags.Ingest(context.Background(), tt.ev)
			require.NoError(t, err)
			assert.True(t, f.AutoGenerated)
			assert.Equal(t, tt.wantSev, f.Severity)
			assert.Equal(t, tt.wantPoints, f.PointsDeducted)
			assert.Equal(t, testutil.Teacher.ID, f.TeacherID)
		})
	}
}

func Test_flagService_SubmitJustification(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()
	f := env.CreateFlag(t, "101", "207")

	resp, err := env.Flags.SubmitJustification(ctx, f.ID, flag.Justification{
		Text:        "Medical appointment",
		DocumentIDs: []string{"doc1"},
	}, testutil.Parent)
	require.NoError(t, err)
	assert.Equal(t, "Medical appointment", resp.Justification)
	assert.Equal(t, []string{"doc1"}, resp.DocumentIDs)
	assert.False(t, resp.Late)
	assert.Equal(t, testutil.ParentID, resp.SubmittedBy)

	detail, err := env.Flags.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, flag.StatusUnderReview, detail.Status)
	assert.Equal(t, 2, detail.Version)
	require.NotNil(t, detail.Response)
	assert.Equal(t, "Medical appointment", detail.Response.Justification)

	notifs := env.Notifications(t, f.ID)
	created, ok := byKey(notifs, f.ID+":created")
	require.True(t, ok)
	assert.Equal(t, notification.StatusSuperseded, created.Status, "queued parent notices are cancelled")
	admin, ok := byKey(notifs, f.ID+":justification")
	require.True(t, ok)
	assert.Equal(t, notification.AudienceAdmin, admin.Audience)
	assert.Equal(t, testutil.AdminID, admin.RecipientID)
	assert.Equal(t, notification.StatusPending, admin.Status)

	_, err = env.Flags.SubmitJustification(ctx, f.ID, flag.Justification{Text: "again"}, testutil.Parent)
	assert.Equal(t, flag.ErrAlreadyResponded, errors.Cause(err))
}

func Test_flagService_SubmitJustification_errors(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()
	f := env.CreateFlag(t, "101", "207")
	rejected := env.CreateFlag(t, "101", "208")
	_, err := env.Flags.Decide(ctx, rejected.ID, flag.DecisionInput{Decision: flag.DecisionReject, Notes: "fake"}, testutil.Admin)
	require.NoError(t, err)

	stranger := core.Actor{ID: "parent-2", Roles: []string{core.RoleParent}}

	tests := []struct {
		name      string
		flagID    string
		j         flag.Justification
		actor     core.Actor
		wantErr   error
		wantField string
	}{
		{name: "empty text", flagID: f.ID, j: flag.Justification{Text: "  "}, actor: testutil.Parent, wantField: "justification"},
		{name: "unknown document", flagID: f.ID, j: flag.Justification{Text: "sick", DocumentIDs: []string{"nope"}}, actor: testutil.Parent, wantField: "document_ids"},
		{name: "unknown flag", flagID: "missing", j: flag.Justification{Text: "sick"}, actor: testutil.Parent, wantErr: flag.ErrNotFound},
		{name: "another parent", flagID: f.ID, j: flag.Justification{Text: "sick"}, actor: stranger, wantErr: flag.ErrForbidden},
		{name: "terminal flag", flagID: rejected.ID, j: flag.Justification{Text: "sick"}, actor: testutil.Parent, wantErr: flag.ErrFlagNotPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.Flags.SubmitJustification(ctx, tt.flagID, tt.j, tt.actor)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.Equal(t, tt.wantErr, errors.Cause(err))
			}
			if tt.wantField != "" {
				var vErr *core.ValidationError
				require.True(t, errors.As(err, &vErr), "want a validation error, got %v", err)
				assert.Equal(t, tt.wantField, vErr.Fields[0].Field)
			}
		})
	}

	got, err := env.FlagRepo.GetFlagByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, flag.StatusPendingClearance, got.Status)
}

func Test_flagService_SubmitJustification_late(t *testing.T) {
	env, clock := setup(t)
	f := env.CreateFlag(t, "101", "207")
	clock.Advance(80 * time.Hour)

	resp, err := env.Flags.SubmitJustification(context.Background(), f.ID, flag.Justification{Text: "forgot"}, testutil.Parent)
	require.NoError(t, err)
	assert.True(t, resp.Late)

	admin, ok := byKey(env.Notifications(t, f.ID), f.ID+":justification")
	require.True(t, ok)
	assert.Contains(t, admin.Body, "after the deadline")
}

func Test_flagService_Decide_clear(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()
	f := env.CreateFlag(t, "101", "207")
	_, err := env.Flags.SubmitJustification(ctx, f.ID, flag.Justification{Text: "Medical appointment"}, testutil.Parent)
	require.NoError(t, err)

	cleared, err := env.Flags.Decide(ctx, f.ID, flag.DecisionInput{Decision: flag.DecisionClear, Notes: "Valid documentation"}, testutil.Admin)
	require.NoError(t, err)
	assert.Equal(t, flag.StatusCleared, cleared.Status)
	assert.Equal(t, "Valid documentation", cleared.ClearanceReason)
	assert.Equal(t, testutil.AdminID, cleared.DecidedBy)
	require.NotNil(t, cleared.DecidedAt)
	assert.Equal(t, t0, *cleared.DecidedAt)
	assert.Equal(t, 5, cleared.PointsDeducted, "points are never edited")

	entries, err := env.Ledger.EntriesForFlag(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	var net int
	for _, e := range entries {
		net += e.Amount
		if e.Kind == ledger.KindRestoration {
			assert.Equal(t, 5, e.Amount)
		}
	}
	assert.Zero(t, net)

	adj, err := env.Ledger.CurrentAdjustment(ctx, "101")
	require.NoError(t, err)
	assert.Zero(t, adj.Adjustment)

	detail, err := env.Flags.Get(ctx, f.ID)
	require.NoError(t, err)
	require.NotNil(t, detail.Response)
	assert.Equal(t, "Valid documentation", detail.Response.ReviewerNotes)
	last := detail.Events[len(detail.Events)-1]
	assert.Equal(t, flag.EventDecided, last.Kind)
	assert.Equal(t, flag.StatusUnderReview, last.FromStatus)
	assert.Equal(t, flag.StatusCleared, last.ToStatus)
	assert.False(t, last.Override)

	notifs := env.Notifications(t, f.ID)
	notice, ok := byKey(notifs, f.ID+":decision")
	require.True(t, ok)
	assert.Equal(t, "Absence cleared", notice.Subject)
	assert.Equal(t, notification.StatusPending, notice.Status)
	created, ok := byKey(notifs, f.ID+":created")
	require.True(t, ok)
	assert.Equal(t, notification.StatusSuperseded, created.Status)
	// the decision leaves the administrator's queued notice alone
	adminNotice, ok := byKey(notifs, f.ID+":justification")
	require.True(t, ok)
	assert.Equal(t, notification.AudienceAdmin, adminNotice.Audience)
	assert.Equal(t, notification.StatusPending, adminNotice.Status)

	// terminal
	for _, d := range []flag.Decision{flag.DecisionClear, flag.DecisionReject} {
		_, err = env.Flags.Decide(ctx, f.ID, flag.DecisionInput{Decision: d, Notes: "again"}, testutil.Admin)
		assert.Equal(t, flag.ErrInvalidTransition, errors.Cause(err))
	}
}

func Test_flagService_Decide_reject(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()
	f := env.CreateFlag(t, "101", "207")
	_, err := env.Flags.SubmitJustification(ctx, f.ID, flag.Justification{Text: "overslept"}, testutil.Parent)
	require.NoError(t, err)

	rejected, err := env.Flags.Decide(ctx, f.ID, flag.DecisionInput{Decision: flag.DecisionReject}, testutil.Admin)
	require.NoError(t, err)
	assert.Equal(t, flag.StatusRejected, rejected.Status)
	assert.Empty(t, rejected.ClearanceReason)

	entries, err := env.Ledger.EntriesForFlag(ctx, f.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "rejecting keeps the deduction")

	notice, ok := byKey(env.Notifications(t, f.ID), f.ID+":decision")
	require.True(t, ok)
	assert.Equal(t, "Absence justification rejected", notice.Subject)
}

func Test_flagService_Decide_override(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()
	f := env.CreateFlag(t, "101", "207")

	_, err := env.Flags.Decide(ctx, f.ID, flag.DecisionInput{Decision: flag.DecisionClear, Notes: "why not"}, testutil.Admin)
	assert.Equal(t, flag.ErrInvalidTransition, errors.Cause(err), "pending flags cannot be cleared without a response")

	_, err = env.Flags.Decide(ctx, f.ID, flag.DecisionInput{Decision: flag.DecisionReject}, testutil.Admin)
	var vErr *core.ValidationError
	require.True(t, errors.As(err, &vErr), "want a validation error, got %v", err)
	assert.Equal(t, "notes", vErr.Fields[0].Field)

	_, err = env.Flags.Decide(ctx, f.ID, flag.DecisionInput{Decision: flag.DecisionReject, Notes: "truant"}, testutil.Teacher)
	assert.Equal(t, flag.ErrForbidden, errors.Cause(err))

	rejected, err := env.Flags.Decide(ctx, f.ID, flag.DecisionInput{Decision: flag.DecisionReject, Notes: "truant"}, testutil.Admin)
	require.NoError(t, err)
	assert.Equal(t, flag.StatusRejected, rejected.Status)

	events, err := env.FlagRepo.QueryEvents(ctx, f.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, flag.EventOverride, last.Kind)
	assert.True(t, last.Override)
	assert.Equal(t, flag.StatusPendingClearance, last.FromStatus)
	assert.Equal(t, "truant", last.Notes)

	created, ok := byKey(env.Notifications(t, f.ID), f.ID+":created")
	require.True(t, ok)
	assert.Equal(t, notification.StatusSuperseded, created.Status)
}

func Test_flagService_Decide_invalidDecision(t *testing.T) {
	env, _ := setup(t)
	f := env.CreateFlag(t, "101", "207")
	_, err := env.Flags.Decide(context.Background(), f.ID, flag.DecisionInput{Decision: "maybe"}, testutil.Admin)
	var vErr *core.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "decision", vErr.Fields[0].Field)
}

func Test_flagService_Decide_ledgerViolationRollsBack(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()
	f := env.CreateFlag(t, "101", "207")
	_, err := env.Flags.SubmitJustification(ctx, f.ID, flag.Justification{Text: "sick"}, testutil.Parent)
	require.NoError(t, err)

	// a restoration slipped in behind the state machine's back
	_, err = env.Ledger.Append(ctx, ledger.NewEntry{StudentID: "101", FlagID: f.ID, Kind: ledger.KindRestoration, Amount: 5})
	require.NoError(t, err)

	_, err = env.Flags.Decide(ctx, f.ID, flag.DecisionInput{Decision: flag.DecisionClear}, testutil.Admin)
	assert.Equal(t, flag.ErrLedgerConstraintViolation, errors.Cause(err))

	got, err := env.FlagRepo.GetFlagByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, flag.StatusUnderReview, got.Status)
	assert.Equal(t, 2, got.Version)
	_, ok := byKey(env.Notifications(t, f.ID), f.ID+":decision")
	assert.False(t, ok)
}

func Test_flagService_concurrentTransitions(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()
	f := env.CreateFlag(t, "101", "207")

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Flags.SubmitJustification(ctx, f.ID, flag.Justification{Text: "sick"}, testutil.Parent)
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.Equal(t, flag.ErrAlreadyResponded, errors.Cause(err))
	}
	assert.Equal(t, 1, ok)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Flags.Decide(ctx, f.ID, flag.DecisionInput{Decision: flag.DecisionClear}, testutil.Admin)
		}(i)
	}
	wg.Wait()

	ok = 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.Equal(t, flag.ErrInvalidTransition, errors.Cause(err))
	}
	assert.Equal(t, 1, ok)

	entries, err := env.Ledger.EntriesForFlag(ctx, f.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func Test_flagService_EscalateIfExpired(t *testing.T) {
	env, clock := setup(t)
	ctx := context.Background()
	f := env.CreateFlag(t, "101", "207")

	esc, err := env.Flags.EscalateIfExpired(ctx, f.ID)
	require.NoError(t, err)
	assert.False(t, esc.Escalated, "nothing to do before the urgent window")

	clock.Advance(50 * time.Hour)
	esc, err = env.Flags.EscalateIfExpired(ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, esc.Escalated)
	assert.Equal(t, flag.UrgencyDueSoon, esc.Tier)
	assert.NotEmpty(t, esc.NotificationID)

	clock.Advance(23 * time.Hour)
	esc, err = env.Flags.EscalateIfExpired(ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, esc.Escalated)
	assert.Equal(t, flag.UrgencyOverdue, esc.Tier)
	assert.Equal(t, flag.StatusPendingClearance, esc.Flag.Status, "time never resolves a flag")

	before := len(env.Notifications(t, f.ID))
	esc, err = env.Flags.EscalateIfExpired(ctx, f.ID)
	require.NoError(t, err)
	assert.False(t, esc.Escalated)
	assert.Equal(t, flag.UrgencyOverdue, esc.Tier)
	assert.Len(t, env.Notifications(t, f.ID), before)

	notifs := env.Notifications(t, f.ID)
	soon, ok := byKey(notifs, f.ID+":urgency:due_soon")
	require.True(t, ok)
	assert.Equal(t, notification.PriorityMedium, soon.Priority)
	overdue, ok := byKey(notifs, f.ID+":urgency:overdue")
	require.True(t, ok)
	assert.Equal(t, notification.PriorityHigh, overdue.Priority)

	got, err := env.FlagRepo.GetFlagByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, flag.UrgencyOverdue, got.Urgency)
	assert.Equal(t, t0.Add(72*time.Hour), got.Deadline)
}

func Test_flagService_EscalateIfExpired_resolved(t *testing.T) {
	env, clock := setup(t)
	ctx := context.Background()
	f := env.CreateFlag(t, "101", "207")
	_, err := env.Flags.SubmitJustification(ctx, f.ID, flag.Justification{Text: "sick"}, testutil.Parent)
	require.NoError(t, err)

	clock.Advance(100 * time.Hour)
	esc, err := env.Flags.EscalateIfExpired(ctx, f.ID)
	require.NoError(t, err)
	assert.False(t, esc.Escalated)
	assert.Equal(t, flag.StatusUnderReview, esc.Flag.Status)
}

func Test_flagService_EscalateObserved_stale(t *testing.T) {
	env, clock := setup(t)
	ctx := context.Background()
	f := env.CreateFlag(t, "101", "207")
	clock.Advance(80 * time.Hour)

	candidates, err := env.Flags.Candidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	// resolved between the scan and the escalation
	_, err = env.Flags.SubmitJustification(ctx, f.ID, flag.Justification{Text: "sick"}, testutil.Parent)
	require.NoError(t, err)

	_, err = env.Flags.EscalateObserved(ctx, candidates[0])
	assert.Equal(t, flag.ErrStaleFlag, errors.Cause(err))
	_, ok := byKey(env.Notifications(t, f.ID), f.ID+":urgency:overdue")
	assert.False(t, ok)
}

func Test_flagService_BulkNotify(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()
	f1 := env.CreateFlag(t, "101", "207")
	f2 := env.CreateFlag(t, "101", "208")
	done := env.CreateFlag(t, "101", "209")
	_, err := env.Flags.SubmitJustification(ctx, done.ID, flag.Justification{Text: "sick"}, testutil.Parent)
	require.NoError(t, err)

	_, err = env.Flags.BulkNotify(ctx, []string{f1.ID}, testutil.Parent)
	assert.Equal(t, flag.ErrForbidden, errors.Cause(err))

	results, err := env.Flags.BulkNotify(ctx, []string{f1.ID, f2.ID, f1.ID, done.ID, "missing"}, testutil.Teacher)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.True(t, results[0].Notified)
	assert.NotEmpty(t, results[0].NotificationID)
	assert.True(t, results[1].Notified)
	assert.False(t, results[2].Notified)
	assert.Equal(t, flag.ErrFlagNotPending.Error(), results[2].Reason)
	assert.False(t, results[3].Notified)
	assert.Equal(t, flag.ErrNotFound.Error(), results[3].Reason)

	var reminders int
	for _, n := range env.Notifications(t, f1.ID) {
		if strings.Contains(n.IdempotencyKey, ":bulk:") {
			reminders++
		}
	}
	assert.Equal(t, 1, reminders)

	// a new call is a new batch
	_, err = env.Flags.BulkNotify(ctx, []string{f1.ID}, testutil.Admin)
	require.NoError(t, err)
	reminders = 0
	for _, n := range env.Notifications(t, f1.ID) {
		if strings.Contains(n.IdempotencyKey, ":bulk:") {
			reminders++
		}
	}
	assert.Equal(t, 2, reminders)
}

func Test_flagService_Query(t *testing.T) {
	env, clock := setup(t)
	ctx := context.Background()
	env.AddStudent("102", "207")

	f1 := env.CreateFlag(t, "101", "207", flag.SeverityLow)
	clock.Advance(time.Minute)
	f2 := env.CreateFlag(t, "101", "208", flag.SeverityHigh)
	clock.Advance(time.Minute)
	f3 := env.CreateFlag(t, "102", "207")
	_, err := env.Flags.SubmitJustification(ctx, f3.ID, flag.Justification{Text: "sick"}, testutil.Admin)
	require.NoError(t, err)

	// deliver the parent notices of f1 and f2
	_, err = env.Notifier.DispatchDue(ctx, 50)
	require.NoError(t, err)

	ids := func(page flag.SummaryPage) []string {
		res := make([]string, len(page.Items))
		for i, s := range page.Items {
			res[i] = s.ID
		}
		return res
	}

	tests := []struct {
		name      string
		filter    flag.QueryFilter
		page      core.Page
		ordering  []core.DBOrdering
		wantIDs   []string
		wantTotal int
	}{
		{name: "all, newest first", wantIDs: []string{f3.ID, f2.ID, f1.ID}, wantTotal: 3},
		{name: "oldest first", ordering: []core.DBOrdering{{Field: "created_at", Ascending: true}}, wantIDs: []string{f1.ID, f2.ID, f3.ID}, wantTotal: 3},
		{name: "by status", filter: flag.QueryFilter{Statuses: []flag.Status{flag.StatusPendingClearance}}, wantIDs: []string{f2.ID, f1.ID}, wantTotal: 2},
		{name: "by severity", filter: flag.QueryFilter{Severities: []flag.Severity{flag.SeverityHigh, flag.SeverityMedium}}, wantIDs: []string{f3.ID, f2.ID}, wantTotal: 2},
		{name: "by student", filter: flag.QueryFilter{StudentID: "102"}, wantIDs: []string{f3.ID}, wantTotal: 1},
		{name: "search session", filter: flag.QueryFilter{Search: "208"}, wantIDs: []string{f2.ID}, wantTotal: 1},
		{name: "search is literal", filter: flag.QueryFilter{Search: "20%"}, wantIDs: []string{}, wantTotal: 0},
		{name: "search underscore is literal", filter: flag.QueryFilter{Search: "2_7"}, wantIDs: []string{}, wantTotal: 0},
		{name: "least severe first", ordering: []core.DBOrdering{{Field: "severity", Ascending: true}}, wantIDs: []string{f1.ID, f3.ID, f2.ID}, wantTotal: 3},
		{name: "most severe first", ordering: []core.DBOrdering{{Field: "severity"}}, wantIDs: []string{f2.ID, f3.ID, f1.ID}, wantTotal: 3},
		{name: "AND of filters", filter: flag.QueryFilter{StudentID: "102", Statuses: []flag.Status{flag.StatusPendingClearance}}, wantIDs: []string{}, wantTotal: 0},
		{name: "second page", page: core.Page{Number: 2, Size: 2}, wantIDs: []string{f1.ID}, wantTotal: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := env.Flags.Query(ctx, tt.filter, tt.page, tt.ordering...)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIDs, ids(page))
			assert.Equal(t, tt.wantTotal, page.Total)
		})
	}

	page, err := env.Flags.Query(ctx, flag.QueryFilter{}, core.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 25, page.PageSize)
	for _, s := range page.Items {
		switch s.ID {
		case f1.ID, f2.ID:
			assert.True(t, s.ParentNotified, s.ID)
		case f3.ID:
			assert.False(t, s.ParentNotified, "superseded before it was sent")
		}
		assert.False(t, s.IsOverdue)
	}

	clock.Advance(60 * time.Hour)
	page, err = env.Flags.Query(ctx, flag.QueryFilter{Statuses: []flag.Status{flag.StatusPendingClearance}}, core.Page{})
	require.NoError(t, err)
	for _, s := range page.Items {
		assert.True(t, s.IsDeadlineNear)
	}
}

func Test_flagService_Export(t *testing.T) {
	env, clock := setup(t)
	f1 := env.CreateFlag(t, "101", "207")
	clock.Advance(time.Second)
	f2 := env.CreateFlag(t, "101", "208")

	var buf bytes.Buffer
	count, err := env.Flags.Export(context.Background(), flag.QueryFilter{}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "id", rows[0][0])
	assert.Equal(t, f1.ID, rows[1][0])
	assert.Equal(t, f2.ID, rows[2][0])
	assert.Equal(t, "pending_clearance", rows[1][6])
	assert.Equal(t, "5", rows[1][8])
}

func Test_flagService_Export_formulaCells(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()

	tests := []struct {
		reason string
		want   string
	}{
		{reason: `=HYPERLINK("http://evil.test","x")`, want: `'=HYPERLINK("http://evil.test","x")`},
		{reason: "+1+1", want: "'+1+1"},
		{reason: "-2", want: "'-2"},
		{reason: "@SUM(A1)", want: "'@SUM(A1)"},
		{reason: "sick (=flu)", want: "sick (=flu)"},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			f, err := env.Flags.CreateFlag(ctx, flag.NewFlag{
				StudentID: "101", SessionID: "209", AbsenceType: flag.FullAbsence, Reason: tt.reason,
			}, testutil.Teacher)
			require.NoError(t, err)
			t.Cleanup(func() {
				_, err := env.Flags.Decide(ctx, f.ID, flag.DecisionInput{Decision: flag.DecisionReject, Notes: "cleanup"}, testutil.Admin)
				require.NoError(t, err)
			})

			var buf bytes.Buffer
			_, err = env.Flags.Export(ctx, flag.QueryFilter{StudentID: "101", Statuses: []flag.Status{flag.StatusPendingClearance}}, &buf)
			require.NoError(t, err)
			rows, err := csv.NewReader(&buf).ReadAll()
			require.NoError(t, err)
			require.Len(t, rows, 2)
			assert.Equal(t, tt.want, rows[1][14])
		})
	}
}

func Test_flagService_NotifyOverdueSummary(t *testing.T) {
	env, _ := setup(t)
	ctx := context.Background()
	f := env.CreateFlag(t, "101", "207")

	n, err := env.Flags.NotifyOverdueSummary(ctx, "run-1", []flag.Flag{f})
	require.NoError(t, err)
	assert.Equal(t, "overdue-summary:run-1", n.IdempotencyKey)
	assert.Equal(t, notification.AudienceAdmin, n.Audience)
	assert.Equal(t, notification.PriorityHigh, n.Priority)
	assert.Contains(t, n.Subject, "1 absence flag(s)")
	assert.Contains(t, n.Body, f.ID)

	again, err := env.Flags.NotifyOverdueSummary(ctx, "run-1", []flag.Flag{f})
	require.NoError(t, err)
	assert.Equal(t, n.ID, again.ID)

	empty, err := env.Flags.NotifyOverdueSummary(ctx, "run-2", nil)
	require.NoError(t, err)
	assert.Empty(t, empty.ID)
}
