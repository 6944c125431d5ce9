package flag

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/notification"
)

var exportHeader = []string{
	"id", "student_id", "session_id", "teacher_id", "absence_type", "severity", "status", "urgency",
	"points_deducted", "auto_generated", "deadline", "created_at", "decided_by", "decided_at", "reason",
}

// Query returns a page of flags with fields derived at read time. Filters are combined with AND.
func (svc *Service) Query(ctx context.Context, filter QueryFilter, page core.Page, ordering ...core.DBOrdering) (SummaryPage, error) {
	page = page.Normalize()
	filter.Search = core.CleanString(filter.Search)
	filter.StudentID = core.CleanString(filter.StudentID)

	flags, total, err := svc.repo.QueryFlags(ctx, filter, page, ordering)
	if err != nil {
		return SummaryPage{}, errors.Wrap(err, "querying flags")
	}

	ids := make([]string, len(flags))
	for i, f := range flags {
		ids[i] = f.ID
	}
	notified, err := svc.notifier.NotifiedFlags(ctx, ids, notification.AudienceParent)
	if err != nil {
		return SummaryPage{}, errors.Wrap(err, "querying notified flags")
	}

	now := core.Now()
	items := make([]Summary, len(flags))
	for i, f := range flags {
		items[i] = svc.summarize(f, now)
		items[i].ParentNotified = notified[f.ID]
	}
	return SummaryPage{Items: items, Total: total, Page: page.Number, PageSize: page.Size}, nil
}

// Get returns the flag with its response, notifications, ledger entries and history.
func (svc *Service) Get(ctx context.Context, id string) (Detail, error) {
	f, err := svc.repo.GetFlagByID(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	sum := svc.summarize(f, core.Now())
	d := Detail{Flag: f, IsDeadlineNear: sum.IsDeadlineNear, IsOverdue: sum.IsOverdue}

	resp, err := svc.repo.GetResponse(ctx, id)
	switch errors.Cause(err) {
	case nil:
		d.Response = &resp
	case ErrResponseNotFound:
	default:
		return Detail{}, errors.Wrap(err, "getting response")
	}

	if d.Notifications, err = svc.notifier.ForFlag(ctx, id); err != nil {
		return Detail{}, err
	}
	if d.Ledger, err = svc.ledger.EntriesForFlag(ctx, id); err != nil {
		return Detail{}, errors.Wrap(err, "querying ledger entries")
	}
	if d.Events, err = svc.repo.QueryEvents(ctx, id); err != nil {
		return Detail{}, errors.Wrap(err, "querying flag events")
	}
	return d, nil
}

// GetFor is Get restricted to the flags `actor` may see.
func (svc *Service) GetFor(ctx context.Context, id string, actor core.Actor) (Detail, error) {
	d, err := svc.Get(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	if err = svc.checkAccess(ctx, d.Flag, actor); err != nil {
		return Detail{}, err
	}
	return d, nil
}

// Export writes every flag matching the filter to `w` as CSV.
func (svc *Service) Export(ctx context.Context, filter QueryFilter, w io.Writer) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return 0, errors.Wrap(err, "writing csv header")
	}

	ordering := []core.DBOrdering{{Field: "created_at", Ascending: true}}
	page := core.Page{Number: 1, Size: 200}
	var count int
	for {
		flags, total, err := svc.repo.QueryFlags(ctx, filter, page, ordering)
		if err != nil {
			return count, errors.Wrap(err, "querying flags")
		}
		for _, f := range flags {
			if err = cw.Write(exportRow(f)); err != nil {
				return count, errors.Wrap(err, "writing csv row")
			}
			count++
		}
		if len(flags) == 0 || page.Offset()+len(flags) >= total {
			break
		}
		page.Number++
	}

	cw.Flush()
	return count, errors.Wrap(cw.Error(), "flushing csv")
}

// Candidates returns pending flags the sweeper should look at: deadline within the urgent window
// (or passed) and not escalated to overdue yet.
func (svc *Service) Candidates(ctx context.Context, limit int) ([]Flag, error) {
	before := core.Now().Add(svc.conf.UrgentWindow)
	flags, err := svc.repo.QueryEscalationCandidates(ctx, before, limit)
	return flags, errors.Wrap(err, "querying escalation candidates")
}

// EscalateObserved escalates `f` only if it was not modified since it was read.
func (svc *Service) EscalateObserved(ctx context.Context, f Flag) (Escalation, error) {
	return svc.escalate(ctx, f.ID, f.Version)
}

// NotifyOverdueSummary sends the administrator one digest of the flags that became overdue
// during the sweep identified by `runID`.
func (svc *Service) NotifyOverdueSummary(ctx context.Context, runID string, flags []Flag) (notification.Notification, error) {
	admin, ok := svc.adminContact()
	if !ok || len(flags) == 0 {
		return notification.Notification{}, nil
	}
	subject, body, err := svc.templates.Render("overdue_summary", struct {
		Count int
		Flags []Flag
	}{Count: len(flags), Flags: flags})
	if err != nil {
		return notification.Notification{}, errors.Wrap(err, "rendering overdue summary")
	}
	n, err := svc.notifier.Enqueue(ctx, notification.NewNotification{
		IdempotencyKey: "overdue-summary:" + runID,
		RecipientID:    admin.RecipientID,
		Audience:       notification.AudienceAdmin,
		Address:        admin.Address,
		Channel:        admin.Channel,
		Priority:       notification.PriorityHigh,
		Subject:        subject,
		Body:           body,
	})
	if err != nil {
		return notification.Notification{}, errors.Wrap(err, "enqueuing overdue summary")
	}
	svc.notifier.Wake()
	return n, nil
}

func (svc *Service) summarize(f Flag, now time.Time) Summary {
	urgency := f.UrgencyAt(now, svc.conf.UrgentWindow)
	return Summary{
		Flag:           f,
		IsDeadlineNear: urgency == UrgencyDueSoon,
		IsOverdue:      urgency == UrgencyOverdue,
	}
}

func exportRow(f Flag) []string {
	var decidedAt string
	if f.DecidedAt != nil {
		decidedAt = f.DecidedAt.Format(time.RFC3339)
	}
	row := []string{
		f.ID,
		f.StudentID,
		f.SessionID,
		f.TeacherID,
		string(f.AbsenceType),
		string(f.Severity),
		string(f.Status),
		string(f.Urgency),
		strconv.Itoa(f.PointsDeducted),
		strconv.FormatBool(f.AutoGenerated),
		f.Deadline.Format(time.RFC3339),
		f.CreatedAt.Format(time.RFC3339),
		f.DecidedBy,
		decidedAt,
		f.Reason,
	}
	for i, cell := range row {
		row[i] = inertCell(cell)
	}
	return row
}

// inertCell keeps spreadsheets from evaluating a cell as a formula.
func inertCell(cell string) string {
	if cell != "" && strings.ContainsRune("=+-@\t\r", rune(cell[0])) {
		return "'" + cell
	}
	return cell
}
