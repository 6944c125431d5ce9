package sqlxrepos

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/flag"
)

const flagColumns = `id, student_id, session_id, teacher_id, absence_type, severity, reason, points_deducted,
	auto_generated, status, urgency, clearance_reason, decided_by, decided_at, deadline, version, created_at, updated_at`

// flagOrderable maps the orderable fields to their sort expression.
var flagOrderable = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"deadline":   "deadline",
	"severity":   "CASE severity WHEN 'low' THEN 1 WHEN 'medium' THEN 2 WHEN 'high' THEN 3 ELSE 0 END",
	"status":     "status",
	"student_id": "student_id",
}

type (
	flagRow struct {
		ID              string      `db:"id"`
		StudentID       string      `db:"student_id"`
		SessionID       string      `db:"session_id"`
		TeacherID       null.String `db:"teacher_id"`
		AbsenceType     string      `db:"absence_type"`
		Severity        string      `db:"severity"`
		Reason          string      `db:"reason"`
		PointsDeducted  int         `db:"points_deducted"`
		AutoGenerated   bool        `db:"auto_generated"`
		Status          string      `db:"status"`
		Urgency         string      `db:"urgency"`
		ClearanceReason null.String `db:"clearance_reason"`
		DecidedBy       null.String `db:"decided_by"`
		DecidedAt       null.Time   `db:"decided_at"`
		Deadline        time.Time   `db:"deadline"`
		Version         int         `db:"version"`
		CreatedAt       time.Time   `db:"created_at"`
		UpdatedAt       time.Time   `db:"updated_at"`
	}

	responseRow struct {
		FlagID        string         `db:"flag_id"`
		Justification string         `db:"justification"`
		DocumentIDs   pq.StringArray `db:"document_ids"`
		ReviewerNotes null.String    `db:"reviewer_notes"`
		Late          bool           `db:"late"`
		SubmittedBy   string         `db:"submitted_by"`
		SubmittedAt   time.Time      `db:"submitted_at"`
	}

	eventRow struct {
		ID         string      `db:"id"`
		FlagID     string      `db:"flag_id"`
		Kind       string      `db:"kind"`
		FromStatus null.String `db:"from_status"`
		ToStatus   null.String `db:"to_status"`
		ActorID    string      `db:"actor_id"`
		Override   bool        `db:"override"`
		Notes      string      `db:"notes"`
		CreatedAt  time.Time   `db:"created_at"`
	}

	flagRepository struct {
		repository
	}
)

var _ flag.Repository = (*flagRepository)(nil) // interface compliance check

func NewFlagRepository(db *sqlx.DB) *flagRepository {
	return &flagRepository{repository{db: db}}
}

func toFlagRow(f flag.Flag) flagRow {
	return flagRow{
		ID:              f.ID,
		StudentID:       f.StudentID,
		SessionID:       f.SessionID,
		TeacherID:       null.NewString(f.TeacherID, f.TeacherID != ""),
		AbsenceType:     string(f.AbsenceType),
		Severity:        string(f.Severity),
		Reason:          f.Reason,
		PointsDeducted:  f.PointsDeducted,
		AutoGenerated:   f.AutoGenerated,
		Status:          string(f.Status),
		Urgency:         string(f.Urgency),
		ClearanceReason: null.NewString(f.ClearanceReason, f.ClearanceReason != ""),
		DecidedBy:       null.NewString(f.DecidedBy, f.DecidedBy != ""),
		DecidedAt:       null.TimeFromPtr(f.DecidedAt),
		Deadline:        f.Deadline.UTC(),
		Version:         f.Version,
		CreatedAt:       f.CreatedAt.UTC(),
		UpdatedAt:       f.UpdatedAt.UTC(),
	}
}

func (r flagRow) flag() flag.Flag {
	f := flag.Flag{
		ID:              r.ID,
		StudentID:       r.StudentID,
		SessionID:       r.SessionID,
		TeacherID:       r.TeacherID.String,
		AbsenceType:     flag.AbsenceType(r.AbsenceType),
		Severity:        flag.Severity(r.Severity),
		Reason:          r.Reason,
		PointsDeducted:  r.PointsDeducted,
		AutoGenerated:   r.AutoGenerated,
		Status:          flag.Status(r.Status),
		Urgency:         flag.Urgency(r.Urgency),
		ClearanceReason: r.ClearanceReason.String,
		DecidedBy:       r.DecidedBy.String,
		Deadline:        r.Deadline.UTC(),
		Version:         r.Version,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
	if r.DecidedAt.Valid {
		t := r.DecidedAt.Time.UTC()
		f.DecidedAt = &t
	}
	return f
}

func (repo flagRepository) CreateFlag(ctx context.Context, f flag.Flag, exec ...core.DBExecutor) (flag.Flag, error) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	q := `INSERT INTO absence_flag (` + flagColumns + `)
		VALUES (:id, :student_id, :session_id, :teacher_id, :absence_type, :severity, :reason, :points_deducted,
			:auto_generated, :status, :urgency, :clearance_reason, :decided_by, :decided_at, :deadline, :version,
			:created_at, :updated_at)
		ON CONFLICT DO NOTHING`

	res, err := sqlx.NamedExecContext(ctx, repo.ext(exec), q, toFlagRow(f))
	if err != nil {
		return flag.Flag{}, errors.Wrap(err, "inserting flag")
	}
	if cnt, err := res.RowsAffected(); err != nil {
		return flag.Flag{}, errors.Wrap(err, "inserting flag")
	} else if cnt == 0 {
		return flag.Flag{}, flag.ErrDuplicateFlag
	}
	return f, nil
}

func (repo flagRepository) GetFlagByID(ctx context.Context, id string, exec ...core.DBExecutor) (flag.Flag, error) {
	if _, err := uuid.Parse(id); err != nil {
		return flag.Flag{}, flag.ErrNotFound
	}
	var row flagRow
	q := `SELECT ` + flagColumns + ` FROM absence_flag WHERE id = $1`
	if err := sqlx.GetContext(ctx, repo.ext(exec), &row, q, id); err != nil {
		return flag.Flag{}, trapNoRowsErr(err, flag.ErrNotFound, "finding flag by ID")
	}
	return row.flag(), nil
}

func (repo flagRepository) GetOpenFlagBySession(ctx context.Context, studentID, sessionID string, exec ...core.DBExecutor) (flag.Flag, error) {
	var row flagRow
	q := `SELECT ` + flagColumns + ` FROM absence_flag
		WHERE student_id = $1 AND session_id = $2 AND status IN ($3, $4)`
	err := sqlx.GetContext(ctx, repo.ext(exec), &row, q,
		studentID, sessionID, flag.StatusPendingClearance, flag.StatusUnderReview)
	if err != nil {
		return flag.Flag{}, trapNoRowsErr(err, flag.ErrNotFound, "finding open flag")
	}
	return row.flag(), nil
}

func (repo flagRepository) UpdateFlag(ctx context.Context, f flag.Flag, exec ...core.DBExecutor) (flag.Flag, error) {
	q := `UPDATE absence_flag SET
			status = :status,
			urgency = :urgency,
			clearance_reason = :clearance_reason,
			decided_by = :decided_by,
			decided_at = :decided_at,
			updated_at = :updated_at,
			version = version + 1
		WHERE id = :id AND version = :version`

	res, err := sqlx.NamedExecContext(ctx, repo.ext(exec), q, toFlagRow(f))
	if err != nil {
		return flag.Flag{}, errors.Wrap(err, "updating flag")
	}
	if cnt, err := res.RowsAffected(); err != nil {
		return flag.Flag{}, errors.Wrap(err, "updating flag")
	} else if cnt == 0 {
		return flag.Flag{}, flag.ErrStaleFlag
	}
	f.Version++
	return f, nil
}

func flagWhere(filter flag.QueryFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if len(filter.Statuses) > 0 {
		add("status = ANY($%d)", stringArray(filter.Statuses))
	}
	if len(filter.Severities) > 0 {
		add("severity = ANY($%d)", stringArray(filter.Severities))
	}
	if filter.StudentID != "" {
		add("student_id = $%d", filter.StudentID)
	}
	// flags with StudentID, SessionID or Reason matching the search keyword
	if filter.Search != "" {
		add(`(student_id ILIKE $%[1]d ESCAPE '\' OR session_id ILIKE $%[1]d ESCAPE '\' OR reason ILIKE $%[1]d ESCAPE '\')`,
			"%"+escapeLike(filter.Search)+"%")
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (repo flagRepository) QueryFlags(
	ctx context.Context,
	filter flag.QueryFilter,
	page core.Page,
	ordering []core.DBOrdering,
	exec ...core.DBExecutor,
) ([]flag.Flag, int, error) {
	ext := repo.ext(exec)
	where, args := flagWhere(filter)

	var total int
	if err := sqlx.GetContext(ctx, ext, &total, `SELECT COUNT(*) FROM absence_flag`+where, args...); err != nil {
		return nil, 0, errors.Wrap(err, "counting flags")
	}

	page = page.Normalize()
	q := fmt.Sprintf(`SELECT %s FROM absence_flag%s ORDER BY %s, id LIMIT %d OFFSET %d`,
		flagColumns, where, orderBy(ordering, flagOrderable, "created_at DESC"), page.Size, page.Offset())

	var rows []flagRow
	if err := sqlx.SelectContext(ctx, ext, &rows, q, args...); err != nil {
		return nil, 0, errors.Wrap(err, "querying flags")
	}
	flags := make([]flag.Flag, 0, len(rows))
	for _, r := range rows {
		flags = append(flags, r.flag())
	}
	return flags, total, nil
}

func (repo flagRepository) QueryEscalationCandidates(ctx context.Context, before time.Time, limit int, exec ...core.DBExecutor) ([]flag.Flag, error) {
	q := `SELECT ` + flagColumns + ` FROM absence_flag
		WHERE status = $1 AND urgency <> $2 AND deadline < $3
		ORDER BY deadline LIMIT $4`

	var rows []flagRow
	err := sqlx.SelectContext(ctx, repo.ext(exec), &rows, q,
		flag.StatusPendingClearance, flag.UrgencyOverdue, before.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying escalation candidates")
	}
	flags := make([]flag.Flag, 0, len(rows))
	for _, r := range rows {
		flags = append(flags, r.flag())
	}
	return flags, nil
}

func (repo flagRepository) CreateResponse(ctx context.Context, r flag.ParentResponse, exec ...core.DBExecutor) (flag.ParentResponse, error) {
	row := responseRow{
		FlagID:        r.FlagID,
		Justification: r.Justification,
		DocumentIDs:   pq.StringArray(r.DocumentIDs),
		ReviewerNotes: null.NewString(r.ReviewerNotes, r.ReviewerNotes != ""),
		Late:          r.Late,
		SubmittedBy:   r.SubmittedBy,
		SubmittedAt:   r.SubmittedAt.UTC(),
	}
	if row.DocumentIDs == nil {
		row.DocumentIDs = pq.StringArray{}
	}
	q := `INSERT INTO parent_response (flag_id, justification, document_ids, reviewer_notes, late, submitted_by, submitted_at)
		VALUES (:flag_id, :justification, :document_ids, :reviewer_notes, :late, :submitted_by, :submitted_at)
		ON CONFLICT (flag_id) DO NOTHING`

	res, err := sqlx.NamedExecContext(ctx, repo.ext(exec), q, row)
	if err != nil {
		return flag.ParentResponse{}, errors.Wrap(err, "inserting response")
	}
	if cnt, err := res.RowsAffected(); err != nil {
		return flag.ParentResponse{}, errors.Wrap(err, "inserting response")
	} else if cnt == 0 {
		return flag.ParentResponse{}, flag.ErrAlreadyResponded
	}
	return r, nil
}

func (repo flagRepository) GetResponse(ctx context.Context, flagID string, exec ...core.DBExecutor) (flag.ParentResponse, error) {
	if _, err := uuid.Parse(flagID); err != nil {
		return flag.ParentResponse{}, flag.ErrResponseNotFound
	}
	var row responseRow
	q := `SELECT flag_id, justification, document_ids, reviewer_notes, late, submitted_by, submitted_at
		FROM parent_response WHERE flag_id = $1`
	if err := sqlx.GetContext(ctx, repo.ext(exec), &row, q, flagID); err != nil {
		return flag.ParentResponse{}, trapNoRowsErr(err, flag.ErrResponseNotFound, "finding response")
	}
	return flag.ParentResponse{
		FlagID:        row.FlagID,
		Justification: row.Justification,
		DocumentIDs:   []string(row.DocumentIDs),
		ReviewerNotes: row.ReviewerNotes.String,
		Late:          row.Late,
		SubmittedBy:   row.SubmittedBy,
		SubmittedAt:   row.SubmittedAt.UTC(),
	}, nil
}

func (repo flagRepository) UpdateResponseNotes(ctx context.Context, flagID, notes string, exec ...core.DBExecutor) error {
	res, err := repo.ext(exec).ExecContext(ctx, `UPDATE parent_response SET reviewer_notes = $1 WHERE flag_id = $2`,
		null.NewString(notes, notes != ""), flagID)
	if err != nil {
		return errors.Wrap(err, "updating reviewer notes")
	}
	if cnt, err := res.RowsAffected(); err != nil {
		return errors.Wrap(err, "updating reviewer notes")
	} else if cnt == 0 {
		return flag.ErrResponseNotFound
	}
	return nil
}

func (repo flagRepository) CreateEvent(ctx context.Context, e flag.Event, exec ...core.DBExecutor) (flag.Event, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	row := eventRow{
		ID:         e.ID,
		FlagID:     e.FlagID,
		Kind:       string(e.Kind),
		FromStatus: null.NewString(string(e.FromStatus), e.FromStatus != ""),
		ToStatus:   null.NewString(string(e.ToStatus), e.ToStatus != ""),
		ActorID:    e.ActorID,
		Override:   e.Override,
		Notes:      e.Notes,
		CreatedAt:  e.CreatedAt.UTC(),
	}
	q := `INSERT INTO flag_event (id, flag_id, kind, from_status, to_status, actor_id, override, notes, created_at)
		VALUES (:id, :flag_id, :kind, :from_status, :to_status, :actor_id, :override, :notes, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, repo.ext(exec), q, row); err != nil {
		return flag.Event{}, errors.Wrap(err, "inserting flag event")
	}
	return e, nil
}

func (repo flagRepository) QueryEvents(ctx context.Context, flagID string, exec ...core.DBExecutor) ([]flag.Event, error) {
	if _, err := uuid.Parse(flagID); err != nil {
		return []flag.Event{}, nil
	}
	var rows []eventRow
	q := `SELECT id, flag_id, kind, from_status, to_status, actor_id, override, notes, created_at
		FROM flag_event WHERE flag_id = $1 ORDER BY created_at, id`
	if err := sqlx.SelectContext(ctx, repo.ext(exec), &rows, q, flagID); err != nil {
		return nil, errors.Wrap(err, "querying flag events")
	}
	events := make([]flag.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, flag.Event{
			ID:         r.ID,
			FlagID:     r.FlagID,
			Kind:       flag.EventKind(r.Kind),
			FromStatus: flag.Status(r.FromStatus.String),
			ToStatus:   flag.Status(r.ToStatus.String),
			ActorID:    r.ActorID,
			Override:   r.Override,
			Notes:      r.Notes,
			CreatedAt:  r.CreatedAt.UTC(),
		})
	}
	return events, nil
}
