package flag

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/ledger"
	"github.com/trezcool/clearance/core/notification"
)

var (
	// errors
	ErrNotFound          = errors.New("flag not found")
	ErrResponseNotFound  = errors.New("parent response not found")
	ErrInvalidSession    = errors.New("session does not reference a valid attendance event")
	ErrDuplicateFlag     = errors.New("an open flag already exists for this session")
	ErrFlagNotPending    = errors.New("flag is not pending clearance")
	ErrAlreadyResponded  = errors.New("a justification was already submitted for this flag")
	ErrInvalidTransition = errors.New("invalid flag transition")
	ErrStaleFlag         = errors.New("flag was modified concurrently")
	ErrForbidden         = errors.New("not allowed to act on this flag")
	ErrContactNotFound   = errors.New("no parent contact for student")
	ErrInvalidPoints     = errors.New("points outside of the severity band")

	// ErrLedgerConstraintViolation aborts the transition that triggered it.
	ErrLedgerConstraintViolation = ledger.ErrConstraintViolation
)

type (
	Repository interface {
		// CreateFlag returns ErrDuplicateFlag if an open flag exists for the same student and session.
		CreateFlag(ctx context.Context, f Flag, exec ...core.DBExecutor) (Flag, error)
		GetFlagByID(ctx context.Context, id string, exec ...core.DBExecutor) (Flag, error)
		GetOpenFlagBySession(ctx context.Context, studentID, sessionID string, exec ...core.DBExecutor) (Flag, error)
		// UpdateFlag saves `f` if its version is still f.Version and bumps it; ErrStaleFlag otherwise.
		UpdateFlag(ctx context.Context, f Flag, exec ...core.DBExecutor) (Flag, error)
		// QueryFlags applies AND on the filter fields, newest first unless `ordering` says otherwise.
		QueryFlags(ctx context.Context, filter QueryFilter, page core.Page, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]Flag, int, error)
		// QueryEscalationCandidates returns pending flags whose deadline is before `before`
		// and that are not overdue yet, earliest deadline first.
		QueryEscalationCandidates(ctx context.Context, before time.Time, limit int, exec ...core.DBExecutor) ([]Flag, error)

		// CreateResponse returns ErrAlreadyResponded if the flag already has one.
		CreateResponse(ctx context.Context, r ParentResponse, exec ...core.DBExecutor) (ParentResponse, error)
		GetResponse(ctx context.Context, flagID string, exec ...core.DBExecutor) (ParentResponse, error)
		UpdateResponseNotes(ctx context.Context, flagID, notes string, exec ...core.DBExecutor) error

		CreateEvent(ctx context.Context, e Event, exec ...core.DBExecutor) (Event, error)
		QueryEvents(ctx context.Context, flagID string, exec ...core.DBExecutor) ([]Event, error)
	}

	ServiceDeps struct {
		Repo      Repository
		Tx        core.Transactor
		Ledger    *ledger.Service
		Notifier  *notification.Service
		Sessions  SessionResolver
		Contacts  ContactDirectory
		Documents DocumentStore // optional
		Templates *core.Templates
		Conf      core.ClearanceConfig
		Logger    core.Logger
	}

	// Service is the flag state machine.
	Service struct {
		repo      Repository
		tx        core.Transactor
		ledger    *ledger.Service
		notifier  *notification.Service
		sessions  SessionResolver
		contacts  ContactDirectory
		documents DocumentStore
		templates *core.Templates
		policy    Policy
		conf      core.ClearanceConfig
		logger    core.Logger
		locks     *core.KeyLocker
	}

	// Detail is everything known about one flag.
	Detail struct {
		Flag
		IsDeadlineNear bool                        `json:"is_deadline_near"`
		IsOverdue      bool                        `json:"is_overdue"`
		Response       *ParentResponse             `json:"response"`
		Notifications  []notification.Notification `json:"notifications"`
		Ledger         []ledger.Entry              `json:"ledger"`
		Events         []Event                     `json:"events"`
	}

	messageData struct {
		FlagID      string
		StudentID   string
		SessionID   string
		AbsenceType AbsenceType
		Severity    Severity
		Reason      string
		Points      int
		Deadline    string
		Notes       string
		Late        bool
	}
)

func NewService(deps ServiceDeps) *Service {
	return &Service{
		repo:      deps.Repo,
		tx:        deps.Tx,
		ledger:    deps.Ledger,
		notifier:  deps.Notifier,
		sessions:  deps.Sessions,
		contacts:  deps.Contacts,
		documents: deps.Documents,
		templates: deps.Templates,
		policy:    NewPolicy(deps.Conf.Points),
		conf:      deps.Conf,
		logger:    deps.Logger,
		locks:     core.NewKeyLocker(),
	}
}

func (svc *Service) Policy() Policy { return svc.policy }

// CreateFlag records an absence: the flag, its provisional deduction and the parent notice
// are committed together.
func (svc *Service) CreateFlag(ctx context.Context, nf NewFlag, actor core.Actor) (Flag, error) {
	nf.StudentID = core.CleanString(nf.StudentID)
	nf.SessionID = core.CleanString(nf.SessionID)
	nf.Reason = core.CleanString(nf.Reason)
	if err := checkNewFlag(nf); err != nil {
		return Flag{}, err
	}
	points, err := svc.policy.Points(nf.Severity, nf.Points)
	if err != nil {
		return Flag{}, err
	}

	session, err := svc.sessions.ResolveSession(ctx, nf.StudentID, nf.SessionID)
	if err != nil {
		if errors.Cause(err) == ErrInvalidSession {
			return Flag{}, err
		}
		return Flag{}, errors.Wrap(err, "resolving session")
	}
	if nf.TeacherID == "" {
		nf.TeacherID = session.TeacherID
	}

	contact, hasContact, err := svc.parentContact(ctx, nf.StudentID)
	if err != nil {
		return Flag{}, err
	}

	unlock := svc.locks.Lock("session:" + nf.StudentID + ":" + nf.SessionID)
	defer unlock()

	now := core.Now()
	f := Flag{
		ID:             uuid.New().String(),
		StudentID:      nf.StudentID,
		SessionID:      nf.SessionID,
		TeacherID:      nf.TeacherID,
		AbsenceType:    nf.AbsenceType,
		Severity:       nf.Severity,
		Reason:         nf.Reason,
		PointsDeducted: points,
		AutoGenerated:  nf.AutoGenerated,
		Status:         StatusPendingClearance,
		Urgency:        UrgencyNone,
		Deadline:       now.Add(svc.conf.GracePeriod),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = svc.tx.InTx(ctx, func(exec core.DBExecutor) error {
		execs := core.Execs(exec)
		if _, err := svc.repo.GetOpenFlagBySession(ctx, f.StudentID, f.SessionID, execs...); err == nil {
			return ErrDuplicateFlag
		} else if errors.Cause(err) != ErrNotFound {
			return errors.Wrap(err, "checking open flags")
		}

		var err error
		if f, err = svc.repo.CreateFlag(ctx, f, execs...); err != nil {
			return err
		}
		if _, err = svc.ledger.Append(ctx, ledger.NewEntry{
			StudentID: f.StudentID,
			FlagID:    f.ID,
			Kind:      ledger.KindDeduction,
			Amount:    -f.PointsDeducted,
		}, execs...); err != nil {
			return svc.ledgerError(err, f)
		}
		if err = svc.recordEvent(ctx, exec, f, EventCreated, "", StatusPendingClearance, actor, false, f.Reason); err != nil {
			return err
		}
		if hasContact {
			_, err = svc.notify(ctx, exec, f, contact, notification.AudienceParent, "created",
				"flag_created", notification.PriorityMedium, "")
		}
		return err
	})
	if err != nil {
		return Flag{}, err
	}

	flagsCreatedTotal.WithLabelValues(string(f.Severity), strconv.FormatBool(f.AutoGenerated)).Inc()
	transitionsTotal.WithLabelValues("", string(f.Status), "false").Inc()
	svc.notifier.Wake()
	return f, nil
}

// Ingest turns an attendance absence event into an auto-generated flag.
func (svc *Service) Ingest(ctx context.Context, ev AttendanceEvent) (Flag, error) {
	sev := ev.Severity
	if sev == "" {
		sev = ev.AbsenceType.DefaultSeverity()
	}
	return svc.CreateFlag(ctx, NewFlag{
		StudentID:     ev.StudentID,
		SessionID:     ev.SessionID,
		TeacherID:     ev.TeacherID,
		AbsenceType:   ev.AbsenceType,
		Severity:      sev,
		Reason:        ev.Reason,
		AutoGenerated: true,
	}, core.SystemActor)
}

// SubmitJustification records the parent's response and moves the flag to review.
// Submitting after the deadline is allowed and marked late.
func (svc *Service) SubmitJustification(ctx context.Context, flagID string, j Justification, actor core.Actor) (ParentResponse, error) {
	j.Text = core.CleanString(j.Text)
	if j.Text == "" {
		return ParentResponse{}, core.NewValidationError(
			errors.New("justification is required"),
			core.FieldError{Field: "justification", Error: "this field is required"},
		)
	}
	if err := svc.checkDocuments(ctx, j.DocumentIDs); err != nil {
		return ParentResponse{}, err
	}

	current, err := svc.repo.GetFlagByID(ctx, flagID)
	if err != nil {
		return ParentResponse{}, err
	}
	if err = svc.checkAccess(ctx, current, actor); err != nil {
		return ParentResponse{}, err
	}

	var resp ParentResponse
	_, err = svc.mutate(ctx, flagID, func(exec core.DBExecutor, f *Flag) (bool, error) {
		execs := core.Execs(exec)
		if _, err := svc.repo.GetResponse(ctx, f.ID, execs...); err == nil {
			return false, ErrAlreadyResponded
		} else if errors.Cause(err) != ErrResponseNotFound {
			return false, errors.Wrap(err, "finding response")
		}
		if f.Status != StatusPendingClearance {
			return false, errors.Wrapf(ErrFlagNotPending, "flag is %s", f.Status)
		}

		now := core.Now()
		docs := j.DocumentIDs
		if docs == nil {
			docs = []string{}
		}
		var err error
		resp, err = svc.repo.CreateResponse(ctx, ParentResponse{
			FlagID:        f.ID,
			Justification: j.Text,
			DocumentIDs:   docs,
			Late:          now.After(f.Deadline),
			SubmittedBy:   actor.ID,
			SubmittedAt:   now,
		}, execs...)
		if err != nil {
			return false, err
		}

		from := f.Status
		f.Status = StatusUnderReview
		notes := ""
		if resp.Late {
			notes = "submitted after the deadline"
		}
		if err = svc.recordEvent(ctx, exec, *f, EventJustified, from, f.Status, actor, false, notes); err != nil {
			return false, err
		}

		// queued parent reminders are pointless now
		if _, err = svc.notifier.SupersedePendingForFlag(ctx, f.ID, notification.AudienceParent, execs...); err != nil {
			return false, err
		}
		if admin, ok := svc.adminContact(); ok {
			if _, err = svc.notify(ctx, exec, *f, admin, notification.AudienceAdmin, "justification",
				"justification_received", notification.PriorityMedium, "", resp.Late); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err != nil {
		return ParentResponse{}, err
	}

	transitionsTotal.WithLabelValues(string(StatusPendingClearance), string(StatusUnderReview), "false").Inc()
	svc.notifier.Wake()
	return resp, nil
}

// Decide finalizes a flag under review. Rejecting a pending flag is an admin override:
// it needs notes and is audited as such. Clearing restores the deducted points.
func (svc *Service) Decide(ctx context.Context, flagID string, d DecisionInput, actor core.Actor) (Flag, error) {
	if !d.Decision.IsValid() {
		return Flag{}, core.NewValidationError(
			fmt.Errorf("unknown decision %q", d.Decision),
			core.FieldError{Field: "decision", Error: "decision must be clear or reject"},
		)
	}
	if !actor.IsAdmin() {
		return Flag{}, ErrForbidden
	}
	d.Notes = core.CleanString(d.Notes)

	current, err := svc.repo.GetFlagByID(ctx, flagID)
	if err != nil {
		return Flag{}, err
	}
	contact, hasContact, err := svc.parentContact(ctx, current.StudentID)
	if err != nil {
		return Flag{}, err
	}

	var from Status
	var override bool
	saved, err := svc.mutate(ctx, flagID, func(exec core.DBExecutor, f *Flag) (bool, error) {
		execs := core.Execs(exec)
		from = f.Status
		override = f.Status == StatusPendingClearance

		to := StatusCleared
		if d.Decision == DecisionReject {
			to = StatusRejected
		}
		if !f.Status.CanTransitionTo(to) {
			return false, errors.Wrapf(ErrInvalidTransition, "cannot %s a %s flag", d.Decision, f.Status)
		}
		if override && d.Notes == "" {
			return false, core.NewValidationError(
				errors.New("notes are required to override a pending flag"),
				core.FieldError{Field: "notes", Error: "notes are required to override a pending flag"},
			)
		}

		if to == StatusCleared {
			if _, err := svc.ledger.Append(ctx, ledger.NewEntry{
				StudentID: f.StudentID,
				FlagID:    f.ID,
				Kind:      ledger.KindRestoration,
				Amount:    f.PointsDeducted,
			}, execs...); err != nil {
				return false, svc.ledgerError(err, *f)
			}
			f.ClearanceReason = d.Notes
		}

		now := core.Now()
		f.Status = to
		f.DecidedBy = actor.ID
		f.DecidedAt = &now

		if d.Notes != "" && !override {
			if err := svc.repo.UpdateResponseNotes(ctx, f.ID, d.Notes, execs...); err != nil &&
				errors.Cause(err) != ErrResponseNotFound {
				return false, errors.Wrap(err, "saving reviewer notes")
			}
		}

		kind := EventDecided
		if override {
			kind = EventOverride
		}
		if err := svc.recordEvent(ctx, exec, *f, kind, from, to, actor, override, d.Notes); err != nil {
			return false, err
		}

		if _, err := svc.notifier.SupersedePendingForFlag(ctx, f.ID, notification.AudienceParent, execs...); err != nil {
			return false, err
		}
		if hasContact {
			tmpl := "flag_cleared"
			if to == StatusRejected {
				tmpl = "flag_rejected"
			}
			if _, err := svc.notify(ctx, exec, *f, contact, notification.AudienceParent, "decision",
				tmpl, notification.PriorityMedium, d.Notes); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err != nil {
		return Flag{}, err
	}

	transitionsTotal.WithLabelValues(string(from), string(saved.Status), strconv.FormatBool(override)).Inc()
	if override {
		svc.logger.Info("flag overridden", actor, map[string]interface{}{
			"flag_id": saved.ID,
			"status":  saved.Status,
		})
	}
	svc.notifier.Wake()
	return saved, nil
}

// EscalateIfExpired raises the urgency of a pending flag whose deadline is near or passed
// and sends one reminder per urgency tier. The status never changes.
func (svc *Service) EscalateIfExpired(ctx context.Context, flagID string) (Escalation, error) {
	return svc.escalate(ctx, flagID, 0)
}

// escalate is EscalateIfExpired guarded by the version the caller observed (0 skips the check).
func (svc *Service) escalate(ctx context.Context, flagID string, observedVersion int) (Escalation, error) {
	current, err := svc.repo.GetFlagByID(ctx, flagID)
	if err != nil {
		return Escalation{}, err
	}
	if observedVersion != 0 && current.Version != observedVersion {
		return Escalation{}, ErrStaleFlag
	}
	if current.Status != StatusPendingClearance {
		return Escalation{Flag: current, Tier: current.Urgency}, nil
	}
	contact, hasContact, err := svc.parentContact(ctx, current.StudentID)
	if err != nil {
		return Escalation{}, err
	}

	var esc Escalation
	saved, err := svc.mutate(ctx, flagID, func(exec core.DBExecutor, f *Flag) (bool, error) {
		if observedVersion != 0 && f.Version != observedVersion {
			return false, ErrStaleFlag
		}
		esc = Escalation{Flag: *f, Tier: f.Urgency}

		tier := f.UrgencyAt(core.Now(), svc.conf.UrgentWindow)
		if f.Status != StatusPendingClearance || tier.Rank() <= f.Urgency.Rank() {
			return false, nil
		}

		f.Urgency = tier
		esc.Tier = tier
		esc.Escalated = true
		if err := svc.recordEvent(ctx, exec, *f, EventEscalated, "", "", core.SystemActor, false, string(tier)); err != nil {
			return false, err
		}
		if hasContact {
			tmpl, priority := "flag_due_soon", notification.PriorityMedium
			if tier == UrgencyOverdue {
				tmpl, priority = "flag_overdue", notification.PriorityHigh
			}
			n, err := svc.notify(ctx, exec, *f, contact, notification.AudienceParent, "urgency:"+string(tier),
				tmpl, priority, "")
			if err != nil {
				return false, err
			}
			esc.NotificationID = n.ID
		}
		return true, nil
	})
	if err != nil {
		return Escalation{}, err
	}

	esc.Flag = saved
	if esc.Escalated {
		escalationsTotal.WithLabelValues(string(esc.Tier)).Inc()
		svc.notifier.Wake()
	}
	return esc, nil
}

// BulkNotify sends a manual reminder for every pending flag of `flagIDs`.
func (svc *Service) BulkNotify(ctx context.Context, flagIDs []string, actor core.Actor) ([]BulkResult, error) {
	if !actor.HasRole(core.RoleAdmin, core.RoleTeacher) {
		return nil, ErrForbidden
	}
	batch := uuid.New().String()
	results := make([]BulkResult, 0, len(flagIDs))
	seen := make(map[string]bool, len(flagIDs))

	for _, id := range flagIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		res := BulkResult{FlagID: id}

		n, err := svc.remind(ctx, id, batch, actor)
		switch errors.Cause(err) {
		case nil:
			res.Notified = true
			res.NotificationID = n.ID
		case ErrNotFound, ErrFlagNotPending, ErrContactNotFound:
			res.Reason = errors.Cause(err).Error()
		default:
			return nil, err
		}
		results = append(results, res)
	}
	svc.notifier.Wake()
	return results, nil
}

func (svc *Service) remind(ctx context.Context, flagID, batch string, actor core.Actor) (notification.Notification, error) {
	current, err := svc.repo.GetFlagByID(ctx, flagID)
	if err != nil {
		return notification.Notification{}, err
	}
	if current.Status != StatusPendingClearance {
		return notification.Notification{}, ErrFlagNotPending
	}
	contact, ok, err := svc.parentContact(ctx, current.StudentID)
	if err != nil {
		return notification.Notification{}, err
	}
	if !ok {
		return notification.Notification{}, ErrContactNotFound
	}

	var n notification.Notification
	err = svc.tx.InTx(ctx, func(exec core.DBExecutor) error {
		var err error
		if n, err = svc.notify(ctx, exec, current, contact, notification.AudienceParent, "bulk:"+batch,
			"flag_reminder", notification.PriorityMedium, ""); err != nil {
			return err
		}
		return svc.recordEvent(ctx, exec, current, EventReminderSent, "", "", actor, false, "")
	})
	return n, err
}

// mutate loads the flag under its lock and inside a transaction, applies fn and saves the flag
// when fn reports a change.
func (svc *Service) mutate(ctx context.Context, id string, fn func(exec core.DBExecutor, f *Flag) (bool, error)) (Flag, error) {
	unlock := svc.locks.Lock(id)
	defer unlock()

	var saved Flag
	err := svc.tx.InTx(ctx, func(exec core.DBExecutor) error {
		execs := core.Execs(exec)
		f, err := svc.repo.GetFlagByID(ctx, id, execs...)
		if err != nil {
			return err
		}
		changed, err := fn(exec, &f)
		if err != nil {
			return err
		}
		if !changed {
			saved = f
			return nil
		}
		f.UpdatedAt = core.Now()
		saved, err = svc.repo.UpdateFlag(ctx, f, execs...)
		return err
	})
	return saved, err
}

func (svc *Service) recordEvent(
	ctx context.Context,
	exec core.DBExecutor,
	f Flag,
	kind EventKind,
	from, to Status,
	actor core.Actor,
	override bool,
	notes string,
) error {
	_, err := svc.repo.CreateEvent(ctx, Event{
		ID:         uuid.New().String(),
		FlagID:     f.ID,
		Kind:       kind,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actor.ID,
		Override:   override,
		Notes:      notes,
		CreatedAt:  core.Now(),
	}, core.Execs(exec)...)
	return errors.Wrap(err, "recording flag event")
}

// notify renders `tmpl` for the flag and enqueues it with the key "<flag>:<event>".
func (svc *Service) notify(
	ctx context.Context,
	exec core.DBExecutor,
	f Flag,
	to Contact,
	audience notification.Audience,
	event, tmpl string,
	priority notification.Priority,
	notes string,
	late ...bool,
) (notification.Notification, error) {
	data := messageData{
		FlagID:      f.ID,
		StudentID:   f.StudentID,
		SessionID:   f.SessionID,
		AbsenceType: f.AbsenceType,
		Severity:    f.Severity,
		Reason:      f.Reason,
		Points:      f.PointsDeducted,
		Deadline:    f.Deadline.Format("2006-01-02 15:04 MST"),
		Notes:       notes,
		Late:        len(late) > 0 && late[0],
	}
	subject, body, err := svc.templates.Render(tmpl, data)
	if err != nil {
		return notification.Notification{}, errors.Wrap(err, "rendering notification")
	}
	n, err := svc.notifier.Enqueue(ctx, notification.NewNotification{
		IdempotencyKey: f.ID + ":" + event,
		FlagID:         f.ID,
		RecipientID:    to.RecipientID,
		Audience:       audience,
		Address:        to.Address,
		Channel:        to.Channel,
		Priority:       priority,
		Subject:        subject,
		Body:           body,
	}, core.Execs(exec)...)
	return n, errors.Wrap(err, "enqueuing notification")
}

// parentContact returns ok=false when the directory does not know the student.
func (svc *Service) parentContact(ctx context.Context, studentID string) (Contact, bool, error) {
	contact, err := svc.contacts.ParentContact(ctx, studentID)
	if err != nil {
		if errors.Cause(err) == ErrContactNotFound {
			svc.logger.Warn("no parent contact", map[string]interface{}{"student_id": studentID})
			return Contact{}, false, nil
		}
		return Contact{}, false, errors.Wrap(err, "resolving parent contact")
	}
	if !contact.Channel.IsValid() {
		contact.Channel = notification.ChannelEmail
	}
	return contact, true, nil
}

// checkAccess lets staff act on any flag and parents only on their own child's flags.
func (svc *Service) checkAccess(ctx context.Context, f Flag, actor core.Actor) error {
	if actor.HasRole(core.RoleAdmin, core.RoleTeacher) {
		return nil
	}
	contact, ok, err := svc.parentContact(ctx, f.StudentID)
	if err != nil {
		return err
	}
	if !ok || contact.RecipientID != actor.ID {
		return ErrForbidden
	}
	return nil
}

func (svc *Service) adminContact() (Contact, bool) {
	if svc.conf.AdminRecipientID == "" {
		return Contact{}, false
	}
	ch, ok := notification.ParseChannel(svc.conf.AdminChannel)
	if !ok {
		ch = notification.ChannelEmail
	}
	return Contact{RecipientID: svc.conf.AdminRecipientID, Channel: ch, Address: svc.conf.AdminAddress}, true
}

func (svc *Service) checkDocuments(ctx context.Context, ids []string) error {
	if svc.documents == nil || len(ids) == 0 {
		return nil
	}
	missing, err := svc.documents.Missing(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "checking documents")
	}
	if len(missing) > 0 {
		return core.NewValidationError(
			fmt.Errorf("unknown documents: %v", missing),
			core.FieldError{Field: "document_ids", Error: fmt.Sprintf("unknown documents: %v", missing)},
		)
	}
	return nil
}

func (svc *Service) ledgerError(err error, f Flag) error {
	if errors.Cause(err) == ledger.ErrConstraintViolation {
		ledgerViolationsTotal.Inc()
		svc.logger.Error("ledger constraint violation, rolling back", err, map[string]interface{}{
			"flag_id": f.ID,
			"status":  f.Status,
		})
		return err
	}
	return errors.Wrap(err, "appending ledger entry")
}

func checkNewFlag(nf NewFlag) error {
	var flds []core.FieldError
	if nf.StudentID == "" {
		flds = append(flds, core.FieldError{Field: "student_id", Error: "this field is required"})
	}
	if nf.SessionID == "" {
		flds = append(flds, core.FieldError{Field: "session_id", Error: "this field is required"})
	}
	if !nf.AbsenceType.IsValid() {
		flds = append(flds, core.FieldError{Field: "absence_type", Error: "absence_type must be one of full_absence, late_arrival or early_departure"})
	}
	if !nf.Severity.IsValid() {
		flds = append(flds, core.FieldError{Field: "severity", Error: "severity must be one of low, medium or high"})
	}
	if len(flds) > 0 {
		return core.NewValidationError(errors.New("invalid flag"), flds...)
	}
	return nil
}
