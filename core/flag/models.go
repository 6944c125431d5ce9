package flag

import (
	"strings"
	"time"
)

type (
	Status      string
	AbsenceType string
	Severity    string
	Urgency     string
	Decision    string
	EventKind   string
)

const (
	StatusPendingClearance Status = "pending_clearance"
	StatusUnderReview      Status = "under_review"
	StatusCleared          Status = "cleared"
	StatusRejected         Status = "rejected"

	FullAbsence    AbsenceType = "full_absence"
	LateArrival    AbsenceType = "late_arrival"
	EarlyDeparture AbsenceType = "early_departure"

	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"

	UrgencyNone    Urgency = "none"
	UrgencyDueSoon Urgency = "due_soon"
	UrgencyOverdue Urgency = "overdue"

	DecisionClear  Decision = "clear"
	DecisionReject Decision = "reject"

	EventCreated      EventKind = "created"
	EventJustified    EventKind = "justification_submitted"
	EventDecided      EventKind = "decided"
	EventOverride     EventKind = "override"
	EventEscalated    EventKind = "escalated"
	EventReminderSent EventKind = "reminder_sent"
)

var (
	Statuses     = []Status{StatusPendingClearance, StatusUnderReview, StatusCleared, StatusRejected}
	AbsenceTypes = []AbsenceType{FullAbsence, LateArrival, EarlyDeparture}
	Severities   = []Severity{SeverityLow, SeverityMedium, SeverityHigh}

	// transitions is the complete state machine; anything else is an invalid transition.
	transitions = map[Status][]Status{
		StatusPendingClearance: {StatusUnderReview, StatusRejected},
		StatusUnderReview:      {StatusCleared, StatusRejected},
	}
)

func (s Status) IsValid() bool {
	for _, st := range Statuses {
		if s == st {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool { return s == StatusCleared || s == StatusRejected }

// CanTransitionTo reports whether `to` directly follows `s` in the state machine.
func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (t AbsenceType) IsValid() bool {
	for _, at := range AbsenceTypes {
		if t == at {
			return true
		}
	}
	return false
}

// DefaultSeverity is used when ingestion does not say how severe an absence is.
func (t AbsenceType) DefaultSeverity() Severity {
	if t == FullAbsence {
		return SeverityMedium
	}
	return SeverityLow
}

func (s Severity) IsValid() bool {
	for _, sev := range Severities {
		if s == sev {
			return true
		}
	}
	return false
}

// Rank orders severities from low to high.
func (s Severity) Rank() int {
	for i, sev := range Severities {
		if s == sev {
			return i + 1
		}
	}
	return 0
}

func (u Urgency) Rank() int {
	switch u {
	case UrgencyDueSoon:
		return 1
	case UrgencyOverdue:
		return 2
	}
	return 0
}

func (d Decision) IsValid() bool { return d == DecisionClear || d == DecisionReject }

func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	return st, st.IsValid()
}

func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	return sev, sev.IsValid()
}

type (
	Flag struct {
		ID              string      `json:"id"`
		StudentID       string      `json:"student_id"`
		SessionID       string      `json:"session_id"`
		TeacherID       string      `json:"teacher_id,omitempty"`
		AbsenceType     AbsenceType `json:"absence_type"`
		Severity        Severity    `json:"severity"`
		Reason          string      `json:"reason"`
		PointsDeducted  int         `json:"points_deducted"`
		AutoGenerated   bool        `json:"auto_generated"`
		Status          Status      `json:"status"`
		Urgency         Urgency     `json:"urgency"`
		ClearanceReason string      `json:"clearance_reason,omitempty"`
		DecidedBy       string      `json:"decided_by,omitempty"`
		DecidedAt       *time.Time  `json:"decided_at"`
		Deadline        time.Time   `json:"deadline"`
		Version         int         `json:"version"`
		CreatedAt       time.Time   `json:"created_at"`
		UpdatedAt       time.Time   `json:"updated_at"`
	}

	ParentResponse struct {
		FlagID        string    `json:"flag_id"`
		Justification string    `json:"justification"`
		DocumentIDs   []string  `json:"document_ids"`
		ReviewerNotes string    `json:"reviewer_notes,omitempty"`
		Late          bool      `json:"late"`
		SubmittedBy   string    `json:"submitted_by"`
		SubmittedAt   time.Time `json:"submitted_at"`
	}

	// Event is an immutable audit record of something that happened to a flag.
	Event struct {
		ID         string    `json:"id"`
		FlagID     string    `json:"flag_id"`
		Kind       EventKind `json:"kind"`
		FromStatus Status    `json:"from_status,omitempty"`
		ToStatus   Status    `json:"to_status,omitempty"`
		ActorID    string    `json:"actor_id"`
		Override   bool      `json:"override"`
		Notes      string    `json:"notes,omitempty"`
		CreatedAt  time.Time `json:"created_at"`
	}

	NewFlag struct {
		StudentID     string      `json:"student_id" validate:"required,ref"`
		SessionID     string      `json:"session_id" validate:"required,ref"`
		TeacherID     string      `json:"teacher_id" validate:"omitempty,ref"`
		AbsenceType   AbsenceType `json:"absence_type" validate:"required,absence_type"`
		Severity      Severity    `json:"severity" validate:"required,severity"`
		Reason        string      `json:"reason" validate:"max=2000"`
		Points        *int        `json:"points" validate:"omitempty,min=0"`
		AutoGenerated bool        `json:"-"`
	}

	// AttendanceEvent is what the attendance ingestion collaborator sends for an absence.
	AttendanceEvent struct {
		StudentID   string      `json:"student_id" validate:"required,ref"`
		SessionID   string      `json:"session_id" validate:"required,ref"`
		AbsenceType AbsenceType `json:"absence_type" validate:"required,absence_type"`
		Timestamp   time.Time   `json:"timestamp" validate:"required"`
		TeacherID   string      `json:"teacher_id" validate:"omitempty,ref"`
		Severity    Severity    `json:"severity" validate:"omitempty,severity"`
		Reason      string      `json:"reason" validate:"max=2000"`
	}

	Justification struct {
		Text        string   `json:"justification" validate:"required,max=5000"`
		DocumentIDs []string `json:"document_ids" validate:"max=20,dive,required,ref"`
	}

	DecisionInput struct {
		Decision Decision `json:"decision" validate:"required,decision"`
		Notes    string   `json:"notes" validate:"max=5000"`
	}

	QueryFilter struct {
		Statuses   []Status
		Severities []Severity
		StudentID  string
		// Search does a case-insensitive match on the student, session and reason.
		Search     string
	}

	// Summary is a list item with fields derived at read time.
	Summary struct {
		Flag
		IsDeadlineNear bool `json:"is_deadline_near"`
		IsOverdue      bool `json:"is_overdue"`
		ParentNotified bool `json:"parent_notified"`
	}

	SummaryPage struct {
		Items    []Summary `json:"items"`
		Total    int       `json:"total"`
		Page     int       `json:"page"`
		PageSize int       `json:"page_size"`
	}

	BulkResult struct {
		FlagID         string `json:"flag_id"`
		Notified       bool   `json:"notified"`
		NotificationID string `json:"notification_id,omitempty"`
		Reason         string `json:"reason,omitempty"`
	}

	Escalation struct {
		Flag           Flag    `json:"flag"`
		Tier           Urgency `json:"tier"`
		Escalated      bool    `json:"escalated"`
		NotificationID string  `json:"notification_id,omitempty"`
	}
)

// UrgencyAt returns the urgency tier of a pending flag at `now`.
func (f Flag) UrgencyAt(now time.Time, urgentWindow time.Duration) Urgency {
	if f.Status != StatusPendingClearance {
		return UrgencyNone
	}
	switch {
	case now.After(f.Deadline):
		return UrgencyOverdue
	case !now.Before(f.Deadline.Add(-urgentWindow)):
		return UrgencyDueSoon
	}
	return UrgencyNone
}
