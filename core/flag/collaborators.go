package flag

import (
	"context"
	"time"

	"github.com/trezcool/clearance/core/notification"
)

type (
	// Session is an attendance event as known by the attendance collaborator.
	Session struct {
		ID        string
		StudentID string
		TeacherID string
		StartsAt  time.Time
	}

	// SessionResolver validates session references. Unknown sessions return ErrInvalidSession.
	SessionResolver interface {
		ResolveSession(ctx context.Context, studentID, sessionID string) (Session, error)
	}

	// Contact is where a student's parent wants to be notified.
	Contact struct {
		RecipientID string
		Name        string
		Channel     notification.Channel
		Address     string
	}

	// ContactDirectory resolves a student's parent. Unknown students return ErrContactNotFound.
	ContactDirectory interface {
		ParentContact(ctx context.Context, studentID string) (Contact, error)
	}

	// DocumentStore holds uploaded evidence. Missing returns the references it does not know.
	DocumentStore interface {
		Missing(ctx context.Context, documentIDs []string) ([]string, error)
	}
)
