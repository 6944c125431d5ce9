package schoolsvc

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/trezcool/clearance/core/flag"
)

// Static is an in-process stand-in for the attendance and directory services,
// used in local runs (no base URL configured) and tests.
type Static struct {
	mu        sync.RWMutex
	sessions  map[string]flag.Session // {student:session: Session}
	contacts  map[string]flag.Contact // {student: Contact}
	documents map[string]bool
	// AcceptAnySession resolves unknown sessions instead of rejecting them.
	AcceptAnySession bool
}

var (
	_ flag.SessionResolver  = (*Static)(nil)
	_ flag.ContactDirectory = (*Static)(nil)
	_ flag.DocumentStore    = (*Static)(nil)
)

func NewStatic() *Static {
	return &Static{
		sessions:  make(map[string]flag.Session),
		contacts:  make(map[string]flag.Contact),
		documents: make(map[string]bool),
	}
}

func (s *Static) AddSession(sess flag.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.StudentID+":"+sess.ID] = sess
}

func (s *Static) SetContact(studentID string, c flag.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[studentID] = c
}

func (s *Static) AddDocuments(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.documents[id] = true
	}
}

func (s *Static) ResolveSession(_ context.Context, studentID, sessionID string) (flag.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[studentID+":"+sessionID]; ok {
		return sess, nil
	}
	if s.AcceptAnySession {
		return flag.Session{ID: sessionID, StudentID: studentID}, nil
	}
	return flag.Session{}, errors.Wrapf(flag.ErrInvalidSession, "session %s of student %s", sessionID, studentID)
}

func (s *Static) ParentContact(_ context.Context, studentID string) (flag.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.contacts[studentID]; ok {
		return c, nil
	}
	return flag.Contact{}, errors.Wrap(flag.ErrContactNotFound, studentID)
}

func (s *Static) Missing(_ context.Context, documentIDs []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	missing := make([]string, 0)
	for _, id := range documentIDs {
		if !s.documents[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}
