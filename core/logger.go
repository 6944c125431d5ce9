package core

// Logger is any service that can log (and report) messages.
// Recognised args: error, map[string]interface{} (extra fields) and Actor.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}

const (
	RoleAdmin   = "admin"
	RoleTeacher = "teacher"
	RoleParent  = "parent"
	RoleSystem  = "system"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID    string
	Name  string
	Email string
	Roles []string
}

// SystemActor is used for work initiated by the engine itself (sweeper, ingestion).
var SystemActor = Actor{ID: "system", Name: "system", Roles: []string{RoleSystem}}

func (a Actor) HasRole(roles ...string) bool {
	for _, want := range roles {
		for _, r := range a.Roles {
			if r == want {
				return true
			}
		}
	}
	return false
}

func (a Actor) IsAdmin() bool { return a.HasRole(RoleAdmin) }
