package testutil

import (
	"context"
	"io"
	"net/mail"
	"sync"
	"testing"
	"time"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/flag"
	"github.com/trezcool/clearance/core/ledger"
	"github.com/trezcool/clearance/core/notification"
	appfs "github.com/trezcool/clearance/fs"
	emailsvc "github.com/trezcool/clearance/services/email"
	logsvc "github.com/trezcool/clearance/services/logger"
	schoolsvc "github.com/trezcool/clearance/services/school"
	inmemdb "github.com/trezcool/clearance/storage/database/inmem"
)

const (
	AdminID  = "admin-1"
	ParentID = "parent-1"
)

var (
	Admin   = core.Actor{ID: AdminID, Name: "Admin", Email: "admin@test.cd", Roles: []string{core.RoleAdmin}}
	Teacher = core.Actor{ID: "teacher-1", Name: "Teacher", Email: "teacher@test.cd", Roles: []string{core.RoleTeacher}}
	Parent  = core.Actor{ID: ParentID, Name: "Parent", Email: "parent@test.cd", Roles: []string{core.RoleParent}}
)

// NewConfig returns the default configuration without reading the environment.
func NewConfig() *core.Config {
	limits := make(map[string]core.ChannelLimits, len(notification.Channels))
	for _, ch := range notification.Channels {
		limits[string(ch)] = core.ChannelLimits{RatePerSecond: 1000, Burst: 1000}
	}
	return &core.Config{
		Env:      "TEST",
		Build:    "test",
		TestMode: true,
		AppName:  "Masomo Clearance",
		Server: core.ServerConfig{
			Host:            "localhost",
			Address:         ":8000",
			ShutdownTimeout: 5 * time.Second,
			SecretKey:       "test-secret-key",
			WebhookSecret:   "test-webhook-secret",
			DisableReqLogs:  true,
		},
		Database: core.DatabaseConfig{InMemory: true},
		Clearance: core.ClearanceConfig{
			GracePeriod:  72 * time.Hour,
			UrgentWindow: 24 * time.Hour,
			Points: map[string]core.PointsBand{
				"low":    {Min: 1, Max: 3, Default: 2},
				"medium": {Min: 4, Max: 7, Default: 5},
				"high":   {Min: 8, Max: 15, Default: 10},
			},
			AdminRecipientID: AdminID,
			AdminChannel:     "email",
			AdminAddress:     "admin@test.cd",
		},
		Dispatch: core.DispatchConfig{
			Workers:         2,
			MaxAttempts:     3,
			BaseDelay:       30 * time.Second,
			MaxDelay:        30 * time.Minute,
			ProviderTimeout: time.Second,
			PollInterval:    10 * time.Millisecond,
			BatchSize:       20,
			LeaseDuration:   time.Minute,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
			Limits:          limits,
		},
		Sweeper: core.SweeperConfig{Interval: time.Minute, Timeout: 10 * time.Second},
		Email: core.EmailConfig{
			DefaultFromEmail: mail.Address{Name: "Masomo", Address: "noreply@test.cd"},
		},
	}
}

// NewLogger returns a logger writing nowhere and never reporting remotely.
func NewLogger(conf *core.Config) core.Logger {
	logger := logsvc.NewRollbarLogger(io.Discard, "test", conf)
	logger.Enable(false)
	return logger
}

// Clock freezes core.Now for the duration of a test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func FreezeTime(t *testing.T, at time.Time) *Clock {
	c := &Clock{now: at.UTC()}
	core.NowFunc = c.Now
	t.Cleanup(func() { core.NowFunc = time.Now })
	return c
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// FlakyProvider fails its first `Failures` sends with `Err`, then succeeds.
type FlakyProvider struct {
	Chan     notification.Channel
	Failures int
	Err      error
	Delay    time.Duration

	mu    sync.Mutex
	calls int
}

func (p *FlakyProvider) Channel() notification.Channel { return p.Chan }

func (p *FlakyProvider) Send(ctx context.Context, _ notification.Message) (string, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()

	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if call <= p.Failures {
		return "", p.Err
	}
	return "msg-" + string(p.Chan), nil
}

func (p *FlakyProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Env is a fully wired engine.
type Env struct {
	Conf      *core.Config
	Logger    core.Logger
	DB        *inmemdb.DB // nil over postgres
	School    *schoolsvc.Static
	Email     *emailsvc.ConsoleProvider
	Providers *notification.Registry
	Ledger    *ledger.Service
	Notifier  *notification.Service
	Flags     *flag.Service

	FlagRepo   flag.Repository
	NotifRepo  notification.Repository
	LedgerRepo ledger.Repository
}

// NewEnv wires the engine over the in-memory store. `conf` is optional.
func NewEnv(t *testing.T, conf ...*core.Config) *Env {
	t.Helper()

	cfg := NewConfig()
	if len(conf) > 0 && conf[0] != nil {
		cfg = conf[0]
	}
	db := inmemdb.Open()
	env := newEnv(t, cfg, db, inmemdb.NewFlagRepository(db), inmemdb.NewNotificationRepository(db), inmemdb.NewLedgerRepository(db))
	env.DB = db
	return env
}

func newEnv(
	t *testing.T,
	cfg *core.Config,
	tx core.Transactor,
	flagRepo flag.Repository,
	notifRepo notification.Repository,
	ledgerRepo ledger.Repository,
) *Env {
	t.Helper()
	logger := NewLogger(cfg)

	tmpls, err := core.ParseTemplates(appfs.FS, "templates", cfg)
	if err != nil {
		t.Fatalf("ParseTemplates() failed: %v", err)
	}

	school := schoolsvc.NewStatic()
	email := emailsvc.NewConsoleProvider(nil, cfg)
	providers := notification.NewRegistry(email)

	env := &Env{
		Conf:      cfg,
		Logger:    logger,
		School:    school,
		Email:     email,
		Providers: providers,
		FlagRepo:   flagRepo,
		NotifRepo:  notifRepo,
		LedgerRepo: ledgerRepo,
	}
	env.Ledger = ledger.NewService(ledgerRepo)
	env.Notifier = notification.NewService(notifRepo, tx, providers, cfg.Dispatch, logger)
	env.Flags = flag.NewService(flag.ServiceDeps{
		Repo:      flagRepo,
		Tx:        tx,
		Ledger:    env.Ledger,
		Notifier:  env.Notifier,
		Sessions:  school,
		Contacts:  school,
		Documents: school,
		Templates: tmpls,
		Conf:      cfg.Clearance,
		Logger:    logger,
	})
	return env
}

// AddStudent registers a session and a parent (email) contact for the student.
func (env *Env) AddStudent(studentID string, sessionIDs ...string) {
	env.School.SetContact(studentID, flag.Contact{
		RecipientID: ParentID,
		Name:        "Parent of " + studentID,
		Channel:     notification.ChannelEmail,
		Address:     studentID + ".parent@test.cd",
	})
	for _, id := range sessionIDs {
		env.School.AddSession(flag.Session{ID: id, StudentID: studentID, TeacherID: Teacher.ID})
	}
}

// CreateFlag creates a medium flag for a registered student and session.
func (env *Env) CreateFlag(t *testing.T, studentID, sessionID string, sev ...flag.Severity) flag.Flag {
	t.Helper()
	severity := flag.SeverityMedium
	if len(sev) > 0 {
		severity = sev[0]
	}
	f, err := env.Flags.CreateFlag(context.Background(), flag.NewFlag{
		StudentID:   studentID,
		SessionID:   sessionID,
		AbsenceType: flag.FullAbsence,
		Severity:    severity,
		Reason:      "absent",
	}, Teacher)
	if err != nil {
		t.Fatalf("CreateFlag() failed: %v", err)
	}
	return f
}

// Notifications returns every notification of the flag, oldest first.
func (env *Env) Notifications(t *testing.T, flagID string) []notification.Notification {
	t.Helper()
	notifs, err := env.NotifRepo.QueryNotifications(context.Background(),
		notification.QueryFilter{FlagID: flagID}, core.Page{Number: 1, Size: 200})
	if err != nil {
		t.Fatalf("QueryNotifications() failed: %v", err)
	}
	return notifs
}
