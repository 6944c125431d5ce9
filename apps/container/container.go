// Package container wires the clearance engine from a core.Config. It is shared by the API and the admin CLI.
package container

import (
	"context"
	"fmt"
	"io"
	"os"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/thejerf/suture/v4"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/flag"
	"github.com/trezcool/clearance/core/ledger"
	"github.com/trezcool/clearance/core/notification"
	"github.com/trezcool/clearance/core/sweeper"
	appfs "github.com/trezcool/clearance/fs"
	emailsvc "github.com/trezcool/clearance/services/email"
	gatewaysvc "github.com/trezcool/clearance/services/gateway"
	logsvc "github.com/trezcool/clearance/services/logger"
	schoolsvc "github.com/trezcool/clearance/services/school"
	"github.com/trezcool/clearance/storage/database"
	inmemdb "github.com/trezcool/clearance/storage/database/inmem"
	boiledrepos "github.com/trezcool/clearance/storage/database/sqlboiler"
	sqlxrepos "github.com/trezcool/clearance/storage/database/sqlx"
)

// Container holds the wired services.
type Container struct {
	Conf       *core.Config
	Logger     *logsvc.RollbarLogger
	DB         *sqlx.DB // nil when running in memory
	Validate   *validator.Validate
	Translator ut.Translator

	Ledger   *ledger.Service
	Notifier *notification.Service
	Flags    *flag.Service
	Pool     *notification.Pool
	Sweeper  *sweeper.Sweeper
}

type storage struct {
	tx     core.Transactor
	flags  flag.Repository
	notifs notification.Repository
	ledger ledger.Repository
}

// New wires every service. `out` receives the local log lines.
func New(ctx context.Context, conf *core.Config, out io.Writer, component string) (*Container, error) {
	logger := logsvc.NewRollbarLogger(out, component, conf)
	logger.Enable(!conf.Debug)

	c := &Container{
		Conf:       conf,
		Logger:     logger,
		Validate:   validator.New(),
		Translator: core.NewTranslator(),
	}
	core.InitValidators(c.Validate, c.Translator)
	flag.InitValidators(c.Validate, c.Translator)
	notification.InitValidators(c.Validate, c.Translator)

	store, err := c.setUpStorage(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "setting up storage")
	}

	tmpls, err := core.ParseTemplates(appfs.FS, "templates", conf)
	if err != nil {
		c.Close()
		return nil, errors.Wrap(err, "parsing templates")
	}

	school := c.school()
	dispatchLogger := logger.With("DISPATCH")

	c.Ledger = ledger.NewService(store.ledger)
	c.Notifier = notification.NewService(store.notifs, store.tx, c.providers(), conf.Dispatch, dispatchLogger)
	c.Flags = flag.NewService(flag.ServiceDeps{
		Repo:      store.flags,
		Tx:        store.tx,
		Ledger:    c.Ledger,
		Notifier:  c.Notifier,
		Sessions:  school,
		Contacts:  school,
		Documents: school,
		Templates: tmpls,
		Conf:      conf.Clearance,
		Logger:    logger.With("FLAGS"),
	})
	c.Pool = notification.NewPool(c.Notifier, conf.Dispatch, dispatchLogger)
	c.Sweeper = sweeper.New(c.Flags, conf.Sweeper, logger.With("SWEEPER"))
	return c, nil
}

func (c *Container) setUpStorage(ctx context.Context) (storage, error) {
	if c.Conf.Database.InMemory {
		c.Logger.Warn("running on the in-memory store: nothing will be persisted")
		db := inmemdb.Open()
		return storage{
			tx:     db,
			flags:  inmemdb.NewFlagRepository(db),
			notifs: inmemdb.NewNotificationRepository(db),
			ledger: inmemdb.NewLedgerRepository(db),
		}, nil
	}

	if err := database.CreateIfNotExist(ctx, c.Conf); err != nil {
		return storage{}, err
	}
	db, err := database.Open(ctx, c.Conf)
	if err != nil {
		return storage{}, err
	}
	if err = database.Migrate(db.DB, "up"); err != nil {
		_ = db.Close()
		return storage{}, err
	}
	c.DB = db

	return storage{
		tx:     database.NewTransactor(db),
		flags:  sqlxrepos.NewFlagRepository(db),
		notifs: sqlxrepos.NewNotificationRepository(db),
		ledger: boiledrepos.NewLedgerRepository(db),
	}, nil
}

// providers returns console providers in debug mode, the configured gateways otherwise.
func (c *Container) providers() *notification.Registry {
	conf := c.Conf
	if conf.Debug {
		reg := notification.NewRegistry(emailsvc.NewConsoleProvider(os.Stdout, conf))
		for _, ch := range notification.Channels {
			if ch != notification.ChannelEmail {
				reg.Register(emailsvc.NewConsoleChannelProvider(ch, os.Stdout, conf))
			}
		}
		return reg
	}

	reg := notification.NewRegistry()
	if conf.Email.SendgridAPIKey != "" {
		reg.Register(emailsvc.NewSendgridProvider(conf))
	}
	for _, ch := range notification.Channels {
		if endpoint, ok := conf.Gateways[string(ch)]; ok && endpoint.BaseURL != "" {
			reg.Register(gatewaysvc.NewProvider(ch, endpoint))
		}
	}
	for _, ch := range notification.Channels {
		if _, ok := reg.Get(ch); !ok {
			c.Logger.Warn(fmt.Sprintf("no provider configured for channel %q", ch))
		}
	}
	return reg
}

type school struct {
	flag.SessionResolver
	flag.ContactDirectory
	flag.DocumentStore
}

func (c *Container) school() school {
	if c.Conf.Attendance.BaseURL == "" || c.Conf.Directory.BaseURL == "" {
		c.Logger.Warn("attendance or directory service not configured: using an empty static school")
		static := schoolsvc.NewStatic()
		return school{static, static, static}
	}
	directory := schoolsvc.NewDirectoryClient(c.Conf.Directory)
	return school{schoolsvc.NewAttendanceClient(c.Conf.Attendance), directory, directory}
}

// Supervisor returns a supervisor running the dispatcher pool and the deadline sweeper.
func (c *Container) Supervisor() *suture.Supervisor {
	logger := c.Logger.With("SUPERVISOR")
	sup := suture.New("clearance", suture.Spec{
		EventHook: func(ev suture.Event) {
			logger.Warn(ev.String(), ev.Map())
		},
	})
	sup.Add(terminating{c.Pool})
	sup.Add(terminating{c.Sweeper})
	return sup
}

// terminating stops the whole tree, instead of restarting the service, on a shutdown error.
type terminating struct {
	suture.Service
}

func (s terminating) Serve(ctx context.Context) error {
	err := s.Service.Serve(ctx)
	if core.IsShutdown(err) {
		return fmt.Errorf("%w: %v", suture.ErrTerminateSupervisorTree, err)
	}
	return err
}

func (s terminating) String() string { return fmt.Sprint(s.Service) }

// Close releases the database, if any.
func (c *Container) Close() {
	if c.DB == nil {
		return
	}
	if err := c.DB.Close(); err != nil {
		c.Logger.With("DB").Error("Failed to close", err)
	}
}
