package logsvc

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rollbar/rollbar-go"
	"github.com/rollbar/rollbar-go/errors"
	"github.com/rs/zerolog"

	"github.com/trezcool/clearance/core"
)

// rollbar's person is global
var personMu sync.Mutex

// RollbarLogger reports to rollbar and writes a structured line locally.
type RollbarLogger struct {
	local zerolog.Logger
	exit  func(code int) // mockable
}

var _ core.Logger = (*RollbarLogger)(nil)

// NewRollbarLogger returns a logger tagged with `component`. `out` receives the local lines:
// human readable in debug mode, JSON otherwise.
func NewRollbarLogger(out io.Writer, component string, conf *core.Config) *RollbarLogger {
	rollbar.SetToken(conf.RollbarToken)
	rollbar.SetEnvironment(conf.Env)
	rollbar.SetServerHost(conf.Server.Host)
	rollbar.SetCodeVersion(conf.Build)
	rollbar.SetStackTracer(errors.StackTracer)

	level := zerolog.InfoLevel
	if conf.Debug {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		level = zerolog.DebugLevel
	}
	local := zerolog.New(out).Level(level).With().
		Timestamp().
		Str("app", conf.AppName).
		Str("component", component).
		Logger()

	return &RollbarLogger{local: local, exit: os.Exit}
}

func (l RollbarLogger) Enable(enabled bool) {
	rollbar.SetEnabled(enabled)
}

// With returns a logger for another component sharing the same output.
func (l RollbarLogger) With(component string) *RollbarLogger {
	return &RollbarLogger{local: l.local.With().Str("component", component).Logger(), exit: l.exit}
}

// expected fmt: msg | error, map[string]interface{}, core.Actor
func (l RollbarLogger) report(send func(...interface{}), msg string, args []interface{}) {
	var actor *core.Actor
	rbArgs := make([]interface{}, 0, len(args)+1)
	rbArgs = append(rbArgs, msg)
	for _, arg := range args {
		if a, ok := arg.(core.Actor); ok {
			if actor == nil { // only set one Actor
				actor = &a
			}
		} else {
			rbArgs = append(rbArgs, arg)
		}
	}

	personMu.Lock()
	defer personMu.Unlock()
	if actor != nil {
		rollbar.SetPerson(actor.ID, actor.Name, actor.Email)
	} else {
		rollbar.ClearPerson()
	}
	send(rbArgs...)
}

func (l RollbarLogger) print(ev *zerolog.Event, msg string, args []interface{}) {
	for _, arg := range args {
		switch a := arg.(type) {
		case error:
			ev = ev.Err(a)
		case map[string]interface{}:
			ev = ev.Fields(a)
		case core.Actor:
			ev = ev.Str("actor_id", a.ID)
		default:
			ev = ev.Interface("extra", a)
		}
	}
	ev.Msg(msg)
}

func (l RollbarLogger) Debug(msg string, args ...interface{}) {
	l.report(rollbar.Debug, msg, args)
	l.print(l.local.Debug(), msg, args)
}

func (l RollbarLogger) Info(msg string, args ...interface{}) {
	l.report(rollbar.Info, msg, args)
	l.print(l.local.Info(), msg, args)
}

func (l RollbarLogger) Warn(msg string, args ...interface{}) {
	l.report(rollbar.Warning, msg, args)
	l.print(l.local.Warn(), msg, args)
}

func (l RollbarLogger) Error(msg string, args ...interface{}) {
	l.report(rollbar.Error, msg, args)
	l.print(l.local.Error(), msg, args)
}

func (l RollbarLogger) Fatal(msg string, args ...interface{}) {
	l.report(rollbar.Critical, msg, args)
	l.print(l.local.WithLevel(zerolog.FatalLevel), msg, args)
	rollbar.Wait()
	l.exit(1)
}
