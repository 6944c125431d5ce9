package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/flag"
	"github.com/trezcool/clearance/core/notification"
)

const candidatesLimit = 1000

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clearance_sweeper_runs_total",
		Help: "Total number of sweeper passes",
	}, []string{"result"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clearance_sweeper_run_duration_seconds",
		Help:    "Duration of sweeper passes",
		Buckets: prometheus.DefBuckets,
	})

	skippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clearance_sweeper_stale_skips_total",
		Help: "Total number of escalations skipped because the flag changed after it was read",
	})
)

// Escalator is the part of the flag service the sweeper drives.
type Escalator interface {
	Candidates(ctx context.Context, limit int) ([]flag.Flag, error)
	EscalateObserved(ctx context.Context, f flag.Flag) (flag.Escalation, error)
	NotifyOverdueSummary(ctx context.Context, runID string, flags []flag.Flag) (notification.Notification, error)
}

// Report is the outcome of one pass.
type Report struct {
	RunID     string `json:"run_id"`
	Scanned   int    `json:"scanned"`
	Escalated int    `json:"escalated"`
	Overdue   int    `json:"overdue"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

// Sweeper periodically escalates pending flags whose deadline is near or passed.
// It never changes a flag's status. It is a suture.Service.
type Sweeper struct {
	flags  Escalator
	conf   core.SweeperConfig
	logger core.Logger
}

func New(flags Escalator, conf core.SweeperConfig, logger core.Logger) *Sweeper {
	return &Sweeper{flags: flags, conf: conf, logger: logger}
}

func (s *Sweeper) String() string { return "deadline-sweeper" }

func (s *Sweeper) Serve(ctx context.Context) error {
	interval := s.conf.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", map[string]interface{}{"interval": interval.String()})
	for {
		if err := s.run(ctx); core.IsShutdown(err) {
			return err
		}

		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) run(ctx context.Context) error {
	if s.conf.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.conf.Timeout)
		defer cancel()
	}
	report, err := s.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("sweeping flags", err)
		}
		return err
	}
	if report.Escalated > 0 || report.Failed > 0 {
		s.logger.Info("sweep done", map[string]interface{}{
			"run_id":    report.RunID,
			"scanned":   report.Scanned,
			"escalated": report.Escalated,
			"overdue":   report.Overdue,
			"skipped":   report.Skipped,
			"failed":    report.Failed,
		})
	}
	return nil
}

// RunOnce scans the candidates once. A flag modified between the scan and its escalation
// is skipped; it will be looked at again on the next pass if it is still pending.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	report := Report{RunID: uuid.New().String()}
	defer func() { runDuration.Observe(time.Since(start).Seconds()) }()

	candidates, err := s.flags.Candidates(ctx, candidatesLimit)
	if err != nil {
		runsTotal.WithLabelValues("error").Inc()
		return report, errors.Wrap(err, "listing candidates")
	}
	report.Scanned = len(candidates)

	var overdue []flag.Flag
	for _, f := range candidates {
		if ctx.Err() != nil {
			runsTotal.WithLabelValues("error").Inc()
			return report, ctx.Err()
		}

		esc, err := s.flags.EscalateObserved(ctx, f)
		if err != nil {
			if errors.Cause(err) == flag.ErrStaleFlag {
				report.Skipped++
				skippedTotal.Inc()
				continue
			}
			report.Failed++
			s.logger.Error("escalating flag", err, map[string]interface{}{"flag_id": f.ID})
			continue
		}
		if !esc.Escalated {
			continue
		}
		report.Escalated++
		if esc.Tier == flag.UrgencyOverdue {
			report.Overdue++
			overdue = append(overdue, esc.Flag)
		}
	}

	if len(overdue) > 0 {
		if _, err = s.flags.NotifyOverdueSummary(ctx, report.RunID, overdue); err != nil {
			s.logger.Error("sending overdue summary", err, map[string]interface{}{"run_id": report.RunID})
		}
	}

	runsTotal.WithLabelValues("ok").Inc()
	return report, nil
}
