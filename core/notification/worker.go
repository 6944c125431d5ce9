package notification

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/clearance/core"
)

// Pool polls for due notifications and dispatches them with a fixed number of workers.
// It is a suture.Service: Serve blocks until ctx is cancelled.
type Pool struct {
	svc    *Service
	conf   core.DispatchConfig
	logger core.Logger
}

func NewPool(svc *Service, conf core.DispatchConfig, logger core.Logger) *Pool {
	return &Pool{svc: svc, conf: conf, logger: logger}
}

func (p *Pool) String() string { return "notification-dispatcher" }

func (p *Pool) Serve(ctx context.Context) error {
	workers := p.conf.Workers
	if workers < 1 {
		workers = 1
	}
	batch := p.conf.BatchSize
	if batch < workers {
		batch = workers
	}
	pollInterval := p.conf.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	jobs := make(chan string, batch)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if err := p.svc.Dispatch(ctx, id); err != nil && ctx.Err() == nil {
					p.logger.Error("dispatching notification", err, map[string]interface{}{"notification_id": id})
				}
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	p.logger.Info("dispatcher started", map[string]interface{}{"workers": workers})
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		// drain everything that is due before sleeping again
		for {
			n, err := p.poll(ctx, batch, jobs)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if core.IsShutdown(err) {
					return err
				}
				p.logger.Error("claiming due notifications", err)
				break
			}
			if n < batch {
				break
			}
		}

		select {
		case <-ctx.Done():
			p.logger.Info("dispatcher stopping")
			return ctx.Err()
		case <-ticker.C:
		case <-p.svc.wake:
		}
	}
}

func (p *Pool) poll(ctx context.Context, batch int, jobs chan<- string) (int, error) {
	lease := p.conf.LeaseDuration
	if lease <= 0 {
		lease = time.Minute
	}
	now := core.Now()
	due, err := p.svc.repo.ClaimDue(ctx, now, now.Add(lease), batch)
	if err != nil {
		return 0, err
	}
	for _, n := range due {
		select {
		case jobs <- n.ID:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return len(due), nil
}

// DispatchDue runs one synchronous claim-and-dispatch pass and returns how many notifications
// were attempted, including on error. Used by the admin CLI and tests.
func (svc *Service) DispatchDue(ctx context.Context, limit int) (int, error) {
	now := core.Now()
	lease := svc.conf.LeaseDuration
	if lease <= 0 {
		lease = time.Minute
	}
	due, err := svc.repo.ClaimDue(ctx, now, now.Add(lease), limit)
	if err != nil {
		return 0, err
	}
	for i, n := range due {
		if err = svc.Dispatch(ctx, n.ID); err != nil {
			return i, errors.Wrapf(err, "dispatching notification %s", n.ID)
		}
	}
	return len(due), nil
}
