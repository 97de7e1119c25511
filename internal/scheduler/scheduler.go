package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Settler returns matured rentals.
type Settler interface {
	SettleMatured(ctx context.Context, limit int) (int, error)
}

// Scheduler runs the settle job on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	settler Settler
	batch   int
	timeout time.Duration
	log     *zap.Logger
}

// New registers the settle job. spec accepts standard five-field cron
// expressions and descriptors such as "@every 1m".
func New(settler Settler, spec string, batch int, log *zap.Logger) (*Scheduler, error) {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	s := &Scheduler{
		cron:    c,
		settler: settler,
		batch:   batch,
		timeout: 30 * time.Second,
		log:     log.With(zap.String("component", "scheduler")),
	}
	if _, err := c.AddFunc(spec, s.RunOnce); err != nil {
		return nil, fmt.Errorf("register settle job %q: %w", spec, err)
	}
	return s, nil
}

// RunOnce settles one batch of matured rentals.
func (s *Scheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	n, err := s.settler.SettleMatured(ctx, s.batch)
	if err != nil {
		s.log.Error("settle run failed", zap.Int("settled", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("settled matured rentals", zap.Int("settled", n), zap.Duration("took", time.Since(start)))
	}
}

func (s *Scheduler) Start() {
	s.log.Info("starting cron scheduler")
	s.cron.Start()
}

// Stop waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("cron scheduler stopped")
}
