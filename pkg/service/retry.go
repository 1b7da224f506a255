package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// retrier re-attempts snapshot saves on a cron schedule while the service
// is stale.
type retrier struct {
	svc     *Service
	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func newRetrier(s *Service) *retrier {
	return &retrier{svc: s}
}

func (r *retrier) start(ctx context.Context, schedule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { r.run(ctx) }); err != nil {
		return fmt.Errorf("invalid retry schedule %q: %w", schedule, err)
	}
	c.Start()
	r.cron = c
	r.running = true
	r.svc.logger.Info("snapshot retry scheduler started", zap.String("schedule", schedule))

	go func() {
		<-ctx.Done()
		r.stop()
	}()
	return nil
}

func (r *retrier) run(ctx context.Context) {
	if !r.svc.Stale() {
		return
	}
	if err := r.svc.Flush(ctx); err != nil {
		r.svc.logger.Warn("snapshot retry failed", zap.Error(err))
		return
	}
	r.svc.logger.Info("stale snapshot saved")
}

// stop halts the schedule and waits for a running retry to finish.
func (r *retrier) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil && r.running {
		done := r.cron.Stop()
		<-done.Done()
		r.running = false
	}
}
