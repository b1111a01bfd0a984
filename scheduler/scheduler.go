// Package scheduler drives the periodic work the core depends on: the expiry
// sweep, the inspection-window close sweep, and the outbox drain.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task is a named unit of periodic work.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs each task on its own ticker until the context is cancelled.
// Task errors are logged, not fatal: a failed sweep retries on the next tick.
type Scheduler struct {
	tasks []Task
	log   *zap.Logger
}

func New(log *zap.Logger, tasks ...Task) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{tasks: tasks, log: log}
}

// Run blocks until ctx is cancelled, then returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, task := range s.tasks {
		task := task
		g.Go(func() error {
			ticker := time.NewTicker(task.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					if err := task.Run(ctx); err != nil {
						if ctx.Err() != nil {
							return ctx.Err()
						}
						s.log.Warn("scheduled task failed", zap.String("task", task.Name), zap.Error(err))
					}
				}
			}
		})
	}
	return g.Wait()
}
