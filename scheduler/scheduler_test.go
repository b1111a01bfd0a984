package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsTasksUntilCancelled(t *testing.T) {
	var ticks atomic.Int64
	s := New(nil, Task{
		Name:     "counter",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			ticks.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run returned %v, want context deadline", err)
	}
	if ticks.Load() == 0 {
		t.Error("task never ran")
	}
}

func TestSchedulerSurvivesTaskErrors(t *testing.T) {
	var ticks atomic.Int64
	s := New(nil, Task{
		Name:     "flaky",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			ticks.Add(1)
			return errors.New("boom")
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	if ticks.Load() < 2 {
		t.Errorf("task ran %d times; an error should not stop the ticker", ticks.Load())
	}
}
