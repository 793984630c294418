package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/ongkir-resilience/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_Run(t *testing.T) {
	t.Run("runs repeatedly and survives errors and panics", func(t *testing.T) {
		var calls atomic.Int32
		task := Task{
			Name:     "flaky",
			Interval: 5 * time.Millisecond,
			Fn: func(ctx context.Context) error {
				switch calls.Add(1) {
				case 1:
					return errors.New("store unavailable")
				case 2:
					panic("boom")
				}
				return nil
			},
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- New(logger.NewNop()).Run(ctx, task) }()

		require.Eventually(t, func() bool { return calls.Load() >= 4 }, time.Second, time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("scheduler did not stop")
		}
	})

	t.Run("run on start", func(t *testing.T) {
		ran := make(chan struct{}, 1)
		task := Task{
			Name:       "startup",
			Interval:   time.Hour,
			RunOnStart: true,
			Fn: func(ctx context.Context) error {
				ran <- struct{}{}
				return nil
			},
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = New(logger.NewNop()).Run(ctx, task) }()

		select {
		case <-ran:
		case <-time.After(time.Second):
			t.Fatal("task did not run on start")
		}
	})

	t.Run("invalid tasks", func(t *testing.T) {
		s := New(logger.NewNop())
		assert.Error(t, s.Run(context.Background(), Task{Name: "x", Fn: func(context.Context) error { return nil }}))
		assert.Error(t, s.Run(context.Background(), Task{Name: "x", Interval: time.Second}))
	})
}
