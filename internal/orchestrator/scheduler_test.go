package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context) error { return nil }

func TestNewScheduler_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := NewScheduler(ctx, Job{Name: "ingest", Spec: "", Run: noop})
	assert.ErrorContains(t, err, "no jobs")

	_, err = NewScheduler(ctx, Job{Name: "ingest", Spec: "every day", Run: noop})
	assert.ErrorContains(t, err, "job ingest")

	_, err = NewScheduler(ctx,
		Job{Name: "ingest", Spec: "0 3 * * *", Run: noop},
		Job{Name: "ingest", Spec: "0 4 * * *", Run: noop},
	)
	assert.ErrorContains(t, err, "duplicate job")
}

func TestNewScheduler_SkipsEmptySpecs(t *testing.T) {
	s, err := NewScheduler(context.Background(),
		Job{Name: "ingest", Spec: "0 3 * * *", Run: noop},
		Job{Name: "reverify", Spec: "", Run: noop},
		Job{Name: "publish", Spec: "*/30 * * * *", Run: noop},
	)
	require.NoError(t, err)

	jobs := s.Jobs()
	assert.Len(t, jobs, 2)
	assert.Contains(t, jobs, "ingest")
	assert.Contains(t, jobs, "publish")
	_, ok := s.Entry("reverify")
	assert.False(t, ok)
}

func TestScheduler_RunsJobsUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	s, err := NewScheduler(ctx, Job{Name: "publish", Spec: "@every 1s", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
	e, ok := s.Entry("publish")
	require.True(t, ok)
	assert.False(t, e.Next.IsZero())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
