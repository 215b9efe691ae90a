package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueProcessesJobsAndReportsDone(t *testing.T) {
	var handled int32
	var mu sync.Mutex
	outcomes := map[string]error{}
	finished := make(chan struct{}, 3)

	q := NewQueue("test", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&handled, 1)
		if job.ID == "bad" {
			return errors.New("boom")
		}
		return nil
	}, QueueConfig{Workers: 2, Done: func(job Job, err error) {
		mu.Lock()
		outcomes[job.ID] = err
		mu.Unlock()
		finished <- struct{}{}
	}})

	require.Error(t, q.Enqueue(Job{ID: "early"}))

	q.Start(context.Background())
	defer q.Stop()

	for _, id := range []string{"a", "b", "bad"} {
		require.NoError(t, q.Enqueue(Job{ID: id}))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Fatal("jobs did not finish")
		}
	}

	assert.EqualValues(t, 3, atomic.LoadInt32(&handled))
	mu.Lock()
	defer mu.Unlock()
	assert.NoError(t, outcomes["a"])
	assert.Error(t, outcomes["bad"])
}

func TestQueueTryEnqueueReportsFull(t *testing.T) {
	release := make(chan struct{})
	q := NewQueue("full", func(ctx context.Context, job Job) error {
		<-release
		return nil
	}, QueueConfig{Workers: 1, BufferSize: 1})
	q.Start(context.Background())

	require.NoError(t, q.TryEnqueue(Job{ID: "1"}))
	// wait for the worker to pick up the first job so the buffer is empty
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, q.TryEnqueue(Job{ID: "2"}))
	require.ErrorIs(t, q.TryEnqueue(Job{ID: "3"}), ErrQueueFull)

	close(release)
	q.Stop()
	require.Error(t, q.TryEnqueue(Job{ID: "4"}))
}
