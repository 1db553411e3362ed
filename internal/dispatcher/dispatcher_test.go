package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type blockingWorker struct {
	started *atomic.Int32
}

func (w blockingWorker) Run(ctx context.Context) {
	w.started.Add(1)
	<-ctx.Done()
}

// TestDispatcherRunStartsWorkers ensures every worker starts and all stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	var started atomic.Int32
	workers := []Runner{blockingWorker{&started}, blockingWorker{&started}, blockingWorker{&started}}
	dispatch := New(workers)
	require.Equal(t, 3, dispatch.Size())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return started.Load() == 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherRunWithoutWorkers(t *testing.T) {
	t.Parallel()

	dispatch := New(nil)
	require.Zero(t, dispatch.Size())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dispatch.Run(ctx)
}
