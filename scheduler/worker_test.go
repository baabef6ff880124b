package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, workers int) (*Loop, *Pool) {
	t.Helper()

	l := NewLoop(time.Millisecond)
	t.Cleanup(l.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go l.Run(ctx)

	return l, NewPool(l, workers)
}

func TestPoolSubmit(t *testing.T) {
	_, p := newTestPool(t, 2)
	defer p.Close()

	results := make(chan any, 1)
	task, err := p.Submit(context.Background(), 21,
		func(ctx context.Context, params any) (any, error) {
			return params.(int) * 2, nil
		},
		func(output any, err error) {
			require.NoError(t, err)
			results <- output
		})
	require.NoError(t, err)

	select {
	case output := <-results:
		require.Equal(t, 42, output)
	case <-time.After(time.Second):
		t.Fatal("task never completed")
	}

	require.Eventually(t, func() bool {
		return task.State() == TaskDone
	}, time.Second, time.Millisecond)
	require.False(t, task.ProcessingWasCompromised())
}

func TestPoolTaskError(t *testing.T) {
	_, p := newTestPool(t, 1)
	defer p.Close()

	boom := errors.New("decode failed")
	task, err := p.Submit(context.Background(), nil,
		func(ctx context.Context, params any) (any, error) {
			return nil, boom
		}, nil)
	require.NoError(t, err)

	<-task.Done()
	require.Equal(t, TaskDone, task.State())
	_, taskErr := task.Output()
	require.Equal(t, boom, taskErr)
}

func TestTaskCancelBeforePickup(t *testing.T) {
	_, p := newTestPool(t, 1)
	defer p.Close()

	// Occupy the single worker.
	release := make(chan struct{})
	running := make(chan struct{})
	_, err := p.Submit(context.Background(), nil,
		func(ctx context.Context, params any) (any, error) {
			close(running)
			<-release
			return nil, nil
		}, nil)
	require.NoError(t, err)
	<-running

	pending, err := p.Submit(context.Background(), nil,
		func(ctx context.Context, params any) (any, error) {
			return "never", nil
		}, nil)
	require.NoError(t, err)

	pending.Cancel()
	<-pending.Done()
	require.Equal(t, TaskCancelled, pending.State())

	output, taskErr := pending.Output()
	require.Nil(t, output)
	require.Equal(t, context.Canceled, taskErr)

	close(release)
}

func TestTaskCooperativeCancel(t *testing.T) {
	_, p := newTestPool(t, 1)
	defer p.Close()

	running := make(chan struct{})
	task, err := p.Submit(context.Background(), nil,
		func(ctx context.Context, params any) (any, error) {
			close(running)
			<-ctx.Done()
			return "partial", ctx.Err()
		}, nil)
	require.NoError(t, err)

	<-running
	task.Cancel()
	task.Cancel()

	<-task.Done()
	require.Equal(t, TaskCancelled, task.State())

	// Partial output is discarded.
	output, taskErr := task.Output()
	require.Nil(t, output)
	require.Equal(t, context.Canceled, taskErr)
}

func TestPoolCloseCompromisesInflightTasks(t *testing.T) {
	_, p := newTestPool(t, 1)

	onDone := make(chan struct{}, 1)
	running := make(chan struct{})
	task, err := p.Submit(context.Background(), nil,
		func(ctx context.Context, params any) (any, error) {
			close(running)
			<-ctx.Done()
			return nil, ctx.Err()
		},
		func(output any, err error) {
			onDone <- struct{}{}
		})
	require.NoError(t, err)
	<-running

	p.Close()

	<-task.Done()
	require.True(t, task.ProcessingWasCompromised())
	require.Equal(t, TaskCancelled, task.State())

	_, taskErr := task.Output()
	require.True(t, errors.IsType(taskErr, ErrTypePoolClosed))

	// The delivery context is gone; the completion callback is not
	// invoked for compromised tasks.
	select {
	case <-onDone:
		t.Fatal("compromised task invoked its completion callback")
	case <-time.After(time.Millisecond * 100):
	}
}

func TestPoolSubmitAfterClose(t *testing.T) {
	_, p := newTestPool(t, 1)
	p.Close()

	_, err := p.Submit(context.Background(), nil,
		func(ctx context.Context, params any) (any, error) {
			return nil, nil
		}, nil)
	require.Error(t, err)
	require.True(t, errors.IsType(err, ErrTypePoolClosed))
}

func TestRunSync(t *testing.T) {
	output, err := RunSync(3, func(ctx context.Context, params any) (any, error) {
		return params.(int) + 1, nil
	})
	require.NoError(t, err)
	require.Equal(t, 4, output)
}
