package scheduler

import (
	"context"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

const (
	ErrTypePoolClosed = "worker_pool_closed"
)

// TaskState is the lifecycle state of a processor task.
type TaskState int32

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskDone
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskDone:
		return "done"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TaskFunc produces an output object from a parameters object. It must be
// cooperative: long running implementations check ctx.Err() between steps
// and return it when cancellation is requested, discarding partial
// output.
type TaskFunc func(ctx context.Context, params any) (any, error)

// Task is one scheduled unit of background processing.
type Task struct {
	fn     TaskFunc
	params any
	onDone func(any, error)

	ctx    context.Context
	cancel context.CancelFunc

	mutex       sync.Mutex
	state       TaskState
	output      any
	err         error
	compromised bool

	done chan struct{}
}

func (t *Task) State() TaskState {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.state
}

func (t *Task) Output() (any, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.output, t.err
}

// Done is closed once the task settled, whatever the outcome.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Cancel requests cooperative cancellation. Iteration stops at the next
// yield point and partially produced output is discarded. Idempotent and
// safe to call after the task settled.
func (t *Task) Cancel() {
	t.cancel()

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.state == TaskPending {
		// Never picked up by a worker; settle it here.
		t.state = TaskCancelled
		t.err = context.Canceled
		close(t.done)
	}
}

// ProcessingWasCompromised reports whether the task was scheduled but its
// backing worker disappeared before completion. Callers must discard the
// task and retry instead of awaiting it forever.
func (t *Task) ProcessingWasCompromised() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.compromised
}

func (t *Task) settle(state TaskState, output any, err error) bool {
	t.mutex.Lock()

	if t.state == TaskDone || t.state == TaskCancelled {
		t.mutex.Unlock()
		return false
	}

	t.state = state
	t.output = output
	t.err = err
	onDone := t.onDone
	close(t.done)
	t.mutex.Unlock()

	if onDone != nil {
		onDone(output, err)
	}
	return true
}

// markCompromised settles the task without invoking onDone: the execution
// context that would deliver the completion is gone. Owners detect the
// condition through ProcessingWasCompromised.
func (t *Task) markCompromised() {
	t.mutex.Lock()
	t.compromised = true
	if t.state == TaskPending || t.state == TaskRunning {
		t.state = TaskCancelled
		t.err = errors.New("worker pool disappeared mid task").WithType(ErrTypePoolClosed)
		close(t.done)
	}
	t.mutex.Unlock()

	t.cancel()
}

// Pool is the worker pool running processor tasks. Completion callbacks
// are marshaled back onto the loop, never invoked on a worker goroutine.
type Pool struct {
	loop *Loop

	tasks     chan *Task
	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mutex    sync.Mutex
	inflight map[*Task]struct{}
}

func NewPool(loop *Loop, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}

	p := &Pool{
		loop:      loop,
		tasks:     make(chan *Task, opChanSize),
		closeChan: make(chan struct{}),
		inflight:  make(map[*Task]struct{}),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Submit schedules fn asynchronously. onDone, when not nil, is posted on
// the loop once the task settles so final state mutation happens on the
// main execution context.
func (p *Pool) Submit(ctx context.Context, params any, fn TaskFunc, onDone func(any, error)) (*Task, error) {
	taskCtx, cancel := context.WithCancel(ctx)

	t := &Task{
		fn:     fn,
		params: params,
		ctx:    taskCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if onDone != nil {
		t.onDone = func(output any, err error) {
			p.loop.Post(func() { onDone(output, err) })
		}
	}

	p.mutex.Lock()
	select {
	case <-p.closeChan:
		p.mutex.Unlock()
		cancel()
		return nil, errors.New("worker pool is closed").WithType(ErrTypePoolClosed)
	default:
	}
	p.inflight[t] = struct{}{}
	p.mutex.Unlock()

	select {
	case p.tasks <- t:
	case <-p.closeChan:
		t.markCompromised()
		p.forget(t)
		return t, errors.New("worker pool is closed").WithType(ErrTypePoolClosed)
	}
	return t, nil
}

// RunSync runs fn to completion on the calling goroutine. Used for small
// and cheap payloads only.
func RunSync(params any, fn TaskFunc) (any, error) {
	return fn(context.Background(), params)
}

func (p *Pool) work() {
	defer p.wg.Done()

	for {
		select {
		case <-p.closeChan:
			return

		case t := <-p.tasks:
			p.run(t)
			p.forget(t)
		}
	}
}

func (p *Pool) run(t *Task) {
	t.mutex.Lock()
	if t.state != TaskPending {
		t.mutex.Unlock()
		return
	}
	if t.ctx.Err() != nil {
		t.mutex.Unlock()
		t.settle(TaskCancelled, nil, t.ctx.Err())
		return
	}
	t.state = TaskRunning
	t.mutex.Unlock()

	output, err := t.fn(t.ctx, t.params)

	if t.ctx.Err() != nil {
		t.settle(TaskCancelled, nil, t.ctx.Err())
		return
	}
	t.settle(TaskDone, output, err)
}

func (p *Pool) forget(t *Task) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	delete(p.inflight, t)
}

// Close stops the workers. Tasks that were scheduled but not yet settled
// are marked compromised and cancelled so their owners retry instead of
// waiting forever.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mutex.Lock()
		inflight := make([]*Task, 0, len(p.inflight))
		for t := range p.inflight {
			inflight = append(inflight, t)
		}
		close(p.closeChan)
		p.mutex.Unlock()

		for _, t := range inflight {
			t.markCompromised()
		}
		p.wg.Wait()
	})
}
