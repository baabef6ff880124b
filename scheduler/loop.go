package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geodrift/strata/models"
)

const opChanSize = 512

// Loop is the single threaded main execution context. All grid, scope and
// entity mutation happens on it: background work hands its results back
// through Post instead of touching shared state from worker goroutines.
type Loop struct {
	frameDuration time.Duration

	ops       chan func()
	closeChan chan struct{}

	startOnce sync.Once
	closeOnce sync.Once

	tickMutex sync.RWMutex
	tickIDs   models.SequentialIDGenerator
	tickFuncs map[uint32]func(time.Time)

	now func() time.Time
}

func NewLoop(frameDuration time.Duration) *Loop {
	if frameDuration <= 0 {
		frameDuration = 15 * time.Millisecond
	}

	return &Loop{
		frameDuration: frameDuration,
		ops:           make(chan func(), opChanSize),
		closeChan:     make(chan struct{}),
		tickFuncs:     make(map[uint32]func(time.Time)),
		now:           time.Now,
	}
}

// Run drives the loop until the context is cancelled or the loop is
// closed. It must be called exactly once, from the goroutine that is to
// become the main execution context.
func (l *Loop) Run(ctx context.Context) {
	l.startOnce.Do(func() {
		ticker := time.NewTicker(l.frameDuration)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case <-l.closeChan:
				return

			case op := <-l.ops:
				op()

			case <-ticker.C:
				l.dispatchTick(l.now())
			}
		}
	})
}

func (l *Loop) dispatchTick(now time.Time) {
	instrumentFrameTick()

	l.tickMutex.RLock()
	defer l.tickMutex.RUnlock()

	for _, h := range l.tickFuncs {
		h(now)
	}
}

// Post marshals fn onto the loop. Safe to call from any goroutine;
// posting to a closed loop drops the function.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.closeChan:
	case l.ops <- fn:
	}
}

// PostAfter posts fn onto the loop after the given delay. The returned
// cancel function stops the delivery. Cancellation holds even when the
// timer already fired and the closure sits in the loop queue: stopping
// the timer alone cannot retract it, so the queued closure re-checks.
func (l *Loop) PostAfter(d time.Duration, fn func()) (cancel func()) {
	if d <= 0 {
		l.Post(fn)
		return func() {}
	}

	var cancelled atomic.Bool
	timer := time.AfterFunc(d, func() {
		l.Post(func() {
			if cancelled.Load() {
				return
			}
			fn()
		})
	})
	return func() {
		cancelled.Store(true)
		timer.Stop()
	}
}

// HandleTick registers a handler dispatched on every frame tick. The
// returned cancel function unregisters it.
func (l *Loop) HandleTick(h func(time.Time)) (cancel func()) {
	l.tickMutex.Lock()
	defer l.tickMutex.Unlock()

	id := l.tickIDs.New()
	l.tickFuncs[id] = h

	return func() {
		l.tickMutex.Lock()
		defer l.tickMutex.Unlock()

		delete(l.tickFuncs, id)
		l.tickIDs.Release(id)
	}
}

// Close stops the loop. Idempotent.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.closeChan)
	})
}
