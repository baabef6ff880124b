package loader

import (
	"context"
	"sync"
	"time"

	"github.com/geodrift/strata/featureflag"
	"github.com/geodrift/strata/geo"
	"github.com/geodrift/strata/models"
	"github.com/geodrift/strata/scheduler"
)

// Context owns the shared streaming state: the entity registry, the
// scheduler handles and the floating origin. It is created at viewer
// startup, passed explicitly to constructors and torn down at shutdown.
type Context struct {
	Loop     *scheduler.Loop
	Pool     *scheduler.Pool
	Entities *models.EntityStore
	Origin   *geo.Origin
	Flags    featureflag.FeatureFlag

	closeOnce sync.Once
}

// ContextOptions configures a streaming context.
type ContextOptions struct {
	FrameDuration  time.Duration
	DecodeWorkers  int
	RebaseDistance float64
	Flags          featureflag.FeatureFlag
}

func NewContext(opts ContextOptions) *Context {
	if opts.RebaseDistance <= 0 {
		opts.RebaseDistance = 1000
	}

	loop := scheduler.NewLoop(opts.FrameDuration)
	return &Context{
		Loop:     loop,
		Pool:     scheduler.NewPool(loop, opts.DecodeWorkers),
		Entities: models.NewEntityStore(),
		Origin:   geo.NewOrigin(opts.RebaseDistance),
		Flags:    opts.Flags,
	}
}

// Run drives the scheduler loop until ctx is cancelled. Blocking; the
// calling goroutine becomes the main execution context.
func (c *Context) Run(ctx context.Context) {
	c.Loop.Run(ctx)
}

// Close tears the context down: workers stop and in-flight processor
// work is discarded.
func (c *Context) Close() {
	c.closeOnce.Do(func() {
		c.Pool.Close()
		c.Loop.Close()
	})
}
