package loader

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/geodrift/strata/datasource"
	"github.com/geodrift/strata/featureflag"
	"github.com/geodrift/strata/geo"
	"github.com/geodrift/strata/grid"
	"golang.org/x/time/rate"
)

// Options configures a loader.
type Options struct {
	// The delay before a newly visible cell starts loading. Spreads
	// request bursts when a camera jumps.
	LoadInterval time.Duration

	// Load starts per second across all scopes, 0 for unlimited.
	LoadRate  rate.Limit
	LoadBurst int

	PlanetRadius float64
}

// Loader owns the set of active load scopes. Every tick it recomputes the
// camera grids, diffs their required indices against existing scopes,
// creates and disposes scopes as coverage changes, and recovers scopes
// whose background work was compromised. All of it runs on the scheduler
// loop; the active scope set is never mutated concurrently.
type Loader struct {
	StreamingContext *Context
	Source           datasource.Datasource

	// Template for per scope load parameters.
	Params datasource.LoadParameters

	// OnScopeLoaded is called on the scheduler loop after a scope
	// resolves its entities. Optional.
	OnScopeLoaded func(*Scope)

	opts    Options
	limiter *rate.Limiter

	trackers map[string]*grid.Tracker
	scopes   map[grid.Index]*Scope

	// Disposed scopes are recycled instead of reallocated.
	free []*Scope

	// Scopes waiting for a rate limiter token.
	pending []*Scope

	// Cached covered cell set per tracker, recomputed only when the
	// tracker reports a grid change.
	coverage map[string]map[grid.Index]struct{}

	// The tracker whose camera drives origin rebasing. Empty means the
	// single registered tracker, none when several are registered.
	focus string

	runCtx     context.Context
	runCancel  context.CancelFunc
	tickCancel func()
}

// ErrTypeUnknownCamera indicates a camera id with no registered tracker.
const ErrTypeUnknownCamera = "unknown_camera"

func New(streamingContext *Context, source datasource.Datasource, params datasource.LoadParameters, opts Options) *Loader {
	if opts.PlanetRadius <= 0 {
		opts.PlanetRadius = geo.EarthRadius
	}
	if opts.LoadBurst <= 0 {
		opts.LoadBurst = 16
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	l := &Loader{
		StreamingContext: streamingContext,
		Source:           source,
		Params:           params,
		opts:             opts,
		trackers:         make(map[string]*grid.Tracker),
		scopes:           make(map[grid.Index]*Scope),
		coverage:         make(map[string]map[grid.Index]struct{}),
		runCtx:           runCtx,
		runCancel:        runCancel,
	}

	if opts.LoadRate > 0 {
		l.limiter = rate.NewLimiter(opts.LoadRate, opts.LoadBurst)
	}
	return l
}

// Start registers the loader on the scheduler loop tick.
func (l *Loader) Start() {
	if l.tickCancel != nil {
		return
	}
	l.tickCancel = l.StreamingContext.Loop.HandleTick(l.Tick)
}

// AddTracker registers a camera tracker. Runs on the scheduler loop.
func (l *Loader) AddTracker(t *grid.Tracker) {
	l.trackers[t.ID()] = t
}

func (l *Loader) RemoveTracker(id string) {
	delete(l.trackers, id)
	delete(l.coverage, id)
}

// SetFocus picks the tracker whose camera drives origin rebasing.
func (l *Loader) SetFocus(id string) {
	l.focus = id
}

// MoveCamera repositions a tracked camera. Runs on the scheduler loop.
func (l *Loader) MoveCamera(id string, c geo.Coordinate) error {
	t, ok := l.trackers[id]
	if !ok {
		return errors.New("unknown camera").
			WithType(ErrTypeUnknownCamera).
			WithTag("camera", id)
	}
	t.MoveTo(c)
	return nil
}

// Tick runs one full update pass on the scheduler loop.
func (l *Loader) Tick(now time.Time) {
	l.UpdateGrids(now)
	l.rebaseOrigin()
	l.UpdateLoadScopes(now)
	l.RecoverCompromised()
	l.UpdateLoaderFields()
}

func (l *Loader) focusTracker() *grid.Tracker {
	if l.focus != "" {
		return l.trackers[l.focus]
	}
	if len(l.trackers) == 1 {
		for _, t := range l.trackers {
			return t
		}
	}
	return nil
}

// rebaseOrigin shifts the floating origin to the focus camera when it
// drifted beyond the rebase distance.
func (l *Loader) rebaseOrigin() {
	t := l.focusTracker()
	if t == nil {
		return
	}

	origin := l.StreamingContext.Origin
	focus := origin.WorldPoint(t.Camera().WorldPosition())
	if origin.Rebase(focus) {
		instrumentOriginRebase()
	}
}

// UpdateGrids recomputes the cascaded grids of every camera.
func (l *Loader) UpdateGrids(now time.Time) {
	for _, t := range l.trackers {
		t.Update(now)
	}
}

// UpdateLoadScopes diffs the grids' required indices against the active
// scope set: newly covered cells get a scope and a load, cells no longer
// covered by any camera are disposed. Trackers that did not move beyond
// the change threshold keep their cached coverage and trigger no diff.
func (l *Loader) UpdateLoadScopes(now time.Time) {
	l.drainPending()

	changed := false
	for id, t := range l.trackers {
		if _, ok := l.coverage[id]; ok && !t.GridsChanged() {
			continue
		}

		cov := make(map[grid.Index]struct{})
		for _, d := range t.Descriptors() {
			for idx := range d.Indices(l.opts.PlanetRadius) {
				cov[idx] = struct{}{}
			}
		}
		l.coverage[id] = cov
		changed = true
	}
	if !changed {
		return
	}

	required := make(map[grid.Index]map[string]struct{})
	for id, cov := range l.coverage {
		for idx := range cov {
			cams, ok := required[idx]
			if !ok {
				cams = make(map[string]struct{})
				required[idx] = cams
			}
			cams[id] = struct{}{}
		}
	}

	for idx, cams := range required {
		s, ok := l.scopes[idx]
		if !ok {
			s = l.acquireScope(idx)
			l.scopes[idx] = s
			l.enqueueLoad(s)
		}

		for id := range l.trackers {
			if _, visible := cams[id]; visible {
				s.AddCamera(id)
			} else {
				s.RemoveCamera(id)
			}
		}
	}

	for idx, s := range l.scopes {
		if _, ok := required[idx]; ok {
			continue
		}
		l.disposeScope(idx, s)
	}

	instrumentActiveScopes(len(l.scopes))
}

// RecoverCompromised re-issues the load of scopes whose background work
// lost its execution context, exactly once per compromise.
func (l *Loader) RecoverCompromised() {
	for _, s := range l.scopes {
		if !s.opStarted || s.recovered || !s.LoadingWasCompromised() {
			continue
		}
		s.recovered = true
		instrumentCompromisedRecovery()
		s.Load(0)
	}
}

// UpdateLoaderFields commits the last loaded position bookkeeping used by
// the grid change detection threshold.
func (l *Loader) UpdateLoaderFields() {
	for _, t := range l.trackers {
		if t.GridsChanged() {
			t.Commit()
		}
	}
}

func (l *Loader) acquireScope(idx grid.Index) *Scope {
	var s *Scope
	if n := len(l.free); n != 0 {
		s = l.free[n-1]
		l.free = l.free[:n-1]
	} else {
		s = newScope(l)
	}
	s.reset(idx)
	return s
}

func (l *Loader) disposeScope(idx grid.Index, s *Scope) {
	s.Dispose()
	delete(l.scopes, idx)
	l.free = append(l.free, s)
}

// enqueueLoad starts the scope load, deferring it when the rate limiter
// has no token.
func (l *Loader) enqueueLoad(s *Scope) {
	if l.limiter != nil && !l.limiter.Allow() {
		l.pending = append(l.pending, s)
		return
	}
	s.Load(l.loadDelay())
}

func (l *Loader) drainPending() {
	for len(l.pending) != 0 {
		s := l.pending[0]

		// Disposed while waiting.
		if l.scopes[s.Index] != s {
			l.pending = l.pending[1:]
			continue
		}

		if l.limiter != nil && !l.limiter.Allow() {
			return
		}
		l.pending = l.pending[1:]
		s.Load(l.loadDelay())
	}
}

func (l *Loader) loadDelay() time.Duration {
	if l.StreamingContext.Flags.IsSet(featureflag.FlagDisableLoadInterval) {
		return 0
	}
	return l.opts.LoadInterval
}

// scopeParams renders the loader's parameter template for one scope.
func (l *Loader) scopeParams(s *Scope) datasource.LoadParameters {
	params := l.Params
	params.Index = s.Index
	return params
}

func (l *Loader) handleScopeLoaded(s *Scope) {
	if l.OnScopeLoaded != nil {
		l.OnScopeLoaded(s)
	}
}

// Scopes returns the active scope set. Runs on the scheduler loop.
func (l *Loader) Scopes() map[grid.Index]*Scope {
	return l.scopes
}

// Dispose cancels every live operation and releases all scopes.
func (l *Loader) Dispose() {
	if l.tickCancel != nil {
		l.tickCancel()
		l.tickCancel = nil
	}
	l.runCancel()

	for idx, s := range l.scopes {
		l.disposeScope(idx, s)
	}
	l.pending = nil
	instrumentActiveScopes(0)
}
