package loader

import (
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/geodrift/strata/datasource"
	"github.com/geodrift/strata/grid"
	"github.com/geodrift/strata/models"
	"github.com/google/uuid"
)

// ScopeState is the loading state of a load scope. It is a pure function
// of the scope's current datasource operation.
type ScopeState int32

const (
	ScopeNone ScopeState = iota
	ScopeInterval
	ScopeLoading
	ScopeLoaded
	ScopeInterrupted
)

func (s ScopeState) String() string {
	switch s {
	case ScopeNone:
		return "none"
	case ScopeInterval:
		return "interval"
	case ScopeLoading:
		return "loading"
	case ScopeLoaded:
		return "loaded"
	case ScopeInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Scope tracks the fetch lifecycle of one grid cell. A scope owns at most
// one live datasource operation: replacing it kills the previous one
// first, and results from a superseded operation are never applied.
//
// Scopes are owned by the scheduler loop and must only be touched there.
type Scope struct {
	Index grid.Index
	UUID  string

	loader *Loader

	op          *datasource.Operation
	opStarted   bool
	interval    bool
	cancelDelay func()

	// recovered latches the single compromise retry until a load
	// succeeds again.
	recovered bool

	// misconfigured marks scopes whose parameters can never load; the
	// error is reported once and the scope stays unloaded.
	misconfigured bool

	entities map[uint32]*models.Entity
	cameras  map[string]struct{}
}

func newScope(l *Loader) *Scope {
	return &Scope{
		loader:   l,
		entities: make(map[uint32]*models.Entity),
		cameras:  make(map[string]struct{}),
	}
}

// reset prepares a recycled scope for a new cell.
func (s *Scope) reset(index grid.Index) {
	s.Index = index
	s.UUID = uuid.New().String()
	s.op = nil
	s.opStarted = false
	s.interval = false
	s.cancelDelay = nil
	s.recovered = false
	s.misconfigured = false
	clear(s.entities)
	clear(s.cameras)
}

// State derives the loading state: None when no operation exists, the
// mirrored operation state otherwise.
func (s *Scope) State() ScopeState {
	switch {
	case s.interval:
		return ScopeInterval
	case s.op == nil:
		return ScopeNone
	}

	switch s.op.State() {
	case datasource.StateLoading:
		return ScopeLoading
	case datasource.StateLoaded:
		return ScopeLoaded
	default:
		return ScopeInterrupted
	}
}

// AddCamera records the cell as visible for a camera. Visibility changes
// do not by themselves cancel in-flight loads.
func (s *Scope) AddCamera(id string) {
	s.cameras[id] = struct{}{}
}

func (s *Scope) RemoveCamera(id string) {
	delete(s.cameras, id)
}

func (s *Scope) CameraCount() int {
	return len(s.cameras)
}

func (s *Scope) Entities() []*models.Entity {
	entities := make([]*models.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		entities = append(entities, e)
	}
	return entities
}

// Load cancels any current operation and starts a new one against the
// loader's datasource, after the given delay when positive.
func (s *Scope) Load(delay time.Duration) {
	if s.cancelDelay != nil {
		s.cancelDelay()
		s.cancelDelay = nil
		s.interval = false
	}
	if s.op != nil {
		s.op.Kill()
		s.op = nil
	}
	if s.misconfigured {
		return
	}

	if delay <= 0 {
		s.startLoad()
		return
	}

	s.interval = true
	s.cancelDelay = s.loader.StreamingContext.Loop.PostAfter(delay, func() {
		s.cancelDelay = nil
		s.interval = false
		s.startLoad()
	})
}

// startLoad issues the datasource operation. Runs on the scheduler loop.
func (s *Scope) startLoad() {
	var op *datasource.Operation
	op = s.loader.Source.Load(s.loader.runCtx, s.loader.scopeParams(s),
		func(entities []*models.Entity, err error) {
			// Superseded results must never be applied.
			if s.op != op {
				return
			}
			s.handleResult(entities, err)
		})

	s.op = op
	s.opStarted = true
	instrumentLoadStart()
}

// handleResult applies an operation outcome. Runs on the scheduler loop.
func (s *Scope) handleResult(entities []*models.Entity, err error) {
	if err != nil {
		s.handleError(err)
		return
	}

	store := s.loader.StreamingContext.Entities
	for _, e := range entities {
		if store.Add(e, s.UUID) {
			s.entities[e.ID] = e
			continue
		}
		// Already tracked elsewhere; duplicates are ignored.
	}

	s.recovered = false
	instrumentScopeLoaded(len(entities))
	s.loader.handleScopeLoaded(s)
}

func (s *Scope) handleError(err error) {
	switch {
	case errors.IsType(err, datasource.ErrTypeCancelled):
		// Expected outcome of supersession and disposal.

	case errors.IsType(err, datasource.ErrTypeCompromised):
		// Compromise reported through the callback leaves no processor
		// task behind; clearing the operation lets LoadingWasCompromised
		// flag the scope so the recovery pass re-issues the load.
		s.op = nil

	case errors.IsType(err, datasource.ErrTypeUnknownDataType):
		s.misconfigured = true
		s.op = nil
		logs.WithTag("cell", s.Index.String()).
			Error(errors.New("scope cannot load").Wrap(err))

	default:
		instrumentLoadFailure(errors.Type(err))
		logs.WithTag("cell", s.Index.String()).
			WithTag("scope", s.UUID).
			Error(errors.New("loading cell failed").Wrap(err))
	}
}

// LoadingWasCompromised reports whether the scope's background work was
// externally interrupted: no active operation, or an operation whose
// processor task lost its execution context. Used to force a fresh load
// instead of stalling forever.
func (s *Scope) LoadingWasCompromised() bool {
	if s.interval {
		return false
	}
	if s.op == nil {
		return true
	}
	return s.op.LoadingWasCompromised()
}

// Dispose cancels in-flight work and releases entity references. Entities
// are not destroyed here; persistent ones stay registered so ownership
// can transfer across reloads.
func (s *Scope) Dispose() {
	if s.cancelDelay != nil {
		s.cancelDelay()
		s.cancelDelay = nil
		s.interval = false
	}
	if s.op != nil {
		s.op.Kill()
		s.op = nil
	}

	store := s.loader.StreamingContext.Entities
	for _, e := range store.ReleaseOwner(s.UUID) {
		if !e.Persist {
			store.Remove(e.ID)
		}
	}
	clear(s.entities)
	clear(s.cameras)
}
