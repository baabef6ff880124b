package models

import (
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/google/uuid"
)

const (
	ErrTypeEntityOwned    = "entity_owned"
	ErrTypeEntityNotFound = "entity_not_found"
)

// Entity is a decoded persistent domain object: a mesh, a texture, a
// feature list, a building. An entity is owned by exactly one load scope
// at a time. It may be reparented across reloads but never has two
// simultaneous owners.
type Entity struct {
	ID   uint32
	UUID string

	// The data type name the entity was decoded from.
	Kind string

	// Persist marks entities that survive scope disposal, such as
	// fallback placeholders.
	Persist bool

	mutex   sync.RWMutex
	owner   string
	payload any
}

func NewEntity(id uint32, kind string) *Entity {
	return &Entity{
		ID:   id,
		UUID: uuid.New().String(),
		Kind: kind,
	}
}

// Owner returns the UUID of the owning load scope, or an empty string for
// a detached entity.
func (e *Entity) Owner() string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.owner
}

func (e *Entity) Payload() any {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.payload
}

func (e *Entity) SetPayload(v any) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.payload = v
}

// EntityStore is the global registry of persistent entities, used for
// lookup by identifier and for enforcing the single owner invariant.
type EntityStore struct {
	mutex    sync.RWMutex
	ids      SequentialIDGenerator
	entities map[uint32]*Entity
	byUUID   map[string]*Entity
}

func NewEntityStore() *EntityStore {
	return &EntityStore{
		entities: make(map[uint32]*Entity),
		byUUID:   make(map[string]*Entity),
	}
}

func (s *EntityStore) NewID() uint32 {
	return s.ids.New()
}

// Add registers the entity under the given owner. Entities already
// tracked are ignored and Add reports whether the entity was added.
func (s *EntityStore) Add(e *Entity, owner string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.entities[e.ID]; ok {
		return false
	}

	e.mutex.Lock()
	e.owner = owner
	e.mutex.Unlock()

	s.entities[e.ID] = e
	s.byUUID[e.UUID] = e
	instrumentEntityCount(len(s.entities))
	return true
}

func (s *EntityStore) Get(id uint32) (*Entity, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	e, ok := s.entities[id]
	return e, ok
}

func (s *EntityStore) GetByUUID(id string) (*Entity, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	e, ok := s.byUUID[id]
	return e, ok
}

// Reparent transfers ownership of an entity to a new scope. The transfer
// is atomic from the registry's point of view: there is no window in
// which two scopes claim the entity, and a transfer from the wrong owner
// is rejected.
func (s *EntityStore) Reparent(id uint32, from, to string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return errors.New("entity is not tracked").
			WithType(ErrTypeEntityNotFound).
			WithTag("entity_id", id)
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.owner != from {
		return errors.New("entity is owned by another scope").
			WithType(ErrTypeEntityOwned).
			WithTag("entity_id", id).
			WithTag("owner", e.owner)
	}
	e.owner = to
	return nil
}

// ReleaseOwner detaches every entity owned by the given scope without
// destroying them, returning the released entities. Ownership may then
// transfer to a fallback or pool.
func (s *EntityStore) ReleaseOwner(owner string) []*Entity {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var released []*Entity
	for _, e := range s.entities {
		e.mutex.Lock()
		if e.owner == owner {
			e.owner = ""
			released = append(released, e)
		}
		e.mutex.Unlock()
	}
	return released
}

// Remove unregisters the entity and recycles its id.
func (s *EntityStore) Remove(id uint32) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return
	}

	delete(s.entities, id)
	delete(s.byUUID, e.UUID)
	s.ids.Release(id)
	instrumentEntityCount(len(s.entities))
}

func (s *EntityStore) List() []*Entity {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	entities := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		entities = append(entities, e)
	}
	return entities
}

func (s *EntityStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.entities)
}
