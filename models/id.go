package models

import "sync"

// A sequential id generator with a free list. Released ids are recycled
// before new ones are minted, keeping the id space dense when entities and
// scopes churn.
type SequentialIDGenerator struct {
	mutex     sync.Mutex
	currentID uint32
	freeList  []uint32
}

// New returns a sequential id, reusing released ids first.
func (g *SequentialIDGenerator) New() uint32 {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if n := len(g.freeList); n != 0 {
		id := g.freeList[n-1]
		g.freeList = g.freeList[:n-1]
		return id
	}

	g.currentID++
	return g.currentID
}

// Release marks the given id as reusable. Released ids are returned in
// priority when using New.
func (g *SequentialIDGenerator) Release(id uint32) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.freeList = append(g.freeList, id)
}
