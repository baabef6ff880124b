package models

import (
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestEntityPayload(t *testing.T) {
	e := NewEntity(1, "json")
	require.Nil(t, e.Payload())

	e.SetPayload("tile-content")
	require.Equal(t, "tile-content", e.Payload())
	require.NotEmpty(t, e.UUID)
	require.Equal(t, "json", e.Kind)
}

func TestEntityStoreAdd(t *testing.T) {
	s := NewEntityStore()

	e := NewEntity(s.NewID(), "json")
	require.True(t, s.Add(e, "scope-a"))
	require.Equal(t, "scope-a", e.Owner())
	require.Equal(t, 1, s.Len())

	// Duplicates are ignored and keep their owner.
	require.False(t, s.Add(e, "scope-b"))
	require.Equal(t, "scope-a", e.Owner())
	require.Equal(t, 1, s.Len())

	got, ok := s.Get(e.ID)
	require.True(t, ok)
	require.Equal(t, e, got)

	got, ok = s.GetByUUID(e.UUID)
	require.True(t, ok)
	require.Equal(t, e, got)
}

func TestEntityStoreReparent(t *testing.T) {
	s := NewEntityStore()

	e := NewEntity(s.NewID(), "json")
	s.Add(e, "scope-a")

	err := s.Reparent(e.ID, "scope-b", "scope-c")
	require.Error(t, err)
	require.True(t, errors.IsType(err, ErrTypeEntityOwned))
	require.Equal(t, "scope-a", e.Owner())

	require.NoError(t, s.Reparent(e.ID, "scope-a", "scope-b"))
	require.Equal(t, "scope-b", e.Owner())

	err = s.Reparent(42, "scope-a", "scope-b")
	require.True(t, errors.IsType(err, ErrTypeEntityNotFound))
}

func TestEntityStoreReleaseOwner(t *testing.T) {
	s := NewEntityStore()

	a := NewEntity(s.NewID(), "json")
	b := NewEntity(s.NewID(), "json")
	c := NewEntity(s.NewID(), "json")
	s.Add(a, "scope-a")
	s.Add(b, "scope-a")
	s.Add(c, "scope-b")

	released := s.ReleaseOwner("scope-a")
	require.Len(t, released, 2)
	require.Empty(t, a.Owner())
	require.Empty(t, b.Owner())
	require.Equal(t, "scope-b", c.Owner())

	// Released entities stay tracked.
	require.Equal(t, 3, s.Len())
}

func TestEntityStoreRemoveRecyclesID(t *testing.T) {
	s := NewEntityStore()

	e := NewEntity(s.NewID(), "json")
	s.Add(e, "scope-a")

	s.Remove(e.ID)
	require.Equal(t, 0, s.Len())
	_, ok := s.Get(e.ID)
	require.False(t, ok)

	// Removing an untracked id is a no-op.
	s.Remove(e.ID)

	require.Equal(t, e.ID, s.NewID())
}

func TestEntityStoreList(t *testing.T) {
	s := NewEntityStore()
	s.Add(NewEntity(s.NewID(), "json"), "scope-a")
	s.Add(NewEntity(s.NewID(), "texture"), "scope-a")

	require.Len(t, s.List(), 2)
}
