package store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/flexsync/pkg/types"
)

// makeMutable clones the latest set into a mutable copy, rolled back at
// cleanup if the test never commits it.
func makeMutable(t *testing.T, s *Store) *MutableSubscriptionSet {
	t.Helper()
	latest, err := s.GetLatest()
	require.NoError(t, err)
	m, err := latest.MakeMutableCopy()
	require.NoError(t, err)
	t.Cleanup(func() { m.Rollback() })
	return m
}

func TestInsertOrAssignNamed(t *testing.T) {
	s := newTestStore(t)
	m := makeMutable(t, s)

	idx, inserted, err := m.InsertOrAssign("dogs", queryDogs)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, 0, idx)
	first := m.At(0)

	// Re-binding the name replaces the query and bumps updated_at; the id
	// and created_at stay.
	idx, inserted, err = m.InsertOrAssign("dogs", queryPups)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, 0, idx)
	assert.Equal(t, 1, m.Size())

	second := m.At(0)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, queryPups.QueryString, second.QueryString)
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))
}

func TestInsertOrAssignIdempotent(t *testing.T) {
	s := newTestStore(t)
	m := makeMutable(t, s)

	_, inserted, err := m.InsertOrAssign("dogs", queryDogs)
	require.NoError(t, err)
	assert.True(t, inserted)

	_, inserted, err = m.InsertOrAssign("dogs", queryDogs)
	require.NoError(t, err)
	assert.False(t, inserted)

	assert.Equal(t, 1, m.Size())
	assert.Equal(t, queryDogs.QueryString, m.At(0).QueryString)
}

func TestInsertOrAssignUnnamed(t *testing.T) {
	s := newTestStore(t)
	m := makeMutable(t, s)

	_, inserted, err := m.InsertOrAssignQuery(queryDogs)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same class and query string: deduplicated.
	_, inserted, err = m.InsertOrAssignQuery(queryDogs)
	require.NoError(t, err)
	assert.False(t, inserted)

	// Different query over the same class: a second subscription.
	_, inserted, err = m.InsertOrAssignQuery(queryPups)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, 2, m.Size())

	// An unnamed subscription does not collide with a named one for the
	// same query.
	_, inserted, err = m.InsertOrAssign("dogs", queryDogs)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, 3, m.Size())
}

func TestErase(t *testing.T) {
	s := newTestStore(t)

	build := func(t *testing.T) *MutableSubscriptionSet {
		m := makeMutable(t, s)
		_, _, err := m.InsertOrAssign("dogs", queryDogs)
		require.NoError(t, err)
		_, _, err = m.InsertOrAssign("pups", queryPups)
		require.NoError(t, err)
		_, _, err = m.InsertOrAssign("kids", queryKids)
		require.NoError(t, err)
		return m
	}

	t.Run("by name", func(t *testing.T) {
		m := build(t)
		removed, err := m.Erase("pups")
		require.NoError(t, err)
		assert.True(t, removed)
		assert.Equal(t, 2, m.Size())
		assert.Nil(t, m.Find("pups"))

		removed, err = m.Erase("no such name")
		require.NoError(t, err)
		assert.False(t, removed)
		require.NoError(t, m.Rollback())
	})

	t.Run("by query", func(t *testing.T) {
		m := build(t)
		removed, err := m.EraseQuery(queryKids)
		require.NoError(t, err)
		assert.True(t, removed)
		assert.Nil(t, m.Find("kids"))
		require.NoError(t, m.Rollback())
	})

	t.Run("by class name removes all matching", func(t *testing.T) {
		m := build(t)
		removed, err := m.EraseByClassName("Dog")
		require.NoError(t, err)
		assert.True(t, removed)
		assert.Equal(t, 1, m.Size())
		assert.Equal(t, "kids", m.At(0).Name)
		require.NoError(t, m.Rollback())
	})

	t.Run("by id", func(t *testing.T) {
		m := build(t)
		id := m.At(1).ID
		removed, err := m.EraseByID(id)
		require.NoError(t, err)
		assert.True(t, removed)
		assert.Equal(t, 2, m.Size())

		removed, err = m.EraseByID(uuid.New())
		require.NoError(t, err)
		assert.False(t, removed)
		require.NoError(t, m.Rollback())
	})

	t.Run("at index", func(t *testing.T) {
		m := build(t)
		require.NoError(t, m.EraseAt(0))
		assert.Equal(t, "pups", m.At(0).Name)
		assert.Error(t, m.EraseAt(5))
		require.NoError(t, m.Rollback())
	})
}

func TestClear(t *testing.T) {
	s := newTestStore(t)
	m := makeMutable(t, s)
	_, _, err := m.InsertOrAssign("dogs", queryDogs)
	require.NoError(t, err)

	require.NoError(t, m.Clear())
	assert.Zero(t, m.Size())
}

// Cloning and committing without edits produces a fresh version with the
// same subscription membership.
func TestCommitWithoutEditsKeepsMembership(t *testing.T) {
	s := newTestStore(t)
	source := commitQueries(t, s, namedQuery{"dogs", queryDogs}, namedQuery{"kids", queryKids})

	m, err := source.MakeMutableCopy()
	require.NoError(t, err)
	copied, err := m.Commit()
	require.NoError(t, err)

	assert.Equal(t, int64(2), copied.Version())
	require.Equal(t, source.Size(), copied.Size())
	for i := 0; i < source.Size(); i++ {
		assert.Equal(t, source.At(i).ID, copied.At(i).ID)
		assert.Equal(t, source.At(i).Name, copied.At(i).Name)
		assert.Equal(t, source.At(i).QueryString, copied.At(i).QueryString)
	}
}

func TestMutableUnusableAfterCommit(t *testing.T) {
	s := newTestStore(t)
	m := makeMutable(t, s)
	_, _, err := m.InsertOrAssign("dogs", queryDogs)
	require.NoError(t, err)
	_, err = m.Commit()
	require.NoError(t, err)

	_, _, err = m.InsertOrAssign("pups", queryPups)
	assert.ErrorIs(t, err, types.ErrNotMutable)
	_, err = m.Erase("dogs")
	assert.ErrorIs(t, err, types.ErrNotMutable)
	assert.ErrorIs(t, m.Clear(), types.ErrNotMutable)
	_, err = m.Commit()
	assert.ErrorIs(t, err, types.ErrNotMutable)
}

func TestRollbackReleasesWriteTransaction(t *testing.T) {
	s := newTestStore(t)
	m := makeMutable(t, s)
	_, _, err := m.InsertOrAssign("dogs", queryDogs)
	require.NoError(t, err)
	require.NoError(t, m.Rollback())

	latest, err := s.GetLatest()
	require.NoError(t, err)
	assert.Equal(t, int64(0), latest.Version())

	// The write lock is free again: a new mutable copy can commit.
	set := commitQueries(t, s, namedQuery{"pups", queryPups})
	assert.Equal(t, int64(1), set.Version())
}

// SetState exists for tests and internal use: a set committed directly in
// Complete supersedes everything below it.
func TestSetStateCommit(t *testing.T) {
	s := newTestStore(t)
	commitQueries(t, s, namedQuery{"dogs", queryDogs})

	m := makeMutable(t, s)
	_, _, err := m.InsertOrAssign("pups", queryPups)
	require.NoError(t, err)
	require.NoError(t, m.SetState(types.StateComplete))

	set, err := m.Commit()
	require.NoError(t, err)
	assert.Equal(t, types.StateComplete, set.State())
	assert.Equal(t, types.StateSuperseded, stateOf(t, s, 1))

	assert.ErrorIs(t, m.SetState(types.StatePending), types.ErrNotMutable)
}

func TestSubscriptionIDsAreUnique(t *testing.T) {
	s := newTestStore(t)
	m := makeMutable(t, s)

	seen := make(map[uuid.UUID]bool)
	for _, nq := range []namedQuery{
		{"dogs", queryDogs}, {"pups", queryPups}, {"kids", queryKids},
	} {
		idx, inserted, err := m.InsertOrAssign(nq.name, nq.q)
		require.NoError(t, err)
		require.True(t, inserted)
		id := m.At(idx).ID
		assert.False(t, seen[id], "duplicate subscription id %s", id)
		seen[id] = true
	}
}
