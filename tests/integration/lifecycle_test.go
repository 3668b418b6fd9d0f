// Package integration exercises the subscription store end to end through
// its public API and the inspection CLI.
package integration

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/flexsync/pkg/sqlite"
	"github.com/mesh-intelligence/flexsync/pkg/store"
	"github.com/mesh-intelligence/flexsync/pkg/types"
)

// openStore opens a store over a database file, both closed at cleanup.
func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	db, err := sqlite.Open(types.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := store.NewStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestSubscriptionLifecycle drives a store through the full protocol flow
// the sync client performs: commit, bootstrap, supersession, error, and
// reset.
func TestSubscriptionLifecycle(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "flx.db"))

	// The application declares its first queries.
	latest, err := s.GetLatest()
	require.NoError(t, err)
	m, err := latest.MakeMutableCopy()
	require.NoError(t, err)
	_, _, err = m.InsertOrAssign("dogs", types.Query{ClassName: "Dog", QueryString: "age == 2"})
	require.NoError(t, err)
	v1, err := m.Commit()
	require.NoError(t, err)
	require.Equal(t, int64(1), v1.Version())
	require.Equal(t, types.StatePending, v1.State())

	// The sync client picks it up and bootstraps it.
	next, err := s.GetNextPendingVersion(0)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, int64(1), next.QueryVersion)

	waitComplete := v1.StateChangeNotification(types.StateComplete)

	w, err := s.DB().BeginWrite()
	require.NoError(t, err)
	require.NoError(t, s.BeginBootstrap(w, 1))
	require.NoError(t, w.Commit())
	require.NoError(t, s.ReportProgress())

	w, err = s.DB().BeginWrite()
	require.NoError(t, err)
	require.NoError(t, s.CompleteBootstrap(w, 1))
	require.NoError(t, w.Commit())
	require.NoError(t, s.ReportProgress())

	require.NoError(t, s.DownloadComplete())

	change := <-waitComplete
	require.NoError(t, change.Err)
	require.Equal(t, types.StateComplete, change.State)

	active, err := s.GetActive()
	require.NoError(t, err)
	require.Equal(t, int64(1), active.Version())

	// A second set supersedes the first once it completes.
	m, err = active.MakeMutableCopy()
	require.NoError(t, err)
	_, _, err = m.InsertOrAssign("people", types.Query{ClassName: "Person", QueryString: "age > 17"})
	require.NoError(t, err)
	v2, err := m.Commit()
	require.NoError(t, err)
	require.Equal(t, int64(2), v2.Version())
	require.Equal(t, 2, v2.Size())

	// v1 is currently active, so a notifier on it resolves immediately.
	change = <-v1.StateChangeNotification(types.StateComplete)
	require.NoError(t, change.Err)
	require.Equal(t, types.StateComplete, change.State)

	w, err = s.DB().BeginWrite()
	require.NoError(t, err)
	require.NoError(t, s.BeginBootstrap(w, 2))
	require.NoError(t, s.CompleteBootstrap(w, 2))
	require.NoError(t, w.Commit())
	require.NoError(t, s.ReportProgress())
	require.NoError(t, s.DownloadComplete())

	require.NoError(t, v1.Refresh())
	require.Equal(t, types.StateSuperseded, v1.State())

	// A third set hits a server error.
	m, err = v2.MakeMutableCopy()
	require.NoError(t, err)
	_, _, err = m.InsertOrAssign("cats", types.Query{ClassName: "Cat", QueryString: "age == 4"})
	require.NoError(t, err)
	v3, err := m.Commit()
	require.NoError(t, err)

	waitV3 := v3.StateChangeNotification(types.StateComplete)
	require.NoError(t, s.SetError(3, "query not supported"))

	change = <-waitV3
	var setErr *types.SetError
	require.ErrorAs(t, change.Err, &setErr)
	require.Equal(t, "query not supported", setErr.Message)

	info, err := s.GetVersionInfo()
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Latest)
	assert.Equal(t, int64(2), info.Active)
	assert.Equal(t, types.EmptyVersion, info.PendingMark)

	// Client reset: wipe the store.
	w, err = s.DB().BeginWrite()
	require.NoError(t, err)
	require.NoError(t, s.Reset(w))
	require.NoError(t, w.Commit())

	latest, err = s.GetLatest()
	require.NoError(t, err)
	assert.Equal(t, int64(0), latest.Version())
	assert.Zero(t, latest.Size())
}
