// Package store implements the flexible sync subscription store: the
// durable, versioned registry of client-issued queries that the sync client
// synchronizes with the server. Subscription sets advance through a fixed
// lifecycle (Pending, Bootstrapping, AwaitingMark, Complete, with Error and
// Superseded as terminal states); the store mediates between mutating
// application code, the sync protocol callbacks, and the host database.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/flexsync/pkg/sqlite"
	"github.com/mesh-intelligence/flexsync/pkg/types"
)

// Store manages the subscription metadata tables. It is shared between
// application code and the sync client; all methods are safe for
// concurrent use. Mutation is serialized through the host database's
// write-transaction discipline.
type Store struct {
	db  *sqlite.DB
	log *zap.Logger

	// notifyMu guards pending. It is held only for list manipulation,
	// never across notifier callbacks.
	notifyMu sync.Mutex
	pending  []*notificationRequest

	// attemptsMu guards bootstrapAttempts, the per-version count of
	// bootstrap attempts used by CancelBootstrap's first-attempt rule.
	// The count is process-local: a restart starts it over.
	attemptsMu        sync.Mutex
	bootstrapAttempts map[int64]int

	closedMu sync.Mutex
	closed   bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for store events. The default discards all
// output.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// NewStore binds a store to the given database, creating the subscription
// tables if they do not exist yet. A database whose set table predates the
// state column is migrated: the sole extant version is inferred to have
// been Complete.
func NewStore(db *sqlite.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:                db,
		log:               zap.NewNop(),
		bootstrapAttempts: make(map[int64]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	err := db.Update(func(w *sqlite.WriteTx) error {
		return sqlite.EnsureSubscriptionSchema(w)
	})
	if err != nil {
		return nil, fmt.Errorf("initializing subscription tables: %w", err)
	}
	return s, nil
}

// DB returns the host database the store is bound to. The sync client uses
// it to open the write transactions it passes to the bootstrap callbacks.
func (s *Store) DB() *sqlite.DB {
	return s.db
}

// Close detaches the store and resolves every outstanding notification
// with ErrStoreClosed. It does not close the host database, which the
// caller owns. Subscription sets holding a reference to a closed store
// fail their re-entrant operations with ErrStoreClosed.
func (s *Store) Close() error {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil
	}
	s.closed = true
	s.closedMu.Unlock()

	s.NotifyAllStateChangeNotifications(types.ErrStoreClosed)
	return nil
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	return s.closed
}

func (s *Store) checkOpen() error {
	if s.Closed() {
		return types.ErrStoreClosed
	}
	return nil
}

// GetLatest returns a snapshot of the highest-versioned subscription set.
// An empty store returns a synthetic empty set at version 0 in Pending,
// which can be cloned to build the first real set.
func (s *Store) GetLatest() (*SubscriptionSet, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var set *SubscriptionSet
	err := s.db.View(func(r *sqlite.ReadTx) error {
		row, ok, err := loadSetRow(r,
			"SELECT version, snapshot_version, state, error_str FROM flx_subscription_sets ORDER BY version DESC LIMIT 1")
		if err != nil {
			return err
		}
		if !ok {
			set = newSyntheticSet(s, 0, types.StatePending)
			return nil
		}
		set, err = loadSet(s, r, row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// GetActive returns a snapshot of the highest version in the Complete
// state. If no set has completed bootstrapping yet, a synthetic empty set
// at version 0 is returned.
func (s *Store) GetActive() (*SubscriptionSet, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var set *SubscriptionSet
	err := s.db.View(func(r *sqlite.ReadTx) error {
		row, ok, err := loadSetRow(r,
			"SELECT version, snapshot_version, state, error_str FROM flx_subscription_sets WHERE state = ? ORDER BY version DESC LIMIT 1",
			int(types.StateComplete))
		if err != nil {
			return err
		}
		if !ok {
			set = newSyntheticSet(s, 0, types.StateComplete)
			return nil
		}
		set, err = loadSet(s, r, row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// GetByVersion returns a snapshot of exactly the given version. Versions
// whose rows have been trimmed but that are at or below the latest version
// return a placeholder in Superseded; versions that never existed fail
// with ErrVersionNotFound.
func (s *Store) GetByVersion(version int64) (*SubscriptionSet, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var set *SubscriptionSet
	err := s.db.View(func(r *sqlite.ReadTx) error {
		row, ok, err := loadSetRow(r,
			"SELECT version, snapshot_version, state, error_str FROM flx_subscription_sets WHERE version = ?",
			version)
		if err != nil {
			return err
		}
		if ok {
			set, err = loadSet(s, r, row)
			return err
		}
		latest, err := latestVersion(r)
		if err != nil {
			return err
		}
		if version >= 1 && version <= latest {
			set = newSyntheticSet(s, version, types.StateSuperseded)
			return nil
		}
		return fmt.Errorf("version %d: %w", version, types.ErrVersionNotFound)
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// GetVersionInfo returns the latest, active, and pending-mark versions,
// all read from the same snapshot so the three values are coherent.
func (s *Store) GetVersionInfo() (types.VersionInfo, error) {
	info := types.VersionInfo{PendingMark: types.EmptyVersion}
	if err := s.checkOpen(); err != nil {
		return info, err
	}
	err := s.db.View(func(r *sqlite.ReadTx) error {
		err := r.QueryRow(
			`SELECT COALESCE(MAX(version), 0),
                COALESCE((SELECT MAX(version) FROM flx_subscription_sets WHERE state = ?), 0),
                COALESCE((SELECT MAX(version) FROM flx_subscription_sets WHERE state = ?), ?)
             FROM flx_subscription_sets`,
			int(types.StateComplete), int(types.StateAwaitingMark), types.EmptyVersion,
		).Scan(&info.Latest, &info.Active, &info.PendingMark)
		if err != nil {
			return fmt.Errorf("reading version info: %w", err)
		}
		return nil
	})
	return info, err
}

// WouldRefresh reports whether the host database has commits strictly
// after the given database version.
func (s *Store) WouldRefresh(dbVersion int64) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	current, err := s.db.Version()
	if err != nil {
		return false, err
	}
	return current > dbVersion, nil
}

// GetTablesForLatest returns the sorted object-class names referenced by
// the latest subscription set, read inside the caller's snapshot. The sync
// client uses this to shape its schema.
func (s *Store) GetTablesForLatest(r *sqlite.ReadTx) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	latest, err := latestVersion(r)
	if err != nil {
		return nil, err
	}
	rows, err := r.Query(
		"SELECT DISTINCT object_class_name FROM flx_subscriptions WHERE set_version = ? ORDER BY object_class_name",
		latest)
	if err != nil {
		return nil, fmt.Errorf("reading tables for latest set: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("reading tables for latest set: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// GetNextPendingVersion returns the lowest version strictly after the
// given one that is still Pending or Bootstrapping, with the database
// version its rows were committed at. Returns nil if there is none.
func (s *Store) GetNextPendingVersion(afterVersion int64) (*types.PendingSubscription, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var pending *types.PendingSubscription
	err := s.db.View(func(r *sqlite.ReadTx) error {
		var p types.PendingSubscription
		err := r.QueryRow(
			`SELECT version, snapshot_version FROM flx_subscription_sets
             WHERE version > ? AND state IN (?, ?) ORDER BY version ASC LIMIT 1`,
			afterVersion, int(types.StatePending), int(types.StateBootstrapping),
		).Scan(&p.QueryVersion, &p.SnapshotVersion)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading next pending version: %w", err)
		}
		pending = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// GetPendingSubscriptions returns snapshots of every version the sync
// client still owes work for (Pending, Bootstrapping, or AwaitingMark), in
// ascending version order.
func (s *Store) GetPendingSubscriptions() ([]*SubscriptionSet, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var sets []*SubscriptionSet
	err := s.db.View(func(r *sqlite.ReadTx) error {
		rows, err := r.Query(
			`SELECT version, snapshot_version, state, error_str FROM flx_subscription_sets
             WHERE state IN (?, ?, ?) ORDER BY version ASC`,
			int(types.StatePending), int(types.StateBootstrapping), int(types.StateAwaitingMark))
		if err != nil {
			return fmt.Errorf("reading pending subscription sets: %w", err)
		}
		defer rows.Close()

		var pendingRows []setRow
		for rows.Next() {
			var sr setRow
			if err := rows.Scan(&sr.version, &sr.snapshotVersion, &sr.state, &sr.errorStr); err != nil {
				return fmt.Errorf("reading pending subscription sets: %w", err)
			}
			pendingRows = append(pendingRows, sr)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, sr := range pendingRows {
			set, err := loadSet(s, r, sr)
			if err != nil {
				return err
			}
			sets = append(sets, set)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sets, nil
}

// SetError moves the given version to Error with the given message. Fails
// with ErrInvalidTransition if the version is Complete or in a terminal
// state. Outstanding notifiers for the version resolve with a *SetError
// carrying the message.
func (s *Store) SetError(version int64, errorStr string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	err := s.db.Update(func(w *sqlite.WriteTx) error {
		row, err := requireSetRow(w, version)
		if err != nil {
			return err
		}
		switch row.state {
		case types.StatePending, types.StateBootstrapping, types.StateAwaitingMark:
		default:
			return fmt.Errorf("set error on %s version %d: %w",
				row.state, version, types.ErrInvalidTransition)
		}
		return s.updateState(w, version, row.state, types.StateError, errorStr)
	})
	if err != nil {
		return err
	}
	s.clearAttempts(version)
	return s.ReportProgress()
}

// BeginBootstrap moves the given version from Pending to Bootstrapping.
// It must be called inside the write transaction that persists the first
// bootstrap changeset; notifications fire on the ReportProgress that
// follows the caller's commit. No-op if the version is already
// Bootstrapping or beyond; fails if it is terminal.
func (s *Store) BeginBootstrap(w *sqlite.WriteTx, version int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	row, err := requireSetRow(w, version)
	if err != nil {
		return err
	}
	switch row.state {
	case types.StatePending:
		if err := s.updateState(w, version, row.state, types.StateBootstrapping, ""); err != nil {
			return err
		}
		s.bumpAttempt(version)
		return nil
	case types.StateBootstrapping, types.StateAwaitingMark, types.StateComplete:
		return nil
	default:
		return fmt.Errorf("begin bootstrap on %s version %d: %w",
			row.state, version, types.ErrInvalidTransition)
	}
}

// CompleteBootstrap moves the given version to AwaitingMark and supersedes
// every earlier version still Pending, Bootstrapping, or AwaitingMark; a
// previously Complete version stays Complete until this one reaches
// Complete. It must be called inside the write transaction that removes the
// final pending changeset. No-op if the version is already AwaitingMark or
// Complete; fails if it is terminal.
func (s *Store) CompleteBootstrap(w *sqlite.WriteTx, version int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.doCompleteBootstrap(w, version, types.StateAwaitingMark)
}

// doCompleteBootstrap advances a version to newState (AwaitingMark on the
// normal bootstrap path, Complete on the client-reset path) and supersedes
// strictly earlier versions in the same transaction, as supersedeOlder
// describes for newState.
func (s *Store) doCompleteBootstrap(w *sqlite.WriteTx, version int64, newState types.State) error {
	row, err := requireSetRow(w, version)
	if err != nil {
		return err
	}
	switch row.state {
	case types.StateComplete:
		return nil
	case types.StateError, types.StateSuperseded:
		return fmt.Errorf("complete bootstrap on %s version %d: %w",
			row.state, version, types.ErrInvalidTransition)
	case types.StateAwaitingMark:
		if newState != types.StateComplete {
			return nil
		}
	}
	if err := s.updateState(w, version, row.state, newState, ""); err != nil {
		return err
	}
	if err := s.supersedeOlder(w, version, newState); err != nil {
		return err
	}
	if newState == types.StateComplete {
		s.clearAttempts(version)
	}
	return nil
}

// CancelBootstrap rolls the given version back from Bootstrapping to
// Pending, but only for the first bootstrap attempt. No-op in every other
// case.
func (s *Store) CancelBootstrap(w *sqlite.WriteTx, version int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	row, err := requireSetRow(w, version)
	if err != nil {
		return err
	}
	if row.state != types.StateBootstrapping || s.attempts(version) != 1 {
		return nil
	}
	return s.updateState(w, version, row.state, types.StatePending, "")
}

// DownloadComplete reports that a download mark has arrived: the version
// in AwaitingMark, if any, advances to Complete.
func (s *Store) DownloadComplete() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var completed int64 = types.EmptyVersion
	err := s.db.Update(func(w *sqlite.WriteTx) error {
		var version sql.NullInt64
		err := w.QueryRow(
			"SELECT MAX(version) FROM flx_subscription_sets WHERE state = ?",
			int(types.StateAwaitingMark),
		).Scan(&version)
		if err != nil {
			return fmt.Errorf("finding set awaiting mark: %w", err)
		}
		if !version.Valid {
			return nil
		}
		if err := s.updateState(w, version.Int64, types.StateAwaitingMark, types.StateComplete, ""); err != nil {
			return err
		}
		if err := s.supersedeOlder(w, version.Int64, types.StateComplete); err != nil {
			return err
		}
		completed = version.Int64
		return nil
	})
	if err != nil {
		return err
	}
	if completed == types.EmptyVersion {
		return nil
	}
	s.clearAttempts(completed)
	return s.ReportProgress()
}

// MarkActiveAsComplete forces the latest subscription set to Complete
// without going through the bootstrap flow. Used by client reset, where
// the data matching the set has been copied in wholesale. Returns the
// version that became active; 0 if the store is empty.
func (s *Store) MarkActiveAsComplete(w *sqlite.WriteTx) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	latest, err := latestVersion(w)
	if err != nil {
		return 0, err
	}
	if latest == 0 {
		return 0, nil
	}
	if err := s.doCompleteBootstrap(w, latest, types.StateComplete); err != nil {
		return 0, err
	}
	return latest, nil
}

// SetActiveAsLatest promotes the current Complete version to be the head:
// every strictly higher non-terminal version becomes Superseded. No-op if
// the active version is already the head. Returns the active version; 0 if
// no set has completed.
func (s *Store) SetActiveAsLatest(w *sqlite.WriteTx) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var active int64
	err := w.QueryRow(
		"SELECT COALESCE(MAX(version), 0) FROM flx_subscription_sets WHERE state = ?",
		int(types.StateComplete),
	).Scan(&active)
	if err != nil {
		return 0, fmt.Errorf("finding active set: %w", err)
	}
	if active == 0 {
		return 0, nil
	}
	res, err := w.Exec(
		"UPDATE flx_subscription_sets SET state = ? WHERE version > ? AND state IN (?, ?, ?)",
		int(types.StateSuperseded), active,
		int(types.StatePending), int(types.StateBootstrapping), int(types.StateAwaitingMark))
	if err != nil {
		return 0, fmt.Errorf("superseding sets above active: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Info("promoted active subscription set to head",
			zap.Int64("version", active), zap.Int64("superseded", n))
	}
	return active, nil
}

// Reset empties both subscription tables and resolves every outstanding
// notification with Superseded. Used by client reset before rebuilding the
// store from scratch.
func (s *Store) Reset(w *sqlite.WriteTx) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := w.Exec("DELETE FROM flx_subscriptions"); err != nil {
		return fmt.Errorf("clearing subscriptions: %w", err)
	}
	if _, err := w.Exec("DELETE FROM flx_subscription_sets"); err != nil {
		return fmt.Errorf("clearing subscription sets: %w", err)
	}
	s.attemptsMu.Lock()
	s.bootstrapAttempts = make(map[int64]int)
	s.attemptsMu.Unlock()

	s.log.Info("subscription store reset")
	s.resolveAll(types.StateChange{State: types.StateSuperseded})
	return nil
}

// updateState writes a state transition for one version and logs it.
func (s *Store) updateState(w *sqlite.WriteTx, version int64, from, to types.State, errorStr string) error {
	_, err := w.Exec(
		"UPDATE flx_subscription_sets SET state = ?, error_str = ? WHERE version = ?",
		int(to), errorStr, version)
	if err != nil {
		return fmt.Errorf("updating state of version %d: %w", version, err)
	}
	s.log.Debug("subscription set state changed",
		zap.Int64("version", version),
		zap.Stringer("from", from),
		zap.Stringer("to", to))
	return nil
}

// supersedeOlder moves every version strictly below the given one that is
// still in flight to Superseded, in the same transaction. Once reachedState
// is Complete the sweep also covers the previously active version: at most
// one Complete set exists at any time. At AwaitingMark the old active
// survives, since the new set is not caught up yet.
func (s *Store) supersedeOlder(w *sqlite.WriteTx, version int64, reachedState types.State) error {
	swept := []any{
		int(types.StatePending), int(types.StateBootstrapping), int(types.StateAwaitingMark),
	}
	if reachedState == types.StateComplete {
		swept = append(swept, int(types.StateComplete))
	}
	args := append([]any{int(types.StateSuperseded), version}, swept...)
	res, err := w.Exec(
		fmt.Sprintf("UPDATE flx_subscription_sets SET state = ? WHERE version < ? AND state IN (?%s)",
			strings.Repeat(", ?", len(swept)-1)),
		args...)
	if err != nil {
		return fmt.Errorf("superseding older sets: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("superseded older subscription sets",
			zap.Int64("below_version", version), zap.Int64("count", n))
	}
	return nil
}

// Bootstrap attempt tracking for CancelBootstrap's first-attempt rule.

func (s *Store) bumpAttempt(version int64) {
	s.attemptsMu.Lock()
	defer s.attemptsMu.Unlock()
	s.bootstrapAttempts[version]++
}

func (s *Store) attempts(version int64) int {
	s.attemptsMu.Lock()
	defer s.attemptsMu.Unlock()
	return s.bootstrapAttempts[version]
}

func (s *Store) clearAttempts(version int64) {
	s.attemptsMu.Lock()
	defer s.attemptsMu.Unlock()
	delete(s.bootstrapAttempts, version)
}
