package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/flexsync/pkg/sqlite"
	"github.com/mesh-intelligence/flexsync/pkg/types"
)

// timeFormat is the storage format for subscription timestamps. Nanosecond
// precision keeps repeated insert-or-assign calls distinguishable through
// updated_at.
const timeFormat = time.RFC3339Nano

// SubscriptionSet is a read-only value snapshot of one subscription set
// version. It stays valid after the transaction it was read in ends, and
// is freely shareable between goroutines. Refresh re-reads it in place.
type SubscriptionSet struct {
	store *Store

	version         int64
	state           types.State
	errorStr        string
	snapshotVersion int64
	subs            []types.Subscription
}

// newSyntheticSet builds the placeholder sets the store hands out when no
// real row backs a version: the empty version-0 sets of GetLatest and
// GetActive, and the Superseded placeholder for trimmed versions.
func newSyntheticSet(s *Store, version int64, state types.State) *SubscriptionSet {
	return &SubscriptionSet{
		store:   s,
		version: version,
		state:   state,
	}
}

// Version is the query version identifying this set to the server.
func (ss *SubscriptionSet) Version() int64 {
	return ss.version
}

// State is the lifecycle state the set had when this snapshot was read.
func (ss *SubscriptionSet) State() types.State {
	return ss.state
}

// ErrorStr is the server error message; non-empty only in the Error state.
func (ss *SubscriptionSet) ErrorStr() string {
	return ss.errorStr
}

// SnapshotVersion is the database version the set was committed at, or -1
// for an uncommitted mutable set.
func (ss *SubscriptionSet) SnapshotVersion() int64 {
	return ss.snapshotVersion
}

// Size returns the number of subscriptions in the set.
func (ss *SubscriptionSet) Size() int {
	return len(ss.subs)
}

// At returns the subscription at the given position in insertion order.
// It panics if the index is out of range.
func (ss *SubscriptionSet) At(index int) types.Subscription {
	return ss.subs[index]
}

// Subscriptions returns the subscriptions in insertion order. The returned
// slice is a copy.
func (ss *SubscriptionSet) Subscriptions() []types.Subscription {
	out := make([]types.Subscription, len(ss.subs))
	copy(out, ss.subs)
	return out
}

// Find returns the subscription with the given name, or nil. Sets are
// small (dozens of entries), so the scan is linear.
func (ss *SubscriptionSet) Find(name string) *types.Subscription {
	for i := range ss.subs {
		if ss.subs[i].Name == name && ss.subs[i].Name != "" {
			sub := ss.subs[i]
			return &sub
		}
	}
	return nil
}

// FindQuery returns the subscription structurally matching the query (same
// object class, same stringified form), or nil.
func (ss *SubscriptionSet) FindQuery(q types.Query) *types.Subscription {
	for i := range ss.subs {
		if ss.subs[i].SameQuery(q) {
			sub := ss.subs[i]
			return &sub
		}
	}
	return nil
}

// Refresh re-reads the set from the database in place. A set whose row has
// been trimmed becomes an empty Superseded placeholder. Previously
// returned subscription slices are not updated.
func (ss *SubscriptionSet) Refresh() error {
	s := ss.store
	if s == nil || s.Closed() {
		return types.ErrStoreClosed
	}
	if ss.version == 0 {
		return nil
	}
	return s.db.View(func(r *sqlite.ReadTx) error {
		row, ok, err := loadSetRow(r,
			"SELECT version, snapshot_version, state, error_str FROM flx_subscription_sets WHERE version = ?",
			ss.version)
		if err != nil {
			return err
		}
		if !ok {
			ss.state = types.StateSuperseded
			ss.errorStr = ""
			ss.subs = nil
			return nil
		}
		fresh, err := loadSet(s, r, row)
		if err != nil {
			return err
		}
		*ss = *fresh
		return nil
	})
}

// MakeMutableCopy clones this set into a mutable copy bound to a new write
// transaction. The copy starts Uncommitted with the same subscriptions;
// committing it produces the next version. The write lock is held until
// Commit or Rollback, so at most one mutable set is in flight.
func (ss *SubscriptionSet) MakeMutableCopy() (*MutableSubscriptionSet, error) {
	s := ss.store
	if s == nil || s.Closed() {
		return nil, types.ErrStoreClosed
	}
	w, err := s.db.BeginWrite()
	if err != nil {
		return nil, err
	}
	subs := make([]types.Subscription, len(ss.subs))
	copy(subs, ss.subs)
	return &MutableSubscriptionSet{
		SubscriptionSet: SubscriptionSet{
			store:           s,
			state:           types.StateUncommitted,
			snapshotVersion: -1,
			subs:            subs,
		},
		w: w,
	}, nil
}

// StateChangeNotification returns a channel that receives exactly one
// StateChange: the first state at or beyond notifyWhen the set reaches, an
// earlier terminal state (Superseded), or an error if the set enters Error
// or the store shuts down. A set already at or past the target resolves
// immediately.
func (ss *SubscriptionSet) StateChangeNotification(notifyWhen types.State) <-chan types.StateChange {
	ch := make(chan types.StateChange, 1)
	ss.register(notifyWhen, func(change types.StateChange) {
		ch <- change
	})
	return ch
}

// OnStateChange is the callback form of StateChangeNotification. The
// callback runs exactly once, on whichever goroutine triggers fulfillment;
// callers must not assume a specific thread.
func (ss *SubscriptionSet) OnStateChange(notifyWhen types.State, fn func(types.State, error)) {
	ss.register(notifyWhen, func(change types.StateChange) {
		fn(change.State, change.Err)
	})
}

func (ss *SubscriptionSet) register(notifyWhen types.State, fulfill func(types.StateChange)) {
	s := ss.store
	if s == nil {
		fulfill(types.StateChange{Err: types.ErrStoreClosed})
		return
	}
	s.registerNotification(setRow{
		version:  ss.version,
		state:    ss.state,
		errorStr: ss.errorStr,
	}, notifyWhen, fulfill)
}

// setRow is one row of the subscription-set table.
type setRow struct {
	version         int64
	snapshotVersion int64
	state           types.State
	errorStr        string
}

// queryer abstracts the read methods shared by ReadTx and WriteTx so set
// loading works inside either.
type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// loadSetRow runs a single-row set query; ok is false when no row matched.
func loadSetRow(q queryer, query string, args ...any) (setRow, bool, error) {
	var sr setRow
	err := q.QueryRow(query, args...).Scan(&sr.version, &sr.snapshotVersion, &sr.state, &sr.errorStr)
	if err == sql.ErrNoRows {
		return sr, false, nil
	}
	if err != nil {
		return sr, false, fmt.Errorf("reading subscription set row: %w", err)
	}
	return sr, true, nil
}

// requireSetRow loads the row for exactly the given version, failing with
// ErrVersionNotFound when it does not exist.
func requireSetRow(q queryer, version int64) (setRow, error) {
	sr, ok, err := loadSetRow(q,
		"SELECT version, snapshot_version, state, error_str FROM flx_subscription_sets WHERE version = ?",
		version)
	if err != nil {
		return sr, err
	}
	if !ok {
		return sr, fmt.Errorf("version %d: %w", version, types.ErrVersionNotFound)
	}
	return sr, nil
}

// latestVersion returns the highest committed version, 0 when none exist.
func latestVersion(q queryer) (int64, error) {
	var latest int64
	err := q.QueryRow("SELECT COALESCE(MAX(version), 0) FROM flx_subscription_sets").Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("reading latest version: %w", err)
	}
	return latest, nil
}

// loadSet hydrates a full SubscriptionSet value from its set row and
// subscription rows.
func loadSet(s *Store, q queryer, sr setRow) (*SubscriptionSet, error) {
	subs, err := loadSubscriptions(q, sr.version)
	if err != nil {
		return nil, err
	}
	return &SubscriptionSet{
		store:           s,
		version:         sr.version,
		state:           sr.state,
		errorStr:        sr.errorStr,
		snapshotVersion: sr.snapshotVersion,
		subs:            subs,
	}, nil
}

// loadSubscriptions reads the ordered subscription list of one version.
func loadSubscriptions(q queryer, version int64) ([]types.Subscription, error) {
	rows, err := q.Query(
		`SELECT id, created_at, updated_at, name, object_class_name, query_str
         FROM flx_subscriptions WHERE set_version = ? ORDER BY position ASC`,
		version)
	if err != nil {
		return nil, fmt.Errorf("reading subscriptions of version %d: %w", version, err)
	}
	defer rows.Close()

	var subs []types.Subscription
	for rows.Next() {
		var (
			sub                  types.Subscription
			id                   string
			createdAt, updatedAt string
			name                 sql.NullString
		)
		if err := rows.Scan(&id, &createdAt, &updatedAt, &name, &sub.ObjectClassName, &sub.QueryString); err != nil {
			return nil, fmt.Errorf("reading subscriptions of version %d: %w", version, err)
		}
		if sub.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parsing subscription id %q: %w", id, err)
		}
		if sub.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at of subscription %s: %w", id, err)
		}
		if sub.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at of subscription %s: %w", id, err)
		}
		sub.Name = name.String
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
