package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/flexsync/pkg/sqlite"
	"github.com/mesh-intelligence/flexsync/pkg/types"
)

// MutableSubscriptionSet is an in-progress edit of a subscription set,
// bound to one open write transaction. It is single-owner and not safe for
// concurrent use. Commit persists the edits as the next version and
// consumes both the set and the transaction; after Commit or Rollback
// every mutating call and a second Commit fail with ErrNotMutable, while
// Rollback is a no-op.
type MutableSubscriptionSet struct {
	SubscriptionSet

	w        *sqlite.WriteTx
	consumed bool
}

func (m *MutableSubscriptionSet) checkMutable() error {
	if m.consumed {
		return types.ErrNotMutable
	}
	if m.store != nil && m.store.Closed() {
		return types.ErrStoreClosed
	}
	if m.state != types.StateUncommitted {
		return fmt.Errorf("set is in state %s: %w", m.state, types.ErrNotMutable)
	}
	return nil
}

// InsertOrAssign inserts a named subscription, or re-binds the existing
// subscription with that name to the new query, bumping its updated_at.
// It returns the subscription's position and whether a new subscription
// was created. An empty name behaves like InsertOrAssignQuery.
func (m *MutableSubscriptionSet) InsertOrAssign(name string, q types.Query) (int, bool, error) {
	if err := m.checkMutable(); err != nil {
		return 0, false, err
	}
	now := time.Now().UTC()

	for i := range m.subs {
		if matched := matchForAssign(m.subs[i], name, q); matched {
			m.subs[i].ObjectClassName = q.ClassName
			m.subs[i].QueryString = q.QueryString
			m.subs[i].UpdatedAt = now
			return i, false, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return 0, false, fmt.Errorf("generating subscription id: %w", err)
	}
	m.subs = append(m.subs, types.Subscription{
		ID:              id,
		CreatedAt:       now,
		UpdatedAt:       now,
		Name:            name,
		ObjectClassName: q.ClassName,
		QueryString:     q.QueryString,
	})
	return len(m.subs) - 1, true, nil
}

// InsertOrAssignQuery inserts an unnamed subscription; the dedup key is
// the (object class, query string) pair. Re-inserting the same query only
// bumps updated_at.
func (m *MutableSubscriptionSet) InsertOrAssignQuery(q types.Query) (int, bool, error) {
	return m.InsertOrAssign("", q)
}

// matchForAssign is the insert-or-assign dedup rule: named subscriptions
// match by name, unnamed ones by structural query equality.
func matchForAssign(sub types.Subscription, name string, q types.Query) bool {
	if name != "" {
		return sub.Name == name
	}
	return sub.Name == "" && sub.SameQuery(q)
}

// Erase removes the subscription with the given name. It reports whether
// anything was removed.
func (m *MutableSubscriptionSet) Erase(name string) (bool, error) {
	if err := m.checkMutable(); err != nil {
		return false, err
	}
	for i := range m.subs {
		if m.subs[i].Name == name && name != "" {
			m.removeAt(i)
			return true, nil
		}
	}
	return false, nil
}

// EraseQuery removes the subscription structurally matching q. It reports
// whether anything was removed.
func (m *MutableSubscriptionSet) EraseQuery(q types.Query) (bool, error) {
	if err := m.checkMutable(); err != nil {
		return false, err
	}
	for i := range m.subs {
		if m.subs[i].SameQuery(q) {
			m.removeAt(i)
			return true, nil
		}
	}
	return false, nil
}

// EraseAt removes the subscription at the given position.
func (m *MutableSubscriptionSet) EraseAt(index int) error {
	if err := m.checkMutable(); err != nil {
		return err
	}
	if index < 0 || index >= len(m.subs) {
		return fmt.Errorf("erase at %d of %d: index out of range", index, len(m.subs))
	}
	m.removeAt(index)
	return nil
}

// EraseByClassName removes every subscription over the given object class.
// It reports whether anything was removed.
func (m *MutableSubscriptionSet) EraseByClassName(className string) (bool, error) {
	if err := m.checkMutable(); err != nil {
		return false, err
	}
	return m.removeIf(func(sub types.Subscription) bool {
		return sub.ObjectClassName == className
	}), nil
}

// EraseByID removes the subscription with the given id. It reports whether
// anything was removed.
func (m *MutableSubscriptionSet) EraseByID(id uuid.UUID) (bool, error) {
	if err := m.checkMutable(); err != nil {
		return false, err
	}
	return m.removeIf(func(sub types.Subscription) bool {
		return sub.ID == id
	}), nil
}

// Clear removes all subscriptions.
func (m *MutableSubscriptionSet) Clear() error {
	if err := m.checkMutable(); err != nil {
		return err
	}
	m.subs = nil
	return nil
}

func (m *MutableSubscriptionSet) removeAt(index int) {
	m.subs = append(m.subs[:index], m.subs[index+1:]...)
}

func (m *MutableSubscriptionSet) removeIf(match func(types.Subscription) bool) bool {
	kept := m.subs[:0]
	removed := false
	for _, sub := range m.subs {
		if match(sub) {
			removed = true
			continue
		}
		kept = append(kept, sub)
	}
	m.subs = kept
	return removed
}

// SetState assigns the state the set will be committed in. For tests and
// internal use; the normal commit path goes to Pending.
func (m *MutableSubscriptionSet) SetState(state types.State) error {
	if m.consumed {
		return types.ErrNotMutable
	}
	if !state.Valid() {
		return fmt.Errorf("state %d: %w", int(state), types.ErrInvalidState)
	}
	m.state = state
	return nil
}

// Commit persists the edits as a new version one above the highest
// existing one, transitions the set to Pending (unless SetState chose
// otherwise), commits the write transaction, and returns a read-only
// snapshot of the just-committed set. The mutable set is unusable
// afterwards.
func (m *MutableSubscriptionSet) Commit() (*SubscriptionSet, error) {
	if m.consumed {
		return nil, types.ErrNotMutable
	}
	if m.store != nil && m.store.Closed() {
		m.Rollback()
		return nil, types.ErrStoreClosed
	}

	s := m.store
	w := m.w

	latest, err := latestVersion(w)
	if err != nil {
		m.Rollback()
		return nil, err
	}
	version := latest + 1
	state := m.state
	if state == types.StateUncommitted {
		state = types.StatePending
	}
	snapshot := w.Version()

	if _, err := w.Exec(
		"INSERT INTO flx_subscription_sets (version, snapshot_version, state, error_str) VALUES (?, ?, ?, '')",
		version, snapshot, int(state),
	); err != nil {
		m.Rollback()
		return nil, fmt.Errorf("inserting subscription set version %d: %w", version, err)
	}
	for i, sub := range m.subs {
		var name any
		if sub.Name != "" {
			name = sub.Name
		}
		if _, err := w.Exec(
			`INSERT INTO flx_subscriptions
                (id, set_version, position, created_at, updated_at, name, object_class_name, query_str)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sub.ID.String(), version, i,
			sub.CreatedAt.UTC().Format(timeFormat), sub.UpdatedAt.UTC().Format(timeFormat),
			name, sub.ObjectClassName, sub.QueryString,
		); err != nil {
			m.Rollback()
			return nil, fmt.Errorf("inserting subscription %s: %w", sub.ID, err)
		}
	}
	if state == types.StateComplete {
		if err := s.supersedeOlder(w, version, state); err != nil {
			m.Rollback()
			return nil, err
		}
	}

	m.consumed = true
	if err := w.Commit(); err != nil {
		return nil, err
	}

	s.log.Info("committed subscription set",
		zap.Int64("version", version),
		zap.Int64("snapshot_version", snapshot),
		zap.Stringer("state", state),
		zap.Int("subscriptions", len(m.subs)))

	committed := &SubscriptionSet{
		store:           s,
		version:         version,
		state:           state,
		errorStr:        "",
		snapshotVersion: snapshot,
		subs:            m.subs,
	}
	m.subs = nil

	if err := s.ReportProgress(); err != nil {
		return committed, err
	}
	return committed, nil
}

// Rollback abandons the edits and releases the write transaction without
// committing. The mutable set is unusable afterwards. Safe to defer;
// Rollback after Commit is a no-op.
func (m *MutableSubscriptionSet) Rollback() error {
	if m.consumed {
		return nil
	}
	m.consumed = true
	return m.w.Rollback()
}
