package store

import (
	"go.uber.org/zap"

	"github.com/mesh-intelligence/flexsync/pkg/sqlite"
	"github.com/mesh-intelligence/flexsync/pkg/types"
)

// notificationRequest is one pending state-change notifier: a target
// version, the state it is waiting for, and a single-shot fulfillment.
type notificationRequest struct {
	version    int64
	notifyWhen types.State
	fulfill    func(types.StateChange)
}

// registerNotification resolves the request immediately when the version
// is already at or past the target (or terminal), and otherwise parks it
// on the pending list for ReportProgress to fulfill. For versions with no
// backing row (the synthetic empty sets), the snapshot's own state decides
// immediate resolution. Fulfillment never runs with the notifications
// mutex held; callers may re-enter the store.
func (s *Store) registerNotification(snapshot setRow, notifyWhen types.State, fulfill func(types.StateChange)) {
	version := snapshot.version
	if s.Closed() {
		fulfill(types.StateChange{Err: types.ErrStoreClosed})
		return
	}

	var (
		resolved bool
		change   types.StateChange
	)
	err := s.db.View(func(r *sqlite.ReadTx) error {
		row, ok, err := loadSetRow(r,
			"SELECT version, snapshot_version, state, error_str FROM flx_subscription_sets WHERE version = ?",
			version)
		if err != nil {
			return err
		}
		if !ok {
			row = snapshot
		}
		change, resolved = resolveAgainst(row, notifyWhen)
		return nil
	})
	if err != nil {
		fulfill(types.StateChange{Err: err})
		return
	}
	if resolved {
		fulfill(change)
		return
	}

	s.notifyMu.Lock()
	s.pending = append(s.pending, &notificationRequest{
		version:    version,
		notifyWhen: notifyWhen,
		fulfill:    fulfill,
	})
	count := len(s.pending)
	s.notifyMu.Unlock()

	s.log.Debug("registered state change notification",
		zap.Int64("version", version),
		zap.Stringer("notify_when", notifyWhen),
		zap.Int("pending", count))
}

// resolveAgainst decides whether a notifier waiting for notifyWhen is
// fulfilled by the observed row. Terminal states short-circuit: a notifier
// asking for Complete resolves with Superseded or the set's error rather
// than blocking forever. The resolved state may be past the requested one.
func resolveAgainst(row setRow, notifyWhen types.State) (types.StateChange, bool) {
	switch {
	case row.state == types.StateError:
		return types.StateChange{
			State: types.StateError,
			Err:   &types.SetError{Version: row.version, Message: row.errorStr},
		}, true
	case row.state == types.StateSuperseded:
		return types.StateChange{State: types.StateSuperseded}, true
	case row.state.NotifyOrder() >= notifyWhen.NotifyOrder() && row.state.NotifyOrder() > 0:
		return types.StateChange{State: row.state}, true
	default:
		return types.StateChange{}, false
	}
}

// ReportProgress inspects every pending notification against the current
// database state and fulfills the ones whose target version has reached
// (or passed through) the requested state, or has become terminal. It is
// called after every state-changing commit; the sync client also calls it
// after commits it owns.
func (s *Store) ReportProgress() error {
	if s.Closed() {
		return nil
	}

	s.notifyMu.Lock()
	if len(s.pending) == 0 {
		s.notifyMu.Unlock()
		return nil
	}
	versions := make(map[int64]bool, len(s.pending))
	for _, req := range s.pending {
		versions[req.version] = true
	}
	s.notifyMu.Unlock()

	// One snapshot covers every watched version; rows read here are what
	// the fulfillment decisions are based on.
	states := make(map[int64]setRow, len(versions))
	err := s.db.View(func(r *sqlite.ReadTx) error {
		for version := range versions {
			row, ok, err := loadSetRow(r,
				"SELECT version, snapshot_version, state, error_str FROM flx_subscription_sets WHERE version = ?",
				version)
			if err != nil {
				return err
			}
			if ok {
				states[version] = row
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	type fulfillment struct {
		req    *notificationRequest
		change types.StateChange
	}
	var done []fulfillment

	s.notifyMu.Lock()
	kept := s.pending[:0]
	for _, req := range s.pending {
		// Requests registered after the snapshot was taken are judged on
		// the next pass; the snapshot never covered their version.
		if !versions[req.version] {
			kept = append(kept, req)
			continue
		}
		row, ok := states[req.version]
		if !ok {
			// The row is gone: the version was trimmed or the store was
			// reset, either way the set can never progress.
			done = append(done, fulfillment{req, types.StateChange{State: types.StateSuperseded}})
			continue
		}
		if change, resolved := resolveAgainst(row, req.notifyWhen); resolved {
			done = append(done, fulfillment{req, change})
			continue
		}
		kept = append(kept, req)
	}
	s.pending = kept
	s.notifyMu.Unlock()

	for _, f := range done {
		s.log.Debug("fulfilling state change notification",
			zap.Int64("version", f.req.version),
			zap.Stringer("notify_when", f.req.notifyWhen),
			zap.Stringer("state", f.change.State))
		f.req.fulfill(f.change)
	}
	return nil
}

// NotifyAllStateChangeNotifications resolves every pending notification
// with the given error without touching any persisted state. This is the
// broadcast cancel used at shutdown and by the sync client when the
// session ends.
func (s *Store) NotifyAllStateChangeNotifications(err error) {
	s.resolveAll(types.StateChange{Err: err})
}

// resolveAll drains the pending list and fulfills everything with the same
// resolution, outside the mutex.
func (s *Store) resolveAll(change types.StateChange) {
	s.notifyMu.Lock()
	drained := s.pending
	s.pending = nil
	s.notifyMu.Unlock()

	if len(drained) == 0 {
		return
	}
	s.log.Debug("resolving all state change notifications",
		zap.Int("count", len(drained)),
		zap.Stringer("state", change.State),
		zap.Error(change.Err))
	for _, req := range drained {
		req.fulfill(change)
	}
}
