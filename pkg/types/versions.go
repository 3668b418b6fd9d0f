package types

// EmptyVersion marks the absence of a subscription set version, for example
// when no set is awaiting its download mark.
const EmptyVersion int64 = -1

// VersionInfo reports the latest, active, and pending-mark versions of a
// store, read from a single snapshot so the three values are coherent.
type VersionInfo struct {
	// Latest is the highest committed version, or 0 when the store is
	// empty.
	Latest int64
	// Active is the highest version in the Complete state, or 0 when no
	// set has completed.
	Active int64
	// PendingMark is the version currently in AwaitingMark, or
	// EmptyVersion when there is none.
	PendingMark int64
}

// PendingSubscription identifies a subscription set version the sync client
// still needs to send to the server, paired with the database version its
// rows were committed at.
type PendingSubscription struct {
	QueryVersion    int64
	SnapshotVersion int64
}

// StateChange is the single-shot resolution value of a state-change
// notification. Exactly one of the two readings applies: a state the set
// actually reached (which may be beyond the requested one), or an error
// when the set entered Error, the store shut down, or the notification was
// cancelled.
type StateChange struct {
	State State
	Err   error
}
