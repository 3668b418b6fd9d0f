package types

import (
	"time"

	"github.com/google/uuid"
)

// Query is a serialized query over one object class. The query string is
// opaque to the store; two queries are the same when both the class and the
// stringified form match.
type Query struct {
	ClassName   string
	QueryString string
}

// Subscription is a single named or unnamed query over one object class.
// Subscriptions are immutable once their set has been committed.
type Subscription struct {
	// ID uniquely identifies this subscription across the process.
	ID uuid.UUID
	// CreatedAt is when the subscription was first inserted.
	CreatedAt time.Time
	// UpdatedAt advances when an insert-or-assign re-binds an existing
	// name to a new query.
	UpdatedAt time.Time
	// Name is the dedup key within a set; empty for unnamed subscriptions.
	Name string
	// ObjectClassName is the class the query ranges over.
	ObjectClassName string
	// QueryString is the opaque serialized query payload.
	QueryString string
}

// HasName reports whether the subscription was created with a name.
func (s Subscription) HasName() bool {
	return s.Name != ""
}

// NameOrID returns the subscription name, or the string form of its ID for
// unnamed subscriptions. This is the key used in the ext-JSON wire format.
func (s Subscription) NameOrID() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID.String()
}

// SameQuery reports whether the subscription matches q structurally: same
// object class and same stringified query.
func (s Subscription) SameQuery(q Query) bool {
	return s.ObjectClassName == q.ClassName && s.QueryString == q.QueryString
}
