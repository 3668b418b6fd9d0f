// Schema DDL for the flexsync metadata tables.
package sqlite

// The meta table holds a single row tracking the database version. Every
// committed write transaction advances it by one; subscription sets record
// the value they were committed at as their snapshot version.
const createMeta = `CREATE TABLE IF NOT EXISTS flx_meta (
    id INTEGER PRIMARY KEY CHECK (id = 0),
    db_version INTEGER NOT NULL
);`

// One row per subscription set version. State values are the integer codes
// of types.State and are an on-disk contract.
const createSubscriptionSets = `CREATE TABLE IF NOT EXISTS flx_subscription_sets (
    version INTEGER PRIMARY KEY,
    snapshot_version INTEGER NOT NULL,
    state INTEGER NOT NULL,
    error_str TEXT NOT NULL DEFAULT ''
);`

// One row per subscription per set version: a subscription carried into a
// later version keeps its id and gets a row under that version too. The
// (set_version, position) pair is the relational rendering of the set's
// ordered subscription list.
const createSubscriptions = `CREATE TABLE IF NOT EXISTS flx_subscriptions (
    id TEXT NOT NULL,
    set_version INTEGER NOT NULL,
    position INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    name TEXT,
    object_class_name TEXT NOT NULL,
    query_str TEXT NOT NULL,
    PRIMARY KEY (set_version, id),
    FOREIGN KEY (set_version) REFERENCES flx_subscription_sets(version)
);`

const createSubscriptionsIndex = `CREATE INDEX IF NOT EXISTS idx_flx_subscriptions_set
    ON flx_subscriptions(set_version, position);`
