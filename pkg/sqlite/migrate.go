// Lazy creation and migration of the subscription tables.
package sqlite

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/flexsync/pkg/types"
)

// Column type names used by addColumn / defaultForColumnType.
const (
	columnTypeText      = "text"
	columnTypeInt       = "int"
	columnTypeBool      = "bool"
	columnTypeTimestamp = "timestamp"
	columnTypeMixed     = "mixed"
)

// EnsureSubscriptionSchema creates the subscription and subscription-set
// tables if they do not exist. If the set table predates the state column
// (the legacy layout), the column is added and backfilled: the highest
// extant version is inferred to be Complete, any earlier versions
// Superseded.
func EnsureSubscriptionSchema(w *WriteTx) error {
	legacy, err := tableExistsWithoutColumn(w, "flx_subscription_sets", "state")
	if err != nil {
		return err
	}

	for _, ddl := range []string{
		createSubscriptionSets,
		createSubscriptions,
		createSubscriptionsIndex,
	} {
		if _, err := w.Exec(ddl); err != nil {
			return fmt.Errorf("creating subscription tables: %w", err)
		}
	}

	if legacy {
		return migrateLegacySetTable(w)
	}
	return nil
}

// tableExistsWithoutColumn reports whether table exists but lacks column.
// A missing table reports false; the IF NOT EXISTS DDL then creates the
// current layout directly.
func tableExistsWithoutColumn(w *WriteTx, table, column string) (bool, error) {
	rows, err := w.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("inspecting table %s: %w", table, err)
	}
	defer rows.Close()

	exists := false
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("inspecting table %s: %w", table, err)
		}
		exists = true
		if name == column {
			return false, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("inspecting table %s: %w", table, err)
	}
	return exists, nil
}

// migrateLegacySetTable adds the state column to a legacy set table and
// infers states for the extant rows: the sole (highest) version is assumed
// to have been the active set and becomes Complete; anything below it is
// Superseded.
func migrateLegacySetTable(w *WriteTx) error {
	if err := addColumn(w, "flx_subscription_sets", "state", columnTypeInt); err != nil {
		return err
	}

	_, err := w.Exec(
		`UPDATE flx_subscription_sets SET state = CASE
            WHEN version = (SELECT MAX(version) FROM flx_subscription_sets) THEN ?
            ELSE ?
        END`,
		int(types.StateComplete), int(types.StateSuperseded),
	)
	if err != nil {
		return fmt.Errorf("backfilling legacy states: %w", err)
	}

	w.d.log.Info("migrated legacy subscription set table",
		zap.String("table", "flx_subscription_sets"),
		zap.String("column", "state"))
	return nil
}

// addColumn adds a column with the default value appropriate for its type.
func addColumn(w *WriteTx, table, column, columnType string) error {
	_, err := w.Exec(fmt.Sprintf(
		"ALTER TABLE %s ADD COLUMN %s %s NOT NULL DEFAULT %v",
		table, column, sqlType(columnType), defaultForColumnType(columnType),
	))
	if err != nil {
		return fmt.Errorf("adding column %s.%s: %w", table, column, err)
	}
	return nil
}

// sqlType maps a column type name to its SQLite storage type.
func sqlType(columnType string) string {
	switch columnType {
	case columnTypeText, columnTypeTimestamp:
		return "TEXT"
	default:
		return "INTEGER"
	}
}

// defaultForColumnType returns the backfill default for a column type.
// Note: the mixed type falls through to integer zero. This mirrors the
// behavior of the original default-value helper; whether int-zero is the
// intended default for mixed-typed columns there is unresolved, and no new
// semantics are invented here.
func defaultForColumnType(columnType string) any {
	switch columnType {
	case columnTypeText, columnTypeTimestamp:
		return "''"
	case columnTypeBool:
		return 0
	case columnTypeInt:
		return 0
	case columnTypeMixed:
		fallthrough
	default:
		return 0
	}
}
