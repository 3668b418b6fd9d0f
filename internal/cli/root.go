// Package cli implements the flexsync inspection command-line interface.
// The subscription store is an embedded library; the CLI exists to examine
// a store file while debugging a sync session.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mesh-intelligence/flexsync/pkg/sqlite"
	"github.com/mesh-intelligence/flexsync/pkg/store"
	"github.com/mesh-intelligence/flexsync/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
)

const envPrefix = "FLEXSYNC"

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	dbPath string
}

var flags rootFlags

// NewRootCmd creates the top-level "flexsync" command with global flags
// and all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flexsync",
		Short: "Inspect a flexible sync subscription store",
		Long: "Flexsync examines the subscription sets recorded in a sync\n" +
			"client's store file: their versions, states, and queries.",
		// Do not print usage on errors returned by subcommands.
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "subscription store database file (default: $FLEXSYNC_DB)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newSetsCmd())
	root.AddCommand(newShowCmd())
	root.AddCommand(newJSONCmd())

	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(exitUserError)
	}
}

// newViper returns a viper instance with env bindings configured.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// resolveDBPath returns the store path from flag or environment.
func resolveDBPath() (string, error) {
	if flags.dbPath != "" {
		return flags.dbPath, nil
	}
	if path := newViper().GetString("db"); path != "" {
		return path, nil
	}
	return "", fmt.Errorf("no store file given: pass --db or set %s_DB", envPrefix)
}

// openStore opens the store named by flag or environment. The caller must
// close both returned handles, store first.
func openStore() (*store.Store, *sqlite.DB, error) {
	path, err := resolveDBPath()
	if err != nil {
		return nil, nil, err
	}
	db, err := sqlite.Open(types.Config{Path: path})
	if err != nil {
		return nil, nil, fmt.Errorf("open store %s: %w", path, err)
	}
	st, err := store.NewStore(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return st, db, nil
}
