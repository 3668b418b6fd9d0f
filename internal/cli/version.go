package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/flexsync/pkg/flexsync"
)

const modulePath = "github.com/mesh-intelligence/flexsync"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the flexsync version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "flexsync v%s\nmodule: %s\n", flexsync.Version, modulePath)
			return nil
		},
	}
}
