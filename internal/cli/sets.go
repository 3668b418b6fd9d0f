package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/flexsync/pkg/store"
)

func newSetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sets",
		Short: "List all subscription set versions and their states",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()
			defer st.Close()

			info, err := st.GetVersionInfo()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "latest: %d  active: %d  pending mark: %d\n\n",
				info.Latest, info.Active, info.PendingMark)

			sets, err := allSets(st, info.Latest)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tSTATE\tSNAPSHOT\tSUBSCRIPTIONS\tERROR")
			for _, set := range sets {
				fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n",
					set.Version(), set.State(), set.SnapshotVersion(), set.Size(), set.ErrorStr())
			}
			return w.Flush()
		},
	}
}

// allSets loads every version from 1 through latest, including trimmed
// ones, which show as Superseded placeholders.
func allSets(st *store.Store, latest int64) ([]*store.SubscriptionSet, error) {
	var sets []*store.SubscriptionSet
	for v := int64(1); v <= latest; v++ {
		set, err := st.GetByVersion(v)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <version>",
		Short: "Show the subscriptions of one set version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}

			st, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()
			defer st.Close()

			set, err := st.GetByVersion(version)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version %d  state %s  snapshot %d\n",
				set.Version(), set.State(), set.SnapshotVersion())
			if set.ErrorStr() != "" {
				fmt.Fprintf(out, "error: %s\n", set.ErrorStr())
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCLASS\tQUERY\tUPDATED")
			for _, sub := range set.Subscriptions() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					sub.NameOrID(), sub.ObjectClassName, sub.QueryString, sub.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func newJSONCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "json [version]",
		Short: "Print a set's ext-JSON wire form (latest when no version given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()
			defer st.Close()

			var set *store.SubscriptionSet
			if len(args) == 1 {
				version, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				set, err = st.GetByVersion(version)
				if err != nil {
					return err
				}
			} else {
				set, err = st.GetLatest()
				if err != nil {
					return err
				}
			}

			doc, err := set.ToExtJSON()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), doc)
			return nil
		},
	}
}
