package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/systmms/tunrot/internal/audit"
	"github.com/systmms/tunrot/internal/config"
	"github.com/systmms/tunrot/pkg/rotation"
)

// NewRotationStatusCmd creates the rotation status command
func NewRotationStatusCmd(cfg *config.Config) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the pending rotation and the last finalized one",
		Example: `  # Show status as a table
  tunrot rotation status

  # Machine readable
  tunrot rotation status --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			return withCoordinator(cmd.Context(), cfg, func(_ *config.ServerConfig, coord *rotation.Coordinator) error {
				st, err := coord.Status(cmd.Context())
				if err != nil {
					return err
				}
				if format != formatTable {
					return writeStructured(cmd.OutOrStdout(), format, st)
				}
				return printStatusTable(cmd.OutOrStdout(), st)
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", formatTable, "Output format (table, json, yaml)")

	return cmd
}

func printStatusTable(out io.Writer, st rotation.Status) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Active services:\t%s\n", joinOrDash(st.ActiveServices))
	fmt.Fprintf(w, "Conflict policy:\t%s\n", st.ConflictPolicy)
	if st.Blocked {
		fmt.Fprintf(w, "Blocked:\tyes (%s)\n", st.BlockedReason)
	} else {
		fmt.Fprintln(w, "Blocked:\tno")
	}

	if p := st.Pending; p != nil {
		fmt.Fprintf(w, "Pending rotation:\t%s\n", p.RotationID)
		fmt.Fprintf(w, "  Services:\t%s\n", joinOrDash(p.Services))
		fmt.Fprintf(w, "  Created:\t%s\n", fmtTime(p.CreatedAt))
		finalize := fmtTime(p.FinalizeAt)
		if p.Overdue {
			finalize += " (overdue)"
		}
		fmt.Fprintf(w, "  Finalizes:\t%s\n", finalize)
		if p.InitiatedBy != "" {
			fmt.Fprintf(w, "  Initiated by:\t%s\n", p.InitiatedBy)
		}
	} else {
		fmt.Fprintln(w, "Pending rotation:\tnone")
	}

	if f := st.LastFinalized; f != nil {
		fmt.Fprintf(w, "Last finalized:\t%s at %s\n", f.RotationID, fmtTime(f.FinalizedAt))
	} else {
		fmt.Fprintln(w, "Last finalized:\t-")
	}

	return w.Flush()
}

// NewRotationHistoryCmd creates the rotation history command
func NewRotationHistoryCmd(cfg *config.Config) *cobra.Command {
	var (
		limit      int
		event      string
		rotationID string
		format     string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the rotation audit log",
		Example: `  # Last 20 entries
  tunrot rotation history

  # Every event for one rotation
  tunrot rotation history --rotation-id 6c1f... --limit 0

  # Only finalizations
  tunrot rotation history --event FINALIZE`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			filter := audit.Filter{
				Event:      audit.Event(strings.ToUpper(event)),
				RotationID: rotationID,
				Limit:      limit,
			}
			return withCoordinator(cmd.Context(), cfg, func(_ *config.ServerConfig, coord *rotation.Coordinator) error {
				entries, err := coord.History(filter)
				if err != nil {
					return err
				}
				if format != formatTable {
					return writeStructured(cmd.OutOrStdout(), format, entries)
				}
				return printHistoryTable(cmd.OutOrStdout(), entries)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Show at most this many entries (0 for all)")
	cmd.Flags().StringVar(&event, "event", "", "Only show this event (STAGE, CANCEL, FINALIZE, UNBLOCK)")
	cmd.Flags().StringVar(&rotationID, "rotation-id", "", "Only show entries for this rotation")
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format (table, json, yaml)")

	return cmd
}

func printHistoryTable(out io.Writer, entries []audit.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tROTATION\tOUTCOME\tACTOR\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			fmtTime(e.Timestamp), e.Event, orDash(e.RotationID), e.Outcome, orDash(e.Actor), orDash(e.Detail))
	}
	return w.Flush()
}

// NewRotationBackupsCmd creates the rotation backups command
func NewRotationBackupsCmd(cfg *config.Config) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List backups of the server tokens file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			return withCoordinator(cmd.Context(), cfg, func(_ *config.ServerConfig, coord *rotation.Coordinator) error {
				backups, err := coord.Backups()
				if err != nil {
					return err
				}
				if format != formatTable {
					return writeStructured(cmd.OutOrStdout(), format, backups)
				}
				if len(backups) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No backups.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tSIZE\tPATH")
				for _, b := range backups {
					fmt.Fprintf(w, "%s\t%d\t%s\n", fmtTime(b.Timestamp), b.Size, b.Path)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", formatTable, "Output format (table, json, yaml)")

	return cmd
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
