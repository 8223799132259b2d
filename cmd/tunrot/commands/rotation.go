package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/systmms/tunrot/internal/config"
	dserrors "github.com/systmms/tunrot/internal/errors"
	"github.com/systmms/tunrot/pkg/rotation"
	"github.com/systmms/tunrot/pkg/tokens"
)

// NewRotationCommand creates the parent 'rotation' command
func NewRotationCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotation",
		Short: "Stage, cancel and finalize token rotations",
		Long: `Operate on the server's pending rotation.

Only one rotation can be pending at a time. Clients pick it up on their
next poll, and the server promotes it to the active token set when the
grace period ends.

Examples:
  # Stage freshly generated tokens for every active service
  tunrot rotation stage --generate

  # Stage an explicit token for one service, finalizing in 10 minutes
  tunrot rotation stage --token svc1=3f9a... --grace 10

  # Promote the pending rotation now
  tunrot rotation finalize`,
	}

	cmd.AddCommand(
		newRotationStageCmd(cfg),
		newRotationCancelCmd(cfg),
		newRotationFinalizeCmd(cfg),
		newRotationUnblockCmd(cfg),
		NewRotationStatusCmd(cfg),
		NewRotationHistoryCmd(cfg),
		NewRotationBackupsCmd(cfg),
	)

	return cmd
}

// withCoordinator runs fn against a coordinator built for one CLI call.
// Rotations staged here are armed by the running daemon's reconciler.
func withCoordinator(ctx context.Context, cfg *config.Config, fn func(*config.ServerConfig, *rotation.Coordinator) error) error {
	srv, err := loadServer(cfg)
	if err != nil {
		return err
	}
	coord, deps, err := newCoordinator(ctx, cfg, srv, clock.RealClock{}, nil)
	if err != nil {
		return err
	}
	defer deps.close()
	return fn(srv, coord)
}

func printOutcome(w io.Writer, outcome rotation.Outcome, id string) {
	switch outcome {
	case rotation.OutcomeApplied:
		fmt.Fprintf(w, "applied: %s\n", id)
	default:
		fmt.Fprintln(w, "already in state")
	}
}

func newRotationStageCmd(cfg *config.Config) *cobra.Command {
	var (
		pairs    []string
		generate bool
		grace    int
	)

	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Stage a new token set as the pending rotation",
		Long: `Stage a new token set.

The staged set becomes the complete active set at finalize. --token
overrides are merged onto the current active tokens, so services you do
not name keep their current value. --generate creates a random token for
every active service before the overrides are applied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(pairs) == 0 && !generate {
				return fmt.Errorf("nothing to stage: pass --token service=value or --generate")
			}
			var overrides tokens.TokenSet
			if len(pairs) > 0 {
				var err error
				if overrides, err = tokens.Parse(pairs); err != nil {
					return dserrors.ForOperator("stage", fmt.Errorf("%w: %w", dserrors.ErrMalformedPayload, err))
				}
			}

			return withCoordinator(cmd.Context(), cfg, func(srv *config.ServerConfig, coord *rotation.Coordinator) error {
				active, err := serverTokenStore(srv).Load()
				if err != nil {
					return err
				}

				staged := active.Clone()
				if staged == nil {
					staged = tokens.TokenSet{}
				}
				if generate {
					fresh, err := tokens.Generate(active.Services(), srv.TokenLength)
					if err != nil {
						return err
					}
					for svc, tok := range fresh {
						staged[svc] = tok
					}
				}
				for svc, tok := range overrides {
					staged[svc] = tok
				}

				if !cmd.Flags().Changed("grace") {
					grace = srv.Grace()
				}
				id, err := coord.StageRotation(cmd.Context(), staged, grace, cliActor())
				if err != nil {
					return dserrors.ForOperator("stage", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "staged: %s (%d service(s), grace %d minute(s))\n", id, len(staged), grace)
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&pairs, "token", nil, "Token override as service=value (repeatable)")
	cmd.Flags().BoolVar(&generate, "generate", false, "Generate new tokens for every active service")
	cmd.Flags().IntVar(&grace, "grace", 0, "Grace period in minutes (default: server.grace_minutes)")

	return cmd
}

func newRotationCancelCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Discard the pending rotation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), cfg, func(_ *config.ServerConfig, coord *rotation.Coordinator) error {
				id, err := coord.CancelPending(cmd.Context(), cliActor())
				switch {
				case errors.Is(err, dserrors.ErrNoPendingRotation):
					printOutcome(cmd.OutOrStdout(), rotation.OutcomeAlreadyInState, "")
					return nil
				case err != nil:
					return dserrors.ForOperator("cancel", err)
				}
				printOutcome(cmd.OutOrStdout(), rotation.OutcomeApplied, id)
				return nil
			})
		},
	}
}

func newRotationFinalizeCmd(cfg *config.Config) *cobra.Command {
	var rotationID string

	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Promote the pending rotation to the active token set now",
		Long: `Finalize the pending rotation without waiting for its grace period.

With --rotation-id the call only acts if that rotation is still pending,
which makes it safe to retry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), cfg, func(_ *config.ServerConfig, coord *rotation.Coordinator) error {
				result, err := coord.Finalize(cmd.Context(), rotationID, cliActor())
				if err != nil {
					return dserrors.ForOperator("finalize", err)
				}
				printOutcome(cmd.OutOrStdout(), result.Outcome, result.RotationID)
				if result.Backup != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "backup: %s\n", result.Backup.Path)
				}
				if result.ReloadErr != nil {
					logger(cfg).Warn("Tokens were promoted but the reload failed: %v", result.ReloadErr)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&rotationID, "rotation-id", "", "Only finalize if this rotation is pending")

	return cmd
}

func newRotationUnblockCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock",
		Short: "Clear the blocked state after a failed finalize",
		Long: `Clear the blocked state.

A finalize that fails to write the tokens file blocks further staging and
finalizing. Check the tokens file and the audit log, repair what is needed,
then run this command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), cfg, func(_ *config.ServerConfig, coord *rotation.Coordinator) error {
				outcome, err := coord.Unblock(cmd.Context(), cliActor())
				if err != nil {
					return dserrors.ForOperator("unblock", err)
				}
				printOutcome(cmd.OutOrStdout(), outcome, "unblocked")
				return nil
			})
		},
	}
}
