package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/systmms/tunrot/internal/audit"
	"github.com/systmms/tunrot/internal/config"
	dserrors "github.com/systmms/tunrot/internal/errors"
	"github.com/systmms/tunrot/internal/keysource"
	"github.com/systmms/tunrot/internal/metrics"
	"github.com/systmms/tunrot/internal/notifications"
	"github.com/systmms/tunrot/internal/reload"
	"github.com/systmms/tunrot/pkg/agent"
	"github.com/systmms/tunrot/pkg/protocol"
	"github.com/systmms/tunrot/pkg/tokens"
)

// NewAgentCommand creates the parent 'agent' command
func NewAgentCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Keep a tunnel client's tokens in step with the server",
	}
	cmd.AddCommand(
		newAgentRunCmd(cfg),
		newAgentStatusCmd(cfg),
		newAgentLoginCmd(cfg),
	)
	return cmd
}

func newAgentRunCmd(cfg *config.Config) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the rotation server and apply pending rotations",
		Long: `Poll the rotation server on client.poll_interval and apply any pending
rotation to the local tokens file, then reload the tunnel client.

With --once the agent runs a single poll and exits, which suits cron or a
systemd timer. The exit status is non-zero when that poll failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := loadClient(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if once {
				return runAgentOnce(ctx, cfg, cli, cmd.OutOrStdout())
			}
			return runAgent(ctx, cfg, cli)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Poll once and exit")

	return cmd
}

type agentDeps struct {
	notifier *notifications.Manager
	closers  []func()
}

func (d *agentDeps) close() {
	if d.notifier != nil {
		d.notifier.Stop()
	}
	for _, c := range d.closers {
		c()
	}
}

// buildAgent wires an Agent from the client section. The caller must close
// the returned deps.
func buildAgent(ctx context.Context, cfg *config.Config, cli *config.ClientConfig) (*agent.Agent, *agentDeps, error) {
	log := logger(cfg)
	deps := &agentDeps{}

	key, err := keysource.NewResolver(log).ResolveKey(ctx, cli.RotationKey)
	if err != nil {
		return nil, nil, err
	}
	deps.closers = append(deps.closers, key.Destroy)

	client, err := protocol.NewClient(cli.ServerURL, key, cli.Timeout)
	if err != nil {
		deps.close()
		return nil, nil, err
	}

	reloader, err := reload.FromConfig(cli.Reload, log.Named("reload"))
	if err != nil {
		deps.close()
		return nil, nil, err
	}

	deps.notifier, err = notifications.FromConfig(cfg.Definition.Notifications, log.Named("notify"))
	if err != nil {
		deps.close()
		return nil, nil, err
	}
	deps.notifier.Start(ctx)

	a, err := agent.New(agent.Options{
		Name:               cli.Name,
		Poller:             client,
		Tokens:             tokens.NewFileStore(cli.TokensFile, cli.BackupDir()),
		StatePath:          cli.SyncStatePath(),
		Services:           cli.Services,
		AcceptNewServices:  cli.AcceptNewServices,
		ReconcileFinalized: cli.ReconcileFinalized == nil || *cli.ReconcileFinalized,
		Interval:           cli.PollInterval,
		Reloader:           reloader,
		Audit:              audit.NewFileLog(cli.AuditPath()),
		Notifier:           deps.notifier,
		Metrics:            metrics.NewRecorder(),
		Logger:             log.Named("agent"),
	})
	if err != nil {
		deps.close()
		return nil, nil, err
	}
	log.Debug("Polling %s", client.Endpoint())
	return a, deps, nil
}

func runAgentOnce(ctx context.Context, cfg *config.Config, cli *config.ClientConfig, out io.Writer) error {
	a, deps, err := buildAgent(ctx, cfg, cli)
	if err != nil {
		return err
	}
	defer deps.close()

	result, err := a.SyncOnce(ctx)
	if err != nil {
		return dserrors.ForOperator("sync", err)
	}
	switch result.Action {
	case agent.ActionApplied:
		fmt.Fprintf(out, "applied: %s (%s)\n", result.RotationID, result.Source)
	case agent.ActionAlreadyApplied:
		fmt.Fprintln(out, "already in state")
	default:
		fmt.Fprintln(out, "nothing pending")
	}
	return nil
}

func runAgent(ctx context.Context, cfg *config.Config, cli *config.ClientConfig) error {
	log := logger(cfg)

	if cli.Metrics.Enabled {
		metrics.InitMetrics()
	}

	a, deps, err := buildAgent(ctx, cfg, cli)
	if err != nil {
		return err
	}
	defer deps.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })

	if cli.Metrics.Enabled && cli.Metrics.Listen != "" {
		ms := metrics.NewServer(metrics.ServerConfig{
			Addr:         cli.Metrics.Listen,
			Path:         cli.Metrics.Path,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}, log.Named("metrics"))
		g.Go(func() error { return ms.Run(gctx) })
	}

	err = g.Wait()
	log.Info("Sync agent stopped")
	return err
}

func newAgentStatusCmd(cfg *config.Config) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the agent's last sync attempt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			cli, err := loadClient(cfg)
			if err != nil {
				return err
			}
			st, err := agent.LoadState(cli.SyncStatePath())
			if err != nil {
				return err
			}
			if format != formatTable {
				return writeStructured(cmd.OutOrStdout(), format, st)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Server:\t%s\n", cli.ServerURL)
			fmt.Fprintf(w, "Last attempt:\t%s\n", fmtTime(st.LastSyncAttempt))
			fmt.Fprintf(w, "Last outcome:\t%s\n", orDash(string(st.LastSyncOutcome)))
			fmt.Fprintf(w, "Last success:\t%s\n", fmtTime(st.LastSuccess))
			fmt.Fprintf(w, "Last rotation:\t%s\n", orDash(st.LastKnownRotationID))
			if st.LastError != "" {
				fmt.Fprintf(w, "Last error:\t%s\n", st.LastError)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&format, "format", formatTable, "Output format (table, json, yaml)")

	return cmd
}

func newAgentLoginCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store the client rotation key in the OS keyring",
		Long: `Read the rotation key from stdin and store it in the OS keyring.

client.rotation_key must use the keyring source, for example
keyring:tunrot/edge-1.

  echo -n "$KEY" | tunrot agent login`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := loadClient(cfg)
			if err != nil {
				return err
			}
			scheme, location, err := keysource.Parse(cli.RotationKey)
			if err != nil {
				return err
			}
			if scheme != "keyring" {
				return dserrors.ConfigError{
					Field:      "client.rotation_key",
					Value:      scheme + ":...",
					Message:    "login only stores keys for the keyring source",
					Suggestion: "Set client.rotation_key to keyring:tunrot/<client-name>",
				}
			}

			value, err := readKey(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := keysource.StoreInKeyring(location, value); err != nil {
				return fmt.Errorf("failed to store key in keyring: %w", err)
			}
			service, account := keysource.SplitKeyringLocation(location)
			fmt.Fprintf(cmd.OutOrStdout(), "stored rotation key for %s/%s\n", service, account)
			return nil
		},
	}
}

func readKey(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read key: %w", err)
	}
	value := strings.TrimSpace(line)
	if value == "" {
		return "", fmt.Errorf("no key given on stdin")
	}
	return value, nil
}
