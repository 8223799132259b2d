package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/user"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/utils/clock"

	"github.com/systmms/tunrot/internal/audit"
	"github.com/systmms/tunrot/internal/config"
	"github.com/systmms/tunrot/internal/keysource"
	"github.com/systmms/tunrot/internal/logging"
	"github.com/systmms/tunrot/internal/metrics"
	"github.com/systmms/tunrot/internal/notifications"
	"github.com/systmms/tunrot/internal/reload"
	"github.com/systmms/tunrot/internal/secure"
	"github.com/systmms/tunrot/pkg/rotation"
	"github.com/systmms/tunrot/pkg/tokens"
)

// Output formats shared by read-only commands.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func loadServer(cfg *config.Config) (*config.ServerConfig, error) {
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg.RequireServer()
}

func loadClient(cfg *config.Config) (*config.ClientConfig, error) {
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg.RequireClient()
}

func logger(cfg *config.Config) *logging.Logger {
	if cfg.Logger == nil {
		cfg.Logger = logging.New(false, false)
	}
	return cfg.Logger
}

// cliActor names the operator in audit entries.
func cliActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}

func serverTokenStore(srv *config.ServerConfig) *tokens.FileStore {
	return tokens.NewFileStore(srv.TokensFile, srv.BackupDir())
}

type coordinatorDeps struct {
	key      *secure.Key
	notifier *notifications.Manager
}

func (d *coordinatorDeps) close() {
	if d.notifier != nil {
		d.notifier.Stop()
	}
	if d.key != nil {
		d.key.Destroy()
	}
}

// newCoordinator wires a Coordinator from the server section. The caller
// must close the returned deps, which flushes queued notifications.
func newCoordinator(ctx context.Context, cfg *config.Config, srv *config.ServerConfig, clk clock.Clock, trigger rotation.FinalizeTrigger) (*rotation.Coordinator, *coordinatorDeps, error) {
	log := logger(cfg)
	deps := &coordinatorDeps{}

	key, err := keysource.NewResolver(log).ResolveKey(ctx, srv.RotationKey)
	if err != nil {
		return nil, nil, err
	}
	deps.key = key

	reloader, err := reload.FromConfig(srv.Reload, log.Named("reload"))
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

	coord, err := rotation.NewCoordinator(rotation.CoordinatorOptions{
		StateDir:    srv.StateDir,
		Tokens:      serverTokenStore(srv),
		RotationKey: key,
		Policy:      rotation.ConflictPolicy(srv.ConflictPolicy),
		Clock:       clk,
		Trigger:     trigger,
		Reloader:    reloader,
		Audit:       audit.NewFileLog(srv.AuditPath()),
		Notifier:    deps.notifier,
		Metrics:     metrics.NewRecorder(),
		Logger:      log.Named("coordinator"),
	})
	if err != nil {
		deps.close()
		return nil, nil, err
	}
	return coord, deps, nil
}

func validateFormat(format string) error {
	switch format {
	case formatTable, formatJSON, formatYAML:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (use table, json or yaml)", format)
	}
}

// writeStructured prints v as JSON or YAML.
func writeStructured(w io.Writer, format string, v interface{}) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		defer func() { _ = enc.Close() }()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
