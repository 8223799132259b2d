package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	dserrors "github.com/systmms/tunrot/internal/errors"
	"github.com/systmms/tunrot/internal/keysource"
	"github.com/systmms/tunrot/internal/logging"
	"gopkg.in/yaml.v3"
)

// Conflict policies for staging while a rotation is already pending.
const (
	ConflictReject  = "reject"
	ConflictReplace = "replace"
)

// Defaults applied after loading.
const (
	DefaultListen            = ":7443"
	DefaultServerStateDir    = "/var/lib/tunrot/server"
	DefaultClientStateDir    = "/var/lib/tunrot/client"
	DefaultGraceMinutes      = 60
	DefaultTokenLength       = 32
	DefaultReconcileInterval = 30 * time.Second
	DefaultPollInterval      = 5 * time.Minute
	DefaultPollTimeout       = 15 * time.Second
	DefaultReloadTimeout     = 30 * time.Second
	DefaultReloadSignal      = "HUP"
	DefaultMetricsPath       = "/metrics"
	minTokenLength           = 16
)

// Config holds the runtime configuration
type Config struct {
	Path       string
	Logger     *logging.Logger
	Definition *Definition
}

// Definition represents the tunrot.yaml structure
type Definition struct {
	Version       int                 `yaml:"version"`
	Server        *ServerConfig       `yaml:"server,omitempty"`
	Client        *ClientConfig       `yaml:"client,omitempty"`
	Notifications *NotificationConfig `yaml:"notifications,omitempty"`
}

// ServerConfig configures the rotation coordinator role.
type ServerConfig struct {
	Listen      string `yaml:"listen,omitempty"`
	StateDir    string `yaml:"state_dir,omitempty"`
	TokensFile  string `yaml:"tokens_file"`
	RotationKey string `yaml:"rotation_key"`

	// ConflictPolicy decides what staging does while a rotation is pending:
	// "reject" (default) or "replace".
	ConflictPolicy string `yaml:"conflict_policy,omitempty"`

	// GraceMinutes is the default grace for staged rotations. Zero means
	// finalize on the next scheduler tick.
	GraceMinutes *int `yaml:"grace_minutes,omitempty"`

	TokenLength       int           `yaml:"token_length,omitempty"`
	ExposeFinalized   *bool         `yaml:"expose_finalized,omitempty"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval,omitempty"`

	Schedule ScheduleConfig `yaml:"schedule,omitempty"`
	Reload   ReloadConfig   `yaml:"reload,omitempty"`
	TLS      TLSConfig      `yaml:"tls,omitempty"`
	Metrics  MetricsConfig  `yaml:"metrics,omitempty"`
}

// ScheduleConfig configures periodic staging.
type ScheduleConfig struct {
	// StageEvery stages a freshly generated token set on this cadence.
	// Zero disables periodic staging.
	StageEvery time.Duration `yaml:"stage_every,omitempty"`
}

// TLSConfig points at a certificate pair managed outside tunrot.
type TLSConfig struct {
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
}

// Enabled reports whether both files are configured
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// MetricsConfig controls prometheus exposition.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
	// Listen starts a dedicated metrics server. Empty serves /metrics on the
	// main listener (server role) or disables exposition (client role).
	Listen string `yaml:"listen,omitempty"`
	Path   string `yaml:"path,omitempty"`
}

// ReloadConfig describes how the local tunnel service picks up new tokens.
// Command takes precedence over PIDFile; with neither set reload is a no-op.
type ReloadConfig struct {
	Command []string      `yaml:"command,omitempty"`
	PIDFile string        `yaml:"pid_file,omitempty"`
	Signal  string        `yaml:"signal,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// ClientConfig configures the sync agent role.
type ClientConfig struct {
	Name         string        `yaml:"name,omitempty"`
	ServerURL    string        `yaml:"server_url"`
	RotationKey  string        `yaml:"rotation_key"`
	TokensFile   string        `yaml:"tokens_file"`
	StateDir     string        `yaml:"state_dir,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`

	// Services lists the service ids this client manages. Empty means
	// whatever the local tokens file currently holds.
	Services          []string `yaml:"services,omitempty"`
	AcceptNewServices bool     `yaml:"accept_new_services,omitempty"`

	// ReconcileFinalized applies the server's last finalized rotation when
	// the client missed its pending window. Defaults to true.
	ReconcileFinalized *bool `yaml:"reconcile_finalized,omitempty"`

	Reload  ReloadConfig  `yaml:"reload,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// Load reads, defaults and validates the tunrot.yaml file
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return dserrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create tunrot.yaml or pass --config",
			}
		}
		return dserrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	def, err := Parse(data)
	if err != nil {
		return err
	}

	c.Definition = def
	return nil
}

// Parse decodes, defaults and validates a configuration document
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, dserrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid durations (use 30s, 5m, 1h)",
		}
	}

	if def.Version != 0 {
		return nil, dserrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: "Set 'version: 0' at the top of your tunrot.yaml file",
		}
	}

	def.applyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) applyDefaults() {
	if s := d.Server; s != nil {
		if s.Listen == "" {
			s.Listen = DefaultListen
		}
		if s.StateDir == "" {
			s.StateDir = DefaultServerStateDir
		}
		if s.ConflictPolicy == "" {
			s.ConflictPolicy = ConflictReject
		}
		if s.GraceMinutes == nil {
			grace := DefaultGraceMinutes
			s.GraceMinutes = &grace
		}
		if s.TokenLength == 0 {
			s.TokenLength = DefaultTokenLength
		}
		if s.ExposeFinalized == nil {
			expose := true
			s.ExposeFinalized = &expose
		}
		if s.ReconcileInterval == 0 {
			s.ReconcileInterval = DefaultReconcileInterval
		}
		s.Reload.applyDefaults()
		s.Metrics.applyDefaults()
	}

	if c := d.Client; c != nil {
		if c.Name == "" {
			if host, err := os.Hostname(); err == nil {
				c.Name = host
			} else {
				c.Name = "tunrot-agent"
			}
		}
		if c.StateDir == "" {
			c.StateDir = DefaultClientStateDir
		}
		if c.PollInterval == 0 {
			c.PollInterval = DefaultPollInterval
		}
		if c.Timeout == 0 {
			c.Timeout = DefaultPollTimeout
		}
		if c.ReconcileFinalized == nil {
			reconcile := true
			c.ReconcileFinalized = &reconcile
		}
		c.Reload.applyDefaults()
		c.Metrics.applyDefaults()
	}

	if n := d.Notifications; n != nil {
		for i := range n.Webhooks {
			n.Webhooks[i].applyDefaults()
		}
	}
}

func (r *ReloadConfig) applyDefaults() {
	if r.Signal == "" {
		r.Signal = DefaultReloadSignal
	}
	if r.Timeout == 0 {
		r.Timeout = DefaultReloadTimeout
	}
}

func (m *MetricsConfig) applyDefaults() {
	if m.Path == "" {
		m.Path = DefaultMetricsPath
	}
}

// Validate checks every configured section
func (d *Definition) Validate() error {
	if d.Server == nil && d.Client == nil {
		return dserrors.ConfigError{
			Message:    "neither a server nor a client section is configured",
			Suggestion: "Add a 'server:' section on the tunnel server or a 'client:' section on tunnel clients",
		}
	}
	if d.Server != nil {
		if err := d.Server.validate(); err != nil {
			return err
		}
	}
	if d.Client != nil {
		if err := d.Client.validate(); err != nil {
			return err
		}
	}
	if d.Notifications != nil {
		if err := d.Notifications.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *ServerConfig) validate() error {
	if s.TokensFile == "" {
		return required("server.tokens_file", "Point it at the tunnel server's tokens file")
	}
	if err := validateKeyRef("server.rotation_key", s.RotationKey); err != nil {
		return err
	}
	switch s.ConflictPolicy {
	case ConflictReject, ConflictReplace:
	default:
		return dserrors.ConfigError{
			Field:      "server.conflict_policy",
			Value:      s.ConflictPolicy,
			Message:    "unknown conflict policy",
			Suggestion: "Use 'reject' or 'replace'",
		}
	}
	if s.Grace() < 0 {
		return dserrors.ConfigError{
			Field:      "server.grace_minutes",
			Value:      s.Grace(),
			Message:    "grace period cannot be negative",
			Suggestion: "Use 0 to finalize immediately",
		}
	}
	if s.TokenLength < minTokenLength {
		return dserrors.ConfigError{
			Field:      "server.token_length",
			Value:      s.TokenLength,
			Message:    fmt.Sprintf("tokens must be at least %d bytes", minTokenLength),
			Suggestion: fmt.Sprintf("Use the default of %d", DefaultTokenLength),
		}
	}
	if s.ReconcileInterval < 0 || s.Schedule.StageEvery < 0 {
		return dserrors.ConfigError{
			Field:   "server.schedule",
			Message: "intervals cannot be negative",
		}
	}
	if (s.TLS.CertFile == "") != (s.TLS.KeyFile == "") {
		return dserrors.ConfigError{
			Field:      "server.tls",
			Message:    "cert_file and key_file must be set together",
			Suggestion: "Set both paths or remove the tls section",
		}
	}
	return s.Reload.validate("server.reload")
}

func (c *ClientConfig) validate() error {
	if c.ServerURL == "" {
		return required("client.server_url", "Use the rotation endpoint base URL, e.g. https://tunnel.example.com:7443")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return dserrors.ConfigError{
			Field:      "client.server_url",
			Value:      c.ServerURL,
			Message:    "must be an absolute http(s) URL",
			Suggestion: "Use https://host:port",
		}
	}
	if u.RawQuery != "" {
		return dserrors.ConfigError{
			Field:      "client.server_url",
			Message:    "must not carry a query string",
			Suggestion: "The rotation key is sent in a header; put it in client.rotation_key",
		}
	}
	if err := validateKeyRef("client.rotation_key", c.RotationKey); err != nil {
		return err
	}
	if c.TokensFile == "" {
		return required("client.tokens_file", "Point it at the tunnel client's tokens file")
	}
	if c.PollInterval < time.Second {
		return dserrors.ConfigError{
			Field:      "client.poll_interval",
			Value:      c.PollInterval,
			Message:    "poll interval must be at least 1s",
			Suggestion: "A few minutes is typical, e.g. 5m",
		}
	}
	if c.Timeout <= 0 || c.Timeout > c.PollInterval {
		return dserrors.ConfigError{
			Field:      "client.timeout",
			Value:      c.Timeout,
			Message:    "timeout must be positive and no longer than the poll interval",
			Suggestion: "Use a value like 15s",
		}
	}
	for _, svc := range c.Services {
		if strings.TrimSpace(svc) == "" {
			return dserrors.ConfigError{Field: "client.services", Message: "service ids cannot be empty"}
		}
	}
	return c.Reload.validate("client.reload")
}

func (r ReloadConfig) validate(field string) error {
	if len(r.Command) > 0 && r.Command[0] == "" {
		return dserrors.ConfigError{Field: field + ".command", Message: "command name cannot be empty"}
	}
	if r.Timeout < 0 {
		return dserrors.ConfigError{Field: field + ".timeout", Value: r.Timeout, Message: "timeout cannot be negative"}
	}
	return nil
}

func validateKeyRef(field, ref string) error {
	if ref == "" {
		return required(field, "Use a reference such as env:TUNROT_ROTATION_KEY or keyring:tunrot/client")
	}
	if _, _, err := keysource.Parse(ref); err != nil {
		return dserrors.ConfigError{
			Field:      field,
			Message:    "key reference must look like <source>:<location>",
			Suggestion: "For example env:TUNROT_ROTATION_KEY or file:/etc/tunrot/rotation.key",
		}
	}
	return nil
}

func required(field, suggestion string) error {
	return dserrors.ConfigError{
		Field:      field,
		Message:    "required field is missing",
		Suggestion: suggestion,
	}
}

// RequireServer returns the server section or a helpful error
func (c *Config) RequireServer() (*ServerConfig, error) {
	if c.Definition == nil || c.Definition.Server == nil {
		return nil, dserrors.ConfigError{
			Field:      "server",
			Message:    "no server section in configuration",
			Suggestion: "Add a 'server:' section to " + c.Path,
		}
	}
	return c.Definition.Server, nil
}

// RequireClient returns the client section or a helpful error
func (c *Config) RequireClient() (*ClientConfig, error) {
	if c.Definition == nil || c.Definition.Client == nil {
		return nil, dserrors.ConfigError{
			Field:      "client",
			Message:    "no client section in configuration",
			Suggestion: "Add a 'client:' section to " + c.Path,
		}
	}
	return c.Definition.Client, nil
}

// Grace returns the default grace period in minutes
func (s *ServerConfig) Grace() int {
	if s.GraceMinutes == nil {
		return DefaultGraceMinutes
	}
	return *s.GraceMinutes
}

// BackupDir is where server token backups are kept
func (s *ServerConfig) BackupDir() string { return filepath.Join(s.StateDir, "backups") }

// AuditPath is the server audit log
func (s *ServerConfig) AuditPath() string { return filepath.Join(s.StateDir, "audit.log") }

// BackupDir is where client token backups are kept
func (c *ClientConfig) BackupDir() string { return filepath.Join(c.StateDir, "backups") }

// AuditPath is the client audit log
func (c *ClientConfig) AuditPath() string { return filepath.Join(c.StateDir, "audit.log") }

// SyncStatePath holds the client's sync state
func (c *ClientConfig) SyncStatePath() string { return filepath.Join(c.StateDir, "sync-state.json") }
