package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/systmms/tunrot/internal/audit"
	dserrors "github.com/systmms/tunrot/internal/errors"
	"github.com/systmms/tunrot/internal/logging"
	"github.com/systmms/tunrot/internal/metrics"
	"github.com/systmms/tunrot/internal/notifications"
	"github.com/systmms/tunrot/internal/reload"
	"github.com/systmms/tunrot/pkg/protocol"
	"github.com/systmms/tunrot/pkg/tokens"
)

// DefaultInterval is the poll cadence when none is configured.
const DefaultInterval = 5 * time.Minute

// Action describes what a sync did.
type Action string

const (
	// ActionNone means the server had nothing to apply.
	ActionNone Action = "none"

	// ActionAlreadyApplied means the offered rotation was applied earlier.
	ActionAlreadyApplied Action = "already_applied"

	// ActionApplied means the rotation was written locally and reloaded.
	ActionApplied Action = "applied"
)

// Sources of an applied rotation.
const (
	SourcePending   = "pending"
	SourceFinalized = "finalized"
)

// Result reports one sync cycle.
type Result struct {
	Action     Action
	RotationID string
	Source     string

	// Applied lists the services whose tokens were taken from the server;
	// Skipped lists offered services this client does not manage.
	Applied []string
	Skipped []string

	// Unknown and Missing compare the offered set to the expected services.
	Unknown []string
	Missing []string

	// Changed is false when the local file already held these tokens.
	Changed bool
	Backup  *tokens.Backup

	secrets []string
}

// Options wires an Agent. Poller, Tokens and StatePath are required.
type Options struct {
	Name      string
	Poller    protocol.Poller
	Tokens    tokens.Store
	StatePath string

	// Services are the identifiers this client manages. When empty, the
	// services already in the local tokens file are used.
	Services []string

	// AcceptNewServices applies tokens for services outside Services.
	AcceptNewServices bool

	// ReconcileFinalized applies the server's last finalized rotation when
	// the client missed its pending window.
	ReconcileFinalized bool

	Interval time.Duration
	Reloader reload.Reloader
	Audit    audit.Log
	Notifier notifications.Notifier
	Metrics  *metrics.Recorder
	Clock    clock.Clock
	Logger   *logging.Logger
}

// Agent keeps one client's tokens file in step with the rotation server.
type Agent struct {
	name               string
	poller             protocol.Poller
	tokens             tokens.Store
	statePath          string
	services           []string
	acceptNewServices  bool
	reconcileFinalized bool
	interval           time.Duration
	reloader           reload.Reloader
	audit              audit.Log
	notifier           notifications.Notifier
	metrics            *metrics.Recorder
	clock              clock.Clock
	logger             *logging.Logger
}

// New creates an Agent.
func New(opts Options) (*Agent, error) {
	if opts.Poller == nil {
		return nil, fmt.Errorf("agent poller is required")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("agent token store is required")
	}
	if opts.StatePath == "" {
		return nil, fmt.Errorf("agent state path is required")
	}

	a := &Agent{
		name:               opts.Name,
		poller:             opts.Poller,
		tokens:             opts.Tokens,
		statePath:          opts.StatePath,
		services:           append([]string(nil), opts.Services...),
		acceptNewServices:  opts.AcceptNewServices,
		reconcileFinalized: opts.ReconcileFinalized,
		interval:           opts.Interval,
		reloader:           opts.Reloader,
		audit:              opts.Audit,
		notifier:           opts.Notifier,
		metrics:            opts.Metrics,
		clock:              opts.Clock,
		logger:             opts.Logger,
	}
	sort.Strings(a.services)
	if a.interval <= 0 {
		a.interval = DefaultInterval
	}
	if a.reloader == nil {
		a.reloader = reload.Nop{}
	}
	if a.notifier == nil {
		a.notifier = notifications.Nop{}
	}
	if a.metrics == nil {
		a.metrics = metrics.NewRecorder()
	}
	if a.clock == nil {
		a.clock = clock.RealClock{}
	}
	if a.logger == nil {
		a.logger = logging.Discard()
	}
	return a, nil
}

func (a *Agent) actor() string {
	if a.name == "" {
		return "agent"
	}
	return "agent:" + a.name
}

// State returns the persisted sync state.
func (a *Agent) State() (SyncState, error) {
	return LoadState(a.statePath)
}

// SyncOnce runs one poll cycle. Failures leave the tokens file as it was,
// except a reload failure after a successful write, which is retried on
// the next cycle.
func (a *Agent) SyncOnce(ctx context.Context) (Result, error) {
	state, err := LoadState(a.statePath)
	if err != nil {
		a.logger.Warn("Ignoring unreadable sync state: %v", err)
		state = SyncState{}
	}

	now := a.clock.Now().UTC()
	result, syncErr := a.sync(ctx, state.LastKnownRotationID)

	state.LastSyncAttempt = now
	if syncErr != nil {
		state.LastSyncOutcome = OutcomeFailure
		state.LastError = logging.Redact(syncErr.Error(), result.secrets)
		a.metrics.RecordSync(string(OutcomeFailure), dserrors.Kind(syncErr), now)
		a.appendAudit(audit.Entry{
			Event:      audit.EventSyncAttempt,
			RotationID: result.RotationID,
			Outcome:    audit.OutcomeFailure,
			Detail:     state.LastError,
			Actor:      a.actor(),
		})
	} else {
		state.LastSyncOutcome = OutcomeSuccess
		state.LastSuccess = now
		state.LastError = ""
		if result.Action == ActionApplied {
			state.LastKnownRotationID = result.RotationID
			a.appendAudit(audit.Entry{
				Event:      audit.EventSyncAttempt,
				RotationID: result.RotationID,
				Outcome:    audit.OutcomeSuccess,
				Detail:     describe(result),
				Actor:      a.actor(),
			})
		}
		a.metrics.RecordSync(string(OutcomeSuccess), string(result.Action), now)
	}

	if err := SaveState(a.statePath, state); err != nil {
		a.logger.Error("Failed to save sync state: %v", err)
		if syncErr == nil {
			syncErr = err
		}
	}
	return result, syncErr
}

func (a *Agent) sync(ctx context.Context, lastKnown string) (Result, error) {
	polled, err := a.poller.Poll(ctx)
	if err != nil {
		return Result{Action: ActionNone}, fmt.Errorf("poll: %w", err)
	}

	switch {
	case polled.Pending != nil:
		p := polled.Pending
		if p.RotationID == lastKnown {
			a.logger.Debug("Rotation %s already applied", p.RotationID)
			return Result{Action: ActionAlreadyApplied, RotationID: p.RotationID, Source: SourcePending}, nil
		}
		return a.apply(ctx, p.RotationID, SourcePending, p.Tokens)

	case polled.LastFinalized != nil && a.reconcileFinalized && polled.LastFinalized.RotationID != lastKnown:
		f := polled.LastFinalized
		a.logger.Info("Missed pending window of rotation %s; reconciling to finalized tokens", f.RotationID)
		return a.apply(ctx, f.RotationID, SourceFinalized, f.Tokens)

	default:
		a.logger.Debug("No rotation pending")
		return Result{Action: ActionNone}, nil
	}
}

func (a *Agent) apply(ctx context.Context, rotationID, source string, offered tokens.TokenSet) (Result, error) {
	result := Result{RotationID: rotationID, Source: source, Action: ActionNone}
	result.secrets = offered.Values()

	if err := offered.Validate(); err != nil {
		return result, fmt.Errorf("rotation %s: %w: %w", rotationID, dserrors.ErrMalformedPayload, err)
	}

	local, err := a.tokens.Load()
	if err != nil {
		return result, fmt.Errorf("rotation %s: %w", rotationID, err)
	}
	result.secrets = append(result.secrets, local.Values()...)

	expected := a.services
	if len(expected) == 0 {
		expected = local.Services()
	}
	result.Unknown, result.Missing = offered.Diff(expected)
	for _, svc := range result.Unknown {
		a.logger.Warn("Rotation %s carries a token for unexpected service %q", rotationID, svc)
	}
	for _, svc := range result.Missing {
		a.logger.Warn("Rotation %s has no token for expected service %q; keeping the current one", rotationID, svc)
	}

	// A client with nothing configured yet takes the whole set.
	acceptAll := a.acceptNewServices || len(local) == 0
	merged := local.Clone()
	unknown := make(map[string]bool, len(result.Unknown))
	for _, svc := range result.Unknown {
		unknown[svc] = true
	}
	for _, svc := range offered.Services() {
		if unknown[svc] && !acceptAll {
			result.Skipped = append(result.Skipped, svc)
			continue
		}
		merged[svc] = offered[svc]
		result.Applied = append(result.Applied, svc)
	}

	if len(merged) == 0 {
		return result, fmt.Errorf("rotation %s: %w: no token applies to this client", rotationID, dserrors.ErrMalformedPayload)
	}
	if err := merged.Validate(); err != nil {
		return result, fmt.Errorf("rotation %s: %w: %w", rotationID, dserrors.ErrMalformedPayload, err)
	}

	if !merged.Equal(local) {
		backup, err := a.tokens.Save(merged)
		if err != nil {
			return result, fmt.Errorf("rotation %s: %w: %w", rotationID, dserrors.ErrWriteFailure, err)
		}
		result.Changed = true
		result.Backup = backup
		a.logger.Info("Wrote %d token(s) from rotation %s to %s", len(result.Applied), rotationID, a.tokens.Path())
	}

	// Reload even when the file was unchanged: the previous attempt may
	// have written it and then failed to reload.
	if err := a.reloader.Reload(ctx, rotationID); err != nil {
		if !errors.Is(err, dserrors.ErrReloadFailure) {
			err = fmt.Errorf("%w: %w", dserrors.ErrReloadFailure, err)
		}
		a.metrics.RecordReloadFailure(metrics.RoleClient)
		a.notifier.Notify(notifications.Event{
			Type:       notifications.EventTypeReloadFailed,
			RotationID: rotationID,
			Role:       metrics.RoleClient,
			Services:   result.Applied,
			Actor:      a.actor(),
			Error:      err,
		})
		return result, fmt.Errorf("rotation %s: tokens written: %w", rotationID, err)
	}

	result.Action = ActionApplied
	a.logger.Info("Applied rotation %s (%s)", rotationID, source)
	return result, nil
}

// Run syncs immediately and then every interval until ctx is done. Sync
// errors are logged and retried on the next tick.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("Polling every %s", a.interval)
	for {
		if _, err := a.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			if dserrors.IsRetryable(err) {
				a.logger.Warn("Sync failed, retrying in %s: %v", a.interval, err)
			} else {
				a.logger.Error("Sync failed, retrying in %s: %v", a.interval, err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-a.clock.After(a.interval):
		}
	}
}

func (a *Agent) appendAudit(e audit.Entry) {
	if a.audit == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = a.clock.Now()
	}
	if err := a.audit.Append(e); err != nil {
		a.logger.Error("failed to append %s audit entry: %v", e.Event, err)
	}
}

func describe(r Result) string {
	parts := []string{
		"source=" + r.Source,
		"services=" + strings.Join(r.Applied, ","),
	}
	if len(r.Skipped) > 0 {
		parts = append(parts, "skipped="+strings.Join(r.Skipped, ","))
	}
	if !r.Changed {
		parts = append(parts, "unchanged")
	}
	return strings.Join(parts, " ")
}
