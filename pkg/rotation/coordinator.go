package rotation

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/systmms/tunrot/internal/audit"
	dserrors "github.com/systmms/tunrot/internal/errors"
	"github.com/systmms/tunrot/internal/fsutil"
	"github.com/systmms/tunrot/internal/logging"
	"github.com/systmms/tunrot/internal/metrics"
	"github.com/systmms/tunrot/internal/notifications"
	"github.com/systmms/tunrot/internal/reload"
	"github.com/systmms/tunrot/internal/secure"
	"github.com/systmms/tunrot/pkg/tokens"
)

// ConflictPolicy decides what Stage does while a rotation is pending.
type ConflictPolicy string

const (
	// ConflictReject fails with ErrAlreadyPending; the operator must cancel first.
	ConflictReject ConflictPolicy = "reject"

	// ConflictReplace cancels the outstanding rotation and stages the new one.
	ConflictReplace ConflictPolicy = "replace"
)

// ParseConflictPolicy maps a configuration value to a policy.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(s) {
	case ConflictReject, "":
		return ConflictReject, nil
	case ConflictReplace:
		return ConflictReplace, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", s)
	}
}

// Outcome is what a mutating operation did.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyInState Outcome = "already_in_state"
)

// ActorScheduler is recorded for finalizations triggered by the scheduler.
const ActorScheduler = "scheduler"

// FinalizeTrigger arms and disarms the finalize deadline of a rotation.
type FinalizeTrigger interface {
	Schedule(rotationID string, at time.Time)
	Cancel(rotationID string)
}

type nopTrigger struct{}

func (nopTrigger) Schedule(string, time.Time) {}
func (nopTrigger) Cancel(string)              {}

// FinalizeResult reports a Finalize call. ReloadErr is set when the tokens
// were promoted but the service reload failed; the promotion stands.
type FinalizeResult struct {
	Outcome    Outcome
	RotationID string
	Backup     *tokens.Backup
	ReloadErr  error
}

// CoordinatorOptions wires a Coordinator. StateDir, Tokens and RotationKey
// are required; everything else has a working default.
type CoordinatorOptions struct {
	StateDir    string
	Tokens      tokens.Store
	RotationKey *secure.Key
	Policy      ConflictPolicy
	Clock       clock.Clock
	Trigger     FinalizeTrigger
	Reloader    reload.Reloader
	Audit       audit.Log
	Notifier    notifications.Notifier
	Metrics     *metrics.Recorder
	Logger      *logging.Logger
}

// Coordinator owns the pending record and the server's active token set.
type Coordinator struct {
	records  *RecordStore
	tokens   tokens.Store
	key      *secure.Key
	policy   ConflictPolicy
	clock    clock.Clock
	trigger  FinalizeTrigger
	reloader reload.Reloader
	audit    audit.Log
	notifier notifications.Notifier
	metrics  *metrics.Recorder
	logger   *logging.Logger

	mu   sync.Mutex
	lock *fsutil.Lock
}

// NewCoordinator builds a Coordinator from opts.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.StateDir == "" {
		return nil, fmt.Errorf("coordinator state directory is required")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("coordinator token store is required")
	}
	if opts.RotationKey == nil {
		return nil, fmt.Errorf("coordinator rotation key is required")
	}

	policy, err := ParseConflictPolicy(string(opts.Policy))
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		records:  NewRecordStore(opts.StateDir),
		tokens:   opts.Tokens,
		key:      opts.RotationKey,
		policy:   policy,
		clock:    opts.Clock,
		trigger:  opts.Trigger,
		reloader: opts.Reloader,
		audit:    opts.Audit,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		lock:     fsutil.NewLock(filepath.Join(opts.StateDir, LockFile)),
	}
	if c.clock == nil {
		c.clock = clock.RealClock{}
	}
	if c.trigger == nil {
		c.trigger = nopTrigger{}
	}
	if c.reloader == nil {
		c.reloader = reload.Nop{}
	}
	if c.audit == nil {
		c.audit = audit.NewFileLog(filepath.Join(opts.StateDir, "audit.log"))
	}
	if c.notifier == nil {
		c.notifier = notifications.Nop{}
	}
	if c.metrics == nil {
		c.metrics = metrics.NewRecorder()
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	return c, nil
}

// SetTrigger replaces the finalize trigger. Call before the daemon starts.
func (c *Coordinator) SetTrigger(t FinalizeTrigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trigger = t
}

// Records exposes the underlying state files for read-only use.
func (c *Coordinator) Records() *RecordStore { return c.records }

// Policy returns the configured conflict policy.
func (c *Coordinator) Policy() ConflictPolicy { return c.policy }

// withLock serialises mutating operations in-process and across processes.
func (c *Coordinator) withLock(ctx context.Context, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.lock.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if err := c.lock.Release(); err != nil {
			c.logger.Warn("failed to release %s: %v", c.lock.Path(), err)
		}
	}()
	return fn()
}

// StageRotation persists newTokens as the pending rotation, finalizing
// graceMinutes from now, and returns the new rotation id.
func (c *Coordinator) StageRotation(ctx context.Context, newTokens tokens.TokenSet, graceMinutes int, actor string) (string, error) {
	id, err := c.stage(ctx, newTokens, graceMinutes, actor)
	c.metrics.RecordStage(outcomeLabel(err))
	return id, err
}

func (c *Coordinator) stage(ctx context.Context, newTokens tokens.TokenSet, graceMinutes int, actor string) (string, error) {
	if err := newTokens.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", dserrors.ErrMalformedPayload, err)
	}
	if graceMinutes < 0 {
		return "", fmt.Errorf("%w: grace period cannot be negative (got %d minutes)", dserrors.ErrMalformedPayload, graceMinutes)
	}
	for _, svc := range newTokens.Services() {
		if c.key.Equal(newTokens[svc]) {
			return "", fmt.Errorf("%w: token for %s equals the rotation key", dserrors.ErrMalformedPayload, svc)
		}
	}

	var staged *PendingRotation
	err := c.withLock(ctx, func() error {
		if err := c.checkBlocked(); err != nil {
			return err
		}

		existing, err := c.records.LoadPending()
		if err != nil {
			return err
		}

		now := c.clock.Now().UTC()
		staged = &PendingRotation{
			RotationID:   uuid.NewString(),
			Tokens:       newTokens.Clone(),
			CreatedAt:    now,
			FinalizeAt:   now.Add(time.Duration(graceMinutes) * time.Minute),
			GraceMinutes: graceMinutes,
			InitiatedBy:  actor,
		}

		if existing != nil {
			if c.policy != ConflictReplace {
				return fmt.Errorf("rotation %s finalizes at %s: %w",
					existing.RotationID, existing.FinalizeAt.Format(time.RFC3339), dserrors.ErrAlreadyPending)
			}
			// The new record overwrites the old one in a single rename, so
			// there is never a moment with no pending rotation on disk.
			c.logger.Warn("Replacing pending rotation %s with %s", existing.RotationID, staged.RotationID)
		}

		if err := c.records.SavePending(staged); err != nil {
			c.appendAudit(audit.Entry{
				Event:   audit.EventStage,
				Outcome: audit.OutcomeFailure,
				Detail:  c.redact(err.Error(), newTokens),
				Actor:   actor,
			})
			return err
		}

		if existing != nil {
			c.trigger.Cancel(existing.RotationID)
			c.appendAudit(audit.Entry{
				Event:      audit.EventCancel,
				RotationID: existing.RotationID,
				Outcome:    audit.OutcomeSuccess,
				Detail:     "replaced by " + staged.RotationID,
				Actor:      actor,
			})
			c.metrics.RecordCancel(string(OutcomeApplied))
			c.notifier.Notify(notifications.Event{
				Type:       notifications.EventTypeCancelled,
				RotationID: existing.RotationID,
				Role:       metrics.RoleServer,
				Services:   existing.Tokens.Services(),
				Actor:      actor,
			})
		}

		c.appendAudit(audit.Entry{
			Event:      audit.EventStage,
			RotationID: staged.RotationID,
			Outcome:    audit.OutcomeSuccess,
			Detail: fmt.Sprintf("services=%s finalize_at=%s",
				strings.Join(staged.Tokens.Services(), ","), staged.FinalizeAt.Format(time.RFC3339)),
			Actor: actor,
		})
		c.trigger.Schedule(staged.RotationID, staged.FinalizeAt)
		return nil
	})
	if err != nil {
		return "", err
	}

	c.metrics.SetPending(true)
	c.logger.Info("Staged rotation %s for %d service(s), finalizing at %s",
		staged.RotationID, len(staged.Tokens), staged.FinalizeAt.Format(time.RFC3339))
	c.notifier.Notify(notifications.Event{
		Type:       notifications.EventTypeStaged,
		RotationID: staged.RotationID,
		Role:       metrics.RoleServer,
		Services:   staged.Tokens.Services(),
		FinalizeAt: staged.FinalizeAt,
		Actor:      actor,
	})
	return staged.RotationID, nil
}

// CancelPending discards the pending rotation without promoting it and
// returns its id. Cancelling is allowed while the coordinator is blocked.
func (c *Coordinator) CancelPending(ctx context.Context, actor string) (string, error) {
	var cancelled *PendingRotation
	err := c.withLock(ctx, func() error {
		p, err := c.records.LoadPending()
		if err != nil {
			return err
		}
		if p == nil {
			return dserrors.ErrNoPendingRotation
		}

		if err := c.records.DeletePending(); err != nil {
			c.appendAudit(audit.Entry{
				Event:      audit.EventCancel,
				RotationID: p.RotationID,
				Outcome:    audit.OutcomeFailure,
				Detail:     err.Error(),
				Actor:      actor,
			})
			return err
		}
		c.trigger.Cancel(p.RotationID)
		c.appendAudit(audit.Entry{
			Event:      audit.EventCancel,
			RotationID: p.RotationID,
			Outcome:    audit.OutcomeSuccess,
			Actor:      actor,
		})
		cancelled = p
		return nil
	})
	c.metrics.RecordCancel(outcomeLabel(err))
	if err != nil {
		return "", err
	}

	c.metrics.SetPending(false)
	c.logger.Info("Cancelled rotation %s", cancelled.RotationID)
	c.notifier.Notify(notifications.Event{
		Type:       notifications.EventTypeCancelled,
		RotationID: cancelled.RotationID,
		Role:       metrics.RoleServer,
		Services:   cancelled.Tokens.Services(),
		Actor:      actor,
	})
	return cancelled.RotationID, nil
}

// GetPending returns the pending rotation to an authenticated poller. With
// nothing pending it returns (nil, false, nil).
func (c *Coordinator) GetPending(credential string) (*PendingRotation, bool, error) {
	if !c.key.Equal(credential) {
		return nil, false, dserrors.ErrAuthentication
	}
	p, err := c.records.LoadPending()
	if err != nil {
		return nil, false, err
	}
	if p == nil {
		return nil, false, nil
	}
	return p, true, nil
}

// LastFinalized returns the most recently finalized rotation to an
// authenticated poller.
func (c *Coordinator) LastFinalized(credential string) (*FinalizedRotation, bool, error) {
	if !c.key.Equal(credential) {
		return nil, false, dserrors.ErrAuthentication
	}
	f, err := c.records.LoadFinalized()
	if err != nil {
		return nil, false, err
	}
	return f, f != nil, nil
}

// Finalize promotes the pending rotation into the active token set when its
// id matches rotationID. An empty rotationID finalizes whatever is pending.
// A mismatch or an empty record is reported as OutcomeAlreadyInState and
// changes nothing.
func (c *Coordinator) Finalize(ctx context.Context, rotationID, actor string) (FinalizeResult, error) {
	result, promoted, err := c.finalize(ctx, rotationID, actor)
	switch {
	case err != nil:
		c.metrics.RecordFinalize(dserrors.Kind(err))
		return result, err
	case promoted == nil:
		c.metrics.RecordFinalize(string(OutcomeAlreadyInState))
		return result, nil
	}

	c.metrics.RecordFinalize(string(OutcomeApplied))
	c.metrics.SetPending(false)
	c.logger.Info("Finalized rotation %s; %d service token(s) now active", promoted.RotationID, len(promoted.Tokens))
	c.notifier.Notify(notifications.Event{
		Type:       notifications.EventTypeFinalized,
		RotationID: promoted.RotationID,
		Role:       metrics.RoleServer,
		Services:   promoted.Tokens.Services(),
		Actor:      actor,
	})

	// Reload runs outside the lock and never rolls the promotion back.
	if err := c.reloader.Reload(ctx, promoted.RotationID); err != nil {
		result.ReloadErr = err
		c.metrics.RecordReloadFailure(metrics.RoleServer)
		c.logger.Error("Reload after finalizing %s failed: %v", promoted.RotationID, err)
		c.notifier.Notify(notifications.Event{
			Type:       notifications.EventTypeReloadFailed,
			RotationID: promoted.RotationID,
			Role:       metrics.RoleServer,
			Actor:      actor,
			Error:      err,
		})
	}
	return result, nil
}

func (c *Coordinator) finalize(ctx context.Context, rotationID, actor string) (FinalizeResult, *PendingRotation, error) {
	result := FinalizeResult{Outcome: OutcomeAlreadyInState, RotationID: rotationID}
	var promoted *PendingRotation

	err := c.withLock(ctx, func() error {
		if err := c.checkBlocked(); err != nil {
			return err
		}

		p, err := c.records.LoadPending()
		if err != nil {
			return err
		}
		if p == nil {
			c.logger.Debug("Finalize %q: nothing pending", rotationID)
			return nil
		}
		if rotationID != "" && p.RotationID != rotationID {
			c.logger.Debug("Finalize %q: pending rotation is %s, ignoring", rotationID, p.RotationID)
			return nil
		}

		backup, err := c.tokens.Save(p.Tokens)
		if err != nil {
			return c.blockOnWriteFailure(p, actor, "write tokens file", err)
		}
		result.Backup = backup

		if err := c.records.SaveFinalized(&FinalizedRotation{
			RotationID:  p.RotationID,
			Tokens:      p.Tokens,
			FinalizedAt: c.clock.Now().UTC(),
		}); err != nil {
			return c.blockOnWriteFailure(p, actor, "record finalized rotation", err)
		}
		if err := c.records.DeletePending(); err != nil {
			return c.blockOnWriteFailure(p, actor, "remove pending record", err)
		}

		c.trigger.Cancel(p.RotationID)
		detail := "services=" + strings.Join(p.Tokens.Services(), ",")
		if backup != nil {
			detail += " backup=" + backup.Path
		}
		c.appendAudit(audit.Entry{
			Event:      audit.EventFinalize,
			RotationID: p.RotationID,
			Outcome:    audit.OutcomeSuccess,
			Detail:     detail,
			Actor:      actor,
		})

		result.Outcome = OutcomeApplied
		result.RotationID = p.RotationID
		promoted = p
		return nil
	})
	return result, promoted, err
}

// blockOnWriteFailure records a finalize write failure and blocks further
// Stage and Finalize calls until an operator runs Unblock.
func (c *Coordinator) blockOnWriteFailure(p *PendingRotation, actor, step string, cause error) error {
	reason := c.redact(fmt.Sprintf("finalize %s: %s failed: %v", p.RotationID, step, cause), p.Tokens)
	if err := c.records.SetBlocked(reason); err != nil {
		c.logger.Error("Could not write %s marker: %v", BlockedFile, err)
	}
	c.appendAudit(audit.Entry{
		Event:      audit.EventFinalize,
		RotationID: p.RotationID,
		Outcome:    audit.OutcomeFailure,
		Detail:     reason,
		Actor:      actor,
	})
	c.logger.Error("%s; staging and finalizing are blocked until 'tunrot rotation unblock'", reason)
	c.notifier.Notify(notifications.Event{
		Type:       notifications.EventTypeWriteFailed,
		RotationID: p.RotationID,
		Role:       metrics.RoleServer,
		Actor:      actor,
		Error:      fmt.Errorf("%s", reason),
	})
	return fmt.Errorf("finalize %s: %s: %w: %w", p.RotationID, step, dserrors.ErrWriteFailure, cause)
}

func (c *Coordinator) checkBlocked() error {
	reason, blocked, err := c.records.Blocked()
	if err != nil {
		return fmt.Errorf("failed to check %s marker: %w", BlockedFile, err)
	}
	if blocked {
		return fmt.Errorf("%s: %w", reason, dserrors.ErrBlocked)
	}
	return nil
}

// Blocked reports whether a finalize write failure is awaiting an operator.
func (c *Coordinator) Blocked() (string, bool) {
	reason, blocked, err := c.records.Blocked()
	if err != nil {
		return err.Error(), true
	}
	return reason, blocked
}

// Unblock clears the blocked state once the operator has confirmed the
// tokens file is consistent.
func (c *Coordinator) Unblock(ctx context.Context, actor string) (Outcome, error) {
	outcome := OutcomeAlreadyInState
	err := c.withLock(ctx, func() error {
		reason, blocked, err := c.records.Blocked()
		if err != nil {
			return err
		}
		if !blocked {
			return nil
		}
		if err := c.records.ClearBlocked(); err != nil {
			return fmt.Errorf("failed to remove %s marker: %w", BlockedFile, err)
		}
		c.appendAudit(audit.Entry{
			Event:   audit.EventUnblock,
			Outcome: audit.OutcomeSuccess,
			Detail:  "cleared: " + reason,
			Actor:   actor,
		})
		outcome = OutcomeApplied
		return nil
	})
	if err == nil && outcome == OutcomeApplied {
		c.logger.Info("Coordinator unblocked")
	}
	return outcome, err
}

// HandleFinalizeDue consumes one scheduler message.
func (c *Coordinator) HandleFinalizeDue(ctx context.Context, msg FinalizeDue) (FinalizeResult, error) {
	c.logger.Debug("Finalize due for %s (deadline %s)", msg.RotationID, msg.DueAt.Format(time.RFC3339))
	return c.Finalize(ctx, msg.RotationID, ActorScheduler)
}

// RunFinalizer consumes scheduler messages until ctx is done. Failures are
// logged and never stop the loop.
func (c *Coordinator) RunFinalizer(ctx context.Context, due <-chan FinalizeDue) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-due:
			result, err := c.HandleFinalizeDue(ctx, msg)
			if err != nil {
				c.logger.Error("Scheduled finalize of %s failed: %v", msg.RotationID, err)
				continue
			}
			if result.Outcome == OutcomeAlreadyInState {
				c.logger.Info("Scheduled finalize of %s skipped: rotation no longer pending", msg.RotationID)
			}
		}
	}
}

// ActiveServices lists the services in the active token set.
func (c *Coordinator) ActiveServices() ([]string, error) {
	active, err := c.tokens.Load()
	if err != nil {
		return nil, err
	}
	return active.Services(), nil
}

// Backups lists token file backups, newest first.
func (c *Coordinator) Backups() ([]tokens.Backup, error) {
	return c.tokens.ListBackups()
}

// History reads the audit log.
func (c *Coordinator) History(filter audit.Filter) ([]audit.Entry, error) {
	return c.audit.Read(filter)
}

func (c *Coordinator) appendAudit(e audit.Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = c.clock.Now()
	}
	if err := c.audit.Append(e); err != nil {
		c.logger.Error("failed to append %s audit entry: %v", e.Event, err)
	}
}

// redact scrubs token values that may have leaked into an error string.
func (c *Coordinator) redact(s string, set tokens.TokenSet) string {
	return logging.Redact(s, set.Values())
}

func outcomeLabel(err error) string {
	if err == nil {
		return string(OutcomeApplied)
	}
	return dserrors.Kind(err)
}
