package rotation

import (
	"context"
	"time"
)

// PendingSummary describes a pending rotation without its token values.
type PendingSummary struct {
	RotationID   string    `json:"rotation_id" yaml:"rotation_id"`
	Services     []string  `json:"services" yaml:"services"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
	FinalizeAt   time.Time `json:"finalize_at" yaml:"finalize_at"`
	GraceMinutes int       `json:"grace_minutes" yaml:"grace_minutes"`
	InitiatedBy  string    `json:"initiated_by,omitempty" yaml:"initiated_by,omitempty"`
	Overdue      bool      `json:"overdue" yaml:"overdue"`
}

// FinalizedSummary describes the last finalized rotation.
type FinalizedSummary struct {
	RotationID  string    `json:"rotation_id" yaml:"rotation_id"`
	Services    []string  `json:"services" yaml:"services"`
	FinalizedAt time.Time `json:"finalized_at" yaml:"finalized_at"`
}

// Status is the operator view of the coordinator.
type Status struct {
	Pending        *PendingSummary   `json:"pending,omitempty" yaml:"pending,omitempty"`
	LastFinalized  *FinalizedSummary `json:"last_finalized,omitempty" yaml:"last_finalized,omitempty"`
	Blocked        bool              `json:"blocked" yaml:"blocked"`
	BlockedReason  string            `json:"blocked_reason,omitempty" yaml:"blocked_reason,omitempty"`
	ActiveServices []string          `json:"active_services" yaml:"active_services"`
	ConflictPolicy ConflictPolicy    `json:"conflict_policy" yaml:"conflict_policy"`
}

// Status gathers the current state. It takes no lock.
func (c *Coordinator) Status(_ context.Context) (Status, error) {
	st := Status{ConflictPolicy: c.policy}

	p, err := c.records.LoadPending()
	if err != nil {
		return st, err
	}
	if p != nil {
		st.Pending = &PendingSummary{
			RotationID:   p.RotationID,
			Services:     p.Tokens.Services(),
			CreatedAt:    p.CreatedAt,
			FinalizeAt:   p.FinalizeAt,
			GraceMinutes: p.GraceMinutes,
			InitiatedBy:  p.InitiatedBy,
			Overdue:      p.Due(c.clock.Now()),
		}
	}

	f, err := c.records.LoadFinalized()
	if err != nil {
		return st, err
	}
	if f != nil {
		st.LastFinalized = &FinalizedSummary{
			RotationID:  f.RotationID,
			Services:    f.Tokens.Services(),
			FinalizedAt: f.FinalizedAt,
		}
	}

	st.BlockedReason, st.Blocked = c.Blocked()

	active, err := c.ActiveServices()
	if err != nil {
		return st, err
	}
	st.ActiveServices = active
	return st, nil
}
