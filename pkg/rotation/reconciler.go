package rotation

import (
	"context"
	"errors"
	"time"

	"k8s.io/utils/clock"

	dserrors "github.com/systmms/tunrot/internal/errors"
	"github.com/systmms/tunrot/internal/logging"
	"github.com/systmms/tunrot/internal/metrics"
	"github.com/systmms/tunrot/pkg/tokens"
)

// Reconciler keeps the scheduler in line with pending.json, which another
// process (the operator CLI) may have changed, or which may predate a crash.
type Reconciler struct {
	records   *RecordStore
	scheduler *Scheduler
	clock     clock.Clock
	interval  time.Duration
	metrics   *metrics.Recorder
	logger    *logging.Logger
}

// NewReconciler creates a reconciler that checks every interval.
func NewReconciler(records *RecordStore, scheduler *Scheduler, clk clock.Clock, interval time.Duration, logger *logging.Logger) *Reconciler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Reconciler{
		records:   records,
		scheduler: scheduler,
		clock:     clk,
		interval:  interval,
		metrics:   metrics.NewRecorder(),
		logger:    logger,
	}
}

// ReconcileOnce arms the scheduler for the record on disk, or disarms it
// when the record is gone.
func (r *Reconciler) ReconcileOnce() error {
	p, err := r.records.LoadPending()
	if err != nil {
		return err
	}

	armedID, _, armed := r.scheduler.Armed()
	if p == nil {
		r.metrics.SetPending(false)
		if armed {
			r.logger.Debug("Pending record for %s is gone; disarming", armedID)
			r.scheduler.Cancel(armedID)
		}
		return nil
	}

	r.metrics.SetPending(true)
	if !armed || armedID != p.RotationID {
		r.logger.Debug("Arming finalize for %s at %s", p.RotationID, p.FinalizeAt.Format(time.RFC3339))
	}
	r.scheduler.Schedule(p.RotationID, p.FinalizeAt)
	return nil
}

// Run reconciles immediately and then every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		if err := r.ReconcileOnce(); err != nil {
			r.logger.Warn("Reconciling pending rotation failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(r.interval):
		}
	}
}

// Stager is the part of the Coordinator the PeriodicStager needs.
type Stager interface {
	ActiveServices() ([]string, error)
	StageRotation(ctx context.Context, newTokens tokens.TokenSet, graceMinutes int, actor string) (string, error)
}

// PeriodicStager stages a freshly generated token set on a fixed cadence.
type PeriodicStager struct {
	coordinator  Stager
	clock        clock.Clock
	every        time.Duration
	graceMinutes int
	tokenBytes   int
	logger       *logging.Logger
}

// NewPeriodicStager creates a stager that runs every interval.
func NewPeriodicStager(coordinator Stager, clk clock.Clock, every time.Duration, graceMinutes, tokenBytes int, logger *logging.Logger) *PeriodicStager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &PeriodicStager{
		coordinator:  coordinator,
		clock:        clk,
		every:        every,
		graceMinutes: graceMinutes,
		tokenBytes:   tokenBytes,
		logger:       logger,
	}
}

// StageOnce generates and stages one rotation. An outstanding rotation is
// not an error; the tick is skipped.
func (s *PeriodicStager) StageOnce(ctx context.Context) (string, error) {
	services, err := s.coordinator.ActiveServices()
	if err != nil {
		return "", err
	}
	if len(services) == 0 {
		s.logger.Warn("Periodic stage skipped: the active tokens file lists no services")
		return "", nil
	}

	set, err := tokens.Generate(services, s.tokenBytes)
	if err != nil {
		return "", err
	}

	id, err := s.coordinator.StageRotation(ctx, set, s.graceMinutes, ActorScheduler)
	if errors.Is(err, dserrors.ErrAlreadyPending) {
		s.logger.Info("Periodic stage skipped: %v", err)
		return "", nil
	}
	return id, err
}

// Run stages every interval until ctx is done. The first stage happens one
// full interval after start.
func (s *PeriodicStager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.every):
			if _, err := s.StageOnce(ctx); err != nil {
				s.logger.Error("Periodic stage failed: %v", err)
			}
		}
	}
}
