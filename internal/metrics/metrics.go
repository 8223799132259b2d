// Package metrics holds the prometheus collectors shared by the coordinator
// and the sync agent.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Roles for reload failure accounting.
const (
	RoleServer = "server"
	RoleClient = "client"
)

var (
	// Coordinator metrics
	stageTotal    *prometheus.CounterVec
	cancelTotal   *prometheus.CounterVec
	finalizeTotal *prometheus.CounterVec
	pendingGauge  prometheus.Gauge
	pollRequests  *prometheus.CounterVec

	// Shared
	reloadFailures *prometheus.CounterVec

	// Agent metrics
	syncAttempts    *prometheus.CounterVec
	syncLastSuccess prometheus.Gauge

	notificationsDropped prometheus.Counter

	// Registration guard
	metricsOnce       sync.Once
	metricsRegistered bool
)

// Recorder records rotation metrics. The zero value is usable; recording is
// a no-op until InitMetrics has run.
type Recorder struct{}

// NewRecorder creates a new Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// InitMetrics registers all collectors with the default registry.
// Safe to call more than once.
func InitMetrics() {
	metricsOnce.Do(func() {
		stageTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tunrot_rotation_stage_total",
				Help: "Stage requests by outcome",
			},
			[]string{"outcome"},
		)

		cancelTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tunrot_rotation_cancel_total",
				Help: "Cancel requests by outcome",
			},
			[]string{"outcome"},
		)

		finalizeTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tunrot_rotation_finalize_total",
				Help: "Finalize attempts by outcome",
			},
			[]string{"outcome"},
		)

		pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tunrot_rotation_pending",
			Help: "1 while a rotation is staged and not yet finalized",
		})

		pollRequests = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tunrot_poll_requests_total",
				Help: "Pull endpoint requests by result",
			},
			[]string{"result"},
		)

		reloadFailures = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tunrot_reload_failures_total",
				Help: "Service reloads that failed after a token change",
			},
			[]string{"role"},
		)

		syncAttempts = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tunrot_sync_attempts_total",
				Help: "Sync agent poll cycles by outcome and error kind",
			},
			[]string{"outcome", "kind"},
		)

		syncLastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tunrot_sync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful sync cycle",
		})

		notificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
			Name: "tunrot_notifications_dropped_total",
			Help: "Notification events dropped due to queue overflow",
		})

		metricsRegistered = true
	})
}

// IsMetricsRegistered returns whether metrics have been initialized.
func IsMetricsRegistered() bool {
	return metricsRegistered
}

// RecordStage counts a stage request.
func (r *Recorder) RecordStage(outcome string) {
	if !metricsRegistered {
		return
	}
	stageTotal.WithLabelValues(outcome).Inc()
}

// RecordCancel counts a cancel request.
func (r *Recorder) RecordCancel(outcome string) {
	if !metricsRegistered {
		return
	}
	cancelTotal.WithLabelValues(outcome).Inc()
}

// RecordFinalize counts a finalize attempt.
func (r *Recorder) RecordFinalize(outcome string) {
	if !metricsRegistered {
		return
	}
	finalizeTotal.WithLabelValues(outcome).Inc()
}

// SetPending flips the pending gauge.
func (r *Recorder) SetPending(pending bool) {
	if !metricsRegistered {
		return
	}
	if pending {
		pendingGauge.Set(1)
	} else {
		pendingGauge.Set(0)
	}
}

// RecordPoll counts a pull endpoint request.
func (r *Recorder) RecordPoll(result string) {
	if !metricsRegistered {
		return
	}
	pollRequests.WithLabelValues(result).Inc()
}

// RecordReloadFailure counts a failed reload for role.
func (r *Recorder) RecordReloadFailure(role string) {
	if !metricsRegistered {
		return
	}
	reloadFailures.WithLabelValues(role).Inc()
}

// RecordSync counts an agent cycle; kind is an error kind or "none".
func (r *Recorder) RecordSync(outcome, kind string, at time.Time) {
	if !metricsRegistered {
		return
	}
	syncAttempts.WithLabelValues(outcome, kind).Inc()
	if outcome == "success" {
		syncLastSuccess.Set(float64(at.Unix()))
	}
}

// RecordNotificationDropped counts an alert lost to a full queue.
func (r *Recorder) RecordNotificationDropped() {
	if !metricsRegistered {
		return
	}
	notificationsDropped.Inc()
}
