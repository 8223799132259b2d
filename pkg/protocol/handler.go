package protocol

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	dserrors "github.com/systmms/tunrot/internal/errors"
	"github.com/systmms/tunrot/internal/logging"
	"github.com/systmms/tunrot/internal/metrics"
	"github.com/systmms/tunrot/pkg/rotation"
)

// Source answers polls. *rotation.Coordinator implements it.
type Source interface {
	GetPending(credential string) (*rotation.PendingRotation, bool, error)
	LastFinalized(credential string) (*rotation.FinalizedRotation, bool, error)
}

var _ Source = (*rotation.Coordinator)(nil)

// HandlerOptions configures the pull endpoint router.
type HandlerOptions struct {
	Source Source

	// ExposeFinalized adds the last finalized rotation to "none" answers so
	// clients that missed the pending window can catch up.
	ExposeFinalized bool

	// MetricsPath mounts the Prometheus handler when non-empty.
	MetricsPath string

	Metrics *metrics.Recorder
	Logger  *logging.Logger
}

// Poll results recorded in tunrot_poll_requests_total.
const (
	resultPending      = "pending"
	resultNone         = "none"
	resultBadRequest   = "bad_request"
	resultUnauthorized = "unauthorized"
	resultUnavailable  = "unavailable"
	resultError        = "error"
)

type pendingHandler struct {
	source          Source
	exposeFinalized bool
	metrics         *metrics.Recorder
	logger          *logging.Logger
}

// NewHandler builds the HTTP surface of the rotation server.
func NewHandler(opts HandlerOptions) http.Handler {
	h := &pendingHandler{
		source:          opts.Source,
		exposeFinalized: opts.ExposeFinalized,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
	}
	if h.metrics == nil {
		h.metrics = metrics.NewRecorder()
	}
	if h.logger == nil {
		h.logger = logging.Discard()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(PendingPath, h.servePending)
	r.Get(HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if opts.MetricsPath != "" {
		r.Method(http.MethodGet, opts.MetricsPath, promhttp.Handler())
	}
	return r
}

func (h *pendingHandler) servePending(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	// Query strings end up in access logs and proxies.
	if r.URL.RawQuery != "" {
		h.fail(w, http.StatusBadRequest, resultBadRequest,
			"query parameters are not accepted; send the rotation key in the "+CredentialHeader+" header")
		return
	}

	credential := r.Header.Get(CredentialHeader)
	pending, ok, err := h.source.GetPending(credential)
	switch {
	case errors.Is(err, dserrors.ErrAuthentication):
		h.logger.Warn("Rejected poll from %s: bad rotation key", r.RemoteAddr)
		h.fail(w, http.StatusUnauthorized, resultUnauthorized, "invalid rotation key")
		return
	case err != nil:
		h.logger.Error("Pending rotation record unreadable: %v", err)
		h.fail(w, http.StatusServiceUnavailable, resultUnavailable, "pending rotation record unavailable")
		return
	}

	resp := PendingResponse{Status: StatusNone}
	result := resultNone
	if ok {
		resp.Status = StatusPending
		resp.Rotation = pending
		result = resultPending
	} else if h.exposeFinalized {
		finalized, found, err := h.source.LastFinalized(credential)
		if err != nil {
			h.logger.Warn("Last finalized rotation unreadable: %v", err)
		} else if found {
			resp.LastFinalized = finalized
		}
	}

	body, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("Failed to encode poll response: %v", err)
		h.fail(w, http.StatusInternalServerError, resultError, "internal error")
		return
	}

	h.metrics.RecordPoll(result)
	h.logger.Debug("Poll from %s: %s", r.RemoteAddr, result)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *pendingHandler) fail(w http.ResponseWriter, status int, result, message string) {
	h.metrics.RecordPoll(result)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
