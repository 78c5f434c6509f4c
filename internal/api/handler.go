package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/detection"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/lifecycle"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	detection *detection.Service
	lifecycle *lifecycle.Service
	version   string

	// async routes run requests through the event bus to a worker.
	async bool
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies, version string) *Handler {
	return &Handler{
		repo:      deps.Repo,
		cache:     deps.Cache,
		bus:       deps.Bus,
		detection: deps.Detection,
		lifecycle: deps.Lifecycle,
		version:   version,
		async:     deps.AsyncDetection && deps.Bus != nil,
	}
}

// RunDetection handles POST /detection/run.
func (h *Handler) RunDetection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.async {
		h.requestDetection(w, r)
		return
	}

	run, err := h.detection.Run(ctx)
	resp := detection.NewResponse(run, err, time.Now())
	writeJSON(w, runStatusCode(err), resp)
}

// requestDetection asks a worker to run detection and relays its answer.
func (h *Handler) requestDetection(w http.ResponseWriter, r *http.Request) {
	payload, _ := json.Marshal(worker.RunRequest{RequestedBy: r.Header.Get(OperatorIDHeader)})

	reply, err := h.bus.Request(r.Context(), domain.TopicDetectionRequested, payload)
	if err != nil {
		slog.Error("detection request failed", "error", err)
		writeJSON(w, http.StatusBadGateway, detection.NewResponse(nil, err, time.Now()))
		return
	}

	var resp detection.Response
	if err := json.Unmarshal(reply, &resp); err != nil {
		writeJSON(w, http.StatusBadGateway, detection.NewResponse(nil, err, time.Now()))
		return
	}

	status := http.StatusOK
	if !resp.Success {
		status = http.StatusInternalServerError
		if resp.Error == detection.ErrRunInProgress.Error() {
			status = http.StatusConflict
		}
	}
	writeJSON(w, status, resp)
}

func runStatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, detection.ErrRunInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ListRuns handles GET /detection/runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}

	runs, err := h.detection.Runs(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	summaries := make([]*detection.Summary, len(runs))
	for i, run := range runs {
		summaries[i] = detection.NewSummary(run)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  summaries,
		"count": len(summaries),
	})
}

// LastRun handles GET /detection/runs/last.
func (h *Handler) LastRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.detection.LastRun(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if run == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no detection run recorded",
		})
		return
	}
	writeJSON(w, http.StatusOK, detection.NewSummary(run))
}

// ListLogs handles GET /detection/logs.
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}

	logs, err := h.detection.Logs(r.Context(), domain.LogFilter{
		SubjectID: r.URL.Query().Get("subjectId"),
		RunID:     r.URL.Query().Get("runId"),
		Limit:     limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

// ListRules handles GET /rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	infos := h.detection.Rules().Infos()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": infos,
		"count": len(infos),
	})
}

// ListFlags handles GET /flags.
func (h *Handler) ListFlags(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}

	flags, err := h.repo.ListFlags(r.Context(), domain.FlagFilter{
		Status:    domain.FlagStatus(strings.ToUpper(r.URL.Query().Get("status"))),
		SubjectID: r.URL.Query().Get("subjectId"),
		Limit:     limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flags": flags,
		"count": len(flags),
	})
}

// GetFlag handles GET /flags/{id}.
func (h *Handler) GetFlag(w http.ResponseWriter, r *http.Request) {
	flag, err := h.repo.GetFlag(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

// FlagStats handles GET /flags/stats.
func (h *Handler) FlagStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.repo.CountFlagsByStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"counts": counts,
	})
}

// CreateFlagRequest is the request body for POST /flags.
type CreateFlagRequest struct {
	SubjectID string `json:"subjectId"`
	Reason    string `json:"reason"`
}

// TransitionRequest is the request body for flag transitions.
type TransitionRequest struct {
	Notes         string `json:"notes,omitempty"`
	Justification string `json:"justification,omitempty"`
}

// CompleteReKYCRequest is the request body for POST /rekyc/{id}/complete.
type CompleteReKYCRequest struct {
	Approved bool `json:"approved"`
}

// CreateFlag handles POST /flags.
func (h *Handler) CreateFlag(w http.ResponseWriter, r *http.Request) {
	var req CreateFlagRequest
	if !decodeBody(w, r, &req) {
		return
	}

	flag, err := h.lifecycle.FlagManually(r.Context(), req.SubjectID, GetOperatorID(r.Context()), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, flag)
}

// ClearFlag handles POST /flags/{id}/clear.
func (h *Handler) ClearFlag(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lifecycle.Clear)
}

// BlacklistFlag handles POST /flags/{id}/blacklist.
func (h *Handler) BlacklistFlag(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lifecycle.Blacklist)
}

// UnblacklistFlag handles POST /flags/{id}/unblacklist.
func (h *Handler) UnblacklistFlag(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	flag, err := h.lifecycle.Unblacklist(r.Context(), chi.URLParam(r, "id"), GetOperatorID(r.Context()), req.Justification)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

// RequestReKYC handles POST /flags/{id}/rekyc.
func (h *Handler) RequestReKYC(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	flag, rekyc, err := h.lifecycle.RequestReKYC(r.Context(), chi.URLParam(r, "id"), GetOperatorID(r.Context()), req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flag":  flag,
		"rekyc": rekyc,
	})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, flagID, operatorID, notes string) (*domain.RiskFlag, error)) {
	var req TransitionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	flag, err := apply(r.Context(), chi.URLParam(r, "id"), GetOperatorID(r.Context()), req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

// ListReKYC handles GET /rekyc.
func (h *Handler) ListReKYC(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.repo.ListReKYCRequests(r.Context(), domain.ReKYCStatus(strings.ToUpper(r.URL.Query().Get("status"))))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": reqs,
		"count":    len(reqs),
	})
}

// CompleteReKYC handles POST /rekyc/{id}/complete.
func (h *Handler) CompleteReKYC(w http.ResponseWriter, r *http.Request) {
	var req CompleteReKYCRequest
	if !decodeBody(w, r, &req) {
		return
	}

	rekyc, flag, err := h.lifecycle.CompleteReKYC(r.Context(), chi.URLParam(r, "id"), GetOperatorID(r.Context()), req.Approved)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rekyc": rekyc,
		"flag":  flag,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check event bus health
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// decodeBody parses an optional JSON body. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, domain.ErrInvalidInput
	}
	return limit, nil
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrJustificationRequired):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrOperatorRequired):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrActiveFlagExists):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		writeJSON(w, status, map[string]string{
			"error": "internal server error",
		})
		return
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
