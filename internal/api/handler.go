// Package api provides the HTTP API handlers and routing for the aggregation service.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aggregator/internal/aggregate"
	"aggregator/internal/apperrors"
	"aggregator/internal/health"
	"aggregator/internal/record"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the aggregation API
type Handler struct {
	svc    *aggregate.Service
	health *health.Checker
	authz  Authorizer
	owners OwnerHeaderAuthorizer
}

// NewHandler creates a new API handler. A nil authz uses OwnerHeaderAuthorizer.
func NewHandler(svc *aggregate.Service, healthChecker *health.Checker, authz Authorizer, principalHeader string) *Handler {
	owners := OwnerHeaderAuthorizer{Header: principalHeader}
	if authz == nil {
		authz = owners
	}
	return &Handler{
		svc:    svc,
		health: healthChecker,
		authz:  authz,
		owners: owners,
	}
}

type createRecordRequest struct {
	OwnerID   string `json:"ownerId"`
	SlotCount int    `json:"slotCount"`
}

type createJobRequest struct {
	RecordID   string          `json:"recordId"`
	SlotIndex  *int            `json:"slotIndex"`
	Parameters json.RawMessage `json:"parameters"`
}

// recordView is the API representation of a record: slots as url|null.
type recordView struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	SlotCount   int        `json:"slotCount"`
	Slots       []*string  `json:"slots"`
	Filled      int        `json:"filled"`
	Completed   bool       `json:"completed"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func newRecordView(rec *record.Record) *recordView {
	slots := make([]*string, len(rec.Slots))
	for i, s := range rec.Slots {
		if s != nil {
			u := s.URL
			slots[i] = &u
		}
	}
	return &recordView{
		ID:          rec.ID,
		OwnerID:     rec.OwnerID,
		SlotCount:   rec.SlotCount,
		Slots:       slots,
		Filled:      rec.Filled(),
		Completed:   rec.Completed,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		CompletedAt: rec.CompletedAt,
	}
}

// CreateRecord handles POST /v1/records
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var req createRecordRequest
	if !h.decode(w, r, &req) {
		return
	}

	principal := h.owners.Principal(r)
	if req.OwnerID == "" {
		req.OwnerID = principal
	} else if principal != "" && req.OwnerID != principal {
		h.handleError(w, r, apperrors.Forbidden("owner", req.OwnerID))
		return
	}

	rec, err := h.svc.CreateRecord(r.Context(), req.OwnerID, req.SlotCount)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, newRecordView(rec))
}

// GetRecord handles GET /v1/records/{recordId}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadRecord(w, r, r.PathValue("recordId"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newRecordView(rec))
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RecordID == "" {
		h.handleError(w, r, apperrors.Validation("recordId", "recordId is required"))
		return
	}
	if req.SlotIndex == nil {
		h.handleError(w, r, apperrors.Validation("slotIndex", "slotIndex is required"))
		return
	}

	rec, ok := h.loadRecord(w, r, req.RecordID)
	if !ok {
		return
	}

	handle, err := h.svc.SubmitJob(r.Context(), rec, *req.SlotIndex, req.Parameters)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, handle)
}

// JobStatus handles GET /v1/jobs/{jobId}/status?recordId=&slotIndex=
// On success the request itself materializes the result and fills the slot.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.handleError(w, r, apperrors.Validation("jobId", "job ID is required"))
		return
	}

	q := r.URL.Query()
	recordID := q.Get("recordId")
	if recordID == "" {
		h.handleError(w, r, apperrors.Validation("recordId", "recordId query parameter is required"))
		return
	}
	slot, err := strconv.Atoi(q.Get("slotIndex"))
	if err != nil {
		h.handleError(w, r, apperrors.Validation("slotIndex", "slotIndex query parameter must be an integer"))
		return
	}

	rec, ok := h.loadRecord(w, r, recordID)
	if !ok {
		return
	}

	res, err := h.svc.PollJob(r.Context(), rec, slot, jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the record store, provider or object storage is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

// loadRecord reads and authorizes a record, writing the error response on failure.
func (h *Handler) loadRecord(w http.ResponseWriter, r *http.Request, id string) (*record.Record, bool) {
	rec, err := h.svc.GetRecord(r.Context(), id)
	if err == nil {
		err = h.authz.Authorize(r, rec)
	}
	if err != nil {
		h.handleError(w, r, err)
		return nil, false
	}
	return rec, true
}

// decode reads a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := "Invalid request body: " + err.Error()
		if errors.Is(err, io.EOF) {
			msg = "Request body is required"
		}
		writeError(w, http.StatusBadRequest, msg, false)
		return false
	}
	return true
}

// errorResponse is the body of every error response.
type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable"`
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string, retryable bool) {
	writeJSON(w, status, errorResponse{Error: message, Retryable: retryable})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	retryable := apperrors.Retryable(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Request failed", "error", err, "path", r.URL.Path, "status", status, "retryable", retryable)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	if retryable {
		w.Header().Set("Retry-After", "2")
	}
	writeJSON(w, status, errorResponse{
		Error:     strings.TrimSpace(err.Error()),
		Code:      apperrors.Code(err),
		Field:     apperrors.FieldOf(err),
		Retryable: retryable,
	})
}
