package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/k11v/deployer/internal/deploy"
)

const (
	headerXUserID    = "X-User-ID"
	headerXUserEmail = "X-User-Email"

	contentTypeAPK = "application/vnd.android.package-archive"

	checkTimeout = 5 * time.Second
)

type handler struct {
	starter Starter
	service Service
	checks  map[string]Check
	log     *slog.Logger
}

// NewHandler returns the router of the deployment API.
func NewHandler(params *Params) http.Handler {
	log := params.Log
	if log == nil {
		log = slog.Default()
	}
	h := &handler{
		starter: params.Starter,
		service: params.Service,
		checks:  params.Checks,
		log:     log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logRequests(log))
	r.Use(middleware.Recoverer)

	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	r.Get("/health", h.GetHealth)
	if params.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(params.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/deployments/{kind}", func(r chi.Router) {
		r.Post("/", h.StartAttempt)
		r.Get("/", h.ListAttempts)
		r.Get("/{id}", h.GetAttempt)
		r.Get("/{id}/logs", h.GetLogs)
		r.Post("/{id}/cancel", h.CancelAttempt)
		r.Get("/{id}/artifact", h.GetArtifact)
	})

	return r
}

func (h *handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks,omitempty"`
	}

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	resp := response{Status: "ok"}
	status := http.StatusOK
	for name, check := range h.checks {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(h.checks))
		}
		if err := check(ctx); err != nil {
			h.log.Warn("health check failed", "check", name, "error", err)
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	respondJSON(w, status, resp)
}

func (h *handler) StartAttempt(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}

	// Headers X-User-ID and X-User-Email, set by the authenticating proxy.
	initiator := deploy.Initiator{
		UserID: r.Header.Get(headerXUserID),
		Email:  r.Header.Get(headerXUserEmail),
	}
	if initiator.UserID == "" {
		respondError(w, http.StatusUnprocessableEntity, fmt.Errorf("missing %s request header", headerXUserID))
		return
	}

	a, err := h.starter.Start(r.Context(), kind, initiator)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusAccepted, newAttemptResponse(a))
}

func (h *handler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	a, ok := h.attempt(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, newAttemptResponse(a))
}

func (h *handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Logs           []*logEntryResponse `json:"logs"`
		LastSequenceID int64               `json:"last_sequence_id"`
	}

	a, ok := h.attempt(w, r)
	if !ok {
		return
	}

	// Query parameter since
	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		var err error
		since, err = strconv.ParseInt(s, 10, 64)
		if err != nil || since < 0 {
			respondError(w, http.StatusUnprocessableEntity, fmt.Errorf("invalid since query parameter %q", s))
			return
		}
	}

	entries, err := h.service.GetLogs(r.Context(), a.ID, since)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	resp := response{Logs: make([]*logEntryResponse, 0, len(entries)), LastSequenceID: since}
	for _, e := range entries {
		resp.Logs = append(resp.Logs, newLogEntryResponse(e))
		resp.LastSequenceID = e.SequenceID
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Attempts []*attemptResponse `json:"attempts"`
		Total    int                `json:"total"`
		Page     int                `json:"page"`
		PageSize int                `json:"page_size"`
	}

	kind, ok := h.kind(w, r)
	if !ok {
		return
	}

	page, err := intQuery(r, "page")
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err)
		return
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err)
		return
	}

	history, err := h.service.ListHistory(r.Context(), kind, page, limit)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	resp := response{
		Attempts: make([]*attemptResponse, 0, len(history.Attempts)),
		Total:    history.Total,
		Page:     history.Page,
		PageSize: history.PageSize,
	}
	for _, a := range history.Attempts {
		resp.Attempts = append(resp.Attempts, newAttemptResponse(a))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *handler) CancelAttempt(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Message string           `json:"message"`
		Attempt *attemptResponse `json:"attempt"`
	}

	a, ok := h.attempt(w, r)
	if !ok {
		return
	}

	a, err := h.service.Cancel(r.Context(), a.ID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, response{Message: "Cancellation requested", Attempt: newAttemptResponse(a)})
}

func (h *handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	a, ok := h.attempt(w, r)
	if !ok {
		return
	}
	if a.Kind != deploy.KindAPKBuild {
		respondError(w, http.StatusNotFound, fmt.Errorf("%s attempts have no artifact", a.Kind))
		return
	}

	f, err := h.service.OpenArtifact(r.Context(), a.ID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	defer closeWithLog(h.log, f.Body)

	w.Header().Set("Content-Type", contentTypeAPK)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.Name))
	w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err = io.Copy(w, f.Body); err != nil {
		h.log.Warn("didn't send artifact", "attempt_id", a.ID, "error", err)
	}
}

// kind parses the {kind} path value.
func (h *handler) kind(w http.ResponseWriter, r *http.Request) (deploy.Kind, bool) {
	const pathValueKind = "kind"
	s := chi.URLParam(r, pathValueKind)
	kind, known := deploy.KindFromString(s)
	if !known {
		respondError(w, http.StatusNotFound, fmt.Errorf("%w: %q", deploy.ErrUnknownKind, s))
		return "", false
	}
	return kind, true
}

// attempt loads the attempt named by the {kind} and {id} path values.
// An attempt of another kind is not found.
func (h *handler) attempt(w http.ResponseWriter, r *http.Request) (*deploy.Attempt, bool) {
	kind, ok := h.kind(w, r)
	if !ok {
		return nil, false
	}

	const pathValueID = "id"
	id, err := uuid.Parse(chi.URLParam(r, pathValueID))
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, fmt.Errorf("invalid %q request path value: %w", pathValueID, err))
		return nil, false
	}

	a, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return nil, false
	}
	if a.Kind != kind {
		respondError(w, http.StatusNotFound, deploy.ErrNotFound)
		return nil, false
	}
	return a, true
}

func (h *handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, deploy.ErrNotFound), errors.Is(err, deploy.ErrUnknownKind):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, deploy.ErrConflict), errors.Is(err, deploy.ErrAlreadyTerminal):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, deploy.ErrShutdown):
		respondError(w, http.StatusServiceUnavailable, err)
	default:
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		respondError(w, http.StatusInternalServerError, errors.New("internal server error"))
	}
}

func intQuery(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("invalid %s query parameter %q", name, s)
	}
	return v, nil
}

// logRequests logs every request once it is served.
func logRequests(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Debug(
					"served request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
