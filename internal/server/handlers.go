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

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/musubi/internal/auth"
	"github.com/ashita-ai/musubi/internal/integrity"
	"github.com/ashita-ai/musubi/internal/jobs"
	"github.com/ashita-ai/musubi/internal/model"
	"github.com/ashita-ai/musubi/internal/service/quality"
	"github.com/ashita-ai/musubi/internal/storage"
)

// Store is the storage surface the HTTP handlers depend on. *storage.DB
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	Ping(ctx context.Context) error
	CreateTrace(ctx context.Context, name, digest string) (model.Trace, bool, error)
	GetTrace(ctx context.Context, id uuid.UUID) (model.Trace, error)
	ListTraces(ctx context.Context, limit, offset int) ([]model.Trace, int, error)
	ListEdges(ctx context.Context, traceID uuid.UUID, flow *model.FlowID, limit, offset int) ([]model.Edge, int, error)
	GetCounters(ctx context.Context, traceID uuid.UUID) (map[string]int64, error)
	GetClient(ctx context.Context, id string) (model.Client, error)
	CreateClient(ctx context.Context, c model.Client) error
	TouchClient(ctx context.Context, id string) error
}

// JobRunner is the job manager surface the handlers depend on.
// *jobs.Manager satisfies it.
type JobRunner interface {
	Submit(traceID uuid.UUID, name string, payload []byte) jobs.Job
	Get(id uuid.UUID) (jobs.Job, bool)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	jobs                JobRunner
	jwtMgr              *auth.JWTManager
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
	kafkaEnabled        bool
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, OpenAPISpec.
type HandlersDeps struct {
	Store               Store
	Jobs                JobRunner
	JWTMgr              *auth.JWTManager
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
	KafkaEnabled        bool
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		jobs:                d.Jobs,
		jwtMgr:              d.JWTMgr,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
		kafkaEnabled:        d.KafkaEnabled,
	}
}

// HandleAuthToken handles POST /v1/auth/token. Exchanges a client id and
// API key for a short-lived JWT carrying the client's scopes.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ClientID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "client_id and api_key are required")
		return
	}

	client, err := h.store.GetClient(r.Context(), req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Burn the same time as a real verification so existence of
			// client ids cannot be probed through response timing.
			auth.DummyVerify()
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return
		}
		h.writeInternalError(w, r, "failed to load client", err)
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, client.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(client.ID, client.Scopes)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	if err := h.store.TouchClient(r.Context(), client.ID); err != nil {
		h.logger.Warn("touch client", "client_id", client.ID, "error", err)
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleUploadTrace handles POST /v1/traces. The body is a raw Chrome JSON
// trace; correlation runs asynchronously. Re-uploading a payload already
// ingested returns the existing trace instead of a new job.
func (h *Handlers) HandleUploadTrace(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeTooLarge,
				fmt.Sprintf("trace payload exceeds %d bytes", maxErr.Limit))
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "failed to read request body")
		return
	}
	if len(body) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "empty trace payload")
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = "unnamed trace"
	}
	if err := model.ValidateTraceName(name); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	oteltrace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int("musubi.payload_bytes", len(body)),
	)

	digest := integrity.Digest(body)
	tr, created, err := h.store.CreateTrace(r.Context(), name, digest)
	if err != nil {
		h.writeInternalError(w, r, "failed to create trace", err)
		return
	}
	if !created {
		// Identical payload already ingested (and not failed): point the
		// caller at the existing trace rather than re-processing.
		writeJSON(w, r, http.StatusOK, tr)
		return
	}

	job := h.jobs.Submit(tr.ID, name, body)
	h.logger.Info("trace upload accepted",
		"trace_id", tr.ID, "job_id", job.ID, "bytes", len(body),
		"client_id", clientID(r), "request_id", RequestIDFromContext(r.Context()))

	writeJSON(w, r, http.StatusAccepted, model.UploadAccepted{
		JobID:   job.ID,
		TraceID: tr.ID,
	})
}

// HandleGetJob handles GET /v1/jobs/{job_id}.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("job_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid job id")
		return
	}

	job, ok := h.jobs.Get(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "job not found")
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

// HandleListTraces handles GET /v1/traces.
func (h *Handlers) HandleListTraces(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	traces, total, err := h.store.ListTraces(r.Context(), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list traces", err)
		return
	}
	writeList(w, r, traces, len(traces), total, limit, offset)
}

// HandleGetTrace handles GET /v1/traces/{trace_id}.
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	tr, ok := h.traceFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, tr)
}

// HandleListEdges handles GET /v1/traces/{trace_id}/edges. The optional
// flow query parameter restricts the listing to one flow id.
func (h *Handlers) HandleListEdges(w http.ResponseWriter, r *http.Request) {
	tr, ok := h.traceFromPath(w, r)
	if !ok {
		return
	}

	var flowFilter *model.FlowID
	if v := r.URL.Query().Get("flow"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "flow must be an unsigned integer")
			return
		}
		f := model.FlowID(n)
		flowFilter = &f
	}

	limit := queryLimit(r, 100)
	offset := queryOffset(r)

	edges, total, err := h.store.ListEdges(r.Context(), tr.ID, flowFilter, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list edges", err)
		return
	}
	writeList(w, r, edges, len(edges), total, limit, offset)
}

// HandleTraceQuality handles GET /v1/traces/{trace_id}/quality. Quality is
// derived from the trace's anomaly counters, so it is only available once
// processing has completed.
func (h *Handlers) HandleTraceQuality(w http.ResponseWriter, r *http.Request) {
	tr, ok := h.traceFromPath(w, r)
	if !ok {
		return
	}
	if tr.Status != model.TraceStatusCompleted {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			fmt.Sprintf("trace is %s; quality requires a completed trace", tr.Status))
		return
	}

	counters, err := h.store.GetCounters(r.Context(), tr.ID)
	if err != nil {
		h.writeInternalError(w, r, "failed to load counters", err)
		return
	}
	writeJSON(w, r, http.StatusOK, quality.Assess(tr.EventCount, counters))
}

// HandleEvents handles GET /v1/events: an SSE stream of trace lifecycle
// notifications fanned out from Postgres.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"event stream not available (LISTEN/NOTIFY not configured)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	if h.kafkaEnabled {
		resp.Kafka = "enabled"
	}
	if h.broker != nil {
		resp.Broker = "running"
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// SeedClient creates the bootstrap API client if it does not already exist.
// Both arguments empty means no bootstrap is configured, which is fine when
// clients were provisioned some other way.
func (h *Handlers) SeedClient(ctx context.Context, clientID, apiKey string) error {
	if clientID == "" || apiKey == "" {
		return nil
	}

	if _, err := h.store.GetClient(ctx, clientID); err == nil {
		h.logger.Info("bootstrap client already exists", "client_id", clientID)
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("server: seed client: %w", err)
	}

	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return fmt.Errorf("server: seed client: %w", err)
	}
	err = h.store.CreateClient(ctx, model.Client{
		ID:         clientID,
		APIKeyHash: hash,
		Scopes:     []string{auth.ScopeIngest, auth.ScopeRead},
	})
	if err != nil {
		return fmt.Errorf("server: seed client: %w", err)
	}
	h.logger.Info("bootstrap client created", "client_id", clientID)
	return nil
}

// traceFromPath loads the trace named by the trace_id path segment, writing
// the error response itself when that fails.
func (h *Handlers) traceFromPath(w http.ResponseWriter, r *http.Request) (model.Trace, bool) {
	id, err := uuid.Parse(r.PathValue("trace_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid trace id")
		return model.Trace{}, false
	}

	tr, err := h.store.GetTrace(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "trace not found")
			return model.Trace{}, false
		}
		h.writeInternalError(w, r, "failed to load trace", err)
		return model.Trace{}, false
	}
	return tr, true
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func clientID(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		return claims.Subject
	}
	return ""
}

const maxQueryLimit = 1000

// queryLimit returns a bounded positive limit from query params.
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit <= 0 {
		return defaultVal
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// maxQueryOffset prevents absurdly large offset values that cause expensive
// sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
