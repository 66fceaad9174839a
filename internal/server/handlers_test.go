package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/musubi/internal/auth"
	"github.com/ashita-ai/musubi/internal/jobs"
	"github.com/ashita-ai/musubi/internal/model"
	"github.com/ashita-ai/musubi/internal/storage"
	"github.com/ashita-ai/musubi/internal/trace"
)

// fakeStore is an in-memory implementation of both the handler Store and
// jobs.Store, so handler tests exercise a real jobs.Manager end to end
// without Postgres.
type fakeStore struct {
	mu       sync.Mutex
	traces   map[uuid.UUID]model.Trace
	byDigest map[string]uuid.UUID
	edges    map[uuid.UUID][]model.Edge
	counters map[uuid.UUID]map[string]int64
	clients  map[string]model.Client
	touched  []string
	pingErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		traces:   make(map[uuid.UUID]model.Trace),
		byDigest: make(map[string]uuid.UUID),
		edges:    make(map[uuid.UUID][]model.Edge),
		counters: make(map[uuid.UUID]map[string]int64),
		clients:  make(map[string]model.Client),
	}
}

func (f *fakeStore) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeStore) CreateTrace(_ context.Context, name, digest string) (model.Trace, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byDigest[digest]; ok {
		if existing := f.traces[id]; existing.Status != model.TraceStatusFailed {
			return existing, false, nil
		}
	}
	tr := model.Trace{
		ID:            uuid.New(),
		Name:          name,
		ContentDigest: digest,
		Status:        model.TraceStatusProcessing,
		CreatedAt:     time.Now().UTC(),
	}
	f.traces[tr.ID] = tr
	f.byDigest[digest] = tr.ID
	return tr, true, nil
}

func (f *fakeStore) GetTrace(_ context.Context, id uuid.UUID) (model.Trace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr, ok := f.traces[id]
	if !ok {
		return model.Trace{}, storage.ErrNotFound
	}
	return tr, nil
}

func (f *fakeStore) ListTraces(_ context.Context, limit, offset int) ([]model.Trace, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := make([]model.Trace, 0, len(f.traces))
	for _, tr := range f.traces {
		all = append(all, tr)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, limit, offset), len(all), nil
}

func (f *fakeStore) ListEdges(_ context.Context, traceID uuid.UUID, flow *model.FlowID, limit, offset int) ([]model.Edge, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []model.Edge
	for _, e := range f.edges[traceID] {
		if flow != nil && e.Flow != *flow {
			continue
		}
		matched = append(matched, e)
	}
	return page(matched, limit, offset), len(matched), nil
}

func (f *fakeStore) GetCounters(_ context.Context, traceID uuid.UUID) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters[traceID], nil
}

func (f *fakeStore) GetClient(_ context.Context, id string) (model.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[id]
	if !ok {
		return model.Client{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) CreateClient(_ context.Context, c model.Client) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c.ID]; ok {
		return errors.New("client already exists")
	}
	f.clients[c.ID] = c
	return nil
}

func (f *fakeStore) TouchClient(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeStore) SessionWriter(traceID uuid.UUID) trace.TraceWriter {
	return &fakeWriter{store: f, traceID: traceID, sink: trace.NewMemorySink()}
}

func (f *fakeStore) MarkTraceFailed(_ context.Context, id uuid.UUID, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr, ok := f.traces[id]
	if !ok {
		return nil
	}
	tr.Status = model.TraceStatusFailed
	tr.Error = &msg
	f.traces[id] = tr
	return nil
}

func (f *fakeStore) NotifyTrace(context.Context, uuid.UUID, model.TraceStatus, int64) {}

func page[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

// fakeWriter collects the session's output in memory and finalizes the fake
// trace row on Finish, the way the Postgres SessionWriter does.
type fakeWriter struct {
	store   *fakeStore
	traceID uuid.UUID
	sink    *trace.MemorySink
}

func (w *fakeWriter) InsertEdge(flow model.FlowID, out, in model.SliceID) (model.EdgeID, error) {
	return w.sink.InsertEdge(flow, out, in)
}

func (w *fakeWriter) AttachEdgeArg(edge model.EdgeID, key, value string) error {
	return w.sink.AttachEdgeArg(edge, key, value)
}

func (w *fakeWriter) WriteSlice(s model.Slice) error { return w.sink.WriteSlice(s) }

func (w *fakeWriter) WriteTracks(tracks []model.Track) error { return w.sink.WriteTracks(tracks) }

func (w *fakeWriter) EdgeCount() int64 { return w.sink.EdgeCount() }

func (w *fakeWriter) Finish(ctx context.Context, sum trace.Summary) error {
	if err := w.sink.Finish(ctx, sum); err != nil {
		return err
	}
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	tr := w.store.traces[w.traceID]
	now := time.Now().UTC()
	tr.Status = model.TraceStatusCompleted
	tr.EventCount = sum.Events
	tr.SliceCount = sum.Slices
	tr.EdgeCount = sum.Edges
	tr.CompletedAt = &now
	w.store.traces[w.traceID] = tr
	w.store.edges[w.traceID] = append([]model.Edge(nil), w.sink.Edges...)
	w.store.counters[w.traceID] = sum.Counters
	return nil
}

const (
	testClientID = "test-client"
	testAPIKey   = "musubi_test_key"
)

// A begin/end pair linked to a complete event by one legacy flow.
// Correlates into 6 applied events, 2 slices, and 1 edge.
const validTracePayload = `[
	{"name":"span","cat":"demo","ph":"B","ts":1,"pid":1,"tid":1},
	{"name":"link","cat":"demo","ph":"s","ts":1,"pid":1,"tid":1,"id":"0x1"},
	{"name":"span","cat":"demo","ph":"E","ts":3,"pid":1,"tid":1},
	{"name":"sink","cat":"demo","ph":"X","ts":4,"dur":2,"pid":1,"tid":2},
	{"name":"link","cat":"demo","ph":"f","bp":"e","ts":4,"pid":1,"tid":2,"id":"0x1"}
]`

func newTestServer(t *testing.T, store *fakeStore, opts ...func(*ServerConfig)) *Server {
	t.Helper()
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	mgr := jobs.NewManager(store, nil, nil, testLogger(), 2)
	t.Cleanup(mgr.Stop)

	cfg := ServerConfig{
		Store:               store,
		Jobs:                mgr,
		JWTMgr:              jwtMgr,
		Logger:              testLogger(),
		Port:                0,
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		OpenAPISpec:         []byte("openapi: 3.0.3\n"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg)
}

func seedTestClient(t *testing.T, store *fakeStore, id, apiKey string, scopes ...string) {
	t.Helper()
	if len(scopes) == 0 {
		scopes = []string{auth.ScopeIngest, auth.ScopeRead}
	}
	hash, err := auth.HashAPIKey(apiKey)
	require.NoError(t, err)
	store.clients[id] = model.Client{
		ID:         id,
		APIKeyHash: hash,
		Scopes:     scopes,
		CreatedAt:  time.Now().UTC(),
	}
}

func fetchToken(t *testing.T, handler http.Handler, clientID, apiKey string) string {
	t.Helper()
	body := fmt.Sprintf(`{"client_id":%q,"api_key":%q}`, clientID, apiKey)
	rec := doRequest(handler, "POST", "/v1/auth/token", "", body)
	require.Equal(t, http.StatusOK, rec.Code, "token exchange failed: %s", rec.Body.String())

	var resp struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.Token)
	return resp.Data.Token
}

func doRequest(handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr), "not an error envelope: %s", rec.Body.String())
	return apiErr.Error.Code
}

func TestAuthTokenFlow(t *testing.T) {
	store := newFakeStore()
	seedTestClient(t, store, testClientID, testAPIKey)
	handler := newTestServer(t, store).Handler()

	var resp struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	rec := doRequest(handler, "POST", "/v1/auth/token", "",
		fmt.Sprintf(`{"client_id":%q,"api_key":%q}`, testClientID, testAPIKey))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data.Token)
	assert.True(t, resp.Data.ExpiresAt.After(time.Now()), "token should expire in the future")
	assert.Contains(t, store.touched, testClientID, "successful exchange should touch the client")

	// Wrong key.
	rec = doRequest(handler, "POST", "/v1/auth/token", "",
		fmt.Sprintf(`{"client_id":%q,"api_key":"wrong"}`, testClientID))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, model.ErrCodeUnauthorized, errCode(t, rec))

	// Unknown client.
	rec = doRequest(handler, "POST", "/v1/auth/token", "",
		`{"client_id":"nobody","api_key":"whatever"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Missing fields.
	rec = doRequest(handler, "POST", "/v1/auth/token", "", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, rec))
}

func TestUploadTraceLifecycle(t *testing.T) {
	store := newFakeStore()
	seedTestClient(t, store, testClientID, testAPIKey)
	handler := newTestServer(t, store).Handler()
	token := fetchToken(t, handler, testClientID, testAPIKey)

	// Upload.
	rec := doRequest(handler, "POST", "/v1/traces?name=checkout", token, validTracePayload)
	require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())

	var accepted struct {
		Data model.UploadAccepted `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	require.NotEqual(t, uuid.Nil, accepted.Data.JobID)
	require.NotEqual(t, uuid.Nil, accepted.Data.TraceID)

	// Poll the job until it finishes.
	var job jobs.Job
	require.Eventually(t, func() bool {
		rec := doRequest(handler, "GET", "/v1/jobs/"+accepted.Data.JobID.String(), token, "")
		if rec.Code != http.StatusOK {
			return false
		}
		var resp struct {
			Data jobs.Job `json:"data"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			return false
		}
		job = resp.Data
		return job.Terminal()
	}, 5*time.Second, 10*time.Millisecond, "job never reached a terminal state")

	require.Equal(t, jobs.StatusCompleted, job.Status, "job error: %s", job.Error)
	require.NotNil(t, job.Summary)
	assert.Equal(t, int64(6), job.Summary.Events)
	assert.Equal(t, int64(1), job.Summary.Edges)

	// The trace row was finalized.
	rec = doRequest(handler, "GET", "/v1/traces/"+accepted.Data.TraceID.String(), token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var trResp struct {
		Data model.Trace `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trResp))
	assert.Equal(t, model.TraceStatusCompleted, trResp.Data.Status)
	assert.Equal(t, "checkout", trResp.Data.Name)
	assert.Equal(t, int64(6), trResp.Data.EventCount)
	assert.Equal(t, int64(2), trResp.Data.SliceCount)
	assert.Equal(t, int64(1), trResp.Data.EdgeCount)
	assert.NotNil(t, trResp.Data.CompletedAt)

	// It shows up in the listing.
	rec = doRequest(handler, "GET", "/v1/traces", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		Data  []model.Trace `json:"data"`
		Total *int          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp.Data, 1)
	require.NotNil(t, listResp.Total)
	assert.Equal(t, 1, *listResp.Total)

	// Edges, unfiltered and filtered by flow. The payload's flow uses the
	// legacy schema, so its id is synthetic and the edge carries the legacy
	// identity as args.
	edgesPath := "/v1/traces/" + accepted.Data.TraceID.String() + "/edges"
	rec = doRequest(handler, "GET", edgesPath, token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var edgeResp struct {
		Data  []model.Edge `json:"data"`
		Total *int         `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &edgeResp))
	require.Len(t, edgeResp.Data, 1)
	edge := edgeResp.Data[0]
	assert.Equal(t, model.SyntheticFlowBase, edge.Flow)
	assert.NotEqual(t, edge.SliceOut, edge.SliceIn)
	assert.Equal(t, "link", edge.Args["name"])
	assert.Equal(t, "demo", edge.Args["category"])

	rec = doRequest(handler, "GET", fmt.Sprintf("%s?flow=%d", edgesPath, uint64(edge.Flow)), token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	edgeResp.Data = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &edgeResp))
	assert.Len(t, edgeResp.Data, 1)

	rec = doRequest(handler, "GET", edgesPath+"?flow=999", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	edgeResp.Data = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &edgeResp))
	assert.Empty(t, edgeResp.Data)

	rec = doRequest(handler, "GET", edgesPath+"?flow=abc", token, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Quality for a cleanly correlated trace.
	rec = doRequest(handler, "GET", "/v1/traces/"+accepted.Data.TraceID.String()+"/quality", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var qResp struct {
		Data struct {
			Status string  `json:"status"`
			Score  float64 `json:"score"`
			Events int64   `json:"events"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &qResp))
	assert.Equal(t, "clean", qResp.Data.Status)
	assert.Equal(t, 1.0, qResp.Data.Score)
	assert.Equal(t, int64(6), qResp.Data.Events)
}

func TestUploadDuplicateReturnsExistingTrace(t *testing.T) {
	store := newFakeStore()
	seedTestClient(t, store, testClientID, testAPIKey)
	handler := newTestServer(t, store).Handler()
	token := fetchToken(t, handler, testClientID, testAPIKey)

	rec := doRequest(handler, "POST", "/v1/traces", token, validTracePayload)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted struct {
		Data model.UploadAccepted `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))

	// Same payload again: no new job, existing trace returned.
	rec = doRequest(handler, "POST", "/v1/traces", token, validTracePayload)
	require.Equal(t, http.StatusOK, rec.Code)
	var trResp struct {
		Data model.Trace `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trResp))
	assert.Equal(t, accepted.Data.TraceID, trResp.Data.ID)
}

func TestUploadValidation(t *testing.T) {
	store := newFakeStore()
	seedTestClient(t, store, testClientID, testAPIKey)
	handler := newTestServer(t, store).Handler()
	token := fetchToken(t, handler, testClientID, testAPIKey)

	// Empty body.
	rec := doRequest(handler, "POST", "/v1/traces", token, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, rec))

	// Name too long.
	longName := strings.Repeat("x", model.MaxTraceNameLen+1)
	rec = doRequest(handler, "POST", "/v1/traces?name="+longName, token, validTracePayload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadRejectsOversizePayload(t *testing.T) {
	store := newFakeStore()
	seedTestClient(t, store, testClientID, testAPIKey)
	handler := newTestServer(t, store, func(cfg *ServerConfig) {
		cfg.MaxRequestBodyBytes = 16
	}).Handler()
	token := fetchToken(t, handler, testClientID, testAPIKey)

	rec := doRequest(handler, "POST", "/v1/traces", token, validTracePayload)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, model.ErrCodeTooLarge, errCode(t, rec))
}

func TestScopeEnforcement(t *testing.T) {
	store := newFakeStore()
	seedTestClient(t, store, "reader", "reader-key", auth.ScopeRead)
	seedTestClient(t, store, "ingester", "ingester-key", auth.ScopeIngest)
	handler := newTestServer(t, store).Handler()

	readToken := fetchToken(t, handler, "reader", "reader-key")
	ingestToken := fetchToken(t, handler, "ingester", "ingester-key")

	// Read-only client cannot upload.
	rec := doRequest(handler, "POST", "/v1/traces", readToken, validTracePayload)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, model.ErrCodeForbidden, errCode(t, rec))

	// Ingest-only client cannot query.
	rec = doRequest(handler, "GET", "/v1/traces", ingestToken, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Each can use its own scope.
	rec = doRequest(handler, "GET", "/v1/traces", readToken, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(handler, "POST", "/v1/traces", ingestToken, validTracePayload)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	store := newFakeStore()
	handler := newTestServer(t, store).Handler()

	rec := doRequest(handler, "GET", "/v1/traces", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, model.ErrCodeUnauthorized, errCode(t, rec))

	rec = doRequest(handler, "GET", "/v1/traces", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLookupErrors(t *testing.T) {
	store := newFakeStore()
	seedTestClient(t, store, testClientID, testAPIKey)
	handler := newTestServer(t, store).Handler()
	token := fetchToken(t, handler, testClientID, testAPIKey)

	rec := doRequest(handler, "GET", "/v1/jobs/not-a-uuid", token, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(handler, "GET", "/v1/jobs/"+uuid.NewString(), token, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, errCode(t, rec))

	rec = doRequest(handler, "GET", "/v1/traces/not-a-uuid", token, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(handler, "GET", "/v1/traces/"+uuid.NewString(), token, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTracesPagination(t *testing.T) {
	store := newFakeStore()
	seedTestClient(t, store, testClientID, testAPIKey)
	base := time.Now().UTC()
	for i := range 3 {
		id := uuid.New()
		store.traces[id] = model.Trace{
			ID:        id,
			Name:      fmt.Sprintf("t%d", i+1),
			Status:    model.TraceStatusCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
	}
	handler := newTestServer(t, store).Handler()
	token := fetchToken(t, handler, testClientID, testAPIKey)

	rec := doRequest(handler, "GET", "/v1/traces?limit=2", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data    []model.Trace `json:"data"`
		Total   *int          `json:"total"`
		HasMore bool          `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	require.NotNil(t, resp.Total)
	assert.Equal(t, 3, *resp.Total)
	assert.True(t, resp.HasMore)
	assert.Equal(t, "t3", resp.Data[0].Name, "newest trace should come first")

	rec = doRequest(handler, "GET", "/v1/traces?limit=2&offset=2", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp.Data = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 1)
	assert.False(t, resp.HasMore)
}

func TestQualityRequiresCompletedTrace(t *testing.T) {
	store := newFakeStore()
	seedTestClient(t, store, testClientID, testAPIKey)
	id := uuid.New()
	store.traces[id] = model.Trace{
		ID:        id,
		Name:      "in flight",
		Status:    model.TraceStatusProcessing,
		CreatedAt: time.Now().UTC(),
	}
	handler := newTestServer(t, store).Handler()
	token := fetchToken(t, handler, testClientID, testAPIKey)

	rec := doRequest(handler, "GET", "/v1/traces/"+id.String()+"/quality", token, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, model.ErrCodeConflict, errCode(t, rec))
}

func TestHealth(t *testing.T) {
	store := newFakeStore()
	handler := newTestServer(t, store).Handler()

	rec := doRequest(handler, "GET", "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Data.Status)
	assert.Equal(t, "connected", resp.Data.Postgres)
	assert.Equal(t, "test", resp.Data.Version)

	store.mu.Lock()
	store.pingErr = errors.New("connection refused")
	store.mu.Unlock()

	rec = doRequest(handler, "GET", "/healthz", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Data.Status)
	assert.Equal(t, "disconnected", resp.Data.Postgres)
}

func TestOpenAPISpecServed(t *testing.T) {
	store := newFakeStore()
	handler := newTestServer(t, store).Handler()

	rec := doRequest(handler, "GET", "/openapi.yaml", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Equal(t, "openapi: 3.0.3\n", rec.Body.String())

	noSpec := newTestServer(t, store, func(cfg *ServerConfig) {
		cfg.OpenAPISpec = nil
	}).Handler()
	rec = doRequest(noSpec, "GET", "/openapi.yaml", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSeedClient(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(t, store)
	ctx := context.Background()

	require.NoError(t, srv.Handlers().SeedClient(ctx, "boot", "boot-key"))
	client, err := store.GetClient(ctx, "boot")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{auth.ScopeIngest, auth.ScopeRead}, client.Scopes)

	valid, err := auth.VerifyAPIKey("boot-key", client.APIKeyHash)
	require.NoError(t, err)
	assert.True(t, valid)

	// Idempotent: a second seed leaves the existing client alone.
	require.NoError(t, srv.Handlers().SeedClient(ctx, "boot", "different-key"))
	again, err := store.GetClient(ctx, "boot")
	require.NoError(t, err)
	assert.Equal(t, client.APIKeyHash, again.APIKeyHash)

	// No bootstrap configured is not an error.
	require.NoError(t, srv.Handlers().SeedClient(ctx, "", ""))
}

func TestEventsStream(t *testing.T) {
	store := newFakeStore()
	seedTestClient(t, store, testClientID, testAPIKey)
	broker := NewBroker(nil, testLogger())
	srv := newTestServer(t, store, func(cfg *ServerConfig) {
		cfg.Broker = broker
	})
	token := fetchToken(t, srv.Handler(), testClientID, testAPIKey)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Wait for the handler to register its subscription, then publish.
	require.Eventually(t, func() bool {
		broker.mu.RLock()
		defer broker.mu.RUnlock()
		return len(broker.subscribers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	broker.broadcast(formatSSE("musubi_traces", `{"trace_id":"abc","status":"completed"}`))

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan(), "expected an event line")
	assert.Equal(t, "event: musubi_traces", scanner.Text())
	require.True(t, scanner.Scan(), "expected a data line")
	assert.Equal(t, `data: {"trace_id":"abc","status":"completed"}`, scanner.Text())
}

func TestEventsUnavailableWithoutBroker(t *testing.T) {
	store := newFakeStore()
	seedTestClient(t, store, testClientID, testAPIKey)
	handler := newTestServer(t, store).Handler()
	token := fetchToken(t, handler, testClientID, testAPIKey)

	rec := doRequest(handler, "GET", "/v1/events", token, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
