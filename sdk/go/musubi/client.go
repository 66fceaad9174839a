package musubi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Musubi server (e.g. "http://localhost:8080").
	BaseURL string

	// ClientID identifies this API client for authentication.
	ClientID string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Musubi trace correlation API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, ClientID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("musubi: BaseURL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("musubi: ClientID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("musubi: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.ClientID, cfg.APIKey, httpClient),
	}, nil
}

// UploadTrace submits a Chrome JSON trace for correlation. Requires the
// ingest scope. name is the display name shown in listings; empty uses the
// server default.
//
// Processing is asynchronous: poll the returned JobID with GetJob or use
// WaitForTrace. When the server has already ingested an identical payload
// it skips processing and the result carries the existing trace instead.
func (c *Client) UploadTrace(ctx context.Context, name string, payload io.Reader) (*UploadResult, error) {
	path := "/v1/traces"
	if name != "" {
		path += "?name=" + url.QueryEscape(name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return nil, fmt.Errorf("musubi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("musubi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("musubi: read response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusAccepted:
		var accepted struct {
			JobID   uuid.UUID `json:"job_id"`
			TraceID uuid.UUID `json:"trace_id"`
		}
		if err := unwrapData(body, &accepted); err != nil {
			return nil, err
		}
		return &UploadResult{JobID: accepted.JobID, TraceID: accepted.TraceID}, nil

	case http.StatusOK:
		var existing Trace
		if err := unwrapData(body, &existing); err != nil {
			return nil, err
		}
		return &UploadResult{TraceID: existing.ID, Duplicate: true, Existing: &existing}, nil

	default:
		return nil, parseErrorResponse(resp.StatusCode, body)
	}
}

// GetJob retrieves the processing state of an upload. Jobs are pruned a
// while after finishing, so a 404 for a known job id usually means it
// completed long ago; fetch the trace instead.
func (c *Client) GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	var job Job
	if err := c.get(ctx, "/v1/jobs/"+jobID.String(), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// WaitForTrace polls a job until it finishes or ctx expires. pollInterval
// defaults to 250ms. The returned job is terminal; check its Status for
// failure and Summary for the correlation counts.
func (c *Client) WaitForTrace(ctx context.Context, jobID uuid.UUID, pollInterval time.Duration) (*Job, error) {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetTrace retrieves one trace with its correlation counts.
func (c *Client) GetTrace(ctx context.Context, traceID uuid.UUID) (*Trace, error) {
	var tr Trace
	if err := c.get(ctx, "/v1/traces/"+traceID.String(), &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// ListTraces returns traces newest first.
func (c *Client) ListTraces(ctx context.Context, opts *ListOptions) (*TracePage, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/v1/traces"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var page TracePage
	env, err := c.getList(ctx, path, &page.Traces)
	if err != nil {
		return nil, err
	}
	if env.Total != nil {
		page.Total = *env.Total
	}
	page.HasMore = env.HasMore
	return &page, nil
}

// ListEdges returns a trace's flow edges in insertion order, optionally
// restricted to one flow id.
func (c *Client) ListEdges(ctx context.Context, traceID uuid.UUID, opts *EdgeOptions) (*EdgePage, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Flow != nil {
			params.Set("flow", strconv.FormatUint(*opts.Flow, 10))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/v1/traces/" + traceID.String() + "/edges"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var page EdgePage
	env, err := c.getList(ctx, path, &page.Edges)
	if err != nil {
		return nil, err
	}
	if env.Total != nil {
		page.Total = *env.Total
	}
	page.HasMore = env.HasMore
	return &page, nil
}

// TraceQuality retrieves the correlation quality report for a completed
// trace. Returns a 409 Error (see IsConflict) while the trace is still
// processing.
func (c *Client) TraceQuality(ctx context.Context, traceID uuid.UUID) (*QualityReport, error) {
	var report QualityReport
	if err := c.get(ctx, "/v1/traces/"+traceID.String()+"/quality", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and works even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("musubi: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("musubi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("musubi: read response body: %w", err)
	}

	// /healthz reports degraded state with a 503 but still returns the
	// health document.
	var h Health
	if err := unwrapData(body, &h); err != nil {
		if resp.StatusCode >= 400 {
			return nil, parseErrorResponse(resp.StatusCode, body)
		}
		return nil, err
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// listEnvelope is the server's pagination wrapper.
type listEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Total   *int            `json:"total,omitempty"`
	HasMore bool            `json:"has_more"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	body, err := c.doGet(ctx, path)
	if err != nil {
		return err
	}
	return unwrapData(body, dest)
}

func (c *Client) getList(ctx context.Context, path string, dest any) (*listEnvelope, error) {
	body, err := c.doGet(ctx, path)
	if err != nil {
		return nil, err
	}

	var env listEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("musubi: decode response envelope: %w", err)
	}
	if env.Data != nil {
		if err := json.Unmarshal(env.Data, dest); err != nil {
			return nil, fmt.Errorf("musubi: decode list items: %w", err)
		}
	}
	return &env, nil
}

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("musubi: create request: %w", err)
	}

	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("musubi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("musubi: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

// unwrapData decodes the server's { "data": ... } envelope into dest.
func unwrapData(body []byte, dest any) error {
	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("musubi: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("musubi: response has no data field")
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
