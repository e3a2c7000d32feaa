package cloudplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/useorgx/openclaw-plugin/internal/entity"
)

// HTTPClient is the default Client implementation: a thin JSON-over-HTTP
// caller against the cloud plane's base URL. The cloud plane's exact route
// shapes are out of scope (spec.md §1); this client assumes a conventional
// REST layout (`GET /entities/{type}`, `PATCH /entities/{type}/{id}`, ...)
// sufficient to exercise every method the core actually calls.
//
// Outbound calls are bounded by a token-bucket limiter so a misbehaving
// scheduler tick cannot hammer the cloud plane during an outage; this is
// the same golang.org/x/time/rate primitive the teacher's adaptive model
// rate limiter (features/model/middleware) uses at the provider boundary.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPClient constructs an HTTPClient against baseURL, bounded to
// requestsPerSecond outbound requests with a burst of the same size.
func NewHTTPClient(baseURL string, requestsPerSecond float64) *HTTPClient {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)),
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return NewError(method+" "+path, 0, ErrorKindTransport, "rate limiter wait canceled", true, err)
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return NewError(method+" "+path, 0, ErrorKindValidation, "encode request body", false, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return NewError(method+" "+path, 0, ErrorKindTransport, "build request", true, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NewError(method+" "+path, 0, ErrorKindTransport, err.Error(), true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return NewError(method+" "+path, resp.StatusCode, ErrorKindAuthorization, "unauthorized", false, nil)
	}
	if resp.StatusCode >= 500 {
		return NewError(method+" "+path, resp.StatusCode, ErrorKindTransport, fmt.Sprintf("server error %d", resp.StatusCode), true, nil)
	}
	if resp.StatusCode >= 400 {
		return NewError(method+" "+path, resp.StatusCode, ErrorKindValidation, fmt.Sprintf("client error %d", resp.StatusCode), false, nil)
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return NewError(method+" "+path, resp.StatusCode, ErrorKindTransport, "decode response body", true, err)
	}
	return nil
}

// ListEntities implements Client.
func (c *HTTPClient) ListEntities(ctx context.Context, entityType entity.Type, filter EntityFilter) ([]entity.Record, error) {
	path := fmt.Sprintf("/entities/%s?initiative_id=%s&limit=%d", entityType, filter.InitiativeID, filter.Limit)
	var out []entity.Record
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateEntity implements Client.
func (c *HTTPClient) UpdateEntity(ctx context.Context, entityType entity.Type, id string, fields map[string]any) (entity.Record, error) {
	path := fmt.Sprintf("/entities/%s/%s", entityType, id)
	var out entity.Record
	if err := c.do(ctx, http.MethodPatch, path, fields, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyChangeset implements Client.
func (c *HTTPClient) ApplyChangeset(ctx context.Context, idempotencyKey string, mutations []ChangesetMutation) error {
	body := map[string]any{"idempotencyKey": idempotencyKey, "mutations": mutations}
	return c.do(ctx, http.MethodPost, "/changesets", body, nil)
}

// CheckSpawnGuard implements Client.
func (c *HTTPClient) CheckSpawnGuard(ctx context.Context, domain, taskID string) (SpawnGuardResult, error) {
	var out SpawnGuardResult
	body := map[string]any{"domain": domain, "taskId": taskID}
	if err := c.do(ctx, http.MethodPost, "/spawn-guard/check", body, &out); err != nil {
		return SpawnGuardResult{}, err
	}
	return out, nil
}

// EmitActivity implements Client.
func (c *HTTPClient) EmitActivity(ctx context.Context, event ActivityEvent) error {
	return c.do(ctx, http.MethodPost, "/activity", event, nil)
}

// ListActivity implements Client.
func (c *HTTPClient) ListActivity(ctx context.Context, initiativeID string, since time.Time) ([]ActivityEvent, error) {
	path := "/activity?initiative_id=" + initiativeID
	if !since.IsZero() {
		path += "&since=" + since.UTC().Format(time.RFC3339)
	}
	var out []ActivityEvent
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RequestDecision implements Client.
func (c *HTTPClient) RequestDecision(ctx context.Context, req DecisionRequest) error {
	body := map[string]any{"initiativeId": req.InitiativeID, "title": req.Title, "body": req.Body}
	return c.do(ctx, http.MethodPost, "/decisions", body, nil)
}

// ListLiveAgents implements Client.
func (c *HTTPClient) ListLiveAgents(ctx context.Context, initiativeID string) ([]entity.Record, error) {
	var out []entity.Record
	path := "/agents/live?initiative_id=" + initiativeID
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Plan implements Client.
func (c *HTTPClient) Plan(ctx context.Context) (Plan, error) {
	var out struct {
		Plan Plan `json:"plan"`
	}
	if err := c.do(ctx, http.MethodGet, "/account/plan", nil, &out); err != nil {
		return "", err
	}
	return out.Plan, nil
}

var _ Client = (*HTTPClient)(nil)
