package redfish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Redfish proof pipeline REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// RunSubmission represents the payload required to create a new proof run.
// ID is optional; when set, resubmitting the same ID returns the existing run.
type RunSubmission struct {
	ID          string          `json:"id,omitempty"`
	Attestation json.RawMessage `json:"attestation"`
}

// StageReport describes the outcome of a single pipeline stage.
type StageReport struct {
	Stage       string        `json:"stage"`
	Status      string        `json:"status"`
	Fingerprint string        `json:"fingerprint"`
	Cached      bool          `json:"cached"`
	Duration    time.Duration `json:"duration"`
}

// Report describes the full outcome of a proof run.
type Report struct {
	State           string        `json:"state"`
	Stages          []StageReport `json:"stages"`
	Verified        bool          `json:"verified"`
	ProofRef        string        `json:"proof_ref,omitempty"`
	PublicInstances []string      `json:"public_instances,omitempty"`
	FailedStage     string        `json:"failed_stage,omitempty"`
	FailureCode     string        `json:"failure_code,omitempty"`
}

// Run contains the state of a submitted proof run.
type Run struct {
	ID          string          `json:"id"`
	Attestation json.RawMessage `json:"attestation"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxRetries  int             `json:"max_retries"`
	LastError   string          `json:"last_error,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Report      *Report         `json:"report,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}

// Stats summarizes run counts by status.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ListParams narrows the results returned by ListRuns.
type ListParams struct {
	Limit    int
	Offset   int
	Statuses []string
	Query    string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("redfish api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Redfish API. When httpClient is nil,
// a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitRun creates a new proof run from an attestation document.
func (c *Client) SubmitRun(ctx context.Context, submission RunSubmission) (Run, error) {
	var created Run
	if err := c.post(ctx, "/api/v1/runs", submission, &created); err != nil {
		return Run{}, err
	}
	return created, nil
}

// GetRun fetches run details, including the proof report, by identifier.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var detail Run
	endpoint := "/api/v1/runs/" + url.PathEscape(runID)
	if err := c.get(ctx, endpoint, &detail); err != nil {
		return Run{}, err
	}
	return detail, nil
}

// ListRuns returns runs matching the supplied filters.
func (c *Client) ListRuns(ctx context.Context, params ListParams) ([]Run, error) {
	var runs []Run
	if err := c.get(ctx, "/api/v1/runs"+params.encode(), &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Stats returns aggregate run counts.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (p ListParams) encode() string {
	values := url.Values{}
	if p.Limit > 0 {
		values.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Offset > 0 {
		values.Set("offset", strconv.Itoa(p.Offset))
	}
	if len(p.Statuses) > 0 {
		values.Set("status", strings.Join(p.Statuses, ","))
	}
	if p.Query != "" {
		values.Set("q", p.Query)
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	trimmed := endpoint
	query := ""
	if idx := strings.IndexByte(endpoint, '?'); idx >= 0 {
		trimmed, query = endpoint[:idx], endpoint[idx+1:]
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, trimmed), RawQuery: query}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(data)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
