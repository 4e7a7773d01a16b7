package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the orchestration API for interactive tools.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client used for request/response calls.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithStreamClient overrides the client used for long-lived log streams.
func WithStreamClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.streamClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:      strings.TrimRight(trimmed, "/"),
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Run mirrors the API run record. Config and Metrics are passed through untouched.
type Run struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	DatasetID    string          `json:"dataset_id,omitempty"`
	DataConfigID string          `json:"data_config_id,omitempty"`
	ModelRunID   string          `json:"model_run_id,omitempty"`
	Config       json.RawMessage `json:"config"`
	Logs         string          `json:"logs"`
	Metrics      json.RawMessage `json:"metrics"`
	Reason       string          `json:"reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Terminal reports whether the run has finished.
func (r Run) Terminal() bool {
	return r.Status == "succeeded" || r.Status == "failed"
}

// Artifact mirrors the API artifact record.
type Artifact struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	RunID     string          `json:"run_id"`
	Path      string          `json:"path"`
	Format    string          `json:"format"`
	SizeBytes int64           `json:"size_bytes"`
	Metrics   json.RawMessage `json:"metrics"`
	CreatedAt time.Time       `json:"created_at"`
}

// Submission is returned when a run is accepted.
type Submission struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// TrainingInput submits a training run. Config is an optional JSON object of overrides.
type TrainingInput struct {
	DatasetID string          `json:"dataset_id"`
	Config    json.RawMessage `json:"config,omitempty"`
}

// EvaluationInput submits an evaluation of a succeeded training run.
type EvaluationInput struct {
	ModelRunID   string `json:"model_run_id"`
	DataConfigID string `json:"data_config_id"`
}

// SubmitTraining starts a training run.
func (c *Client) SubmitTraining(ctx context.Context, projectID string, input TrainingInput) (Submission, error) {
	var out Submission
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "runs", "training"), input, &out)
	return out, err
}

// SubmitEvaluation starts an evaluation run.
func (c *Client) SubmitEvaluation(ctx context.Context, projectID string, input EvaluationInput) (Submission, error) {
	var out Submission
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "runs", "evaluation"), input, &out)
	return out, err
}

// ListRuns returns a project's runs. An empty kind lists both kinds.
func (c *Client) ListRuns(ctx context.Context, projectID, kind string) ([]Run, error) {
	path := projectPath(projectID, "runs")
	if kind = strings.TrimSpace(kind); kind != "" {
		path += "?kind=" + url.QueryEscape(kind)
	}
	var out []Run
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRun fetches one run record.
func (c *Client) GetRun(ctx context.Context, projectID, runID string) (Run, error) {
	var out Run
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "runs", runID), nil, &out)
	return out, err
}

// ListArtifacts returns a project's artifacts.
func (c *Client) ListArtifacts(ctx context.Context, projectID string) ([]Artifact, error) {
	var out []Artifact
	if err := c.do(ctx, http.MethodGet, projectPath(projectID, "artifacts"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DownloadArtifact copies an artifact's bytes into dst and returns the byte count.
func (c *Client) DownloadArtifact(ctx context.Context, projectID, artifactID string, dst io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, projectPath(projectID, "artifacts", artifactID), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return 0, APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, fmt.Errorf("copy artifact: %w", err)
	}
	return n, nil
}

// ErrStreamEnded is returned by StreamLogs when the connection closes without an end event.
var ErrStreamEnded = errors.New("log stream ended")

// StreamLogs follows a run's live output, calling fn for every line. It returns
// the terminal status sent by the server once the run ends, or the context error.
func (c *Client) StreamLogs(ctx context.Context, projectID, runID string, fn func(line string)) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, projectPath(projectID, "runs", runID, "stream"), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, ":"):
			// heartbeat
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if event == "end" {
				return data, nil
			}
			fn(data)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("read stream: %w", err)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return "", ErrStreamEnded
}

func projectPath(projectID string, parts ...string) string {
	segments := []string{"projects", url.PathEscape(strings.TrimSpace(projectID))}
	for _, part := range parts {
		segments = append(segments, url.PathEscape(part))
	}
	return "/" + strings.Join(segments, "/")
}
