// Package comfy is a client for the job-processing service that runs on
// the managed instance.  The service speaks the ComfyUI HTTP API:
//
//	GET  /                     readiness (ranged read, 200/206)
//	POST /prompt               submit   {client_id, prompt} -> {prompt_id}
//	GET  /history/{prompt_id}  status   {prompt_id: {status: {status_str}}}
//	POST /interrupt            interrupt {prompt_id}
//	POST /queue                dequeue  {delete: [prompt_id]}
//
// Every method takes the base URL explicitly because the instance's
// address changes across power cycles.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	applicationJSON = "application/json"

	// maxErrorBody caps how much of a failed response is kept in APIError.
	maxErrorBody = 4 << 10
)

// Config holds client settings.
type Config struct {
	// RetryMax is the number of retries for status/cancel calls on
	// connection errors and 5xx responses.  Default: 2.  Submit is never
	// retried: each POST /prompt queues a new prompt.
	RetryMax int

	// RequestTimeout bounds every single HTTP attempt.  Default: 30s.
	RequestTimeout time.Duration

	// ProbeTimeout bounds a readiness probe.  Default: 5s.
	ProbeTimeout time.Duration
}

// Client talks to the service on the instance.
type Client struct {
	http         *retryablehttp.Client
	probeTimeout time.Duration
	logger       *slog.Logger
}

// APIError is returned when the service answers with a non-2xx status.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s %s] response is not OK: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// SubmitRequest is the body of POST /prompt.
type SubmitRequest struct {
	ClientID string          `json:"client_id"`
	Prompt   json.RawMessage `json:"prompt"`
}

// SubmitResponse is the body returned by POST /prompt.
type SubmitResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// Status is the execution status of one prompt as reported by /history.
type Status struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

type historyEntry struct {
	Status *Status `json:"status"`
}

type interruptRequest struct {
	PromptID string `json:"prompt_id"`
}

type queueRequest struct {
	Delete []string `json:"delete"`
}

type noRetryKey struct{}

// withoutRetry marks ctx so the request it carries is sent exactly once.
func withoutRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if once, _ := ctx.Value(noRetryKey{}).(bool); once {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 2
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = cfg.RequestTimeout
	rc.Logger = logger
	rc.CheckRetry = checkRetry
	// Hand the last response back instead of a generic "giving up"
	// error so APIError can carry the body.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{http: rc, probeTimeout: cfg.ProbeTimeout, logger: logger}
}

// Ready issues one ranged GET / and reports whether the service answered
// 200 or 206.  Transport errors are returned so callers can log them;
// they mean "not ready yet", not a fatal condition.  Probes are never
// retried internally: the caller owns the poll loop.
func (c *Client) Ready(ctx context.Context, baseURL string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/", nil)
	if err != nil {
		return false, fmt.Errorf("probe request: %w", err)
	}
	req.Header.Set("Content-Type", applicationJSON)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := c.http.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent, nil
}

// Submit queues a prompt and returns the service's response.  It sends
// a single attempt.  An empty PromptID is returned as-is; the caller
// decides whether that violates the protocol.
func (c *Client) Submit(ctx context.Context, baseURL string, req SubmitRequest) (*SubmitResponse, error) {
	var out SubmitResponse
	if err := c.do(withoutRetry(ctx), http.MethodPost, baseURL, "/prompt", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the status of promptID, or nil if the service has no
// status for it yet.
func (c *Client) Status(ctx context.Context, baseURL, promptID string) (*Status, error) {
	var out map[string]historyEntry
	if err := c.do(ctx, http.MethodGet, baseURL, "/history/"+url.PathEscape(promptID), nil, &out); err != nil {
		return nil, err
	}
	entry, ok := out[promptID]
	if !ok {
		return nil, nil
	}
	return entry.Status, nil
}

// Interrupt stops promptID if it is currently executing.
func (c *Client) Interrupt(ctx context.Context, baseURL, promptID string) error {
	return c.do(ctx, http.MethodPost, baseURL, "/interrupt", interruptRequest{PromptID: promptID}, nil)
}

// Dequeue removes promptID from the pending queue.
func (c *Client) Dequeue(ctx context.Context, baseURL, promptID string) error {
	return c.do(ctx, http.MethodPost, baseURL, "/queue", queueRequest{Delete: []string{promptID}}, nil)
}

func (c *Client) do(ctx context.Context, method, baseURL, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("[%s %s] encoding request: %w", method, path, err)
		}
	}

	var reqBody any
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("[%s %s] building request: %w", method, path, err)
	}
	req.Header.Set("Content-Type", applicationJSON)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("[%s %s] %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data)}
	}

	c.logger.Debug("service call",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
	)

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("[%s %s] decoding response: %w", method, path, err)
	}
	return nil
}
