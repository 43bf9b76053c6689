package actionqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ReplayClient executes one queued action against the server. A nil
// error means the server accepted the mutation.
type ReplayClient interface {
	Do(ctx context.Context, action QueuedAction) error
}

// ConflictError reports that the server rejected a replay because its
// state diverged from the state the action was captured against.
type ConflictError struct {
	Status  int
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("conflict (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("conflict (status %d)", e.Status)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ReplayError is a non-conflict server rejection.
type ReplayError struct {
	Status  int
	Code    string
	Message string
}

func (e *ReplayError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("replay failed (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("replay failed (status %d)", e.Status)
}

// HTTPReplayClientOptions configures an HTTPReplayClient. Zero values
// get defaults.
type HTTPReplayClientOptions struct {
	BaseURL        string
	Token          string
	UserAgent      string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// HTTPReplayClient replays actions as single HTTP requests. It carries
// no retry loop; scheduling retries is the processor's responsibility.
type HTTPReplayClient struct {
	baseURL        string
	token          string
	userAgent      string
	requestTimeout time.Duration
	httpClient     *http.Client
}

func NewHTTPReplayClient(opts HTTPReplayClientOptions) *HTTPReplayClient {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "fieldsync/1.0"
	}
	return &HTTPReplayClient{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		token:          opts.Token,
		userAgent:      opts.UserAgent,
		requestTimeout: opts.RequestTimeout,
		httpClient:     opts.HTTPClient,
	}
}

func (c *HTTPReplayClient) Do(ctx context.Context, action QueuedAction) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	endpoint := action.Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	}
	method := action.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if payload := action.RequestBody(); len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build replay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Correlation-Id", action.ID)
	req.Header.Set("X-Idempotency-Key", action.ID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("replay %s %s: %w", method, action.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	code, message := decodeErrorBody(resp.Body)
	if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed {
		return &ConflictError{Status: resp.StatusCode, Message: message}
	}
	return &ReplayError{Status: resp.StatusCode, Code: code, Message: message}
}

func decodeErrorBody(r io.Reader) (code, message string) {
	data, err := io.ReadAll(io.LimitReader(r, 64*1024))
	if err != nil || len(data) == 0 {
		return "", ""
	}
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", strings.TrimSpace(string(data))
	}
	if parsed.Message == "" {
		parsed.Message = parsed.Error
	}
	return parsed.Code, parsed.Message
}
