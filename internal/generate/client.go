// Package generate holds the job handlers that call the external
// generation worker, plus the thin HTTP client they share. The queue
// stays domain-agnostic; everything that knows what a chapter or an
// outline IS lives here.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/daleheenan/startup-sub012/internal/job"
)

// Request is one generation call to the external worker.
type Request struct {
	Kind         string `json:"kind"`
	TargetID     string `json:"targetId"`
	Instructions string `json:"instructions,omitempty"`

	// Continuation carries prior output when a long piece is produced
	// across several calls, so the worker picks up where it left off.
	Continuation string `json:"continuation,omitempty"`
}

// Result is the worker's response for one generation call.
type Result struct {
	Content string `json:"content"`
	Words   int    `json:"words"`
	Done    bool   `json:"done"`
}

// Client calls the external generation worker over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// NewClient creates a generation worker client.
func NewClient(baseURL, apiKey string, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate performs one generation call. A 429 from the worker is
// translated into job.RateLimitError carrying the Retry-After time, so
// the dispatcher can park rate-limited types until the window reopens.
func (c *Client) Generate(ctx context.Context, genReq Request) (*Result, error) {
	reqID := uuid.New().String()
	start := time.Now()

	body, err := json.Marshal(genReq)
	if err != nil {
		return nil, fmt.Errorf("generate: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("generate: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate: send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, _ := io.ReadAll(resp.Body)

	c.logger.Info("generation worker response",
		slog.String("req_id", reqID),
		slog.String("kind", genReq.Kind),
		slog.Int("status", resp.StatusCode),
		slog.Int64("elapsed_ms", time.Since(start).Milliseconds()),
	)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &job.RateLimitError{ResetAt: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode/100 != 2:
		return nil, fmt.Errorf("generate: worker returned status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("generate: decode response: %w", err)
	}
	return &result, nil
}

// parseRetryAfter handles both forms of the header: delay seconds and
// an HTTP date. Returns the zero time when absent or unparseable.
func parseRetryAfter(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Now().UTC().Add(time.Duration(secs) * time.Second)
	}
	if at, err := http.ParseTime(value); err == nil {
		return at.UTC()
	}
	return time.Time{}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
