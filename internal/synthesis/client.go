// Package synthesis is the typed client for the external handwriting
// synthesis service, which turns text plus style parameters into an SVG.
package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client calls the synthesis service over HTTP. The service is stateless and
// unreliable; callers are expected to retry transient failures.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient constructs a synthesis client.
func NewClient(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "http://localhost:8001"
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{httpClient: client, baseURL: base}
}

// RenderRequest is one synthesis call: the full text plus one parameter set.
type RenderRequest struct {
	Text        string  `json:"text"`
	Style       int     `json:"style"`
	Bias        float64 `json:"bias"`
	StrokeColor string  `json:"stroke_color"`
	StrokeWidth int     `json:"stroke_width"`
}

// RenderResult is the rendered artifact.
type RenderResult struct {
	SVG        string `json:"svg_raw"`
	Lines      int    `json:"lines_count"`
	Characters int    `json:"characters_count"`
}

// Error is a classified synthesis failure. Status 0 means no usable response
// was obtained from the service.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("synthesis: %s", e.Message)
	}
	return fmt.Sprintf("synthesis: http %d: %s", e.Status, e.Message)
}

// Transient reports whether the failure is worth retrying: connection
// problems, throttling and server-side errors are; deterministic rejections
// (4xx) are not.
func (e *Error) Transient() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsTransient classifies any error from Render. Errors that are not a
// *synthesis.Error (timeouts, connection resets) are treated as transient.
func IsTransient(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Transient()
	}
	return true
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// Render performs a single synthesis call. No internal retry: one call per
// attempt, so the caller's retry policy is the only one in play.
func (c *Client) Render(ctx context.Context, req RenderRequest) (*RenderResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("synthesis: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var errBody errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		message := strings.TrimSpace(errBody.Detail)
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return nil, &Error{Status: resp.StatusCode, Message: message}
	}

	// A mangled success body is treated like a dropped connection: retryable.
	var result RenderResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &Error{Message: fmt.Sprintf("decode response: %v", err)}
	}
	if strings.TrimSpace(result.SVG) == "" {
		return nil, &Error{Message: "empty svg in response"}
	}
	return &result, nil
}
