package scope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// StatusError is a non-2xx instrument response. Body carries whatever
// diagnostic text the instrument returned.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("instrument responded %d: %s", e.Code, e.Body)
}

// HTTPOptions configure an HTTPClient.
type HTTPOptions struct {
	// RetryMax is the number of transport-level retries per request. The
	// capture protocol never retries on its own, so this stays 0 unless the
	// link itself is lossy.
	RetryMax int
	// Timeout bounds each request. Zero means unbounded; a request that
	// never resolves stalls its capture cycle.
	Timeout time.Duration
}

// HTTPClient drives an instrument over its HTTP API.
type HTTPClient struct {
	base       string
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient returns a client for the instrument at base, e.g.
// "http://scope.local:8080".
func NewHTTPClient(base string, opts HTTPOptions) *HTTPClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.Logger = nil
	rc.HTTPClient.Timeout = opts.Timeout
	return &HTTPClient{
		base:       strings.TrimRight(base, "/"),
		httpClient: rc.StandardClient(),
	}
}

type captureRequest struct {
	DurationSecs float64 `json:"capture_duration_secs"`
}

// StartCapture arms a capture of durationSecs seconds.
func (c *HTTPClient) StartCapture(ctx context.Context, durationSecs float64) error {
	body, err := json.Marshal(captureRequest{DurationSecs: durationSecs})
	if err != nil {
		return fmt.Errorf("encoding capture request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/capture", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building capture request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// QueryTrigger asks the instrument for its trigger status.
func (c *HTTPClient) QueryTrigger(ctx context.Context) (TriggerState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/trigger", nil)
	if err != nil {
		return "", fmt.Errorf("building trigger request: %w", err)
	}
	var state TriggerState
	if err := c.do(req, &state); err != nil {
		return "", err
	}
	return state, nil
}

// FetchTraces retrieves the most recently completed capture and validates it
// against the time axis before handing it back.
func (c *HTTPClient) FetchTraces(ctx context.Context) (TraceSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/traces", nil)
	if err != nil {
		return TraceSet{}, fmt.Errorf("building traces request: %w", err)
	}
	var set TraceSet
	if err := c.do(req, &set); err != nil {
		return TraceSet{}, err
	}
	if err := set.Validate(); err != nil {
		return TraceSet{}, fmt.Errorf("invalid trace payload: %w", err)
	}
	return set, nil
}

func (c *HTTPClient) do(req *http.Request, payload interface{}) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if payload == nil {
		return nil
	}
	if err := json.Unmarshal(body, payload); err != nil {
		return fmt.Errorf("unmarshaling response: %w", err)
	}
	return nil
}
