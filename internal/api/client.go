package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/banshee-data/autoflux/internal/httputil"
	"github.com/banshee-data/autoflux/internal/orchestrator"
)

// Client talks to a running autoflux API. It backs the ctl subcommands.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a client for the API at base, e.g. "http://localhost:8080".
func NewClient(base string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = httputil.NewStandardClient(nil)
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

func (c *Client) Status(ctx context.Context) (orchestrator.Status, error) {
	var st orchestrator.Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

func (c *Client) EmergencyStop(ctx context.Context, reason string) (orchestrator.Status, error) {
	var st orchestrator.Status
	err := c.do(ctx, http.MethodPost, "/api/emergency-stop", EmergencyStopRequest{Reason: reason}, &st)
	return st, err
}

func (c *Client) ResetEmergency(ctx context.Context, operator string) (orchestrator.Status, error) {
	var st orchestrator.Status
	err := c.do(ctx, http.MethodPost, "/api/emergency-reset", EmergencyResetRequest{Operator: operator}, &st)
	return st, err
}

func (c *Client) SetMode(ctx context.Context, mode string) (orchestrator.Status, error) {
	var st orchestrator.Status
	err := c.do(ctx, http.MethodPost, "/api/mode", ModeRequest{Mode: mode}, &st)
	return st, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
