package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"d2a-agent/src/contracts"
)

// ErrAgentUnreachable means no agent answered at the configured address.
var ErrAgentUnreachable = errors.New("agent API unreachable")

// Client reads the status API of an agent running in another process.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a client for the API at baseURL, e.g. http://127.0.0.1:7878.
func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Snapshot fetches GET /v1/snapshot.
func (c *Client) Snapshot(ctx context.Context) (contracts.Snapshot, error) {
	var snap contracts.Snapshot
	err := c.do(ctx, http.MethodGet, "/v1/snapshot", &snap)
	return snap, err
}

// Refresh calls POST /v1/refresh.
func (c *Client) Refresh(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/refresh", nil)
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAgentUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errResp) != nil || errResp.Error == "" {
			errResp.Error = strings.TrimSpace(string(body))
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, errResp.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
