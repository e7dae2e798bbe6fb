// Package api is the client for the remote control API the agent polls for
// commands and reports their status to.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/breeze-rmm/opsagent/internal/httputil"
)

const maxResponseBytes = 8 * 1024 * 1024

type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	retry      httputil.RetryConfig
}

// StatusUpdate is the body of a command status report.
type StatusUpdate struct {
	Status       string    `json:"status"`
	Output       string    `json:"output,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type commandsEnvelope struct {
	Commands []json.RawMessage `json:"commands"`
	Data     []json.RawMessage `json:"data"`
}

func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: httputil.DefaultRetryConfig(),
	}
}

// WithRetry replaces the retry settings, used by tests.
func (c *Client) WithRetry(cfg httputil.RetryConfig) *Client {
	c.retry = cfg
	return c
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	if c.authToken != "" {
		h.Set("Authorization", "Bearer "+c.authToken)
	}
	return h
}

// FetchPendingCommands returns the raw pending commands for agentID, or the
// generic queued-status list when agentID is empty. Items are returned
// undecoded so each can be validated on its own.
func (c *Client) FetchPendingCommands(ctx context.Context, agentID string) ([]json.RawMessage, error) {
	var endpoint string
	if agentID != "" {
		endpoint = fmt.Sprintf("%s/api/v1/agents/%s/commands?status=pending", c.baseURL, url.PathEscape(agentID))
	} else {
		endpoint = c.baseURL + "/api/v1/commands?status=queued"
	}

	resp, err := httputil.Do(ctx, c.httpClient, http.MethodGet, endpoint, nil, c.headers(), c.retry)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch commands: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch commands failed with status %d: %s", resp.StatusCode, truncate(body))
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	if body[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return list, nil
	}

	var env commandsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Commands != nil {
		return env.Commands, nil
	}
	return env.Data, nil
}

// ReportCommandStatus posts a status transition for a command.
func (c *Client) ReportCommandStatus(ctx context.Context, commandID string, u StatusUpdate) error {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/commands/%s/status", c.baseURL, url.PathEscape(commandID))
	resp, err := httputil.Do(ctx, c.httpClient, http.MethodPost, endpoint, body, c.headers(), c.retry)
	if err != nil {
		return fmt.Errorf("failed to report status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("report status failed with status %d: %s", resp.StatusCode, truncate(b))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return nil
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
