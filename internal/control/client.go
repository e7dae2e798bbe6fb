package control

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

	"github.com/breeze-rmm/opsagent/internal/busy"
	"github.com/breeze-rmm/opsagent/internal/queue"
	"github.com/breeze-rmm/opsagent/internal/scheduler"
)

// Client talks to a running agent's control server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient accepts either a listen address ("127.0.0.1:7341") or a URL.
func NewClient(addr string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Status(ctx context.Context) (scheduler.Status, error) {
	var st scheduler.Status
	err := c.do(ctx, http.MethodGet, "/status", nil, http.StatusOK, &st)
	return st, err
}

func (c *Client) Health(ctx context.Context) (HealthReport, error) {
	var r HealthReport
	err := c.do(ctx, http.MethodGet, "/health", nil, http.StatusOK, &r)
	return r, err
}

// History returns the most recent terminal outcomes, oldest first.
func (c *Client) History(ctx context.Context) ([]queue.Completion, error) {
	var h []queue.Completion
	err := c.do(ctx, http.MethodGet, "/history", nil, http.StatusOK, &h)
	return h, err
}

func (c *Client) Locks(ctx context.Context) ([]busy.OperationLock, error) {
	var locks []busy.OperationLock
	err := c.do(ctx, http.MethodGet, "/locks", nil, http.StatusOK, &locks)
	return locks, err
}

func (c *Client) AddLock(ctx context.Context, req LockRequest) (busy.OperationLock, error) {
	var l busy.OperationLock
	err := c.do(ctx, http.MethodPost, "/locks", req, http.StatusCreated, &l)
	return l, err
}

func (c *Client) RemoveLock(ctx context.Context, opType string) error {
	return c.do(ctx, http.MethodDelete, "/locks/"+url.PathEscape(opType), nil, http.StatusNoContent, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, want int, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&e)
		if e.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
