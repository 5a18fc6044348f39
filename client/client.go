// Package client is the HTTP client for the convoy daemon's control API.
// The CLI commands (status, restart, down, logs) are thin wrappers over it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/convoyd/convoy/internal/server"
)

// Client talks to a running convoy daemon.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the daemon listening at addr (host:port).
func New(addr string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Dial discovers the daemon through the address file under dir and verifies
// it is actually answering. Returns a descriptive error when no daemon is
// running.
func Dial(ctx context.Context, dir string) (*Client, error) {
	addr, err := server.ReadAddrFile(dir)
	if err != nil {
		return nil, err
	}

	c := New(addr)
	if err := c.Health(ctx); err != nil {
		return nil, fmt.Errorf("daemon at %s is not responding (stale address file?): %w", addr, err)
	}
	return c, nil
}

// Health checks that the daemon is up.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}

// Status returns the current status of every service in start order.
func (c *Client) Status(ctx context.Context) (*server.StackStatus, error) {
	var status server.StackStatus
	if err := c.get(ctx, "/stack", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Restart restarts one service with a fresh restart budget. Blocks until the
// service is Healthy again or its startup fails.
func (c *Client) Restart(ctx context.Context, name string) (*server.ServiceStatus, error) {
	var status server.ServiceStatus
	if err := c.post(ctx, "/services/"+name+"/restart", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Shutdown asks the daemon to tear down the stack and exit. The daemon
// acknowledges before stopping, so callers that need to observe the teardown
// should watch Events or poll the address file.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.post(ctx, "/shutdown", nil)
}

// ServiceLogs returns the captured output of one service.
func (c *Client) ServiceLogs(ctx context.Context, name string) ([]server.LogEntry, error) {
	var entries []server.LogEntry
	if err := c.get(ctx, "/services/"+name+"/logs", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError turns an API error response into a Go error, preferring the
// daemon's own message over a bare status code.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(body), &apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("%s", apiErr.Error)
	}
	return fmt.Errorf("daemon returned %s", resp.Status)
}
