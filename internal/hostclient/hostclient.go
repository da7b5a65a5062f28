// Package hostclient is the Host-side HTTP client used to dispatch tasks
// to Runners and relay control commands (kill/pause/resume) to them,
// implementing internal/scheduler.Dispatcher.
package hostclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
)

// Client is the Host's outbound HTTP client to Runner nodes.
type Client struct {
	http *http.Client
}

// New builds a Client with the given per-request timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Execute implements scheduler.Dispatcher: it POSTs the task to the
// target node's /execute (or /vps/create for VPS tasks) endpoint and
// returns once the Runner has synchronously accepted it (202).
func (c *Client) Execute(node *types.Node, task *types.Task) error {
	path := "/execute"
	if task.TaskType == types.TaskTypeVPS {
		path = "/vps/create"
	}
	return c.postJSON(context.Background(), node.URL+path, task, nil)
}

// Kill asks node to terminate taskID.
func (c *Client) Kill(ctx context.Context, node *types.Node, taskID int64) error {
	return c.postJSON(ctx, node.URL+"/kill", killRequest{TaskID: taskID}, nil)
}

type killRequest struct {
	TaskID int64 `json:"task_id"`
}

// Pause asks node to pause taskID's container.
func (c *Client) Pause(ctx context.Context, node *types.Node, taskID int64) error {
	return c.postJSON(ctx, node.URL+"/pause", killRequest{TaskID: taskID}, nil)
}

// Resume asks node to unpause taskID's container.
func (c *Client) Resume(ctx context.Context, node *types.Node, taskID int64) error {
	return c.postJSON(ctx, node.URL+"/resume", killRequest{TaskID: taskID}, nil)
}

// StopVPS asks node to stop (not remove) taskID's VPS.
func (c *Client) StopVPS(ctx context.Context, node *types.Node, taskID int64) error {
	return c.postJSON(ctx, fmt.Sprintf("%s/vps/stop/%d", node.URL, taskID), nil, nil)
}

// RestartVPS asks node to restart a VPS, shipping the task record so a
// QEMU backend can relaunch with its original parameters.
func (c *Client) RestartVPS(ctx context.Context, node *types.Node, task *types.Task) error {
	return c.postJSON(ctx, fmt.Sprintf("%s/vps/restart/%d", node.URL, task.TaskID), task, nil)
}

// Healthz probes a Runner's /healthz endpoint.
func (c *Client) Healthz(ctx context.Context, node *types.Node) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.URL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hostclient: healthz %s returned %d", node.URL, resp.StatusCode)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, url string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("hostclient: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return fmt.Errorf("hostclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hostclient: %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("hostclient: %s returned status %d", url, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("hostclient: decode response from %s: %w", url, err)
		}
	}
	return nil
}
