package main

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

	"github.com/slipstream/grabber/internal/api"
	"github.com/slipstream/grabber/internal/auth"
	"github.com/slipstream/grabber/internal/jobs"
	"github.com/slipstream/grabber/internal/queue"
)

// client talks to a running grabber daemon.
type client struct {
	base   string
	bearer string
	http   *http.Client
}

func newClient(server, token string) *client {
	return &client{
		base:   strings.TrimRight(server, "/"),
		bearer: token,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is the body echo returns for HTTP errors.
type apiError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact grabber at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *client) submit(ctx context.Context, in *jobs.Intent) (*api.SubmitResponse, error) {
	var out api.SubmitResponse
	return &out, c.do(ctx, http.MethodPost, "/api/v1/intents", in, &out)
}

func (c *client) cancel(ctx context.Context, ids []int64) error {
	return c.do(ctx, http.MethodPost, "/api/v1/jobs/cancel", api.CancelRequest{JobIDs: ids}, nil)
}

func (c *client) pause(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/pause", id), nil, nil)
}

func (c *client) resume(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/resume", id), nil, nil)
}

func (c *client) jobs(ctx context.Context, statuses []string, contentID int64) ([]*jobs.Job, error) {
	q := url.Values{}
	if len(statuses) > 0 {
		q.Set("status", strings.Join(statuses, ","))
	}
	if contentID > 0 {
		q.Set("contentId", fmt.Sprint(contentID))
	}
	path := "/api/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []*jobs.Job
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

func (c *client) job(ctx context.Context, id int64) (*api.JobDetail, error) {
	var out api.JobDetail
	return &out, c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d", id), nil, &out)
}

func (c *client) queue(ctx context.Context) (*queue.Snapshot, error) {
	var out queue.Snapshot
	return &out, c.do(ctx, http.MethodGet, "/api/v1/queue", nil, &out)
}

func (c *client) token(ctx context.Context, username, password string) (*auth.TokenResponse, error) {
	var out auth.TokenResponse
	return &out, c.do(ctx, http.MethodPost, "/api/v1/auth/token", auth.TokenRequest{Username: username, Password: password}, &out)
}
