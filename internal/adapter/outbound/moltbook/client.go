// Package moltbook is the outbound client for the Moltbook API. The
// proxy holds the bearer token; agents never see it.
package moltbook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// requestTimeout bounds every upstream call.
const requestTimeout = 10 * time.Second

// Result is an upstream response: status plus raw body. Non-2xx
// statuses are results, not errors; only transport failures error.
type Result struct {
	Status int
	Body   []byte
}

// OK reports whether the status is in the 2xx range.
func (r Result) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// API is the subset of Moltbook operations the proxy performs on the
// agent's behalf.
type API interface {
	CreatePost(ctx context.Context, payload map[string]any) (Result, error)
	CreateComment(ctx context.Context, threadID string, payload map[string]any) (Result, error)
	Upvote(ctx context.Context, postID string) (Result, error)
}

// Client calls the Moltbook REST API with injected credentials.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ API = (*Client)(nil)

// NewClient creates a client for baseURL authenticating with token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// CreatePost creates a top-level post.
func (c *Client) CreatePost(ctx context.Context, payload map[string]any) (Result, error) {
	return c.post(ctx, "/api/v1/posts", payload)
}

// CreateComment creates a comment on the given thread.
func (c *Client) CreateComment(ctx context.Context, threadID string, payload map[string]any) (Result, error) {
	path := fmt.Sprintf("/api/v1/posts/%s/comments", url.PathEscape(threadID))
	return c.post(ctx, path, payload)
}

// Upvote upvotes the given post.
func (c *Client) Upvote(ctx context.Context, postID string) (Result, error) {
	path := fmt.Sprintf("/api/v1/posts/%s/upvote", url.PathEscape(postID))
	return c.post(ctx, path, nil)
}

// post issues an authenticated JSON POST and reads the full response.
func (c *Client) post(ctx context.Context, path string, payload map[string]any) (Result, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Result{}, fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("call moltbook: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read moltbook response: %w", err)
	}
	return Result{Status: resp.StatusCode, Body: data}, nil
}
