// Package agent talks to the browser-automation agent over HTTP. The agent
// owns the platform session; this client only dispatches requests and maps
// responses, keeping all automation details on the other side of the wire.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"repost/internal/publish"
	logx "repost/pkg/logx"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Client struct {
	base   string
	token  string
	client *http.Client
	log    logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

type sessionResponse struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail"`
}

// SessionHealthy asks the agent whether the platform session is trusted
// enough to publish with.
func (c *Client) SessionHealthy(ctx context.Context) (bool, string, error) {
	var out sessionResponse
	if err := c.do(ctx, http.MethodGet, "/v1/session", nil, &out); err != nil {
		return false, "", err
	}
	return out.Healthy, out.Detail, nil
}

type publishRequest struct {
	Text string `json:"text"`
}

// Publish posts the text through the agent. 4xx responses mean the platform
// rejected the content and are marked non-retryable.
func (c *Client) Publish(ctx context.Context, text string) error {
	return c.do(ctx, http.MethodPost, "/v1/repost", publishRequest{Text: text}, nil)
}

// Post is one discovered source post.
type Post struct {
	URL          string     `json:"url"`
	AuthorHandle string     `json:"author_handle"`
	AuthorName   string     `json:"author_name"`
	Text         string     `json:"text"`
	PostedAt     *time.Time `json:"posted_at"`
}

// ListPosts scrapes recent posts for one handle.
func (c *Client) ListPosts(ctx context.Context, handle string, days, limit int) ([]Post, error) {
	path := fmt.Sprintf("/v1/posts?handle=%s&days=%d&limit=%d", handle, days, limit)
	var out []Post
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("agent %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return publish.NoRetry(err)
		}
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("agent %s %s: decoding response: %w", method, path, err)
	}
	return nil
}
