// Package ai generates rewritten text variants through an OpenAI-compatible
// chat completions endpoint. Prompting is deliberately simple; the model is
// asked for N renditions separated by a fixed marker.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "repost/pkg/logx"
)

// variantSeparator splits the model output into individual renditions.
const variantSeparator = "---VARIANT---"

type Config struct {
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

type Client struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Client{cfg: cfg, client: &http.Client{Timeout: timeout}, log: log}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// GenerateVariants asks the model for n rewrites of text and returns them
// in order. Fewer than n usable variants is an error; the caller decides
// whether to retry generation.
func (c *Client) GenerateVariants(ctx context.Context, text string, n int) ([]string, error) {
	if n < 1 {
		return nil, errors.New("variant count must be >= 1")
	}

	prompt := fmt.Sprintf(
		"Rewrite the following post %d times in distinct voices while keeping its meaning. "+
			"Separate the rewrites with a line containing exactly %q and output nothing else.\n\n%s",
		n, variantSeparator, text)

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.9,
	})
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(c.cfg.Endpoint, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("variant generation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("variant generation: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("variant generation: decoding response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("variant generation: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("variant generation: empty response")
	}

	variants := ParseVariants(out.Choices[0].Message.Content)
	if len(variants) < n {
		return nil, fmt.Errorf("variant generation: got %d variants, want %d", len(variants), n)
	}
	return variants[:n], nil
}

// ParseVariants splits model output on the separator, trimming whitespace
// and dropping empty segments.
func ParseVariants(content string) []string {
	parts := strings.Split(content, variantSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
