// Package publish is the boundary to the external publish target. Publish
// failures are recorded against the run but never retract a generation
// success.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Result struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	URL     string `json:"url,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Item is one generated piece of content handed to the publish target.
type Item struct {
	Title   string          `json:"title,omitempty"`
	Content json.RawMessage `json:"content"`
}

type Target interface {
	Publish(ctx context.Context, item Item) (Result, error)
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	cfg Config
	hc  *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, hc: &http.Client{Timeout: cfg.Timeout}}
}

func (c *Client) Publish(ctx context.Context, item Item) (Result, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/publish", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("content-type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("publish request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read publish response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("publish HTTP %d: %s", resp.StatusCode, raw)
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, err
	}
	return res, nil
}
