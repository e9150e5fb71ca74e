package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RequestsPerMinute throttles outbound generation calls. 0 disables
	// client-side limiting.
	RequestsPerMinute int
}

// Client talks to the generation API over HTTP. Requests pass through a rate
// limiter before hitting the wire so batch runs stay inside provider quota.
type Client struct {
	cfg     Config
	hc      *http.Client
	limiter *rate.Limiter
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}
	return &Client{
		cfg:     cfg,
		hc:      &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
	}
}

type generateReq struct {
	Prompt  string          `json:"prompt"`
	Options json.RawMessage `json:"options,omitempty"`
}

func (c *Client) Generate(ctx context.Context, prompt string, options json.RawMessage) (Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}

	body, err := json.Marshal(generateReq{Prompt: prompt, Options: options})
	if err != nil {
		return Result{}, err
	}
	var res Result
	if err := c.post(ctx, "/v1/generate", body, &res); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (c *Client) UsageStats(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/usage", nil)
	if err != nil {
		return nil, err
	}
	c.auth(req)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("usage HTTP %d: %s", resp.StatusCode, raw)
	}
	return json.RawMessage(raw), nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	c.auth(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider HTTP %d: %s", resp.StatusCode, raw)
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) auth(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("authorization", "Bearer "+c.cfg.APIKey)
	}
}
