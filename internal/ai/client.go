// Package ai calls the external caption/time-suggestion service. The calls
// are opaque request/response pairs; suggestion quality is the provider's
// problem, not ours.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"postflow/internal/models"
)

// Client talks to the suggestion service over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// NewClient builds a client for the given endpoint.
func NewClient(baseURL, apiKey string, timeout time.Duration, opts ...Option) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether a provider endpoint is configured.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// CaptionRequest asks for caption variants of a draft.
type CaptionRequest struct {
	Content  string          `json:"content"`
	Platform models.Platform `json:"platform"`
	Tone     string          `json:"tone,omitempty"`
}

// GenerateCaptions returns caption suggestions for the draft.
func (c *Client) GenerateCaptions(ctx context.Context, req CaptionRequest) ([]string, error) {
	var out struct {
		Captions []string `json:"captions"`
	}
	if err := c.post(ctx, "/v1/captions", req, &out); err != nil {
		return nil, err
	}
	return out.Captions, nil
}

// SuggestBestTime returns the provider's recommended publish time for the
// platform.
func (c *Client) SuggestBestTime(ctx context.Context, platform models.Platform) (time.Time, error) {
	var out struct {
		BestTime time.Time `json:"best_time"`
	}
	req := struct {
		Platform models.Platform `json:"platform"`
	}{Platform: platform}
	if err := c.post(ctx, "/v1/best-time", req, &out); err != nil {
		return time.Time{}, err
	}
	return out.BestTime, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call suggestion service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("suggestion service: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
