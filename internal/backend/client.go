// Package backend is the OpenAI-compatible chat client used for both
// generation stages. It covers the full backend contract: URL
// normalization, the /v1/models capability probe, and chat completion with
// bounded retry, explicit timeout, and Retry-After handling.
//
// Intended for local inference backends (LM Studio, llama.cpp server, vLLM)
// which are often configured behind reverse proxies exposing a full path
// rather than a base URL, hence the permissive URL normalization.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config identifies one backend: where it is and which model id must serve
// the request.
type Config struct {
	URL         string  `yaml:"url" json:"url"`
	Model       string  `yaml:"model" json:"model"`
	TimeoutSecs int     `yaml:"timeout_secs" json:"timeout_secs"`
	MaxRetries  int     `yaml:"max_retries" json:"max_retries"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`
	// CachePrompt asks llama.cpp-style servers to reuse the cached prompt
	// prefix across calls. Output identity with and without it is asserted
	// by the consistency checker, never assumed.
	CachePrompt bool `yaml:"cache_prompt" json:"cache_prompt"`
}

// Client talks to one OpenAI-compatible backend.
type Client struct {
	cfg   Config
	root  string // scheme://host[/path], no /v1
	v1    string // root + /v1
	http  *http.Client
	sleep func(time.Duration) // test seam for backoff
}

// ErrUnavailable marks a failed capability probe. Batch-fatal.
var ErrUnavailable = errors.New("backend unavailable")

// HTTPError is a non-200 backend response with retry metadata.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether err is worth retrying: timeouts, rate limits,
// and server-side errors. Anything else is treated as a contract problem.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// New creates a client for one backend configuration.
func New(cfg Config) *Client {
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 180
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	root, v1 := normalizeURLs(cfg.URL)
	return &Client{
		cfg:   cfg,
		root:  root,
		v1:    v1,
		http:  &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second},
		sleep: time.Sleep,
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.cfg.Model }

// normalizeURLs accepts a root URL, a /v1 URL, or a full endpoint URL like
// http://host:1245/v1/chat/completions, and returns (root, root/v1).
func normalizeURLs(raw string) (string, string) {
	u := strings.TrimSpace(raw)
	if u == "" {
		return "", "/v1"
	}
	if !strings.Contains(u, "://") {
		u = "http://" + u
	}
	p, err := url.Parse(u)
	if err != nil {
		return strings.TrimRight(u, "/"), strings.TrimRight(u, "/") + "/v1"
	}
	path := strings.TrimRight(p.Path, "/")
	if idx := strings.Index(path, "/v1"); idx != -1 {
		after := path[idx+len("/v1"):]
		if after == "" || strings.HasPrefix(after, "/") {
			path = path[:idx]
		}
	}
	p.Path = path
	root := strings.TrimRight(p.String(), "/")
	return root, root + "/v1"
}

// ListModels queries /v1/models and returns the served model ids.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.v1+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating models request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s/models: %w", c.v1, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading models response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var obj struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("parsing models response: %w", err)
	}
	ids := make([]string, 0, len(obj.Data))
	for _, item := range obj.Data {
		if id := strings.TrimSpace(item.ID); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Probe verifies that the configured model id is actually being served.
// A local server may answer 503 on /v1/models while weights load, so the
// probe retries within its own deadline before giving up.
func (c *Client) Probe(ctx context.Context) error {
	deadline := time.Now().Add(time.Duration(c.cfg.TimeoutSecs) * time.Second)
	var lastErr error
	for {
		ids, err := c.ListModels(ctx)
		if err == nil {
			for _, id := range ids {
				if id == c.cfg.Model {
					return nil
				}
			}
			return fmt.Errorf("%w: model %q not served at %s (available: %s)",
				ErrUnavailable, c.cfg.Model, c.root, strings.Join(ids, ", "))
		}
		lastErr = err
		if ctx.Err() != nil || time.Now().After(deadline) || !Transient(err) {
			break
		}
		c.sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("%w: probing %s: %v", ErrUnavailable, c.root, lastErr)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
	CachePrompt bool          `json:"cache_prompt,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat sends one system+user exchange and returns the generated text,
// retrying transient failures up to MaxRetries with exponential backoff.
func (c *Client) Chat(ctx context.Context, system, user string) (string, error) {
	req := chatRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		CachePrompt: c.cfg.CachePrompt,
	}
	if system != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: system})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: user})

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		text, err := c.sendChat(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if attempt == c.cfg.MaxRetries || !Transient(err) {
			break
		}

		// Exponential backoff: 1s, 2s, 4s. Rate limits respect Retry-After.
		backoff := time.Duration(1<<attempt) * time.Second
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests && httpErr.RetryAfter > 0 {
			backoff = httpErr.RetryAfter
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
			c.sleep(backoff)
		}
	}
	return "", fmt.Errorf("chat with %s failed after %d attempt(s): %w", c.cfg.Model, c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) sendChat(ctx context.Context, req chatRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.v1+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sending chat request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var retryAfter time.Duration
		if h := resp.Header.Get("Retry-After"); h != "" {
			if secs, err := strconv.Atoi(h); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return "", &HTTPError{StatusCode: resp.StatusCode, Message: string(respBody), RetryAfter: retryAfter}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("parsing chat response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("backend error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in chat response")
	}
	text := chatResp.Choices[0].Message.Content
	if text == "" {
		return "", fmt.Errorf("empty completion from backend")
	}
	return text, nil
}
