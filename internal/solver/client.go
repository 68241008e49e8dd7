// Package solver talks to a 2Captcha-compatible solving backend, such as a
// local CapMonster instance intercepting 2captcha.com.
package solver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/openjobspec/captcha-relay/internal/core"
)

const (
	submitPath = "/in.php"
	pollPath   = "/res.php"

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 64 << 10
)

// Config holds the backend connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RPS caps requests per second across submit and poll. 0 disables it.
	RPS float64
}

// Client implements core.Solver over the 2Captcha text protocol.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ core.Solver = (*Client)(nil)

// NewClient creates a backend client.
func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RPS > 0 {
		burst := int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return c
}

// Submit uploads a reCAPTCHA job and returns the backend captcha id.
func (c *Client) Submit(ctx context.Context, job *core.Job) (string, error) {
	p := job.Payload.Normalize()
	if err := validatePayload(p); err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("method", p.Method)
	q.Set("googlekey", p.SiteKey)
	q.Set("pageurl", p.PageURL)
	if p.Proxy != "" {
		q.Set("proxy", p.Proxy)
		q.Set("proxytype", string(p.ProxyType))
	}

	body, err := c.do(ctx, http.MethodPost, submitPath, q)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}

	resp := parseResponse(body)
	if resp.ok {
		if resp.value == "" {
			return "", &core.BackendError{Code: core.CodeBadRequest, Message: "empty captcha id"}
		}
		return resp.value, nil
	}
	return "", resp.err
}

// Poll asks the backend for the result of a submitted captcha.
func (c *Client) Poll(ctx context.Context, externalID string) (core.PollResult, error) {
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("action", "get")
	q.Set("id", externalID)

	body, err := c.do(ctx, http.MethodGet, pollPath, q)
	if err != nil {
		return core.PollResult{}, fmt.Errorf("poll: %w", err)
	}

	resp := parseResponse(body)
	switch {
	case resp.ok && resp.value == "":
		return core.PollResult{Status: core.PollFailed, Err: &core.BackendError{Code: core.CodeBadRequest, Message: "empty solution"}}, nil
	case resp.ok:
		return core.PollResult{Status: core.PollSolved, Solution: resp.value}, nil
	case resp.err.Code == core.CodeNotReady:
		return core.PollResult{Status: core.PollNotReady}, nil
	default:
		return core.PollResult{Status: core.PollFailed, Err: resp.err}, nil
	}
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return "", fmt.Errorf("backend returned status %d", resp.StatusCode)
	}
	return string(data), nil
}

// validatePayload rejects requests the backend would refuse anyway.
func validatePayload(p core.Payload) error {
	if p.SiteKey == "" {
		return &core.BackendError{Code: core.CodeBadParameters, Message: "googlekey is required"}
	}
	u, err := url.Parse(p.PageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &core.BackendError{Code: core.CodeBadParameters, Message: "pageurl must be an http(s) url"}
	}
	return nil
}
