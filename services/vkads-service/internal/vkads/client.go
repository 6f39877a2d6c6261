// Package vkads is a client for the VK Ads REST API (v2).
package vkads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/grigta/vkads/pkg/logger"
	"github.com/grigta/vkads/services/vkads-service/internal/utils"
)

const (
	apiPrefix      = "/api/v2/"
	maxBodyBytes   = 32 << 20
	maxErrorBody   = 500
	DefaultBaseURL = "https://ads.vk.com"
)

var (
	ErrURITooLong        = errors.New("vkads: request URI too long")
	ErrMalformedResponse = errors.New("vkads: malformed response")
)

type APIError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vkads: %s returned status %d: %s", e.Path, e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth retrying.
func (e *APIError) Retryable() bool {
	return IsRetryableStatus(e.StatusCode)
}

func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

type Config struct {
	BaseURL        string
	Token          string
	APIDelay       time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	PageSize       int
	MinDailyBudget float64
}

// RequestObserver receives one call per HTTP attempt.
type RequestObserver func(endpoint string, status int, duration time.Duration)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
	pageSize   int
	minBudget  float64
	observe    RequestObserver
}

type Option func(*Client)

func WithObserver(o RequestObserver) Option {
	return func(c *Client) { c.observe = o }
}

// NewHTTPClient builds the transport shared by every account client so the
// process holds one bounded connection pool.
func NewHTTPClient(timeout time.Duration, maxConnsPerHost int) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = maxConnsPerHost
	transport.MaxIdleConnsPerHost = maxConnsPerHost
	transport.IdleConnTimeout = 90 * time.Second
	return &http.Client{Timeout: timeout, Transport: transport}
}

func NewClient(httpClient *http.Client, cfg Config, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	limit := rate.Inf
	if cfg.APIDelay > 0 {
		limit = rate.Every(cfg.APIDelay)
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBaseDelay,
		retryMax:   cfg.RetryMaxDelay,
		pageSize:   cfg.PageSize,
		minBudget:  cfg.MinDailyBudget,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	method   string
	path     string
	endpoint string
	query    url.Values
	body     interface{}
}

func (c *Client) do(ctx context.Context, r request, out interface{}) error {
	var payload []byte
	if r.body != nil {
		var err error
		if payload, err = json.Marshal(r.body); err != nil {
			return fmt.Errorf("vkads: encode %s body: %w", r.path, err)
		}
	}

	target := c.baseURL + apiPrefix + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}
	if r.endpoint == "" {
		r.endpoint = r.path
	}

	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		return c.attempt(ctx, r, target, payload, out)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBase
	b.MaxInterval = c.retryMax
	b.MaxElapsedTime = 0

	log := logger.FromContext(ctx)
	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx),
		func(err error, wait time.Duration) {
			log.Warn("VK Ads request failed, retrying",
				logger.Field{Key: "endpoint", Value: r.endpoint},
				logger.Field{Key: "wait", Value: wait.String()},
				logger.Err(err))
		})
	if err != nil {
		return fmt.Errorf("vkads %s %s: %w", r.method, r.endpoint, err)
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, r request, target string, payload []byte, out interface{}) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	defer resp.Body.Close()

	if c.observe != nil {
		c.observe(r.endpoint, resp.StatusCode, time.Since(start))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusRequestURITooLong:
		return backoff.Permanent(ErrURITooLong)
	case resp.StatusCode >= 400:
		apiErr := &APIError{StatusCode: resp.StatusCode, Path: r.endpoint, Body: utils.Truncate(string(data), maxErrorBody)}
		if apiErr.Retryable() {
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return backoff.Permanent(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}
	return nil
}

func joinIDs(ids []int64) string {
	var sb strings.Builder
	for i, id := range ids {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d", id)
	}
	return sb.String()
}
