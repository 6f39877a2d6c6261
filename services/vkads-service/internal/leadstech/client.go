// Package leadstech reads affiliate revenue from the LeadsTech tracker.
package leadstech

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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/grigta/vkads/pkg/cache"
	"github.com/grigta/vkads/pkg/logger"
	"github.com/grigta/vkads/services/vkads-service/internal/utils"
)

var (
	ErrUnauthorized      = errors.New("leadstech: unauthorized")
	ErrMalformedResponse = errors.New("leadstech: malformed response")
)

type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("leadstech: status %d: %s", e.StatusCode, e.Body)
}

// TokenStore keeps session tokens between runs. *cache.RedisCache satisfies it.
type TokenStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type Config struct {
	BaseURL        string
	Login          string
	Password       string
	PageSize       int
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	TokenTTL       time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     TokenStore

	mu sync.Mutex
}

func NewClient(httpClient *http.Client, cfg Config, tokens TokenStore) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if tokens == nil {
		tokens = NewMemoryTokenStore()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 20 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: httpClient, tokens: tokens}
}

func (c *Client) tokenKey() string {
	return "leadstech:token:" + c.cfg.Login
}

// token returns a cached session token, logging in when none is cached or
// when refresh is forced.
func (c *Client) token(ctx context.Context, refresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !refresh {
		tok, err := c.tokens.Get(ctx, c.tokenKey())
		if err == nil && tok != "" {
			return tok, nil
		}
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			logger.FromContext(ctx).Warn("LeadsTech token cache unavailable", logger.Err(err))
		}
	} else if err := c.tokens.Delete(ctx, c.tokenKey()); err != nil {
		logger.FromContext(ctx).Warn("Failed to drop rejected LeadsTech token", logger.Err(err))
	}

	tok, err := c.login(ctx)
	if err != nil {
		return "", err
	}
	if err := c.tokens.Set(ctx, c.tokenKey(), tok, c.cfg.TokenTTL); err != nil {
		logger.FromContext(ctx).Warn("Failed to cache LeadsTech token", logger.Err(err))
	}
	return tok, nil
}

func (c *Client) login(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("login", c.cfg.Login)
	form.Set("password", c.cfg.Password)

	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	err := c.retry(ctx, "authorization/login", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/front/authorization/login",
			strings.NewReader(form.Encode()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return c.send(ctx, req, &resp)
	})
	if err != nil {
		return "", fmt.Errorf("leadstech login: %w", err)
	}
	if resp.Data.Token == "" {
		return "", fmt.Errorf("leadstech login: %w: empty token", ErrMalformedResponse)
	}
	return resp.Data.Token, nil
}

// get performs an authenticated GET. An auth failure forces a re-login and
// exactly one more attempt.
func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	tok, err := c.token(ctx, false)
	if err != nil {
		return err
	}

	err = c.getWithToken(ctx, path, q, tok, out)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}

	logger.FromContext(ctx).Info("LeadsTech token rejected, logging in again")
	if tok, err = c.token(ctx, true); err != nil {
		return err
	}
	return c.getWithToken(ctx, path, q, tok, out)
}

func (c *Client) getWithToken(ctx context.Context, path string, q url.Values, tok string, out interface{}) error {
	target := c.cfg.BaseURL + "/v1/front/" + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	return c.retry(ctx, path, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("X-Auth-Token", tok)
		return c.send(ctx, req, out)
	})
}

func (c *Client) retry(ctx context.Context, endpoint string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBaseDelay
	b.MaxInterval = c.cfg.RetryMaxDelay
	b.MaxElapsedTime = 0

	log := logger.FromContext(ctx)
	return backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx),
		func(err error, wait time.Duration) {
			log.Warn("LeadsTech request failed, retrying",
				logger.Field{Key: "endpoint", Value: endpoint},
				logger.Field{Key: "wait", Value: wait.String()},
				logger.Err(err))
		})
}

func (c *Client) send(ctx context.Context, req *http.Request, out interface{}) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &StatusError{StatusCode: resp.StatusCode, Body: utils.Truncate(string(data), 500)}
	case resp.StatusCode >= 400:
		return backoff.Permanent(&StatusError{StatusCode: resp.StatusCode, Body: utils.Truncate(string(data), 500)})
	}

	if err := json.Unmarshal(bytes.TrimSpace(data), out); err != nil {
		return backoff.Permanent(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}
	return nil
}

// RowsQuery selects by-subid rows for one account label. When SubField is set
// only rows whose SubField equals one of Values are returned.
type RowsQuery struct {
	Label    string
	DateFrom string
	DateTo   string
	SubField string
	Values   []string
}

// Rows reads every page of stat/by-subid for q.
func (c *Client) Rows(ctx context.Context, q RowsQuery) ([]Row, error) {
	base := url.Values{}
	base.Set("dateStart", q.DateFrom)
	base.Set("dateEnd", q.DateTo)
	base.Set("sub1", q.Label)
	if q.SubField != "" && len(q.Values) > 0 {
		base.Set(q.SubField, strings.Join(q.Values, "|"))
	}
	base.Set("pageSize", strconv.Itoa(c.cfg.PageSize))

	var rows []Row
	for page := 1; ; page++ {
		params := url.Values{}
		for k, v := range base {
			params[k] = v
		}
		params.Set("page", strconv.Itoa(page))

		var resp rowsResponse
		if err := c.get(ctx, "stat/by-subid", params, &resp); err != nil {
			return nil, err
		}
		rows = append(rows, resp.Data.Rows...)
		if len(resp.Data.Rows) == 0 || len(rows) >= resp.Data.Total {
			return rows, nil
		}
	}
}
