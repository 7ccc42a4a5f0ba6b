package rest

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

	"okx-grid-hedge/internal/config"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://www.okx.com"

// ErrNetwork wraps transport failures and non-2xx responses.
var ErrNetwork = errors.New("network error")

// APIError is a well-formed response whose envelope code is not "0".
type APIError struct {
	Code string
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("okx api error %s: %s", e.Code, e.Msg)
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type Client struct {
	baseURL   string
	http      *http.Client
	signer    *Signer
	limiter   *rate.Limiter
	simulated bool
	log       *zap.Logger
	now       func() time.Time
}

func New(cfg config.RESTConfig, log *zap.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	var signer *Signer
	if cfg.APIKey != "" {
		signer = NewSigner(cfg.APIKey, cfg.SecretKey, cfg.Passphrase)
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
		},
		signer:    signer,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		simulated: cfg.Simulated,
		log:       log,
		now:       time.Now,
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, auth bool, dst any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, auth, dst)
}

func (c *Client) post(ctx context.Context, path string, req any, dst any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, body, true, dst)
}

// do sends one request and decodes the envelope's data array into dst.
func (c *Client) do(ctx context.Context, method, path string, body []byte, auth bool, dst any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if auth {
		if c.signer == nil {
			return errors.New("okx credentials are not configured")
		}
		c.signer.Apply(httpReq.Header, c.now(), method, path, string(body))
	}
	if c.simulated {
		httpReq.Header.Set("x-simulated-trading", "1")
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s: %w", resp.StatusCode, string(payload), ErrNetwork)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	// data is decoded even on error codes; batch endpoints carry per-leg
	// results there.
	if dst != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, dst); err != nil && env.Code == "0" {
			return fmt.Errorf("decode %s data: %w", path, err)
		}
	}
	if env.Code != "0" {
		return &APIError{Code: env.Code, Msg: env.Msg}
	}
	return nil
}
