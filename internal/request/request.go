package request

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/darkiworld/debrid-blackhole/internal/logger"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// JoinURL appends paths to base. A query string on the last element is kept as is.
func JoinURL(base string, paths ...string) (string, error) {
	if len(paths) == 0 {
		return base, nil
	}
	elems := slices.Clone(paths)
	last, query, hasQuery := strings.Cut(elems[len(elems)-1], "?")
	elems[len(elems)-1] = last

	joined, err := url.JoinPath(base, elems...)
	if err != nil {
		return "", err
	}
	if hasQuery {
		return joined + "?" + query, nil
	}
	return joined, nil
}

var (
	once     sync.Once
	instance *Client
)

type ClientOption func(*Client)

// Client is an http.Client with rate limiting, retries and default headers.
type Client struct {
	client          *http.Client
	rateLimiter     *rate.Limiter
	headers         map[string]string
	headersMu       sync.RWMutex
	maxRetries      int
	timeout         time.Duration
	backoff         time.Duration
	retryableStatus map[int]struct{}
	logger          zerolog.Logger
	proxy           string
}

// WithMaxRetries sets the maximum number of retry attempts
func WithMaxRetries(maxRetries int) ClientOption {
	return func(c *Client) {
		c.maxRetries = maxRetries
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithBackoff sets the initial retry delay; it doubles on every attempt.
func WithBackoff(d time.Duration) ClientOption {
	return func(c *Client) {
		c.backoff = d
	}
}

func WithRateLimiter(rl *rate.Limiter) ClientOption {
	return func(c *Client) {
		c.rateLimiter = rl
	}
}

func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		c.headersMu.Lock()
		for k, v := range headers {
			c.headers[k] = v
		}
		c.headersMu.Unlock()
	}
}

func (c *Client) SetHeader(key, value string) {
	c.headersMu.Lock()
	c.headers[key] = value
	c.headersMu.Unlock()
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *Client) {
		c.client.Transport = transport
	}
}

// WithRetryableStatus adds status codes that should trigger a retry
func WithRetryableStatus(statusCodes ...int) ClientOption {
	return func(c *Client) {
		for _, code := range statusCodes {
			c.retryableStatus[code] = struct{}{}
		}
	}
}

func WithProxy(proxyURL string) ClientOption {
	return func(c *Client) {
		c.proxy = proxyURL
	}
}

func (c *Client) doRequest(req *http.Request) (*http.Response, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}
	return c.client.Do(req)
}

func (c *Client) sleep(ctx context.Context, backoff time.Duration) error {
	jitter := time.Duration(0)
	if quarter := int64(backoff / 4); quarter > 0 {
		jitter = time.Duration(rand.Int63n(quarter))
	}
	t := time.NewTimer(backoff + jitter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do performs an HTTP request, retrying network errors and retryable status codes.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		_ = req.Body.Close()
	}

	c.headersMu.RLock()
	for key, value := range c.headers {
		if req.Header.Get(key) == "" {
			req.Header.Set(key, value)
		}
	}
	c.headersMu.RUnlock()

	backoff := c.backoff
	for attempt := 0; ; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.doRequest(req)
		if err != nil {
			if attempt >= c.maxRetries || req.Context().Err() != nil {
				return nil, err
			}
			c.logger.Debug().Err(err).Int("attempt", attempt+1).Str("url", req.URL.Redacted()).Msg("Retrying request")
		} else {
			if _, ok := c.retryableStatus[resp.StatusCode]; !ok || attempt >= c.maxRetries {
				return resp, nil
			}
			_ = resp.Body.Close()
			c.logger.Debug().Int("status", resp.StatusCode).Int("attempt", attempt+1).Str("url", req.URL.Redacted()).Msg("Retrying request")
		}

		if err := c.sleep(req.Context(), backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}
}

// MakeRequest performs req and returns the body. Non-2xx responses return *HTTPError.
func (c *Client) MakeRequest(req *http.Request) ([]byte, error) {
	res, err := c.Do(req)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := res.Body.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to close response body")
		}
	}()

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return bodyBytes, &HTTPError{
			StatusCode: res.StatusCode,
			Message:    fmt.Sprintf("HTTP error %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes))),
		}
	}

	return bodyBytes, nil
}

// New creates a new HTTP client with the specified options
func New(options ...ClientOption) *Client {
	client := &Client{
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		retryableStatus: map[int]struct{}{
			http.StatusTooManyRequests:     {},
			http.StatusInternalServerError: {},
			http.StatusBadGateway:          {},
			http.StatusServiceUnavailable:  {},
			http.StatusGatewayTimeout:      {},
		},
		logger:  logger.New("request"),
		timeout: 60 * time.Second,
		headers: make(map[string]string),
	}
	client.client = &http.Client{}

	for _, option := range options {
		option(client)
	}
	client.client.Timeout = client.timeout

	if client.client.Transport == nil {
		client.client.Transport = client.newTransport()
	}
	return client
}

func (c *Client) newTransport() *http.Transport {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2: true,
		Proxy:             http.ProxyFromEnvironment,
	}

	if c.proxy == "" {
		return transport
	}

	proxyURL, err := url.Parse(c.proxy)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to parse proxy URL")
		return transport
	}
	if proxyURL.Scheme != "socks5" {
		transport.Proxy = http.ProxyURL(proxyURL)
		return transport
	}

	var auth *proxy.Auth
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		auth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
	}
	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to create SOCKS5 dialer")
		return transport
	}
	transport.Proxy = nil
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		transport.DialContext = cd.DialContext
	} else {
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}
	return transport
}

var rateLimitRegex = regexp.MustCompile(`(\d+)/(minute|second)`)

// ParseRateLimit turns "200/minute" or "10/second" into a limiter. Invalid input yields nil.
func ParseRateLimit(rateStr string) *rate.Limiter {
	if rateStr == "" {
		return nil
	}
	matches := rateLimitRegex.FindStringSubmatch(rateStr)
	if len(matches) != 3 {
		return nil
	}

	count, err := strconv.Atoi(matches[1])
	if err != nil || count <= 0 {
		return nil
	}

	switch matches[2] {
	case "minute":
		burstSize := int(math.Max(1, float64(count)*0.25))
		return rate.NewLimiter(rate.Limit(float64(count)/60.0), burstSize)
	case "second":
		burstSize := int(math.Max(1, float64(count)))
		return rate.NewLimiter(rate.Limit(float64(count)), burstSize)
	default:
		return nil
	}
}

func JSONResponse(w http.ResponseWriter, data interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

func Default() *Client {
	once.Do(func() {
		instance = New()
	})
	return instance
}
