// Package sapihttp implements sapi.Transport against the remote solver
// HTTP API.
package sapihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"sapiremote/internal/apperrors"
	"sapiremote/pkg/circuitbreaker"
	"sapiremote/pkg/sapi"
)

const (
	headerAuthToken = "X-Auth-Token"
	headerRequestID = "X-Request-Id"

	pathSolvers  = "solvers/remote/"
	pathProblems = "problems/"
)

// Operation names, used as breaker keys and metric labels.
const (
	OpSolvers = "solvers"
	OpSubmit  = "submit"
	OpStatus  = "status"
	OpAnswer  = "answer"
	OpCancel  = "cancel"
)

// MetricsRecorder receives per-request measurements. Status is 0 when no
// response arrived.
type MetricsRecorder interface {
	RecordTransportRequest(ctx context.Context, op string, status int, seconds float64)
	RecordBreakerState(op, state string)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. Config.Proxy and
// Config.Timeout are then ignored.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics sets a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l.With("component", "transport") }
}

// Client is a sapi.Transport speaking the remote solver HTTP API. It is safe
// for concurrent use.
type Client struct {
	baseURL     string
	problemsURL string
	token       string
	userAgent   string
	maxBytes    int64

	http     *http.Client
	breakers *circuitbreaker.Registry
	metrics  MetricsRecorder
	logger   *slog.Logger
}

var _ sapi.Transport = (*Client)(nil)

// New creates a client. An empty base URL or a malformed proxy is a
// validation error; a token with characters outside 33..126 is an AUTH error.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, apperrors.Validation("url", "service URL is required")
	}
	token, err := fixToken(cfg.Token)
	if err != nil {
		return nil, err
	}
	base := fixBaseURL(cfg.BaseURL)

	c := &Client{
		baseURL:     base,
		problemsURL: base + pathProblems,
		token:       token,
		userAgent:   cfg.UserAgent,
		maxBytes:    cfg.MaxResponseBytes,
		logger:      slog.Default().With("component", "transport"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.http == nil {
		proxy := http.ProxyFromEnvironment
		if cfg.Proxy != "" {
			u, err := url.Parse(cfg.Proxy)
			if err != nil || u.Host == "" {
				return nil, apperrors.Validation("proxy", fmt.Sprintf("invalid proxy URL %q", cfg.Proxy))
			}
			proxy = http.ProxyURL(u)
		}
		c.http = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               proxy,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	breakerCfg := cfg.Breaker
	userHook := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		c.logger.Warn("Circuit breaker changed state", "op", name, "from", from.String(), "to", to.String())
		if c.metrics != nil {
			c.metrics.RecordBreakerState(name, to.String())
		}
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	c.breakers = circuitbreaker.NewRegistry(breakerCfg)
	return c, nil
}

// BaseURL returns the normalized service URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// BreakerStats reports the circuit breaker states.
func (c *Client) BreakerStats() circuitbreaker.Stats {
	return c.breakers.Stats()
}

// Ready reports whether the service answers a solver listing.
func (c *Client) Ready(ctx context.Context) error {
	_, err := c.FetchSolvers(ctx)
	return err
}

// FetchSolvers implements sapi.Transport.
func (c *Client) FetchSolvers(ctx context.Context) ([]sapi.SolverInfo, error) {
	u := c.baseURL + pathSolvers
	body, err := c.do(ctx, OpSolvers, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return decodeSolvers(body, u)
}

// SubmitProblems implements sapi.Transport.
func (c *Client) SubmitProblems(ctx context.Context, problems []sapi.Problem) ([]sapi.RemoteProblemInfo, error) {
	entries := make([]submitEntry, len(problems))
	for i, p := range problems {
		params := p.Params
		if params == nil {
			params = map[string]any{}
		}
		entries[i] = submitEntry{Solver: p.Solver, Type: p.Type, Data: p.Data, Params: params}
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, sapi.InternalError(fmt.Sprintf("encode problems: %v", err))
	}

	body, err := c.do(ctx, OpSubmit, http.MethodPost, c.problemsURL, payload)
	if err != nil {
		return nil, err
	}
	return decodeStatuses(body, len(problems), c.problemsURL)
}

// MultiProblemStatus implements sapi.Transport. An empty id list makes no
// request.
func (c *Client) MultiProblemStatus(ctx context.Context, ids []string) ([]sapi.RemoteProblemInfo, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	escaped := make([]string, len(ids))
	for i, id := range ids {
		escaped[i] = escapeID(id)
	}
	u := c.problemsURL + "?id=" + strings.Join(escaped, ",")

	body, err := c.do(ctx, OpStatus, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return decodeStatuses(body, len(ids), u)
}

// FetchAnswer implements sapi.Transport.
func (c *Client) FetchAnswer(ctx context.Context, id string) (sapi.Answer, error) {
	u := c.problemsURL + url.PathEscape(id) + "/"
	body, err := c.do(ctx, OpAnswer, http.MethodGet, u, nil)
	if err != nil {
		return sapi.Answer{}, err
	}
	return decodeAnswer(body, u)
}

// CancelProblems implements sapi.Transport.
func (c *Client) CancelProblems(ctx context.Context, ids []string) error {
	payload, err := json.Marshal(ids)
	if err != nil {
		return sapi.InternalError(fmt.Sprintf("encode ids: %v", err))
	}
	_, err = c.do(ctx, OpCancel, http.MethodDelete, c.problemsURL, payload)
	return err
}

// do sends one request through the operation's breaker and returns the
// body of a 200 response. Every failure is a *sapi.Error, except context
// cancellation which is returned as is.
func (c *Client) do(ctx context.Context, op, method, u string, payload []byte) ([]byte, error) {
	var body []byte
	err := c.breakers.Get(op).Do(func() error {
		var err error
		body, err = c.send(ctx, op, method, u, payload)
		return err
	}, func(err error) bool {
		return errors.Is(err, sapi.ErrNetwork)
	})

	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, sapi.NetworkError("circuit open")
	}
	return body, err
}

func (c *Client) send(ctx context.Context, op, method, u string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, sapi.InternalError(fmt.Sprintf("create request: %v", err))
	}
	req.Header.Set(headerAuthToken, c.token)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(headerRequestID, uuid.NewString())
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.record(ctx, op, 0, start)
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, ctxErr
		}
		c.logger.Debug("Request failed", "op", op, "url", u, "error", err)
		return nil, sapi.NetworkError(err.Error())
	}
	defer resp.Body.Close()
	c.record(ctx, op, resp.StatusCode, start)

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, sapi.NetworkError(err.Error())
	}
	if int64(len(body)) > c.maxBytes {
		return nil, sapi.MemoryError(fmt.Sprintf("response from %s exceeds %d bytes", u, c.maxBytes))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, sapi.AuthError()
	case resp.StatusCode == http.StatusRequestURITooLong && op == OpStatus:
		return nil, sapi.TooManyProblemIDsError(u)
	default:
		return nil, sapi.ProtocolError("HTTP status code "+strconv.Itoa(resp.StatusCode), u)
	}
}

func (c *Client) record(ctx context.Context, op string, status int, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordTransportRequest(context.WithoutCancel(ctx), op, status, time.Since(start).Seconds())
	}
}

// fixToken trims whitespace and rejects characters outside 33..126.
func fixToken(token string) (string, error) {
	token = strings.Trim(token, " \t\n\r\v\f")
	for i := 0; i < len(token); i++ {
		if token[i] < 33 || token[i] > 126 {
			return "", sapi.AuthError()
		}
	}
	return token, nil
}

// fixBaseURL drops any query and ends the URL with exactly one slash.
func fixBaseURL(base string) string {
	base, _, _ = strings.Cut(strings.TrimSpace(base), "?")
	return strings.TrimRight(base, "/") + "/"
}

// escapeID percent-encodes everything except RFC 3986 unreserved characters.
func escapeID(id string) string {
	return strings.ReplaceAll(url.QueryEscape(id), "+", "%20")
}
