// Package apiclient is the authenticated client every client surface uses
// to call backend functions. It keeps the bearer token fresh, deduplicates
// refreshes, retries once after a 401 and degrades softly while a session
// is being recovered.
package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"marketflow/config"
	"marketflow/logging"
	"marketflow/metrics"
	"marketflow/querycache"
)

const (
	DefaultTimeout        = 15 * time.Second
	DefaultRefreshHorizon = 5 * time.Minute
	maxResponseBytes      = 8 << 20
)

// Recoverer runs a backend recovery pass. The client re-reads the session
// afterwards whatever the outcome.
type Recoverer interface {
	RecoverSession(ctx context.Context, reason string) bool
}

// Config holds the static client settings.
type Config struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	RefreshHorizon time.Duration
}

// ConfigFromBackend maps the backend config section onto Config.
func ConfigFromBackend(b config.BackendConfig) Config {
	return Config{
		BaseURL:        b.BaseURL,
		APIKey:         b.APIKey,
		Timeout:        b.RequestTimeout,
		RefreshHorizon: b.RefreshHorizon,
	}
}

// Deps are the collaborators of a Client. Tokens is required.
type Deps struct {
	Tokens     TokenSource
	Refresher  *RefreshCoordinator
	Recoverer  Recoverer
	Grace      *GraceEvaluator
	Cache      *querycache.Cache
	HTTPClient *http.Client
	Now        func() time.Time
	// OnUnauthorized fires when a call ends unauthorized. It is a signal for
	// a "session expired" banner; it must not clear credentials.
	OnUnauthorized func(*Error)
}

// Request describes one call to {BaseURL}/functions/v1/{Endpoint}.
type Request struct {
	Endpoint      string
	Method        string
	Body          any
	SkipAuthRetry bool
	NoCache       bool
}

// Response is a successful call. Data is the payload with any {data: ...}
// wrapper removed; Raw is the body as received.
type Response struct {
	Status  int
	Data    json.RawMessage
	Raw     []byte
	Wrapped bool
	Cached  bool
}

type Client struct {
	baseURL        string
	apiKey         string
	timeout        time.Duration
	horizon        time.Duration
	tokens         TokenSource
	refresher      *RefreshCoordinator
	recoverer      Recoverer
	grace          *GraceEvaluator
	cache          *querycache.Cache
	http           *http.Client
	breaker        *gobreaker.CircuitBreaker[exchange]
	now            func() time.Time
	onUnauthorized func(*Error)
}

func New(cfg Config, deps Deps) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		timeout:        cfg.Timeout,
		horizon:        cfg.RefreshHorizon,
		tokens:         deps.Tokens,
		refresher:      deps.Refresher,
		recoverer:      deps.Recoverer,
		grace:          deps.Grace,
		cache:          deps.Cache,
		http:           deps.HTTPClient,
		now:            deps.Now,
		onUnauthorized: deps.OnUnauthorized,
		breaker:        newBreaker("backend-functions"),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.horizon <= 0 {
		c.horizon = DefaultRefreshHorizon
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.refresher == nil {
		c.refresher = NewRefreshCoordinator(c.tokens, c.timeout)
	}
	return c
}

// SetRecoverer attaches the recovery engine after construction; the engine
// itself depends on collaborators built alongside the client.
func (c *Client) SetRecoverer(r Recoverer) { c.recoverer = r }

// Call performs req and returns the normalized response or an *Error.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	start := time.Now()
	resp, err := c.call(ctx, req)

	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	metrics.RecordClientCall(req.Endpoint, outcome, time.Since(start))

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.IsUnauthorized() && c.onUnauthorized != nil {
		c.onUnauthorized(apiErr)
	}
	return resp, err
}

func (c *Client) call(ctx context.Context, req Request) (*Response, error) {
	token, err := c.acquireToken(ctx, req.Endpoint)
	if err != nil {
		return nil, err
	}

	cacheKey := req.Method + " " + req.Endpoint
	useCache := c.cache != nil && req.Method == http.MethodGet && !req.NoCache
	if useCache {
		if raw, ok := c.cache.Get(cacheKey); ok {
			data, wrapped := normalize(raw)
			return &Response{Status: http.StatusOK, Data: data, Raw: raw, Wrapped: wrapped, Cached: true}, nil
		}
	}

	resp, err := c.send(ctx, req, token)
	if err != nil {
		return nil, err
	}
	if useCache {
		c.cache.Set(cacheKey, resp.Raw)
	}
	return resp, nil
}

// acquireToken returns a usable bearer token or a soft/hard auth error.
func (c *Client) acquireToken(ctx context.Context, endpoint string) (string, error) {
	if token := c.currentToken(ctx); token != "" {
		return token, nil
	}

	if c.recoverer != nil {
		logging.Ctx(ctx).Info().Str("endpoint", endpoint).Msg("no session token, attempting recovery")
		c.recoverer.RecoverSession(ctx, "missing_token")
		if token := c.currentToken(ctx); token != "" {
			return token, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return "", errCallerGone(endpoint, err)
	}

	verdict := c.grace.Evaluate(ctx)
	if verdict.SoftReconnect() {
		logging.Ctx(ctx).Info().
			Str("endpoint", endpoint).
			Dur("marker_age", verdict.Age).
			Msg("session unavailable within grace window, reporting reconnecting")
		return "", errSoftReconnecting(endpoint)
	}
	return "", errUnauthorized(endpoint, "", nil)
}

// currentToken reads the session, refreshing it first when it expires
// within the horizon. A failed proactive refresh falls back to the old
// token while it is still valid.
func (c *Client) currentToken(ctx context.Context) string {
	sess, err := c.tokens.Session(ctx)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("read session")
		return ""
	}
	if sess == nil || sess.AccessToken == "" {
		return ""
	}

	now := c.now()
	if !sess.ExpiresWithin(c.horizon, now) {
		return sess.AccessToken
	}

	fresh, err := c.refresher.Refresh(ctx, sess.AccessToken)
	if err == nil && fresh != nil && fresh.AccessToken != "" {
		return fresh.AccessToken
	}
	if !sess.Expired(now) {
		return sess.AccessToken
	}
	return ""
}

func (c *Client) send(ctx context.Context, req Request, token string) (*Response, error) {
	status, raw, err := c.exchange(ctx, req, token)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		if req.SkipAuthRetry {
			return nil, errUnauthorized(req.Endpoint, remoteMessage(raw), nil)
		}
		fresh, rerr := c.refresher.Refresh(ctx, token)
		if isContextErr(rerr) || ctx.Err() != nil {
			return nil, errCallerGone(req.Endpoint, errors.Join(rerr, ctx.Err()))
		}
		if rerr != nil || fresh == nil || fresh.AccessToken == "" {
			return nil, errUnauthorized(req.Endpoint, "", rerr)
		}
		retry := req
		retry.SkipAuthRetry = true
		return c.send(ctx, retry, fresh.AccessToken)
	}

	if status < 200 || status > 299 {
		return nil, &Error{Kind: KindServer, Status: status, Endpoint: req.Endpoint, Message: remoteMessage(raw)}
	}

	data, wrapped := normalize(raw)
	if wrapped && isNullOrEmpty(data) {
		if msg := wrapperError(raw); msg != "" {
			return nil, &Error{Kind: KindServer, Status: status, Endpoint: req.Endpoint, Message: msg}
		}
	}
	return &Response{Status: status, Data: data, Raw: raw, Wrapped: wrapped}, nil
}

// exchange performs one HTTP round trip under the call timeout.
func (c *Client) exchange(ctx context.Context, req Request, token string) (int, []byte, error) {
	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return 0, nil, fmt.Errorf("apiclient: marshal body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	url := c.baseURL + "/functions/v1/" + strings.TrimLeft(req.Endpoint, "/")
	httpReq, err := http.NewRequestWithContext(tctx, req.Method, url, body)
	if err != nil {
		return 0, nil, fmt.Errorf("apiclient: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("apikey", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if rid := logging.RequestIDFromContext(ctx); rid != "" {
		httpReq.Header.Set("X-Correlation-ID", rid)
	}

	ex, err := c.breaker.Execute(func() (exchange, error) {
		resp, err := c.http.Do(httpReq)
		if err != nil {
			return exchange{}, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return exchange{}, err
		}
		ex := exchange{status: resp.StatusCode, body: raw}
		if resp.StatusCode >= 500 {
			return ex, errUpstream
		}
		return ex, nil
	})

	switch {
	case err == nil, errors.Is(err, errUpstream):
		return ex.status, ex.body, nil
	case errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return 0, nil, errTimeout(req.Endpoint, err)
	case isBreakerRejection(err):
		e := errNetwork(req.Endpoint, err)
		e.Message = "Backend temporarily unavailable"
		return 0, nil, e
	default:
		return 0, nil, errNetwork(req.Endpoint, err)
	}
}

// remoteMessage pulls a human message out of an error body.
func remoteMessage(raw []byte) string {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		s := strings.TrimSpace(string(raw))
		if len(s) > 200 {
			s = s[:200]
		}
		return s
	}
	for _, k := range []string{"error", "message", "msg"} {
		v, ok := body[k]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(v, &s) == nil && s != "" {
			return s
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(v, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
	}
	return ""
}

func wrapperError(raw []byte) string {
	var body map[string]json.RawMessage
	if json.Unmarshal(raw, &body) != nil {
		return ""
	}
	if v, ok := body["error"]; !ok || isNullOrEmpty(v) {
		return ""
	}
	return remoteMessage(raw)
}
