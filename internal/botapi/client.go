package botapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// DialFunc opens the raw connection for both REST calls and streams.
type DialFunc func(addr string) (net.Conn, error)

type Client struct {
	baseURL   string
	token     string
	userAgent string
	http      *fasthttp.Client
	dial      DialFunc

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithDial swaps the dialer, e.g. for an in-memory listener.
func WithDial(d DialFunc) Option {
	return func(c *Client) { c.dial = d }
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		userAgent:      "lishogi-bot",
		dial:           fasthttp.Dial,
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http = &fasthttp.Client{
		Name:            c.userAgent,
		ReadTimeout:     c.defaultTimeout,
		WriteTimeout:    c.defaultTimeout,
		MaxConnsPerHost: 64,
		Dial:            fasthttp.DialFunc(c.dial),
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/api/account", nil, &p, true); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) UpgradeToBot(ctx context.Context) error {
	return c.doJSON(ctx, fasthttp.MethodPost, "/api/bot/account/upgrade", nil, nil, false)
}

func (c *Client) StreamEvents(ctx context.Context) (LineStream, error) {
	return c.openStream(ctx, "/api/stream/event")
}

func (c *Client) StreamGame(ctx context.Context, gameID string) (LineStream, error) {
	return c.openStream(ctx, "/api/bot/game/stream/"+url.PathEscape(gameID))
}

func (c *Client) AcceptChallenge(ctx context.Context, challengeID string) error {
	return c.doJSON(ctx, fasthttp.MethodPost, "/api/challenge/"+url.PathEscape(challengeID)+"/accept", nil, nil, false)
}

func (c *Client) DeclineChallenge(ctx context.Context, challengeID string) error {
	return c.doJSON(ctx, fasthttp.MethodPost, "/api/challenge/"+url.PathEscape(challengeID)+"/decline", nil, nil, false)
}

// Pong acknowledges a control-stream heartbeat.
func (c *Client) Pong(ctx context.Context) error {
	return c.doJSON(ctx, fasthttp.MethodPost, "/api/bot/pong", nil, nil, false)
}

func (c *Client) OngoingGames(ctx context.Context) ([]OngoingGame, error) {
	var resp ongoingResponse
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/api/account/playing", nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.NowPlaying, nil
}

func (c *Client) MakeMove(ctx context.Context, gameID, move string) error {
	path := "/api/bot/game/" + url.PathEscape(gameID) + "/move/" + url.PathEscape(move)
	return c.doJSON(ctx, fasthttp.MethodPost, path, nil, nil, false)
}

func (c *Client) Abort(ctx context.Context, gameID string) error {
	return c.doJSON(ctx, fasthttp.MethodPost, "/api/bot/game/"+url.PathEscape(gameID)+"/abort", nil, nil, false)
}

func (c *Client) Analysis(ctx context.Context, gameID string, req AnalysisRequest) error {
	return c.doJSON(ctx, fasthttp.MethodPost, "/api/bot/game/"+url.PathEscape(gameID)+"/analysis", req, nil, false)
}

func (c *Client) prepare(req *fasthttp.Request, method, path string) {
	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.SetUserAgent(c.userAgent)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any, retry bool) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	c.prepare(req, method, path)
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(payload)
	}

	attempts := 1
	if retry {
		attempts = c.retryMax
		if attempts <= 0 {
			attempts = 1
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			if attempt == attempts || !retry {
				return fmt.Errorf("%s %s: %w", method, path, err)
			}
			lastErr = err
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			herr := &HTTPError{Method: method, Path: path, StatusCode: status, Body: truncate(string(resp.Body()), 512)}
			if attempt == attempts || !retry || !shouldRetryStatus(status) {
				return herr
			}
			lastErr = herr
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
