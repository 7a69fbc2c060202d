// Package gateway performs authenticated HTTP requests against the
// chat server. Every call attaches the stored access token and
// recovers exactly once from an expired one: original request, refresh
// call, single retry — never more.
package gateway

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

	"github.com/duochat/duochat/pkg/creds"
)

var (
	// ErrMissingCredential means a refresh was needed but no refresh
	// token is stored. The session is unrecoverable; log out cleanly.
	ErrMissingCredential = errors.New("gateway: no refresh token available")

	// ErrRefreshFailed means the server's refresh response carried no
	// new access token. Also unrecoverable.
	ErrRefreshFailed = errors.New("gateway: token refresh failed")

	// ErrTimeout wraps a request that exceeded the gateway's deadline.
	ErrTimeout = errors.New("gateway: request timed out")
)

// HTTPError reports a non-2xx response outside the refresh path. The
// parsed body is still returned alongside it.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway: http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("gateway: http %d", e.Status)
}

// DefaultTimeout bounds every request. A hung call surfaces as
// ErrTimeout instead of blocking its call chain forever.
const DefaultTimeout = 15 * time.Second

const refreshPath = "/token/refresh"

// emptyObject is what callers get for an unparseable response body.
var emptyObject = json.RawMessage("{}")

// maxBodySize caps response bodies (1MB).
const maxBodySize = 1 << 20

// Gateway issues requests with credential attachment. Safe for
// concurrent use; concurrent calls may race to refresh the token
// independently, each producing a valid one (last writer wins).
type Gateway struct {
	base  *url.URL
	http  *http.Client
	creds creds.Store
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.http = c }
}

// WithTimeout replaces the default request timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.http.Timeout = d }
}

// New creates a Gateway for the server at baseURL, reading and writing
// tokens through store.
func New(baseURL string, store creds.Store, opts ...Option) (*Gateway, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse base url: %w", err)
	}
	g := &Gateway{
		base:  base,
		http:  &http.Client{Timeout: DefaultTimeout},
		creds: store,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Do issues an authenticated request and returns the parsed response
// body. On 401/422 it refreshes the access token once and retries the
// original request once; the retry's parsed body is returned. An
// unparseable body yields {} rather than an error. Non-2xx responses
// outside the refresh path return the body together with an *HTTPError.
func (g *Gateway) Do(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	return g.do(ctx, method, path, payload, false)
}

// Plain issues a request without credential attachment or refresh
// (login, register).
func (g *Gateway) Plain(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	status, raw, err := g.roundTrip(ctx, method, path, payload, "")
	if err != nil {
		return nil, err
	}
	return finish(status, raw)
}

func (g *Gateway) do(ctx context.Context, method, path string, payload any, retried bool) (json.RawMessage, error) {
	// Read the token fresh on every attempt: a concurrent call may have
	// refreshed it while this one was suspended on the network.
	status, raw, err := g.roundTrip(ctx, method, path, payload, g.creds.AccessToken())
	if err != nil {
		return nil, err
	}

	if (status == http.StatusUnauthorized || status == http.StatusUnprocessableEntity) && !retried {
		if err := g.refresh(ctx); err != nil {
			return nil, err
		}
		return g.do(ctx, method, path, payload, true)
	}

	return finish(status, raw)
}

// refresh exchanges the stored refresh token for a new access token and
// persists it. At most one refresh happens per Do call.
func (g *Gateway) refresh(ctx context.Context) error {
	refreshToken := g.creds.RefreshToken()
	if refreshToken == "" {
		return ErrMissingCredential
	}

	status, raw, err := g.roundTrip(ctx, http.MethodPost, refreshPath, nil, refreshToken)
	if err != nil {
		return err
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(parseBody(raw), &body); err != nil || body.AccessToken == "" {
		return fmt.Errorf("%w (status %d)", ErrRefreshFailed, status)
	}
	if err := g.creds.SetAccessToken(body.AccessToken); err != nil {
		return fmt.Errorf("gateway: persist refreshed token: %w", err)
	}
	return nil
}

// roundTrip performs one HTTP exchange: build, send, drain. bearer is
// attached as-is when non-empty, overwriting any prior value.
func (g *Gateway) roundTrip(ctx context.Context, method, path string, payload any, bearer string) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("gateway: marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.resolve(path), body)
	if err != nil {
		return 0, nil, fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return 0, nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return 0, nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if isTimeout(err) {
			return 0, nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return 0, nil, fmt.Errorf("gateway: read body: %w", err)
	}
	return resp.StatusCode, raw, nil
}

func (g *Gateway) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	ref, err := url.Parse(path)
	if err != nil {
		return g.base.String() + path
	}
	return g.base.ResolveReference(ref).String()
}

// finish turns a drained response into the caller's (body, error) pair.
func finish(status int, raw []byte) (json.RawMessage, error) {
	parsed := parseBody(raw)
	if status < 200 || status > 299 {
		return parsed, &HTTPError{Status: status, Message: errorMessage(parsed)}
	}
	return parsed, nil
}

// parseBody returns the body as JSON, or {} when it is not parseable.
func parseBody(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return emptyObject
	}
	return json.RawMessage(trimmed)
}

// errorMessage pulls the server's error (or message) field out of a
// parsed body for HTTPError.
func errorMessage(parsed json.RawMessage) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(parsed, &body); err != nil {
		return ""
	}
	if body.Error != "" {
		return body.Error
	}
	return body.Message
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
