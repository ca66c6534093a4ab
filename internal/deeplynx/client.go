// Package deeplynx is an authenticated client for the DeepLynx data
// management service.
//
// A Client holds one reusable HTTP connection pool, the optional API key and
// secret, and a bearer token that is fetched lazily and replaced whenever it
// has expired. When both key and secret are configured the client is
// "secured" and every call carries a valid token; otherwise calls go out
// unauthenticated.
//
// Example:
//
//	client, err := deeplynx.New("https://deeplynx.example.com", key, secret)
//	if err != nil {
//	    return err
//	}
//	handle, err := client.InitiateDownload(ctx, 1, 7, deeplynx.DownloadQuery{})
package deeplynx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// maxErrorBody bounds how much of a failed response is read for diagnostics.
const maxErrorBody = 64 << 10

// Client is a DeepLynx API client.
//
// Client is safe for concurrent use; token refresh is serialized.
type Client struct {
	httpClient *http.Client
	server     string
	apiKey     string
	apiSecret  string
	secured    bool
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	token *bearerToken
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for every request. Transport
// level timeouts belong here.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock sets the time source used to evaluate token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a client for the service at server.
//
// apiKey and apiSecret are optional. A key without a secret (or the reverse)
// is tolerated: the client is simply not secured and calls proceed without
// a token.
func New(server, apiKey, apiSecret string, opts ...Option) (*Client, error) {
	server = strings.TrimRight(strings.TrimSpace(server), "/")
	if server == "" {
		return nil, fmt.Errorf("deeplynx url cannot be empty")
	}
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("invalid deeplynx url %q: %w", server, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid deeplynx url %q: scheme must be http or https", server)
	}

	c := &Client{
		httpClient: &http.Client{},
		server:     server,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		secured:    apiKey != "" && apiSecret != "",
		logger:     slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "deeplynx"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Secured reports whether the client authenticates its calls.
func (c *Client) Secured() bool {
	return c.secured
}

// newRequest builds an authenticated request for path (relative to the
// server) after making sure the held token is fresh.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	bearer, err := c.EnsureFreshToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	// no bearer token = no attachment but also no error
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	return req, nil
}

// do sends req and converts network failures into ErrTransport.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrTransport, req.Method, req.URL.Path, err)
	}
	return resp, nil
}

// envelope is the JSON wrapper around every DeepLynx API result.
type envelope struct {
	Value json.RawMessage `json:"value"`
	Error *errorBody      `json:"error"`
}

type errorBody struct {
	Message *string `json:"message"`
	Code    *int    `json:"code"`
}

func (e *errorBody) remote(defaultCode int) *RemoteServiceError {
	err := &RemoteServiceError{Code: defaultCode, Message: "service error"}
	if e.Code != nil {
		err.Code = *e.Code
	}
	if e.Message != nil && *e.Message != "" {
		err.Message = *e.Message
	}
	return err
}

// failure converts a non-success response into an error, preferring the
// service's own error envelope when the body carries one.
func failure(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		return env.Error.remote(resp.StatusCode)
	}

	return fmt.Errorf("%w: %s %s responded %d: %s",
		ErrTransport, resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
}

func success(code int) bool {
	return code >= 200 && code < 300
}
