package deeplynx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenLifetime is the lifetime requested from the token endpoint.
const tokenLifetime = "12h"

type bearerToken struct {
	raw       string
	expiresAt time.Time
}

// needsRefresh reports whether a token must be fetched before the next call.
// Callers must hold c.mu.
func (c *Client) needsRefresh() bool {
	if !c.secured {
		return false
	}
	if c.token == nil {
		return true
	}
	// exp at or before now counts as expired
	return !c.now().Before(c.token.expiresAt)
}

// EnsureFreshToken returns the bearer token to attach to the next call,
// fetching a new one first when the client is secured and the held token is
// absent or expired. It returns "" for unsecured clients.
func (c *Client) EnsureFreshToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.needsRefresh() {
		tok, err := c.fetchToken(ctx)
		if err != nil {
			return "", err
		}
		c.token = tok
	}

	if c.token == nil {
		return "", nil
	}
	return c.token.raw, nil
}

// fetchToken requests a new token with the API key and secret.
func (c *Client) fetchToken(ctx context.Context) (*bearerToken, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return nil, ErrMissingCredential
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+"/oauth/token", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("x-api-secret", c.apiSecret)
	req.Header.Set("expiry", tokenLifetime)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading token: %v", ErrTokenRefreshFailed, err)
	}
	if !success(resp.StatusCode) {
		return nil, fmt.Errorf("%w: token endpoint responded %d", ErrTokenRefreshFailed, resp.StatusCode)
	}

	// the token comes back as a JSON string literal
	raw := strings.Trim(strings.TrimSpace(string(body)), `"`)

	expiresAt, err := expiration(raw)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("fetched bearer token", "expires_at", expiresAt.UTC().Format(time.RFC3339))
	return &bearerToken{raw: raw, expiresAt: expiresAt}, nil
}

// expiration reads the exp claim of a token without verifying its
// signature; the service verifies, the client only needs to know when to
// ask again.
func expiration(raw string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if exp == nil {
		return time.Time{}, ErrMissingExpirationClaim
	}

	return exp.Time, nil
}
