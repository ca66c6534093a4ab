package deeplynx

import (
	"errors"
	"fmt"
	"net/http"
)

// Errors returned by Client operations.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, deeplynx.ErrMalformedToken) {
//	    // the token endpoint returned something that is not a usable JWT
//	}
var (
	// ErrMissingCredential is returned when a secured call is attempted
	// without both an API key and secret.
	ErrMissingCredential = errors.New("api key and secret are required")

	// ErrTokenRefreshFailed is returned when the token endpoint could not be
	// reached or answered with a non-success status.
	ErrTokenRefreshFailed = errors.New("token refresh failed")

	// ErrMalformedToken is returned when the token endpoint returned a
	// string that does not parse as a JWT.
	ErrMalformedToken = errors.New("malformed token")

	// ErrMissingExpirationClaim is returned when the token carries no exp
	// claim; its expiry could never be evaluated.
	ErrMissingExpirationClaim = fmt.Errorf("%w: missing expiration claim", ErrMalformedToken)

	// ErrResponseParsing is returned when a response envelope is present but
	// its payload does not have the expected shape.
	ErrResponseParsing = errors.New("unable to parse response body")

	// ErrUnknownContentType is returned when an import file's extension maps
	// to no known content type.
	ErrUnknownContentType = errors.New("unknown content type")

	// ErrMissingFields is returned when an import is requested with neither
	// a file nor raw bytes.
	ErrMissingFields = errors.New("missing required fields")

	// ErrTransport is returned for network failures and non-success HTTP
	// statuses that carry no error envelope.
	ErrTransport = errors.New("transport error")
)

// RemoteServiceError is a well-formed error envelope returned by DeepLynx.
type RemoteServiceError struct {
	Code    int
	Message string
}

// Error implements error.
func (e *RemoteServiceError) Error() string {
	return fmt.Sprintf("deeplynx responded with an error: %d-%s", e.Code, e.Message)
}

// IsRetryable returns true if the error is likely to succeed on retry.
// The client itself never retries; this classification is for callers
// that schedule passes.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Network blips and token endpoint outages are transient
	if errors.Is(err, ErrTransport) || errors.Is(err, ErrTokenRefreshFailed) {
		return true
	}

	var remote *RemoteServiceError
	if errors.As(err, &remote) {
		return remote.Code >= http.StatusInternalServerError || remote.Code == http.StatusTooManyRequests
	}

	return false
}
