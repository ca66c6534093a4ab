// Package secrets resolves credential references held in the loader
// configuration against AWS Secrets Manager.
//
// A configuration value of the form
//
//	awssm://<secret-id>
//	awssm://<secret-id>#<json-key>
//
// is replaced by the secret's value, or by one field of a JSON secret.
// Any other value is returned unchanged. Secret values are never logged.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"

	"github.com/deeplynx/loader/internal/config"
)

// Scheme prefixes a Secrets Manager reference.
const Scheme = "awssm://"

// AWS error codes mapped to sentinel errors.
const (
	resourceNotFound = "ResourceNotFoundException"
	accessDenied     = "AccessDeniedException"
)

var (
	// ErrSecretNotFound is returned when the referenced secret does not exist.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrSecretEmpty is returned when the secret has no value, or the JSON
	// key named by the reference is absent.
	ErrSecretEmpty = errors.New("secret value is empty")

	// ErrAccessDenied is returned when the credentials may not read the secret.
	ErrAccessDenied = errors.New("access denied to secret")

	// ErrInvalidReference is returned for a malformed awssm:// reference.
	ErrInvalidReference = errors.New("invalid secret reference")
)

// API is the subset of the Secrets Manager client the resolver uses.
type API interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver resolves references, fetching each secret at most once.
//
// Resolver is safe for concurrent use.
type Resolver struct {
	api    API
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver creates a resolver backed by the default AWS credential chain.
// An empty region leaves region selection to the environment.
func NewResolver(ctx context.Context, region string, logger *slog.Logger) (*Resolver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewResolverWithAPI(secretsmanager.NewFromConfig(cfg), logger), nil
}

// NewResolverWithAPI creates a resolver over an existing client.
func NewResolverWithAPI(api API, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		api:    api,
		logger: logger,
		cache:  make(map[string]string),
	}
}

// IsReference reports whether value is a Secrets Manager reference.
func IsReference(value string) bool {
	return strings.HasPrefix(value, Scheme)
}

// Resolve returns the secret value referenced by value, or value itself
// when it is not a reference.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}

	id, key, _ := strings.Cut(strings.TrimPrefix(value, Scheme), "#")
	if id == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, value)
	}

	secret, err := r.fetch(ctx, id)
	if err != nil {
		return "", err
	}
	if key == "" {
		return secret, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(secret), &fields); err != nil {
		return "", fmt.Errorf("%w: secret %s is not a JSON object", ErrInvalidReference, id)
	}
	field, ok := fields[key]
	if !ok || field == nil {
		return "", fmt.Errorf("%w: secret %s has no key %s", ErrSecretEmpty, id, key)
	}
	if s, ok := field.(string); ok {
		return s, nil
	}
	return fmt.Sprint(field), nil
}

func (r *Resolver) fetch(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache[id]; ok {
		return v, nil
	}

	r.logger.DebugContext(ctx, "retrieving secret", "secret_id", id)
	out, err := r.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case resourceNotFound:
				return "", fmt.Errorf("%w: %s", ErrSecretNotFound, id)
			case accessDenied:
				return "", fmt.Errorf("%w: %s", ErrAccessDenied, id)
			}
		}
		return "", fmt.Errorf("failed to retrieve secret %s: %w", id, err)
	}

	var v string
	switch {
	case out.SecretString != nil:
		v = *out.SecretString
	case out.SecretBinary != nil:
		v = string(out.SecretBinary)
	}
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretEmpty, id)
	}

	r.cache[id] = v
	return v, nil
}

// ResolveCredentials replaces reference-valued API credentials of cfg
// with their secret values.
func ResolveCredentials(ctx context.Context, r *Resolver, cfg *config.Config) error {
	for _, field := range []*string{&cfg.APIKey, &cfg.APISecret} {
		v, err := r.Resolve(ctx, *field)
		if err != nil {
			return err
		}
		*field = v
	}
	return nil
}

// NeedsResolution reports whether any credential of cfg is a reference.
func NeedsResolution(cfg *config.Config) bool {
	return IsReference(cfg.APIKey) || IsReference(cfg.APISecret)
}
