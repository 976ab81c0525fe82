package imgxfer

import (
	"log/slog"
	"time"

	"github.com/imgxfer/imgxfer/auth"
)

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger sets the structured logger shared by every subsystem the
// Client builds (cache, auth, registry, image manager).
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithPlainHTTP disables TLS for every registry connection this Client
// makes, for use against a local test registry.
func WithPlainHTTP() Option {
	return func(c *Client) { c.plainHTTP = true }
}

// WithUserAgent overrides the User-Agent sent on every registry request.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithRetryAttempts overrides the maximum number of attempts for a resumed
// blob download (default 3). The pipeline's per-task retries and the
// retry transport's policy are not affected.
func WithRetryAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithChunkSize overrides the chunk size used for blob uploads.
func WithChunkSize(n int64) Option {
	return func(c *Client) { c.chunkSize = n }
}

// WithMaxConcurrent caps the number of concurrent blob transfers per
// operation.
func WithMaxConcurrent(n int) Option {
	return func(c *Client) { c.maxConcurrent = n }
}

// WithDockerConfigCredentials configures the Client to read registry
// credentials from the standard Docker config file (~/.docker/config.json
// or $DOCKER_CONFIG), including the credential-helper protocol.
func WithDockerConfigCredentials() Option {
	return func(c *Client) {
		c.authOpts = append(c.authOpts, auth.WithDockerConfig())
	}
}

// WithStaticCredentials configures a single username/password credential
// for registryHost, bypassing Docker config lookup for that host.
func WithStaticCredentials(registryHost, username, password string) Option {
	return func(c *Client) {
		c.authOpts = append(c.authOpts, auth.WithStaticCredentials(registryHost, username, password))
	}
}

// WithStaticToken configures a bearer token used for every request to
// registryHost.
func WithStaticToken(registryHost, token string) Option {
	return func(c *Client) {
		c.authOpts = append(c.authOpts, auth.WithStaticToken(registryHost, token))
	}
}

// WithHeaderCacheTTL overrides the TTL of the auth provider's
// Authorization-header cache (CacheHeader/CachedHeader). It does not
// change how long bearer tokens obtained during requests are reused.
func WithHeaderCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.authOpts = append(c.authOpts, auth.WithHeaderCacheTTL(ttl))
	}
}
