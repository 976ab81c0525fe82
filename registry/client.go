// Package registry implements the OCI Distribution Spec v1.1 / Docker
// Registry HTTP API v2 wire protocol used by the transfer pipeline
// (spec §4.E): manifest GET/PUT, blob HEAD/GET/PUT, chunked upload, and
// tag listing. Authentication is delegated to the auth package; the
// requests themselves are constructed and parsed directly against
// net/http rather than through a generic OCI client, since the chunked
// upload state machine and resumable range GETs need to be visible and
// independently testable.
package registry

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/imgxfer/imgxfer/auth"
)

const (
	defaultUserAgent          = "imgxfer/1.0"
	defaultSmallBlobThreshold = 5 << 20  // 5 MiB
	defaultChunkSize          = 8 << 20  // 8 MiB
	defaultMaxRedirects       = 10
)

// Client performs registry wire-protocol operations against a single
// host. One Client is reused across repositories on that host.
type Client struct {
	host      string
	plainHTTP bool
	userAgent string
	authProv  *auth.Provider
	http      *http.Client
	logger    *slog.Logger

	smallBlobThreshold int64
	chunkSize          int64
	maxAttempts        int
}

// Option configures a Client.
type Option func(*Client)

// WithPlainHTTP disables TLS for the registry connection (for local test
// registries).
func WithPlainHTTP() Option { return func(c *Client) { c.plainHTTP = true } }

// WithUserAgent overrides the default User-Agent sent with every request.
func WithUserAgent(ua string) Option { return func(c *Client) { c.userAgent = ua } }

// WithAuthProvider sets the credential/token provider used to build
// authenticated transports. Without one, requests are sent anonymously.
func WithAuthProvider(p *auth.Provider) Option { return func(c *Client) { c.authProv = p } }

// WithLogger sets the structured logger used for PullBlob's resume
// diagnostics.
func WithLogger(logger *slog.Logger) Option { return func(c *Client) { c.logger = logger } }

// WithSmallBlobThreshold overrides the size below which push_blob prefers
// the monolithic upload path over chunked PATCH.
func WithSmallBlobThreshold(n int64) Option {
	return func(c *Client) { c.smallBlobThreshold = n }
}

// WithChunkSize overrides the chunk size used for PATCH uploads.
func WithChunkSize(n int64) Option { return func(c *Client) { c.chunkSize = n } }

// WithMaxAttempts overrides the maximum number of attempts PullBlob makes
// when resuming an interrupted download (default 3). It does not change
// the retry policy of the underlying retry transport.
func WithMaxAttempts(n int) Option { return func(c *Client) { c.maxAttempts = n } }

// New builds a Client for the given registry host.
func New(host string, opts ...Option) *Client {
	c := &Client{
		host:               host,
		userAgent:          defaultUserAgent,
		smallBlobThreshold: defaultSmallBlobThreshold,
		chunkSize:          defaultChunkSize,
		maxAttempts:        3,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http = &http.Client{
		Transport: retry.NewTransport(c.baseTransport()),
		// net/http already strips Authorization, Cookie, and
		// Www-Authenticate when a redirect crosses to a different host;
		// this only bounds the redirect chain length.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= defaultMaxRedirects {
				return fmt.Errorf("registry: stopped after %d redirects", defaultMaxRedirects)
			}
			return nil
		},
	}
	return c
}

// baseTransport returns the authenticated (or anonymous) RoundTripper
// requests are sent through, before the retry.Transport layer wraps it
// with backoff on transient failures.
func (c *Client) baseTransport() http.RoundTripper {
	if c.authProv == nil {
		return http.DefaultTransport
	}
	return &hostScopedTransport{prov: c.authProv, host: c.host}
}

func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

func (c *Client) scheme() string {
	if c.plainHTTP {
		return "http"
	}
	return "https"
}

func (c *Client) baseURL(repository string) string {
	return c.scheme() + "://" + c.host + "/v2/" + repository
}

// hostScopedTransport resolves the appropriate repository scope per
// request path, since a single Client is shared across repositories on
// one host but oras's auth.Client needs a scope per token request.
type hostScopedTransport struct {
	prov *auth.Provider
	host string
}

func (t *hostScopedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	repo := repositoryFromPath(req.URL.Path)
	actions := []string{auth.ActionPull}
	if req.Method == http.MethodPost || req.Method == http.MethodPut || req.Method == http.MethodPatch {
		actions = []string{auth.ActionPush, auth.ActionPull}
	}
	return t.prov.Transport(t.host, repo, actions...).RoundTrip(req)
}

// repositoryFromPath extracts the repository path segment from a
// "/v2/{repository}/..." request path.
func repositoryFromPath(path string) string {
	const prefix = "/v2/"
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return ""
	}
	rest := path[len(prefix):]
	for _, marker := range []string{"/manifests/", "/blobs/", "/tags/"} {
		if idx := strings.Index(rest, marker); idx >= 0 {
			return rest[:idx]
		}
	}
	return rest
}

// retryDelay computes the capped exponential backoff with ±25% jitter
// used between attempts, per spec §4.E (base 500ms, factor 2).
func retryDelay(attempt int, jitter func() float64) time.Duration {
	base := 500 * time.Millisecond
	d := base << attempt
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	j := 1 + (jitter()*2-1)*0.25
	return time.Duration(float64(d) * j)
}
