// Package auth resolves registry credentials and produces authenticated
// HTTP transports, per spec §4.D. Token exchange and credential storage
// are delegated to oras-go's auth.Client and credentials.Store; the wire
// protocol itself (manifest/blob GET/PUT, chunked upload) is hand-written
// against net/http in the registry package, using the transport this
// package builds.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	orasauth "oras.land/oras-go/v2/registry/remote/auth"
	orascreds "oras.land/oras-go/v2/registry/remote/credentials"
	orasregistry "oras.land/oras-go/v2/registry"

	"github.com/imgxfer/imgxfer/events"
)

// Scopes recognized when requesting a repository-scoped token.
const (
	ActionPull = orasauth.ActionPull
	ActionPush = orasauth.ActionPush
)

// Provider resolves credentials for registry hosts and hands out
// authenticated http.RoundTrippers scoped to a single repository.
type Provider struct {
	authClient *orasauth.Client
	cache      *headerCache
	logger     *slog.Logger
	bus        *events.Bus

	acquiredMu sync.Mutex
	acquired   map[string]bool // host|repository -> a Bearer token has been observed
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger used for auth diagnostics (token refreshes,
// credential store misses).
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// WithEventBus registers the bus the provider publishes KindAuthAcquired
// events to, per spec §4.I. Without this option, token acquisition is
// silent.
func WithEventBus(bus *events.Bus) Option {
	return func(p *Provider) { p.bus = bus }
}

// WithHeaderCacheTTL overrides the default TTL for cached Authorization
// header values. A non-positive value disables the cache.
func WithHeaderCacheTTL(ttl time.Duration) Option {
	return func(p *Provider) { p.cache = newHeaderCache(ttl) }
}

// WithDockerConfig configures the provider to read credentials from the
// user's Docker config file (~/.docker/config.json) and any configured
// credential helpers, with Docker Hub hostname fallback.
func WithDockerConfig() Option {
	return func(p *Provider) {
		store, err := orascreds.NewStoreFromDocker(orascreds.StoreOptions{})
		if err != nil {
			// Fall back to anonymous access; the caller will see auth
			// failures surface as 401s from the registry itself.
			return
		}
		p.authClient.Credential = credentialFunc(&dockerHubFallbackStore{store: store})
	}
}

// WithStaticCredentials configures a single username/password credential
// used for the given registry host (and its Docker Hub aliases, if the
// host is a Docker Hub host).
func WithStaticCredentials(registryHost, username, password string) Option {
	return func(p *Provider) {
		store := &staticStore{
			registry: normalizeHost(registryHost),
			cred:     orasauth.Credential{Username: username, Password: password},
		}
		p.authClient.Credential = credentialFunc(store)
	}
}

// WithStaticToken configures a single bearer token used for the given
// registry host.
func WithStaticToken(registryHost, token string) Option {
	return func(p *Provider) {
		store := &staticStore{
			registry: normalizeHost(registryHost),
			cred:     orasauth.Credential{AccessToken: token},
		}
		p.authClient.Credential = credentialFunc(store)
	}
}

// New builds a Provider. With no options the provider makes anonymous
// requests (no Authorization header, unless the registry challenges and
// grants anonymous tokens itself).
func New(opts ...Option) *Provider {
	p := &Provider{
		authClient: &orasauth.Client{Client: http.DefaultClient, Cache: orasauth.NewCache()},
		cache:      newHeaderCache(defaultHeaderCacheTTL),
		acquired:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}

	base := p.authClient.Client
	baseTransport := base.Transport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}
	wrapped := *base
	wrapped.Transport = &bearerObserverTransport{base: baseTransport, provider: p}
	p.authClient.Client = &wrapped
	return p
}

func (p *Provider) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// authTransport appends repository scope to the request context before
// delegating to the underlying oras auth.Client, which performs the
// challenge/token-exchange dance transparently.
type authTransport struct {
	client  *orasauth.Client
	ref     orasregistry.Reference
	actions []string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	actions := t.actions
	if len(actions) == 0 {
		actions = []string{ActionPull}
	}
	ctx := orasauth.AppendRepositoryScope(req.Context(), t.ref, actions...)
	ctx = context.WithValue(ctx, refContextKey{}, t.ref)
	req = req.Clone(ctx)
	return t.client.Do(req)
}

// refContextKey carries the repository reference a request was scoped for,
// so bearerObserverTransport (installed underneath the oras auth.Client's
// own HTTP client) can attribute a KindAuthAcquired event to a repository.
type refContextKey struct{}

// bearerObserverTransport sits underneath orasauth.Client's own transport,
// observing the final wire request after the oras auth.Client has resolved
// and attached a Bearer token, and publishes KindAuthAcquired the first
// time a token is observed for a given (host, repository) pair.
type bearerObserverTransport struct {
	base     http.RoundTripper
	provider *Provider
}

func (t *bearerObserverTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil && strings.HasPrefix(req.Header.Get("Authorization"), "Bearer ") {
		t.provider.noteBearerAcquired(req)
	}
	return resp, err
}

func (p *Provider) noteBearerAcquired(req *http.Request) {
	if p.bus == nil {
		return
	}
	var repository string
	if ref, ok := req.Context().Value(refContextKey{}).(orasregistry.Reference); ok {
		repository = ref.Repository
	}
	key := req.URL.Host + "|" + repository

	p.acquiredMu.Lock()
	already := p.acquired[key]
	p.acquired[key] = true
	p.acquiredMu.Unlock()
	if already {
		return
	}

	p.bus.Publish(events.Event{Kind: events.KindAuthAcquired, Repository: repository, Message: req.URL.Host})
}

// Transport returns an http.RoundTripper that authenticates requests for
// the given repository on host, requesting the given scope actions
// (ActionPull, ActionPush).
func (p *Provider) Transport(host, repository string, actions ...string) http.RoundTripper {
	ref := orasregistry.Reference{Registry: host, Repository: repository}
	return &authTransport{client: p.authClient, ref: ref, actions: actions}
}

// HTTPClient returns an *http.Client authenticated for the given
// repository, suitable for direct use by the registry package's
// hand-written wire protocol calls.
func (p *Provider) HTTPClient(host, repository string, actions ...string) *http.Client {
	return &http.Client{Transport: p.Transport(host, repository, actions...)}
}

// CacheHeader remembers a resolved Authorization header value for host,
// so a later request built outside the authenticated transport (e.g. a
// same-origin redirect target that must carry credentials manually) can
// reuse it without a fresh token exchange.
func (p *Provider) CacheHeader(host, value string) { p.cache.set(host, value) }

// CachedHeader returns a previously cached Authorization header for host,
// if present and unexpired.
func (p *Provider) CachedHeader(host string) (string, bool) { return p.cache.get(host) }

// InvalidateHeader discards any cached Authorization header for host,
// used after a request is rejected with 401 despite a cached value. It also
// clears this host's acquired-token bookkeeping, so a subsequent
// reacquisition publishes KindAuthAcquired again.
func (p *Provider) InvalidateHeader(host string) {
	p.cache.invalidate(host)
	p.acquiredMu.Lock()
	for key := range p.acquired {
		if strings.HasPrefix(key, host+"|") {
			delete(p.acquired, key)
		}
	}
	p.acquiredMu.Unlock()
}

func credentialFunc(store orascreds.Store) func(context.Context, string) (orasauth.Credential, error) {
	return func(ctx context.Context, hostport string) (orasauth.Credential, error) {
		return store.Get(ctx, hostport)
	}
}

// staticStore implements credentials.Store for a single static credential
// bound to one registry host.
type staticStore struct {
	registry string
	cred     orasauth.Credential
}

func (s *staticStore) Get(_ context.Context, serverAddress string) (orasauth.Credential, error) {
	server := normalizeHost(serverAddress)
	if server == s.registry || (isDockerHubHost(server) && isDockerHubHost(s.registry)) {
		return s.cred, nil
	}
	return orasauth.EmptyCredential, nil
}

func (s *staticStore) Put(_ context.Context, _ string, _ orasauth.Credential) error {
	return errors.New("auth: static credential store is read-only")
}

func (s *staticStore) Delete(_ context.Context, _ string) error {
	return errors.New("auth: static credential store is read-only")
}

// dockerHubFallbackStore tries alternate Docker Hub hostnames when a
// direct lookup misses, since Docker config files historically key Hub
// credentials under "https://index.docker.io/v1/".
type dockerHubFallbackStore struct {
	store orascreds.Store
}

func (s *dockerHubFallbackStore) Get(ctx context.Context, serverAddress string) (orasauth.Credential, error) {
	cred, err := s.store.Get(ctx, serverAddress)
	if err == nil && !isEmptyCredential(cred) {
		return cred, nil
	}
	for _, alt := range dockerHubFallbacks(serverAddress) {
		if alt == serverAddress {
			continue
		}
		if fbCred, fbErr := s.store.Get(ctx, alt); fbErr == nil && !isEmptyCredential(fbCred) {
			return fbCred, nil
		}
	}
	return cred, err
}

func (s *dockerHubFallbackStore) Put(ctx context.Context, serverAddress string, cred orasauth.Credential) error {
	return s.store.Put(ctx, serverAddress, cred)
}

func (s *dockerHubFallbackStore) Delete(ctx context.Context, serverAddress string) error {
	return s.store.Delete(ctx, serverAddress)
}

func dockerHubFallbacks(serverAddress string) []string {
	if !isDockerHubHost(normalizeHost(serverAddress)) {
		return nil
	}
	return []string{
		"https://index.docker.io/v1/",
		"index.docker.io",
		"registry-1.docker.io",
		"docker.io",
	}
}

func isDockerHubHost(hostport string) bool {
	switch extractHost(hostport) {
	case "docker.io", "registry-1.docker.io", "index.docker.io":
		return true
	default:
		return false
	}
}

func extractHost(hostport string) string {
	if strings.HasPrefix(hostport, "[") {
		if idx := strings.LastIndex(hostport, "]"); idx != -1 {
			return hostport[:idx+1]
		}
		return hostport
	}
	if idx := strings.LastIndex(hostport, ":"); idx != -1 {
		return hostport[:idx]
	}
	return hostport
}

func normalizeHost(addr string) string {
	addr = strings.TrimPrefix(addr, "http://")
	addr = strings.TrimPrefix(addr, "https://")
	addr, _, _ = strings.Cut(addr, "/")
	return addr
}

func isEmptyCredential(cred orasauth.Credential) bool {
	return cred == orasauth.EmptyCredential ||
		(cred.Username == "" && cred.Password == "" && cred.AccessToken == "" && cred.RefreshToken == "")
}
