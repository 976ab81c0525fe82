// Package imgxfer is the top-level client for the container image
// transfer engine: pulling and pushing OCI/Docker images between
// registries, Docker-save tar archives, and a local content-addressable
// cache (spec §1–2). It wraps the image package's mode orchestration
// behind a single Client.
package imgxfer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/imgxfer/imgxfer/auth"
	"github.com/imgxfer/imgxfer/cache"
	imgdigest "github.com/imgxfer/imgxfer/digest"
	"github.com/imgxfer/imgxfer/events"
	"github.com/imgxfer/imgxfer/image"
	"github.com/imgxfer/imgxfer/manifest"
	"github.com/imgxfer/imgxfer/reference"
	"github.com/imgxfer/imgxfer/registry"
)

// Client is the entry point for pull, extract, push, list, and clean
// operations. A Client owns one cache store and one event bus, and lazily
// builds one registry.Client per host it talks to.
type Client struct {
	store   *cache.Store
	authP   *auth.Provider
	bus     *events.Bus
	manager *image.Manager
	logger  *slog.Logger

	plainHTTP     bool
	userAgent     string
	maxAttempts   int
	chunkSize     int64
	maxConcurrent int
	authOpts      []auth.Option

	mu            sync.Mutex
	registryCache map[string]*registry.Client
}

// New opens (or creates) the cache directory at cacheDir and builds a
// Client configured by opts.
func New(cacheDir string, opts ...Option) (*Client, error) {
	c := &Client{
		bus:           events.New(),
		registryCache: make(map[string]*registry.Client),
		maxAttempts:   3,
	}
	for _, opt := range opts {
		opt(c)
	}

	store, err := cache.Open(cacheDir, cache.WithLogger(c.log()))
	if err != nil {
		return nil, err
	}
	c.store = store

	if c.authP == nil {
		// auth.WithDockerConfig comes first so an explicit WithStaticCredentials
		// or WithStaticToken option (appended to c.authOpts in call order)
		// overrides it; the provider's credential options are last-wins, not
		// additive, so order here is the whole story.
		authOpts := append([]auth.Option{auth.WithLogger(c.log()), auth.WithEventBus(c.bus), auth.WithDockerConfig()}, c.authOpts...)
		c.authP = auth.New(authOpts...)
	}

	mgrOpts := []image.Option{image.WithLogger(c.log())}
	if c.maxConcurrent > 0 {
		mgrOpts = append(mgrOpts, image.WithMaxConcurrent(c.maxConcurrent))
	}
	c.manager = image.New(c.store, c.registryClientFor, c.bus, mgrOpts...)
	return c, nil
}

func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Events returns the client's event bus, for subscribing to progress and
// lifecycle notifications (spec §4.I).
func (c *Client) Events() *events.Bus { return c.bus }

func (c *Client) registryClientFor(host string) *registry.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rc, ok := c.registryCache[host]; ok {
		return rc
	}

	opts := []registry.Option{
		registry.WithAuthProvider(c.authP),
		registry.WithLogger(c.log()),
		registry.WithMaxAttempts(c.maxAttempts),
	}
	if c.plainHTTP {
		opts = append(opts, registry.WithPlainHTTP())
	}
	if c.userAgent != "" {
		opts = append(opts, registry.WithUserAgent(c.userAgent))
	}
	if c.chunkSize > 0 {
		opts = append(opts, registry.WithChunkSize(c.chunkSize))
	}

	rc := registry.New(host, opts...)
	c.registryCache[host] = rc
	return rc
}

// Pull resolves refString (spec §3's ImageReference grammar) and stages
// its manifest and blobs into the local cache. Mode PullAndCache.
func (c *Client) Pull(ctx context.Context, refString string, force bool) (cache.Entry, error) {
	ref, err := reference.Parse(refString)
	if err != nil {
		return cache.Entry{}, err
	}
	return c.manager.PullAndCache(ctx, ref, image.PullOptions{
		Platform: manifest.DefaultPlatform,
		Force:    force,
	})
}

// Extract scans a Docker-save tar archive at tarPath and stages every
// image it contains into the local cache. Mode ExtractAndCache.
func (c *Client) Extract(ctx context.Context, tarPath string) ([]cache.Entry, error) {
	return c.manager.ExtractAndCache(ctx, tarPath)
}

// Push loads the cache entry for (sourceRepo, sourceReference) — staged
// there by a prior Pull or Extract — and pushes it to targetRefString.
// Mode PushFromCache.
func (c *Client) Push(ctx context.Context, sourceRepo, sourceReference, targetRefString string, force bool) error {
	target, err := reference.Parse(targetRefString)
	if err != nil {
		return err
	}
	return c.manager.PushFromCache(ctx, sourceRepo, sourceReference, target, image.PushOptions{Force: force})
}

// List returns every cache entry currently recorded in the local index.
// Mode List.
func (c *Client) List() []cache.Entry {
	return c.manager.List()
}

// Clean removes every cache entry matching predicate and garbage-collects
// blobs left unreferenced afterward. Mode Clean.
func (c *Client) Clean(predicate func(cache.Entry) bool) (removedEntries, removedBlobs int, freedBytes int64, err error) {
	return c.manager.Clean(predicate)
}

// CacheRoot returns the local cache's root directory.
func (c *Client) CacheRoot() string { return c.store.Root() }

// CacheHasBlob reports whether digest is present in the local cache,
// independent of which entry (if any) references it.
func (c *Client) CacheHasBlob(digest string) bool {
	return c.store.HasBlob(imgdigest.Digest(digest))
}
