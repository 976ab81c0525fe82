// Package image implements the transfer engine's mode orchestration
// (spec §4.H): PullAndCache, ExtractAndCache, PushFromCache, List, and
// Clean, wiring reference resolution, the registry client, the tar
// archive parser, the content-addressable cache, and the concurrency
// controller into the pipeline.
package image

import (
	"context"
	"log/slog"
	"sync"

	godigest "github.com/opencontainers/go-digest"

	"github.com/imgxfer/imgxfer/archive"
	"github.com/imgxfer/imgxfer/cache"
	"github.com/imgxfer/imgxfer/concurrency"
	imgdigest "github.com/imgxfer/imgxfer/digest"
	"github.com/imgxfer/imgxfer/events"
	"github.com/imgxfer/imgxfer/manifest"
	"github.com/imgxfer/imgxfer/pipeline"
	"github.com/imgxfer/imgxfer/reference"
	"github.com/imgxfer/imgxfer/registry"
	"github.com/imgxfer/imgxfer/xferrors"
)

// RegistryFactory builds (or reuses) a registry.Client for a resolved
// registry host. Manager calls it lazily so credentials and TLS settings
// can vary per host.
type RegistryFactory func(host string) *registry.Client

// Manager coordinates the modes described in spec §4.H.
type Manager struct {
	store   *cache.Store
	clients RegistryFactory
	bus     *events.Bus
	logger  *slog.Logger

	fileSizeThreshold int64 // boundary between SizeMedium and SizeLarge for the controller
	maxConcurrent     int   // 0 means use the controller's own default bounds

	originsMu sync.Mutex
	// origins[host][digest] is the set of repositories on host known to
	// already hold digest, populated as a side effect of successful pulls
	// and pushes. PushFromCache consults it to attempt a cross-repository
	// mount before falling back to a normal blob upload (spec §4.E).
	origins map[string]map[imgdigest.Digest]map[string]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option { return func(m *Manager) { m.logger = logger } }

// WithLargeFileThreshold overrides the byte size above which a transfer
// uses the conservative (SizeLarge) initial concurrency class.
func WithLargeFileThreshold(n int64) Option {
	return func(m *Manager) { m.fileSizeThreshold = n }
}

// WithMaxConcurrent caps every transfer's concurrency controller at n
// permits, overriding the controller's default upper bound.
func WithMaxConcurrent(n int) Option {
	return func(m *Manager) { m.maxConcurrent = n }
}

const defaultLargeFileThreshold = 100 << 20 // 100 MiB

// New builds a Manager backed by store, using clients to obtain a
// registry.Client per host and bus to publish lifecycle events.
func New(store *cache.Store, clients RegistryFactory, bus *events.Bus, opts ...Option) *Manager {
	m := &Manager{
		store:             store,
		clients:           clients,
		bus:               bus,
		fileSizeThreshold: defaultLargeFileThreshold,
		origins:           make(map[string]map[imgdigest.Digest]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.logger
}

// PullOptions configures PullAndCache.
type PullOptions struct {
	Platform manifest.Platform
	Force    bool
}

// PullAndCache resolves ref, pulls its manifest (recursing through any
// platform index), stages every blob into the cache, and commits the
// cache index entry only once all blobs have been verified on disk, per
// spec §4.H. On any task failure, blobs newly downloaded during this
// attempt are garbage-collected; blobs that were already cached (shared
// with another image) are left untouched.
func (m *Manager) PullAndCache(ctx context.Context, ref reference.Reference, opts PullOptions) (cache.Entry, error) {
	client := m.clients(ref.Registry)
	platform := opts.Platform
	if platform == (manifest.Platform{}) {
		platform = manifest.DefaultPlatform
	}

	// The manifest must be fetched directly, not as a pipeline task: its
	// content is what determines which blob tasks to build in the first
	// place, and cache.Store.PutManifest's index bookkeeping (config
	// digest, blob map) doesn't fit the pipeline's generic byte-sink
	// write. PushFromCache's manifest write has neither constraint and
	// does run as a pipeline task.
	mf, err := client.PullManifest(ctx, ref.Repository, effectiveReference(ref), manifest.DefaultResolver{}, platform)
	if err != nil {
		return cache.Entry{}, err
	}

	descriptors := append([]manifest.Descriptor{mf.Config()}, mf.Layers()...)
	attemptedRollback := false

	ctrl := m.controllerFor(ref.Repository, descriptors)
	pl := pipeline.New(ctrl, m.bus, pipeline.WithLogger(m.log()))

	tasks := make([]pipeline.Task, 0, len(descriptors))
	for _, d := range descriptors {
		tasks = append(tasks, pipeline.Task{
			Source:   pipeline.Endpoint{Kind: pipeline.EndpointRegistry, Registry: client, Repository: ref.Repository},
			Sink:     pipeline.Endpoint{Kind: pipeline.EndpointCache, Cache: m.store},
			Digest:   imgdigest.Digest(d.Digest),
			Size:     d.Size,
			Priority: priorityForPull(d.Size),
			Force:    opts.Force,
		})
	}

	if err := pl.Run(ctx, tasks); err != nil {
		m.gcUnreferencedBlobs()
		attemptedRollback = true
		return cache.Entry{}, err
	}

	blobs := make(map[imgdigest.Digest]cache.BlobInfo, len(descriptors))
	for _, d := range descriptors {
		blobs[imgdigest.Digest(d.Digest)] = cache.BlobInfo{
			Size:      d.Size,
			IsConfig:  d.MediaType == manifest.MediaTypeDockerConfig || d.MediaType == manifest.MediaTypeOCIConfig,
			MediaType: d.MediaType,
		}
	}

	if err := m.store.PutManifest(ref.Repository, ref.Reference, mf.Raw(), imgdigest.Digest(mf.Config().Digest), blobs); err != nil {
		if !attemptedRollback {
			m.gcUnreferencedBlobs()
		}
		return cache.Entry{}, err
	}

	for _, d := range descriptors {
		m.recordOrigin(ref.Registry, ref.Repository, imgdigest.Digest(d.Digest))
	}

	entry, _ := m.store.GetEntry(ref.Repository, ref.Reference)
	m.bus.Publish(events.Event{Kind: events.KindPipelineCompleted, Repository: ref.Repository, Operation: "pull"})
	return entry, nil
}

// recordOrigin notes that repository on host is now known to hold digest,
// so a later push to a sibling repository on the same host can attempt a
// cross-repository mount instead of a full upload.
func (m *Manager) recordOrigin(host string, repository string, digest imgdigest.Digest) {
	m.originsMu.Lock()
	defer m.originsMu.Unlock()
	byDigest, ok := m.origins[host]
	if !ok {
		byDigest = make(map[imgdigest.Digest]map[string]struct{})
		m.origins[host] = byDigest
	}
	repos, ok := byDigest[digest]
	if !ok {
		repos = make(map[string]struct{})
		byDigest[digest] = repos
	}
	repos[repository] = struct{}{}
}

// mountSource returns a repository on host other than excludeRepository
// known to already hold digest, or "" if none is known.
func (m *Manager) mountSource(host string, digest imgdigest.Digest, excludeRepository string) string {
	m.originsMu.Lock()
	defer m.originsMu.Unlock()
	for repo := range m.origins[host][digest] {
		if repo != excludeRepository {
			return repo
		}
	}
	return ""
}

func effectiveReference(ref reference.Reference) string {
	if ref.Reference == "" {
		return "latest"
	}
	return ref.Reference
}

// gcUnreferencedBlobs reclaims blobs left on disk by a failed pull or
// extract attempt: since the failed attempt's cache index entry was never
// committed, any blob it downloaded that no other committed entry
// references is unreferenced and eligible for collection, per spec §4.H.
func (m *Manager) gcUnreferencedBlobs() {
	if _, _, err := m.store.GC(); err != nil {
		m.log().Warn("post-failure gc failed", "err", err)
	}
}

// ExtractAndCache scans a Docker-save tar archive, synthesizes an OCI
// manifest for each image it contains, and stages every referenced blob
// into the cache, per spec §4.H.
func (m *Manager) ExtractAndCache(ctx context.Context, tarPath string) ([]cache.Entry, error) {
	a, err := archive.Open(tarPath)
	if err != nil {
		return nil, err
	}

	images, err := a.Images()
	if err != nil {
		return nil, err
	}

	entries := make([]cache.Entry, 0, len(images))
	for _, img := range images {
		entry, err := m.extractOneImage(ctx, a, img)
		if err != nil {
			m.gcUnreferencedBlobs()
			return entries, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (m *Manager) extractOneImage(ctx context.Context, a *archive.Archive, img archive.Image) (cache.Entry, error) {
	raw, configDigest, configSize, layers, err := archive.Synthesize(ctx, a, img)
	if err != nil {
		return cache.Entry{}, err
	}

	repo, tag := repoAndReferenceFromTags(img.RepoTags)

	tasks := []pipeline.Task{{
		Source:   pipeline.Endpoint{Kind: pipeline.EndpointTarArchive, Archive: a, Path: img.ConfigPath},
		Sink:     pipeline.Endpoint{Kind: pipeline.EndpointCache, Cache: m.store},
		Digest:   configDigest,
		Size:     configSize,
		Priority: 0,
	}}
	blobs := map[imgdigest.Digest]cache.BlobInfo{
		configDigest: {Size: configSize, IsConfig: true, MediaType: manifest.MediaTypeDockerConfig},
	}
	for _, l := range layers {
		tasks = append(tasks, pipeline.Task{
			Source:   pipeline.Endpoint{Kind: pipeline.EndpointTarArchive, Archive: a, Path: l.Path},
			Sink:     pipeline.Endpoint{Kind: pipeline.EndpointCache, Cache: m.store},
			Digest:   l.Digest,
			Size:     l.Size,
			Priority: priorityForPull(l.Size),
		})
		blobs[l.Digest] = cache.BlobInfo{Size: l.Size, MediaType: l.MediaType}
	}

	ctrl := m.newController(repo, concurrency.SizeMedium)
	pl := pipeline.New(ctrl, m.bus, pipeline.WithLogger(m.log()))
	if err := pl.Run(ctx, tasks); err != nil {
		return cache.Entry{}, err
	}

	if err := m.store.PutManifest(repo, tag, raw, configDigest, blobs); err != nil {
		return cache.Entry{}, err
	}
	entry, _ := m.store.GetEntry(repo, tag)
	return entry, nil
}

func repoAndReferenceFromTags(tags []string) (repo, ref string) {
	if len(tags) == 0 {
		return "untagged", "latest"
	}
	parsed, err := reference.Parse(tags[0])
	if err != nil {
		return "untagged", "latest"
	}
	if parsed.Reference == "" {
		return parsed.Repository, "latest"
	}
	return parsed.Repository, parsed.Reference
}

// PushOptions configures PushFromCache.
type PushOptions struct {
	Force bool // re-upload blobs even if head_blob reports Exists
}

// PushFromCache loads a cache entry and pushes its config, layers, and
// manifest to targetRef's registry, pushing the manifest only after every
// blob task has succeeded, per spec §4.H. It covers both registry-sourced
// and tar-sourced cache entries, since both are stored in the same
// content-addressable format.
func (m *Manager) PushFromCache(ctx context.Context, sourceRepo, sourceReference string, targetRef reference.Reference, opts PushOptions) error {
	entry, ok := m.store.GetEntry(sourceRepo, sourceReference)
	if !ok {
		return xferrors.New(xferrors.ErrCacheIO, xferrors.Context{Operation: "PushFromCache", Repository: sourceRepo}, "no cache entry for %s@%s", sourceRepo, sourceReference)
	}
	raw, err := m.store.GetManifest(sourceRepo, sourceReference)
	if err != nil {
		return err
	}

	client := m.clients(targetRef.Registry)
	descriptors := make([]manifest.Descriptor, 0, len(entry.Blobs))
	for digest, info := range entry.Blobs {
		descriptors = append(descriptors, manifest.Descriptor{
			Digest:    godigest.Digest(digest),
			Size:      info.Size,
			MediaType: info.MediaType,
		})
	}

	ctrl := m.controllerFor(targetRef.Repository, descriptors)
	pl := pipeline.New(ctrl, m.bus, pipeline.WithLogger(m.log()))

	blobTasks := make([]pipeline.Task, 0, len(descriptors))
	for _, d := range descriptors {
		digest := imgdigest.Digest(d.Digest)

		if !opts.Force {
			if from := m.mountSource(targetRef.Registry, digest, targetRef.Repository); from != "" {
				mounted, err := client.MountBlob(ctx, targetRef.Repository, from, digest)
				if err != nil {
					m.log().Warn("mount blob failed, falling back to push", "digest", digest, "from", from, "err", err)
				} else if mounted {
					m.recordOrigin(targetRef.Registry, targetRef.Repository, digest)
					continue
				}
			}
		}

		blobTasks = append(blobTasks, pipeline.Task{
			Source:   pipeline.Endpoint{Kind: pipeline.EndpointCache, Cache: m.store},
			Sink:     pipeline.Endpoint{Kind: pipeline.EndpointRegistry, Registry: client, Repository: targetRef.Repository},
			Digest:   digest,
			Size:     d.Size,
			Priority: priorityForPush(d.Size),
			Force:    opts.Force,
		})
	}

	mediaType := manifest.MediaTypeDockerManifest
	if mf, err := manifest.Parse(raw, ""); err == nil {
		mediaType = mf.MediaType()
	}

	// The manifest push rides in the same pipeline.Run call as the blob
	// tasks, as an IsManifest task with an in-memory source: pipeline.Run
	// runs every manifest task only after every blob task in the batch has
	// succeeded (spec §4.G), so this still can't reach the registry ahead
	// of the layers it names.
	tasks := append(blobTasks, pipeline.Task{
		Source:     pipeline.Endpoint{Kind: pipeline.EndpointMemory, Bytes: raw},
		Sink:       pipeline.Endpoint{Kind: pipeline.EndpointRegistry, Registry: client, Repository: targetRef.Repository},
		IsManifest: true,
		Reference:  effectiveReference(targetRef),
		MediaType:  mediaType,
		Size:       int64(len(raw)),
	})

	if err := pl.Run(ctx, tasks); err != nil {
		return err
	}

	for _, d := range descriptors {
		m.recordOrigin(targetRef.Registry, targetRef.Repository, imgdigest.Digest(d.Digest))
	}

	m.bus.Publish(events.Event{Kind: events.KindPipelineCompleted, Repository: targetRef.Repository, Operation: "push"})
	return nil
}

func (m *Manager) controllerFor(repository string, descriptors []manifest.Descriptor) *concurrency.Controller {
	class := concurrency.SizeSmall
	for _, d := range descriptors {
		if d.Size >= m.fileSizeThreshold {
			class = concurrency.SizeLarge
			break
		}
		if d.Size >= m.fileSizeThreshold/10 && class == concurrency.SizeSmall {
			class = concurrency.SizeMedium
		}
	}
	return m.newController(repository, class)
}

// newController builds a Controller wired to publish every adjustment
// decision as a KindConcurrencyAdjusted event, per spec §4.F/§4.I.
func (m *Manager) newController(repository string, class concurrency.FileSizeClass) *concurrency.Controller {
	listener := func(adj concurrency.Adjustment) {
		m.bus.Publish(events.Event{
			Kind:       events.KindConcurrencyAdjusted,
			Repository: repository,
			OldCap:     adj.OldCap,
			NewCap:     adj.NewCap,
			Slope:      adj.Slope,
			RSquared:   adj.RSquared,
			Reason:     string(adj.Reason),
		})
	}
	if m.maxConcurrent > 0 {
		return concurrency.New(class, concurrency.WithBounds(1, m.maxConcurrent), concurrency.WithListener(listener))
	}
	return concurrency.New(class, concurrency.WithListener(listener))
}

func priorityForPull(size int64) int {
	// Small first, for quicker manifest readiness (spec §4.G).
	return -int(size)
}

func priorityForPush(size int64) int {
	// Large first on upload (spec §4.G).
	return int(size)
}

// List returns every cache entry currently recorded in the index, per
// spec §4.H.
func (m *Manager) List() []cache.Entry {
	return m.store.ListEntries()
}

// CleanPredicate reports whether an entry should be removed by Clean.
type CleanPredicate func(cache.Entry) bool

// Clean removes every entry matching predicate and garbage-collects any
// blob left unreferenced afterward, per spec §4.H.
func (m *Manager) Clean(predicate CleanPredicate) (removedEntries int, removedBlobs int, freedBytes int64, err error) {
	for _, e := range m.store.ListEntries() {
		if !predicate(e) {
			continue
		}
		if err := m.store.RemoveEntry(e.Repository, e.Reference); err != nil {
			return removedEntries, 0, 0, err
		}
		removedEntries++
	}
	blobs, freed, err := m.store.GC()
	if err != nil {
		return removedEntries, blobs, freed, err
	}
	return removedEntries, blobs, freed, nil
}
