// Package pipeline schedules and executes transfer tasks across the
// Cache, Registry, and TarArchive endpoints (spec §4.G), acquiring
// concurrency permits per task and reporting progress on the event bus.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imgxfer/imgxfer/archive"
	"github.com/imgxfer/imgxfer/cache"
	"github.com/imgxfer/imgxfer/concurrency"
	imgdigest "github.com/imgxfer/imgxfer/digest"
	"github.com/imgxfer/imgxfer/events"
	"github.com/imgxfer/imgxfer/manifest"
	"github.com/imgxfer/imgxfer/registry"
)

// EndpointKind identifies which subsystem a task's source or sink reads
// from or writes to.
type EndpointKind int

const (
	EndpointCache EndpointKind = iota
	EndpointRegistry
	EndpointTarArchive
	EndpointMemory
)

// Endpoint names one side of a Task: a specific cache store, registry
// repository, open tar archive, or in-memory byte slice (EndpointMemory,
// for content a caller already holds in full, such as a manifest read
// out of the cache index rather than the content-addressable blob store).
type Endpoint struct {
	Kind       EndpointKind
	Cache      *cache.Store
	Registry   *registry.Client
	Archive    *archive.Archive
	Repository string // for EndpointRegistry
	Path       string // for EndpointTarArchive: member name
	Bytes      []byte // for EndpointMemory
}

// Task moves one blob, or one manifest, from Source to Sink. Manifest tasks
// (IsManifest) carry a Reference (tag or digest string) and MediaType,
// since the registry manifest endpoints address content by reference
// rather than by digest alone.
type Task struct {
	Source     Endpoint
	Sink       Endpoint
	Digest     imgdigest.Digest
	Size       int64
	IsManifest bool
	Reference  string
	MediaType  string
	Priority   int
	Force      bool // skip the head_blob short-circuit (registry sinks) or the already-cached check (cache sinks)
}

const (
	defaultProgressBytes = 4 << 20
	defaultProgressEvery = 250 * time.Millisecond
)

// Pipeline executes a batch of tasks under a shared concurrency budget,
// publishing lifecycle events as it goes.
type Pipeline struct {
	controller *concurrency.Controller
	bus        *events.Bus
	logger     *slog.Logger

	progressBytes int64
	progressEvery time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option { return func(p *Pipeline) { p.logger = logger } }

// WithProgressCadence overrides how often TaskProgress events fire,
// whichever of byte count or elapsed time triggers first.
func WithProgressCadence(bytes int64, every time.Duration) Option {
	return func(p *Pipeline) { p.progressBytes = bytes; p.progressEvery = every }
}

// New builds a Pipeline driven by controller for concurrency and bus for
// event delivery.
func New(controller *concurrency.Controller, bus *events.Bus, opts ...Option) *Pipeline {
	p := &Pipeline{
		controller:    controller,
		bus:           bus,
		progressBytes: defaultProgressBytes,
		progressEvery: defaultProgressEvery,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Run executes tasks to completion, ordered by descending Priority
// (spec §4.G: large blobs first on upload, small first on download — the
// caller assigns Priority accordingly). Manifest tasks (IsManifest) are
// always run last, after every blob task has succeeded, regardless of
// their assigned Priority.
func (p *Pipeline) Run(ctx context.Context, tasks []Task) error {
	blobs, manifests := splitManifests(tasks)
	sort.SliceStable(blobs, func(i, j int) bool { return blobs[i].Priority > blobs[j].Priority })

	if err := p.runBatch(ctx, blobs); err != nil {
		return err
	}
	if err := p.runBatch(ctx, manifests); err != nil {
		return err
	}
	p.log().Info("pipeline batch complete", "blobs", len(blobs), "manifests", len(manifests))
	p.bus.Publish(events.Event{Kind: events.KindPipelineCompleted})
	return nil
}

func splitManifests(tasks []Task) (blobs, manifests []Task) {
	for _, t := range tasks {
		if t.IsManifest {
			manifests = append(manifests, t)
		} else {
			blobs = append(blobs, t)
		}
	}
	return blobs, manifests
}

func (p *Pipeline) runBatch(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		firstErr    error
		transferred atomic.Int64
	)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopSampling := p.sampleThroughput(runCtx, &transferred)
	defer stopSampling()

	for _, task := range tasks {
		if err := p.controller.Acquire(runCtx); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			defer p.controller.Release()

			if err := p.runTask(runCtx, t, &transferred); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
			}
		}(task)
	}

	wg.Wait()
	return firstErr
}

// sampleThroughput feeds the concurrency controller's adaptive regression
// at its fixed cadence (spec §4.F), reporting bytes transferred across the
// whole batch since the previous sample. It runs for the lifetime of one
// runBatch call; the returned stop func must be called once that batch
// finishes so the sampling goroutine doesn't leak.
func (p *Pipeline) sampleThroughput(ctx context.Context, transferred *atomic.Int64) (stop func()) {
	done := make(chan struct{})
	ticker := time.NewTicker(concurrency.SampleInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.controller.RecordThroughput(float64(transferred.Swap(0)))
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

const maxTaskAttempts = 3

func (p *Pipeline) runTask(ctx context.Context, t Task, transferred *atomic.Int64) error {
	p.bus.Publish(events.Event{Kind: events.KindTaskStarted, Repository: t.Sink.Repository, Digest: string(t.Digest)})

	if !t.Force && t.Sink.Kind == EndpointRegistry {
		exists, err := t.Sink.Registry.HeadBlob(ctx, t.Sink.Repository, t.Digest)
		if err == nil && exists {
			p.bus.Publish(events.Event{Kind: events.KindTaskCompleted, Repository: t.Sink.Repository, Digest: string(t.Digest), Message: "already present"})
			return nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxTaskAttempts; attempt++ {
		err := p.attemptTask(ctx, t, transferred)
		if err == nil {
			p.bus.Publish(events.Event{Kind: events.KindTaskCompleted, Repository: t.Sink.Repository, Digest: string(t.Digest)})
			return nil
		}
		lastErr = err
		if !classifyErr(err) || attempt == maxTaskAttempts {
			break
		}

		delay := time.Duration(attempt) * 500 * time.Millisecond
		p.bus.Publish(events.Event{Kind: events.KindRetryScheduled, Repository: t.Sink.Repository, Digest: string(t.Digest), Attempt: attempt, Delay: delay})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = maxTaskAttempts
		}
	}

	p.fail(t, lastErr)
	return lastErr
}

func (p *Pipeline) attemptTask(ctx context.Context, t Task, transferred *atomic.Int64) error {
	var cached bool
	if t.Sink.Kind == EndpointCache {
		size, ok := t.Sink.Cache.BlobSize(t.Digest)
		cached = ok && (t.Size < 0 || size == t.Size)
	}
	if cached && !t.Force {
		return nil
	}

	src, err := p.openSource(ctx, t)
	if err != nil {
		return err
	}
	defer src.Close()

	progressReader := &progressTrackingReader{
		r:           src,
		task:        t,
		bus:         p.bus,
		every:       p.progressBytes,
		cadence:     p.progressEvery,
		last:        time.Now(),
		transferred: transferred,
	}
	verified := imgdigest.NewVerifiedReader(progressReader, t.Digest, t.Size)

	if err := p.writeSink(ctx, t, verified); err != nil {
		return err
	}
	if cached {
		// PutBlob keeps the existing file without reading src; drain it so
		// a forced transfer still downloads and verifies the content.
		if _, err := io.Copy(io.Discard, verified); err != nil {
			return err
		}
	}
	return verified.Verify()
}

func (p *Pipeline) fail(t Task, err error) {
	p.log().Warn("task failed", "repository", t.Sink.Repository, "digest", t.Digest, "err", err)
	p.bus.Publish(events.Event{Kind: events.KindTaskFailed, Repository: t.Sink.Repository, Digest: string(t.Digest), Err: err})
}

func (p *Pipeline) openSource(ctx context.Context, t Task) (io.ReadCloser, error) {
	switch t.Source.Kind {
	case EndpointCache:
		return t.Source.Cache.OpenBlobReader(t.Digest)
	case EndpointTarArchive:
		return t.Source.Archive.Open(t.Source.Path)
	case EndpointMemory:
		return io.NopCloser(bytes.NewReader(t.Source.Bytes)), nil
	case EndpointRegistry:
		if t.IsManifest {
			m, err := t.Source.Registry.PullManifest(ctx, t.Source.Repository, t.Reference, manifest.DefaultResolver{}, manifest.DefaultPlatform)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(bytes.NewReader(m.Raw())), nil
		}
		return pullAsReader(ctx, t.Source.Registry, t.Source.Repository, t.Digest), nil
	default:
		return nil, fmt.Errorf("pipeline: unknown source kind %d", t.Source.Kind)
	}
}

func (p *Pipeline) writeSink(ctx context.Context, t Task, r io.Reader) error {
	switch t.Sink.Kind {
	case EndpointCache:
		return t.Sink.Cache.PutBlob(t.Digest, t.Size, r)
	case EndpointRegistry:
		if t.IsManifest {
			raw, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			_, err = t.Sink.Registry.PushManifest(ctx, t.Sink.Repository, t.Reference, raw, t.MediaType)
			return err
		}
		return t.Sink.Registry.PushBlob(ctx, t.Sink.Repository, t.Digest, t.Size, r)
	default:
		return fmt.Errorf("pipeline: unsupported sink kind %d", t.Sink.Kind)
	}
}

// pullAsReader bridges Registry.PullBlob's writer-based API to the
// reader-based source interface every other endpoint already satisfies,
// using an in-process pipe.
func pullAsReader(ctx context.Context, client *registry.Client, repository string, digest imgdigest.Digest) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		err := client.PullBlob(ctx, repository, digest, pw)
		pw.CloseWithError(err)
	}()
	return pr
}

// progressTrackingReader wraps a source reader, publishing TaskProgress
// events every ΔB bytes or ΔT, whichever comes first, per spec §4.G
// step 3.
type progressTrackingReader struct {
	r       io.ReadCloser
	task    Task
	bus     *events.Bus
	every   int64
	cadence time.Duration

	transferred *atomic.Int64 // shared across the batch, drained by sampleThroughput

	done      int64
	sinceLast int64
	last      time.Time
}

func (pr *progressTrackingReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.done += int64(n)
		pr.sinceLast += int64(n)
		if pr.transferred != nil {
			pr.transferred.Add(int64(n))
		}
		if pr.sinceLast >= pr.every || time.Since(pr.last) >= pr.cadence {
			pr.bus.Publish(events.Event{
				Kind:       events.KindTaskProgress,
				Repository: pr.task.Sink.Repository,
				Digest:     string(pr.task.Digest),
				BytesDone:  pr.done,
				BytesTotal: pr.task.Size,
			})
			pr.sinceLast = 0
			pr.last = time.Now()
		}
	}
	return n, err
}

func (pr *progressTrackingReader) Close() error { return pr.r.Close() }

// classifyErr distinguishes retryable transport errors from fatal
// integrity failures, per spec §4.G step 4 and §7.
func classifyErr(err error) (retryable bool) {
	if err == nil {
		return false
	}
	if errors.Is(err, imgdigest.ErrDigestMismatch) || errors.Is(err, imgdigest.ErrSizeMismatch) {
		return false
	}
	// ErrUploadExpired means the registry discarded a chunked upload
	// session mid-transfer (spec §4.E step 5); attemptTask reopens the
	// source and PushBlob starts an entirely new session on retry, which
	// is exactly the "restart the upload at step 1" the spec requires.
	return errors.Is(err, registry.ErrUnexpected) ||
		errors.Is(err, registry.ErrRangeRejected) ||
		errors.Is(err, registry.ErrUploadExpired)
}
