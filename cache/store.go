// Package cache implements the content-addressable local store: blobs keyed
// by SHA-256 digest, manifests keyed by (repository, reference), and a JSON
// index tying the two together. See spec §3–4.B.
package cache

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	imgdigest "github.com/imgxfer/imgxfer/digest"
	"github.com/imgxfer/imgxfer/xferrors"
)

const (
	blobsDirName     = "blobs"
	manifestsDirName = "manifests"
	indexFileName    = "index.json"
	sha256AlgoDir    = "sha256"
	dirPerm          = 0o750
	filePerm         = 0o640
)

// Store is a disk-backed, content-addressable cache of image manifests and
// blobs, rooted at a single directory. It is safe for concurrent use within
// one process; the on-disk format does not guarantee cross-process safety
// (§4.B).
type Store struct {
	root   string
	logger *slog.Logger

	mu  sync.Mutex // guards idx and all mutations below it
	idx *index
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for cache diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens (creating if necessary) a cache store rooted at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, xferrors.New(xferrors.ErrConfig, xferrors.Context{Operation: "cache.Open"}, "cache dir is empty")
	}
	s := &Store{root: dir}
	for _, opt := range opts {
		opt(s)
	}

	for _, d := range []string{s.root, s.blobsDir(), s.manifestsDir()} {
		if err := os.MkdirAll(d, dirPerm); err != nil {
			return nil, xferrors.Wrap(xferrors.ErrCacheIO, err, xferrors.Context{Operation: "cache.Open"})
		}
	}

	idx, err := loadIndex(s.indexPath())
	if err != nil {
		return nil, xferrors.Wrap(xferrors.ErrCacheIO, err, xferrors.Context{Operation: "cache.Open"})
	}
	s.idx = idx
	return s, nil
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

func (s *Store) blobsDir() string {
	return filepath.Join(s.root, blobsDirName, sha256AlgoDir)
}

func (s *Store) manifestsDir() string {
	return filepath.Join(s.root, manifestsDirName)
}

func (s *Store) indexPath() string {
	return filepath.Join(s.root, indexFileName)
}

func hexOf(d imgdigest.Digest) string {
	return d.Encoded()
}

func (s *Store) blobPath(d imgdigest.Digest) string {
	return filepath.Join(s.blobsDir(), hexOf(d))
}

// sanitizeReference maps a reference (tag or "sha256:<hex>" digest) to a
// filesystem-safe path segment.
func sanitizeReference(reference string) string {
	return strings.ReplaceAll(reference, ":", "@")
}

func (s *Store) manifestPath(repository, reference string) string {
	return filepath.Join(s.manifestsDir(), filepath.FromSlash(repository), sanitizeReference(reference))
}

// HasBlob reports whether digest's content is present on disk under the
// blob store, independent of whether any manifest in the index currently
// references it.
func (s *Store) HasBlob(d imgdigest.Digest) bool {
	info, err := os.Stat(s.blobPath(d))
	return err == nil && !info.IsDir()
}

// OpenBlobReader streams the blob's bytes from disk.
func (s *Store) OpenBlobReader(d imgdigest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(d)) //nolint:gosec // path derived from digest hex, not user input
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, xferrors.New(xferrors.ErrCacheIO, xferrors.Context{Operation: "OpenBlobReader", Digest: string(d)}, "blob not found")
		}
		return nil, xferrors.Wrap(xferrors.ErrCacheIO, err, xferrors.Context{Operation: "OpenBlobReader", Digest: string(d)})
	}
	return f, nil
}

// BlobSize returns the on-disk size of a blob, whether or not the index
// references it.
func (s *Store) BlobSize(d imgdigest.Digest) (int64, bool) {
	info, err := os.Stat(s.blobPath(d))
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}

// PutBlob streams src into the cache under its content digest, verifying
// the stream hashes to d and is exactly expectedSize bytes long. Writes are
// staged in a temp file and atomically renamed into place; on any failure
// the temp file is removed and no file exists under the final path unless
// it pre-existed (§8 property 5). If the target already exists with the
// correct size, PutBlob is a no-op that returns success.
func (s *Store) PutBlob(d imgdigest.Digest, expectedSize int64, src io.Reader) error {
	if err := d.Validate(); err != nil {
		return xferrors.New(xferrors.ErrIntegrity, xferrors.Context{Operation: "PutBlob"}, "invalid digest %q: %v", d, err)
	}

	finalPath := s.blobPath(d)
	if existing, err := os.Stat(finalPath); err == nil {
		if expectedSize < 0 || existing.Size() == expectedSize {
			s.log().Debug("blob already cached", "digest", d)
			return nil
		}
	}

	if err := os.MkdirAll(s.blobsDir(), dirPerm); err != nil {
		return xferrors.Wrap(xferrors.ErrCacheIO, err, xferrors.Context{Operation: "PutBlob", Digest: string(d)})
	}

	tmp, err := os.CreateTemp(s.blobsDir(), ".tmp-*")
	if err != nil {
		return xferrors.Wrap(xferrors.ErrCacheIO, err, xferrors.Context{Operation: "PutBlob", Digest: string(d)})
	}
	tmpPath := tmp.Name()
	cleanup := func() { os.Remove(tmpPath) } //nolint:errcheck // best-effort cleanup

	vr := imgdigest.NewVerifiedReader(src, d, expectedSize)
	if _, err := io.Copy(tmp, vr); err != nil {
		tmp.Close() //nolint:errcheck,gosec // already failing
		cleanup()
		return xferrors.Wrap(classifyPutBlobErr(err), err, xferrors.Context{Operation: "PutBlob", Digest: string(d)})
	}
	if err := vr.Verify(); err != nil {
		tmp.Close() //nolint:errcheck,gosec // already failing
		cleanup()
		return xferrors.Wrap(classifyPutBlobErr(err), err, xferrors.Context{Operation: "PutBlob", Digest: string(d)})
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck,gosec // already failing
		cleanup()
		return xferrors.Wrap(xferrors.ErrCacheIO, err, xferrors.Context{Operation: "PutBlob", Digest: string(d)})
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return xferrors.Wrap(xferrors.ErrCacheIO, err, xferrors.Context{Operation: "PutBlob", Digest: string(d)})
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		cleanup()
		return xferrors.Wrap(xferrors.ErrCacheIO, err, xferrors.Context{Operation: "PutBlob", Digest: string(d)})
	}
	return nil
}

func classifyPutBlobErr(err error) error {
	if errors.Is(err, imgdigest.ErrDigestMismatch) || errors.Is(err, imgdigest.ErrSizeMismatch) {
		return xferrors.ErrIntegrity
	}
	return xferrors.ErrCacheIO
}

// GetManifest returns the raw manifest bytes stored for (repository,
// reference).
func (s *Store) GetManifest(repository, reference string) ([]byte, error) {
	data, err := os.ReadFile(s.manifestPath(repository, reference)) //nolint:gosec // path derived from validated reference
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, xferrors.New(xferrors.ErrCacheIO, xferrors.Context{Operation: "GetManifest", Repository: repository}, "manifest not found for %s", reference)
		}
		return nil, xferrors.Wrap(xferrors.ErrCacheIO, err, xferrors.Context{Operation: "GetManifest", Repository: repository})
	}
	return data, nil
}

// PutManifest writes raw manifest bytes to disk atomically and updates the
// index entry for (repository, reference) to reference configDigest and
// blobs (keyed by digest, values filled in by the caller as blobs are
// staged via PutBlob).
func (s *Store) PutManifest(repository, reference string, raw []byte, configDigest imgdigest.Digest, blobs map[imgdigest.Digest]BlobInfo) error {
	path := s.manifestPath(repository, reference)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return xferrors.Wrap(xferrors.ErrCacheIO, err, xferrors.Context{Operation: "PutManifest", Repository: repository})
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return xferrors.Wrap(xferrors.ErrCacheIO, err, xferrors.Context{Operation: "PutManifest", Repository: repository})
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close() //nolint:errcheck,gosec // already failing
		os.Remove(tmpPath)
		return xferrors.Wrap(xferrors.ErrCacheIO, err, xferrors.Context{Operation: "PutManifest", Repository: repository})
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck,gosec // already failing
		os.Remove(tmpPath)
		return xferrors.Wrap(xferrors.ErrCacheIO, err, xferrors.Context{Operation: "PutManifest", Repository: repository})
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return xferrors.Wrap(xferrors.ErrCacheIO, err, xferrors.Context{Operation: "PutManifest", Repository: repository})
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return xferrors.Wrap(xferrors.ErrCacheIO, err, xferrors.Context{Operation: "PutManifest", Repository: repository})
	}

	blobMap := make(map[string]BlobInfo, len(blobs))
	for d, info := range blobs {
		blobMap[string(d)] = info
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx.Entries[entryKey(repository, reference)] = Entry{
		Repository:     repository,
		Reference:      reference,
		ManifestDigest: string(imgdigest.FromBytes(raw)),
		ConfigDigest:   string(configDigest),
		Blobs:          blobMap,
	}
	if err := s.idx.save(s.indexPath()); err != nil {
		return xferrors.Wrap(xferrors.ErrCacheIO, err, xferrors.Context{Operation: "PutManifest", Repository: repository})
	}
	return nil
}

// GetEntry returns the index entry for (repository, reference).
func (s *Store) GetEntry(repository, reference string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.idx.Entries[entryKey(repository, reference)]
	return e, ok
}

// ListEntries returns every cache entry currently recorded in the index.
func (s *Store) ListEntries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.idx.Entries))
	for _, e := range s.idx.Entries {
		out = append(out, e)
	}
	return out
}

// RemoveEntry deletes the (repository, reference) index entry and its
// manifest file. Blobs are not deleted here since they may be shared by
// other entries; use GC to reclaim unreferenced blobs.
func (s *Store) RemoveEntry(repository, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey(repository, reference)
	if _, ok := s.idx.Entries[key]; !ok {
		return nil
	}
	delete(s.idx.Entries, key)
	if err := s.idx.save(s.indexPath()); err != nil {
		return xferrors.Wrap(xferrors.ErrCacheIO, err, xferrors.Context{Operation: "RemoveEntry", Repository: repository})
	}

	path := s.manifestPath(repository, reference)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return xferrors.Wrap(xferrors.ErrCacheIO, err, xferrors.Context{Operation: "RemoveEntry", Repository: repository})
	}
	return nil
}

// GC removes blob files under blobs/sha256 that are not referenced by any
// remaining index entry. It returns the number of blobs removed and the
// bytes reclaimed.
func (s *Store) GC() (removed int, freedBytes int64, err error) {
	s.mu.Lock()
	referenced := make(map[string]struct{})
	for _, e := range s.idx.Entries {
		for d := range e.Blobs {
			referenced[imgdigest.Digest(d).Encoded()] = struct{}{}
		}
	}
	s.mu.Unlock()

	entries, readErr := os.ReadDir(s.blobsDir())
	if readErr != nil {
		if errors.Is(readErr, os.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, xferrors.Wrap(xferrors.ErrCacheIO, readErr, xferrors.Context{Operation: "GC"})
	}

	for _, de := range entries {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".tmp-") {
			continue
		}
		if _, ok := referenced[de.Name()]; ok {
			continue
		}
		info, statErr := de.Info()
		if statErr != nil {
			continue
		}
		if rmErr := os.Remove(filepath.Join(s.blobsDir(), de.Name())); rmErr != nil {
			continue
		}
		removed++
		freedBytes += info.Size()
	}
	return removed, freedBytes, nil
}

// Root returns the cache's root directory.
func (s *Store) Root() string {
	return s.root
}
