package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// BlobInfo records everything the index knows about one blob referenced by
// a cache entry.
type BlobInfo struct {
	Size       int64  `json:"size"`
	IsConfig   bool   `json:"isConfig"`
	MediaType  string `json:"mediaType"`
	Compressed bool   `json:"compressed"`
}

// Entry is one (repository, reference) cache entry: the raw manifest bytes
// on disk plus the set of blobs it references.
type Entry struct {
	Repository     string              `json:"repository"`
	Reference      string              `json:"reference"`
	ManifestDigest string              `json:"manifestDigest"`
	ConfigDigest   string              `json:"configDigest"`
	Blobs          map[string]BlobInfo `json:"blobs"`
}

// TotalSize sums the size of every blob referenced by the entry.
func (e Entry) TotalSize() int64 {
	var total int64
	for _, b := range e.Blobs {
		total += b.Size
	}
	return total
}

// index is the JSON-serialized on-disk cache index. It is rewritten in
// full (write-temp, fsync, rename) after every mutation and is guarded by
// the owning Store's mutex; the on-disk format itself does not guarantee
// cross-process safety, matching §4.B.
type index struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

const indexVersion = 1

func newIndex() *index {
	return &index{Version: indexVersion, Entries: make(map[string]Entry)}
}

func entryKey(repository, reference string) string {
	return repository + "@" + reference
}

func loadIndex(path string) (*index, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from the cache root, not user input
	if os.IsNotExist(err) {
		return newIndex(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]Entry)
	}
	return &idx, nil
}

// save rewrites the index file atomically: write to a temp file in the same
// directory, fsync, then rename over the final path.
func (idx *index) save(path string) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".index-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck,gosec // best-effort cleanup
		os.Remove(tmpPath)
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck,gosec // best-effort cleanup
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("close temp index: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("rename index: %w", err)
	}
	return nil
}
