// Package archive parses Docker-save tar archives (spec §4.C): a single
// pass builds an offset table, manifest.json is parsed into per-image
// entries, and an OCI-shaped manifest is synthesized from the recorded
// digests so the result can be cached and pushed like any other image.
package archive

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"

	godigest "github.com/opencontainers/go-digest"

	imgdigest "github.com/imgxfer/imgxfer/digest"
	"github.com/imgxfer/imgxfer/manifest"
	"github.com/imgxfer/imgxfer/xferrors"
)

// entry records where one archive member's bytes live, for random access
// after the initial scan.
type entry struct {
	offset   int64
	size     int64
	linkname string
	typeflag byte
}

// Archive is a scanned Docker-save tar file. The package-level Open reads
// headers only; file bodies are streamed lazily by (*Archive).Open.
type Archive struct {
	path  string
	index map[string]entry
}

// dockerManifestEntry mirrors one element of manifest.json.
type dockerManifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// legacyRepositories mirrors the older "repositories" file format used
// before manifest.json existed, kept for archives produced by very old
// Docker daemons (per original_source's ImageParser tag-fallback path).
type legacyRepositories map[string]map[string]string // repo -> tag -> image ID

// Image is one image listed in the archive: its RepoTags (possibly empty),
// config path, and ordered layer paths. Synthesize builds the manifest from
// these fields; the result is returned, not stored on the Image.
type Image struct {
	RepoTags   []string
	ConfigPath string
	LayerPaths []string
}

// Open scans path once, building the path -> (offset, size) table without
// reading any file bodies, per spec §4.C step 1.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xferrors.Wrap(xferrors.ErrArchiveFormat, err, xferrors.Context{Operation: "archive.Open"})
	}
	defer f.Close()

	a := &Archive{path: path, index: make(map[string]entry)}
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, xferrors.Wrap(xferrors.ErrArchiveFormat, err, xferrors.Context{Operation: "archive.Open"})
		}
		off, curErr := f.Seek(0, io.SeekCurrent)
		if curErr != nil {
			return nil, xferrors.Wrap(xferrors.ErrArchiveFormat, curErr, xferrors.Context{Operation: "archive.Open"})
		}
		a.index[hdr.Name] = entry{
			offset:   off,
			size:     hdr.Size,
			linkname: hdr.Linkname,
			typeflag: hdr.Typeflag,
		}
	}
	return a, nil
}

// resolve follows symlink entries to their target's underlying (offset,
// size), per spec §4.C edge cases.
func (a *Archive) resolve(name string) (entry, error) {
	seen := make(map[string]bool)
	for {
		e, ok := a.index[name]
		if !ok {
			return entry{}, xferrors.New(xferrors.ErrArchiveFormat, xferrors.Context{Operation: "archive.resolve"}, "no such member %q", name)
		}
		if e.typeflag != tar.TypeSymlink {
			return e, nil
		}
		if seen[name] {
			return entry{}, xferrors.New(xferrors.ErrArchiveFormat, xferrors.Context{Operation: "archive.resolve"}, "symlink cycle at %q", name)
		}
		seen[name] = true
		name = path.Join(path.Dir(name), e.linkname)
	}
}

// Open returns a reader over the bytes of the named archive member,
// dereferencing symlinks. The reader is bounded to exactly the member's
// size and must be closed when done.
func (a *Archive) Open(name string) (io.ReadCloser, error) {
	e, err := a.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(a.path)
	if err != nil {
		return nil, xferrors.Wrap(xferrors.ErrArchiveFormat, err, xferrors.Context{Operation: "archive.Open"})
	}
	if _, err := f.Seek(e.offset, io.SeekStart); err != nil {
		f.Close()
		return nil, xferrors.Wrap(xferrors.ErrArchiveFormat, err, xferrors.Context{Operation: "archive.Open"})
	}
	return &memberReader{f: f, r: io.LimitReader(f, e.size)}, nil
}

type memberReader struct {
	f *os.File
	r io.Reader
}

func (m *memberReader) Read(p []byte) (int, error) { return m.r.Read(p) }
func (m *memberReader) Close() error                { return m.f.Close() }

// Images parses manifest.json (falling back to the legacy "repositories"
// file when manifest.json is absent) and returns one Image per
// manifest.json entry, per spec §4.C step 2.
func (a *Archive) Images() ([]Image, error) {
	if _, ok := a.index["manifest.json"]; ok {
		return a.imagesFromManifestJSON()
	}
	if _, ok := a.index["repositories"]; ok {
		return a.imagesFromLegacyRepositories()
	}
	return nil, xferrors.New(xferrors.ErrArchiveFormat, xferrors.Context{Operation: "archive.Images"}, "no manifest.json or repositories file found")
}

func (a *Archive) imagesFromManifestJSON() ([]Image, error) {
	rc, err := a.Open("manifest.json")
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var entries []dockerManifestEntry
	if err := json.NewDecoder(rc).Decode(&entries); err != nil {
		return nil, xferrors.Wrap(xferrors.ErrArchiveFormat, err, xferrors.Context{Operation: "archive.Images"})
	}

	images := make([]Image, 0, len(entries))
	for _, e := range entries {
		images = append(images, Image{
			RepoTags:   e.RepoTags,
			ConfigPath: e.Config,
			LayerPaths: e.Layers,
		})
	}
	return images, nil
}

// imagesFromLegacyRepositories reconstructs an approximate manifest for
// archives saved before manifest.json existed. The legacy format records
// only a tag -> topmost image-ID mapping, not a layer list, so LayerPaths
// is filled in by walking that image ID's parent chain: each <id>/json
// names its parent image, and each <id>/layer.tar is one layer, from the
// base image down to the tag's topmost ID (per original_source's
// ImageParser legacy path).
func (a *Archive) imagesFromLegacyRepositories() ([]Image, error) {
	rc, err := a.Open("repositories")
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var repos legacyRepositories
	if err := json.NewDecoder(rc).Decode(&repos); err != nil {
		return nil, xferrors.Wrap(xferrors.ErrArchiveFormat, err, xferrors.Context{Operation: "archive.Images"})
	}

	var images []Image
	for repo, tags := range repos {
		for tag, imageID := range tags {
			layers, err := a.legacyLayerChain(imageID)
			if err != nil {
				return nil, err
			}
			images = append(images, Image{
				RepoTags:   []string{repo + ":" + tag},
				ConfigPath: imageID + ".json",
				LayerPaths: layers,
			})
		}
	}
	return images, nil
}

// legacyImageJSON is the subset of a legacy per-image <id>/json file this
// package needs: the parent pointer that chains an image back to its base.
type legacyImageJSON struct {
	Parent string `json:"parent"`
}

// legacyLayerChain walks the parent pointers starting at imageID, one
// <id>/json member at a time, and returns the ordered layer.tar paths
// from the base image to imageID, matching manifest.json's Layers
// ordering. An image with no layer.tar member (an empty scratch layer)
// contributes no path and the walk goes on to its parent; a missing or
// unparsable json member ends the walk early rather than failing
// extraction outright.
func (a *Archive) legacyLayerChain(imageID string) ([]string, error) {
	var chain []string
	seen := make(map[string]bool)

	for id := imageID; id != ""; {
		if seen[id] {
			return nil, xferrors.New(xferrors.ErrArchiveFormat, xferrors.Context{Operation: "archive.legacyLayerChain"}, "parent cycle at image %q", id)
		}
		seen[id] = true

		if _, ok := a.index[id+"/layer.tar"]; ok {
			chain = append(chain, id+"/layer.tar")
		}

		jsonRC, err := a.Open(id + "/json")
		if err != nil {
			break
		}
		var meta legacyImageJSON
		decodeErr := json.NewDecoder(jsonRC).Decode(&meta)
		jsonRC.Close()
		if decodeErr != nil {
			break
		}
		id = meta.Parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// DigestMember streams the named member once, returning its SHA-256
// digest and size without retaining the bytes, per spec §4.C step 3.
func (a *Archive) DigestMember(ctx context.Context, name string) (imgdigest.Digest, int64, error) {
	rc, err := a.Open(name)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()

	hr := imgdigest.NewHashingReader(rc)
	if _, err := io.Copy(io.Discard, readerWithContext(ctx, hr)); err != nil {
		return "", 0, xferrors.Wrap(xferrors.ErrArchiveFormat, err, xferrors.Context{Operation: "archive.DigestMember"})
	}
	return hr.Digest(), hr.Size(), nil
}

// readerWithContext wraps r so a canceled context aborts long copies,
// mirroring the teacher's context-aware copy loop.
func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// FirstBytes reads up to n bytes from the start of a member without
// consuming the archive's single read position for later use, used to
// sniff layer compression per spec §4.C step 4.
func (a *Archive) FirstBytes(name string, n int) ([]byte, error) {
	rc, err := a.Open(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(rc, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, xferrors.Wrap(xferrors.ErrArchiveFormat, err, xferrors.Context{Operation: "archive.FirstBytes"})
	}
	return buf[:read], nil
}

// SynthesizedLayer pairs a layer's archive path with its computed digest,
// size, and sniffed media type.
type SynthesizedLayer struct {
	Path      string
	Digest    imgdigest.Digest
	Size      int64
	MediaType string
}

// Synthesize computes digests for img's config and layers and builds the
// OCI-shaped manifest bytes described in spec §4.C step 4. The returned
// manifest is itself the cache key for this image.
func Synthesize(ctx context.Context, a *Archive, img Image) (raw []byte, configDigest imgdigest.Digest, configSize int64, layers []SynthesizedLayer, err error) {
	configDigest, configSize, err = a.DigestMember(ctx, img.ConfigPath)
	if err != nil {
		return nil, "", 0, nil, err
	}

	layers = make([]SynthesizedLayer, 0, len(img.LayerPaths))
	for _, lp := range img.LayerPaths {
		d, size, err := a.DigestMember(ctx, lp)
		if err != nil {
			return nil, "", 0, nil, err
		}
		firstTwo, err := a.FirstBytes(lp, 2)
		if err != nil {
			return nil, "", 0, nil, err
		}
		layers = append(layers, SynthesizedLayer{
			Path:      lp,
			Digest:    d,
			Size:      size,
			MediaType: manifest.SniffLayerMediaType(firstTwo),
		})
	}

	view := struct {
		SchemaVersion int                   `json:"schemaVersion"`
		MediaType     string                `json:"mediaType"`
		Config        manifest.Descriptor   `json:"config"`
		Layers        []manifest.Descriptor `json:"layers"`
	}{
		SchemaVersion: 2,
		MediaType:     manifest.MediaTypeDockerManifest,
		Config: manifest.Descriptor{
			MediaType: manifest.MediaTypeDockerConfig,
			Digest:    godigest.Digest(configDigest),
			Size:      configSize,
		},
	}
	for _, l := range layers {
		view.Layers = append(view.Layers, manifest.Descriptor{
			MediaType: l.MediaType,
			Digest:    godigest.Digest(l.Digest),
			Size:      l.Size,
		})
	}

	raw, err = json.Marshal(view)
	if err != nil {
		return nil, "", 0, nil, fmt.Errorf("archive: marshal synthesized manifest: %w", err)
	}
	return raw, configDigest, configSize, layers, nil
}
