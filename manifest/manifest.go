// Package manifest parses and represents OCI/Docker-v2 image manifests and
// indexes. Manifest bytes are never re-serialized: the raw byte sequence is
// the identity used for pushes and digest computation (spec §9).
package manifest

import (
	"encoding/json"
	"fmt"

	godigest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/imgxfer/imgxfer/xferrors"
)

// Media types recognized for manifests, per spec §3.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeOCIManifest        = ocispec.MediaTypeImageManifest
	MediaTypeOCIIndex           = ocispec.MediaTypeImageIndex
	MediaTypeDockerConfig       = "application/vnd.docker.container.image.v1+json"
	MediaTypeOCIConfig          = ocispec.MediaTypeImageConfig

	MediaTypeDockerLayerGzip = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	MediaTypeOCILayerGzip    = ocispec.MediaTypeImageLayerGzip
	MediaTypeOCILayer        = ocispec.MediaTypeImageLayer
	MediaTypeNondistGzip     = ocispec.MediaTypeImageLayerNonDistributableGzip //nolint:staticcheck // deprecated but part of the wire vocabulary this client must accept
)

// AcceptHeader lists recognized manifest media types in priority order, for
// use as the registry GET's Accept header (§4.E pull_manifest).
var AcceptHeader = []string{
	MediaTypeDockerManifest,
	MediaTypeOCIManifest,
	MediaTypeDockerManifestList,
	MediaTypeOCIIndex,
}

// IsIndex reports whether mediaType identifies a multi-arch manifest list
// or index (as opposed to a single-platform image manifest).
func IsIndex(mediaType string) bool {
	return mediaType == MediaTypeDockerManifestList || mediaType == MediaTypeOCIIndex
}

// Descriptor is a re-export of the OCI content descriptor: (mediaType,
// digest, size), with optional Urls and Annotations.
type Descriptor = ocispec.Descriptor

// Manifest holds the raw, unmodified bytes of a manifest alongside a
// parsed view. Callers that forward or push the manifest must use Raw(),
// never a re-marshaled form, so byte-for-byte identity with the source is
// preserved (§8 properties 3 and 4).
type Manifest struct {
	raw       []byte
	mediaType string
	digest    godigest.Digest

	schemaVersion int
	config        ocispec.Descriptor
	layers        []ocispec.Descriptor
	manifests     []ocispec.Descriptor // populated only for an index
}

// view mirrors the JSON fields consumed from a manifest or index, per
// spec §3 ("Fields consumed").
type view struct {
	SchemaVersion int                 `json:"schemaVersion"`
	MediaType     string              `json:"mediaType,omitempty"`
	Config        ocispec.Descriptor  `json:"config"`
	Layers        []ocispec.Descriptor `json:"layers"`
	Manifests     []ocispec.Descriptor `json:"manifests"`
}

// Parse parses raw manifest bytes. contentType is the server's Content-Type
// header (or the caller's own expectation for tar-synthesized manifests)
// and is used when the JSON body omits mediaType, per spec §3.
func Parse(raw []byte, contentType string) (*Manifest, error) {
	var v view
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, xferrors.Wrap(xferrors.ErrIntegrity, err, xferrors.Context{Operation: "manifest.Parse"})
	}

	mt := v.MediaType
	if mt == "" {
		mt = contentType
	}
	if mt == "" {
		return nil, xferrors.New(xferrors.ErrIntegrity, xferrors.Context{Operation: "manifest.Parse"}, "manifest has no mediaType and none was supplied")
	}

	return &Manifest{
		raw:           raw,
		mediaType:     mt,
		digest:        godigest.FromBytes(raw),
		schemaVersion: v.SchemaVersion,
		config:        v.Config,
		layers:        v.Layers,
		manifests:     v.Manifests,
	}, nil
}

// Raw returns the original, unmodified manifest bytes.
func (m *Manifest) Raw() []byte { return m.raw }

// MediaType returns the manifest's media type.
func (m *Manifest) MediaType() string { return m.mediaType }

// Digest returns the SHA-256 digest of the raw manifest bytes.
func (m *Manifest) Digest() godigest.Digest { return m.digest }

// IsIndex reports whether this manifest is a multi-arch index/list.
func (m *Manifest) IsIndex() bool { return IsIndex(m.mediaType) }

// Config returns the image config descriptor. Only valid when !IsIndex().
func (m *Manifest) Config() ocispec.Descriptor { return m.config }

// Layers returns the ordered layer descriptors. Only valid when !IsIndex().
func (m *Manifest) Layers() []ocispec.Descriptor { return m.layers }

// Children returns the per-platform manifest descriptors of an index. Only
// valid when IsIndex().
func (m *Manifest) Children() []ocispec.Descriptor { return m.manifests }

// Platform identifies a target architecture/OS/variant for multi-arch
// manifest selection.
type Platform struct {
	Architecture string
	OS           string
	Variant      string
}

// DefaultPlatform is used when the caller does not specify one, per spec
// §3 ("default linux/amd64").
var DefaultPlatform = Platform{Architecture: "amd64", OS: "linux"}

// Resolver selects a single child descriptor from a multi-arch index for a
// given platform. Exposed as an abstract capability (spec §9 design note)
// so tests can substitute deterministic choices.
type Resolver interface {
	Resolve(children []ocispec.Descriptor, want Platform) (ocispec.Descriptor, error)
}

// DefaultResolver selects the first child descriptor whose platform
// matches exactly on architecture and OS, and on variant when the wanted
// platform specifies one.
type DefaultResolver struct{}

// Resolve implements Resolver.
func (DefaultResolver) Resolve(children []ocispec.Descriptor, want Platform) (ocispec.Descriptor, error) {
	for _, c := range children {
		if c.Platform == nil {
			continue
		}
		if c.Platform.Architecture != want.Architecture || c.Platform.OS != want.OS {
			continue
		}
		if want.Variant != "" && c.Platform.Variant != want.Variant {
			continue
		}
		return c, nil
	}
	return ocispec.Descriptor{}, fmt.Errorf("manifest: no child manifest for platform %s/%s", want.OS, want.Architecture)
}

// SniffLayerMediaType infers a layer's media type from the first two bytes
// of its (possibly compressed) content, per spec §3/§4.C: "1f 8b" indicates
// gzip, anything else is treated as an uncompressed tar.
func SniffLayerMediaType(firstTwoBytes []byte) string {
	if len(firstTwoBytes) >= 2 && firstTwoBytes[0] == 0x1f && firstTwoBytes[1] == 0x8b {
		return MediaTypeOCILayerGzip
	}
	return MediaTypeOCILayer
}

// IsGzipMagic reports whether b begins with the gzip magic number.
func IsGzipMagic(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}
