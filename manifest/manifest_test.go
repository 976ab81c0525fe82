package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleManifest = `{
	"schemaVersion": 2,
	"mediaType": "application/vnd.oci.image.manifest.v1+json",
	"config": {"mediaType": "application/vnd.oci.image.config.v1+json", "digest": "sha256:aaaa", "size": 10},
	"layers": [
		{"mediaType": "application/vnd.oci.image.layer.v1.tar+gzip", "digest": "sha256:bbbb", "size": 100}
	]
}`

const sampleIndex = `{
	"schemaVersion": 2,
	"mediaType": "application/vnd.oci.image.index.v1+json",
	"manifests": [
		{"mediaType": "application/vnd.oci.image.manifest.v1+json", "digest": "sha256:cccc", "size": 500,
		 "platform": {"architecture": "amd64", "os": "linux"}},
		{"mediaType": "application/vnd.oci.image.manifest.v1+json", "digest": "sha256:dddd", "size": 500,
		 "platform": {"architecture": "arm64", "os": "linux"}}
	]
}`

func TestParseManifest(t *testing.T) {
	m, err := Parse([]byte(sampleManifest), "")
	require.NoError(t, err)
	require.False(t, m.IsIndex())
	require.Equal(t, "sha256:aaaa", string(m.Config().Digest))
	require.Len(t, m.Layers(), 1)
	require.Equal(t, []byte(sampleManifest), m.Raw())
}

func TestParseManifestUsesContentTypeFallback(t *testing.T) {
	body := `{"schemaVersion":2,"config":{"digest":"sha256:aaaa","size":1},"layers":[]}`
	m, err := Parse([]byte(body), MediaTypeDockerManifest)
	require.NoError(t, err)
	require.Equal(t, MediaTypeDockerManifest, m.MediaType())
}

func TestParseManifestNoMediaTypeIsError(t *testing.T) {
	_, err := Parse([]byte(`{"schemaVersion":2}`), "")
	require.Error(t, err)
}

func TestParseIndex(t *testing.T) {
	m, err := Parse([]byte(sampleIndex), "")
	require.NoError(t, err)
	require.True(t, m.IsIndex())
	require.Len(t, m.Children(), 2)
}

func TestDefaultResolverSelectsPlatform(t *testing.T) {
	m, err := Parse([]byte(sampleIndex), "")
	require.NoError(t, err)

	var r Resolver = DefaultResolver{}
	d, err := r.Resolve(m.Children(), DefaultPlatform)
	require.NoError(t, err)
	require.Equal(t, "sha256:cccc", string(d.Digest))
}

func TestDefaultResolverNoMatch(t *testing.T) {
	m, err := Parse([]byte(sampleIndex), "")
	require.NoError(t, err)

	var r Resolver = DefaultResolver{}
	_, err = r.Resolve(m.Children(), Platform{Architecture: "riscv64", OS: "linux"})
	require.Error(t, err)
}

func TestSniffLayerMediaType(t *testing.T) {
	require.Equal(t, MediaTypeOCILayerGzip, SniffLayerMediaType([]byte{0x1f, 0x8b, 0x08}))
	require.Equal(t, MediaTypeOCILayer, SniffLayerMediaType([]byte{0x75, 0x73, 0x74}))
}

func TestManifestDigestIsStableOverRawBytes(t *testing.T) {
	m1, err := Parse([]byte(sampleManifest), "")
	require.NoError(t, err)
	m2, err := Parse([]byte(sampleManifest), "")
	require.NoError(t, err)
	require.Equal(t, m1.Digest(), m2.Digest())
}
