package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imgxfer/imgxfer/manifest"
)

const testManifest = `{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json","config":{"mediaType":"application/vnd.oci.image.config.v1+json","digest":"sha256:aaaa","size":2},"layers":[]}`

func TestPullManifestSingleArch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/ns/img/manifests/latest", r.URL.Path)
		require.NotEmpty(t, r.Header.Get("Accept"))
		w.Header().Set("Content-Type", manifest.MediaTypeOCIManifest)
		_, _ = w.Write([]byte(testManifest))
	}))
	defer srv.Close()

	c := New(hostOf(srv), WithPlainHTTP())
	m, err := c.PullManifest(context.Background(), "ns/img", "latest", nil, manifest.DefaultPlatform)
	require.NoError(t, err)
	require.False(t, m.IsIndex())
}

func TestPullManifestNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(hostOf(srv), WithPlainHTTP())
	_, err := c.PullManifest(context.Background(), "ns/img", "missing", nil, manifest.DefaultPlatform)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPushManifestReturnsDigestHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		w.Header().Set("Docker-Content-Digest", "sha256:deadbeef")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(hostOf(srv), WithPlainHTTP())
	digest, err := c.PushManifest(context.Background(), "ns/img", "latest", []byte(testManifest), manifest.MediaTypeOCIManifest)
	require.NoError(t, err)
	require.Equal(t, "sha256:deadbeef", digest)
}

func TestPushManifestRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := New(hostOf(srv), WithPlainHTTP())
	_, err := c.PushManifest(context.Background(), "ns/img", "latest", []byte(testManifest), manifest.MediaTypeOCIManifest)
	require.ErrorIs(t, err, ErrManifestBad)
}
