package imgxfer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imgxfer/imgxfer/cache"
	imgdigest "github.com/imgxfer/imgxfer/digest"
)

// fixtureRegistry serves a single-layer manifest+blobs image and accepts
// pushes back to a second repository, exercising Pull and Push through the
// public Client rather than the internal image.Manager.
func fixtureRegistry(t *testing.T) (*httptest.Server, imgdigest.Digest, imgdigest.Digest) {
	t.Helper()
	config := []byte(`{"architecture":"amd64","os":"linux"}`)
	layer := []byte("layer contents")
	configDigest := imgdigest.FromBytes(config)
	layerDigest := imgdigest.FromBytes(layer)

	manifestJSON := []byte(`{
  "schemaVersion": 2,
  "mediaType": "application/vnd.docker.distribution.manifest.v2+json",
  "config": {"mediaType": "application/vnd.docker.container.image.v1+json", "digest": "` + string(configDigest) + `", "size": ` + strconv.Itoa(len(config)) + `},
  "layers": [{"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip", "digest": "` + string(layerDigest) + `", "size": ` + strconv.Itoa(len(layer)) + `}]
}`)
	manifestDigest := imgdigest.FromBytes(manifestJSON)

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/src/img/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.v2+json")
		w.Write(manifestJSON)
	})
	mux.HandleFunc("/v2/dst/img/manifests/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Docker-Content-Digest", string(manifestDigest))
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/v2/src/img/blobs/"+string(configDigest), func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Docker-Content-Digest", string(configDigest))
		w.Write(config)
	})
	mux.HandleFunc("/v2/src/img/blobs/"+string(layerDigest), func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Docker-Content-Digest", string(layerDigest))
		w.Write(layer)
	})
	mux.HandleFunc("/v2/dst/img/blobs/"+string(configDigest), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/v2/dst/img/blobs/"+string(layerDigest), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/v2/dst/img/blobs/uploads/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/v2/dst/img/blobs/uploads/session1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/v2/dst/img/blobs/uploads/session1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	srv := httptest.NewServer(mux)
	return srv, configDigest, layerDigest
}

func TestClientPullThenPushRoundTrip(t *testing.T) {
	srv, configDigest, layerDigest := fixtureRegistry(t)
	defer srv.Close()
	host := srv.Listener.Addr().String()

	client, err := New(t.TempDir(), WithPlainHTTP())
	require.NoError(t, err)

	entry, err := client.Pull(context.Background(), host+"/src/img:latest", false)
	require.NoError(t, err)
	require.Contains(t, entry.Blobs, string(configDigest))
	require.Contains(t, entry.Blobs, string(layerDigest))

	require.NoError(t, client.Push(context.Background(), "src/img", "latest", host+"/dst/img:latest", false))
}

func TestClientListAndClean(t *testing.T) {
	srv, _, _ := fixtureRegistry(t)
	defer srv.Close()
	host := srv.Listener.Addr().String()

	client, err := New(t.TempDir(), WithPlainHTTP())
	require.NoError(t, err)

	_, err = client.Pull(context.Background(), host+"/src/img:latest", false)
	require.NoError(t, err)

	require.Len(t, client.List(), 1)

	removedEntries, _, _, err := client.Clean(func(cache.Entry) bool { return true })
	require.NoError(t, err)
	require.Equal(t, 1, removedEntries)
	require.Empty(t, client.List())
}

func TestCacheRootMatchesConfiguredDir(t *testing.T) {
	dir := t.TempDir()
	client, err := New(dir)
	require.NoError(t, err)
	require.Equal(t, dir, client.CacheRoot())
}
