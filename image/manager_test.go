package image

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imgxfer/imgxfer/cache"
	imgdigest "github.com/imgxfer/imgxfer/digest"
	"github.com/imgxfer/imgxfer/events"
	"github.com/imgxfer/imgxfer/reference"
	"github.com/imgxfer/imgxfer/registry"
)

// registryFixture serves a single-layer v2-manifest image over plain HTTP,
// for exercising PullAndCache and PushFromCache without a real registry.
func registryFixture(t *testing.T) (*httptest.Server, []byte, imgdigest.Digest, imgdigest.Digest, []byte) {
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

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/ns/img/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.v2+json")
		w.Write(manifestJSON)
	})
	mux.HandleFunc("/v2/ns/img/manifests/"+string(imgdigest.FromBytes(manifestJSON)), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Docker-Content-Digest", string(imgdigest.FromBytes(manifestJSON)))
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/v2/ns/img/blobs/"+string(configDigest), func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Docker-Content-Digest", string(configDigest))
		w.Write(config)
	})
	mux.HandleFunc("/v2/ns/img/blobs/"+string(layerDigest), func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Docker-Content-Digest", string(layerDigest))
		w.Write(layer)
	})

	srv := httptest.NewServer(mux)
	return srv, config, configDigest, layerDigest, manifestJSON
}


func TestPullAndCacheStagesBlobsAndCommitsEntry(t *testing.T) {
	srv, _, configDigest, layerDigest, _ := registryFixture(t)
	defer srv.Close()

	store, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	bus := events.New()

	host := srv.Listener.Addr().String()
	mgr := New(store, func(string) *registry.Client {
		return registry.New(host, registry.WithPlainHTTP())
	}, bus)

	ref := reference.Reference{Registry: host, Repository: "ns/img", Reference: "latest"}
	entry, err := mgr.PullAndCache(context.Background(), ref, PullOptions{})
	require.NoError(t, err)
	require.Contains(t, entry.Blobs, string(configDigest))
	require.Contains(t, entry.Blobs, string(layerDigest))
	require.True(t, store.HasBlob(configDigest))
	require.True(t, store.HasBlob(layerDigest))
}

func TestListReturnsCommittedEntries(t *testing.T) {
	srv, _, _, _, _ := registryFixture(t)
	defer srv.Close()

	store, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	bus := events.New()
	host := srv.Listener.Addr().String()
	mgr := New(store, func(string) *registry.Client {
		return registry.New(host, registry.WithPlainHTTP())
	}, bus)

	ref := reference.Reference{Registry: host, Repository: "ns/img", Reference: "latest"}
	_, err = mgr.PullAndCache(context.Background(), ref, PullOptions{})
	require.NoError(t, err)

	entries := mgr.List()
	require.Len(t, entries, 1)
	require.Equal(t, "ns/img", entries[0].Repository)
}

func TestCleanRemovesMatchingEntriesAndGCsBlobs(t *testing.T) {
	srv, _, configDigest, _, _ := registryFixture(t)
	defer srv.Close()

	store, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	bus := events.New()
	host := srv.Listener.Addr().String()
	mgr := New(store, func(string) *registry.Client {
		return registry.New(host, registry.WithPlainHTTP())
	}, bus)

	ref := reference.Reference{Registry: host, Repository: "ns/img", Reference: "latest"}
	_, err = mgr.PullAndCache(context.Background(), ref, PullOptions{})
	require.NoError(t, err)

	removedEntries, _, _, err := mgr.Clean(func(cache.Entry) bool { return true })
	require.NoError(t, err)
	require.Equal(t, 1, removedEntries)
	require.False(t, store.HasBlob(configDigest))
	require.Empty(t, mgr.List())
}

func TestPushFromCachePushesBlobsThenManifest(t *testing.T) {
	srv, config, configDigest, layerDigest, _ := registryFixture(t)
	defer srv.Close()

	store, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	bus := events.New()
	host := srv.Listener.Addr().String()
	client := registry.New(host, registry.WithPlainHTTP())
	mgr := New(store, func(string) *registry.Client { return client }, bus)

	// Seed the cache directly (as ExtractAndCache would) rather than
	// pulling, to exercise PushFromCache independently.
	require.NoError(t, store.PutBlob(configDigest, int64(len(config)), sliceReaderFor(config)))
	layer := []byte("layer contents")
	require.NoError(t, store.PutBlob(layerDigest, int64(len(layer)), sliceReaderFor(layer)))

	manifestJSON := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.docker.distribution.manifest.v2+json","config":{"mediaType":"application/vnd.docker.container.image.v1+json","digest":"` + string(configDigest) + `","size":` + strconv.Itoa(len(config)) + `},"layers":[]}`)
	require.NoError(t, store.PutManifest("srcrepo", "v1", manifestJSON, configDigest, map[imgdigest.Digest]cache.BlobInfo{
		configDigest: {Size: int64(len(config)), IsConfig: true, MediaType: "application/vnd.docker.container.image.v1+json"},
	}))

	target := reference.Reference{Registry: host, Repository: "ns/img", Reference: "latest"}
	err = mgr.PushFromCache(context.Background(), "srcrepo", "v1", target, PushOptions{})
	require.NoError(t, err)
}

func TestPushFromCacheMountsBlobKnownInSiblingRepository(t *testing.T) {
	srv, config, configDigest, layerDigest, _ := registryFixture(t)
	defer srv.Close()

	store, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	bus := events.New()
	host := srv.Listener.Addr().String()
	client := registry.New(host, registry.WithPlainHTTP())
	mgr := New(store, func(string) *registry.Client { return client }, bus)

	ref := reference.Reference{Registry: host, Repository: "ns/img", Reference: "latest"}
	_, err = mgr.PullAndCache(context.Background(), ref, PullOptions{})
	require.NoError(t, err)

	var mountRequests, uploadRequests int
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/ns/other/blobs/uploads/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("mount") != "" {
			mountRequests++
			w.WriteHeader(http.StatusCreated)
			return
		}
		uploadRequests++
		w.Header().Set("Location", "/v2/ns/other/blobs/uploads/session1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/v2/ns/other/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Docker-Content-Digest", string(imgdigest.FromBytes([]byte("x"))))
		w.WriteHeader(http.StatusCreated)
	})
	mountSrv := httptest.NewServer(mux)
	defer mountSrv.Close()
	mountHost := mountSrv.Listener.Addr().String()

	mgr2 := New(store, func(string) *registry.Client {
		return registry.New(mountHost, registry.WithPlainHTTP())
	}, bus)
	// Seed origin knowledge for mountHost as if a prior pull/push already
	// staged these blobs under ns/img on that host.
	mgr2.recordOrigin(mountHost, "ns/img", configDigest)
	mgr2.recordOrigin(mountHost, "ns/img", layerDigest)

	target := reference.Reference{Registry: mountHost, Repository: "ns/other", Reference: "latest"}
	err = mgr2.PushFromCache(context.Background(), "ns/img", "latest", target, PushOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, mountRequests)
	require.Equal(t, 0, uploadRequests)
	_ = config
}

func sliceReaderFor(b []byte) io.Reader { return &sliceReader{b: b} }

type sliceReader struct {
	b []byte
	i int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.i >= len(s.b) {
		return 0, io.EOF
	}
	n := copy(p, s.b[s.i:])
	s.i += n
	return n, nil
}
