package registry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	imgdigest "github.com/imgxfer/imgxfer/digest"
)

func TestHeadBlobExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(hostOf(srv), WithPlainHTTP())
	exists, err := c.HeadBlob(context.Background(), "ns/img", imgdigest.Digest("sha256:aaaa"))
	require.NoError(t, err)
	require.True(t, exists)
}

func TestHeadBlobMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(hostOf(srv), WithPlainHTTP())
	exists, err := c.HeadBlob(context.Background(), "ns/img", imgdigest.Digest("sha256:aaaa"))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestPullBlobStreamsContent(t *testing.T) {
	content := []byte("hello blob content")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	c := New(hostOf(srv), WithPlainHTTP())
	var buf bytes.Buffer
	err := c.PullBlob(context.Background(), "ns/img", imgdigest.Digest("sha256:aaaa"), &buf)
	require.NoError(t, err)
	require.Equal(t, content, buf.Bytes())
}

func TestPushBlobMonolithicSmall(t *testing.T) {
	content := []byte("small blob")
	d := imgdigest.FromBytes(content)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, string(d), r.URL.Query().Get("digest"))
		w.Header().Set("Docker-Content-Digest", string(d))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(hostOf(srv), WithPlainHTTP())
	err := c.PushBlob(context.Background(), "ns/img", d, int64(len(content)), bytes.NewReader(content))
	require.NoError(t, err)
}

func TestPushBlobChunkedFlow(t *testing.T) {
	content := []byte("a big blob that goes through the chunked path")
	d := imgdigest.FromBytes(content)

	var mux *http.ServeMux
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
	}))
	defer srv.Close()

	mux = http.NewServeMux()
	mux.HandleFunc("/v2/ns/img/blobs/uploads/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/v2/ns/img/blobs/uploads/session1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/v2/ns/img/blobs/uploads/session1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			w.Header().Set("Range", "0-"+strings.SplitN(r.Header.Get("Content-Range"), "-", 2)[1])
			w.WriteHeader(http.StatusAccepted)
		case http.MethodPut:
			require.Equal(t, string(d), r.URL.Query().Get("digest"))
			w.Header().Set("Docker-Content-Digest", string(d))
			w.WriteHeader(http.StatusCreated)
		}
	})

	c := New(hostOf(srv), WithPlainHTTP(), WithSmallBlobThreshold(0))
	err := c.PushBlob(context.Background(), "ns/img", d, int64(len(content)), bytes.NewReader(content))
	require.NoError(t, err)
}

func TestNextOffsetParsesRangeHeader(t *testing.T) {
	require.Equal(t, int64(101), nextOffset("0-100", 0))
	require.Equal(t, int64(42), nextOffset("", 42))
	require.Equal(t, int64(42), nextOffset("garbage", 42))
}

func TestMountBlobSucceeds(t *testing.T) {
	d := imgdigest.Digest("sha256:aaaa")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v2/dst/img/blobs/uploads/", r.URL.Path)
		require.Equal(t, string(d), r.URL.Query().Get("mount"))
		require.Equal(t, "src/img", r.URL.Query().Get("from"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(hostOf(srv), WithPlainHTTP())
	mounted, err := c.MountBlob(context.Background(), "dst/img", "src/img", d)
	require.NoError(t, err)
	require.True(t, mounted)
}

func TestMountBlobDeclinedFallsBackToUpload(t *testing.T) {
	d := imgdigest.Digest("sha256:aaaa")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/v2/dst/img/blobs/uploads/session1")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(hostOf(srv), WithPlainHTTP())
	mounted, err := c.MountBlob(context.Background(), "dst/img", "src/img", d)
	require.NoError(t, err)
	require.False(t, mounted)
}

func TestMountBlobErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(hostOf(srv), WithPlainHTTP())
	_, err := c.MountBlob(context.Background(), "dst/img", "src/img", imgdigest.Digest("sha256:aaaa"))
	require.ErrorIs(t, err, ErrForbidden)
}
