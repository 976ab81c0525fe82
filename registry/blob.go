package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	imgdigest "github.com/imgxfer/imgxfer/digest"
)

// HeadBlob checks whether digest is already present in repository, per
// spec §4.E head_blob.
func (c *Client) HeadBlob(ctx context.Context, repository string, digest imgdigest.Digest) (bool, error) {
	url := c.baseURL(repository) + "/blobs/" + string(digest)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("registry: head blob %s: %w", digest, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError("head_blob", resp.StatusCode, nil)
	}
}

// PullBlob streams the blob content for digest into sink. On a resumable
// failure it retries, up to maxAttempts in total, with a Range request
// starting at the number of bytes already written to sink rather than
// restarting from zero; if the server answers such a request with a plain
// 200, the already-received prefix of the body is skipped.
func (c *Client) PullBlob(ctx context.Context, repository string, digest imgdigest.Digest, sink io.Writer) error {
	var offset int64
	for attempt := 0; ; attempt++ {
		n, err := c.pullBlobFrom(ctx, repository, digest, sink, offset)
		offset += n
		if err == nil {
			return nil
		}
		if !isResumable(err) || attempt >= c.maxAttempts-1 {
			return err
		}
		c.log().Warn("pull_blob resuming after error", "repository", repository, "digest", digest, "offset", offset, "err", err)

		delay := retryDelay(attempt, rand.Float64)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) pullBlobFrom(ctx context.Context, repository string, digest imgdigest.Digest, sink io.Writer, offset int64) (int64, error) {
	reqURL := c.baseURL(repository) + "/blobs/" + string(digest)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("registry: pull blob %s: %w", digest, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, statusError("pull_blob", resp.StatusCode, body)
	}

	// A plain 200 to a ranged request means the server ignored Range and
	// is resending from the start; skip the bytes the sink already has.
	if offset > 0 && resp.StatusCode == http.StatusOK {
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
			return 0, err
		}
	}

	n, copyErr := io.Copy(sink, resp.Body)
	return n, copyErr
}

// isResumable reports whether err represents a transient stream failure
// worth retrying with a Range-based resume, as opposed to a terminal
// protocol error.
func isResumable(err error) bool {
	if err == nil {
		return false
	}
	var oe *opError
	if errors.As(err, &oe) {
		return errors.Is(oe.err, ErrUnexpected) || errors.Is(oe.err, ErrRangeRejected)
	}
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrUnauthorized) && !errors.Is(err, ErrForbidden)
}

// uploadSession tracks progress of a chunked blob upload.
type uploadSession struct {
	location string // absolute upload URL
	offset   int64
}

// PushBlob uploads the content read from src (exactly size bytes) as
// digest, implementing the init/PATCH/PUT chunked state machine of
// spec §4.E. Callers should call HeadBlob first; PushBlob does not skip
// existing blobs itself.
func (c *Client) PushBlob(ctx context.Context, repository string, digest imgdigest.Digest, size int64, src io.Reader) error {
	if size <= c.smallBlobThreshold {
		if err := c.pushBlobMonolithic(ctx, repository, digest, size, src); err == nil {
			return nil
		} else if !errors.Is(err, ErrUploadExpired) {
			// Any monolithic failure other than an expired upload is
			// returned as is; only ErrUploadExpired falls through to the
			// chunked path below.
			return err
		}
	}

	sess, err := c.startUpload(ctx, repository)
	if err != nil {
		return err
	}
	if err := c.patchAllChunks(ctx, sess, size, src); err != nil {
		return err
	}
	return c.finalizeUpload(ctx, sess, digest)
}

// patchAllChunks drives the chunked PATCH loop, splitting src into
// c.chunkSize pieces and re-synchronizing sess.offset from each
// response, per spec §4.E step 3.
func (c *Client) patchAllChunks(ctx context.Context, sess *uploadSession, size int64, src io.Reader) error {
	remaining := size
	for remaining > 0 {
		chunkLen := c.chunkSize
		if chunkLen > remaining {
			chunkLen = remaining
		}
		chunk := io.LimitReader(src, chunkLen)
		if err := c.PatchChunk(ctx, sess, chunk, chunkLen); err != nil {
			return err
		}
		remaining -= chunkLen
	}
	return nil
}

func (c *Client) pushBlobMonolithic(ctx context.Context, repository string, digest imgdigest.Digest, size int64, src io.Reader) error {
	reqURL := c.baseURL(repository) + "/blobs/uploads/?digest=" + url.QueryEscape(string(digest))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, src)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = size

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("registry: push blob monolithic %s: %w", digest, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return c.verifyUploadedDigest(resp, digest)
	case http.StatusAccepted:
		// Server started a session instead of accepting the monolithic
		// form; treat it as an already-open upload and finish via PUT.
		sess, err := sessionFromResponse(resp)
		if err != nil {
			return err
		}
		return c.finalizeUpload(ctx, sess, digest)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusBadRequest && bytesContain(body, "BLOB_UPLOAD_UNKNOWN") {
			return ErrUploadExpired
		}
		return statusError("push_blob", resp.StatusCode, body)
	}
}

// MountBlob attempts to cross-mount digest from fromRepository into
// repository without transferring any bytes, per the "Before step 1" hint
// in the blob-push protocol: if the registry already holds this blob under
// a sibling repository on the same host, it can link it into the target
// repository directly. It reports whether the mount succeeded; when it did
// not (registry declined and opened a normal upload session instead), the
// caller falls back to PushBlob.
func (c *Client) MountBlob(ctx context.Context, repository, fromRepository string, digest imgdigest.Digest) (bool, error) {
	reqURL := c.baseURL(repository) + "/blobs/uploads/?mount=" + url.QueryEscape(string(digest)) + "&from=" + url.QueryEscape(fromRepository)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.ContentLength = 0

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("registry: mount blob %s: %w", digest, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return true, nil
	case http.StatusAccepted:
		// Registry opened an upload session instead of mounting; the
		// session is discarded here and the caller retries with a normal
		// PushBlob, per spec §4.E's mount hint being opportunistic only.
		return false, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, statusError("mount_blob", resp.StatusCode, body)
	}
}

func (c *Client) startUpload(ctx context.Context, repository string) (*uploadSession, error) {
	reqURL := c.baseURL(repository) + "/blobs/uploads/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.ContentLength = 0

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: start upload for %s: %w", repository, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError("push_blob:init", resp.StatusCode, body)
	}
	return sessionFromResponse(resp)
}

func sessionFromResponse(resp *http.Response) (*uploadSession, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, fmt.Errorf("registry: %w: response missing Location", ErrUnexpected)
	}
	if u, err := resp.Request.URL.Parse(loc); err == nil {
		loc = u.String()
	}
	return &uploadSession{location: loc}, nil
}

// PatchChunk uploads the next chunk of an in-progress session. On success
// it re-synchronizes sess.offset from the server's Range response header,
// since the server may coalesce or reject the client's assumed offset.
// On 416, it restarts sess.offset from the server-reported range.
func (c *Client) PatchChunk(ctx context.Context, sess *uploadSession, chunk io.Reader, chunkLen int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, sess.location, chunk)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("%d-%d", sess.offset, sess.offset+chunkLen-1))
	req.ContentLength = chunkLen

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("registry: patch chunk: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		if loc := resp.Header.Get("Location"); loc != "" {
			if u, err := resp.Request.URL.Parse(loc); err == nil {
				sess.location = u.String()
			}
		}
		sess.offset = nextOffset(resp.Header.Get("Range"), sess.offset+chunkLen)
		return nil
	case http.StatusRequestedRangeNotSatisfiable:
		sess.offset = nextOffset(resp.Header.Get("Range"), sess.offset)
		return ErrRangeRejected
	case http.StatusBadRequest:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if bytesContain(body, "BLOB_UPLOAD_UNKNOWN") {
			return ErrUploadExpired
		}
		return statusError("push_blob:patch", resp.StatusCode, body)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError("push_blob:patch", resp.StatusCode, body)
	}
}

// nextOffset parses a "0-N" Range response header into the byte offset to
// resume from (N+1), falling back to assumed if the header is absent or
// malformed.
func nextOffset(rangeHeader string, assumed int64) int64 {
	if rangeHeader == "" {
		return assumed
	}
	parts := strings.SplitN(rangeHeader, "-", 2)
	if len(parts) != 2 {
		return assumed
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return assumed
	}
	return end + 1
}

func (c *Client) finalizeUpload(ctx context.Context, sess *uploadSession, digest imgdigest.Digest) error {
	finalURL := sess.location
	if strings.Contains(finalURL, "?") {
		finalURL += "&digest=" + url.QueryEscape(string(digest))
	} else {
		finalURL += "?digest=" + url.QueryEscape(string(digest))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, finalURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.ContentLength = 0

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("registry: finalize upload %s: %w", digest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusBadRequest && bytesContain(body, "BLOB_UPLOAD_UNKNOWN") {
			return ErrUploadExpired
		}
		return statusError("push_blob:finalize", resp.StatusCode, body)
	}
	return c.verifyUploadedDigest(resp, digest)
}

func (c *Client) verifyUploadedDigest(resp *http.Response, want imgdigest.Digest) error {
	got := resp.Header.Get("Docker-Content-Digest")
	if got != "" && got != string(want) {
		return fmt.Errorf("registry: %w: server reported %s, expected %s", imgdigest.ErrDigestMismatch, got, want)
	}
	return nil
}

func bytesContain(b []byte, s string) bool {
	return strings.Contains(string(b), s)
}
