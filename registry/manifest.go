package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	imgdigest "github.com/imgxfer/imgxfer/digest"
	"github.com/imgxfer/imgxfer/manifest"
)

// PullManifest fetches the manifest for reference (a tag or digest) and
// returns its raw bytes, the server's Content-Type, and its digest. If
// the result is a multi-arch index, resolver selects a child descriptor
// and the operation recurses using that digest.
func (c *Client) PullManifest(ctx context.Context, repository, reference string, resolver manifest.Resolver, platform manifest.Platform) (*manifest.Manifest, error) {
	raw, contentType, err := c.getManifest(ctx, repository, reference)
	if err != nil {
		return nil, err
	}

	m, err := manifest.Parse(raw, contentType)
	if err != nil {
		return nil, err
	}

	if !m.IsIndex() {
		return m, nil
	}

	if resolver == nil {
		resolver = manifest.DefaultResolver{}
	}
	child, err := resolver.Resolve(m.Children(), platform)
	if err != nil {
		return nil, fmt.Errorf("registry: resolve platform manifest: %w", err)
	}
	return c.PullManifest(ctx, repository, child.Digest.String(), resolver, platform)
}

func (c *Client) getManifest(ctx context.Context, repository, reference string) ([]byte, string, error) {
	url := c.baseURL(repository) + "/manifests/" + reference
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", strings.Join(manifest.AcceptHeader, ", "))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("registry: get manifest %s/%s: %w", repository, reference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", statusError("pull_manifest", resp.StatusCode, body)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("registry: read manifest body: %w", err)
	}
	return raw, resp.Header.Get("Content-Type"), nil
}

// PushManifest uploads raw manifest bytes under reference (a tag or
// digest) and returns the digest the registry recorded via
// Docker-Content-Digest, if present, otherwise the client-computed one.
func (c *Client) PushManifest(ctx context.Context, repository, reference string, raw []byte, mediaType string) (string, error) {
	url := c.baseURL(repository) + "/manifests/" + reference
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, strings.NewReader(string(raw)))
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", mediaType)
	req.ContentLength = int64(len(raw))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("registry: push manifest %s/%s: %w", repository, reference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", statusError("push_manifest", resp.StatusCode, body)
	}

	if d := resp.Header.Get("Docker-Content-Digest"); d != "" {
		return d, nil
	}
	return string(imgdigest.FromBytes(raw)), nil
}
