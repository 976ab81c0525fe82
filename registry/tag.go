package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ListTags returns every tag in repository, following the Link header
// for pagination per spec §4.E list_tags.
func (c *Client) ListTags(ctx context.Context, repository string) ([]string, error) {
	var all []string
	next := c.baseURL(repository) + "/tags/list"

	for next != "" {
		page, link, err := c.listTagsPage(ctx, next)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		next = link
	}
	return all, nil
}

type tagListResponse struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

func (c *Client) listTagsPage(ctx context.Context, pageURL string) ([]string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("registry: list tags: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", statusError("list_tags", resp.StatusCode, body)
	}

	var page tagListResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, "", fmt.Errorf("registry: decode tag list: %w", err)
	}

	next := parseLinkHeader(resp.Header.Get("Link"))
	if next != "" {
		if u, err := resp.Request.URL.Parse(next); err == nil {
			next = u.String()
		}
	}
	return page.Tags, next, nil
}

// parseLinkHeader extracts the URL from a Link header of the form
// `</v2/repo/tags/list?n=100&last=x>; rel="next"`, returning "" if absent.
func parseLinkHeader(header string) string {
	if header == "" {
		return ""
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if !strings.Contains(part, `rel="next"`) {
			continue
		}
		start := strings.Index(part, "<")
		end := strings.Index(part, ">")
		if start < 0 || end < 0 || end <= start {
			continue
		}
		return part[start+1 : end]
	}
	return ""
}
