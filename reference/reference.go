// Package reference parses image reference strings of the form
// "[registry/]repository[:tag|@digest]" per spec §3's ImageReference.
package reference

import (
	"strings"

	"github.com/imgxfer/imgxfer/xferrors"
)

// DefaultRegistry is used when a reference has no explicit registry host.
const DefaultRegistry = "registry-1.docker.io"

// officialNamespace is prepended to single-segment repository names that
// have no explicit namespace, matching Docker Hub's "library/" convention.
const officialNamespace = "library"

// Reference identifies a manifest within a repository on a registry.
type Reference struct {
	// Registry is the registry host, e.g. "registry-1.docker.io" or
	// "localhost:5000".
	Registry string
	// Repository is the repository path, e.g. "library/alpine".
	Repository string
	// Reference is a tag (e.g. "3.18") or a digest (e.g.
	// "sha256:abcd...").
	Reference string
}

// IsDigest reports whether the reference component is a content digest
// rather than a tag.
func (r Reference) IsDigest() bool {
	return strings.HasPrefix(r.Reference, "sha256:")
}

// String reassembles the parsed components into a reference string.
func (r Reference) String() string {
	sep := ":"
	if r.IsDigest() {
		sep = "@"
	}
	if r.Reference == "" {
		return r.Registry + "/" + r.Repository
	}
	return r.Registry + "/" + r.Repository + sep + r.Reference
}

// Parse parses an image reference string, defaulting the registry to
// DefaultRegistry and prepending the official namespace to single-segment
// repository names, per spec §3.
//
// Recognized forms:
//
//	registry.example.com/ns/name:tag
//	name:tag                            -> registry-1.docker.io/library/name:tag
//	ns/name:tag                         -> registry-1.docker.io/ns/name:tag
//	name@sha256:...
func Parse(s string) (Reference, error) {
	if s == "" {
		return Reference{}, xferrors.New(xferrors.ErrConfig, xferrors.Context{Operation: "reference.Parse"}, "empty reference")
	}

	registryHost, rest := splitRegistry(s)

	repoPart, ref, err := splitReference(rest)
	if err != nil {
		return Reference{}, err
	}
	if repoPart == "" {
		return Reference{}, xferrors.New(xferrors.ErrConfig, xferrors.Context{Operation: "reference.Parse"}, "missing repository in %q", s)
	}

	if registryHost == "" {
		registryHost = DefaultRegistry
		if !strings.Contains(repoPart, "/") {
			repoPart = officialNamespace + "/" + repoPart
		}
	}

	return Reference{Registry: registryHost, Repository: repoPart, Reference: ref}, nil
}

// splitRegistry separates a leading registry host from the rest of the
// reference. A leading segment is treated as a registry host if it
// contains a "." or ":" or is literally "localhost"; otherwise there is no
// explicit registry and the whole string is the repository[:reference].
func splitRegistry(s string) (host, rest string) {
	firstSlash := strings.Index(s, "/")
	if firstSlash < 0 {
		return "", s
	}
	first := s[:firstSlash]
	if first == "localhost" || strings.ContainsAny(first, ".:") {
		return first, s[firstSlash+1:]
	}
	return "", s
}

// splitReference splits "repository[:tag]" or "repository@digest" into its
// repository and reference parts. A bare repository with no tag or digest
// returns an empty reference string.
func splitReference(s string) (repository, ref string, err error) {
	if idx := strings.LastIndex(s, "@"); idx >= 0 {
		return s[:idx], s[idx+1:], nil
	}
	// A colon after the last slash separates repository:tag; a colon
	// before it is a registry port already consumed by splitRegistry.
	lastSlash := strings.LastIndex(s, "/")
	tail := s[lastSlash+1:]
	if idx := strings.LastIndex(tail, ":"); idx >= 0 {
		return s[:lastSlash+1+idx], tail[idx+1:], nil
	}
	return s, "", nil
}
