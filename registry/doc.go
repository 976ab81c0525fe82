// Package registry implements the registry client component of the
// transfer engine (spec §4.E): manifest and blob transport against any
// OCI Distribution Spec v1.1 / Docker Registry HTTP API v2 registry.
package registry
