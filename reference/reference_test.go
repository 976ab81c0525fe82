package reference

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFullyQualified(t *testing.T) {
	r, err := Parse("registry.example.com/ns/name:tag")
	require.NoError(t, err)
	require.Equal(t, "registry.example.com", r.Registry)
	require.Equal(t, "ns/name", r.Repository)
	require.Equal(t, "tag", r.Reference)
	require.False(t, r.IsDigest())
}

func TestParseDockerHubOfficial(t *testing.T) {
	r, err := Parse("alpine:3.18")
	require.NoError(t, err)
	require.Equal(t, DefaultRegistry, r.Registry)
	require.Equal(t, "library/alpine", r.Repository)
	require.Equal(t, "3.18", r.Reference)
}

func TestParseDockerHubNamespaced(t *testing.T) {
	r, err := Parse("myorg/myimage:latest")
	require.NoError(t, err)
	require.Equal(t, DefaultRegistry, r.Registry)
	require.Equal(t, "myorg/myimage", r.Repository)
	require.Equal(t, "latest", r.Reference)
}

func TestParseDigestReference(t *testing.T) {
	r, err := Parse("name@sha256:" + fakeHex())
	require.NoError(t, err)
	require.Equal(t, "library/name", r.Repository)
	require.True(t, r.IsDigest())
}

func TestParseLocalhostWithPort(t *testing.T) {
	r, err := Parse("localhost:5000/myimage:v1")
	require.NoError(t, err)
	require.Equal(t, "localhost:5000", r.Registry)
	require.Equal(t, "myimage", r.Repository)
	require.Equal(t, "v1", r.Reference)
}

func TestParseNoTagDefaultsEmptyReference(t *testing.T) {
	r, err := Parse("alpine")
	require.NoError(t, err)
	require.Equal(t, "library/alpine", r.Repository)
	require.Empty(t, r.Reference)
}

func TestParseEmptyIsError(t *testing.T) {
	_, err := Parse("")
	require.Error(t, err)
}

func fakeHex() string {
	return "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b982"
}
