//go:build integration

// Package integration provides integration tests for the image transfer
// engine against a real OCI registry, started with testcontainers.
//
// Run with: go test -tags=integration ./integration/...
package integration

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/imgxfer/imgxfer"
)

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

// getRegistry returns the shared registry address, starting the container
// on first use. The container is shared across tests in this package.
func getRegistry(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	registryOnce.Do(func() {
		registryAddr, registryErr = startRegistryContainer(context.Background())
	})
	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}
	return registryAddr
}

func startRegistryContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		WaitingFor:   wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start registry container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve registry port: %w", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// newTestClient builds a Client backed by a fresh temp cache dir, talking
// plain HTTP to the local test registry.
func newTestClient(tb testing.TB, opts ...imgxfer.Option) *imgxfer.Client {
	tb.Helper()
	allOpts := append([]imgxfer.Option{imgxfer.WithPlainHTTP()}, opts...)
	client, err := imgxfer.New(tb.TempDir(), allOpts...)
	require.NoError(tb, err, "create test client")
	return client
}

// testRef generates a unique image reference against the test registry.
func testRef(registryAddr, testName string) string {
	return fmt.Sprintf("%s/test/%s:latest", registryAddr, testName)
}

// dockerManifestEntry mirrors the top-level manifest.json entry format
// written by `docker save`, matching archive.Open's expectations.
type dockerManifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// buildTestTar writes a minimal single-layer docker-save tar archive to a
// temp file and returns its path, for exercising Extract against a
// well-formed archive without a real docker daemon.
func buildTestTar(tb testing.TB, repoTag string, config, layer []byte) string {
	tb.Helper()
	dir := tb.TempDir()
	tarPath := filepath.Join(dir, "image.tar")
	f, err := os.Create(tarPath)
	require.NoError(tb, err)
	defer f.Close()

	tw := tar.NewWriter(f)
	manifest := []dockerManifestEntry{{
		Config:   "config.json",
		RepoTags: []string{repoTag},
		Layers:   []string{"layer1/layer.tar"},
	}}
	manifestJSON, err := json.Marshal(manifest)
	require.NoError(tb, err)

	files := map[string][]byte{
		"config.json":     config,
		"layer1/layer.tar": layer,
		"manifest.json":   manifestJSON,
	}
	for name, content := range files {
		require.NoError(tb, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write(content)
		require.NoError(tb, err)
	}
	require.NoError(tb, tw.Close())
	return tarPath
}
