// Command imgxfer is the command-line front end for the container image
// transfer engine: pull, extract, push, list, and clean against a local
// content-addressable cache and OCI/Docker registries.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/imgxfer/imgxfer"
	"github.com/imgxfer/imgxfer/cache"
	"github.com/imgxfer/imgxfer/events"
	"github.com/imgxfer/imgxfer/registry"
	"github.com/imgxfer/imgxfer/xferrors"
)

// Exit codes, spec §6.
const (
	exitOK             = 0
	exitUsage          = 1
	exitAuth           = 2
	exitNetwork        = 3
	exitIntegrity      = 4
	exitCacheCorrupt   = 5
	exitManifestReject = 6
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "pull":
		return runPull(rest)
	case "extract":
		return runExtract(rest)
	case "push":
		return runPush(rest)
	case "list":
		return runList(rest)
	case "clean":
		return runClean(rest)
	case "-h", "--help", "help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "imgxfer: unknown command %q\n", sub)
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: imgxfer <command> [flags]

commands:
  pull      pull an image reference into the local cache
  extract   stage every image in a Docker-save tar archive into the cache
  push      push a cached image to a registry (tar archives are not read directly)
  list      list cache entries
  clean     remove cache entries matching a filter

Run "imgxfer <command> -h" for command-specific flags.
`)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func defaultCacheDir() string {
	if v := os.Getenv("IMGXFER_CACHE_DIR"); v != "" {
		return v
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".imgxfer-cache"
	}
	return dir + "/imgxfer"
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func exitCodeForErr(err error) int {
	if err == nil {
		return exitOK
	}
	switch {
	case errors.Is(err, xferrors.ErrAuth), errors.Is(err, registry.ErrUnauthorized), errors.Is(err, registry.ErrForbidden):
		return exitAuth
	case errors.Is(err, xferrors.ErrIntegrity):
		return exitIntegrity
	case errors.Is(err, xferrors.ErrCacheIO), errors.Is(err, xferrors.ErrArchiveFormat):
		return exitCacheCorrupt
	case errors.Is(err, registry.ErrManifestBad):
		return exitManifestReject
	case errors.Is(err, xferrors.ErrNetwork), errors.Is(err, xferrors.ErrProtocol), errors.Is(err, xferrors.ErrCancelled):
		return exitNetwork
	default:
		return exitNetwork
	}
}

func printEvents(bus *events.Bus, verbose bool) func() {
	sub := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.Events() {
			printEvent(ev, verbose)
		}
	}()
	return func() {
		bus.Unsubscribe(sub)
		<-done
	}
}

func printEvent(ev events.Event, verbose bool) {
	switch ev.Kind {
	case events.KindTaskStarted:
		if verbose {
			fmt.Fprintf(os.Stderr, "start  %s %s\n", ev.Operation, ev.Digest)
		}
	case events.KindTaskProgress:
		if verbose && ev.BytesTotal > 0 {
			fmt.Fprintf(os.Stderr, "\r%-12s %s %d/%d bytes", ev.Operation, shortDigest(ev.Digest), ev.BytesDone, ev.BytesTotal)
		}
	case events.KindTaskCompleted:
		fmt.Fprintf(os.Stderr, "done   %s %s\n", ev.Operation, shortDigest(ev.Digest))
	case events.KindTaskFailed:
		fmt.Fprintf(os.Stderr, "failed %s %s: %v\n", ev.Operation, shortDigest(ev.Digest), ev.Err)
	case events.KindRetryScheduled:
		fmt.Fprintf(os.Stderr, "retry  %s attempt=%d delay=%s\n", ev.Repository, ev.Attempt, ev.Delay)
	case events.KindConcurrencyAdjusted:
		if verbose {
			fmt.Fprintf(os.Stderr, "concurrency %d -> %d (%s)\n", ev.OldCap, ev.NewCap, ev.Reason)
		}
	case events.KindPipelineCompleted:
		fmt.Fprintf(os.Stderr, "pipeline complete: %s\n", ev.Repository)
	}
}

func shortDigest(d string) string {
	if len(d) > 19 {
		return d[:19]
	}
	return d
}

func runPull(args []string) int {
	fs := flag.NewFlagSet("pull", flag.ContinueOnError)
	cacheDir := fs.String("cache-dir", defaultCacheDir(), "local cache directory")
	registryOverride := fs.String("registry", "", "override the registry host in the reference")
	username := fs.String("username", "", "registry username")
	password := fs.String("password", "", "registry password")
	skipTLS := fs.Bool("skip-tls", false, "use plain HTTP instead of TLS")
	maxConcurrent := fs.Int("max-concurrent", 0, "cap concurrent blob transfers (0 = automatic)")
	retryAttempts := fs.Int("retry-attempts", 3, "maximum attempts for a resumed blob download (pipeline task retries are not affected)")
	timeout := fs.Duration("timeout", 2*time.Hour, "timeout for the whole pull (not applied per request)")
	force := fs.Bool("force", false, "re-download blobs already present in the local cache")
	verbose := fs.Bool("verbose", false, "print progress events")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "pull: exactly one image reference is required")
		return exitUsage
	}
	ref := fs.Arg(0)
	if *registryOverride != "" {
		if host := hostFromRef(ref); strings.HasPrefix(ref, host+"/") {
			ref = strings.TrimPrefix(ref, host+"/")
		}
		ref = *registryOverride + "/" + ref
	}

	opts := []imgxfer.Option{
		imgxfer.WithLogger(newLogger(*verbose)),
		imgxfer.WithRetryAttempts(*retryAttempts),
	}
	if *skipTLS {
		opts = append(opts, imgxfer.WithPlainHTTP())
	}
	if *maxConcurrent > 0 {
		opts = append(opts, imgxfer.WithMaxConcurrent(*maxConcurrent))
	}
	if u, p := credentialPair(*username, *password); u != "" || p != "" {
		host := *registryOverride
		if host == "" {
			host = hostFromRef(ref)
		}
		opts = append(opts, imgxfer.WithStaticCredentials(host, u, p))
	}

	client, err := imgxfer.New(*cacheDir, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pull: %v\n", err)
		return exitCodeForErr(err)
	}
	stop := printEvents(client.Events(), *verbose)
	defer stop()

	ctx, cancel := newSignalContext()
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, *timeout)
	defer timeoutCancel()

	entry, err := client.Pull(ctx, ref, *force)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pull: %v\n", err)
		return exitCodeForErr(err)
	}
	fmt.Printf("pulled %s@%s (%d blobs, %d bytes)\n", entry.Repository, entry.ManifestDigest, len(entry.Blobs), entry.TotalSize())
	return exitOK
}

func credentialPair(username, password string) (string, string) {
	if username == "" {
		username = os.Getenv("IMGXFER_USERNAME")
	}
	if password == "" {
		password = os.Getenv("IMGXFER_PASSWORD")
	}
	return username, password
}

func hostFromRef(ref string) string {
	if i := strings.IndexByte(ref, '/'); i >= 0 && strings.ContainsAny(ref[:i], ".:") {
		return ref[:i]
	}
	return "registry-1.docker.io"
}

func runExtract(args []string) int {
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	cacheDir := fs.String("cache-dir", defaultCacheDir(), "local cache directory")
	verbose := fs.Bool("verbose", false, "print progress events")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "extract: exactly one tar file path is required")
		return exitUsage
	}

	client, err := imgxfer.New(*cacheDir, imgxfer.WithLogger(newLogger(*verbose)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "extract: %v\n", err)
		return exitCodeForErr(err)
	}
	stop := printEvents(client.Events(), *verbose)
	defer stop()

	ctx, cancel := newSignalContext()
	defer cancel()

	entries, err := client.Extract(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "extract: %v\n", err)
		return exitCodeForErr(err)
	}
	for _, e := range entries {
		fmt.Printf("staged %s:%s (%d blobs, %d bytes)\n", e.Repository, e.Reference, len(e.Blobs), e.TotalSize())
	}
	return exitOK
}

func runPush(args []string) int {
	fs := flag.NewFlagSet("push", flag.ContinueOnError)
	cacheDir := fs.String("cache-dir", defaultCacheDir(), "local cache directory")
	sourceRepo := fs.String("source-repo", "", "cache repository key to push from")
	sourceRef := fs.String("source-reference", "latest", "cache reference key to push from")
	username := fs.String("username", "", "registry username")
	password := fs.String("password", "", "registry password")
	skipTLS := fs.Bool("skip-tls", false, "use plain HTTP instead of TLS")
	maxConcurrent := fs.Int("max-concurrent", 0, "cap concurrent blob transfers (0 = automatic)")
	retryAttempts := fs.Int("retry-attempts", 3, "maximum attempts for a resumed blob download (uploads and pipeline task retries are not affected)")
	force := fs.Bool("force-upload", false, "re-upload blobs already present on the remote")
	dryRun := fs.Bool("dry-run", false, "resolve the push plan without transferring anything")
	verbose := fs.Bool("verbose", false, "print progress events")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 || *sourceRepo == "" {
		fmt.Fprintln(os.Stderr, "push: -source-repo and exactly one target reference are required")
		return exitUsage
	}
	target := fs.Arg(0)

	opts := []imgxfer.Option{
		imgxfer.WithLogger(newLogger(*verbose)),
		imgxfer.WithRetryAttempts(*retryAttempts),
	}
	if *skipTLS {
		opts = append(opts, imgxfer.WithPlainHTTP())
	}
	if *maxConcurrent > 0 {
		opts = append(opts, imgxfer.WithMaxConcurrent(*maxConcurrent))
	}
	if u, p := credentialPair(*username, *password); u != "" || p != "" {
		opts = append(opts, imgxfer.WithStaticCredentials(hostFromRef(target), u, p))
	}

	client, err := imgxfer.New(*cacheDir, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "push: %v\n", err)
		return exitCodeForErr(err)
	}

	if *dryRun {
		entries := client.List()
		for _, e := range entries {
			if e.Repository == *sourceRepo && e.Reference == *sourceRef {
				fmt.Printf("would push %s:%s -> %s (%d blobs, %d bytes)\n", e.Repository, e.Reference, target, len(e.Blobs), e.TotalSize())
				return exitOK
			}
		}
		fmt.Fprintf(os.Stderr, "push: no cache entry for %s:%s\n", *sourceRepo, *sourceRef)
		return exitUsage
	}

	stop := printEvents(client.Events(), *verbose)
	defer stop()

	ctx, cancel := newSignalContext()
	defer cancel()

	if err := client.Push(ctx, *sourceRepo, *sourceRef, target, *force); err != nil {
		fmt.Fprintf(os.Stderr, "push: %v\n", err)
		return exitCodeForErr(err)
	}
	fmt.Printf("pushed %s:%s -> %s\n", *sourceRepo, *sourceRef, target)
	return exitOK
}

func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	cacheDir := fs.String("cache-dir", defaultCacheDir(), "local cache directory")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	client, err := imgxfer.New(*cacheDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list: %v\n", err)
		return exitCodeForErr(err)
	}
	for _, e := range client.List() {
		fmt.Printf("%-40s %-16s %-72s %8d bytes\n", e.Repository, e.Reference, e.ManifestDigest, e.TotalSize())
	}
	return exitOK
}

func runClean(args []string) int {
	fs := flag.NewFlagSet("clean", flag.ContinueOnError)
	cacheDir := fs.String("cache-dir", defaultCacheDir(), "local cache directory")
	repoFilter := fs.String("repository", "", "only remove entries in this repository")
	all := fs.Bool("all", false, "remove every cache entry")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if !*all && *repoFilter == "" {
		fmt.Fprintln(os.Stderr, "clean: one of -all or -repository is required")
		return exitUsage
	}

	client, err := imgxfer.New(*cacheDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clean: %v\n", err)
		return exitCodeForErr(err)
	}

	predicate := func(e cache.Entry) bool {
		if *all {
			return true
		}
		return e.Repository == *repoFilter
	}
	removedEntries, removedBlobs, freedBytes, err := client.Clean(predicate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clean: %v\n", err)
		return exitCodeForErr(err)
	}
	fmt.Printf("removed %d entries, %d blobs, freed %d bytes\n", removedEntries, removedBlobs, freedBytes)
	return exitOK
}
