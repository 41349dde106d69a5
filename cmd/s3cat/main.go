// Command s3cat streams an object to stdout through a memory mapping.
//
//	s3cat s3://bucket/key > file
//
// By default it talks to AWS S3 using the ambient credential chain. An
// S3-compatible endpoint (MinIO, Ceph) can be selected with
// --minio-endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hupe1980/s3mmap"
	"github.com/hupe1980/s3mmap/fetcher"
	miniofetcher "github.com/hupe1980/s3mmap/fetcher/minio"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/pflag"
)

func main() {
	var (
		workers       int
		retries       int
		maxPages      int64
		noPrefetch    bool
		logLevel      string
		minioEndpoint string
		insecure      bool
	)

	pflag.IntVar(&workers, "workers", 16, "max concurrent page fetches")
	pflag.IntVar(&retries, "retries", 3, "attempts per fetch before a failure counts")
	pflag.Int64Var(&maxPages, "max-loaded-pages", 0, "resident page budget, 0 keeps the default")
	pflag.BoolVar(&noPrefetch, "no-prefetch", false, "disable speculative read-ahead fetches")
	pflag.StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	pflag.StringVar(&minioEndpoint, "minio-endpoint", "", "S3-compatible endpoint, e.g. localhost:9000")
	pflag.BoolVar(&insecure, "insecure", false, "plain HTTP for --minio-endpoint")
	pflag.Parse()

	if pflag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] s3://bucket/key\n", os.Args[0])
		pflag.PrintDefaults()
		os.Exit(2)
	}
	url := pflag.Arg(0)

	if err := run(url, workers, retries, maxPages, noPrefetch, logLevel, minioEndpoint, insecure); err != nil {
		fmt.Fprintf(os.Stderr, "s3cat: %v (%s)\n", err, s3mmap.CodeOf(err))
		os.Exit(1)
	}
}

func run(url string, workers, retries int, maxPages int64, noPrefetch bool, logLevel, minioEndpoint string, insecure bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	opts := []s3mmap.Option{
		s3mmap.WithLogger(s3mmap.NewTextLogger(level)),
		s3mmap.WithWorkers(workers),
		s3mmap.WithMaxRetries(retries),
	}
	if maxPages > 0 {
		opts = append(opts, s3mmap.WithMaxLoadedPages(maxPages))
	}
	if noPrefetch {
		opts = append(opts, s3mmap.WithPrefetchDisabled())
	}

	if minioEndpoint != "" {
		opener, err := minioOpener(minioEndpoint, insecure)
		if err != nil {
			return err
		}
		opts = append(opts, s3mmap.WithOpener(opener))
	}

	start := time.Now()
	m, err := s3mmap.Map(ctx, url, opts...)
	if err != nil {
		return err
	}

	n, err := os.Stdout.Write(m.Bytes())
	if err != nil {
		_ = m.Unmap()
		return fmt.Errorf("write stdout after %d bytes: %w", n, err)
	}

	if err := m.Unmap(); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "s3cat: %d bytes in %s\n", n, time.Since(start).Round(time.Millisecond))
	return nil
}

func minioOpener(endpoint string, insecure bool) (fetcher.Opener, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewEnvMinio(),
		Secure: !insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client for %s: %w", endpoint, err)
	}
	return miniofetcher.New(client), nil
}
