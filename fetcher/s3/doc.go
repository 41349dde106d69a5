// Package s3 provides an AWS S3 implementation of the fetcher.Opener interface.
//
// # Usage
//
//	opener, err := s3.New(ctx)
//	data, err := s3mmap.Map(ctx, "s3://bucket/key", s3mmap.WithOpener(opener))
//
// # Features
//
//   - Automatic bucket region resolution via GetBucketLocation
//   - Range reads for page-granular fetches
//   - Parallel part downloads (manager.Downloader) for wide read-ahead ranges
//   - Error classification into the fetcher sentinel errors
package s3
