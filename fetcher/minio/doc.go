// Package minio provides a fetcher.Opener for MinIO and other
// S3-compatible object stores.
//
// # Usage
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds: credentials.NewStaticV4(accessKey, secretKey, ""),
//	})
//	opener := miniofetcher.New(client)
//	data, err := s3mmap.Map(ctx, "s3://bucket/key", s3mmap.WithOpener(opener))
package minio
