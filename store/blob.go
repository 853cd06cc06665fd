package store

import (
	"context"
	"fmt"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// BlobStore reads keys from a cloud bucket (S3, GCS, Azure, local
// directories, memory) using gocloud.dev/blob.
type BlobStore struct {
	bucket *blob.Bucket
}

// NewBlobStore wraps an opened bucket. When prefix is not empty keys are
// read below it.
func NewBlobStore(bucket *blob.Bucket, prefix string) *BlobStore {
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		bucket = blob.PrefixedBucket(bucket, prefix+"/")
	}
	return &BlobStore{bucket: bucket}
}

// OpenBlobStore opens a bucket URL. The path part of the URL, if any, is
// used as the dataset prefix inside the bucket for s3:// and gs:// URLs.
func OpenBlobStore(ctx context.Context, url string) (*BlobStore, error) {
	bucketURL, prefix := splitBucketURL(url)
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucketURL, err)
	}
	return NewBlobStore(bucket, prefix), nil
}

// splitBucketURL separates "s3://bucket/path/to/data.zarr?region=x" into the
// bucket URL and the prefix. file:// and mem:// URLs are kept whole.
func splitBucketURL(url string) (string, string) {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok || scheme == "file" || scheme == "mem" {
		return url, ""
	}
	rest, query, _ := strings.Cut(rest, "?")
	bucket, prefix, _ := strings.Cut(rest, "/")
	bucketURL := scheme + "://" + bucket
	if query != "" {
		bucketURL += "?" + query
	}
	return bucketURL, prefix
}

func (b *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.bucket.ReadAll(ctx, strings.TrimLeft(key, "/"))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return data, nil
}

// Close releases the bucket.
func (b *BlobStore) Close() error {
	return b.bucket.Close()
}
