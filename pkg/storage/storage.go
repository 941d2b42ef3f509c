// Package storage defines the object store abstraction used by the pipeline.
//
// Every job reads its input from and writes its artifacts to an object store.
// Implementations use SDK default credential chains and must be safe for
// concurrent use, although a single job invocation only ever touches its own
// keys.
package storage

import (
	"context"
	"io"
	"time"
)

// Store abstracts object storage for job inputs and artifacts.
type Store interface {
	// List returns a page of objects with the given prefix.
	// Use ContinuationToken from ListResult for subsequent pages.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Get downloads an object as a stream.
	// Returns ErrNotFound if the object does not exist.
	Get(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)

	// Put creates or overwrites an object.
	Put(ctx context.Context, key string, body io.Reader, contentLength int64, contentType string) error

	// Copy duplicates an object within the store without round-tripping the
	// bytes through the worker. Used to preserve externally produced output.
	Copy(ctx context.Context, srcKey, dstKey string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	ContinuationToken string

	// MaxKeys limits the number of objects returned per page.
	// Zero uses the store default (typically 1000).
	MaxKeys int
}

// ListResult contains a page of objects from a List operation.
type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken is used to retrieve the next page.
	// Empty string indicates no more pages.
	ContinuationToken string

	IsTruncated bool
}

// ObjectSummary contains basic metadata returned from List operations.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ObjectMeta contains full metadata for a single object.
type ObjectMeta struct {
	ObjectSummary

	ContentType string
	Metadata    map[string]string
}

// StoreType identifies an object store backend.
type StoreType string

const (
	// StoreS3 represents AWS S3 or S3-compatible storage.
	StoreS3 StoreType = "s3"

	// StoreFile represents local filesystem storage (tests, local runs).
	StoreFile StoreType = "file"
)

// String returns the string representation of the store type.
func (s StoreType) String() string {
	return string(s)
}
