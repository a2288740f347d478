// Package objstore abstracts the backing object-storage service.
package objstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/zeebo/errs"
)

// Error is the error class for object store failures.
var Error = errs.Class("objstore")

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Bucket       string    `json:"bucket"`
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	ContentType  string    `json:"contentType,omitempty"`
	LastModified time.Time `json:"lastModified"`
}

// UploadTarget is a pre-authorized write destination issued by the backend.
type UploadTarget struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// Store is the set of backend operations the upload pipelines rely on.
type Store interface {
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	// List calls fn for every object under prefix, recursively.
	List(ctx context.Context, bucket, prefix string, fn func(ObjectInfo) error) error
	Delete(ctx context.Context, bucket, key string) error
	Move(ctx context.Context, bucket, srcKey, dstKey string) error
	// PresignPut issues a time-limited PUT target. A positive size is
	// declared to the client as the exact Content-Length.
	PresignPut(ctx context.Context, bucket, key string, ttl time.Duration, contentType string, size int64) (UploadTarget, error)
	Ping(ctx context.Context) error
}

// Usage sums object sizes under prefix.
func Usage(ctx context.Context, store Store, bucket, prefix string) (int64, error) {
	var total int64
	err := store.List(ctx, bucket, prefix, func(info ObjectInfo) error {
		total += info.Size
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func putTarget(url string, expiresAt time.Time, contentType string, size int64) UploadTarget {
	target := UploadTarget{URL: url, Method: http.MethodPut, ExpiresAt: expiresAt}
	if contentType != "" || size > 0 {
		target.Headers = make(map[string]string)
	}
	if contentType != "" {
		target.Headers["Content-Type"] = contentType
	}
	if size > 0 {
		target.Headers["Content-Length"] = strconv.FormatInt(size, 10)
	}
	return target
}
