// Package artifact uploads build output to object storage.
package artifact

import (
	"context"
	"errors"
	"io"
)

// Upload errors.
var (
	// ErrUploadExhausted is returned when every attempt to upload a file failed.
	ErrUploadExhausted = errors.New("upload attempts exhausted")

	// ErrSourceMissing is returned when the file to upload does not exist.
	// It is never retried.
	ErrSourceMissing = errors.New("source file missing")
)

// ObjectStore writes objects to a bucket.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

// Reporter receives human-readable progress lines.
type Reporter interface {
	Publish(ctx context.Context, line string)
}

// Result summarizes a directory upload.
type Result struct {
	Uploaded int
	Failed   int
	Skipped  int
	Bytes    int64
}
