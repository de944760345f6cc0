package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

const (
	ContentTypeParquet     = "application/vnd.apache.parquet"
	ContentTypeArrowStream = "application/vnd.apache.arrow.stream"
)

// Metadata keys attached to batch objects written by duckfilter.
const (
	MetadataRows    = "Duckfilter-Rows"
	MetadataColumns = "Duckfilter-Columns"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ObjectStore holds batch files. Keys are relative to the store's bucket and
// prefix.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns the objects under prefix ordered by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
