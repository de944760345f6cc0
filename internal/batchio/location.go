package batchio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/duckmesh/duckfilter/internal/storage"
)

const (
	parquetExt = ".parquet"
	ipcExt     = ".arrows"
)

// StoreOpener returns the object store addressing bucket.
type StoreOpener func(ctx context.Context, bucket string) (storage.ObjectStore, error)

// Resolver reads and writes batch files wherever a storage.Location points:
// local files and directories, standard streams or object store keys.
type Resolver struct {
	OpenStore StoreOpener
	Stdin     io.Reader
	Stdout    io.Writer
	Allocator memory.Allocator

	stores map[string]storage.ObjectStore
}

func (r *Resolver) store(ctx context.Context, bucket string) (storage.ObjectStore, error) {
	if store, ok := r.stores[bucket]; ok {
		return store, nil
	}
	if r.OpenStore == nil {
		return nil, fmt.Errorf("object store is not configured for s3://%s", bucket)
	}
	store, err := r.OpenStore(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}
	if r.stores == nil {
		r.stores = map[string]storage.ObjectStore{}
	}
	r.stores[bucket] = store
	return store, nil
}

// Expand lists the batch files a location names. Directories and key
// prefixes expand to their parquet and Arrow stream files in key order.
func (r *Resolver) Expand(ctx context.Context, loc storage.Location) ([]storage.Location, error) {
	switch {
	case loc.Stdio():
		return []storage.Location{loc}, nil
	case loc.IsPrefix():
		store, err := r.store(ctx, loc.Bucket)
		if err != nil {
			return nil, err
		}
		objects, err := store.List(ctx, loc.Key)
		if err != nil {
			return nil, err
		}
		var out []storage.Location
		for _, object := range objects {
			if isBatchFile(object.Key) {
				out = append(out, storage.Location{Bucket: loc.Bucket, Key: object.Key})
			}
		}
		return out, nil
	case loc.Remote():
		return []storage.Location{loc}, nil
	}

	info, err := os.Stat(loc.Path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", loc.Path, err)
	}
	if !info.IsDir() {
		return []storage.Location{loc}, nil
	}
	entries, err := os.ReadDir(loc.Path)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", loc.Path, err)
	}
	var out []storage.Location
	for _, entry := range entries {
		if !entry.IsDir() && isBatchFile(entry.Name()) {
			out = append(out, storage.Location{Path: filepath.Join(loc.Path, entry.Name())})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Read loads the records stored at one location. A parquet file is one
// record; an Arrow stream, including standard input, may hold several.
func (r *Resolver) Read(ctx context.Context, loc storage.Location) ([]arrow.Record, error) {
	switch {
	case loc.Stdio():
		if r.Stdin == nil {
			return nil, fmt.Errorf("standard input is not available")
		}
		return ReadIPC(r.Allocator, r.Stdin)
	case loc.Remote():
		data, err := r.fetch(ctx, loc)
		if err != nil {
			return nil, err
		}
		return r.decode(loc.Key, bytes.NewReader(data), int64(len(data)))
	}

	file, err := os.Open(loc.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", loc.Path, err)
	}
	defer func() { _ = file.Close() }()
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", loc.Path, err)
	}
	return r.decode(loc.Path, file, info.Size())
}

func (r *Resolver) fetch(ctx context.Context, loc storage.Location) ([]byte, error) {
	store, err := r.store(ctx, loc.Bucket)
	if err != nil {
		return nil, err
	}
	body, err := store.Get(ctx, loc.Key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", loc, err)
	}
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", loc, err)
	}
	return data, nil
}

type batchSource interface {
	io.ReaderAt
	io.Reader
}

func (r *Resolver) decode(name string, src batchSource, size int64) ([]arrow.Record, error) {
	if isIPCFile(name) {
		return ReadIPC(r.Allocator, src)
	}
	record, err := ReadParquet(r.Allocator, src, size)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return []arrow.Record{record}, nil
}

// Write stores records at loc: an Arrow stream for standard output and
// .arrows names, parquet otherwise.
func (r *Resolver) Write(ctx context.Context, loc storage.Location, schema *arrow.Schema, records []arrow.Record) error {
	if loc.Stdio() {
		if r.Stdout == nil {
			return fmt.Errorf("standard output is not available")
		}
		return WriteIPC(r.Stdout, schema, records...)
	}

	name := loc.Path
	if loc.Remote() {
		name = loc.Key
	}
	var buf bytes.Buffer
	contentType := storage.ContentTypeParquet
	if isIPCFile(name) {
		contentType = storage.ContentTypeArrowStream
		if err := WriteIPC(&buf, schema, records...); err != nil {
			return err
		}
	} else {
		if len(records) == 0 {
			return fmt.Errorf("%s: no records to write", loc)
		}
		if err := WriteParquet(&buf, records...); err != nil {
			return err
		}
	}

	if loc.Remote() {
		store, err := r.store(ctx, loc.Bucket)
		if err != nil {
			return err
		}
		opts := storage.PutOptions{
			ContentType: contentType,
			Metadata: map[string]string{
				storage.MetadataRows:    strconv.FormatInt(CountRows(records), 10),
				storage.MetadataColumns: strconv.Itoa(schema.NumFields()),
			},
		}
		if _, err := store.Put(ctx, loc.Key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), opts); err != nil {
			return fmt.Errorf("put %s: %w", loc, err)
		}
		return nil
	}
	if err := os.WriteFile(loc.Path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", loc.Path, err)
	}
	return nil
}

// OutputFor names the output of input below an output prefix or directory.
func OutputFor(output, input storage.Location) storage.Location {
	base := input.Key
	if !input.Remote() {
		base = input.Path
	}
	base = path.Base(filepath.ToSlash(base))
	if output.IsPrefix() {
		return output.Child(base)
	}
	return storage.Location{Path: filepath.Join(output.Path, base)}
}

func isBatchFile(name string) bool {
	return strings.HasSuffix(name, parquetExt) || isIPCFile(name)
}

func isIPCFile(name string) bool {
	return strings.HasSuffix(name, ipcExt)
}

// CountRows sums the rows of records.
func CountRows(records []arrow.Record) int64 {
	var rows int64
	for _, record := range records {
		rows += record.NumRows()
	}
	return rows
}
