package batchio

import (
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// EachIPC calls fn for every record of an Arrow IPC stream. Records are only
// valid during the call; fn retains what it keeps.
func EachIPC(mem memory.Allocator, r io.Reader, fn func(arrow.Record) error) error {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	reader, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("open ipc stream: %w", err)
	}
	defer reader.Release()
	for reader.Next() {
		if err := fn(reader.Record()); err != nil {
			return err
		}
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read ipc stream: %w", err)
	}
	return nil
}

// ReadIPC reads every record of an Arrow IPC stream. The caller releases
// them.
func ReadIPC(mem memory.Allocator, r io.Reader) ([]arrow.Record, error) {
	var records []arrow.Record
	err := EachIPC(mem, r, func(record arrow.Record) error {
		record.Retain()
		records = append(records, record)
		return nil
	})
	if err != nil {
		for _, record := range records {
			record.Release()
		}
		return nil, err
	}
	return records, nil
}

// IPCWriter streams records sharing schema as one Arrow IPC stream.
type IPCWriter struct {
	writer *ipc.Writer
	flush  func()
}

// NewIPCWriter starts a stream on w. When w can flush, every record is
// flushed as soon as it is written.
func NewIPCWriter(w io.Writer, schema *arrow.Schema) *IPCWriter {
	out := &IPCWriter{writer: ipc.NewWriter(w, ipc.WithSchema(schema))}
	if flusher, ok := w.(interface{ Flush() }); ok {
		out.flush = flusher.Flush
	}
	return out
}

func (w *IPCWriter) Write(record arrow.Record) error {
	if err := w.writer.Write(record); err != nil {
		return fmt.Errorf("write ipc record: %w", err)
	}
	if w.flush != nil {
		w.flush()
	}
	return nil
}

// Close writes the end-of-stream marker.
func (w *IPCWriter) Close() error {
	if err := w.writer.Close(); err != nil {
		return fmt.Errorf("close ipc stream: %w", err)
	}
	return nil
}

// WriteIPC writes records as one Arrow IPC stream with the given schema.
func WriteIPC(w io.Writer, schema *arrow.Schema, records ...arrow.Record) error {
	writer := NewIPCWriter(w, schema)
	for _, record := range records {
		if err := writer.Write(record); err != nil {
			_ = writer.Close()
			return err
		}
	}
	return writer.Close()
}
