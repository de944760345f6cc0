package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/duckmesh/duckfilter/internal/batchio"
	"github.com/duckmesh/duckfilter/internal/filter"
	"github.com/duckmesh/duckfilter/internal/observability"
	"github.com/duckmesh/duckfilter/internal/storage"
)

const (
	headerInputRows  = "X-Duckfilter-Input-Rows"
	headerOutputRows = "X-Duckfilter-Output-Rows"
)

// handleFilter runs a task over every record of an Arrow IPC stream body and
// answers with one output record per input record. Nothing is written unless
// every record succeeds.
func handleFilter(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	entry, ok := lookupTask(deps, w, r)
	if !ok {
		return
	}
	if contentType := r.Header.Get("Content-Type"); contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || mediaType != storage.ContentTypeArrowStream {
			writeError(r.Context(), w, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE",
				"request body must be an Arrow IPC stream", false, map[string]any{"content_type": contentType})
			return
		}
	}

	body := r.Body
	if deps.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, deps.MaxBodyBytes)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body is too large", false,
				map[string]any{"limit_bytes": tooLarge.Limit})
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_BODY", "request body could not be read", false,
			map[string]any{"details": err.Error()})
		return
	}
	inputs, err := batchio.ReadIPC(deps.Allocator, bytes.NewReader(payload))
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_ARROW_STREAM", "invalid Arrow IPC stream", false,
			map[string]any{"details": err.Error()})
		return
	}
	defer releaseRecords(inputs)

	ctx := r.Context()
	if deps.InvocationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deps.InvocationTimeout)
		defer cancel()
	}

	outputs, err := runFilter(ctx, entry.Pool, inputs)
	if err != nil {
		writeFilterError(r.Context(), w, err)
		return
	}
	defer releaseRecords(outputs)

	w.Header().Set("Content-Type", storage.ContentTypeArrowStream)
	w.Header().Set(headerInputRows, strconv.FormatInt(batchio.CountRows(inputs), 10))
	w.Header().Set(headerOutputRows, strconv.FormatInt(batchio.CountRows(outputs), 10))
	w.WriteHeader(http.StatusOK)
	schema := entry.Transaction.OutputSchema().ArrowSchema()
	if err := batchio.WriteIPC(w, schema, outputs...); err != nil && deps.Logger != nil {
		deps.Logger.WarnContext(r.Context(), "write filter response",
			slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// runFilter runs every input through one pooled session. Any failure
// discards the outputs produced so far.
func runFilter(ctx context.Context, pool *SessionPool, inputs []arrow.Record) (outputs []arrow.Record, err error) {
	runner, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if releaseErr := pool.Release(runner, err); releaseErr != nil && err == nil {
			releaseRecords(outputs)
			outputs = nil
			err = releaseErr
		}
	}()

	outputs = make([]arrow.Record, 0, len(inputs))
	for _, input := range inputs {
		output, err := runner.Add(ctx, input)
		if err != nil {
			releaseRecords(outputs)
			return nil, err
		}
		outputs = append(outputs, output)
	}
	return outputs, nil
}

func writeFilterError(ctx context.Context, w http.ResponseWriter, err error) {
	details := map[string]any{"details": err.Error()}
	var extractErr *filter.ExtractionError
	if errors.As(err, &extractErr) {
		details["row"] = extractErr.Row
		if extractErr.Column != "" {
			details["column"] = extractErr.Column
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeError(ctx, w, http.StatusGatewayTimeout, "FILTER_TIMEOUT", "filter invocation timed out", true, details)
	case errors.Is(err, context.Canceled):
		writeError(ctx, w, http.StatusServiceUnavailable, "FILTER_CANCELED", "filter invocation was canceled", true, details)
	case errors.Is(err, errPoolClosed):
		writeError(ctx, w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "server is shutting down", true, nil)
	default:
		switch filter.FailureKind(err) {
		case "config":
			writeError(ctx, w, http.StatusBadRequest, "INPUT_REJECTED", "input does not match the task", false, details)
		case "connection":
			writeError(ctx, w, http.StatusServiceUnavailable, "ENGINE_UNAVAILABLE", "engine session could not be opened", true, details)
		case "extraction":
			writeError(ctx, w, http.StatusUnprocessableEntity, "EXTRACTION_FAILED", "result value could not be converted", false, details)
		default:
			writeError(ctx, w, http.StatusUnprocessableEntity, "QUERY_FAILED", "query failed on the input batch", false, details)
		}
	}
}

func releaseRecords(records []arrow.Record) {
	for _, record := range records {
		record.Release()
	}
}
