package events

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits JSONL job event records.
//
// Implementations must be safe for concurrent use. Each Write* method emits
// a complete record as a single line of JSON followed by a newline.
type Writer interface {
	// WriteStage emits a stage transition record.
	WriteStage(ctx context.Context, stage *StageRecord) error

	// WriteChunk emits a per-chunk result record.
	WriteChunk(ctx context.Context, chunk *ChunkRecord) error

	// WritePreserve emits an artifact preservation record.
	WritePreserve(ctx context.Context, p *PreserveRecord) error

	// WriteError emits an error record.
	WriteError(ctx context.Context, e *ErrorRecord) error

	// WriteSummary emits the final summary record.
	WriteSummary(ctx context.Context, sum *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// JSONLWriter is safe for concurrent use. Writes are serialized with a
// mutex so lines are never interleaved.
type JSONLWriter struct {
	w     io.Writer
	jobID string
	kind  string
	mu    sync.Mutex

	closed bool
}

// NewJSONLWriter creates a writer stamping each record with the job's
// correlation ID and kind.
func NewJSONLWriter(w io.Writer, jobID, kind string) *JSONLWriter {
	return &JSONLWriter{w: w, jobID: jobID, kind: kind}
}

func (jw *JSONLWriter) WriteStage(ctx context.Context, stage *StageRecord) error {
	return jw.writeRecord(ctx, TypeStage, stage)
}

func (jw *JSONLWriter) WriteChunk(ctx context.Context, chunk *ChunkRecord) error {
	return jw.writeRecord(ctx, TypeChunk, chunk)
}

func (jw *JSONLWriter) WritePreserve(ctx context.Context, p *PreserveRecord) error {
	return jw.writeRecord(ctx, TypePreserve, p)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, e *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, e)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// Close marks the writer as closed. The underlying writer is NOT closed;
// the caller owns it.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line under the
// mutex, so a line is always emitted whole.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:  recordType,
		TS:    time.Now().UTC(),
		JobID: jw.jobID,
		Kind:  jw.kind,
		Data:  dataBytes,
	}
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with nil error; loop so JSONL lines
	// are never truncated.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Discard is a Writer that drops every record. Used when event output is
// disabled.
type Discard struct{}

func (Discard) WriteStage(context.Context, *StageRecord) error       { return nil }
func (Discard) WriteChunk(context.Context, *ChunkRecord) error       { return nil }
func (Discard) WritePreserve(context.Context, *PreserveRecord) error { return nil }
func (Discard) WriteError(context.Context, *ErrorRecord) error       { return nil }
func (Discard) WriteSummary(context.Context, *SummaryRecord) error   { return nil }
func (Discard) Close() error                                         { return nil }

// Compile-time checks.
var (
	_ Writer = (*JSONLWriter)(nil)
	_ Writer = Discard{}
)
