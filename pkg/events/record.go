// Package events provides JSONL event output for job processing.
//
// Events are typed record envelopes describing stage transitions, chunk
// results, artifact preservation, and the final summary of a job. Each line
// is a self-contained JSON object that can be parsed independently, which
// makes the stream greppable per job after the fact.
package events

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: mediaworks.<type>.v<version>
const (
	// TypeStage identifies pipeline stage transition records.
	TypeStage = "mediaworks.stage.v1"

	// TypeChunk identifies per-chunk result records.
	TypeChunk = "mediaworks.chunk.v1"

	// TypePreserve identifies artifact preservation records.
	TypePreserve = "mediaworks.preserve.v1"

	// TypeError identifies error records.
	TypeError = "mediaworks.error.v1"

	// TypeSummary identifies final job summary records.
	TypeSummary = "mediaworks.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line contains a Record with a type-specific payload in the Data
// field. The type field determines how to interpret the payload.
type Record struct {
	// Type identifies the record type (e.g., "mediaworks.chunk.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the correlation ID for this job.
	JobID string `json:"job_id"`

	// Kind is the job kind (transcription, conversion, synthesis).
	Kind string `json:"kind"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// StageRecord marks entry into a pipeline stage.
type StageRecord struct {
	// Stage names the phase being entered.
	Stage string `json:"stage"`

	// ChunkCount is the planned chunk count, when known at stage entry.
	ChunkCount int `json:"chunk_count,omitempty"`
}

// ChunkRecord is the result of processing a single chunk.
type ChunkRecord struct {
	// Index is the zero-based chunk position.
	Index int `json:"index"`

	// OK reports whether the chunk transformed successfully.
	OK bool `json:"ok"`

	// Bytes is the chunk payload size sent upstream.
	Bytes int64 `json:"bytes,omitempty"`

	// DurationMS is the wall time spent on the chunk.
	DurationMS int64 `json:"duration_ms,omitempty"`

	// Error describes the failure when OK is false.
	Error string `json:"error,omitempty"`
}

// PreserveRecord notes an artifact copied to durable storage.
type PreserveRecord struct {
	// Src is the key the artifact was discovered at.
	Src string `json:"src"`

	// Dst is the durable key it was copied to.
	Dst string `json:"dst"`
}

// ErrorRecord is the data payload for errors. Errors are emitted as records
// rather than aborting the stream, so a partially failed job still leaves a
// complete event trail.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// ChunkIndex is the related chunk, if applicable.
	ChunkIndex *int `json:"chunk_index,omitempty"`
}

// SummaryRecord is the final record of a job's stream.
type SummaryRecord struct {
	// Status is the terminal job status.
	Status string `json:"status"`

	// ChunksTotal is the planned chunk count.
	ChunksTotal int `json:"chunks_total"`

	// ChunksFailed counts chunks that produced a failure marker.
	ChunksFailed int `json:"chunks_failed"`

	// ArtifactsPreserved counts artifacts copied to durable storage.
	ArtifactsPreserved int `json:"artifacts_preserved"`

	// ElapsedMS is the total job wall time.
	ElapsedMS int64 `json:"elapsed_ms"`

	// Error is the terminal error, if the job failed.
	Error string `json:"error,omitempty"`
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("events: writer is closed")

// WriteError wraps failures from the underlying writer.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return "events: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
