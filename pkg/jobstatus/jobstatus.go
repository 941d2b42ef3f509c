// Package jobstatus records job lifecycle state for the UI to read.
//
// Status moves strictly forward through queued, processing, and a terminal
// state. Writes are merge-writes against the stored document, and write
// failures are logged rather than returned: status is advisory, and a
// broken status write must never change the outcome of the job itself.
package jobstatus

import (
	"context"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// rank orders states for the monotonicity check. Terminal states share a
// rank: neither may replace the other.
func rank(s Status) int {
	switch s {
	case StatusQueued:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusError:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ArtifactRef points the UI at a job's output.
type ArtifactRef struct {
	// Key is the artifact key for single-object output.
	Key string `json:"key,omitempty"`

	// Prefix is the durable prefix holding multipart output.
	Prefix string `json:"prefix,omitempty"`

	// IsMultipart marks output split across several objects.
	IsMultipart bool `json:"isMultipart"`

	// ChunkCount is the number of parts when IsMultipart is set.
	ChunkCount int `json:"chunkCount,omitempty"`
}

// Document is the status payload stored per job.
type Document struct {
	JobID   string `json:"jobId"`
	OwnerID string `json:"ownerId"`
	Status  Status `json:"status"`

	// Stage names the pipeline phase while processing.
	Stage string `json:"stage,omitempty"`

	// Progress is a percent estimate, 0-100.
	Progress int `json:"progress,omitempty"`

	// Error carries the terminal error message, truncated.
	Error string `json:"error,omitempty"`

	// Warning carries a non-fatal note, such as a partial completion.
	Warning string `json:"warning,omitempty"`

	Artifact *ArtifactRef `json:"artifact,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// DocumentStore persists status documents.
type DocumentStore interface {
	// Load returns the stored document, or nil when none exists yet.
	Load(ctx context.Context, ownerID, jobID string) (*Document, error)

	// Save writes the document, replacing any previous version.
	Save(ctx context.Context, doc *Document) error
}

// MaxErrorLength bounds the stored error message. External services have
// been seen to embed whole payloads in error strings.
const MaxErrorLength = 512

// Recorder tracks one job's status document and enforces forward-only
// transitions.
type Recorder struct {
	store   DocumentStore
	log     *zap.Logger
	ownerID string
	jobID   string
	doc     Document
}

// NewRecorder creates a recorder for the given job. Any existing document is
// loaded so a redelivered message merges into prior state instead of
// resetting it; a load failure starts from queued.
func NewRecorder(ctx context.Context, store DocumentStore, ownerID, jobID string, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Recorder{
		store:   store,
		log:     log.With(zap.String("job_id", jobID), zap.String("owner_id", ownerID)),
		ownerID: ownerID,
		jobID:   jobID,
		doc: Document{
			JobID:   jobID,
			OwnerID: ownerID,
			Status:  StatusQueued,
		},
	}
	existing, err := store.Load(ctx, ownerID, jobID)
	if err != nil {
		r.log.Warn("status document load failed, starting fresh", zap.Error(err))
	} else if existing != nil {
		r.doc = *existing
		r.doc.JobID = jobID
		r.doc.OwnerID = ownerID
	}
	return r
}

// Current returns a copy of the tracked document.
func (r *Recorder) Current() Document {
	return r.doc
}

// SetProcessing marks the job processing in the named stage.
func (r *Recorder) SetProcessing(ctx context.Context, stage string) {
	if !r.advance(StatusProcessing) {
		return
	}
	r.doc.Status = StatusProcessing
	r.doc.Stage = stage
	r.write(ctx)
}

// SetProgress updates the percent estimate. Progress never moves backwards.
func (r *Recorder) SetProgress(ctx context.Context, pct int) {
	if r.doc.Status.Terminal() {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct <= r.doc.Progress {
		return
	}
	r.doc.Progress = pct
	r.write(ctx)
}

// SetCompleted marks the job done and records where the output lives.
// A non-empty warning notes degraded completion.
func (r *Recorder) SetCompleted(ctx context.Context, ref ArtifactRef, warning string) {
	if !r.advance(StatusCompleted) {
		return
	}
	r.doc.Status = StatusCompleted
	r.doc.Stage = ""
	r.doc.Progress = 100
	r.doc.Error = ""
	r.doc.Warning = truncate(warning)
	r.doc.Artifact = &ref
	r.write(ctx)
}

// SetError marks the job failed with the given message.
func (r *Recorder) SetError(ctx context.Context, msg string) {
	if !r.advance(StatusError) {
		return
	}
	r.doc.Status = StatusError
	r.doc.Stage = ""
	r.doc.Error = truncate(msg)
	r.write(ctx)
}

// advance reports whether moving to next keeps status monotonic. Out-of-order
// transitions are dropped, not errors: a slow duplicate worker must not
// resurrect a finished job.
func (r *Recorder) advance(next Status) bool {
	if r.doc.Status.Terminal() {
		r.log.Warn("ignoring status write after terminal state",
			zap.String("current", string(r.doc.Status)),
			zap.String("attempted", string(next)))
		return false
	}
	if rank(next) < rank(r.doc.Status) {
		r.log.Warn("ignoring backwards status transition",
			zap.String("current", string(r.doc.Status)),
			zap.String("attempted", string(next)))
		return false
	}
	return true
}

func (r *Recorder) write(ctx context.Context) {
	r.doc.UpdatedAt = time.Now().UTC()
	doc := r.doc
	if err := r.store.Save(ctx, &doc); err != nil {
		r.log.Warn("status write failed",
			zap.String("status", string(r.doc.Status)),
			zap.Error(err))
	}
}

func truncate(msg string) string {
	if len(msg) <= MaxErrorLength {
		return msg
	}
	cut := MaxErrorLength
	// Back off to a rune boundary so the stored text stays valid UTF-8.
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
