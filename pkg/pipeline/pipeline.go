// Package pipeline is the worker's job handler: one queue message in, one
// artifact set and a terminal status document out.
//
// The handler owns the invocation lifecycle: staleness check, per-kind flow
// (transcription, conversion, synthesis), temp directory, event trail, and
// the terminal status write. A terminal JobError acknowledges the message;
// any other error is reported retryable so the queue redelivers the job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/studyowl/mediaworks/pkg/events"
	"github.com/studyowl/mediaworks/pkg/jobstatus"
	"github.com/studyowl/mediaworks/pkg/longrun"
	"github.com/studyowl/mediaworks/pkg/media"
	"github.com/studyowl/mediaworks/pkg/queue"
	"github.com/studyowl/mediaworks/pkg/storage"
	"github.com/studyowl/mediaworks/pkg/transform"
)

// PageCounter reports how many pages a PDF payload holds.
type PageCounter interface {
	PageCount(ctx context.Context, pdf []byte) (int, error)
}

// Services are the external transformation endpoints the pipeline drives.
type Services struct {
	// Transcriber turns an audio chunk into text.
	Transcriber transform.Service

	// Converter turns a PDF page window into markdown.
	Converter transform.Service

	// PageCounter sizes PDF inputs for page planning.
	PageCounter PageCounter

	// Synthesizer turns text into spoken audio asynchronously.
	Synthesizer longrun.Launcher
}

// Config tunes the pipeline.
type Config struct {
	// AudioHardLimitBytes is the transcription service's per-call payload
	// ceiling. Default 25 MiB.
	AudioHardLimitBytes int64

	// AudioMargin scales the hard limit when planning. Zero uses the chunk
	// planner's default.
	AudioMargin float64

	// AudioOverlapSeconds is duplicated at audio chunk boundaries.
	// Default 15s.
	AudioOverlapSeconds float64

	// PagesPerChunk bounds each PDF conversion call. Default 20.
	PagesPerChunk int

	// SynthesisMaxChars is the synthesis service's input ceiling.
	// Default 100000.
	SynthesisMaxChars int

	// MergeWindowChars and MergeMinOverlapTokens tune overlap removal.
	// Zero uses the merger's defaults.
	MergeWindowChars      int
	MergeMinOverlapTokens int

	// MaxMessageAge drops older queue messages unprocessed. Zero uses the
	// queue default.
	MaxMessageAge time.Duration

	// RatePerSecond throttles external chunk calls. Zero disables.
	RatePerSecond float64

	// Poll tunes the long-running operation monitor.
	Poll longrun.Config

	// TempDir is the parent for per-job working directories. Empty uses the
	// system temp dir.
	TempDir string
}

func (c Config) withDefaults() Config {
	if c.AudioHardLimitBytes <= 0 {
		c.AudioHardLimitBytes = 25 << 20
	}
	if c.AudioOverlapSeconds <= 0 {
		c.AudioOverlapSeconds = 15
	}
	if c.PagesPerChunk <= 0 {
		c.PagesPerChunk = 20
	}
	if c.SynthesisMaxChars <= 0 {
		c.SynthesisMaxChars = 100000
	}
	return c
}

// Handler processes one queue message per invocation.
type Handler struct {
	store storage.Store
	docs  jobstatus.DocumentStore
	svcs  Services
	tool  *media.Tool
	cfg   Config
	log   *zap.Logger

	eventsOut io.Writer
	now       func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithEventOutput directs the JSONL event trail to w. Nil disables events.
func WithEventOutput(w io.Writer) HandlerOption {
	return func(h *Handler) {
		h.eventsOut = w
	}
}

// WithClock overrides the handler's time source.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler creates the pipeline handler.
func NewHandler(store storage.Store, docs jobstatus.DocumentStore, svcs Services, tool *media.Tool, cfg Config, log *zap.Logger, opts ...HandlerOption) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		store: store,
		docs:  docs,
		svcs:  svcs,
		tool:  tool,
		cfg:   cfg.withDefaults(),
		log:   log,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes one job message. It satisfies queue.Handler: retryable is
// true only for infrastructure faults hit before a terminal status was
// recorded.
func (h *Handler) Handle(ctx context.Context, msg *queue.Message) (bool, error) {
	log := h.log.With(
		zap.String("job_id", msg.JobID),
		zap.String("owner_id", msg.OwnerID),
		zap.String("kind", string(msg.Kind)))

	// A stale message is an abandoned redelivery. No status write, no
	// external calls; the job either finished long ago or the owner gave up.
	if msg.IsStale(h.now(), h.cfg.MaxMessageAge) {
		log.Warn("dropping stale job message", zap.Time("enqueued_at", msg.Timestamp))
		return false, nil
	}

	started := h.now()
	ev := h.eventWriter(msg)
	defer ev.Close()

	rec := jobstatus.NewRecorder(ctx, h.docs, msg.OwnerID, msg.JobID, h.log)

	workDir, err := os.MkdirTemp(h.cfg.TempDir, "mediaworks-"+msg.JobID+"-")
	if err != nil {
		return true, fmt.Errorf("create job temp dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	switch msg.Kind {
	case queue.KindTranscription:
		err = h.transcribe(ctx, msg, workDir, rec, ev, log)
	case queue.KindConversion:
		err = h.convert(ctx, msg, rec, ev, log)
	case queue.KindSynthesis:
		err = h.synthesize(ctx, msg, rec, ev, log)
	default:
		err = jobErrorf(KindExternal, "unsupported job kind %q", msg.Kind)
	}

	elapsed := h.now().Sub(started)
	if err == nil {
		h.writeSummary(ctx, ev, rec, elapsed, "")
		log.Info("job finished", zap.Duration("elapsed", elapsed))
		return false, nil
	}

	var jerr *JobError
	if errors.As(err, &jerr) {
		rec.SetError(ctx, jerr.Message)
		if werr := ev.WriteError(ctx, &events.ErrorRecord{
			Code:    string(jerr.Kind),
			Message: jerr.Message,
		}); werr != nil {
			log.Warn("event write failed", zap.Error(werr))
		}
		h.writeSummary(ctx, ev, rec, elapsed, jerr.Message)
		log.Error("job failed terminally", zap.String("error_kind", string(jerr.Kind)), zap.Error(err))
		return false, err
	}

	// Infrastructure fault before any terminal state: leave the status
	// document alone and let the queue re-attempt the whole job.
	log.Warn("job hit infrastructure fault, will retry", zap.Error(err))
	return true, err
}

func (h *Handler) eventWriter(msg *queue.Message) events.Writer {
	if h.eventsOut == nil {
		return events.Discard{}
	}
	return events.NewJSONLWriter(h.eventsOut, msg.JobID, string(msg.Kind))
}

func (h *Handler) writeSummary(ctx context.Context, ev events.Writer, rec *jobstatus.Recorder, elapsed time.Duration, errMsg string) {
	doc := rec.Current()
	sum := &events.SummaryRecord{
		Status:    string(doc.Status),
		ElapsedMS: elapsed.Milliseconds(),
		Error:     errMsg,
	}
	if doc.Artifact != nil {
		sum.ArtifactsPreserved = doc.Artifact.ChunkCount
	}
	if err := ev.WriteSummary(ctx, sum); err != nil {
		h.log.Warn("event write failed", zap.Error(err))
	}
}

// fetchToFile downloads an object to a local file and returns its size.
func (h *Handler) fetchToFile(ctx context.Context, key, localPath string) (int64, error) {
	body, _, err := h.store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", key, err)
	}
	defer body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", key, err)
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", key, err)
	}
	return n, nil
}

// fetchAll downloads an object into memory.
func (h *Handler) fetchAll(ctx context.Context, key string) ([]byte, error) {
	body, _, err := h.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	return data, nil
}
