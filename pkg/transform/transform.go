// Package transform dispatches planned chunks to an external transformation
// service, one call per chunk, in index order.
//
// The runner never aborts a whole job for one bad chunk: a per-chunk failure
// is recorded as a placeholder result tagged with the chunk's index and the
// run continues. The returned slice always has exactly one entry per chunk.
package transform

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Request is one bounded call to the external service.
type Request struct {
	// ChunkIndex identifies the chunk this request carries.
	ChunkIndex int

	// Payload is the binary chunk body (audio slice, PDF page window).
	Payload []byte

	// Text is the text chunk body for text-to-text services. Payload and
	// Text are mutually exclusive.
	Text string

	// Language is an optional hint passed through to the service.
	Language string

	// PageStart and PageEnd carry the 1-based page window for page-based
	// chunks, zero otherwise.
	PageStart int
	PageEnd   int
}

// Response is the service's output for one chunk.
type Response struct {
	// Text is the transformed text (transcript, markdown).
	Text string
}

// Service is the synchronous external transformation contract: one bounded
// request in, text out. Implementations wrap a single external API.
type Service interface {
	// Name identifies the service in logs and error notes.
	Name() string

	// Transform performs one bounded call.
	Transform(ctx context.Context, req Request) (*Response, error)
}

// ChunkResult is the outcome for one chunk. Produced once by the runner and
// never mutated afterwards; the merger is its only consumer.
type ChunkResult struct {
	Index int

	// Text is the transformed output. Empty when OK is false.
	Text string

	OK bool

	// ErrNote records why the chunk failed. Empty when OK is true.
	ErrNote string
}

// Producer materializes the request for chunk i. The returned cleanup
// releases any temp files or buffers backing the request and runs as soon as
// the chunk's call finishes, before the next chunk is produced, so only one
// chunk's payload is held at a time.
type Producer func(ctx context.Context, i int) (Request, func(), error)

// Runner executes a chunk plan against one service.
type Runner struct {
	svc      Service
	limiter  *rate.Limiter
	log      *zap.Logger
	observer func(ChunkResult)
}

// Option configures a Runner.
type Option func(*Runner)

// WithRateLimit throttles calls to the external service.
func WithRateLimit(callsPerSecond float64) Option {
	return func(r *Runner) {
		if callsPerSecond > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(callsPerSecond), 1)
		}
	}
}

// WithObserver registers a callback invoked with each chunk's result as it
// is produced, successes and placeholders both. Used for progress reporting
// and event trails.
func WithObserver(fn func(ChunkResult)) Option {
	return func(r *Runner) {
		r.observer = fn
	}
}

// WithLogger attaches a logger; nil is replaced with a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRunner creates a runner bound to one external service.
func NewRunner(svc Service, opts ...Option) *Runner {
	r := &Runner{
		svc: svc,
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes chunkCount chunks in index order and returns exactly
// chunkCount results, successes and placeholders both counted.
//
// Chunks run sequentially. Context cancellation stops the run; every chunk
// not attempted is recorded as a placeholder carrying the context error.
func (r *Runner) Run(ctx context.Context, chunkCount int, produce Producer) []ChunkResult {
	results := make([]ChunkResult, chunkCount)

	for i := 0; i < chunkCount; i++ {
		if err := ctx.Err(); err != nil {
			for j := i; j < chunkCount; j++ {
				results[j] = failed(j, err)
			}
			return results
		}

		results[i] = r.runOne(ctx, i, produce)
		if r.observer != nil {
			r.observer(results[i])
		}
	}
	return results
}

func (r *Runner) runOne(ctx context.Context, i int, produce Producer) ChunkResult {
	req, cleanup, err := produce(ctx, i)
	if err != nil {
		r.log.Warn("chunk payload unavailable",
			zap.String("service", r.svc.Name()),
			zap.Int("chunk", i),
			zap.Error(err))
		return failed(i, err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return failed(i, err)
		}
	}

	resp, err := r.svc.Transform(ctx, req)
	if err != nil {
		r.log.Warn("chunk transform failed",
			zap.String("service", r.svc.Name()),
			zap.Int("chunk", i),
			zap.Error(err))
		return failed(i, err)
	}

	return ChunkResult{Index: i, Text: resp.Text, OK: true}
}

func failed(i int, err error) ChunkResult {
	return ChunkResult{Index: i, ErrNote: fmt.Sprintf("chunk %d: %v", i, err)}
}

// AllFailed reports whether no chunk produced output. The pipeline treats a
// fully failed run as a job error rather than merging placeholders alone.
func AllFailed(results []ChunkResult) bool {
	return len(results) > 0 && FailedCount(results) == len(results)
}

// FailedCount returns how many chunks were recorded as placeholders.
func FailedCount(results []ChunkResult) int {
	n := 0
	for _, res := range results {
		if !res.OK {
			n++
		}
	}
	return n
}
