package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/studyowl/mediaworks/pkg/chunkplan"
	"github.com/studyowl/mediaworks/pkg/events"
	"github.com/studyowl/mediaworks/pkg/jobstatus"
	"github.com/studyowl/mediaworks/pkg/media"
	"github.com/studyowl/mediaworks/pkg/merge"
	"github.com/studyowl/mediaworks/pkg/paths"
	"github.com/studyowl/mediaworks/pkg/queue"
	"github.com/studyowl/mediaworks/pkg/transform"
)

// transcribe runs the audio flow: fetch, plan, cut, transform per chunk,
// merge, upload.
func (h *Handler) transcribe(ctx context.Context, msg *queue.Message, workDir string, rec *jobstatus.Recorder, ev events.Writer, log *zap.Logger) error {
	rec.SetProcessing(ctx, "transcription")

	inputPath := filepath.Join(workDir, "input"+filepath.Ext(msg.InputRef))
	size, err := h.fetchToFile(ctx, msg.InputRef, inputPath)
	if err != nil {
		return err
	}

	threshold := int64(float64(h.cfg.AudioHardLimitBytes) * audioMargin(h.cfg))
	var chunkFiles []string
	if size <= threshold {
		chunkFiles = []string{inputPath}
	} else {
		chunkFiles, err = h.cutChunks(ctx, inputPath, size, workDir, log)
		if err != nil {
			return err
		}
	}

	if werr := ev.WriteStage(ctx, &events.StageRecord{Stage: "transcription", ChunkCount: len(chunkFiles)}); werr != nil {
		log.Warn("event write failed", zap.Error(werr))
	}

	results := h.runChunks(ctx, msg, rec, ev, log, chunkFiles)
	if transform.AllFailed(results) {
		return jobErrorf(KindAllChunksFailed, "all %d audio chunks failed to transcribe", len(results))
	}

	art := merge.Text(results, merge.TextConfig{
		WindowChars:      h.cfg.MergeWindowChars,
		MinOverlapTokens: h.cfg.MergeMinOverlapTokens,
	})

	key := paths.TranscriptMarkdown(msg.OwnerID, msg.JobID)
	body := strings.NewReader(art.Content)
	if err := h.store.Put(ctx, key, body, int64(len(art.Content)), "text/markdown"); err != nil {
		return fmt.Errorf("upload transcript: %w", err)
	}

	warning := ""
	if art.FailedChunks > 0 {
		warning = fmt.Sprintf("%d of %d chunks failed to transcribe", art.FailedChunks, art.SourceChunks)
	}
	rec.SetCompleted(ctx, jobstatus.ArtifactRef{Key: key}, warning)
	return nil
}

// cutChunks slices the input per the audio plan, re-encoding any segment
// that still exceeds the hard limit. Segments live on disk only; payloads
// are loaded one at a time during transformation.
func (h *Handler) cutChunks(ctx context.Context, inputPath string, size int64, workDir string, log *zap.Logger) ([]string, error) {
	duration, err := h.tool.ProbeDuration(ctx, inputPath)
	if err != nil {
		return nil, jobErrorf(KindExternal, "could not inspect audio input: %v", err)
	}

	plan, err := chunkplan.PlanAudio(size, duration, chunkplan.AudioConfig{
		HardLimitBytes: h.cfg.AudioHardLimitBytes,
		Margin:         h.cfg.AudioMargin,
		OverlapSeconds: h.cfg.AudioOverlapSeconds,
	})
	if err != nil {
		return nil, jobErrorf(KindSizeLimit, "could not plan audio chunks: %v", err)
	}
	log.Info("audio chunk plan ready",
		zap.Int("chunks", len(plan)),
		zap.Float64("duration_s", duration),
		zap.Int64("size_bytes", size))

	files := make([]string, len(plan))
	for _, c := range plan {
		out := filepath.Join(workDir, fmt.Sprintf("chunk_%03d.mp3", c.Index))
		if err := h.tool.CutSegment(ctx, inputPath, out, c.StartSeconds, c.Duration()); err != nil {
			return nil, jobErrorf(KindExternal, "could not cut chunk %d: %v", c.Index, err)
		}

		cutSize, err := media.FileSize(out)
		if err != nil {
			return nil, fmt.Errorf("sizing chunk %d: %w", c.Index, err)
		}
		if cutSize > h.cfg.AudioHardLimitBytes {
			// Second pass at reduced bitrate. Still oversized afterwards
			// means the job can never fit the service and fails fast.
			reduced := filepath.Join(workDir, fmt.Sprintf("chunk_%03d_small.mp3", c.Index))
			if err := h.tool.Reencode(ctx, out, reduced); err != nil {
				return nil, jobErrorf(KindExternal, "could not re-encode chunk %d: %v", c.Index, err)
			}
			if err := os.Remove(out); err != nil {
				log.Warn("chunk cleanup failed", zap.String("path", out), zap.Error(err))
			}
			out = reduced
			if cutSize, err = media.FileSize(out); err != nil {
				return nil, fmt.Errorf("sizing chunk %d: %w", c.Index, err)
			}
			if cutSize > h.cfg.AudioHardLimitBytes {
				return nil, jobErrorf(KindSizeLimit,
					"chunk %d is %d bytes after re-encoding, above the %d byte service limit",
					c.Index, cutSize, h.cfg.AudioHardLimitBytes)
			}
		}
		files[c.Index] = out
	}
	return files, nil
}

// runChunks transforms one chunk file at a time, reporting per-chunk events
// and progress as it goes.
func (h *Handler) runChunks(ctx context.Context, msg *queue.Message, rec *jobstatus.Recorder, ev events.Writer, log *zap.Logger, chunkFiles []string) []transform.ChunkResult {
	total := len(chunkFiles)
	done := 0
	runner := transform.NewRunner(h.svcs.Transcriber,
		transform.WithLogger(log),
		transform.WithRateLimit(h.cfg.RatePerSecond),
		transform.WithObserver(func(res transform.ChunkResult) {
			done++
			rec.SetProgress(ctx, done*100/total)
			if werr := ev.WriteChunk(ctx, &events.ChunkRecord{
				Index: res.Index,
				OK:    res.OK,
				Error: res.ErrNote,
			}); werr != nil {
				log.Warn("event write failed", zap.Error(werr))
			}
		}))

	return runner.Run(ctx, total, func(_ context.Context, i int) (transform.Request, func(), error) {
		payload, err := os.ReadFile(chunkFiles[i])
		if err != nil {
			return transform.Request{}, nil, err
		}
		cleanup := func() {
			// The segment is not needed again; free the disk before the
			// next chunk is loaded.
			_ = os.Remove(chunkFiles[i])
		}
		return transform.Request{
			ChunkIndex: i,
			Payload:    payload,
			Language:   msg.Language,
		}, cleanup, nil
	})
}

func audioMargin(cfg Config) float64 {
	if cfg.AudioMargin > 0 && cfg.AudioMargin <= 1 {
		return cfg.AudioMargin
	}
	return chunkplan.DefaultMargin
}
