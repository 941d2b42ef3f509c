package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/studyowl/mediaworks/pkg/chunkplan"
	"github.com/studyowl/mediaworks/pkg/events"
	"github.com/studyowl/mediaworks/pkg/jobstatus"
	"github.com/studyowl/mediaworks/pkg/merge"
	"github.com/studyowl/mediaworks/pkg/paths"
	"github.com/studyowl/mediaworks/pkg/queue"
	"github.com/studyowl/mediaworks/pkg/transform"
)

// convert runs the PDF flow: fetch, plan page windows, transform each
// window, concatenate in page order, upload.
func (h *Handler) convert(ctx context.Context, msg *queue.Message, rec *jobstatus.Recorder, ev events.Writer, log *zap.Logger) error {
	rec.SetProcessing(ctx, "conversion")

	pdf, err := h.fetchAll(ctx, msg.InputRef)
	if err != nil {
		return err
	}

	pageCount, err := h.svcs.PageCounter.PageCount(ctx, pdf)
	if err != nil {
		return jobErrorf(KindExternal, "could not inspect PDF input: %v", err)
	}

	plan, err := chunkplan.PlanPages(pageCount, chunkplan.PageConfig{
		PagesPerChunk: h.cfg.PagesPerChunk,
	})
	if err != nil {
		return jobErrorf(KindSizeLimit, "could not plan page windows: %v", err)
	}
	log.Info("page plan ready", zap.Int("pages", pageCount), zap.Int("chunks", len(plan)))

	if werr := ev.WriteStage(ctx, &events.StageRecord{Stage: "conversion", ChunkCount: len(plan)}); werr != nil {
		log.Warn("event write failed", zap.Error(werr))
	}

	total := len(plan)
	done := 0
	runner := transform.NewRunner(h.svcs.Converter,
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

	// Every window carries the same PDF buffer with a different page range;
	// the payload is read once and shared, so no per-chunk cleanup exists.
	results := runner.Run(ctx, total, func(_ context.Context, i int) (transform.Request, func(), error) {
		return transform.Request{
			ChunkIndex: i,
			Payload:    pdf,
			Language:   msg.Language,
			PageStart:  plan[i].Start,
			PageEnd:    plan[i].End,
		}, nil, nil
	})

	if transform.AllFailed(results) {
		return jobErrorf(KindAllChunksFailed, "all %d page windows failed to convert", total)
	}

	art := merge.Pages(results, plan)
	key := paths.ConvertedMarkdown(msg.OwnerID, msg.JobID)
	if err := h.store.Put(ctx, key, strings.NewReader(art.Content), int64(len(art.Content)), "text/markdown"); err != nil {
		return fmt.Errorf("upload converted markdown: %w", err)
	}

	warning := ""
	if art.FailedChunks > 0 {
		warning = fmt.Sprintf("%d of %d page windows failed to convert", art.FailedChunks, art.SourceChunks)
	}
	rec.SetCompleted(ctx, jobstatus.ArtifactRef{Key: key}, warning)
	return nil
}
