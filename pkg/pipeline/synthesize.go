package pipeline

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/studyowl/mediaworks/pkg/events"
	"github.com/studyowl/mediaworks/pkg/jobstatus"
	"github.com/studyowl/mediaworks/pkg/longrun"
	"github.com/studyowl/mediaworks/pkg/paths"
	"github.com/studyowl/mediaworks/pkg/queue"
)

// synthesize runs the text-to-speech flow: size pre-check, single dispatch
// to the asynchronous service, monitored polling with incremental artifact
// preservation.
func (h *Handler) synthesize(ctx context.Context, msg *queue.Message, rec *jobstatus.Recorder, ev events.Writer, log *zap.Logger) error {
	rec.SetProcessing(ctx, "synthesis")

	raw, err := h.fetchAll(ctx, msg.InputRef)
	if err != nil {
		return err
	}
	text := string(raw)

	// Pre-flight size check; no dispatch is attempted past the limit.
	chars := utf8.RuneCountInString(text)
	if chars > h.cfg.SynthesisMaxChars {
		return jobErrorf(KindSizeLimit,
			"input is %d characters, above the %d character synthesis limit",
			chars, h.cfg.SynthesisMaxChars)
	}

	if werr := ev.WriteStage(ctx, &events.StageRecord{Stage: "synthesis"}); werr != nil {
		log.Warn("event write failed", zap.Error(werr))
	}

	started := h.now()
	handle, err := h.svcs.Synthesizer.Start(ctx, longrun.StartRequest{
		Text:         text,
		Language:     msg.Language,
		OutputKey:    paths.SynthesisPart(msg.OwnerID, msg.JobID, 0),
		OutputPrefix: paths.SynthesisPrefix(msg.OwnerID, msg.JobID),
	})
	if err != nil {
		// No terminal state yet; the queue may retry the whole job.
		return fmt.Errorf("start synthesis: %w", err)
	}
	log.Info("synthesis dispatched",
		zap.String("service", h.svcs.Synthesizer.Name()),
		zap.String("operation", handle))

	pollCfg := h.cfg.Poll
	pollCfg.OnProgress = func(percent int) {
		rec.SetProgress(ctx, percent)
	}
	pollCfg.OnPreserve = func(src, dst string) {
		if werr := ev.WritePreserve(ctx, &events.PreserveRecord{Src: src, Dst: dst}); werr != nil {
			log.Warn("event write failed", zap.Error(werr))
		}
	}
	monitor := longrun.NewMonitor(h.store, pollCfg, log)

	op := longrun.NewOperation(handle)
	out, err := monitor.Watch(ctx, h.svcs.Synthesizer, op, longrun.Discovery{
		DirectKey:     paths.SynthesisPart(msg.OwnerID, msg.JobID, 0),
		Prefix:        paths.SynthesisPrefix(msg.OwnerID, msg.JobID),
		Pattern:       paths.SynthesisPartPattern,
		ExcludePrefix: paths.SynthesisFinalPrefix(msg.OwnerID, msg.JobID),
		// Store timestamps have second granularity; allow a little skew so
		// parts written right at dispatch are not mistaken for leftovers.
		NotBefore: started.Add(-2 * time.Second),
		FinalKey: func(src string) string {
			return paths.SynthesisFinal(msg.OwnerID, msg.JobID, src)
		},
	})
	if err != nil {
		return err
	}

	switch out.State {
	case longrun.StateSucceeded, longrun.StatePartial:
		ref := jobstatus.ArtifactRef{
			Prefix:      paths.SynthesisFinalPrefix(msg.OwnerID, msg.JobID),
			IsMultipart: len(out.Artifacts) > 1,
			ChunkCount:  len(out.Artifacts),
		}
		if len(out.Artifacts) == 1 {
			ref.Key = out.Artifacts[0]
		}
		warning := ""
		if out.State == longrun.StatePartial {
			warning = fmt.Sprintf("synthesis ended with an error after producing %d parts: %s",
				len(out.Artifacts), out.ErrMessage)
		}
		rec.SetCompleted(ctx, ref, warning)
		return nil
	case longrun.StateTimedOut:
		return jobErrorf(KindPollTimeout, "synthesis never completed: %s", out.ErrMessage)
	default:
		return jobErrorf(KindExternal, "synthesis failed: %s", out.ErrMessage)
	}
}
