package longrun

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/studyowl/mediaworks/pkg/storage"
)

// Discovery describes where an operation's artifacts may appear and where
// preserved copies go.
type Discovery struct {
	// DirectKey is the originally requested output path, probed first on each
	// tick. Optional.
	DirectKey string

	// Prefix is the job-scoped prefix listed for additional parts.
	Prefix string

	// Pattern is a doublestar pattern a key must match relative to Prefix.
	// Empty matches everything under the prefix.
	Pattern string

	// ExcludePrefix skips keys under this prefix during listing, so preserved
	// copies written back under Prefix are not rediscovered as new artifacts.
	ExcludePrefix string

	// NotBefore filters out objects created before the operation started.
	// Stale objects from an earlier run of the same job are not this run's
	// output.
	NotBefore time.Time

	// FinalKey maps a discovered source key to its durable destination.
	FinalKey func(srcKey string) string
}

// Monitor polls operations to completion, preserving artifacts as they
// appear.
type Monitor struct {
	store storage.Store
	cfg   Config
	log   *zap.Logger
}

// NewMonitor creates a monitor over the given artifact store. Zero config
// fields fall back to defaults.
func NewMonitor(store storage.Store, cfg Config, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{store: store, cfg: cfg.withDefaults(), log: log}
}

// Watch polls one operation until it completes, fails, or exhausts the
// attempt budget. Artifact discovery and preservation run on every tick, and
// once more against the terminal poll, so a terminal error observed together
// with fresh artifacts still preserves them before the verdict.
//
// The returned error is non-nil only for context cancellation; external
// failure and timeout are expressed through the outcome state.
func (m *Monitor) Watch(ctx context.Context, poller Poller, op *Operation, disc Discovery) (*Outcome, error) {
	log := m.log.With(zap.String("operation", op.Handle))

	for op.Attempts < m.cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		op.Attempts++

		st, err := poller.Poll(ctx, op.Handle)
		if err != nil {
			// A single failed poll is not a verdict. The operation keeps its
			// attempt budget ticking and the next interval retries.
			log.Warn("poll failed",
				zap.Int("attempt", op.Attempts),
				zap.Error(err))
		} else {
			op.Done = st.Done
			if st.Progress > op.Progress {
				op.Progress = st.Progress
				if m.cfg.OnProgress != nil {
					m.cfg.OnProgress(op.Progress)
				}
			}
			if st.Done {
				op.TerminalErr = st.ErrMessage
			}
			m.preserveTick(ctx, op, disc, st.ArtifactRefs, log)
		}

		if op.Done {
			m.preserveRemaining(ctx, op, disc, log)
			return m.verdict(op, log), nil
		}
		if op.Attempts >= m.cfg.MaxAttempts {
			break
		}
		if err := sleep(ctx, m.cfg.Interval); err != nil {
			return nil, err
		}
	}

	out := &Outcome{
		State:      Decide(false, "", len(op.discovered), true),
		Artifacts:  op.Artifacts(),
		Progress:   op.Progress,
		ErrMessage: fmt.Sprintf("no terminal status after %d polls", op.Attempts),
	}
	log.Warn("operation timed out",
		zap.Int("attempts", op.Attempts),
		zap.Int("artifacts_preserved", len(out.Artifacts)))
	return out, nil
}

func (m *Monitor) verdict(op *Operation, log *zap.Logger) *Outcome {
	out := &Outcome{
		State:      Decide(true, op.TerminalErr, len(op.discovered), false),
		Artifacts:  op.Artifacts(),
		Progress:   op.Progress,
		ErrMessage: op.TerminalErr,
	}
	switch out.State {
	case StatePartial:
		log.Warn("operation ended with error but artifacts survive",
			zap.String("terminal_error", op.TerminalErr),
			zap.Int("artifacts_preserved", len(out.Artifacts)))
	case StateFailed:
		log.Error("operation failed with no artifacts",
			zap.String("terminal_error", op.TerminalErr))
	default:
		log.Info("operation completed",
			zap.Int("artifacts_preserved", len(out.Artifacts)))
	}
	return out
}

// terminalPreserveRetries bounds the extra copy passes run against the
// terminal poll, where no next tick exists to pick up a failed copy.
const terminalPreserveRetries = 3

// preserveRemaining re-attempts the durable copy for every discovered key
// still missing one. Run before the verdict so a copy failure on the final
// tick cannot leave discovered output unpreserved without a fight.
func (m *Monitor) preserveRemaining(ctx context.Context, op *Operation, disc Discovery, log *zap.Logger) {
	for i := 0; i < terminalPreserveRetries; i++ {
		pending := op.unpreserved()
		if len(pending) == 0 {
			return
		}
		for _, key := range pending {
			m.preserveOne(ctx, op, disc, key, log)
		}
	}
}

// preserveTick discovers new artifacts and copies each to durable storage.
// Discovery errors are logged and skipped; the next tick retries.
func (m *Monitor) preserveTick(ctx context.Context, op *Operation, disc Discovery, reported []string, log *zap.Logger) {
	// Discovered keys whose copy failed on an earlier tick come first.
	for _, key := range op.unpreserved() {
		m.preserveOne(ctx, op, disc, key, log)
	}

	for _, key := range reported {
		if key != "" {
			m.preserveOne(ctx, op, disc, key, log)
		}
	}

	if disc.DirectKey != "" && !op.discovered[disc.DirectKey] {
		if _, err := m.store.Head(ctx, disc.DirectKey); err == nil {
			m.preserveOne(ctx, op, disc, disc.DirectKey, log)
		} else if !storage.IsNotFound(err) {
			log.Warn("artifact probe failed", zap.String("key", disc.DirectKey), zap.Error(err))
		}
	}

	if disc.Prefix == "" {
		return
	}
	token := ""
	for {
		res, err := m.store.List(ctx, storage.ListOptions{
			Prefix:            disc.Prefix,
			ContinuationToken: token,
		})
		if err != nil {
			log.Warn("artifact listing failed", zap.String("prefix", disc.Prefix), zap.Error(err))
			return
		}
		for _, obj := range res.Objects {
			if m.eligible(op, disc, obj) {
				m.preserveOne(ctx, op, disc, obj.Key, log)
			}
		}
		if !res.IsTruncated || res.ContinuationToken == "" {
			return
		}
		token = res.ContinuationToken
	}
}

func (m *Monitor) eligible(op *Operation, disc Discovery, obj storage.ObjectSummary) bool {
	if op.discovered[obj.Key] {
		return false
	}
	if disc.ExcludePrefix != "" && strings.HasPrefix(obj.Key, disc.ExcludePrefix) {
		return false
	}
	if !disc.NotBefore.IsZero() && obj.LastModified.Before(disc.NotBefore) {
		return false
	}
	if disc.Pattern != "" {
		rel := strings.TrimPrefix(obj.Key, disc.Prefix)
		ok, err := doublestar.Match(disc.Pattern, rel)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// preserveOne records a discovered artifact and copies it to its durable
// key. Discovery is recorded before the copy is attempted; a failed copy is
// retried on the next tick, and once more through the terminal passes.
func (m *Monitor) preserveOne(ctx context.Context, op *Operation, disc Discovery, srcKey string, log *zap.Logger) {
	op.discovered[srcKey] = true
	if _, ok := op.preserved[srcKey]; ok {
		return
	}
	dst := srcKey
	if disc.FinalKey != nil {
		dst = disc.FinalKey(srcKey)
	}
	if dst != srcKey {
		if err := m.store.Copy(ctx, srcKey, dst); err != nil {
			log.Warn("artifact preservation failed",
				zap.String("src", srcKey),
				zap.String("dst", dst),
				zap.Error(err))
			return
		}
	}
	op.preserved[srcKey] = dst
	if m.cfg.OnPreserve != nil {
		m.cfg.OnPreserve(srcKey, dst)
	}
	log.Info("artifact preserved", zap.String("src", srcKey), zap.String("dst", dst))
}

// WatchAll runs several operations sequentially, each to its own terminal
// state, and returns the per-operation outcomes.
func (m *Monitor) WatchAll(ctx context.Context, poller Poller, ops []*Operation, disc Discovery) ([]*Outcome, error) {
	outcomes := make([]*Outcome, 0, len(ops))
	for _, op := range ops {
		out, err := m.Watch(ctx, poller, op, disc)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// Aggregate folds per-operation outcomes into a single verdict. Any hard
// failure or timeout fails the set; otherwise partials degrade the whole to
// partial, and artifacts accumulate across operations.
func Aggregate(outcomes []*Outcome) *Outcome {
	agg := &Outcome{State: StateSucceeded}
	for _, out := range outcomes {
		agg.Artifacts = append(agg.Artifacts, out.Artifacts...)
		if out.Progress > agg.Progress {
			agg.Progress = out.Progress
		}
		switch out.State {
		case StateFailed, StateTimedOut:
			agg.State = out.State
			agg.ErrMessage = out.ErrMessage
		case StatePartial:
			if agg.State == StateSucceeded {
				agg.State = StatePartial
				agg.ErrMessage = out.ErrMessage
			}
		}
	}
	return agg
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
