// Package longrun monitors asynchronous external operations to completion.
//
// Some external services return an opaque operation handle instead of an
// immediate result. The monitor polls the handle on a fixed interval with a
// bounded attempt count, and on every tick discovers and durably preserves
// any output artifacts the service has produced so far. Preservation before
// verdict is the package's core invariant: once an artifact has been seen it
// is copied to final storage before the operation may be declared failed, so
// a late external error can never throw away output that already exists.
package longrun

import (
	"context"
	"sort"
	"time"
)

// PollStatus is one snapshot of an external operation.
type PollStatus struct {
	// Done reports whether the operation reached a terminal state.
	Done bool

	// Progress is the external service's percent estimate, 0-100.
	Progress int

	// ArtifactRefs are output keys the service reports directly, if any.
	// Discovery by listing runs regardless, since services have been observed
	// to split output into files they never report.
	ArtifactRefs []string

	// ErrMessage carries the terminal error embedded in the final payload.
	// Empty means a clean completion. Only meaningful when Done is true.
	ErrMessage string
}

// Poller polls an external operation handle.
type Poller interface {
	Poll(ctx context.Context, handle string) (*PollStatus, error)
}

// Launcher starts an asynchronous external transformation and exposes the
// poll side of the contract.
type Launcher interface {
	// Name identifies the service in logs.
	Name() string

	// Start dispatches the input and returns an opaque operation handle.
	Start(ctx context.Context, req StartRequest) (handle string, err error)

	Poller
}

// StartRequest carries the input of an asynchronous transformation.
type StartRequest struct {
	// Text is the content to transform (synthesis input).
	Text string

	// Language is an optional hint.
	Language string

	// OutputKey is the originally requested output path.
	OutputKey string

	// OutputPrefix is the job-scoped prefix the service may write additional
	// parts under.
	OutputPrefix string
}

// Operation tracks one external operation through the monitor's loop.
// Created by dispatch, mutated only by the polling loop, discarded once the
// job reaches a terminal state.
type Operation struct {
	// Handle is the external operation handle.
	Handle string

	// Done mirrors the last poll's terminal flag.
	Done bool

	// Progress is the last reported percent.
	Progress int

	// Attempts counts polls performed so far.
	Attempts int

	// TerminalErr is the error embedded in the terminal payload, if any.
	TerminalErr string

	// discovered tracks artifact source keys seen so far. A key is recorded
	// here the moment it is found, before its durable copy is attempted, so
	// the verdict can never treat discovered output as nonexistent.
	discovered map[string]bool

	// preserved maps artifact source keys to their durable destination keys.
	preserved map[string]string
}

// NewOperation creates an operation for the given handle.
func NewOperation(handle string) *Operation {
	return &Operation{
		Handle:     handle,
		discovered: make(map[string]bool),
		preserved:  make(map[string]string),
	}
}

// Preserved returns the durable keys of every preserved artifact, in
// discovery-independent sorted order.
func (o *Operation) Preserved() []string {
	return sortedValues(o.preserved)
}

// Artifacts returns every discovered artifact, in sorted order: the durable
// key where the copy landed, or the source key where it did not.
func (o *Operation) Artifacts() []string {
	out := make([]string, 0, len(o.discovered))
	for src := range o.discovered {
		if dst, ok := o.preserved[src]; ok {
			out = append(out, dst)
		} else {
			out = append(out, src)
		}
	}
	sort.Strings(out)
	return out
}

// unpreserved lists discovered source keys whose durable copy has not landed
// yet, in sorted order.
func (o *Operation) unpreserved() []string {
	var out []string
	for src := range o.discovered {
		if _, ok := o.preserved[src]; !ok {
			out = append(out, src)
		}
	}
	sort.Strings(out)
	return out
}

// State is the terminal classification of a monitored operation.
type State string

const (
	// StatePending means the operation has not reached a terminal state.
	StatePending State = "pending"

	// StateSucceeded means the operation completed cleanly.
	StateSucceeded State = "succeeded"

	// StatePartial means the operation reported a terminal error but left
	// usable artifacts; the job is treated as a degraded success. Discovered
	// artifacts are preserved durably where possible, and kept at their
	// source keys where every copy attempt failed.
	StatePartial State = "partial"

	// StateFailed means the operation reported a terminal error and produced
	// no discoverable artifacts.
	StateFailed State = "failed"

	// StateTimedOut means the attempt budget ran out before any terminal
	// signal arrived. Distinct from StateFailed: the external service never
	// answered, so its error detail does not exist.
	StateTimedOut State = "timed_out"
)

// Decide is the monitor's transition function. It classifies an operation
// given the last poll view and the count of discovered artifacts.
//
// A terminal error does not automatically mean failure: when artifacts were
// already produced they win, and only a zero-artifact terminal error
// propagates as job failure. The count is of discovered artifacts, not
// preserved ones: output that exists at its source key is still output, even
// when the durable copy has not landed.
func Decide(done bool, terminalErr string, artifactCount int, attemptsExhausted bool) State {
	switch {
	case !done && attemptsExhausted:
		return StateTimedOut
	case !done:
		return StatePending
	case terminalErr == "":
		return StateSucceeded
	case artifactCount > 0:
		return StatePartial
	default:
		return StateFailed
	}
}

// Outcome is the monitor's verdict for one operation.
type Outcome struct {
	State State

	// Artifacts are the keys of discovered output, sorted: durable keys
	// where preservation landed, source keys for the rare artifact whose
	// copy kept failing through the terminal retries.
	Artifacts []string

	// Progress is the last reported percent.
	Progress int

	// ErrMessage is the external terminal error, or a timeout note.
	ErrMessage string
}

// Succeeded reports whether the outcome counts as job success, partial
// completions included.
func (o *Outcome) Succeeded() bool {
	return o.State == StateSucceeded || o.State == StatePartial
}

// Config tunes the polling loop.
type Config struct {
	// Interval between polls. Default 5s.
	Interval time.Duration

	// MaxAttempts bounds the polls per operation. Default 100.
	MaxAttempts int

	// OnProgress, when set, is called whenever an operation's progress
	// percent increases.
	OnProgress func(percent int)

	// OnPreserve, when set, is called after each artifact is copied to its
	// durable key.
	OnPreserve func(srcKey, dstKey string)
}

// DefaultConfig returns the default polling configuration.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		MaxAttempts: 100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

func sortedValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
