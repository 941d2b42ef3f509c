// Package queue defines the job message contract between the upload frontend
// and the worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Kind selects the transformation a job performs.
type Kind string

const (
	// KindTranscription turns uploaded audio into markdown text.
	KindTranscription Kind = "transcription"

	// KindConversion turns an uploaded PDF into markdown with images.
	KindConversion Kind = "conversion"

	// KindSynthesis turns stored text into spoken audio.
	KindSynthesis Kind = "synthesis"
)

// DefaultMaxAge is how long a queued message stays actionable. Older
// messages are treated as abandoned redeliveries and dropped.
const DefaultMaxAge = 3 * time.Hour

// Message is one job request. The frontend serializes it as JSON.
type Message struct {
	JobID   string `json:"jobId"`
	OwnerID string `json:"ownerId"`

	// InputRef is the object key of the uploaded input, or of the stored
	// text for synthesis jobs.
	InputRef string `json:"inputRef"`

	Kind Kind `json:"kind"`

	// Language is an optional hint passed to external services.
	Language string `json:"language,omitempty"`

	// SizeHint is the input size in bytes reported at upload time. Zero
	// means unknown; the worker then sizes the object itself.
	SizeHint int64 `json:"sizeHint,omitempty"`

	// Timestamp is when the frontend enqueued the job.
	Timestamp time.Time `json:"timestamp"`
}

// Decode parses a raw queue payload.
func Decode(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode job message: %w", err)
	}
	return &msg, nil
}

// Validate checks the fields the worker cannot proceed without.
func (m *Message) Validate() error {
	if m.JobID == "" {
		return fmt.Errorf("job message missing jobId")
	}
	if m.OwnerID == "" {
		return fmt.Errorf("job message missing ownerId")
	}
	if m.InputRef == "" {
		return fmt.Errorf("job message missing inputRef")
	}
	switch m.Kind {
	case KindTranscription, KindConversion, KindSynthesis:
	default:
		return fmt.Errorf("job message has unknown kind %q", m.Kind)
	}
	return nil
}

// IsStale reports whether the message is older than maxAge at the given
// instant. Zero maxAge means the default. A zero timestamp is never stale;
// age cannot be established, so the job runs.
func (m *Message) IsStale(now time.Time, maxAge time.Duration) bool {
	if m.Timestamp.IsZero() {
		return false
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return now.Sub(m.Timestamp) > maxAge
}

// Handler processes one decoded message. Returning retryable=true leaves the
// message on the queue for redelivery; false acknowledges it regardless of
// err.
type Handler interface {
	Handle(ctx context.Context, msg *Message) (retryable bool, err error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *Message) (bool, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (bool, error) {
	return f(ctx, msg)
}

// Consumer receives messages and dispatches them to a handler until the
// context ends.
type Consumer interface {
	Run(ctx context.Context, h Handler) error
}
