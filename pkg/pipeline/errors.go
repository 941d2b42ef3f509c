package pipeline

import "fmt"

// ErrorKind classifies terminal job failures.
type ErrorKind string

const (
	// KindSizeLimit means the input exceeds what the external service can
	// accept even after chunking and re-encoding. Detected pre-flight where
	// possible.
	KindSizeLimit ErrorKind = "size_limit"

	// KindAllChunksFailed means every chunk transformation failed, leaving
	// nothing worth merging.
	KindAllChunksFailed ErrorKind = "all_chunks_failed"

	// KindExternal means the external service reported a terminal error and
	// produced no usable artifacts.
	KindExternal ErrorKind = "external"

	// KindPollTimeout means the external operation never reached a terminal
	// state within the attempt budget. Distinct from KindExternal: no error
	// detail from the service exists.
	KindPollTimeout ErrorKind = "poll_timeout"
)

// JobError is a terminal job failure. Once one is raised the handler records
// error status and acknowledges the message; retrying would fail the same
// way.
type JobError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *JobError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

func jobErrorf(kind ErrorKind, format string, args ...any) *JobError {
	return &JobError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
