// Package services implements clients for the external transformation
// services: synchronous transcription and document conversion, and the
// asynchronous speech synthesis service with its poll endpoint.
package services

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for service calls.
var (
	// ErrUnauthorized indicates the API key was rejected.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrBadRequest indicates the service rejected the request payload.
	ErrBadRequest = errors.New("bad request")

	// ErrServiceUnavailable indicates a transient upstream failure.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// CallError wraps service call failures with context.
type CallError struct {
	// Service is the client name (e.g. "transcribe").
	Service string

	// Op is the call that failed (e.g. "Transform", "Poll").
	Op string

	// StatusCode is the HTTP status, zero when the request never completed.
	StatusCode int

	// Err is the underlying error.
	Err error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Service, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Config holds the endpoints and credentials for all external services.
type Config struct {
	// TranscribeURL is the synchronous audio transcription endpoint.
	TranscribeURL string

	// ConvertURL is the synchronous document conversion endpoint.
	ConvertURL string

	// SynthesizeURL is the asynchronous speech synthesis start endpoint.
	// Poll requests go to SynthesizeURL/{handle}.
	SynthesizeURL string

	// APIKey is sent as a bearer token on every request.
	APIKey string

	// Timeout bounds each HTTP call. Default 5m; chunk payloads are large.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	return c
}

func newHTTPClient(cfg Config) *http.Client {
	return &http.Client{Timeout: cfg.Timeout}
}

// statusErr maps an HTTP status to the matching sentinel.
func statusErr(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthorized
	case code >= 400 && code < 500:
		return ErrBadRequest
	default:
		return ErrServiceUnavailable
	}
}

func authorize(req *http.Request, cfg Config) {
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
}
