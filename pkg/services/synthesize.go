package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/studyowl/mediaworks/pkg/longrun"
)

// Synthesizer calls the asynchronous speech synthesis service. Start submits
// the text and returns an operation handle; Poll reads the operation's state
// until the service reports a terminal payload.
type Synthesizer struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

// NewSynthesizer creates a speech synthesis client.
func NewSynthesizer(cfg Config, log *zap.Logger) *Synthesizer {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Synthesizer{cfg: cfg, http: newHTTPClient(cfg), log: log}
}

// Name implements longrun.Launcher.
func (s *Synthesizer) Name() string { return "synthesize" }

// Start implements longrun.Launcher.
func (s *Synthesizer) Start(ctx context.Context, req longrun.StartRequest) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"text":          req.Text,
		"language":      req.Language,
		"output_key":    req.OutputKey,
		"output_prefix": req.OutputPrefix,
	})
	if err != nil {
		return "", &CallError{Service: s.Name(), Op: "Start", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.SynthesizeURL, bytes.NewReader(payload))
	if err != nil {
		return "", &CallError{Service: s.Name(), Op: "Start", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	authorize(httpReq, s.cfg)

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return "", &CallError{Service: s.Name(), Op: "Start", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.log.Warn("synthesis start failed",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", snippet))
		return "", &CallError{Service: s.Name(), Op: "Start", StatusCode: resp.StatusCode, Err: statusErr(resp.StatusCode)}
	}

	var out struct {
		OperationID string `json:"operation_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &CallError{Service: s.Name(), Op: "Start", Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.OperationID == "" {
		return "", &CallError{Service: s.Name(), Op: "Start", Err: fmt.Errorf("empty operation id")}
	}
	return out.OperationID, nil
}

// Poll implements longrun.Poller.
func (s *Synthesizer) Poll(ctx context.Context, handle string) (*longrun.PollStatus, error) {
	url := strings.TrimRight(s.cfg.SynthesizeURL, "/") + "/" + handle

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &CallError{Service: s.Name(), Op: "Poll", Err: err}
	}
	authorize(httpReq, s.cfg)

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return nil, &CallError{Service: s.Name(), Op: "Poll", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &CallError{Service: s.Name(), Op: "Poll", StatusCode: resp.StatusCode, Err: statusErr(resp.StatusCode)}
	}

	var out struct {
		Done         bool     `json:"done"`
		Progress     int      `json:"progress"`
		ArtifactRefs []string `json:"artifact_refs"`
		Error        string   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &CallError{Service: s.Name(), Op: "Poll", Err: fmt.Errorf("decode response: %w", err)}
	}
	return &longrun.PollStatus{
		Done:         out.Done,
		Progress:     out.Progress,
		ArtifactRefs: out.ArtifactRefs,
		ErrMessage:   out.Error,
	}, nil
}
