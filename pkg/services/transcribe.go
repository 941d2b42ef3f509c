package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"go.uber.org/zap"

	"github.com/studyowl/mediaworks/pkg/transform"
)

// Transcriber calls the synchronous audio transcription endpoint. One audio
// chunk in, one transcript text out.
type Transcriber struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

// NewTranscriber creates a transcription client.
func NewTranscriber(cfg Config, log *zap.Logger) *Transcriber {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Transcriber{cfg: cfg, http: newHTTPClient(cfg), log: log}
}

// Name implements transform.Service.
func (t *Transcriber) Name() string { return "transcribe" }

// Transform uploads one audio chunk as a multipart form and returns its
// transcript.
func (t *Transcriber) Transform(ctx context.Context, req transform.Request) (*transform.Response, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("file", fmt.Sprintf("chunk_%03d.mp3", req.ChunkIndex))
	if err != nil {
		return nil, &CallError{Service: t.Name(), Op: "Transform", Err: err}
	}
	if _, err := part.Write(req.Payload); err != nil {
		return nil, &CallError{Service: t.Name(), Op: "Transform", Err: err}
	}
	if req.Language != "" {
		if err := form.WriteField("language", req.Language); err != nil {
			return nil, &CallError{Service: t.Name(), Op: "Transform", Err: err}
		}
	}
	if err := form.Close(); err != nil {
		return nil, &CallError{Service: t.Name(), Op: "Transform", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.TranscribeURL, &body)
	if err != nil {
		return nil, &CallError{Service: t.Name(), Op: "Transform", Err: err}
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	authorize(httpReq, t.cfg)

	resp, err := t.http.Do(httpReq)
	if err != nil {
		return nil, &CallError{Service: t.Name(), Op: "Transform", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		t.log.Warn("transcription request failed",
			zap.Int("status", resp.StatusCode),
			zap.Int("chunk_index", req.ChunkIndex),
			zap.ByteString("body", snippet))
		return nil, &CallError{Service: t.Name(), Op: "Transform", StatusCode: resp.StatusCode, Err: statusErr(resp.StatusCode)}
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &CallError{Service: t.Name(), Op: "Transform", Err: fmt.Errorf("decode response: %w", err)}
	}
	return &transform.Response{Text: out.Text}, nil
}
