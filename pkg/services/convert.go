package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/studyowl/mediaworks/pkg/transform"
)

// Converter calls the synchronous document conversion endpoint. The full PDF
// travels with every request; the page window fields tell the service which
// slice to render as markdown.
type Converter struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

// NewConverter creates a document conversion client.
func NewConverter(cfg Config, log *zap.Logger) *Converter {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Converter{cfg: cfg, http: newHTTPClient(cfg), log: log}
}

// Name implements transform.Service.
func (c *Converter) Name() string { return "convert" }

// Transform uploads the PDF with a page window and returns the rendered
// markdown for those pages.
func (c *Converter) Transform(ctx context.Context, req transform.Request) (*transform.Response, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("file", "document.pdf")
	if err != nil {
		return nil, &CallError{Service: c.Name(), Op: "Transform", Err: err}
	}
	if _, err := part.Write(req.Payload); err != nil {
		return nil, &CallError{Service: c.Name(), Op: "Transform", Err: err}
	}
	fields := map[string]string{
		"page_start": strconv.Itoa(req.PageStart),
		"page_end":   strconv.Itoa(req.PageEnd),
	}
	if req.Language != "" {
		fields["language"] = req.Language
	}
	for name, value := range fields {
		if err := form.WriteField(name, value); err != nil {
			return nil, &CallError{Service: c.Name(), Op: "Transform", Err: err}
		}
	}
	if err := form.Close(); err != nil {
		return nil, &CallError{Service: c.Name(), Op: "Transform", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ConvertURL, &body)
	if err != nil {
		return nil, &CallError{Service: c.Name(), Op: "Transform", Err: err}
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	authorize(httpReq, c.cfg)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &CallError{Service: c.Name(), Op: "Transform", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.Warn("conversion request failed",
			zap.Int("status", resp.StatusCode),
			zap.Int("page_start", req.PageStart),
			zap.Int("page_end", req.PageEnd),
			zap.ByteString("body", snippet))
		return nil, &CallError{Service: c.Name(), Op: "Transform", StatusCode: resp.StatusCode, Err: statusErr(resp.StatusCode)}
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &CallError{Service: c.Name(), Op: "Transform", Err: fmt.Errorf("decode response: %w", err)}
	}
	return &transform.Response{Text: out.Text}, nil
}
