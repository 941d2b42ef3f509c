package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyowl/mediaworks/pkg/jobstatus"
	"github.com/studyowl/mediaworks/pkg/longrun"
	"github.com/studyowl/mediaworks/pkg/paths"
	"github.com/studyowl/mediaworks/pkg/queue"
	"github.com/studyowl/mediaworks/pkg/storage"
	"github.com/studyowl/mediaworks/pkg/storage/file"
	"github.com/studyowl/mediaworks/pkg/transform"
)

// fakeTranscriber transcribes by echoing a per-call script.
type fakeTranscriber struct {
	calls   int
	results []string
	errs    []error
}

func (f *fakeTranscriber) Name() string { return "fake-stt" }

func (f *fakeTranscriber) Transform(_ context.Context, req transform.Request) (*transform.Response, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return &transform.Response{Text: f.results[i]}, nil
	}
	return &transform.Response{Text: fmt.Sprintf("chunk %d text", req.ChunkIndex)}, nil
}

// fakeConverter renders a marker per page window.
type fakeConverter struct {
	calls int
	fail  map[int]bool
}

func (f *fakeConverter) Name() string { return "fake-ocr" }

func (f *fakeConverter) Transform(_ context.Context, req transform.Request) (*transform.Response, error) {
	f.calls++
	if f.fail[req.ChunkIndex] {
		return nil, errors.New("upstream 500")
	}
	return &transform.Response{Text: fmt.Sprintf("content of pages %d to %d", req.PageStart, req.PageEnd)}, nil
}

type fakePageCounter struct {
	pages int
}

func (f fakePageCounter) PageCount(context.Context, []byte) (int, error) {
	return f.pages, nil
}

// fakeSynthesizer hands out one handle and replays a poll script, writing
// artifacts into the store before chosen polls.
type fakeSynthesizer struct {
	store    storage.Store
	starts   int
	polls    int
	statuses []longrun.PollStatus
	artifact func(call int) (key, content string)
}

func (f *fakeSynthesizer) Name() string { return "fake-tts" }

func (f *fakeSynthesizer) Start(context.Context, longrun.StartRequest) (string, error) {
	f.starts++
	return "op-42", nil
}

func (f *fakeSynthesizer) Poll(ctx context.Context, _ string) (*longrun.PollStatus, error) {
	call := f.polls
	f.polls++
	if f.artifact != nil {
		if key, content := f.artifact(call); key != "" {
			err := f.store.Put(ctx, key, strings.NewReader(content), int64(len(content)), "audio/mpeg")
			if err != nil {
				return nil, err
			}
		}
	}
	i := call
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	st := f.statuses[i]
	return &st, nil
}

type fixture struct {
	handler *Handler
	store   storage.Store
	docs    *jobstatus.MemoryStore
	events  *bytes.Buffer
}

func newFixture(t *testing.T, svcs Services, cfg Config) *fixture {
	t.Helper()
	store, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = time.Millisecond
	}
	if cfg.Poll.MaxAttempts == 0 {
		cfg.Poll.MaxAttempts = 10
	}
	cfg.TempDir = t.TempDir()

	docs := jobstatus.NewMemoryStore()
	var events bytes.Buffer
	h := NewHandler(store, docs, svcs, nil, cfg, nil, WithEventOutput(&events))
	return &fixture{handler: h, store: store, docs: docs, events: &events}
}

func (f *fixture) putObject(t *testing.T, key, content string) {
	t.Helper()
	err := f.store.Put(context.Background(), key, strings.NewReader(content), int64(len(content)), "application/octet-stream")
	require.NoError(t, err)
}

func (f *fixture) readObject(t *testing.T, key string) string {
	t.Helper()
	body, _, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) doc(t *testing.T) *jobstatus.Document {
	t.Helper()
	doc, err := f.docs.Load(context.Background(), "u1", "j1")
	require.NoError(t, err)
	return doc
}

func msgOf(kind queue.Kind, inputRef string) *queue.Message {
	return &queue.Message{
		JobID:     "j1",
		OwnerID:   "u1",
		InputRef:  inputRef,
		Kind:      kind,
		Language:  "en",
		Timestamp: time.Now(),
	}
}

func TestHandle_StaleMessageIsNoOp(t *testing.T) {
	stt := &fakeTranscriber{}
	f := newFixture(t, Services{Transcriber: stt}, Config{})

	msg := msgOf(queue.KindTranscription, "users/u1/jobs/j1/input/a.mp3")
	msg.Timestamp = time.Now().Add(-4 * time.Hour)

	retryable, err := f.handler.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, retryable)

	// No status write, no external calls, no event trail.
	assert.Nil(t, f.doc(t))
	assert.Zero(t, stt.calls)
	assert.Zero(t, f.events.Len())
}

func TestHandle_TranscriptionDirectPath(t *testing.T) {
	stt := &fakeTranscriber{results: []string{"hello from the lecture"}}
	f := newFixture(t, Services{Transcriber: stt}, Config{AudioHardLimitBytes: 1 << 20})

	inputKey := paths.Input("u1", "j1", "lecture.mp3")
	f.putObject(t, inputKey, "tiny audio payload")

	retryable, err := f.handler.Handle(context.Background(), msgOf(queue.KindTranscription, inputKey))
	require.NoError(t, err)
	assert.False(t, retryable)
	assert.Equal(t, 1, stt.calls)

	doc := f.doc(t)
	require.NotNil(t, doc)
	assert.Equal(t, jobstatus.StatusCompleted, doc.Status)
	require.NotNil(t, doc.Artifact)
	assert.Equal(t, paths.TranscriptMarkdown("u1", "j1"), doc.Artifact.Key)
	assert.Equal(t, "hello from the lecture", f.readObject(t, doc.Artifact.Key))
}

func TestHandle_TranscriptionAllChunksFailed(t *testing.T) {
	stt := &fakeTranscriber{errs: []error{errors.New("bad audio")}}
	f := newFixture(t, Services{Transcriber: stt}, Config{AudioHardLimitBytes: 1 << 20})

	inputKey := paths.Input("u1", "j1", "lecture.mp3")
	f.putObject(t, inputKey, "tiny audio payload")

	retryable, err := f.handler.Handle(context.Background(), msgOf(queue.KindTranscription, inputKey))
	require.Error(t, err)
	assert.False(t, retryable, "terminal failure must not be retried")

	var jerr *JobError
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, KindAllChunksFailed, jerr.Kind)

	doc := f.doc(t)
	require.NotNil(t, doc)
	assert.Equal(t, jobstatus.StatusError, doc.Status)
	assert.Contains(t, doc.Error, "failed to transcribe")
}

func TestHandle_TranscriptionMissingInputIsRetryable(t *testing.T) {
	f := newFixture(t, Services{Transcriber: &fakeTranscriber{}}, Config{})

	retryable, err := f.handler.Handle(context.Background(), msgOf(queue.KindTranscription, "users/u1/jobs/j1/input/missing.mp3"))
	require.Error(t, err)
	assert.True(t, retryable)

	// No terminal state recorded; redelivery owns the retry.
	doc := f.doc(t)
	if doc != nil {
		assert.False(t, doc.Status.Terminal())
	}
}

func TestHandle_ConversionMergesPageWindows(t *testing.T) {
	conv := &fakeConverter{}
	f := newFixture(t, Services{Converter: conv, PageCounter: fakePageCounter{pages: 45}}, Config{PagesPerChunk: 20})

	inputKey := paths.Input("u1", "j1", "notes.pdf")
	f.putObject(t, inputKey, "%PDF-1.7 pretend")

	retryable, err := f.handler.Handle(context.Background(), msgOf(queue.KindConversion, inputKey))
	require.NoError(t, err)
	assert.False(t, retryable)
	assert.Equal(t, 3, conv.calls)

	doc := f.doc(t)
	require.NotNil(t, doc)
	assert.Equal(t, jobstatus.StatusCompleted, doc.Status)

	content := f.readObject(t, paths.ConvertedMarkdown("u1", "j1"))
	assert.Contains(t, content, "content of pages 1 to 20")
	assert.Contains(t, content, "content of pages 41 to 45")
	assert.Contains(t, content, "<!-- pages 21-40 -->")
}

func TestHandle_ConversionFailedWindowKeepsPosition(t *testing.T) {
	conv := &fakeConverter{fail: map[int]bool{1: true}}
	f := newFixture(t, Services{Converter: conv, PageCounter: fakePageCounter{pages: 60}}, Config{PagesPerChunk: 20})

	inputKey := paths.Input("u1", "j1", "notes.pdf")
	f.putObject(t, inputKey, "%PDF-1.7 pretend")

	_, err := f.handler.Handle(context.Background(), msgOf(queue.KindConversion, inputKey))
	require.NoError(t, err)

	content := f.readObject(t, paths.ConvertedMarkdown("u1", "j1"))
	first := strings.Index(content, "content of pages 1 to 20")
	marker := strings.Index(content, "[failed to process chunk 1]")
	last := strings.Index(content, "content of pages 41 to 60")
	require.GreaterOrEqual(t, first, 0)
	require.Greater(t, marker, first)
	require.Greater(t, last, marker)

	doc := f.doc(t)
	assert.Equal(t, jobstatus.StatusCompleted, doc.Status)
	assert.Contains(t, doc.Warning, "1 of 3")
}

func TestHandle_SynthesisPartialArtifactsCompleteTheJob(t *testing.T) {
	f := newFixture(t, Services{}, Config{})
	prefix := paths.SynthesisPrefix("u1", "j1")
	tts := &fakeSynthesizer{
		store: f.store,
		statuses: []longrun.PollStatus{
			{Done: false, Progress: 70},
			{Done: true, Progress: 70, ErrMessage: "voice backend crashed"},
		},
		artifact: func(call int) (string, string) {
			if call == 1 {
				for i := 0; i < 4; i++ {
					key := fmt.Sprintf("%spart-%03d.mp3", prefix, i)
					_ = f.store.Put(context.Background(), key, strings.NewReader("audio"), 5, "audio/mpeg")
				}
			}
			return "", ""
		},
	}
	f.handler.svcs.Synthesizer = tts

	inputKey := paths.Input("u1", "j1", "script.txt")
	f.putObject(t, inputKey, "read this aloud")

	retryable, err := f.handler.Handle(context.Background(), msgOf(queue.KindSynthesis, inputKey))
	require.NoError(t, err)
	assert.False(t, retryable)

	doc := f.doc(t)
	require.NotNil(t, doc)
	assert.Equal(t, jobstatus.StatusCompleted, doc.Status)
	require.NotNil(t, doc.Artifact)
	assert.True(t, doc.Artifact.IsMultipart)
	assert.Equal(t, 4, doc.Artifact.ChunkCount)
	assert.Contains(t, doc.Warning, "voice backend crashed")

	// Parts must have been preserved under the final prefix.
	finalPrefix := paths.SynthesisFinalPrefix("u1", "j1")
	res, err := f.store.List(context.Background(), storage.ListOptions{Prefix: finalPrefix})
	require.NoError(t, err)
	assert.Len(t, res.Objects, 4)
}

func TestHandle_SynthesisErrorWithoutArtifactsFails(t *testing.T) {
	f := newFixture(t, Services{}, Config{})
	f.handler.svcs.Synthesizer = &fakeSynthesizer{
		store:    f.store,
		statuses: []longrun.PollStatus{{Done: true, ErrMessage: "invalid voice id"}},
	}

	inputKey := paths.Input("u1", "j1", "script.txt")
	f.putObject(t, inputKey, "read this aloud")

	retryable, err := f.handler.Handle(context.Background(), msgOf(queue.KindSynthesis, inputKey))
	require.Error(t, err)
	assert.False(t, retryable)

	var jerr *JobError
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, KindExternal, jerr.Kind)

	doc := f.doc(t)
	require.NotNil(t, doc)
	assert.Equal(t, jobstatus.StatusError, doc.Status)
	assert.Contains(t, doc.Error, "invalid voice id")
}

func TestHandle_SynthesisTimeout(t *testing.T) {
	f := newFixture(t, Services{}, Config{Poll: longrun.Config{Interval: time.Millisecond, MaxAttempts: 3}})
	tts := &fakeSynthesizer{
		store:    f.store,
		statuses: []longrun.PollStatus{{Done: false, Progress: 5}},
	}
	f.handler.svcs.Synthesizer = tts

	inputKey := paths.Input("u1", "j1", "script.txt")
	f.putObject(t, inputKey, "read this aloud")

	_, err := f.handler.Handle(context.Background(), msgOf(queue.KindSynthesis, inputKey))
	require.Error(t, err)

	var jerr *JobError
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, KindPollTimeout, jerr.Kind)
	assert.Equal(t, 3, tts.polls)

	doc := f.doc(t)
	assert.Equal(t, jobstatus.StatusError, doc.Status)
}

func TestHandle_SynthesisSizeLimitPreflight(t *testing.T) {
	f := newFixture(t, Services{}, Config{SynthesisMaxChars: 10})
	tts := &fakeSynthesizer{store: f.store, statuses: []longrun.PollStatus{{Done: true}}}
	f.handler.svcs.Synthesizer = tts

	inputKey := paths.Input("u1", "j1", "script.txt")
	f.putObject(t, inputKey, "this text is far longer than ten characters")

	_, err := f.handler.Handle(context.Background(), msgOf(queue.KindSynthesis, inputKey))
	require.Error(t, err)

	var jerr *JobError
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, KindSizeLimit, jerr.Kind)
	assert.Zero(t, tts.starts, "no dispatch past the size limit")

	doc := f.doc(t)
	assert.Equal(t, jobstatus.StatusError, doc.Status)
	assert.Contains(t, doc.Error, "character synthesis limit")
}

func TestHandle_EventTrailWritten(t *testing.T) {
	stt := &fakeTranscriber{results: []string{"hello"}}
	f := newFixture(t, Services{Transcriber: stt}, Config{})

	inputKey := paths.Input("u1", "j1", "lecture.mp3")
	f.putObject(t, inputKey, "tiny audio payload")

	_, err := f.handler.Handle(context.Background(), msgOf(queue.KindTranscription, inputKey))
	require.NoError(t, err)

	trail := f.events.String()
	assert.Contains(t, trail, "mediaworks.stage.v1")
	assert.Contains(t, trail, "mediaworks.chunk.v1")
	assert.Contains(t, trail, "mediaworks.summary.v1")
}
