package jobstatus

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) (*Recorder, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewRecorder(context.Background(), store, "u1", "j1", nil), store
}

func loadDoc(t *testing.T, store *MemoryStore) *Document {
	t.Helper()
	doc, err := store.Load(context.Background(), "u1", "j1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	return doc
}

func TestRecorder_HappyPath(t *testing.T) {
	ctx := context.Background()
	rec, store := newTestRecorder(t)

	rec.SetProcessing(ctx, "transcription")
	doc := loadDoc(t, store)
	assert.Equal(t, StatusProcessing, doc.Status)
	assert.Equal(t, "transcription", doc.Stage)

	rec.SetProgress(ctx, 40)
	assert.Equal(t, 40, loadDoc(t, store).Progress)

	rec.SetCompleted(ctx, ArtifactRef{Key: "users/u1/jobs/j1/transcript.md"}, "")
	doc = loadDoc(t, store)
	assert.Equal(t, StatusCompleted, doc.Status)
	assert.Equal(t, 100, doc.Progress)
	assert.Empty(t, doc.Stage)
	require.NotNil(t, doc.Artifact)
	assert.Equal(t, "users/u1/jobs/j1/transcript.md", doc.Artifact.Key)
	assert.False(t, doc.Artifact.IsMultipart)
}

func TestRecorder_MultipartCompletion(t *testing.T) {
	ctx := context.Background()
	rec, store := newTestRecorder(t)

	rec.SetProcessing(ctx, "synthesis")
	rec.SetCompleted(ctx, ArtifactRef{
		Prefix:      "users/u1/jobs/j1/synthesis/final/",
		IsMultipart: true,
		ChunkCount:  4,
	}, "service reported an error after 4 parts")

	doc := loadDoc(t, store)
	assert.Equal(t, StatusCompleted, doc.Status)
	require.NotNil(t, doc.Artifact)
	assert.True(t, doc.Artifact.IsMultipart)
	assert.Equal(t, 4, doc.Artifact.ChunkCount)
	assert.Equal(t, "service reported an error after 4 parts", doc.Warning)
}

func TestRecorder_TerminalStateIsImmutable(t *testing.T) {
	ctx := context.Background()
	rec, store := newTestRecorder(t)

	rec.SetProcessing(ctx, "conversion")
	rec.SetError(ctx, "all chunks failed")

	rec.SetProcessing(ctx, "conversion")
	rec.SetProgress(ctx, 90)
	rec.SetCompleted(ctx, ArtifactRef{Key: "x"}, "")
	rec.SetError(ctx, "another error")

	doc := loadDoc(t, store)
	assert.Equal(t, StatusError, doc.Status)
	assert.Equal(t, "all chunks failed", doc.Error)
	assert.Nil(t, doc.Artifact)
}

func TestRecorder_ErrorTruncated(t *testing.T) {
	ctx := context.Background()
	rec, store := newTestRecorder(t)

	rec.SetError(ctx, strings.Repeat("x", 5000))
	assert.Len(t, loadDoc(t, store).Error, MaxErrorLength)
}

func TestRecorder_TruncationKeepsValidUTF8(t *testing.T) {
	ctx := context.Background()
	rec, store := newTestRecorder(t)

	// Three-byte runes straddle the byte limit; the cut must back off to a
	// rune boundary instead of splitting one.
	rec.SetError(ctx, strings.Repeat("日", 2000))

	got := loadDoc(t, store).Error
	assert.LessOrEqual(t, len(got), MaxErrorLength)
	assert.True(t, utf8.ValidString(got))
	assert.NotEmpty(t, got)
}

func TestRecorder_ProgressNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	rec, store := newTestRecorder(t)

	rec.SetProcessing(ctx, "transcription")
	rec.SetProgress(ctx, 60)
	rec.SetProgress(ctx, 30)
	rec.SetProgress(ctx, 130)

	assert.Equal(t, 100, loadDoc(t, store).Progress)
}

func TestRecorder_ResumesFromExistingDocument(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, &Document{
		JobID:   "j1",
		OwnerID: "u1",
		Status:  StatusCompleted,
		Artifact: &ArtifactRef{
			Key: "users/u1/jobs/j1/transcript.md",
		},
	}))

	// A redelivered message must not reset a finished job.
	rec := NewRecorder(ctx, store, "u1", "j1", nil)
	rec.SetProcessing(ctx, "transcription")
	rec.SetError(ctx, "second attempt failed")

	doc := loadDoc(t, store)
	assert.Equal(t, StatusCompleted, doc.Status)
	assert.Empty(t, doc.Error)
}

// failingStore rejects every save.
type failingStore struct{}

func (failingStore) Load(context.Context, string, string) (*Document, error) { return nil, nil }
func (failingStore) Save(context.Context, *Document) error {
	return errors.New("store offline")
}

func TestRecorder_WriteFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(ctx, failingStore{}, "u1", "j1", nil)

	rec.SetProcessing(ctx, "transcription")
	rec.SetError(ctx, "boom")

	// Local state still advances so the recorder keeps behaving sanely.
	assert.Equal(t, StatusError, rec.Current().Status)
}
