package file

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyowl/mediaworks/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return store
}

func put(t *testing.T, store *Store, key, content string) {
	t.Helper()
	err := store.Put(context.Background(), key, bytes.NewReader([]byte(content)), int64(len(content)), "")
	require.NoError(t, err)
}

func TestNew_RequiresBaseDir(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorContains(t, err, "base dir is required")

	_, err = New(Config{BaseDir: "   "})
	assert.Error(t, err)
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	put(t, store, "users/u1/jobs/j1/input/lecture.mp3", "audio bytes")

	body, length, err := store.Get(ctx, "users/u1/jobs/j1/input/lecture.mp3")
	require.NoError(t, err)
	defer func() { _ = body.Close() }()
	assert.Equal(t, int64(len("audio bytes")), length)

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "audio bytes", string(got))
}

func TestStore_GetMissingIsNotFound(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.Get(context.Background(), "users/u1/jobs/j1/transcript.md")
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))
}

func TestStore_HeadReportsSize(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	put(t, store, "users/u1/jobs/j1/status.json", `{"status":"queued"}`)

	meta, err := store.Head(ctx, "users/u1/jobs/j1/status.json")
	require.NoError(t, err)
	assert.Equal(t, "users/u1/jobs/j1/status.json", meta.Key)
	assert.Equal(t, int64(len(`{"status":"queued"}`)), meta.Size)
	assert.False(t, meta.LastModified.IsZero())

	_, err = store.Head(ctx, "users/u1/jobs/j1/missing.json")
	assert.True(t, storage.IsNotFound(err))
}

func TestStore_ListFiltersAndPaginates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	keys := []string{
		"users/u1/jobs/j1/synthesis/part-000.mp3",
		"users/u1/jobs/j1/synthesis/part-001.mp3",
		"users/u1/jobs/j1/synthesis/part-002.mp3",
		"users/u1/jobs/j2/synthesis/part-000.mp3",
	}
	for _, k := range keys {
		put(t, store, k, "x")
	}

	var listed []string
	token := ""
	for {
		res, err := store.List(ctx, storage.ListOptions{
			Prefix:            "users/u1/jobs/j1/synthesis/",
			MaxKeys:           2,
			ContinuationToken: token,
		})
		require.NoError(t, err)
		for _, obj := range res.Objects {
			listed = append(listed, obj.Key)
		}
		if !res.IsTruncated {
			break
		}
		token = res.ContinuationToken
	}

	assert.Equal(t, keys[:3], listed)
}

func TestStore_ListPartialPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	put(t, store, "users/u1/jobs/j1/synthesis/part-000.mp3", "x")
	put(t, store, "users/u1/jobs/j1/synthesis/notes.txt", "x")

	// Prefix ending mid-filename, not at a directory boundary.
	res, err := store.List(ctx, storage.ListOptions{Prefix: "users/u1/jobs/j1/synthesis/part-"})
	require.NoError(t, err)
	require.Len(t, res.Objects, 1)
	assert.Equal(t, "users/u1/jobs/j1/synthesis/part-000.mp3", res.Objects[0].Key)
}

func TestStore_CopyDuplicatesObject(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	src := "users/u1/jobs/j1/synthesis/part-000.mp3"
	dst := "users/u1/jobs/j1/synthesis/final/part-000.mp3"
	put(t, store, src, "preserved audio")

	require.NoError(t, store.Copy(ctx, src, dst))

	body, _, err := store.Get(ctx, dst)
	require.NoError(t, err)
	defer func() { _ = body.Close() }()
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "preserved audio", string(got))

	_, err = store.Head(ctx, src)
	assert.NoError(t, err)
}

func TestStore_CopyMissingSource(t *testing.T) {
	store := newTestStore(t)

	err := store.Copy(context.Background(), "users/u1/jobs/j1/missing.mp3", "users/u1/jobs/j1/out.mp3")
	assert.True(t, storage.IsNotFound(err))
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	put(t, store, "users/u1/jobs/j1/status.json", "{}")

	require.NoError(t, store.Delete(ctx, "users/u1/jobs/j1/status.json"))
	require.NoError(t, store.Delete(ctx, "users/u1/jobs/j1/status.json"))

	_, err := store.Head(ctx, "users/u1/jobs/j1/status.json")
	assert.True(t, storage.IsNotFound(err))
}

func TestStore_TraversalKeysStayUnderBaseDir(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Leading ".." segments are stripped, so the write lands inside the
	// base dir instead of escaping it.
	err := store.Put(ctx, "../outside.txt", bytes.NewReader([]byte("x")), 1, "")
	require.NoError(t, err)

	_, err = store.Head(ctx, "outside.txt")
	assert.NoError(t, err)

	_, _, err = store.Get(ctx, "../../etc/passwd")
	assert.True(t, storage.IsNotFound(err))
}
