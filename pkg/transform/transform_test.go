package transform

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService scripts per-chunk outcomes.
type fakeService struct {
	fail    map[int]error
	calls   []int
	lastReq Request
}

func (f *fakeService) Name() string { return "fake" }

func (f *fakeService) Transform(_ context.Context, req Request) (*Response, error) {
	f.calls = append(f.calls, req.ChunkIndex)
	f.lastReq = req
	if err, ok := f.fail[req.ChunkIndex]; ok {
		return nil, err
	}
	return &Response{Text: fmt.Sprintf("out-%d", req.ChunkIndex)}, nil
}

func textProducer(n int) Producer {
	return func(_ context.Context, i int) (Request, func(), error) {
		return Request{ChunkIndex: i, Text: fmt.Sprintf("in-%d", i)}, nil, nil
	}
}

func TestRunner_AllChunksInOrder(t *testing.T) {
	svc := &fakeService{}
	r := NewRunner(svc)

	results := r.Run(context.Background(), 4, textProducer(4))

	require.Len(t, results, 4)
	assert.Equal(t, []int{0, 1, 2, 3}, svc.calls)
	for i, res := range results {
		assert.Equal(t, i, res.Index)
		assert.True(t, res.OK)
		assert.Equal(t, fmt.Sprintf("out-%d", i), res.Text)
		assert.Empty(t, res.ErrNote)
	}
}

func TestRunner_FailureDoesNotAbortRun(t *testing.T) {
	svc := &fakeService{fail: map[int]error{1: errors.New("service unavailable")}}
	r := NewRunner(svc)

	results := r.Run(context.Background(), 3, textProducer(3))

	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.Contains(t, results[1].ErrNote, "chunk 1")
	assert.Contains(t, results[1].ErrNote, "service unavailable")
	assert.True(t, results[2].OK, "chunk after a failure still runs")
	assert.Equal(t, []int{0, 1, 2}, svc.calls)
}

func TestRunner_ProducerFailureIsContained(t *testing.T) {
	svc := &fakeService{}
	r := NewRunner(svc)

	produce := func(_ context.Context, i int) (Request, func(), error) {
		if i == 0 {
			return Request{}, nil, errors.New("temp file gone")
		}
		return Request{ChunkIndex: i}, nil, nil
	}

	results := r.Run(context.Background(), 2, produce)

	require.Len(t, results, 2)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].ErrNote, "temp file gone")
	assert.True(t, results[1].OK)
	assert.Equal(t, []int{1}, svc.calls, "failed producer chunk never reaches the service")
}

func TestRunner_CleanupRunsBeforeNextChunk(t *testing.T) {
	svc := &fakeService{}
	r := NewRunner(svc)

	var open atomic.Int32
	var maxOpen atomic.Int32
	produce := func(_ context.Context, i int) (Request, func(), error) {
		if v := open.Add(1); v > maxOpen.Load() {
			maxOpen.Store(v)
		}
		return Request{ChunkIndex: i}, func() { open.Add(-1) }, nil
	}

	results := r.Run(context.Background(), 5, produce)

	require.Len(t, results, 5)
	assert.Equal(t, int32(1), maxOpen.Load(), "only one chunk payload held at a time")
	assert.Equal(t, int32(0), open.Load(), "all payloads released")
}

func TestRunner_ContextCancelFillsPlaceholders(t *testing.T) {
	svc := &fakeService{}
	r := NewRunner(svc)

	ctx, cancel := context.WithCancel(context.Background())
	produce := func(_ context.Context, i int) (Request, func(), error) {
		if i == 1 {
			cancel()
		}
		return Request{ChunkIndex: i}, nil, nil
	}

	results := r.Run(ctx, 4, produce)

	require.Len(t, results, 4)
	assert.True(t, results[0].OK)
	for _, res := range results[2:] {
		assert.False(t, res.OK)
		assert.Contains(t, res.ErrNote, context.Canceled.Error())
	}
}

func TestAllFailed(t *testing.T) {
	assert.False(t, AllFailed(nil))
	assert.False(t, AllFailed([]ChunkResult{{OK: true}, {OK: false}}))
	assert.True(t, AllFailed([]ChunkResult{{OK: false}, {OK: false}}))
}

func TestFailedCount(t *testing.T) {
	results := []ChunkResult{{OK: true}, {}, {OK: true}, {}}
	assert.Equal(t, 2, FailedCount(results))
}
