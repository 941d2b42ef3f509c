package merge

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyowl/mediaworks/pkg/chunkplan"
	"github.com/studyowl/mediaworks/pkg/transform"
)

func ok(i int, text string) transform.ChunkResult {
	return transform.ChunkResult{Index: i, Text: text, OK: true}
}

func fail(i int) transform.ChunkResult {
	return transform.ChunkResult{Index: i, ErrNote: "boom"}
}

func TestText_SingleChunkIdentity(t *testing.T) {
	in := "Just one chunk, nothing to merge."
	art := Text([]transform.ChunkResult{ok(0, in)}, TextConfig{})

	assert.Equal(t, in, art.Content)
	assert.Equal(t, 1, art.SourceChunks)
	assert.Equal(t, 0, art.FailedChunks)
}

func TestText_RemovesSharedBoundarySpan(t *testing.T) {
	shared := "the quick brown fox jumps over the lazy dog near the river bank"
	a := "First part of the lecture covers thermodynamics. " + shared
	b := shared + " and then the second part covers entropy in detail."

	art := Text([]transform.ChunkResult{ok(0, a), ok(1, b)}, TextConfig{})

	assert.Equal(t, 1, strings.Count(art.Content, shared), "shared span must survive exactly once")
	assert.Contains(t, art.Content, "thermodynamics")
	assert.Contains(t, art.Content, "entropy")
}

func TestText_FiftyWordOverlapIdempotent(t *testing.T) {
	words := make([]string, 50)
	for i := range words {
		words[i] = fmt.Sprintf("word%02d", i)
	}
	shared := strings.Join(words, " ")

	results := []transform.ChunkResult{
		ok(0, "intro section one ends with "+shared),
		ok(1, shared+" middle section continues here and ends with more overlap"),
	}
	art := Text(results, TextConfig{})

	assert.Equal(t, 1, strings.Count(art.Content, shared))
	assert.True(t, strings.HasPrefix(art.Content, "intro section one"))
	assert.True(t, strings.HasSuffix(art.Content, "more overlap"))
}

func TestText_NoMeaningfulOverlapFallsBackToConcat(t *testing.T) {
	a := "completely different opening text about chemistry"
	b := "unrelated continuation about medieval history"

	art := Text([]transform.ChunkResult{ok(0, a), ok(1, b)}, TextConfig{})

	assert.Equal(t, a+" "+b, art.Content)
}

func TestText_ShortAccidentalMatchIsNoise(t *testing.T) {
	// Both windows contain "the" and "a"; a two-token LCS must not trigger a
	// splice that would eat real content.
	a := "the reaction produces a precipitate"
	b := "the students recorded a conclusion"

	art := Text([]transform.ChunkResult{ok(0, a), ok(1, b)}, TextConfig{})

	assert.Contains(t, art.Content, "precipitate")
	assert.Contains(t, art.Content, "students")
}

func TestText_FailedChunkKeepsPosition(t *testing.T) {
	results := []transform.ChunkResult{
		ok(0, "content of chunk zero"),
		fail(1),
		ok(2, "content of chunk two"),
	}
	art := Text(results, TextConfig{})

	require.Equal(t, 3, art.SourceChunks)
	assert.Equal(t, 1, art.FailedChunks)

	zero := strings.Index(art.Content, "content of chunk zero")
	marker := strings.Index(art.Content, "[failed to process chunk 1]")
	two := strings.Index(art.Content, "content of chunk two")
	require.GreaterOrEqual(t, zero, 0)
	require.Greater(t, marker, zero, "marker sits between the real chunks")
	require.Greater(t, two, marker)
}

func TestText_WindowBoundsComparison(t *testing.T) {
	// The shared span sits inside the boundary windows even when both chunks
	// are much longer than the window.
	shared := "alpha beta gamma delta epsilon zeta eta theta"
	longA := make([]string, 200)
	longB := make([]string, 200)
	for i := range longA {
		longA[i] = fmt.Sprintf("lectureA%03d", i)
		longB[i] = fmt.Sprintf("lectureB%03d", i)
	}
	a := strings.Join(longA, " ") + " " + shared
	b := shared + " " + strings.Join(longB, " ")

	art := Text([]transform.ChunkResult{ok(0, a), ok(1, b)}, TextConfig{WindowChars: 400})

	assert.Equal(t, 1, strings.Count(art.Content, shared))
}

func TestPages_OrderedConcatWithMarkers(t *testing.T) {
	ranges := []chunkplan.PageRange{
		{Index: 0, Start: 1, End: 4},
		{Index: 1, Start: 5, End: 8},
		{Index: 2, Start: 9, End: 10},
	}
	results := []transform.ChunkResult{
		ok(0, "# Chapter One"),
		fail(1),
		ok(2, "# Chapter Three"),
	}

	art := Pages(results, ranges)

	assert.Equal(t, 3, art.SourceChunks)
	assert.Equal(t, 1, art.FailedChunks)
	assert.Contains(t, art.Content, "<!-- pages 1-4 -->")
	assert.Contains(t, art.Content, "<!-- pages 5-8 -->")
	assert.Contains(t, art.Content, "<!-- pages 9-10 -->")

	one := strings.Index(art.Content, "# Chapter One")
	marker := strings.Index(art.Content, "[failed to process chunk 1]")
	three := strings.Index(art.Content, "# Chapter Three")
	require.GreaterOrEqual(t, one, 0)
	require.Greater(t, marker, one)
	require.Greater(t, three, marker)
}

func TestTokenizeOffsets(t *testing.T) {
	tokens := tokenize("  one two\nthree ")
	require.Len(t, tokens, 3)
	assert.Equal(t, "one", tokens[0].text)
	assert.Equal(t, 2, tokens[0].start)
	assert.Equal(t, "three", tokens[2].text)
}

func TestLCSBounds(t *testing.T) {
	a := tokenize("x y common span here z")
	b := tokenize("common span here w v")

	first, last, length := lcsBounds(a, b)
	assert.Equal(t, 3, length)
	assert.Equal(t, "common", a[first.a].text)
	assert.Equal(t, "common", b[first.b].text)
	assert.Equal(t, "here", a[last.a].text)
}
