// Package merge reassembles ordered chunk results into one artifact.
//
// Adjacent audio chunks share a deliberate overlap window, so both sides of a
// boundary usually transcribe part of the same speech. The text merger finds
// the duplicated span by aligning whitespace tokens of the merged tail and
// the incoming head with a longest-common-subsequence pass and splices it out,
// keeping exactly one copy. Page-based chunks have exact boundaries and are
// concatenated in page order.
package merge

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/studyowl/mediaworks/pkg/chunkplan"
	"github.com/studyowl/mediaworks/pkg/transform"
)

// DefaultWindowChars bounds the tail/head windows compared at each boundary.
const DefaultWindowChars = 600

// DefaultMinOverlapTokens is the smallest LCS that counts as a real overlap.
// Shorter matches are treated as noise and the chunks are concatenated.
const DefaultMinOverlapTokens = 4

// failureMarker is the placeholder contributed by a failed chunk so the final
// artifact keeps positional integrity.
func failureMarker(index int) string {
	return fmt.Sprintf("[failed to process chunk %d]", index)
}

// Artifact is the terminal output of a merge. Written once.
type Artifact struct {
	// Content is the merged text.
	Content string

	// SourceChunks is how many chunk results were merged.
	SourceChunks int

	// FailedChunks is how many of them were failure placeholders.
	FailedChunks int
}

// TextConfig tunes boundary overlap detection.
type TextConfig struct {
	// WindowChars bounds the compared windows; zero means DefaultWindowChars.
	WindowChars int

	// MinOverlapTokens is the LCS acceptance threshold; zero means
	// DefaultMinOverlapTokens.
	MinOverlapTokens int
}

// Text merges ordered chunk results into one text artifact, removing
// duplicated overlap at each boundary.
//
// A single successful chunk is returned unchanged. A failed chunk
// contributes an explicit failure marker in its position rather than being
// skipped.
func Text(results []transform.ChunkResult, cfg TextConfig) Artifact {
	window := cfg.WindowChars
	if window <= 0 {
		window = DefaultWindowChars
	}
	minTokens := cfg.MinOverlapTokens
	if minTokens <= 0 {
		minTokens = DefaultMinOverlapTokens
	}

	var merged string
	failed := 0
	for i, res := range results {
		piece := res.Text
		if !res.OK {
			piece = failureMarker(res.Index)
			failed++
		}

		if i == 0 {
			merged = piece
			continue
		}
		// Never align against a failure marker.
		if !res.OK || !results[i-1].OK {
			merged = concat(merged, piece)
			continue
		}
		merged = spliceOverlap(merged, piece, window, minTokens)
	}

	return Artifact{Content: merged, SourceChunks: len(results), FailedChunks: failed}
}

// spliceOverlap joins next onto merged, removing the duplicated boundary span
// when the tail/head token LCS is long enough to be meaningful.
func spliceOverlap(merged, next string, window, minTokens int) string {
	tailStart := runeSuffixStart(merged, window)
	headEnd := runePrefixEnd(next, window)

	tailTokens := tokenize(merged[tailStart:])
	headTokens := tokenize(next[:headEnd])

	first, _, length := lcsBounds(tailTokens, headTokens)
	if length < minTokens {
		return concat(merged, next)
	}

	// Cut the merged text where the duplicated span begins and continue with
	// the new chunk's copy of it, so the span survives exactly once.
	cut := tailStart + tailTokens[first.a].start
	return strings.TrimRight(merged[:cut], " \t\n") + " " + strings.TrimLeft(next[headTokens[first.b].start:], " \t\n")
}

func concat(a, b string) string {
	a = strings.TrimRight(a, " \t\n")
	b = strings.TrimLeft(b, " \t\n")
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}

// Pages merges page-window chunk results by ordered concatenation, annotated
// with page-range markers. Page boundaries are exact, so no overlap removal
// is needed.
func Pages(results []transform.ChunkResult, ranges []chunkplan.PageRange) Artifact {
	var sb strings.Builder
	failed := 0
	for i, res := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		if i < len(ranges) {
			fmt.Fprintf(&sb, "<!-- pages %d-%d -->\n\n", ranges[i].Start, ranges[i].End)
		}
		if res.OK {
			sb.WriteString(strings.TrimSpace(res.Text))
		} else {
			sb.WriteString(failureMarker(res.Index))
			failed++
		}
	}
	return Artifact{Content: sb.String(), SourceChunks: len(results), FailedChunks: failed}
}

// token is a whitespace-delimited word with its byte offsets.
type token struct {
	text  string
	start int
	end   int
}

// tokenize splits s by whitespace, keeping byte offsets.
func tokenize(s string) []token {
	var tokens []token
	start := -1
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if unicode.IsSpace(r) {
			if start >= 0 {
				tokens = append(tokens, token{text: s[start:i], start: start, end: i})
				start = -1
			}
		} else if start < 0 {
			start = i
		}
		i += size
	}
	if start >= 0 {
		tokens = append(tokens, token{text: s[start:], start: start, end: len(s)})
	}
	return tokens
}

// runeSuffixStart returns the byte offset where the last n runes of s begin.
func runeSuffixStart(s string, n int) int {
	i := len(s)
	for n > 0 && i > 0 {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
		n--
	}
	return i
}

// runePrefixEnd returns the byte offset just past the first n runes of s.
func runePrefixEnd(s string, n int) int {
	i := 0
	for n > 0 && i < len(s) {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		n--
	}
	return i
}

// pair indexes one aligned token: a into the tail tokens, b into the head.
type pair struct {
	a, b int
}

// lcsBounds computes the longest common subsequence of the two token slices
// and returns the first and last aligned pairs plus the LCS length.
func lcsBounds(a, b []token) (first, last pair, length int) {
	m, n := len(a), len(b)
	if m == 0 || n == 0 {
		return pair{}, pair{}, 0
	}

	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}
	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if a[i].text == b[j].text {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	length = dp[0][0]
	if length == 0 {
		return pair{}, pair{}, 0
	}

	// Walk one optimal alignment to find the first and last matched pairs.
	// When skipping a tail token loses nothing, skip it: the alignment should
	// start as late in the merged tail as possible, since the duplicated span
	// sits at the end of it.
	i, j := 0, 0
	got := false
	for i < m && j < n {
		switch {
		case dp[i+1][j] == dp[i][j]:
			i++
		case a[i].text == b[j].text && dp[i][j] == dp[i+1][j+1]+1:
			if !got {
				first = pair{a: i, b: j}
				got = true
			}
			last = pair{a: i, b: j}
			i++
			j++
		default:
			j++
		}
	}
	return first, last, length
}
