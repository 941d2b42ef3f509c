// Package chunkplan computes bounded chunk descriptors for oversized inputs.
//
// External transformation services impose a hard per-call size ceiling. The
// planner splits an input into the smallest number of chunks that each stay
// under the ceiling scaled by a safety margin, with a fixed overlap at every
// boundary so content is never lost mid-word. Subtracting the overlaps, the
// chunks' source ranges exactly tile the original input.
package chunkplan

import (
	"fmt"
	"math"
)

// DefaultMargin is the fraction of the hard limit a chunk may use.
const DefaultMargin = 0.85

// AudioConfig constrains an audio chunk plan.
type AudioConfig struct {
	// HardLimitBytes is the external service's per-call byte ceiling (required).
	HardLimitBytes int64

	// Margin scales the hard limit; zero means DefaultMargin.
	Margin float64

	// OverlapSeconds is duplicated at each chunk boundary.
	OverlapSeconds float64
}

// AudioChunk describes one time slice of an audio input.
type AudioChunk struct {
	// Index is 0-based and contiguous across the plan.
	Index int

	// StartSeconds and EndSeconds bound the slice, overlap included.
	StartSeconds float64
	EndSeconds   float64

	// OverlapSeconds is how much of the start duplicates the previous chunk.
	// Zero for chunk 0.
	OverlapSeconds float64

	// EstimatedBytes is the pro-rata size estimate for this slice.
	EstimatedBytes int64
}

// Duration returns the chunk's length in seconds.
func (c AudioChunk) Duration() float64 {
	return c.EndSeconds - c.StartSeconds
}

// PlanAudio computes the chunk plan for an audio input of the given measured
// byte size and duration.
//
// The count is first derived from the byte ceiling, then re-derived after
// subtracting overlap so that overlap inflation cannot push any chunk back
// over the limit. The last chunk is clamped to the true end of input.
func PlanAudio(totalBytes int64, totalSeconds float64, cfg AudioConfig) ([]AudioChunk, error) {
	if cfg.HardLimitBytes <= 0 {
		return nil, fmt.Errorf("chunkplan: hard limit must be positive")
	}
	if totalBytes <= 0 || totalSeconds <= 0 {
		return nil, fmt.Errorf("chunkplan: input is empty")
	}
	margin := cfg.Margin
	if margin <= 0 || margin > 1 {
		margin = DefaultMargin
	}

	budget := float64(cfg.HardLimitBytes) * margin
	count := int(math.Ceil(float64(totalBytes) / budget))
	if count < 1 {
		count = 1
	}

	if count == 1 {
		return []AudioChunk{{
			Index:          0,
			StartSeconds:   0,
			EndSeconds:     totalSeconds,
			EstimatedBytes: totalBytes,
		}}, nil
	}

	chunkLen := totalSeconds / float64(count)
	effective := chunkLen - cfg.OverlapSeconds
	if effective <= 0 {
		return nil, fmt.Errorf("chunkplan: overlap %.1fs leaves no effective chunk length (chunk %.1fs)",
			cfg.OverlapSeconds, chunkLen)
	}
	// Overlap inflates every chunk past its tile; re-derive the count from the
	// effective stride so the inflated chunks still fit the budget.
	count = int(math.Ceil(totalSeconds / effective))

	bytesPerSecond := float64(totalBytes) / totalSeconds
	chunks := make([]AudioChunk, 0, count)
	for i := 0; i < count; i++ {
		start := float64(i) * effective
		end := start + chunkLen
		overlap := cfg.OverlapSeconds
		if i == 0 {
			overlap = 0
		}
		if end > totalSeconds {
			end = totalSeconds
		}
		if start >= totalSeconds {
			break
		}
		chunks = append(chunks, AudioChunk{
			Index:          i,
			StartSeconds:   start,
			EndSeconds:     end,
			OverlapSeconds: overlap,
			EstimatedBytes: int64(math.Ceil((end - start) * bytesPerSecond)),
		})
	}
	return chunks, nil
}

// TextConfig constrains a text chunk plan.
type TextConfig struct {
	// MaxChars is the external service's per-call character ceiling (required).
	MaxChars int

	// Margin scales the ceiling; zero means DefaultMargin.
	Margin float64

	// OverlapChars is duplicated at each chunk boundary.
	OverlapChars int
}

// TextSpan describes one character range of a text input.
type TextSpan struct {
	Index int

	// Start and End are rune offsets, End exclusive, overlap included.
	Start int
	End   int

	// OverlapChars is how much of the start duplicates the previous span.
	OverlapChars int
}

// PlanText computes the span plan for a text input of totalChars runes.
func PlanText(totalChars int, cfg TextConfig) ([]TextSpan, error) {
	if cfg.MaxChars <= 0 {
		return nil, fmt.Errorf("chunkplan: max chars must be positive")
	}
	if totalChars <= 0 {
		return nil, fmt.Errorf("chunkplan: input is empty")
	}
	margin := cfg.Margin
	if margin <= 0 || margin > 1 {
		margin = DefaultMargin
	}

	budget := float64(cfg.MaxChars) * margin
	count := int(math.Ceil(float64(totalChars) / budget))
	if count <= 1 {
		return []TextSpan{{Index: 0, Start: 0, End: totalChars}}, nil
	}

	chunkLen := int(math.Ceil(float64(totalChars) / float64(count)))
	effective := chunkLen - cfg.OverlapChars
	if effective <= 0 {
		return nil, fmt.Errorf("chunkplan: overlap %d leaves no effective span length (span %d)",
			cfg.OverlapChars, chunkLen)
	}
	count = int(math.Ceil(float64(totalChars) / float64(effective)))

	spans := make([]TextSpan, 0, count)
	for i := 0; i < count; i++ {
		start := i * effective
		if start >= totalChars {
			break
		}
		end := start + chunkLen
		if end > totalChars {
			end = totalChars
		}
		overlap := cfg.OverlapChars
		if i == 0 {
			overlap = 0
		}
		spans = append(spans, TextSpan{Index: i, Start: start, End: end, OverlapChars: overlap})
	}
	return spans, nil
}

// PageConfig constrains a page chunk plan.
type PageConfig struct {
	// PagesPerChunk bounds each chunk (required).
	PagesPerChunk int

	// OverlapPages is duplicated at each chunk boundary. Page boundaries are
	// exact, so overlap is usually zero for PDF conversion.
	OverlapPages int
}

// PageRange describes one page window, 1-based and inclusive.
type PageRange struct {
	Index int
	Start int
	End   int

	// OverlapPages is how many leading pages duplicate the previous range.
	OverlapPages int
}

// PlanPages computes page windows covering pages 1..pageCount.
func PlanPages(pageCount int, cfg PageConfig) ([]PageRange, error) {
	if cfg.PagesPerChunk <= 0 {
		return nil, fmt.Errorf("chunkplan: pages per chunk must be positive")
	}
	if pageCount <= 0 {
		return nil, fmt.Errorf("chunkplan: input has no pages")
	}
	if cfg.OverlapPages < 0 || cfg.OverlapPages >= cfg.PagesPerChunk {
		return nil, fmt.Errorf("chunkplan: overlap pages %d invalid for chunk of %d pages",
			cfg.OverlapPages, cfg.PagesPerChunk)
	}

	stride := cfg.PagesPerChunk - cfg.OverlapPages
	var ranges []PageRange
	for i, start := 0, 1; start <= pageCount; i, start = i+1, start+stride {
		end := start + cfg.PagesPerChunk - 1
		if end > pageCount {
			end = pageCount
		}
		overlap := cfg.OverlapPages
		if i == 0 {
			overlap = 0
		}
		ranges = append(ranges, PageRange{Index: i, Start: start, End: end, OverlapPages: overlap})
		if end == pageCount {
			break
		}
	}
	return ranges, nil
}
