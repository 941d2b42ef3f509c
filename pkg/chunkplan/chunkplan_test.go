package chunkplan

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanAudio_CountFromByteBudget(t *testing.T) {
	// 3,000,000 bytes against a 900,000-byte ceiling at 15% margin gives a
	// 765,000-byte budget, so at least ceil(3,000,000/765,000) = 4 chunks
	// before overlap inflation.
	chunks, err := PlanAudio(3_000_000, 3600, AudioConfig{
		HardLimitBytes: 900_000,
		Margin:         0.85,
		OverlapSeconds: 0,
	})
	require.NoError(t, err)
	assert.Len(t, chunks, 4)
}

func TestPlanAudio_SingleChunkUnderBudget(t *testing.T) {
	chunks, err := PlanAudio(500_000, 600, AudioConfig{
		HardLimitBytes: 900_000,
		Margin:         0.85,
		OverlapSeconds: 10,
	})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 0.0, chunks[0].StartSeconds)
	assert.Equal(t, 600.0, chunks[0].EndSeconds)
	assert.Equal(t, 0.0, chunks[0].OverlapSeconds)
}

func TestPlanAudio_NonOverlapRegionsTileInput(t *testing.T) {
	tests := []struct {
		name    string
		bytes   int64
		seconds float64
		cfg     AudioConfig
	}{
		{"even split no overlap", 3_000_000, 3600, AudioConfig{HardLimitBytes: 900_000, Margin: 0.85}},
		{"with overlap", 10_000_000, 5400, AudioConfig{HardLimitBytes: 1_500_000, Margin: 0.85, OverlapSeconds: 15}},
		{"awkward duration", 7_777_777, 4321.5, AudioConfig{HardLimitBytes: 800_000, Margin: 0.9, OverlapSeconds: 7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := PlanAudio(tt.bytes, tt.seconds, tt.cfg)
			require.NoError(t, err)
			require.NotEmpty(t, chunks)

			// Indexes are contiguous from zero.
			for i, c := range chunks {
				assert.Equal(t, i, c.Index)
			}

			// Subtracting each chunk's overlap, the regions cover the input
			// with no gap and no double count.
			cursor := 0.0
			for _, c := range chunks {
				regionStart := c.StartSeconds + c.OverlapSeconds
				assert.InDelta(t, cursor, regionStart, 1e-6, "chunk %d region start", c.Index)
				assert.Greater(t, c.EndSeconds, regionStart, "chunk %d region is empty", c.Index)
				cursor = c.EndSeconds
			}
			assert.InDelta(t, tt.seconds, cursor, 1e-6, "regions must end at the true input end")

			// Last chunk never overruns.
			last := chunks[len(chunks)-1]
			assert.LessOrEqual(t, last.EndSeconds, tt.seconds+1e-9)
		})
	}
}

func TestPlanAudio_OverlapInflationRecount(t *testing.T) {
	// Without overlap this input needs exactly 4 chunks of 900s. A 150s
	// overlap shrinks the effective stride to 750s, which forces a 5th chunk.
	noOverlap, err := PlanAudio(4_000_000, 3600, AudioConfig{HardLimitBytes: 1_250_000, Margin: 0.8})
	require.NoError(t, err)
	require.Len(t, noOverlap, 4)

	withOverlap, err := PlanAudio(4_000_000, 3600, AudioConfig{HardLimitBytes: 1_250_000, Margin: 0.8, OverlapSeconds: 150})
	require.NoError(t, err)
	assert.Len(t, withOverlap, 5)
}

func TestPlanAudio_Errors(t *testing.T) {
	_, err := PlanAudio(1000, 60, AudioConfig{})
	assert.Error(t, err, "missing hard limit")

	_, err = PlanAudio(0, 60, AudioConfig{HardLimitBytes: 1000})
	assert.Error(t, err, "empty input")

	// Overlap at least as long as a whole chunk can never converge.
	_, err = PlanAudio(10_000, 100, AudioConfig{HardLimitBytes: 1000, Margin: 0.85, OverlapSeconds: 30})
	assert.Error(t, err)
}

func TestPlanAudio_EstimatedBytesProRata(t *testing.T) {
	chunks, err := PlanAudio(3_600_000, 3600, AudioConfig{HardLimitBytes: 1_000_000, Margin: 0.9})
	require.NoError(t, err)
	for _, c := range chunks {
		expected := int64(math.Ceil(c.Duration() * 1000)) // 1000 B/s input
		assert.Equal(t, expected, c.EstimatedBytes, "chunk %d", c.Index)
	}
}

func TestPlanText_TilesCharacters(t *testing.T) {
	spans, err := PlanText(25_000, TextConfig{MaxChars: 5000, Margin: 0.8, OverlapChars: 200})
	require.NoError(t, err)
	require.Greater(t, len(spans), 1)

	cursor := 0
	for i, s := range spans {
		assert.Equal(t, i, s.Index)
		assert.Equal(t, cursor, s.Start+s.OverlapChars, "span %d", i)
		cursor = s.End
	}
	assert.Equal(t, 25_000, cursor)
}

func TestPlanText_SingleSpan(t *testing.T) {
	spans, err := PlanText(100, TextConfig{MaxChars: 5000})
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, TextSpan{Index: 0, Start: 0, End: 100}, spans[0])
}

func TestPlanPages(t *testing.T) {
	t.Run("no overlap", func(t *testing.T) {
		ranges, err := PlanPages(10, PageConfig{PagesPerChunk: 4})
		require.NoError(t, err)
		require.Len(t, ranges, 3)
		assert.Equal(t, PageRange{Index: 0, Start: 1, End: 4}, ranges[0])
		assert.Equal(t, PageRange{Index: 1, Start: 5, End: 8}, ranges[1])
		assert.Equal(t, PageRange{Index: 2, Start: 9, End: 10}, ranges[2])
	})

	t.Run("with overlap", func(t *testing.T) {
		ranges, err := PlanPages(7, PageConfig{PagesPerChunk: 4, OverlapPages: 1})
		require.NoError(t, err)
		require.Len(t, ranges, 2)
		assert.Equal(t, PageRange{Index: 0, Start: 1, End: 4}, ranges[0])
		assert.Equal(t, PageRange{Index: 1, Start: 4, End: 7, OverlapPages: 1}, ranges[1])
	})

	t.Run("single range", func(t *testing.T) {
		ranges, err := PlanPages(3, PageConfig{PagesPerChunk: 4})
		require.NoError(t, err)
		require.Len(t, ranges, 1)
		assert.Equal(t, PageRange{Index: 0, Start: 1, End: 3}, ranges[0])
	})

	t.Run("overlap too large", func(t *testing.T) {
		_, err := PlanPages(10, PageConfig{PagesPerChunk: 2, OverlapPages: 2})
		assert.Error(t, err)
	})
}
