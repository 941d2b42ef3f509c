// Package media wraps the ffmpeg and ffprobe binaries used to inspect and
// slice audio files on local disk.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Tool locates the external binaries. Empty paths fall back to PATH lookup.
type Tool struct {
	FFmpegBin  string
	FFprobeBin string
	log        *zap.Logger
}

// NewTool creates a media tool. Binary overrides may be empty.
func NewTool(ffmpegBin, ffprobeBin string, log *zap.Logger) *Tool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tool{FFmpegBin: ffmpegBin, FFprobeBin: ffprobeBin, log: log}
}

func (t *Tool) ffmpeg() string {
	if t.FFmpegBin != "" {
		return t.FFmpegBin
	}
	return "ffmpeg"
}

func (t *Tool) ffprobe() string {
	if t.FFprobeBin != "" {
		return t.FFprobeBin
	}
	return "ffprobe"
}

// Check verifies both binaries are resolvable. Called once at worker start
// so a missing install fails fast instead of failing the first job.
func (t *Tool) Check() error {
	for _, bin := range []string{t.ffmpeg(), t.ffprobe()} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("media binary not found: %w", err)
		}
	}
	return nil
}

// ProbeDuration returns the audio duration in seconds.
func (t *Tool) ProbeDuration(ctx context.Context, path string) (float64, error) {
	out, err := t.run(ctx, t.ffprobe(),
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("probing %s: %w", path, err)
	}
	raw := strings.TrimSpace(out)
	dur, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("probing %s: unparseable duration %q", path, raw)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("probing %s: non-positive duration %v", path, dur)
	}
	return dur, nil
}

// CutSegment writes the slice [startSeconds, startSeconds+durationSeconds)
// of the input to outPath as mono mp3. Output is re-encoded rather than
// stream-copied so cut points land exactly and any input container works.
func (t *Tool) CutSegment(ctx context.Context, inputPath, outPath string, startSeconds, durationSeconds float64) error {
	_, err := t.run(ctx, t.ffmpeg(),
		"-y",
		"-ss", formatSeconds(startSeconds),
		"-t", formatSeconds(durationSeconds),
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-acodec", "libmp3lame",
		"-b:a", "128k",
		outPath,
	)
	if err != nil {
		return fmt.Errorf("cutting segment at %.1fs: %w", startSeconds, err)
	}
	return nil
}

// Reencode rewrites a segment at reduced bitrate and sample rate. Used when
// a cut segment still exceeds the upstream payload limit; speech survives
// the downsample.
func (t *Tool) Reencode(ctx context.Context, inputPath, outPath string) error {
	_, err := t.run(ctx, t.ffmpeg(),
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "22050",
		"-acodec", "libmp3lame",
		"-b:a", "64k",
		outPath,
	)
	if err != nil {
		return fmt.Errorf("re-encoding %s: %w", inputPath, err)
	}
	return nil
}

// FileSize returns the size of a local file in bytes.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// run executes a binary and captures combined output. The output is logged
// at debug level and folded into the error on failure, since ffmpeg reports
// everything useful on stderr.
func (t *Tool) run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	err := cmd.Run()
	t.log.Debug("external command finished",
		zap.String("bin", name),
		zap.Strings("args", args),
		zap.Bool("ok", err == nil))
	if err != nil {
		return output.String(), fmt.Errorf("%s: %w: %s", name, err, tail(output.String(), 400))
	}
	return output.String(), nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// tail returns the last n bytes of s; ffmpeg puts the actual error at the
// end of its output.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
