// Package cmd implements the mediaworks command-line interface.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/studyowl/mediaworks/internal/config"
	"github.com/studyowl/mediaworks/internal/observability"
	"github.com/studyowl/mediaworks/pkg/jobstatus"
	"github.com/studyowl/mediaworks/pkg/longrun"
	"github.com/studyowl/mediaworks/pkg/media"
	"github.com/studyowl/mediaworks/pkg/pipeline"
	"github.com/studyowl/mediaworks/pkg/services"
	"github.com/studyowl/mediaworks/pkg/storage"
	"github.com/studyowl/mediaworks/pkg/storage/file"
	"github.com/studyowl/mediaworks/pkg/storage/s3"
)

var rootCmd = &cobra.Command{
	Use:   "mediaworks",
	Short: "Chunked media-transformation worker",
	Long: `mediaworks is the asynchronous job worker for oversized media inputs:
long recordings transcribed in overlapping chunks, large PDFs converted
page window by page window, and long passages synthesized to speech by a
polled external service.

Jobs arrive as queue messages and leave as artifacts in the object store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// versionInfo holds build-time version metadata.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	rootLogLevel  string
	rootLogFormat string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&rootLogFormat, "log-format", "", "Log format (json|console)")
}

// Execute runs the CLI and returns a process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer observability.Sync()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if ctx.Err() != nil {
			return foundry.ExitSignalInt
		}
		return exitCodeOf(err)
	}
	return 0
}

// runtime bundles the shared pieces every job-processing command needs.
type runtime struct {
	cfg     *config.Config
	handler *pipeline.Handler
}

func loadRuntime(ctx context.Context) (*runtime, error) {
	overrides := []map[string]any{}
	if rootLogLevel != "" || rootLogFormat != "" {
		logging := map[string]any{}
		if rootLogLevel != "" {
			logging["level"] = rootLogLevel
		}
		if rootLogFormat != "" {
			logging["format"] = rootLogFormat
		}
		overrides = append(overrides, map[string]any{"logging": logging})
	}
	cfg, err := config.Load(ctx, overrides...)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	if err := observability.Init(observability.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}

	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Could not open artifact store", err)
	}

	tool := media.NewTool(cfg.Media.FFmpegBin, cfg.Media.FFprobeBin, observability.Logger)
	docs := jobstatus.NewObjectStore(store)

	handler := pipeline.NewHandler(store, docs, newServices(cfg), tool, pipeline.Config{
		AudioHardLimitBytes:   cfg.Pipeline.AudioHardLimitBytes,
		AudioMargin:           cfg.Pipeline.AudioMargin,
		AudioOverlapSeconds:   cfg.Pipeline.AudioOverlapSeconds,
		PagesPerChunk:         cfg.Pipeline.PagesPerChunk,
		SynthesisMaxChars:     cfg.Pipeline.SynthesisMaxChars,
		MergeWindowChars:      cfg.Pipeline.MergeWindowChars,
		MergeMinOverlapTokens: cfg.Pipeline.MergeMinOverlapTokens,
		MaxMessageAge:         cfg.Queue.MaxMessageAge,
		RatePerSecond:         cfg.Pipeline.RatePerSecond,
		Poll: longrun.Config{
			Interval:    cfg.Pipeline.PollInterval,
			MaxAttempts: cfg.Pipeline.PollMaxAttempts,
		},
		TempDir: cfg.Pipeline.TempDir,
	}, observability.Logger, pipeline.WithEventOutput(os.Stdout))

	return &runtime{cfg: cfg, handler: handler}, nil
}

func newStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "s3":
		return s3.New(ctx, s3.Config{
			Bucket:         cfg.Storage.Bucket,
			Region:         cfg.Storage.Region,
			Endpoint:       cfg.Storage.Endpoint,
			Profile:        cfg.Storage.Profile,
			ForcePathStyle: cfg.Storage.ForcePathStyle,
		})
	default:
		return file.New(file.Config{BaseDir: cfg.Storage.BaseDir})
	}
}

func newServices(cfg *config.Config) pipeline.Services {
	svcCfg := services.Config{
		TranscribeURL: cfg.Services.TranscribeURL,
		ConvertURL:    cfg.Services.ConvertURL,
		SynthesizeURL: cfg.Services.SynthesizeURL,
		APIKey:        cfg.Services.APIKey,
		Timeout:       cfg.Services.Timeout,
	}
	return pipeline.Services{
		Transcriber: services.NewTranscriber(svcCfg, observability.Logger),
		Converter:   services.NewConverter(svcCfg, observability.Logger),
		PageCounter: services.NewPDFPageCounter(),
		Synthesizer: services.NewSynthesizer(svcCfg, observability.Logger),
	}
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

var exitCodePattern = regexp.MustCompile(`\(exit code (\d+)\)$`)

// exitCodeOf recovers the code embedded by exitError, defaulting to 1.
func exitCodeOf(err error) int {
	m := exitCodePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 1
	}
	code, convErr := strconv.Atoi(m[1])
	if convErr != nil || code == 0 {
		return 1
	}
	return code
}
