package cmd

import (
	"context"
	"errors"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/studyowl/mediaworks/internal/observability"
	sqsqueue "github.com/studyowl/mediaworks/pkg/queue/sqs"
)

var workerQueueURL string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume job messages from the queue until interrupted",
	Long: `Starts the long-running worker loop: receive one job message at a
time, run it through the media pipeline, and acknowledge or release it
depending on the outcome. Terminal failures are recorded in the job's
status document and acknowledged; transient failures leave the message
for redelivery.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerQueueURL, "queue-url", "", "SQS queue URL (overrides config)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rt, err := loadRuntime(ctx)
	if err != nil {
		return err
	}
	log := observability.CLILogger

	queueURL := rt.cfg.Queue.URL
	if workerQueueURL != "" {
		queueURL = workerQueueURL
	}
	if queueURL == "" {
		return exitError(foundry.ExitInvalidArgument, "Queue URL is required",
			errors.New("set queue.url in config or pass --queue-url"))
	}

	consumer, err := sqsqueue.New(ctx, sqsqueue.Config{
		QueueURL:          queueURL,
		Region:            rt.cfg.Queue.Region,
		Endpoint:          rt.cfg.Queue.Endpoint,
		WaitTime:          rt.cfg.Queue.WaitTime,
		VisibilityTimeout: rt.cfg.Queue.VisibilityTimeout,
	}, log)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Could not connect to queue", err)
	}

	log.Info("worker starting",
		zap.String("version", versionInfo.Version),
		zap.String("storage_type", rt.cfg.Storage.Type))

	if err := consumer.Run(ctx, rt.handler); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("worker stopped")
			return nil
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Worker loop failed", err)
	}
	return nil
}
