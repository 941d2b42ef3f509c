// Package sqs consumes job messages from an Amazon SQS queue.
//
// Delivery is at-least-once: a message is deleted only after the handler
// declares it non-retryable, so a worker crash mid-job redelivers the
// message after the visibility timeout. The pipeline's path derivation and
// status monotonicity make redelivery safe.
package sqs

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/studyowl/mediaworks/pkg/queue"
)

// Config holds SQS consumer settings.
type Config struct {
	// QueueURL is the full SQS queue URL. Required.
	QueueURL string

	// Region for the AWS client. Empty uses the environment chain.
	Region string

	// Endpoint overrides the SQS endpoint, for local emulators.
	Endpoint string

	// WaitTime is the long-poll duration per receive. Default 20s.
	WaitTime time.Duration

	// VisibilityTimeout hides a received message from other consumers while
	// the job runs. Default 30m: jobs poll external services for minutes.
	VisibilityTimeout time.Duration

	// MaxMessages per receive call, 1-10. Default 1; jobs are heavy and the
	// worker processes them one at a time.
	MaxMessages int
}

func (c Config) withDefaults() Config {
	if c.WaitTime <= 0 {
		c.WaitTime = 20 * time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Minute
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 1
	}
	if c.MaxMessages > 10 {
		c.MaxMessages = 10
	}
	return c
}

// Validate checks required configuration.
func (c Config) Validate() error {
	if c.QueueURL == "" {
		return fmt.Errorf("sqs: queue URL is required")
	}
	return nil
}

// Consumer receives job messages from one SQS queue.
type Consumer struct {
	client *awssqs.Client
	cfg    Config
	log    *zap.Logger
}

// New creates a consumer using the standard AWS credential chain.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("sqs: load AWS config: %w", err)
	}

	client := awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
		}
	})
	return &Consumer{client: client, cfg: cfg.withDefaults(), log: log}, nil
}

// Run receives and dispatches messages until the context ends. Receive
// errors are logged and retried after a short backoff.
func (c *Consumer) Run(ctx context.Context, h queue.Handler) error {
	c.log.Info("sqs consumer started", zap.String("queue_url", c.cfg.QueueURL))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := c.client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
			QueueUrl:            &c.cfg.QueueURL,
			MaxNumberOfMessages: int32(c.cfg.MaxMessages),
			WaitTimeSeconds:     int32(c.cfg.WaitTime / time.Second),
			VisibilityTimeout:   int32(c.cfg.VisibilityTimeout / time.Second),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("sqs receive failed", zap.Error(err))
			if err := sleep(ctx, 5*time.Second); err != nil {
				return err
			}
			continue
		}
		for _, raw := range out.Messages {
			c.dispatch(ctx, h, raw)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, h queue.Handler, raw types.Message) {
	body := ""
	if raw.Body != nil {
		body = *raw.Body
	}

	msg, err := queue.Decode([]byte(body))
	if err == nil {
		err = msg.Validate()
	}
	if err != nil {
		// Malformed payloads can never become processable; drop them.
		c.log.Error("dropping malformed job message", zap.Error(err))
		c.delete(ctx, raw)
		return
	}

	log := c.log.With(zap.String("job_id", msg.JobID), zap.String("kind", string(msg.Kind)))
	retryable, err := h.Handle(ctx, msg)
	switch {
	case err == nil:
		c.delete(ctx, raw)
	case retryable:
		// Leave the message for redelivery after the visibility timeout.
		log.Warn("job failed, leaving message for redelivery", zap.Error(err))
	default:
		log.Error("job failed terminally", zap.Error(err))
		c.delete(ctx, raw)
	}
}

func (c *Consumer) delete(ctx context.Context, raw types.Message) {
	if raw.ReceiptHandle == nil {
		return
	}
	_, err := c.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      &c.cfg.QueueURL,
		ReceiptHandle: raw.ReceiptHandle,
	})
	if err != nil {
		// At-least-once delivery: the message will come back and the
		// pipeline's idempotence absorbs the duplicate.
		c.log.Warn("sqs delete failed", zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
