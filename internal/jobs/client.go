package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/payeshgar/endpoint-mon/internal/ingest"
)

// Client enqueues background tasks.
type Client struct {
	client *asynq.Client
	logger *slog.Logger
}

// ClientConfig holds the Redis connection settings for the job client.
type ClientConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// NewClient creates a job client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	return &Client{
		client: asynq.NewClient(redisOpt),
		logger: logger.With("component", "job_client"),
	}
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueResultBatch enqueues a submitted result batch for processing.
func (c *Client) EnqueueResultBatch(ctx context.Context, batch ingest.Batch) error {
	task, err := NewProcessResultsTask(batch)
	if err != nil {
		return fmt.Errorf("creating result task: %w", err)
	}

	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		c.logger.Error("failed to enqueue result batch",
			"agent", batch.AgentName,
			"records", len(batch.Records),
			"error", err,
		)
		return fmt.Errorf("enqueueing result batch: %w", err)
	}

	c.logger.Info("result batch queued",
		"task_id", info.ID,
		"agent", batch.AgentName,
		"records", len(batch.Records),
		"queue", info.Queue,
	)
	return nil
}

// EnqueueGenerate enqueues a schedule generation pass. The task ID pins one
// outstanding generation at a time; a second enqueue while one is pending
// collapses into it.
func (c *Client) EnqueueGenerate(ctx context.Context) error {
	info, err := c.client.EnqueueContext(ctx, NewGenerateTask(), asynq.TaskID("scheduler:generate:singleton"))
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			c.logger.Debug("generation already queued")
			return nil
		}
		return fmt.Errorf("enqueueing generation: %w", err)
	}

	c.logger.Info("schedule generation queued", "task_id", info.ID, "queue", info.Queue)
	return nil
}
