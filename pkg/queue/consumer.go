package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sealedvote/sealedvote/pkg/retry"
	"go.uber.org/zap"
)

// Handler processes one job delivery and reports the tagged outcome.
type Handler func(ctx context.Context, job *Job) Outcome

// Runner executes handler tasks with bounded concurrency. Implemented by the
// worker package's pond pools.
type Runner interface {
	Go(task func())
}

// ConsumerConfig configures one consumer loop for a job kind.
type ConsumerConfig struct {
	Kind     Kind
	Consumer string
	Handler  Handler
	Runner   Runner

	// Batch caps deliveries per read; it should not exceed the runner's
	// concurrency or jobs queue up behind busy slots unacknowledged.
	Batch int64

	// Block is the blocking-read window per poll.
	Block time.Duration

	// ReclaimEvery is how often stalled deliveries are reclaimed from dead
	// consumers.
	ReclaimEvery time.Duration

	// OnExhausted runs once when a retryable job burns its last attempt, so
	// the owning record can be driven to a terminal state. It must be
	// idempotent: at-least-once delivery can replay the final attempt.
	OnExhausted func(ctx context.Context, job *Job, cause error)

	Logger *zap.Logger
}

// Consumer pulls jobs of one kind from the ready streams and feeds them to
// the runner. One Consumer per kind; slots inside the runner bound
// parallelism.
type Consumer struct {
	queue *Queue
	cfg   ConsumerConfig
}

// NewConsumer validates the config and binds it to the queue.
func NewConsumer(q *Queue, cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Kind == "" {
		return nil, errors.New("queue: consumer kind is required")
	}
	if cfg.Consumer == "" {
		return nil, errors.New("queue: consumer name is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("queue: handler is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("queue: runner is required")
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 8
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.ReclaimEvery <= 0 {
		cfg.ReclaimEvery = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Consumer{queue: q, cfg: cfg}, nil
}

// Run consumes until the context is cancelled. Read errors back off
// exponentially instead of hot-looping against a sick redis.
func (c *Consumer) Run(ctx context.Context) error {
	streams := make([]string, 0, len(priorities))
	ids := make([]string, 0, len(priorities))
	for _, pri := range priorities {
		stream := readyStream(c.cfg.Kind, pri)
		if err := c.queue.rdb.XGroupCreateMkStream(ctx, stream, consumerGroup, "0"); err != nil {
			return fmt.Errorf("create consumer group on %s: %w", stream, err)
		}
		streams = append(streams, stream)
		ids = append(ids, ">")
	}
	c.cfg.Logger.Info("consumer ready",
		zap.String("kind", string(c.cfg.Kind)),
		zap.String("consumer", c.cfg.Consumer))

	errDelay := time.Second
	lastReclaim := time.Time{}

	for {
		select {
		case <-ctx.Done():
			c.cfg.Logger.Info("consumer shutting down", zap.String("kind", string(c.cfg.Kind)))
			return ctx.Err()
		default:
		}

		if time.Since(lastReclaim) >= c.cfg.ReclaimEvery {
			c.reclaim(ctx, streams)
			lastReclaim = time.Now()
		}

		result, err := c.queue.rdb.XReadGroup(ctx, consumerGroup, c.cfg.Consumer, streams, ids, c.cfg.Batch, c.cfg.Block)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if errors.Is(err, goredis.Nil) {
				continue
			}
			c.cfg.Logger.Warn("error reading ready streams, will retry",
				zap.String("kind", string(c.cfg.Kind)),
				zap.Duration("retryIn", errDelay),
				zap.Error(err))
			select {
			case <-time.After(errDelay):
				errDelay = min(errDelay*2, 30*time.Second)
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		errDelay = time.Second

		c.dispatch(ctx, result)
	}
}

// dispatch fans a batch out to the runner and waits for it to settle, so
// in-flight jobs never exceed the batch size.
func (c *Consumer) dispatch(ctx context.Context, streams []goredis.XStream) {
	var wg sync.WaitGroup
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			wg.Add(1)
			streamName := stream.Stream
			m := msg
			c.cfg.Runner.Go(func() {
				defer wg.Done()
				c.process(ctx, streamName, m)
			})
		}
	}
	wg.Wait()
}

// reclaim redelivers entries whose consumer died mid-flight.
func (c *Consumer) reclaim(ctx context.Context, streams []string) {
	for _, stream := range streams {
		msgs, _, err := c.queue.rdb.XAutoClaim(ctx, stream, consumerGroup, c.cfg.Consumer, c.queue.visibility, "0-0", c.cfg.Batch)
		if err != nil {
			if !errors.Is(err, goredis.Nil) && !errors.Is(err, context.Canceled) {
				c.cfg.Logger.Warn("reclaim failed", zap.String("stream", stream), zap.Error(err))
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		c.cfg.Logger.Info("reclaimed stalled deliveries",
			zap.String("stream", stream),
			zap.Int("count", len(msgs)))
		c.dispatch(ctx, []goredis.XStream{{Stream: stream, Messages: msgs}})
	}
}

// process owns one delivery end to end: mark active, run the handler, then
// ack with the outcome. Every path acks the stream entry; retries re-enter
// through the scheduler set, not through an unacked entry.
func (c *Consumer) process(ctx context.Context, stream string, msg goredis.XMessage) {
	ack := func() {
		if _, err := c.queue.rdb.XAck(ctx, stream, consumerGroup, msg.ID); err != nil {
			c.cfg.Logger.Warn("failed to ack delivery",
				zap.String("stream", stream),
				zap.String("entryId", msg.ID),
				zap.Error(err))
		}
	}

	jobID, _ := msg.Values["job"].(string)
	if jobID == "" {
		ack()
		return
	}
	log := c.cfg.Logger.With(zap.String("jobId", jobID), zap.String("kind", string(c.cfg.Kind)))

	job, err := c.queue.loadJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrUnknownJob) {
			// Metadata aged out; nothing left to run.
			ack()
			return
		}
		log.Warn("failed to load job, leaving for redelivery", zap.Error(err))
		return
	}
	if job.State == StateCompleted || job.State == StateFailed {
		// Stale redelivery of an already-settled job.
		ack()
		return
	}

	attempt, err := c.queue.rdb.GetClient().HIncrBy(ctx, jobKey(jobID), "attempt", 1).Result()
	if err != nil {
		log.Warn("failed to bump attempt, leaving for redelivery", zap.Error(err))
		return
	}
	job.Attempt = int(attempt)
	if err := c.queue.setJobFields(ctx, jobID, map[string]any{"state": string(StateActive)}); err != nil {
		log.Warn("failed to mark job active", zap.Error(err))
	}

	outcome := c.cfg.Handler(ctx, job)

	switch outcome.kind {
	case dispositionSuccess:
		if err := c.queue.finishJob(ctx, jobID, StateCompleted, outcome.result, ""); err != nil {
			log.Warn("failed to record completion", zap.Error(err))
		}
		log.Debug("job completed", zap.Int("attempt", job.Attempt), zap.String("result", outcome.result))
		ack()

	case dispositionTerminal:
		if err := c.queue.finishJob(ctx, jobID, StateFailed, "", outcome.errReason()); err != nil {
			log.Warn("failed to record terminal failure", zap.Error(err))
		}
		log.Info("job failed permanently",
			zap.Int("attempt", job.Attempt),
			zap.String("reason", outcome.errReason()))
		ack()

	case dispositionRetry:
		if job.Attempt >= job.MaxAttempts {
			reason := fmt.Sprintf("retries exhausted after %d attempts: %s", job.Attempt, outcome.errReason())
			if err := c.queue.finishJob(ctx, jobID, StateFailed, "", reason); err != nil {
				log.Warn("failed to record exhaustion", zap.Error(err))
			}
			log.Warn("job retries exhausted", zap.Int("attempts", job.Attempt), zap.Error(outcome.Err()))
			if c.cfg.OnExhausted != nil {
				c.cfg.OnExhausted(ctx, job, outcome.Err())
			}
			ack()
			return
		}

		delay := retry.Delay(job.retryConfig(), job.Attempt)
		runAt := time.Now().Add(delay)
		if err := c.queue.setJobFields(ctx, jobID, map[string]any{
			"state": string(StateWaiting),
			"error": outcome.errReason(),
		}); err != nil {
			log.Warn("failed to mark job waiting", zap.Error(err))
		}
		if err := c.queue.rdb.ZAdd(ctx, schedKey(job.Kind), jobID, float64(runAt.UnixMilli())); err != nil {
			// Leave the entry unacked; the reclaim pass will redeliver it.
			log.Warn("failed to schedule retry, leaving for redelivery", zap.Error(err))
			return
		}
		log.Info("job scheduled for retry",
			zap.Int("attempt", job.Attempt),
			zap.Int("maxAttempts", job.MaxAttempts),
			zap.Duration("retryIn", delay),
			zap.Error(outcome.Err()))
		ack()
	}
}
