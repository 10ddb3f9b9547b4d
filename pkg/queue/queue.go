// Package queue implements the durable job queue backing the vote pipeline:
// redis streams per (kind, priority) for ready jobs, a sorted set per kind for
// delayed and retrying jobs, and a hash per job for caller-visible state.
// Delivery is at-least-once; handlers are expected to be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sealedvote/sealedvote/pkg/redis"
	"github.com/sealedvote/sealedvote/pkg/retry"
	"go.uber.org/zap"
)

// Kind is a job class with its own stream set, worker pool and retry policy.
type Kind string

const (
	KindSubmission Kind = "submission"
	KindTally      Kind = "tally"
)

// Priority selects which ready stream a job lands on. Consumers read the
// bands in order, so high-priority jobs are picked up first.
type Priority string

const (
	PriorityHigh    Priority = "high"
	PriorityDefault Priority = "default"
	PriorityLow     Priority = "low"
)

var priorities = []Priority{PriorityHigh, PriorityDefault, PriorityLow}

// State is the job lifecycle state. It only moves forward: waiting and active
// may alternate across retries, completed and failed are final.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Backoff is the exponential retry policy for a job.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Options control a single enqueue.
type Options struct {
	// ID lets the caller mint the job id ahead of Enqueue, so it can be
	// persisted alongside the caller's own records before the job exists.
	// Empty means the queue assigns one.
	ID string

	Priority    Priority
	Delay       time.Duration
	MaxAttempts int
	Backoff     Backoff
}

// NewJobID mints a job id for Options.ID.
func NewJobID() string { return uuid.NewString() }

// Job is the queue's view of one unit of work.
type Job struct {
	ID          string
	Kind        Kind
	Payload     []byte
	Priority    Priority
	Attempt     int
	MaxAttempts int
	Backoff     Backoff
	State       State
	Result      string
	ErrorReason string
	EnqueuedAt  time.Time
}

// Status is the caller-visible snapshot returned by status queries.
type Status struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	State       State  `json:"state"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
	Result      string `json:"result,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

var (
	// ErrUnavailable wraps any substrate failure on the enqueue path. Callers
	// must treat it as "no job was created" and roll back their own state.
	ErrUnavailable = errors.New("queue: unavailable")

	// ErrUnknownJob is returned for status queries on job ids that never
	// existed or aged past the retention window.
	ErrUnknownJob = errors.New("queue: unknown job")
)

const (
	keyPrefix     = "vote:"
	consumerGroup = "workers"
)

func jobKey(id string) string { return keyPrefix + "job:" + id }

func readyStream(kind Kind, pri Priority) string {
	return fmt.Sprintf("%sready:%s:%s", keyPrefix, kind, pri)
}

func schedKey(kind Kind) string { return keyPrefix + "sched:" + string(kind) }

// Queue is the shared handle used by both the enqueue path and the workers.
type Queue struct {
	rdb       *redis.Client
	logger    *zap.Logger
	retention time.Duration

	// visibility is how long a delivery may sit unacknowledged before a
	// reclaim pass hands it to another consumer.
	visibility time.Duration
}

// Config for a Queue. Zero values get production defaults.
type Config struct {
	Retention         time.Duration
	VisibilityTimeout time.Duration
}

// New creates a Queue on the given redis connection.
func New(rdb *redis.Client, logger *zap.Logger, cfg Config) *Queue {
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	return &Queue{
		rdb:        rdb,
		logger:     logger,
		retention:  cfg.Retention,
		visibility: cfg.VisibilityTimeout,
	}
}

// Enqueue accepts a job. Delayed jobs go to the scheduler set; everything
// else lands directly on its ready stream. The returned job id is stable for
// the life of the job.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any, opts Options) (string, error) {
	if opts.Priority == "" {
		opts.Priority = PriorityDefault
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff.Base = 2 * time.Second
	}
	if opts.Backoff.Cap <= 0 {
		opts.Backoff.Cap = time.Minute
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	fields := map[string]any{
		"id":              id,
		"kind":            string(kind),
		"payload":         string(body),
		"state":           string(StateWaiting),
		"attempt":         0,
		"max_attempts":    opts.MaxAttempts,
		"priority":        string(opts.Priority),
		"backoff_base_ms": opts.Backoff.Base.Milliseconds(),
		"backoff_cap_ms":  opts.Backoff.Cap.Milliseconds(),
		"enqueued_at":     now.UnixMilli(),
		"updated_at":      now.UnixMilli(),
	}
	// MULTI/EXEC so the hash and its stream or scheduler entry land together.
	// A partial write would leave a waiting hash nothing ever delivers.
	_, err = q.rdb.GetClient().TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, jobKey(id), fields)
		if opts.Delay > 0 {
			runAt := now.Add(opts.Delay)
			pipe.ZAdd(ctx, schedKey(kind), goredis.Z{Score: float64(runAt.UnixMilli()), Member: id})
		} else {
			args := &goredis.XAddArgs{
				Stream: readyStream(kind, opts.Priority),
				Values: map[string]any{"job": id},
			}
			if maxLen := q.rdb.StreamMaxLen(); maxLen > 0 {
				args.MaxLen = maxLen
				args.Approx = true
			}
			pipe.XAdd(ctx, args)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	q.logger.Debug("job enqueued",
		zap.String("jobId", id),
		zap.String("kind", string(kind)),
		zap.String("priority", string(opts.Priority)),
		zap.Duration("delay", opts.Delay))
	return id, nil
}

// GetStatus returns the caller-visible snapshot for a job.
func (q *Queue) GetStatus(ctx context.Context, jobID string) (*Status, error) {
	fields, err := q.rdb.GetClient().HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrUnknownJob
	}
	job := jobFromFields(fields)
	return &Status{
		ID:          job.ID,
		Kind:        job.Kind,
		State:       job.State,
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		Result:      job.Result,
		ErrorReason: job.ErrorReason,
	}, nil
}

// retryConfig converts a job's backoff policy to the shared retry settings.
func (j *Job) retryConfig() retry.Config {
	return retry.Config{
		InitialDelay:  j.Backoff.Base,
		MaxDelay:      j.Backoff.Cap,
		Multiplier:    2.0,
		JitterEnabled: true,
	}
}

func jobFromFields(fields map[string]string) *Job {
	job := &Job{
		ID:          fields["id"],
		Kind:        Kind(fields["kind"]),
		Payload:     []byte(fields["payload"]),
		Priority:    Priority(fields["priority"]),
		State:       State(fields["state"]),
		Result:      fields["result"],
		ErrorReason: fields["error"],
	}
	job.Attempt, _ = strconv.Atoi(fields["attempt"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if ms, err := strconv.ParseInt(fields["backoff_base_ms"], 10, 64); err == nil {
		job.Backoff.Base = time.Duration(ms) * time.Millisecond
	}
	if ms, err := strconv.ParseInt(fields["backoff_cap_ms"], 10, 64); err == nil {
		job.Backoff.Cap = time.Duration(ms) * time.Millisecond
	}
	if ms, err := strconv.ParseInt(fields["enqueued_at"], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(ms)
	}
	return job
}

func (q *Queue) loadJob(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.GetClient().HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrUnknownJob
	}
	return jobFromFields(fields), nil
}

func (q *Queue) setJobFields(ctx context.Context, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UnixMilli()
	return q.rdb.GetClient().HSet(ctx, jobKey(id), fields).Err()
}

// finishJob records a terminal job state and starts the retention clock.
func (q *Queue) finishJob(ctx context.Context, id string, state State, result, errReason string) error {
	if err := q.setJobFields(ctx, id, map[string]any{
		"state":  string(state),
		"result": result,
		"error":  errReason,
	}); err != nil {
		return err
	}
	return q.rdb.GetClient().Expire(ctx, jobKey(id), q.retention).Err()
}
