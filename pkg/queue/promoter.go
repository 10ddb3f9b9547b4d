package queue

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const promoteBatch = 128

// RunPromoter moves due jobs from the scheduler sets onto their ready streams.
// Blocks until the context is cancelled. Multiple promoters are safe: ZRem is
// the claim, so each due job is moved exactly once.
func (q *Queue) RunPromoter(ctx context.Context, interval time.Duration, kinds ...Kind) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, kind := range kinds {
				q.promoteDue(ctx, kind)
			}
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context, kind Kind) {
	now := float64(time.Now().UnixMilli())
	due, err := q.rdb.ZDue(ctx, schedKey(kind), now, promoteBatch)
	if err != nil {
		q.logger.Warn("failed to read scheduler set",
			zap.String("kind", string(kind)),
			zap.Error(err))
		return
	}

	for _, jobID := range due {
		claimed, err := q.rdb.ZRem(ctx, schedKey(kind), jobID)
		if err != nil {
			q.logger.Warn("failed to claim scheduled job",
				zap.String("jobId", jobID),
				zap.Error(err))
			continue
		}
		if !claimed {
			// Another promoter moved it.
			continue
		}

		job, err := q.loadJob(ctx, jobID)
		if err != nil {
			// Metadata gone (janitor or retention); drop the orphan.
			q.logger.Warn("dropping scheduled job without metadata", zap.String("jobId", jobID))
			continue
		}
		if _, err := q.rdb.XAdd(ctx, readyStream(kind, job.Priority), map[string]any{"job": jobID}); err != nil {
			// Put it back so the next pass retries the move.
			_ = q.rdb.ZAdd(ctx, schedKey(kind), jobID, now)
			q.logger.Warn("failed to promote job, rescheduled",
				zap.String("jobId", jobID),
				zap.Error(err))
			continue
		}
		q.logger.Debug("job promoted to ready",
			zap.String("jobId", jobID),
			zap.String("kind", string(kind)))
	}
}

// StartJanitor schedules the retention sweep on the given cron. The sweep is
// a repair pass: terminal jobs normally expire via key TTL set at completion,
// this catches hashes left without a TTL by a crash in between, plus
// scheduler entries whose metadata is already gone.
func (q *Queue) StartJanitor(c *cron.Cron, kinds ...Kind) error {
	_, err := c.AddFunc("@every 5m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		q.Sweep(ctx, kinds...)
	})
	return err
}

// Sweep performs one janitor pass.
func (q *Queue) Sweep(ctx context.Context, kinds ...Kind) {
	rdb := q.rdb.GetClient()

	var cursor uint64
	repaired := 0
	for {
		keys, next, err := rdb.Scan(ctx, cursor, keyPrefix+"job:*", 256).Result()
		if err != nil {
			q.logger.Warn("janitor scan failed", zap.Error(err))
			return
		}
		for _, key := range keys {
			state, err := rdb.HGet(ctx, key, "state").Result()
			if err != nil {
				continue
			}
			if State(state) != StateCompleted && State(state) != StateFailed {
				continue
			}
			ttl, err := rdb.TTL(ctx, key).Result()
			if err != nil || ttl > 0 {
				continue
			}
			if err := rdb.Expire(ctx, key, q.retention).Err(); err == nil {
				repaired++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	orphans := 0
	for _, kind := range kinds {
		due, err := q.rdb.ZDue(ctx, schedKey(kind), float64(time.Now().Add(q.retention).UnixMilli()), 1024)
		if err != nil {
			continue
		}
		for _, jobID := range due {
			exists, err := rdb.Exists(ctx, jobKey(jobID)).Result()
			if err != nil || exists == 1 {
				continue
			}
			if ok, _ := q.rdb.ZRem(ctx, schedKey(kind), jobID); ok {
				orphans++
			}
		}
	}

	if repaired > 0 || orphans > 0 {
		q.logger.Info("janitor sweep finished",
			zap.Int("ttlRepaired", repaired),
			zap.Int("orphansDropped", orphans))
	}
}
