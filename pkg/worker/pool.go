package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sealedvote/sealedvote/pkg/queue"
	"go.uber.org/zap"
)

// Config sizes the per-kind pools. Submission and tally run on separate pools
// with independent limits: tallies are rare and expensive, submissions are
// frequent and mostly wait on inclusion.
type Config struct {
	SubmissionConcurrency int
	TallyConcurrency      int

	// PromoteInterval is how often scheduled jobs are checked for promotion.
	PromoteInterval time.Duration

	// ConsumerName distinguishes this process within the consumer group.
	ConsumerName string
}

// Workers owns the worker pools and the consumer loops for both job kinds.
type Workers struct {
	cx    *Context
	queue *queue.Queue
	cfg   Config

	submissionPool pond.Pool
	tallyPool      pond.Pool

	submissionConsumer *queue.Consumer
	tallyConsumer      *queue.Consumer

	// active tracks in-flight job ids to their start time.
	active *xsync.Map[string, time.Time]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// poolRunner adapts a pond pool to the queue's Runner.
type poolRunner struct{ pool pond.Pool }

func (r poolRunner) Go(task func()) { r.pool.Submit(task) }

// New builds the workers. Pools are created here; consumer loops start in
// Start.
func New(cx *Context, q *queue.Queue, cfg Config) (*Workers, error) {
	if cx == nil || cx.Store == nil || cx.Ledger == nil {
		return nil, errors.New("worker: context with store and ledger is required")
	}
	cx.applyDefaults()
	if cfg.SubmissionConcurrency <= 0 {
		cfg.SubmissionConcurrency = 8
	}
	if cfg.TallyConcurrency <= 0 {
		cfg.TallyConcurrency = 1
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = 500 * time.Millisecond
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "worker-1"
	}

	w := &Workers{
		cx:             cx,
		queue:          q,
		cfg:            cfg,
		submissionPool: pond.NewPool(cfg.SubmissionConcurrency),
		tallyPool:      pond.NewPool(cfg.TallyConcurrency),
		active:         xsync.NewMap[string, time.Time](),
	}

	var err error
	w.submissionConsumer, err = queue.NewConsumer(q, queue.ConsumerConfig{
		Kind:        queue.KindSubmission,
		Consumer:    cfg.ConsumerName,
		Handler:     w.instrument(queue.KindSubmission, w.HandleSubmission),
		Runner:      poolRunner{w.submissionPool},
		Batch:       int64(cfg.SubmissionConcurrency),
		OnExhausted: w.submissionExhausted,
		Logger:      cx.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("submission consumer: %w", err)
	}

	w.tallyConsumer, err = queue.NewConsumer(q, queue.ConsumerConfig{
		Kind:     queue.KindTally,
		Consumer: cfg.ConsumerName,
		Handler:  w.instrument(queue.KindTally, w.HandleTally),
		Runner:   poolRunner{w.tallyPool},
		Batch:    int64(cfg.TallyConcurrency),
		Logger:   cx.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("tally consumer: %w", err)
	}

	return w, nil
}

// instrument wraps a handler with the in-flight registry and job metrics.
func (w *Workers) instrument(kind queue.Kind, h queue.Handler) queue.Handler {
	label := string(kind)
	return func(ctx context.Context, job *queue.Job) queue.Outcome {
		w.active.Store(job.ID, time.Now())
		w.cx.Metrics.JobsInFlight.WithLabelValues(label).Inc()
		defer func() {
			w.cx.Metrics.JobsInFlight.WithLabelValues(label).Dec()
			w.active.Delete(job.ID)
		}()

		out := h(ctx, job)
		switch {
		case out.IsSuccess():
			w.cx.Metrics.JobsCompleted.WithLabelValues(label).Inc()
		case out.IsRetry():
			w.cx.Metrics.JobsRetried.WithLabelValues(label).Inc()
			if job.Attempt >= job.MaxAttempts {
				w.cx.Metrics.JobsFailed.WithLabelValues(label).Inc()
			}
		case out.IsTerminal():
			w.cx.Metrics.JobsFailed.WithLabelValues(label).Inc()
		}
		return out
	}
}

// Start launches the consumer loops and the scheduler promoter, returning
// immediately. Stop shuts everything down.
func (w *Workers) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	run := func(name string, fn func(context.Context) error) {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := fn(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				w.cx.Logger.Error("worker loop exited", zap.String("loop", name), zap.Error(err))
			}
		}()
	}

	run("submission-consumer", w.submissionConsumer.Run)
	run("tally-consumer", w.tallyConsumer.Run)
	run("promoter", func(c context.Context) error {
		return w.queue.RunPromoter(c, w.cfg.PromoteInterval, queue.KindSubmission, queue.KindTally)
	})

	w.cx.Logger.Info("worker pools started",
		zap.Int("submissionConcurrency", w.cfg.SubmissionConcurrency),
		zap.Int("tallyConcurrency", w.cfg.TallyConcurrency))
}

// Stop cancels the loops and drains the pools.
func (w *Workers) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.submissionPool.StopAndWait()
	w.tallyPool.StopAndWait()
	w.cx.Logger.Info("worker pools stopped")
}

// ActiveJobs returns the ids of jobs currently executing.
func (w *Workers) ActiveJobs() []string {
	ids := make([]string, 0, w.active.Size())
	w.active.Range(func(id string, _ time.Time) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}
