package worker

import (
	"context"
	"time"

	"github.com/sealedvote/sealedvote/pkg/encryptor"
	"github.com/sealedvote/sealedvote/pkg/ledger"
	"github.com/sealedvote/sealedvote/pkg/metrics"
	"github.com/sealedvote/sealedvote/pkg/store"
	"go.uber.org/zap"
)

// Context carries the dependencies every job handler needs. Everything is
// injected by the composition root; handlers hold no globals.
type Context struct {
	Logger    *zap.Logger
	Store     *store.Store
	Ledger    ledger.Client
	Encryptor encryptor.Client // nil disables the building-input path
	Metrics   *metrics.Metrics

	// Per-call deadlines for outbound work. A handler must never block
	// indefinitely on a collaborator.
	SubmitTimeout    time.Duration
	InclusionTimeout time.Duration
	EncryptorTimeout time.Duration
	AggregateTimeout time.Duration
}

func (cx *Context) applyDefaults() {
	if cx.Logger == nil {
		cx.Logger = zap.NewNop()
	}
	if cx.Metrics == nil {
		cx.Metrics = metrics.New(nil)
	}
	if cx.SubmitTimeout <= 0 {
		cx.SubmitTimeout = 15 * time.Second
	}
	if cx.InclusionTimeout <= 0 {
		cx.InclusionTimeout = 90 * time.Second
	}
	if cx.EncryptorTimeout <= 0 {
		cx.EncryptorTimeout = 20 * time.Second
	}
	if cx.AggregateTimeout <= 0 {
		cx.AggregateTimeout = 5 * time.Minute
	}
}

// bounded runs fn under a derived deadline.
func bounded[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(callCtx)
}
