package worker

import (
	"context"
	"testing"
	"time"

	"github.com/sealedvote/sealedvote/pkg/ledger"
	"github.com/sealedvote/sealedvote/pkg/queue"
	"github.com/sealedvote/sealedvote/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineEndToEnd(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	p.workers.Start(ctx)
	t.Cleanup(p.workers.Stop)

	rec := p.seedVote(t, "prop-1", "alice", "0xabc")
	jobID, err := p.queue.Enqueue(ctx, queue.KindSubmission,
		SubmissionPayload{VoteID: rec.ID, ProposalID: "prop-1"},
		queue.Options{MaxAttempts: 3})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := p.store.GetVote(ctx, rec.ID)
		return err == nil && got.Status == store.VoteConfirmed
	}, 10*time.Second, 20*time.Millisecond)

	status, err := p.queue.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, status.State)
	assert.Equal(t, "confirmed", status.Result)

	// Close and tally through the same pipeline.
	_, err = p.store.CloseProposal(ctx, "prop-1")
	require.NoError(t, err)
	tallyID, err := p.queue.Enqueue(ctx, queue.KindTally,
		TallyPayload{ProposalID: "prop-1"},
		queue.Options{MaxAttempts: 3, Delay: 20 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		prop, err := p.store.GetProposal(ctx, "prop-1")
		return err == nil && prop.TallyHandle != nil
	}, 10*time.Second, 20*time.Millisecond)

	status, err = p.queue.GetStatus(ctx, tallyID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, status.State)
	assert.Empty(t, p.workers.ActiveJobs())
}

func TestPipelineExhaustionFailsVote(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	// Every submit times out; the job burns its attempts and the exhaustion
	// callback drives the record to failed.
	p.ledger.ScriptSubmit(
		ledger.NewTransientError("timeout", nil),
		ledger.NewTransientError("timeout", nil),
		ledger.NewTransientError("timeout", nil),
	)
	p.workers.Start(ctx)
	t.Cleanup(p.workers.Stop)

	rec := p.seedVote(t, "prop-1", "alice", "0xabc")
	jobID, err := p.queue.Enqueue(ctx, queue.KindSubmission,
		SubmissionPayload{VoteID: rec.ID, ProposalID: "prop-1"},
		queue.Options{
			MaxAttempts: 3,
			Backoff:     queue.Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond},
		})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := p.store.GetVote(ctx, rec.ID)
		return err == nil && got.Status == store.VoteFailed
	}, 10*time.Second, 20*time.Millisecond)

	status, err := p.queue.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, status.State)
	assert.Equal(t, 3, status.Attempt)
	assert.Contains(t, status.ErrorReason, "retries exhausted")
}
