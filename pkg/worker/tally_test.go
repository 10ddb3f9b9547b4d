package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sealedvote/sealedvote/pkg/ledger"
	"github.com/sealedvote/sealedvote/pkg/queue"
	"github.com/sealedvote/sealedvote/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tallyJob(t *testing.T, proposalID string, attempt int) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(TallyPayload{ProposalID: proposalID})
	require.NoError(t, err)
	return &queue.Job{
		ID:          "tally-" + proposalID,
		Kind:        queue.KindTally,
		Payload:     payload,
		Attempt:     attempt,
		MaxAttempts: 3,
	}
}

// seedClosedProposal creates a closed proposal with the given confirmed votes.
func (p *testPipeline) seedClosedProposal(t *testing.T, proposalID string, subjects ...string) {
	t.Helper()
	ctx := context.Background()
	for _, subj := range subjects {
		rec := p.seedVote(t, proposalID, subj, "0x"+subj)
		_, err := p.store.ConfirmVote(ctx, rec.ID, "tx-"+subj, "block-1")
		require.NoError(t, err)
	}
	if len(subjects) == 0 {
		_, err := p.store.CreateProposal(ctx, proposalID, "ledger-"+proposalID)
		require.NoError(t, err)
	}
	_, err := p.store.CloseProposal(ctx, proposalID)
	require.NoError(t, err)
}

func TestHandleTallyAggregates(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	p.seedClosedProposal(t, "prop-1", "alice", "bob")

	// A failed vote must not enter the aggregation.
	rec := p.seedVote(t, "prop-1", "mallory", "0xmallory")
	_, err := p.store.FailVote(ctx, rec.ID, "invalid proof")
	require.NoError(t, err)

	out := p.workers.HandleTally(ctx, tallyJob(t, "prop-1", 1))
	assert.True(t, out.IsSuccess())

	prop, err := p.store.GetProposal(ctx, "prop-1")
	require.NoError(t, err)
	require.NotNil(t, prop.TallyHandle)
	require.NotNil(t, prop.TallyTxRef)

	aggregated := p.ledger.Aggregations("ledger-prop-1")
	assert.ElementsMatch(t, []string{"0xalice", "0xbob"}, aggregated)
}

func TestHandleTallyOpenProposal(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	_, err := p.store.CreateProposal(ctx, "prop-1", "ledger-prop-1")
	require.NoError(t, err)

	out := p.workers.HandleTally(ctx, tallyJob(t, "prop-1", 1))
	assert.True(t, out.IsTerminal())
	assert.ErrorIs(t, out.Err(), ErrProposalStillOpen)
	assert.Empty(t, p.ledger.Aggregations("ledger-prop-1"))
}

func TestHandleTallyNoConfirmedVotes(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	p.seedClosedProposal(t, "prop-1")

	out := p.workers.HandleTally(ctx, tallyJob(t, "prop-1", 1))
	assert.True(t, out.IsSuccess(), "an empty tally is a reported no-op, not a failure")
	assert.Empty(t, p.ledger.Aggregations("ledger-prop-1"))

	prop, err := p.store.GetProposal(ctx, "prop-1")
	require.NoError(t, err)
	assert.Nil(t, prop.TallyHandle)
}

func TestHandleTallyIdempotent(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	p.seedClosedProposal(t, "prop-1", "alice")

	out := p.workers.HandleTally(ctx, tallyJob(t, "prop-1", 1))
	require.True(t, out.IsSuccess())
	prop, err := p.store.GetProposal(ctx, "prop-1")
	require.NoError(t, err)
	require.NotNil(t, prop.TallyHandle)
	first := *prop.TallyHandle

	// Redelivered tally is a no-op and never recomputes.
	out = p.workers.HandleTally(ctx, tallyJob(t, "prop-1", 2))
	assert.True(t, out.IsSuccess())

	prop, err = p.store.GetProposal(ctx, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, first, *prop.TallyHandle)
}

func TestHandleTallyTransientThenSucceeds(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	p.seedClosedProposal(t, "prop-1", "alice")

	p.ledger.ScriptAggregate(ledger.NewTransientError("timeout", nil))

	out := p.workers.HandleTally(ctx, tallyJob(t, "prop-1", 1))
	assert.True(t, out.IsRetry())

	prop, err := p.store.GetProposal(ctx, "prop-1")
	require.NoError(t, err)
	assert.Nil(t, prop.TallyHandle, "a failed aggregation must not record a tally")

	out = p.workers.HandleTally(ctx, tallyJob(t, "prop-1", 2))
	assert.True(t, out.IsSuccess())
}

func TestHandleTallyPermanentRejection(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	p.seedClosedProposal(t, "prop-1", "alice")

	p.ledger.ScriptAggregate(ledger.NewRevertError(ledger.ReasonUnknownProposal))

	out := p.workers.HandleTally(ctx, tallyJob(t, "prop-1", 1))
	assert.True(t, out.IsTerminal())
}

func TestHandleTallyUnknownProposal(t *testing.T) {
	p := newTestPipeline(t)
	out := p.workers.HandleTally(context.Background(), tallyJob(t, "nope", 1))
	assert.True(t, out.IsTerminal())
	assert.ErrorIs(t, out.Err(), store.ErrNotFound)
}
