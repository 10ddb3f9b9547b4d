package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProposal(t *testing.T, s *Store, id string) *Proposal {
	t.Helper()
	prop, err := s.CreateProposal(context.Background(), id, "ledger-"+id)
	require.NoError(t, err)
	return prop
}

func TestCreateVote(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProposal(t, s, "prop-1")

	rec, created, err := s.CreateVote(ctx, CreateVoteInput{
		ProposalID:    "prop-1",
		SubjectID:     "alice",
		CiphertextRef: "0xabc",
		Weight:        3,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, VotePending, rec.Status)
	assert.Equal(t, uint64(3), rec.Weight)

	// One record per (proposal, subject), whatever the payload.
	_, _, err = s.CreateVote(ctx, CreateVoteInput{
		ProposalID:    "prop-1",
		SubjectID:     "alice",
		CiphertextRef: "0xdef",
	})
	assert.ErrorIs(t, err, ErrDuplicateVote)

	// Same subject on another proposal is fine.
	_, created, err = s.CreateVote(ctx, CreateVoteInput{
		ProposalID:    "prop-2",
		SubjectID:     "alice",
		CiphertextRef: "0xdef",
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestCreateVoteZeroWeight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProposal(t, s, "prop-1")

	rec, created, err := s.CreateVote(ctx, CreateVoteInput{
		ProposalID:    "prop-1",
		SubjectID:     "alice",
		CiphertextRef: "0xabc",
		Weight:        0,
	})
	require.NoError(t, err)
	require.True(t, created)

	// Zero is a valid weight and must be stored as such.
	got, err := s.GetVote(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.Weight)
}

func TestCreateVoteIdempotencyReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProposal(t, s, "prop-1")

	first, created, err := s.CreateVote(ctx, CreateVoteInput{
		ProposalID:       "prop-1",
		SubjectID:        "alice",
		CiphertextRef:    "0xabc",
		IdempotencyToken: "tok-1",
		JobID:            "job-1",
	})
	require.NoError(t, err)
	require.True(t, created)

	// The job id is part of the insert itself, so a replay sees it even if it
	// lands before the winner's enqueue finished.
	replay, created, err := s.CreateVote(ctx, CreateVoteInput{
		ProposalID:       "prop-1",
		SubjectID:        "alice",
		CiphertextRef:    "0xabc",
		IdempotencyToken: "tok-1",
		JobID:            "job-2",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, "job-1", replay.JobID)
}

func TestCreateVoteConcurrentSameSubject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProposal(t, s, "prop-1")

	const racers = 8
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		createdCnt int
		dupCnt     int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := s.CreateVote(ctx, CreateVoteInput{
				ProposalID:    "prop-1",
				SubjectID:     "alice",
				CiphertextRef: "0xabc",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && created:
				createdCnt++
			case err != nil:
				assert.ErrorIs(t, err, ErrDuplicateVote)
				dupCnt++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, createdCnt)
	assert.Equal(t, racers-1, dupCnt)
}

func TestConfirmVoteCountsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProposal(t, s, "prop-1")

	rec, _, err := s.CreateVote(ctx, CreateVoteInput{
		ProposalID:    "prop-1",
		SubjectID:     "alice",
		CiphertextRef: "0xabc",
	})
	require.NoError(t, err)

	applied, err := s.ConfirmVote(ctx, rec.ID, "tx-1", "block-1")
	require.NoError(t, err)
	assert.True(t, applied)

	// Redelivered confirmation is a tolerated no-op.
	applied, err = s.ConfirmVote(ctx, rec.ID, "tx-1", "block-1")
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.GetVote(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, VoteConfirmed, got.Status)
	require.NotNil(t, got.LedgerTxRef)
	assert.Equal(t, "tx-1", *got.LedgerTxRef)
	assert.NotNil(t, got.ConfirmedAt)

	prop, err := s.GetProposal(ctx, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), prop.VoteCount)
}

func TestFailVote(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProposal(t, s, "prop-1")

	rec, _, err := s.CreateVote(ctx, CreateVoteInput{
		ProposalID:    "prop-1",
		SubjectID:     "alice",
		CiphertextRef: "0xabc",
	})
	require.NoError(t, err)

	applied, err := s.FailVote(ctx, rec.ID, "voting closed")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.FailVote(ctx, rec.ID, "voting closed")
	require.NoError(t, err)
	assert.False(t, applied)

	// The opposite terminal transition is a conflict, not a silent flip.
	_, err = s.ConfirmVote(ctx, rec.ID, "tx-1", "block-1")
	assert.ErrorIs(t, err, ErrTerminalConflict)

	got, err := s.GetVote(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, VoteFailed, got.Status)
	require.NotNil(t, got.ErrorDetail)
	assert.Equal(t, "voting closed", *got.ErrorDetail)

	// Failed votes never count.
	prop, err := s.GetProposal(ctx, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), prop.VoteCount)
}

func TestDeleteVoteOnlyPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProposal(t, s, "prop-1")

	rec, _, err := s.CreateVote(ctx, CreateVoteInput{
		ProposalID:    "prop-1",
		SubjectID:     "alice",
		CiphertextRef: "0xabc",
	})
	require.NoError(t, err)

	_, err = s.ConfirmVote(ctx, rec.ID, "tx-1", "block-1")
	require.NoError(t, err)

	require.NoError(t, s.DeleteVote(ctx, rec.ID))
	_, err = s.GetVote(ctx, rec.ID)
	assert.NoError(t, err, "confirmed record must survive a rollback delete")
}

func TestConfirmedVotes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProposal(t, s, "prop-1")

	subjects := []string{"alice", "bob", "carol"}
	ids := make([]string, 0, len(subjects))
	for _, subj := range subjects {
		rec, _, err := s.CreateVote(ctx, CreateVoteInput{
			ProposalID:    "prop-1",
			SubjectID:     subj,
			CiphertextRef: "0x" + subj,
		})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	// alice and carol confirm, bob fails.
	_, err := s.ConfirmVote(ctx, ids[0], "tx-1", "block-1")
	require.NoError(t, err)
	_, err = s.FailVote(ctx, ids[1], "invalid proof")
	require.NoError(t, err)
	_, err = s.ConfirmVote(ctx, ids[2], "tx-2", "block-1")
	require.NoError(t, err)

	votes, err := s.ConfirmedVotes(ctx, "prop-1")
	require.NoError(t, err)
	require.Len(t, votes, 2)
	assert.Equal(t, "0xalice", votes[0].CiphertextRef)
	assert.Equal(t, "0xcarol", votes[1].CiphertextRef)
}

func TestGetVoteNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetVote(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
