// Package service is the boundary the HTTP layer calls into. Validation and
// duplicate rejections happen here, synchronously, before anything enters the
// async pipeline; everything past Enqueue is the queue's problem.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sealedvote/sealedvote/pkg/config"
	"github.com/sealedvote/sealedvote/pkg/metrics"
	"github.com/sealedvote/sealedvote/pkg/queue"
	"github.com/sealedvote/sealedvote/pkg/store"
	"go.uber.org/zap"
)

var (
	// ErrValidation rejects a request before any record or job is created.
	ErrValidation = errors.New("service: validation rejected")

	// ErrDuplicateVote mirrors the store's uniqueness rejection at the
	// boundary.
	ErrDuplicateVote = errors.New("service: subject already voted on proposal")

	// ErrQueueUnavailable means the queue substrate rejected the job. The
	// just-created pending record has been rolled back; the client may retry.
	ErrQueueUnavailable = errors.New("service: queue unavailable, retry later")
)

// Service wires the store and queue behind the boundary operations.
type Service struct {
	Logger   *zap.Logger
	Store    *store.Store
	Queue    *queue.Queue
	Metrics  *metrics.Metrics
	QueueCfg config.QueueConfig

	// RequireCiphertext rejects submissions without a client-supplied
	// ciphertext reference. Enabled unless an encryptor endpoint is
	// configured for the compatibility path.
	RequireCiphertext bool
}

// SubmissionRequest is one vote submission entering the system.
type SubmissionRequest struct {
	ProposalID       string `json:"proposalId"`
	SubjectID        string `json:"subjectId"`
	CiphertextRef    string `json:"ciphertextRef"`
	Proof            []byte `json:"proof,omitempty"`
	Weight           uint64 `json:"weight,omitempty"`
	IdempotencyToken string `json:"idempotencyToken,omitempty"`
}

// SubmissionAck identifies the record and job driving a submission. Reused is
// true when an idempotency token replay returned the original pair.
type SubmissionAck struct {
	VoteRecordID string `json:"voteRecordId"`
	JobID        string `json:"jobId"`
	Reused       bool   `json:"reused"`
}

// EnqueueSubmission validates the request, creates the pending vote record
// (atomically reserving the idempotency token) and enqueues the submission
// job. A queue rejection deletes the pending record so nothing is orphaned.
func (s *Service) EnqueueSubmission(ctx context.Context, req SubmissionRequest) (*SubmissionAck, error) {
	if req.ProposalID == "" || req.SubjectID == "" {
		return nil, fmt.Errorf("%w: proposal and subject are required", ErrValidation)
	}
	if req.CiphertextRef == "" && s.RequireCiphertext {
		return nil, fmt.Errorf("%w: ciphertext reference is required", ErrValidation)
	}

	prop, err := s.Store.GetProposal(ctx, req.ProposalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown proposal %s", ErrValidation, req.ProposalID)
	}
	if err != nil {
		return nil, err
	}
	if !prop.Open {
		return nil, fmt.Errorf("%w: proposal %s is closed", ErrValidation, req.ProposalID)
	}

	// The job id is minted up front and stored in the create transaction, so
	// a token replay racing the enqueue below still sees the job reference.
	jobID := queue.NewJobID()
	rec, created, err := s.Store.CreateVote(ctx, store.CreateVoteInput{
		ProposalID:       req.ProposalID,
		SubjectID:        req.SubjectID,
		CiphertextRef:    req.CiphertextRef,
		Proof:            req.Proof,
		Weight:           req.Weight,
		IdempotencyToken: req.IdempotencyToken,
		JobID:            jobID,
	})
	if errors.Is(err, store.ErrDuplicateVote) {
		return nil, fmt.Errorf("%w: subject %s", ErrDuplicateVote, req.SubjectID)
	}
	if err != nil {
		return nil, err
	}
	if !created {
		// Token replay: hand back the original references, create nothing.
		return &SubmissionAck{VoteRecordID: rec.ID, JobID: rec.JobID, Reused: true}, nil
	}

	if _, err := s.Queue.Enqueue(ctx, queue.KindSubmission, workerSubmissionPayload(rec.ID, rec.ProposalID), queue.Options{
		ID:          jobID,
		MaxAttempts: s.QueueCfg.SubmissionMaxAttempts,
		Backoff: queue.Backoff{
			Base: s.QueueCfg.SubmissionBackoffBase,
			Cap:  s.QueueCfg.SubmissionBackoffCap,
		},
	}); err != nil {
		// Roll back the pending record so a retried client does not trip the
		// uniqueness constraint on a vote that never entered the queue.
		if delErr := s.Store.DeleteVote(ctx, rec.ID); delErr != nil {
			s.Logger.Error("failed to roll back orphaned vote record",
				zap.String("voteId", rec.ID),
				zap.Error(delErr))
		}
		s.Logger.Warn("queue rejected submission job",
			zap.String("voteId", rec.ID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	s.Metrics.JobsEnqueued.WithLabelValues(string(queue.KindSubmission)).Inc()
	s.Logger.Info("submission accepted",
		zap.String("voteId", rec.ID),
		zap.String("jobId", jobID),
		zap.String("proposalId", req.ProposalID))
	return &SubmissionAck{VoteRecordID: rec.ID, JobID: jobID}, nil
}

// JobStatus returns the queue's snapshot for a job.
func (s *Service) JobStatus(ctx context.Context, jobID string) (*queue.Status, error) {
	return s.Queue.GetStatus(ctx, jobID)
}

// VoteStatus returns the vote record snapshot for pollers.
func (s *Service) VoteStatus(ctx context.Context, voteID string) (*store.VoteRecord, error) {
	return s.Store.GetVote(ctx, voteID)
}

// CloseProposal is the operator action that stops voting and schedules the
// tally. The tally job is enqueued with the settle delay so in-flight
// submissions reach a terminal state before aggregation reads them.
func (s *Service) CloseProposal(ctx context.Context, proposalID string) (string, error) {
	applied, err := s.Store.CloseProposal(ctx, proposalID)
	if err != nil {
		return "", err
	}
	if !applied {
		s.Logger.Info("proposal already closed", zap.String("proposalId", proposalID))
	}
	return s.EnqueueTally(ctx, proposalID)
}

// EnqueueTally schedules (or operator re-triggers) the tally job for a
// proposal. Preconditions are checked at execution time, not here: the settle
// delay means the world can change before the job runs.
func (s *Service) EnqueueTally(ctx context.Context, proposalID string) (string, error) {
	if _, err := s.Store.GetProposal(ctx, proposalID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: unknown proposal %s", ErrValidation, proposalID)
		}
		return "", err
	}

	jobID, err := s.Queue.Enqueue(ctx, queue.KindTally, workerTallyPayload(proposalID), queue.Options{
		Delay:       s.settleDelay(),
		MaxAttempts: s.QueueCfg.TallyMaxAttempts,
		Backoff: queue.Backoff{
			Base: s.QueueCfg.TallyBackoffBase,
			Cap:  s.QueueCfg.TallyBackoffCap,
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	s.Metrics.JobsEnqueued.WithLabelValues(string(queue.KindTally)).Inc()
	s.Logger.Info("tally scheduled",
		zap.String("proposalId", proposalID),
		zap.String("jobId", jobID),
		zap.Duration("settleDelay", s.settleDelay()))
	return jobID, nil
}

func (s *Service) settleDelay() time.Duration {
	if s.QueueCfg.TallySettleDelay > 0 {
		return s.QueueCfg.TallySettleDelay
	}
	return time.Minute
}

// Payload shapes shared with the worker handlers. Kept as plain maps here so
// the service does not import the worker package.
func workerSubmissionPayload(voteID, proposalID string) map[string]string {
	return map[string]string{"voteId": voteID, "proposalId": proposalID}
}

func workerTallyPayload(proposalID string) map[string]string {
	return map[string]string{"proposalId": proposalID}
}
