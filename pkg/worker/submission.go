package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sealedvote/sealedvote/pkg/encryptor"
	"github.com/sealedvote/sealedvote/pkg/ledger"
	"github.com/sealedvote/sealedvote/pkg/queue"
	"github.com/sealedvote/sealedvote/pkg/store"
	"go.uber.org/zap"
)

// SubmissionPayload references the vote record a submission job drives.
type SubmissionPayload struct {
	VoteID     string `json:"voteId"`
	ProposalID string `json:"proposalId"`
}

// HandleSubmission is the submission state machine:
// building-input -> submitting -> awaiting-confirmation -> terminal.
// Permanent ledger rejections fail the record immediately; everything else is
// surfaced as retryable and the record stays pending.
func (w *Workers) HandleSubmission(ctx context.Context, job *queue.Job) queue.Outcome {
	var p SubmissionPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Terminal(fmt.Errorf("decode submission payload: %w", err))
	}
	log := w.cx.Logger.With(
		zap.String("jobId", job.ID),
		zap.String("voteId", p.VoteID),
		zap.Int("attempt", job.Attempt))

	vote, err := w.cx.Store.GetVote(ctx, p.VoteID)
	if errors.Is(err, store.ErrNotFound) {
		return queue.Terminal(fmt.Errorf("vote record %s is gone", p.VoteID))
	}
	if err != nil {
		return queue.Retryable(err)
	}
	if vote.Status != store.VotePending {
		// Redelivered after a prior attempt already settled the record.
		log.Debug("vote already terminal, nothing to do", zap.String("status", string(vote.Status)))
		return queue.Completed("vote already " + string(vote.Status))
	}

	prop, err := w.cx.Store.GetProposal(ctx, vote.ProposalID)
	if errors.Is(err, store.ErrNotFound) {
		w.failVote(ctx, vote.ID, "proposal no longer exists")
		return queue.Terminal(err)
	}
	if err != nil {
		return queue.Retryable(err)
	}

	// building-input: the preferred path carries client-supplied handles on
	// the record; the compatibility path asks the encryptor for handles the
	// client registered out of band. The server never synthesizes a vote.
	handle, proof := vote.CiphertextRef, vote.Proof
	if handle == "" {
		if w.cx.Encryptor == nil {
			w.failVote(ctx, vote.ID, "no ciphertext reference and no encryptor configured")
			return queue.Terminal(errors.New("no ciphertext reference"))
		}
		handles, err := bounded(ctx, w.cx.EncryptorTimeout, func(c context.Context) (*encryptor.Handles, error) {
			return w.cx.Encryptor.InputHandles(c, vote.ProposalID, vote.SubjectID)
		})
		if errors.Is(err, encryptor.ErrNoRegisteredInput) {
			w.failVote(ctx, vote.ID, err.Error())
			return queue.Terminal(err)
		}
		if err != nil {
			return queue.Retryable(fmt.Errorf("fetch input handles: %w", err))
		}
		handle, proof = handles.CiphertextRef, handles.Proof
		if err := w.cx.Store.SetCiphertext(ctx, vote.ID, handle, proof); err != nil {
			log.Warn("failed to persist fetched handles", zap.Error(err))
		}
	}

	// submitting
	receipt, err := bounded(ctx, w.cx.SubmitTimeout, func(c context.Context) (*ledger.Receipt, error) {
		return w.cx.Ledger.Submit(c, ledger.SubmitInput{
			ProposalRef:      prop.LedgerRef,
			CiphertextHandle: handle,
			Proof:            proof,
		})
	})
	if err != nil {
		return w.classifySubmission(ctx, vote.ID, log, err)
	}
	log.Debug("ballot submitted, awaiting inclusion", zap.String("txRef", receipt.TxRef))

	// awaiting-confirmation
	included, err := bounded(ctx, w.cx.InclusionTimeout, func(c context.Context) (*ledger.Receipt, error) {
		return w.cx.Ledger.AwaitInclusion(c, receipt.TxRef)
	})
	if err != nil {
		return w.classifySubmission(ctx, vote.ID, log, err)
	}

	applied, err := w.cx.Store.ConfirmVote(ctx, vote.ID, included.TxRef, included.BlockRef)
	if errors.Is(err, store.ErrTerminalConflict) {
		return queue.Terminal(err)
	}
	if err != nil {
		return queue.Retryable(fmt.Errorf("confirm vote: %w", err))
	}
	if applied {
		w.cx.Metrics.VotesConfirmed.Inc()
		log.Info("vote confirmed",
			zap.String("txRef", included.TxRef),
			zap.String("blockRef", included.BlockRef))
	}
	return queue.Completed("confirmed")
}

// classifySubmission maps a ledger failure onto the retry machinery. The
// permanent/transient split lives on the error itself (ledger.IsPermanent);
// this is the single surface where a vote can be lost, so anything
// unclassified stays retryable.
func (w *Workers) classifySubmission(ctx context.Context, voteID string, log *zap.Logger, err error) queue.Outcome {
	if ledger.IsPermanent(err) {
		log.Info("ledger rejected ballot permanently", zap.Error(err))
		w.failVote(ctx, voteID, err.Error())
		return queue.Terminal(err)
	}
	log.Warn("transient ledger failure", zap.Error(err))
	return queue.Retryable(err)
}

// failVote drives the record to failed. The CAS inside FailVote makes replays
// harmless, so this is safe from both the handler and the exhaustion callback.
func (w *Workers) failVote(ctx context.Context, voteID, detail string) {
	applied, err := w.cx.Store.FailVote(ctx, voteID, detail)
	if err != nil {
		w.cx.Logger.Error("failed to mark vote failed",
			zap.String("voteId", voteID),
			zap.Error(err))
		return
	}
	if applied {
		w.cx.Metrics.VotesFailed.Inc()
	}
}

// submissionExhausted runs when a submission job burns its last attempt, so a
// record never stays pending past the retry ceiling.
func (w *Workers) submissionExhausted(ctx context.Context, job *queue.Job, cause error) {
	var p SubmissionPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		w.cx.Logger.Error("cannot fail vote for exhausted job: bad payload",
			zap.String("jobId", job.ID),
			zap.Error(err))
		return
	}
	detail := fmt.Sprintf("retries exhausted after %d attempts", job.Attempt)
	if cause != nil {
		detail += ": " + cause.Error()
	}
	w.failVote(ctx, p.VoteID, detail)
}
