package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sealedvote/sealedvote/pkg/ledger"
	"github.com/sealedvote/sealedvote/pkg/queue"
	"github.com/sealedvote/sealedvote/pkg/store"
	"go.uber.org/zap"
)

// ErrProposalStillOpen is the tally precondition failure: the job ran before
// the proposal closed. It is terminal for the job instance; an operator
// re-triggers once the proposal actually closes.
var ErrProposalStillOpen = errors.New("proposal is still open")

// Job results surfaced on tally status queries.
const (
	TallyResultEmpty    = "no confirmed votes"
	TallyResultExisting = "tally already recorded"
)

// TallyPayload references the proposal a tally job aggregates.
type TallyPayload struct {
	ProposalID string `json:"proposalId"`
}

// HandleTally aggregates the confirmed ballots of a closed proposal. The
// handler is defensively idempotent: a proposal that already carries a tally
// handle is a successful no-op, and SetTally's compare-and-set keeps a racing
// duplicate from overwriting the first result.
func (w *Workers) HandleTally(ctx context.Context, job *queue.Job) queue.Outcome {
	var p TallyPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Terminal(fmt.Errorf("decode tally payload: %w", err))
	}
	log := w.cx.Logger.With(
		zap.String("jobId", job.ID),
		zap.String("proposalId", p.ProposalID),
		zap.Int("attempt", job.Attempt))

	prop, err := w.cx.Store.GetProposal(ctx, p.ProposalID)
	if errors.Is(err, store.ErrNotFound) {
		return queue.Terminal(err)
	}
	if err != nil {
		return queue.Retryable(err)
	}

	if prop.Open {
		log.Warn("tally requested for open proposal, requires operator re-trigger")
		return queue.Terminal(ErrProposalStillOpen)
	}
	if prop.TallyHandle != nil {
		log.Debug("tally already present", zap.String("tallyHandle", *prop.TallyHandle))
		return queue.Completed(TallyResultExisting)
	}

	votes, err := w.cx.Store.ConfirmedVotes(ctx, p.ProposalID)
	if err != nil {
		return queue.Retryable(err)
	}
	if len(votes) == 0 {
		// Valid terminal outcome, reported distinctly from an error.
		log.Info("no confirmed votes to aggregate")
		return queue.Completed(TallyResultEmpty)
	}

	handles := make([]string, len(votes))
	for i, v := range votes {
		handles[i] = v.CiphertextRef
	}

	receipt, err := bounded(ctx, w.cx.AggregateTimeout, func(c context.Context) (*ledger.AggregateReceipt, error) {
		return w.cx.Ledger.Aggregate(c, prop.LedgerRef, handles)
	})
	if err != nil {
		if ledger.IsPermanent(err) {
			log.Error("ledger rejected aggregation permanently", zap.Error(err))
			return queue.Terminal(err)
		}
		log.Warn("transient aggregation failure", zap.Error(err))
		return queue.Retryable(err)
	}

	applied, err := w.cx.Store.SetTally(ctx, p.ProposalID, receipt.TallyHandle, receipt.TxRef)
	if err != nil {
		return queue.Retryable(fmt.Errorf("persist tally: %w", err))
	}
	if !applied {
		// Lost the persist race to a duplicate job; the first result stands.
		return queue.Completed(TallyResultExisting)
	}
	log.Info("tally recorded",
		zap.Int("votes", len(votes)),
		zap.String("tallyHandle", receipt.TallyHandle),
		zap.String("txRef", receipt.TxRef))
	return queue.Completed(fmt.Sprintf("aggregated %d votes", len(votes)))
}
