// Package ledger wraps the external confidential-ballot ledger. The only
// surface the pipeline relies on is submit/await-inclusion/aggregate plus the
// transient-vs-permanent classification of failures, which is carried as data
// on SubmissionError rather than inferred from error types downstream.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// SubmitInput is one encrypted ballot headed for the ledger.
type SubmitInput struct {
	// ProposalRef is the proposal's identity on the ledger.
	ProposalRef string

	// CiphertextHandle is the opaque handle of the encrypted vote. It is
	// serialized to the ledger's fixed-width encoding before submission.
	CiphertextHandle string

	// Proof attests the handle; empty is valid when the encryptor produced
	// none.
	Proof []byte

	// Submitter is the shared submitting identity. Ballots are relayed, not
	// signed by the voter.
	Submitter string
}

// Receipt identifies an accepted submission. BlockRef is empty until the
// transaction is included.
type Receipt struct {
	TxRef    string `json:"txRef"`
	BlockRef string `json:"blockRef,omitempty"`
}

// AggregateReceipt is the result of ledger-side homomorphic aggregation.
type AggregateReceipt struct {
	TallyHandle string `json:"tallyHandle"`
	TxRef       string `json:"txRef"`
}

// Client is the capability interface over the ledger. Two implementations
// exist: the HTTP client for production and MemLedger for tests. Selection
// happens at construction time, never by swapping methods at runtime.
type Client interface {
	// Submit sends the ballot and returns as soon as the ledger issues a
	// transaction reference.
	Submit(ctx context.Context, in SubmitInput) (*Receipt, error)

	// AwaitInclusion blocks (bounded by ctx) until the transaction is
	// included, returning the receipt with its block reference filled in.
	AwaitInclusion(ctx context.Context, txRef string) (*Receipt, error)

	// Aggregate requests homomorphic summation of the given ciphertext
	// handles and returns the opaque tally handle.
	Aggregate(ctx context.Context, proposalRef string, handles []string) (*AggregateReceipt, error)
}

// Revert reasons the ledger is known to emit for permanent rejections.
const (
	ReasonAlreadyVoted     = "already voted"
	ReasonVotingClosed     = "voting closed"
	ReasonVotingNotStarted = "voting not started"
	ReasonBadProof         = "invalid proof"
	ReasonUnknownProposal  = "unknown proposal"
)

var permanentReasons = map[string]struct{}{
	ReasonAlreadyVoted:     {},
	ReasonVotingClosed:     {},
	ReasonVotingNotStarted: {},
	ReasonBadProof:         {},
	ReasonUnknownProposal:  {},
}

// SubmissionError is any failure talking to the ledger. Permanent marks
// ledger-side rejections that retrying can never fix; everything else
// (timeouts, unavailable nodes, rate limiting) is transient by construction.
type SubmissionError struct {
	Reason    string
	Permanent bool
	cause     error
}

func (e *SubmissionError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.cause != nil {
		return fmt.Sprintf("ledger: %s failure: %s: %v", kind, e.Reason, e.cause)
	}
	return fmt.Sprintf("ledger: %s failure: %s", kind, e.Reason)
}

func (e *SubmissionError) Unwrap() error { return e.cause }

// NewRevertError classifies a ledger revert reason. Unrecognized reasons are
// treated as permanent: an explicit revert means the ledger executed the call
// and rejected it, so retrying the same input cannot succeed.
func NewRevertError(reason string) *SubmissionError {
	_, known := permanentReasons[reason]
	return &SubmissionError{Reason: reason, Permanent: known || reason != ""}
}

// NewTransientError wraps an infrastructure failure (network, timeout, 5xx).
func NewTransientError(reason string, cause error) *SubmissionError {
	return &SubmissionError{Reason: reason, cause: cause}
}

// IsPermanent reports whether err is a permanent ledger rejection.
// Anything that is not a classified SubmissionError, including context
// deadline errors from bounded calls, counts as transient: misclassifying
// transient as permanent loses votes, the reverse only wastes retries.
func IsPermanent(err error) bool {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.Permanent
	}
	return false
}
