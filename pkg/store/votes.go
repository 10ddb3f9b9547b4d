package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CreateVoteInput is one submission attempt entering the pipeline.
type CreateVoteInput struct {
	ProposalID       string
	SubjectID        string
	CiphertextRef    string
	Proof            []byte
	Weight           uint64
	IdempotencyToken string

	// JobID is the pre-assigned queue job for this record. Written in the
	// create transaction so a token replay always sees it, even one racing the
	// enqueue that follows.
	JobID string
}

// CreateVote inserts a pending vote record, reserving the idempotency token in
// the same statement. Returns created=false with the prior record when the
// token was already reserved. Returns ErrDuplicateVote when the
// (proposal, subject) pair already voted under a different token.
func (s *Store) CreateVote(ctx context.Context, in CreateVoteInput) (*VoteRecord, bool, error) {
	rec := &VoteRecord{
		ID:            uuid.NewString(),
		ProposalID:    in.ProposalID,
		SubjectID:     in.SubjectID,
		CiphertextRef: in.CiphertextRef,
		Proof:         in.Proof,
		Weight:        in.Weight,
		Status:        VotePending,
		JobID:         in.JobID,
	}
	if in.IdempotencyToken != "" {
		tok := in.IdempotencyToken
		rec.IdempotencyToken = &tok
	}

	var prior *VoteRecord
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rec.IdempotencyToken != nil {
			existing, err := voteByToken(tx, *rec.IdempotencyToken)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if existing != nil {
				prior = existing
				return nil
			}
		}

		if err := tx.Create(rec).Error; err != nil {
			if !isUniqueViolation(err) {
				return err
			}
			// Lost a race. A concurrent request with the same token won the
			// reservation, or the subject already voted.
			if rec.IdempotencyToken != nil {
				existing, tokErr := voteByToken(tx, *rec.IdempotencyToken)
				if tokErr == nil {
					prior = existing
					return nil
				}
				if !errors.Is(tokErr, ErrNotFound) {
					return tokErr
				}
			}
			return ErrDuplicateVote
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		s.logger.Debug("idempotency token replay, returning prior record",
			zap.String("voteId", prior.ID),
			zap.String("proposalId", prior.ProposalID))
		return prior, false, nil
	}
	return rec, true, nil
}

func voteByToken(tx *gorm.DB, token string) (*VoteRecord, error) {
	var rec VoteRecord
	err := tx.Where("idempotency_token = ?", token).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetVote returns a vote record by id.
func (s *Store) GetVote(ctx context.Context, id string) (*VoteRecord, error) {
	var rec VoteRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SetCiphertext persists handles fetched on the compatibility path so a retry
// does not ask the encryptor again.
func (s *Store) SetCiphertext(ctx context.Context, id, ciphertextRef string, proof []byte) error {
	return s.db.WithContext(ctx).Model(&VoteRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{"ciphertext_ref": ciphertextRef, "proof": proof}).Error
}

// DeleteVote removes a record. Only the pre-enqueue rollback path uses this,
// and only against still-pending records, so an accepted job never loses its
// record underneath it.
func (s *Store) DeleteVote(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, VotePending).
		Delete(&VoteRecord{}).Error
}

// ConfirmVote transitions pending -> confirmed and increments the proposal's
// vote counter in the same transaction. The transition is a compare-and-set
// against the pending state: a redelivered job re-confirming the same record
// is a no-op (applied=false) and the counter is not touched again.
func (s *Store) ConfirmVote(ctx context.Context, id, ledgerTxRef, ledgerBlockRef string) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&VoteRecord{}).
			Where("id = ? AND status = ?", id, VotePending).
			Updates(map[string]any{
				"status":           VoteConfirmed,
				"ledger_tx_ref":    ledgerTxRef,
				"ledger_block_ref": ledgerBlockRef,
				"confirmed_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return s.checkTerminal(tx, id, VoteConfirmed)
		}
		applied = true

		var rec VoteRecord
		if err := tx.Select("proposal_id").First(&rec, "id = ?", id).Error; err != nil {
			return err
		}
		return tx.Model(&Proposal{}).
			Where("id = ?", rec.ProposalID).
			Update("vote_count", gorm.Expr("vote_count + 1")).Error
	})
	return applied, err
}

// FailVote transitions pending -> failed. Idempotent like ConfirmVote.
func (s *Store) FailVote(ctx context.Context, id, detail string) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&VoteRecord{}).
			Where("id = ? AND status = ?", id, VotePending).
			Updates(map[string]any{
				"status":       VoteFailed,
				"error_detail": detail,
				"failed_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return s.checkTerminal(tx, id, VoteFailed)
		}
		applied = true
		return nil
	})
	return applied, err
}

// checkTerminal resolves a zero-row CAS: same terminal state is a tolerated
// replay, the opposite one is a conflict, absence is ErrNotFound.
func (s *Store) checkTerminal(tx *gorm.DB, id string, want VoteStatus) error {
	var rec VoteRecord
	err := tx.Select("status").First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if rec.Status == want {
		return nil
	}
	return ErrTerminalConflict
}

// ConfirmedVotes returns every confirmed record for a proposal, oldest first.
func (s *Store) ConfirmedVotes(ctx context.Context, proposalID string) ([]VoteRecord, error) {
	var recs []VoteRecord
	err := s.db.WithContext(ctx).
		Where("proposal_id = ? AND status = ?", proposalID, VoteConfirmed).
		Order("created_at asc").
		Find(&recs).Error
	return recs, err
}
