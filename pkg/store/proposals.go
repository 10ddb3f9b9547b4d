package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// CreateProposal registers a proposal whose votes this pipeline will relay.
func (s *Store) CreateProposal(ctx context.Context, id, ledgerRef string) (*Proposal, error) {
	p := &Proposal{
		ID:        id,
		LedgerRef: ledgerRef,
		Open:      true,
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrProposalExists
		}
		return nil, err
	}
	return p, nil
}

// GetProposal returns a proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	var p Proposal
	err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CloseProposal flips an open proposal to closed. Closing twice is a no-op
// (applied=false) so a duplicate operator action never resets ClosedAt.
func (s *Store) CloseProposal(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&Proposal{}).
		Where("id = ? AND open = ?", id, true).
		Updates(map[string]any{"open": false, "closed_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetProposal(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// SetTally persists the aggregation result. The compare-and-set on the tally
// handle being absent keeps a duplicate tally job from overwriting the first
// result.
func (s *Store) SetTally(ctx context.Context, id, tallyHandle, tallyTxRef string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Proposal{}).
		Where("id = ? AND tally_handle IS NULL", id).
		Updates(map[string]any{"tally_handle": tallyHandle, "tally_tx_ref": tallyTxRef})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetProposal(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}
