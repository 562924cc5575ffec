package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
	"github.com/kibshh/iot-anchor-node/internal/model"
)

// CreateProposal inserts a new PENDING proposal.
func (s *Store) CreateProposal(ctx context.Context, p *model.MultiSigProposal) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return apierr.Wrap(apierr.CodeInternal, "failed to create proposal", err)
	}
	return nil
}

// GetProposal loads a proposal with its approvals and rejections.
func (s *Store) GetProposal(ctx context.Context, proposalID string) (*model.MultiSigProposal, []model.ProposalApproval, []model.ProposalRejection, error) {
	var p model.MultiSigProposal
	err := s.db.WithContext(ctx).First(&p, "proposal_id = ?", proposalID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil, apierr.New(apierr.CodeNotFound, "proposal not found")
	}
	if err != nil {
		return nil, nil, nil, apierr.Wrap(apierr.CodeInternal, "failed to load proposal", err)
	}

	var approvals []model.ProposalApproval
	if err := s.db.WithContext(ctx).Where("proposal_id = ?", proposalID).Find(&approvals).Error; err != nil {
		return nil, nil, nil, apierr.Wrap(apierr.CodeInternal, "failed to load approvals", err)
	}
	var rejections []model.ProposalRejection
	if err := s.db.WithContext(ctx).Where("proposal_id = ?", proposalID).Find(&rejections).Error; err != nil {
		return nil, nil, nil, apierr.Wrap(apierr.CodeInternal, "failed to load rejections", err)
	}
	return &p, approvals, rejections, nil
}

// ListProposals returns every proposal, newest first.
func (s *Store) ListProposals(ctx context.Context) ([]model.MultiSigProposal, error) {
	var ps []model.MultiSigProposal
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&ps).Error; err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to list proposals", err)
	}
	return ps, nil
}

// ListNonTerminal returns every proposal in PENDING or APPROVED state,
// for the expiry sweeper.
func (s *Store) ListNonTerminal(ctx context.Context) ([]model.MultiSigProposal, error) {
	var ps []model.MultiSigProposal
	if err := s.db.WithContext(ctx).Where("state IN ?", []string{"PENDING", "APPROVED"}).Find(&ps).Error; err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to list non-terminal proposals", err)
	}
	return ps, nil
}

// AddApproval is idempotent by signer: an existing approval by the same
// signer is looked up first and the call returns added=false without
// inserting, so callers can't double-count one signer's approval. The
// unique index on (proposal_id, signer_id) makes a racing duplicate
// insert fail with an error rather than succeed.
func (s *Store) AddApproval(ctx context.Context, proposalID, signerID, signature string) (added bool, err error) {
	var existing model.ProposalApproval
	lookupErr := s.db.WithContext(ctx).First(&existing, "proposal_id = ? AND signer_id = ?", proposalID, signerID).Error
	if lookupErr == nil {
		return false, nil
	}
	if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
		return false, apierr.Wrap(apierr.CodeInternal, "failed to check existing approval", lookupErr)
	}
	a := model.ProposalApproval{ProposalID: proposalID, SignerID: signerID, Signature: signature, At: now()}
	if err := s.db.WithContext(ctx).Create(&a).Error; err != nil {
		return false, apierr.Wrap(apierr.CodeInternal, "failed to record approval", err)
	}
	return true, nil
}

// AddRejection is the rejection-side twin of AddApproval.
func (s *Store) AddRejection(ctx context.Context, proposalID, signerID, signature string) (added bool, err error) {
	var existing model.ProposalRejection
	lookupErr := s.db.WithContext(ctx).First(&existing, "proposal_id = ? AND signer_id = ?", proposalID, signerID).Error
	if lookupErr == nil {
		return false, nil
	}
	if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
		return false, apierr.Wrap(apierr.CodeInternal, "failed to check existing rejection", lookupErr)
	}
	r := model.ProposalRejection{ProposalID: proposalID, SignerID: signerID, Signature: signature, At: now()}
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		return false, apierr.Wrap(apierr.CodeInternal, "failed to record rejection", err)
	}
	return true, nil
}

// HasApproved/HasRejected back the FSM's cross-set exclusion check: a
// signer in one set must never be added to the other, per §3's
// approvals ∩ rejections = ∅.
func (s *Store) HasApproved(ctx context.Context, proposalID, signerID string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.ProposalApproval{}).Where("proposal_id = ? AND signer_id = ?", proposalID, signerID).Count(&n).Error; err != nil {
		return false, apierr.Wrap(apierr.CodeInternal, "failed to check existing approval", err)
	}
	return n > 0, nil
}

func (s *Store) HasRejected(ctx context.Context, proposalID, signerID string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.ProposalRejection{}).Where("proposal_id = ? AND signer_id = ?", proposalID, signerID).Count(&n).Error; err != nil {
		return false, apierr.Wrap(apierr.CodeInternal, "failed to check existing rejection", err)
	}
	return n > 0, nil
}

// CountApprovals/CountRejections back the FSM's threshold checks.
func (s *Store) CountApprovals(ctx context.Context, proposalID string) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.ProposalApproval{}).Where("proposal_id = ?", proposalID).Count(&n).Error; err != nil {
		return 0, apierr.Wrap(apierr.CodeInternal, "failed to count approvals", err)
	}
	return int(n), nil
}

func (s *Store) CountRejections(ctx context.Context, proposalID string) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.ProposalRejection{}).Where("proposal_id = ?", proposalID).Count(&n).Error; err != nil {
		return 0, apierr.Wrap(apierr.CodeInternal, "failed to count rejections", err)
	}
	return int(n), nil
}

// UpdateStateCAS is the compare-and-set primitive required by §4.11 for
// every FSM transition: it only takes effect if the proposal is still in
// expectedState, serializing concurrent approve/reject/execute calls.
func (s *Store) UpdateStateCAS(ctx context.Context, proposalID, expectedState, newState string, patch map[string]any) (bool, error) {
	fields := map[string]any{"state": newState}
	for k, v := range patch {
		fields[k] = v
	}
	res := s.db.WithContext(ctx).Model(&model.MultiSigProposal{}).
		Where("proposal_id = ? AND state = ?", proposalID, expectedState).
		Updates(fields)
	if res.Error != nil {
		return false, apierr.Wrap(apierr.CodeInternal, "failed to update proposal state", res.Error)
	}
	return res.RowsAffected == 1, nil
}
