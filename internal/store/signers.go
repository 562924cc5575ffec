package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
	"github.com/kibshh/iot-anchor-node/internal/model"
)

// AddSigner registers a new multi-sig participant.
func (s *Store) AddSigner(ctx context.Context, signerID string, publicKey []byte) (*model.Signer, error) {
	sg := &model.Signer{SignerID: signerID, PublicKey: publicKey, AddedAt: now(), IsActive: true}
	if err := s.db.WithContext(ctx).Create(sg).Error; err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to add signer", err)
	}
	return sg, nil
}

// DeactivateSigner soft-removes a signer, preserving audit history.
func (s *Store) DeactivateSigner(ctx context.Context, signerID string) error {
	res := s.db.WithContext(ctx).Model(&model.Signer{}).Where("signer_id = ?", signerID).Update("is_active", false)
	if res.Error != nil {
		return apierr.Wrap(apierr.CodeInternal, "failed to deactivate signer", res.Error)
	}
	if res.RowsAffected == 0 {
		return apierr.New(apierr.CodeNotFound, "signer not found")
	}
	return nil
}

// ListActiveSigners returns every active signer.
func (s *Store) ListActiveSigners(ctx context.Context) ([]model.Signer, error) {
	var sgs []model.Signer
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&sgs).Error; err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to list signers", err)
	}
	return sgs, nil
}

// GetSigner loads a signer regardless of active state, so a caller can
// distinguish "unknown signer" from "inactive signer".
func (s *Store) GetSigner(ctx context.Context, signerID string) (*model.Signer, error) {
	var sg model.Signer
	err := s.db.WithContext(ctx).First(&sg, "signer_id = ?", signerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.New(apierr.CodeNotFound, "signer not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to load signer", err)
	}
	return &sg, nil
}

// CountActiveSigners is used by the FSM to compute the rejection
// threshold (total_active_signers - required_approvals + 1), per §4.8.
func (s *Store) CountActiveSigners(ctx context.Context) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Signer{}).Where("is_active = ?", true).Count(&n).Error; err != nil {
		return 0, apierr.Wrap(apierr.CodeInternal, "failed to count signers", err)
	}
	return int(n), nil
}
