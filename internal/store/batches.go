package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
	"github.com/kibshh/iot-anchor-node/internal/hashutil"
	"github.com/kibshh/iot-anchor-node/internal/model"
)

// NextBatchID allocates the next dense, monotonic batch id under the
// caller's exclusive pipeline lock (§5: "at most one batch assembly is in
// flight globally", so this is safe without its own CAS).
func (s *Store) NextBatchID(ctx context.Context) (int64, error) {
	var max int64
	err := s.db.WithContext(ctx).Model(&model.MerkleBatch{}).Select("COALESCE(MAX(batch_id), 0)").Scan(&max).Error
	if err != nil {
		return 0, apierr.Wrap(apierr.CodeInternal, "failed to allocate batch id", err)
	}
	return max + 1, nil
}

// CreateBatchWithLeaves is the atomic §4.6 step 5 contract: persist the
// MerkleBatch and attach every included PendingDatum's batch_id in one
// transaction. GORM gives this a real multi-statement transaction, so the
// preparing/ready two-phase fallback is only needed for recovery
// bookkeeping (RecoverIncompleteBatches below), not for the happy path.
func (s *Store) CreateBatchWithLeaves(ctx context.Context, batchID int64, root hashutil.Digest, metadata string, pendingIDs []int64) (*model.MerkleBatch, error) {
	batch := &model.MerkleBatch{
		BatchID:   batchID,
		LeafCount: len(pendingIDs),
		Root:      root.Bytes(),
		CreatedAt: now(),
		Metadata:  metadata,
		Preparing: true,
		Ready:     false,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batch).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.PendingDatum{}).
			Where("insertion_seq IN ?", pendingIDs).
			Update("batch_id", batchID).Error; err != nil {
			return err
		}
		return tx.Model(batch).Update("ready", true).Error
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to create batch atomically", err)
	}
	batch.Ready = true
	return batch, nil
}

// RecoverIncompleteBatches implements the §4.6 recovery rule: a batch
// marked Preparing (and not Ready) with no attached leaves is discarded;
// every batch marked Ready is authoritative and simply has its Preparing
// flag cleared, without its leaves being re-counted. Called once at startup.
func (s *Store) RecoverIncompleteBatches(ctx context.Context) error {
	var stuck []model.MerkleBatch
	if err := s.db.WithContext(ctx).Where("preparing = ? AND ready = ?", true, false).Find(&stuck).Error; err != nil {
		return apierr.Wrap(apierr.CodeInternal, "failed to scan incomplete batches", err)
	}
	for _, b := range stuck {
		var n int64
		s.db.WithContext(ctx).Model(&model.PendingDatum{}).Where("batch_id = ?", b.BatchID).Count(&n)
		if n == 0 {
			s.db.WithContext(ctx).Delete(&model.MerkleBatch{}, "batch_id = ?", b.BatchID)
		}
	}
	return s.db.WithContext(ctx).Model(&model.MerkleBatch{}).
		Where("ready = ? AND preparing = ?", true, true).
		Update("preparing", false).Error
}

// GetBatch loads a batch by id.
func (s *Store) GetBatch(ctx context.Context, batchID int64) (*model.MerkleBatch, error) {
	var b model.MerkleBatch
	err := s.db.WithContext(ctx).First(&b, "batch_id = ?", batchID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.New(apierr.CodeNotFound, "batch not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to load batch", err)
	}
	return &b, nil
}

// ListBatches returns every batch, newest first.
func (s *Store) ListBatches(ctx context.Context) ([]model.MerkleBatch, error) {
	var bs []model.MerkleBatch
	if err := s.db.WithContext(ctx).Order("batch_id DESC").Find(&bs).Error; err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to list batches", err)
	}
	return bs, nil
}

// UpsertAnchor creates or updates the per-chain anchor record for a batch.
func (s *Store) UpsertAnchor(ctx context.Context, batchID int64, chainName string, fields map[string]any) error {
	var existing model.ChainAnchor
	err := s.db.WithContext(ctx).First(&existing, "batch_id = ? AND chain_name = ?", batchID, chainName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		anchor := model.ChainAnchor{BatchID: batchID, ChainName: chainName}
		if v, ok := fields["tx_hash"].(string); ok {
			anchor.TxHash = v
		}
		if v, ok := fields["status"].(string); ok {
			anchor.Status = v
		}
		if v, ok := fields["block_number"].(int64); ok {
			anchor.BlockNumber = v
		}
		if v, ok := fields["gas_used"].(int64); ok {
			anchor.GasUsed = v
		}
		if v, ok := fields["error"].(string); ok {
			anchor.Error = v
		}
		if err := s.db.WithContext(ctx).Create(&anchor).Error; err != nil {
			return apierr.Wrap(apierr.CodeInternal, "failed to create anchor", err)
		}
		return nil
	}
	if err != nil {
		return apierr.Wrap(apierr.CodeInternal, "failed to load anchor", err)
	}
	res := s.db.WithContext(ctx).Model(&model.ChainAnchor{}).
		Where("batch_id = ? AND chain_name = ?", batchID, chainName).
		Updates(fields)
	if res.Error != nil {
		return apierr.Wrap(apierr.CodeInternal, "failed to update anchor", res.Error)
	}
	return nil
}

// ListAnchors returns every per-chain anchor record for a batch.
func (s *Store) ListAnchors(ctx context.Context, batchID int64) ([]model.ChainAnchor, error) {
	var anchors []model.ChainAnchor
	if err := s.db.WithContext(ctx).Where("batch_id = ?", batchID).Find(&anchors).Error; err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to list anchors", err)
	}
	return anchors, nil
}

// AnchorsByRoot finds the batch for a root and its anchors, used by
// /cross-chain/status/{root}.
func (s *Store) AnchorsByRoot(ctx context.Context, root hashutil.Digest) (*model.MerkleBatch, []model.ChainAnchor, error) {
	var b model.MerkleBatch
	err := s.db.WithContext(ctx).First(&b, "root = ?", root.Bytes()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, apierr.New(apierr.CodeNotFound, "no batch with that root")
	}
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.CodeInternal, "failed to find batch by root", err)
	}
	anchors, err := s.ListAnchors(ctx, b.BatchID)
	if err != nil {
		return nil, nil, err
	}
	return &b, anchors, nil
}
