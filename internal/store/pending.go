package store

import (
	"bytes"
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
	"github.com/kibshh/iot-anchor-node/internal/hashutil"
	"github.com/kibshh/iot-anchor-node/internal/model"
)

// AppendPending inserts one pending datum. Ordering is established by
// (submitted_at, insertion_seq) assigned at write, per §5.
func (s *Store) AppendPending(ctx context.Context, deviceID, payload string, leafHash hashutil.Digest) (*model.PendingDatum, error) {
	p := &model.PendingDatum{
		DeviceID:    deviceID,
		Payload:     payload,
		SubmittedAt: now(),
		LeafHash:    leafHash.Bytes(),
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to append pending datum", err)
	}
	return p, nil
}

// ListPendingOrdered returns every unbatched datum ordered per §4.6 step 1:
// (submitted_at, device_id, insertion_seq).
func (s *Store) ListPendingOrdered(ctx context.Context) ([]model.PendingDatum, error) {
	var out []model.PendingDatum
	err := s.db.WithContext(ctx).
		Where("batch_id IS NULL").
		Order("submitted_at ASC, device_id ASC, insertion_seq ASC").
		Find(&out).Error
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to list pending data", err)
	}
	return out, nil
}

// PendingCount reports how many data points are awaiting a batch.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.PendingDatum{}).Where("batch_id IS NULL").Count(&n).Error; err != nil {
		return 0, apierr.Wrap(apierr.CodeInternal, "failed to count pending data", err)
	}
	return n, nil
}

// OldestPendingSubmittedAt returns the submitted_at of the oldest pending datum,
// used by the anchor pipeline's age-based trigger policy.
func (s *Store) OldestPendingSubmittedAt(ctx context.Context) (int64, bool, error) {
	var p model.PendingDatum
	err := s.db.WithContext(ctx).
		Where("batch_id IS NULL").
		Order("submitted_at ASC, insertion_seq ASC").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apierr.Wrap(apierr.CodeInternal, "failed to find oldest pending datum", err)
	}
	return p.SubmittedAt, true, nil
}

// IndexOfLeaf resolves a leaf's position within its batch's included-leaf
// order, needed to serve an inclusion proof for (batch_id, leaf_hash).
func (s *Store) IndexOfLeaf(ctx context.Context, batchID int64, leafHash hashutil.Digest) (int, error) {
	var leaves []model.PendingDatum
	err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("submitted_at ASC, device_id ASC, insertion_seq ASC").
		Find(&leaves).Error
	if err != nil {
		return 0, apierr.Wrap(apierr.CodeInternal, "failed to load batch leaves", err)
	}
	target := leafHash.Bytes()
	for i, l := range leaves {
		if bytes.Equal(l.LeafHash, target) {
			return i, nil
		}
	}
	return 0, apierr.New(apierr.CodeNotFound, "leaf not found in batch")
}

// BatchLeafHashes returns the ordered leaf hashes belonging to a batch, in
// the same order the tree was built from.
func (s *Store) BatchLeafHashes(ctx context.Context, batchID int64) ([]hashutil.Digest, error) {
	var leaves []model.PendingDatum
	err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("submitted_at ASC, device_id ASC, insertion_seq ASC").
		Find(&leaves).Error
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to load batch leaves", err)
	}
	out := make([]hashutil.Digest, len(leaves))
	for i, l := range leaves {
		copy(out[i][:], l.LeafHash)
	}
	return out, nil
}
