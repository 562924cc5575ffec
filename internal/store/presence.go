package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
	"github.com/kibshh/iot-anchor-node/internal/model"
)

// UpsertHeartbeat is the CAS ingest point of §4.9/§5. It creates the
// presence record on first contact, and otherwise only advances
// last_heartbeat_at when the submitted time is newer than what is
// stored — "a heartbeat strictly increases last_heartbeat_at unless the
// submitted time precedes the stored one (in which case it is ignored)",
// per §8 property 8.
func (s *Store) UpsertHeartbeat(ctx context.Context, deviceID string, at int64) (advanced bool, err error) {
	for attempt := 0; attempt < CASMaxRetries; attempt++ {
		var p model.PresenceRecord
		lookupErr := s.db.WithContext(ctx).First(&p, "device_id = ?", deviceID).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			rec := model.PresenceRecord{DeviceID: deviceID, LastHeartbeatAt: at}
			if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
				return false, apierr.Wrap(apierr.CodeInternal, "failed to create presence record", err)
			}
			return true, nil
		}
		if lookupErr != nil {
			return false, apierr.Wrap(apierr.CodeInternal, "failed to load presence record", lookupErr)
		}
		if at <= p.LastHeartbeatAt {
			return false, nil
		}
		res := s.db.WithContext(ctx).Model(&model.PresenceRecord{}).
			Where("device_id = ? AND version = ?", deviceID, p.Version).
			Updates(map[string]any{"last_heartbeat_at": at, "version": p.Version + 1})
		if res.Error != nil {
			return false, apierr.Wrap(apierr.CodeInternal, "failed to update presence record", res.Error)
		}
		if res.RowsAffected == 1 {
			return true, nil
		}
	}
	return false, apierr.New(apierr.CodeConflictState, "presence update lost the CAS race too many times")
}

// GetHeartbeat returns the last known heartbeat time for a device, and
// whether it has ever heartbeat at all.
func (s *Store) GetHeartbeat(ctx context.Context, deviceID string) (int64, bool, error) {
	var p model.PresenceRecord
	err := s.db.WithContext(ctx).First(&p, "device_id = ?", deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apierr.Wrap(apierr.CodeInternal, "failed to load presence record", err)
	}
	return p.LastHeartbeatAt, true, nil
}

// ListHeartbeats returns every known presence record, for the sweep and
// for list_statuses.
func (s *Store) ListHeartbeats(ctx context.Context) ([]model.PresenceRecord, error) {
	var ps []model.PresenceRecord
	if err := s.db.WithContext(ctx).Find(&ps).Error; err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to list presence records", err)
	}
	return ps, nil
}
