package store

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
	"github.com/kibshh/iot-anchor-node/internal/hashutil"
	"github.com/kibshh/iot-anchor-node/internal/model"
)

// PutNewDevice inserts a brand-new device. A unique-constraint violation
// on device_id surfaces as DEVICE_EXISTS, per §6.
func (s *Store) PutNewDevice(ctx context.Context, deviceID, name, deviceType string, commitment hashutil.Digest) (*model.Device, error) {
	d := &model.Device{
		DeviceID:         deviceID,
		DeviceName:       name,
		DeviceType:       deviceType,
		PublicCommitment: commitment.Bytes(),
		RegisteredAt:     now(),
		IsActive:         true,
	}
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
			return nil, apierr.New(apierr.CodeDeviceExists, "device already registered")
		}
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to create device", err)
	}
	return d, nil
}

// GetDevice looks up a device by id.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	var d model.Device
	err := s.db.WithContext(ctx).First(&d, "device_id = ?", deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.New(apierr.CodeNotFound, "device not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to load device", err)
	}
	return &d, nil
}

// ListDevices returns every device, newest-registered first.
func (s *Store) ListDevices(ctx context.Context) ([]model.Device, error) {
	var ds []model.Device
	if err := s.db.WithContext(ctx).Order("registered_at DESC").Find(&ds).Error; err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to list devices", err)
	}
	return ds, nil
}

// BumpAuthenticated advances last_authenticated_at. Per §5, authentication
// observes a monotonic last_authenticated_at on success — this CAS loop
// retries on lost updates up to CASMaxRetries before surfacing
// CONFLICT_STATE, per §7.
func (s *Store) BumpAuthenticated(ctx context.Context, deviceID string, at int64) error {
	for attempt := 0; attempt < CASMaxRetries; attempt++ {
		d, err := s.GetDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		if d.LastAuthenticatedAt >= at {
			return nil // monotonicity: never move it backwards
		}
		res := s.db.WithContext(ctx).Model(&model.Device{}).
			Where("device_id = ? AND version = ?", deviceID, d.Version).
			Updates(map[string]any{
				"last_authenticated_at": at,
				"version":               d.Version + 1,
			})
		if res.Error != nil {
			return apierr.Wrap(apierr.CodeInternal, "failed to update device", res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
	}
	return apierr.New(apierr.CodeConflictState, "device update lost the CAS race too many times")
}

// SetActive flips is_active via CAS.
func (s *Store) SetActive(ctx context.Context, deviceID string, active bool) error {
	for attempt := 0; attempt < CASMaxRetries; attempt++ {
		d, err := s.GetDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		res := s.db.WithContext(ctx).Model(&model.Device{}).
			Where("device_id = ? AND version = ?", deviceID, d.Version).
			Updates(map[string]any{"is_active": active, "version": d.Version + 1})
		if res.Error != nil {
			return apierr.Wrap(apierr.CodeInternal, "failed to update device", res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
	}
	return apierr.New(apierr.CodeConflictState, "device update lost the CAS race too many times")
}

// BumpCounter increments total_data_submitted by delta via CAS.
func (s *Store) BumpCounter(ctx context.Context, deviceID string, delta int64) error {
	for attempt := 0; attempt < CASMaxRetries; attempt++ {
		d, err := s.GetDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		res := s.db.WithContext(ctx).Model(&model.Device{}).
			Where("device_id = ? AND version = ?", deviceID, d.Version).
			Updates(map[string]any{
				"total_data_submitted": d.TotalDataSubmitted + delta,
				"version":              d.Version + 1,
			})
		if res.Error != nil {
			return apierr.Wrap(apierr.CodeInternal, "failed to update device", res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
	}
	return apierr.New(apierr.CodeConflictState, "device update lost the CAS race too many times")
}

// Lookup implements zkp.CommitmentLookup directly over the store so the
// façade can hand *Store straight to zkp.NewEngine.
func (s *Store) Lookup(deviceID string) (hashutil.Digest, bool, bool, error) {
	var d model.Device
	err := s.db.First(&d, "device_id = ?", deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return hashutil.Digest{}, false, false, nil
	}
	if err != nil {
		return hashutil.Digest{}, false, false, err
	}
	var commitment hashutil.Digest
	copy(commitment[:], d.PublicCommitment)
	return commitment, d.IsActive, true, nil
}

func isUniqueViolation(err error) bool {
	// SQLite and Postgres report unique violations with different driver
	// error types; string-matching both is what gorm's own test suite
	// does for the same reason, so we do the same here rather than
	// importing each driver's error package for an exact type switch.
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key value")
}
