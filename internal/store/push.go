package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
	"github.com/kibshh/iot-anchor-node/internal/model"
)

// PutPushSubscription creates or replaces a push subscription, the same
// upsert-by-endpoint shape as the teacher's PutSubscription handler.
func (s *Store) PutPushSubscription(ctx context.Context, endpoint, p256dh, auth, topicsCSV string) error {
	sub := model.PushSubscription{Endpoint: endpoint, P256DH: p256dh, Auth: auth, Topics: topicsCSV, CreatedAt: now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth", "topics"}),
	}).Create(&sub).Error
	if err != nil {
		return apierr.Wrap(apierr.CodeInternal, "failed to store push subscription", err)
	}
	return nil
}

// DeletePushSubscription removes a subscription by endpoint.
func (s *Store) DeletePushSubscription(ctx context.Context, endpoint string) error {
	if err := s.db.WithContext(ctx).Delete(&model.PushSubscription{}, "endpoint = ?", endpoint).Error; err != nil {
		return apierr.Wrap(apierr.CodeInternal, "failed to delete push subscription", err)
	}
	return nil
}

// ListPushSubscriptionsForTopic returns every subscription whose Topics
// CSV contains topic.
func (s *Store) ListPushSubscriptionsForTopic(ctx context.Context, topic string) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	if err := s.db.WithContext(ctx).Where("topics LIKE ?", "%"+topic+"%").Find(&subs).Error; err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to list push subscriptions", err)
	}
	return subs, nil
}

// GetPushSubscription loads one subscription by endpoint.
func (s *Store) GetPushSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	err := s.db.WithContext(ctx).First(&sub, "endpoint = ?", endpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.New(apierr.CodeNotFound, "subscription not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to load push subscription", err)
	}
	return &sub, nil
}
