package store

import (
	"context"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
	"github.com/kibshh/iot-anchor-node/internal/model"
)

// AppendEvent persists one event for cold retrieval (`GET recent_events`).
// The in-memory ring in internal/eventbus is the hot path; this is the
// durable record behind it.
func (s *Store) AppendEvent(ctx context.Context, kind, payloadJSON string) (*model.Event, error) {
	e := &model.Event{Kind: kind, PayloadJSON: payloadJSON, At: now()}
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to append event", err)
	}
	return e, nil
}

// RecentEvents returns up to limit most-recent events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]model.Event, error) {
	var es []model.Event
	q := s.db.WithContext(ctx).Order("event_id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&es).Error; err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to list events", err)
	}
	return es, nil
}
