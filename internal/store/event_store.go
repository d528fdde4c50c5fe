package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/crystal-devs/rc-realtime/internal/errs"
	"github.com/crystal-devs/rc-realtime/internal/model"
)

// EventStore resolves events for the authentication gate.
type EventStore interface {
	GetEvent(ctx context.Context, id string) (model.Event, error)
	ResolveEventByShareHandle(ctx context.Context, handle string) (model.Event, error)
}

// GormEventStore reads the events table.
type GormEventStore struct {
	db *gorm.DB
}

func NewGormEventStore(db *gorm.DB) *GormEventStore {
	return &GormEventStore{db: db}
}

func (s *GormEventStore) GetEvent(ctx context.Context, id string) (model.Event, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *GormEventStore) ResolveEventByShareHandle(ctx context.Context, handle string) (model.Event, error) {
	if handle == "" {
		return model.Event{}, errs.ErrEventNotFound
	}
	return s.first(ctx, "share_token = ?", handle)
}

func (s *GormEventStore) first(ctx context.Context, query string, arg string) (model.Event, error) {
	var e model.EventEntity
	err := s.db.WithContext(ctx).Where(query, arg).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Event{}, errs.ErrEventNotFound
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("load event: %w", err)
	}
	return toEvent(e), nil
}

func toEvent(e model.EventEntity) model.Event {
	return model.Event{
		ID:           e.ID,
		OwnerID:      e.OwnerID,
		Title:        e.Title,
		ShareToken:   e.ShareToken,
		ShareEnabled: e.ShareEnabled,
	}
}
