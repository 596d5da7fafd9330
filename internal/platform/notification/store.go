package notification

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/apperr"
)

// Store is the durable side of notifications.
type Store struct {
	repo Repository
}

func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

func (s *Store) Create(ctx context.Context, userID uuid.UUID, title, message string, link *string) (*Notification, error) {
	if userID == uuid.Nil {
		return nil, apperr.InvalidInput("user_id is required")
	}
	title, message = strings.TrimSpace(title), strings.TrimSpace(message)
	if title == "" || message == "" {
		return nil, apperr.InvalidInput("title and message are required")
	}
	if link != nil && strings.TrimSpace(*link) == "" {
		link = nil
	}

	n := &Notification{UserID: userID, Title: title, Message: message, Link: link}
	if err := s.repo.Create(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// List returns the user's notifications newest first.
func (s *Store) List(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	return s.repo.ListByUser(ctx, userID, unreadOnly, limit, offset)
}

// MarkRead is idempotent: marking a read notification again is not an error.
func (s *Store) MarkRead(ctx context.Context, userID, id uuid.UUID) error {
	return s.repo.MarkRead(ctx, id, userID)
}

func (s *Store) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.repo.MarkAllRead(ctx, userID)
}

func (s *Store) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.UnreadCount(ctx, userID)
}
