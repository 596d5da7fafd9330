package notification

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, n *Notification) error
	ListByUser(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error)
	// MarkRead sets is_read for a row owned by userID. Marking an already
	// read row succeeds; a missing or foreign row is NotFound.
	MarkRead(ctx context.Context, id, userID uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int, error)
}

// UserDirectory resolves the members of a role for fan-out.
type UserDirectory interface {
	UserIDsByRole(ctx context.Context, role string) ([]uuid.UUID, error)
}
