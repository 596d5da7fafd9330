// Package notification persists per-user notifications and fans them out to
// live sessions. Rows are written before any delivery is attempted, so a
// user who is offline sees the message on their next list.
package notification

import (
	"time"

	"github.com/google/uuid"
)

// Wire event names. Clients subscribe to these on the realtime channel.
const (
	EventUser      = "new notification"
	EventRole      = "role notification"
	EventBroadcast = "broadcast notification"
)

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

// Notification is owned by exactly one user. The only mutation after
// creation is IsRead going from false to true.
type Notification struct {
	ID        uuid.UUID `db:"id" json:"id"`
	UserID    uuid.UUID `db:"user_id" json:"userId"`
	Title     string    `db:"title" json:"title"`
	Message   string    `db:"message" json:"message"`
	Link      *string   `db:"link" json:"link,omitempty"`
	IsRead    bool      `db:"is_read" json:"isRead"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Payload is the delivery body pushed to a live session.
type Payload struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      *string   `json:"link,omitempty"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

// RolePayload wraps a payload delivered as part of a role fan-out.
type RolePayload struct {
	Role         string  `json:"role"`
	Notification Payload `json:"notification"`
}

func (n *Notification) Payload() Payload {
	return Payload{
		ID:        n.ID,
		Title:     n.Title,
		Message:   n.Message,
		Link:      n.Link,
		IsRead:    n.IsRead,
		CreatedAt: n.CreatedAt,
	}
}

// ---------------------------------------------------------------------------
// Dispatch requests
// ---------------------------------------------------------------------------

type Mode string

const (
	ModeUser      Mode = "user"
	ModeRole      Mode = "role"
	ModeBroadcast Mode = "broadcast"
)

// Message asks the dispatcher to notify a user, every member of a role, or
// every live session.
type Message struct {
	Mode   Mode
	UserID uuid.UUID
	Role   string
	Title  string
	Body   string
	Link   *string
}

func ToUser(userID uuid.UUID, title, body string, link *string) Message {
	return Message{Mode: ModeUser, UserID: userID, Title: title, Body: body, Link: link}
}

func ToRole(role, title, body string, link *string) Message {
	return Message{Mode: ModeRole, Role: role, Title: title, Body: body, Link: link}
}

func ToAll(title, body string, link *string) Message {
	return Message{Mode: ModeBroadcast, Title: title, Body: body, Link: link}
}
