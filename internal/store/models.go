package store

import "time"

// User is a registered account.
type User struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Room is a persisted chat room. Rooms are soft-deleted.
type Room struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	CreatedBy int64      `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the room was soft-deleted.
func (r *Room) Deleted() bool { return r.DeletedAt != nil }

// Member links a user to a room. LastJoinedAt is stamped when a live
// connection ends, so it holds the last departure time.
type Member struct {
	ID           int64      `json:"id"`
	RoomID       int64      `json:"room_id"`
	UserID       int64      `json:"user_id"`
	CreatedAt    time.Time  `json:"created_at"`
	LastJoinedAt time.Time  `json:"last_joined_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Active reports whether the membership has not been removed.
func (m *Member) Active() bool { return m.DeletedAt == nil }

// Message is a stored chat line. SenderID is a member id.
type Message struct {
	ID        int64     `json:"id"`
	RoomID    int64     `json:"room_id"`
	SenderID  int64     `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
