// Package store persists users, rooms, memberships and chat lines. Both
// PostgresStore and SQLiteStore implement DataStore.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when an insert violates a uniqueness constraint.
	ErrConflict = errors.New("store: already exists")
)

// DataStore defines the interface for persistent storage.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error

	// User operations
	CreateUser(ctx context.Context, name, passwordHash string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByName(ctx context.Context, name string) (*User, error)

	// Room operations
	CreateRoom(ctx context.Context, name string, createdBy int64) (*Room, error)
	GetRoom(ctx context.Context, id int64) (*Room, error)
	SoftDeleteRoom(ctx context.Context, id int64) error

	// Member operations
	JoinMember(ctx context.Context, roomID, userID int64) (*Member, error)
	GetMember(ctx context.Context, roomID, userID int64) (*Member, error)
	GetMemberByID(ctx context.Context, id int64) (*Member, error)
	SoftDeleteMember(ctx context.Context, id int64) error
	CountActiveMembers(ctx context.Context, roomID int64) (int64, error)
	UpdateLastJoinedAt(ctx context.Context, roomID, memberID int64) error

	// Message operations
	AddMessage(ctx context.Context, roomID, senderID int64, body string) error
	ListMessagesSince(ctx context.Context, roomID int64, since time.Time) ([]Message, error)
}
