package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            BIGSERIAL PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rooms (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL,
	created_by BIGINT NOT NULL REFERENCES users(id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS room_members (
	id             BIGSERIAL PRIMARY KEY,
	room_id        BIGINT NOT NULL REFERENCES rooms(id),
	user_id        BIGINT NOT NULL REFERENCES users(id),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at     TIMESTAMPTZ,
	UNIQUE (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id         BIGSERIAL PRIMARY KEY,
	room_id    BIGINT NOT NULL REFERENCES rooms(id),
	sender_id  BIGINT NOT NULL REFERENCES room_members(id),
	body       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at);
`

const memberColumns = `id, room_id, user_id, created_at, last_joined_at, deleted_at`

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ DataStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates missing tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// CreateUser creates a new user record.
func (s *PostgresStore) CreateUser(ctx context.Context, name, passwordHash string) (*User, error) {
	user := &User{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (name, password_hash)
		VALUES ($1, $2)
		RETURNING id, name, password_hash, created_at
	`, name, passwordHash).Scan(&user.ID, &user.Name, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, pgError(err)
	}
	return user, nil
}

// GetUserByID retrieves a user by ID.
func (s *PostgresStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	user := &User{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, password_hash, created_at
		FROM users WHERE id = $1
	`, id).Scan(&user.ID, &user.Name, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, pgError(err)
	}
	return user, nil
}

// GetUserByName retrieves a user by name.
func (s *PostgresStore) GetUserByName(ctx context.Context, name string) (*User, error) {
	user := &User{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, password_hash, created_at
		FROM users WHERE name = $1
	`, name).Scan(&user.ID, &user.Name, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, pgError(err)
	}
	return user, nil
}

// CreateRoom creates a new room.
func (s *PostgresStore) CreateRoom(ctx context.Context, name string, createdBy int64) (*Room, error) {
	room := &Room{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rooms (name, created_by)
		VALUES ($1, $2)
		RETURNING id, name, created_by, created_at, deleted_at
	`, name, createdBy).Scan(&room.ID, &room.Name, &room.CreatedBy, &room.CreatedAt, &room.DeletedAt)
	if err != nil {
		return nil, pgError(err)
	}
	return room, nil
}

// GetRoom retrieves a room by ID, including soft-deleted rooms.
func (s *PostgresStore) GetRoom(ctx context.Context, id int64) (*Room, error) {
	room := &Room{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, created_by, created_at, deleted_at
		FROM rooms WHERE id = $1
	`, id).Scan(&room.ID, &room.Name, &room.CreatedBy, &room.CreatedAt, &room.DeletedAt)
	if err != nil {
		return nil, pgError(err)
	}
	return room, nil
}

// SoftDeleteRoom marks a room deleted. Deleting twice keeps the first time.
func (s *PostgresStore) SoftDeleteRoom(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rooms SET deleted_at = COALESCE(deleted_at, now())
		WHERE id = $1
	`, id)
	if err != nil {
		return pgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// JoinMember creates the membership or reactivates a removed one.
func (s *PostgresStore) JoinMember(ctx context.Context, roomID, userID int64) (*Member, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO room_members (room_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (room_id, user_id) DO UPDATE SET deleted_at = NULL
		RETURNING `+memberColumns,
		roomID, userID)
	return scanPgMember(row)
}

// GetMember retrieves the membership of a user in a room.
func (s *PostgresStore) GetMember(ctx context.Context, roomID, userID int64) (*Member, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+memberColumns+`
		FROM room_members WHERE room_id = $1 AND user_id = $2
	`, roomID, userID)
	return scanPgMember(row)
}

// GetMemberByID retrieves a membership by its ID.
func (s *PostgresStore) GetMemberByID(ctx context.Context, id int64) (*Member, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+memberColumns+`
		FROM room_members WHERE id = $1
	`, id)
	return scanPgMember(row)
}

// SoftDeleteMember marks a membership removed.
func (s *PostgresStore) SoftDeleteMember(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE room_members SET deleted_at = COALESCE(deleted_at, now())
		WHERE id = $1
	`, id)
	if err != nil {
		return pgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActiveMembers counts memberships of a room that were not removed.
func (s *PostgresStore) CountActiveMembers(ctx context.Context, roomID int64) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM room_members
		WHERE room_id = $1 AND deleted_at IS NULL
	`, roomID).Scan(&count)
	if err != nil {
		return 0, pgError(err)
	}
	return count, nil
}

// UpdateLastJoinedAt stamps the membership with the current time.
func (s *PostgresStore) UpdateLastJoinedAt(ctx context.Context, roomID, memberID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE room_members SET last_joined_at = now()
		WHERE id = $1 AND room_id = $2
	`, memberID, roomID)
	if err != nil {
		return pgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddMessage stores a chat line.
func (s *PostgresStore) AddMessage(ctx context.Context, roomID, senderID int64, body string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (room_id, sender_id, body)
		VALUES ($1, $2, $3)
	`, roomID, senderID, body)
	if err != nil {
		return pgError(err)
	}
	return nil
}

// ListMessagesSince returns the room's chat lines created after since, oldest
// first.
func (s *PostgresStore) ListMessagesSince(ctx context.Context, roomID int64, since time.Time) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, sender_id, body, created_at
		FROM messages
		WHERE room_id = $1 AND created_at > $2
		ORDER BY created_at ASC, id ASC
	`, roomID, since)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func scanPgMember(row pgx.Row) (*Member, error) {
	m := &Member{}
	err := row.Scan(&m.ID, &m.RoomID, &m.UserID, &m.CreatedAt, &m.LastJoinedAt, &m.DeletedAt)
	if err != nil {
		return nil, pgError(err)
	}
	return m, nil
}

// pgError maps driver errors onto the package sentinels.
func pgError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}
