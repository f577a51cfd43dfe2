package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS rooms (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	created_by INTEGER NOT NULL REFERENCES users(id),
	created_at DATETIME NOT NULL,
	deleted_at DATETIME
);

CREATE TABLE IF NOT EXISTS room_members (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id        INTEGER NOT NULL REFERENCES rooms(id),
	user_id        INTEGER NOT NULL REFERENCES users(id),
	created_at     DATETIME NOT NULL,
	last_joined_at DATETIME NOT NULL,
	deleted_at     DATETIME,
	UNIQUE (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id    INTEGER NOT NULL REFERENCES rooms(id),
	sender_id  INTEGER NOT NULL REFERENCES room_members(id),
	body       TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at);
`

// SQLiteStore handles SQLite database operations. Times are written by the
// application in UTC so that text comparison orders them correctly.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ DataStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/roomhub.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/roomhub.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates missing tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

// CreateUser creates a new user record.
func (s *SQLiteStore) CreateUser(ctx context.Context, name, passwordHash string) (*User, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (name, password_hash, created_at)
		VALUES (?, ?, ?)
	`, name, passwordHash, s.now())
	if err != nil {
		return nil, sqliteError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	user := &User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, password_hash, created_at
		FROM users WHERE id = ?
	`, id).Scan(&user.ID, &user.Name, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, sqliteError(err)
	}
	return user, nil
}

// GetUserByName retrieves a user by name.
func (s *SQLiteStore) GetUserByName(ctx context.Context, name string) (*User, error) {
	user := &User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, password_hash, created_at
		FROM users WHERE name = ?
	`, name).Scan(&user.ID, &user.Name, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, sqliteError(err)
	}
	return user, nil
}

// CreateRoom creates a new room.
func (s *SQLiteStore) CreateRoom(ctx context.Context, name string, createdBy int64) (*Room, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (name, created_by, created_at)
		VALUES (?, ?, ?)
	`, name, createdBy, s.now())
	if err != nil {
		return nil, sqliteError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetRoom(ctx, id)
}

// GetRoom retrieves a room by ID, including soft-deleted rooms.
func (s *SQLiteStore) GetRoom(ctx context.Context, id int64) (*Room, error) {
	room := &Room{}
	var deletedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_by, created_at, deleted_at
		FROM rooms WHERE id = ?
	`, id).Scan(&room.ID, &room.Name, &room.CreatedBy, &room.CreatedAt, &deletedAt)
	if err != nil {
		return nil, sqliteError(err)
	}
	room.DeletedAt = nullTime(deletedAt)
	return room, nil
}

// SoftDeleteRoom marks a room deleted. Deleting twice keeps the first time.
func (s *SQLiteStore) SoftDeleteRoom(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rooms SET deleted_at = COALESCE(deleted_at, ?)
		WHERE id = ?
	`, s.now(), id)
	return affectedOne(res, err)
}

// JoinMember creates the membership or reactivates a removed one.
func (s *SQLiteStore) JoinMember(ctx context.Context, roomID, userID int64) (*Member, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id, created_at, last_joined_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (room_id, user_id) DO UPDATE SET deleted_at = NULL
	`, roomID, userID, now, now)
	if err != nil {
		return nil, sqliteError(err)
	}
	return s.GetMember(ctx, roomID, userID)
}

// GetMember retrieves the membership of a user in a room.
func (s *SQLiteStore) GetMember(ctx context.Context, roomID, userID int64) (*Member, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM room_members WHERE room_id = ? AND user_id = ?
	`, roomID, userID)
	return scanSQLiteMember(row)
}

// GetMemberByID retrieves a membership by its ID.
func (s *SQLiteStore) GetMemberByID(ctx context.Context, id int64) (*Member, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM room_members WHERE id = ?
	`, id)
	return scanSQLiteMember(row)
}

// SoftDeleteMember marks a membership removed.
func (s *SQLiteStore) SoftDeleteMember(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE room_members SET deleted_at = COALESCE(deleted_at, ?)
		WHERE id = ?
	`, s.now(), id)
	return affectedOne(res, err)
}

// CountActiveMembers counts memberships of a room that were not removed.
func (s *SQLiteStore) CountActiveMembers(ctx context.Context, roomID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM room_members
		WHERE room_id = ? AND deleted_at IS NULL
	`, roomID).Scan(&count)
	if err != nil {
		return 0, sqliteError(err)
	}
	return count, nil
}

// UpdateLastJoinedAt stamps the membership with the current time.
func (s *SQLiteStore) UpdateLastJoinedAt(ctx context.Context, roomID, memberID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE room_members SET last_joined_at = ?
		WHERE id = ? AND room_id = ?
	`, s.now(), memberID, roomID)
	return affectedOne(res, err)
}

// AddMessage stores a chat line.
func (s *SQLiteStore) AddMessage(ctx context.Context, roomID, senderID int64, body string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (room_id, sender_id, body, created_at)
		VALUES (?, ?, ?, ?)
	`, roomID, senderID, body, s.now())
	if err != nil {
		return sqliteError(err)
	}
	return nil
}

// ListMessagesSince returns the room's chat lines created after since, oldest
// first.
func (s *SQLiteStore) ListMessagesSince(ctx context.Context, roomID int64, since time.Time) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender_id, body, created_at
		FROM messages
		WHERE room_id = ? AND created_at > ?
		ORDER BY created_at ASC, id ASC
	`, roomID, since.UTC())
	if err != nil {
		return nil, sqliteError(err)
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

func scanSQLiteMember(row *sql.Row) (*Member, error) {
	m := &Member{}
	var deletedAt sql.NullTime
	err := row.Scan(&m.ID, &m.RoomID, &m.UserID, &m.CreatedAt, &m.LastJoinedAt, &deletedAt)
	if err != nil {
		return nil, sqliteError(err)
	}
	m.DeletedAt = nullTime(deletedAt)
	return m, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return sqliteError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// sqliteError maps driver errors onto the package sentinels.
func sqliteError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return fmt.Errorf("%w: %s", ErrConflict, sqliteErr.Error())
	}
	return err
}
