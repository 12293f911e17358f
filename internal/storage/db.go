// Package storage is the peer-local SQLite store: chat messages, user
// accounts and per-room notes.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petervdpas/meshroom/internal/chat"
)

// DB wraps a SQLite database for a peer.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens or creates a SQLite database in the given directory.
func Open(configDir string) (*DB, error) {
	dbPath := filepath.Join(configDir, "data.db")

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for better concurrency.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			msg_id     TEXT NOT NULL,
			room_id    TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			username   TEXT NOT NULL,
			body       TEXT DEFAULT '',
			file_url   TEXT DEFAULT '',
			file_name  TEXT DEFAULT '',
			file_type  TEXT DEFAULT '',
			created_at DATETIME NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}
	db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, created_at)`)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			email         TEXT DEFAULT '',
			password_hash TEXT DEFAULT '',
			avatar_url    TEXT DEFAULT '',
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create users table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS notes (
			room_id    TEXT PRIMARY KEY,
			content    TEXT DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create notes table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// SaveMessage persists one chat message. The caller's context deadline
// bounds the write.
func (d *DB) SaveMessage(ctx context.Context, m chat.Message) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO messages (msg_id, room_id, user_id, username, body, file_url, file_name, file_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RoomID, m.UserID, m.Username, m.Body,
		m.FileURL, m.FileName, m.FileType, m.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// RecentMessages returns the most recent n messages of a room, oldest first.
func (d *DB) RecentMessages(ctx context.Context, roomID string, n int) ([]chat.Message, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT msg_id, room_id, user_id, username, body, file_url, file_name, file_type, created_at
		FROM (
			SELECT * FROM messages WHERE room_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`,
		roomID, n)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var m chat.Message
		var created time.Time
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Username, &m.Body,
			&m.FileURL, &m.FileName, &m.FileType, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = created
		out = append(out, m)
	}
	return out, rows.Err()
}

// User is one local account row.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	AvatarURL    string    `json:"avatarUrl"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = sql.ErrNoRows

// SaveUser inserts or updates an account.
func (d *DB) SaveUser(ctx context.Context, u User) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, avatar_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			email = excluded.email,
			password_hash = excluded.password_hash,
			avatar_url = excluded.avatar_url,
			updated_at = CURRENT_TIMESTAMP`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.AvatarURL)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// UserByID looks an account up by id.
func (d *DB) UserByID(ctx context.Context, id string) (User, error) {
	var u User
	err := d.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, avatar_url, created_at, updated_at
		FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// UserByName looks an account up by username.
func (d *DB) UserByName(ctx context.Context, username string) (User, error) {
	var u User
	err := d.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, avatar_url, created_at, updated_at
		FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// SaveNotes upserts a room's shared notes.
func (d *DB) SaveNotes(ctx context.Context, roomID, content string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO notes (room_id, content, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id) DO UPDATE SET
			content = excluded.content,
			updated_at = CURRENT_TIMESTAMP`,
		roomID, content)
	if err != nil {
		return fmt.Errorf("save notes: %w", err)
	}
	return nil
}

// Notes returns a room's notes, empty when none were saved.
func (d *DB) Notes(ctx context.Context, roomID string) (string, error) {
	var content string
	err := d.db.QueryRowContext(ctx, `SELECT content FROM notes WHERE room_id = ?`, roomID).Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load notes: %w", err)
	}
	return content, nil
}
