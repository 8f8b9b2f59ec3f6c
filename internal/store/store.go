package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

// ErrStore marks failures of the underlying database. Callers check it with
// errors.Is; the wrapped message carries the operation and driver error.
var ErrStore = errors.New("store error")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store manages chat messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a Store on an existing database handle. It does not run
// migrations; use Open for the full startup path.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL with the given DSN, verifies the connection,
// and applies any pending schema migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w: %v", ErrStore, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w: %v", ErrStore, err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Migrate applies the embedded schema migrations to the database.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w: %v", ErrStore, err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w: %v", ErrStore, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w: %v", ErrStore, err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w: %v", ErrStore, err)
	}
	return nil
}

// Insert persists a message. The message must carry its ID and CreatedAt;
// the store writes exactly what it is given so that fan-out and storage agree
// on timestamps.
func (s *Store) Insert(ctx context.Context, m *Message) error {
	if !ValidType(m.Type) {
		return fmt.Errorf("store: insert: invalid message type %q", m.Type)
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.After(m.CreatedAt) {
		return fmt.Errorf("store: insert: expires_at must be after created_at")
	}

	const query = `
		INSERT INTO messages (id, room_id, sender_id, content, message_type, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.RoomID, m.SenderID, m.Content, m.Type, m.CreatedAt, m.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: insert: %w: %v", ErrStore, err)
	}
	return nil
}

// Recent returns the most recent messages of a room in chronological order
// (oldest first), excluding messages whose expiry has already passed. It is
// the history query used when a client opens a room; the live stream never
// replays it.
func (s *Store) Recent(ctx context.Context, roomID string, limit int) ([]Message, error) {
	const query = `
		SELECT id, room_id, sender_id, content, message_type, created_at, expires_at
		FROM (
			SELECT id, room_id, sender_id, content, message_type, created_at, expires_at
			FROM messages
			WHERE room_id = $1
			  AND (expires_at IS NULL OR expires_at > NOW())
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w: %v", ErrStore, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var expires sql.NullTime
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.Type, &m.CreatedAt, &expires); err != nil {
			return nil, fmt.Errorf("store: recent scan: %w: %v", ErrStore, err)
		}
		if expires.Valid {
			t := expires.Time
			m.ExpiresAt = &t
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent rows: %w: %v", ErrStore, err)
	}
	return msgs, nil
}

// Expired identifies a reaped message: enough to delete it from caches and
// notify live subscribers.
type Expired struct {
	ID     string
	RoomID string
}

// DeleteExpired removes up to limit messages whose expiry is at or before
// now and returns what it deleted. Re-sweeping already-deleted messages is a
// no-op (the DELETE simply matches zero rows).
func (s *Store) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]Expired, error) {
	const query = `
		DELETE FROM messages
		WHERE id IN (
			SELECT id FROM messages
			WHERE expires_at IS NOT NULL AND expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		RETURNING id, room_id`

	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: delete expired: %w: %v", ErrStore, err)
	}
	defer rows.Close()

	var deleted []Expired
	for rows.Next() {
		var d Expired
		if err := rows.Scan(&d.ID, &d.RoomID); err != nil {
			return nil, fmt.Errorf("store: delete expired scan: %w: %v", ErrStore, err)
		}
		deleted = append(deleted, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: delete expired rows: %w: %v", ErrStore, err)
	}
	return deleted, nil
}

// DeleteByID removes a single message. Returns the number of rows deleted
// (0 or 1).
func (s *Store) DeleteByID(ctx context.Context, id string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("store: delete: %w: %v", ErrStore, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
