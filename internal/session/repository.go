package session

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"chatdesk/internal/model"
)

var ErrSessionNotFound = errors.New("session: not found")

// Repository persists session snapshots keyed by session name.
type Repository interface {
	Save(ctx context.Context, s model.Session) error
	Load(ctx context.Context, name string) (model.Session, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Save(ctx context.Context, s model.Session) error {
	const q = `
INSERT INTO transport_sessions (name, id, status, last_activity, connected_at, disconnected_at, last_error, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), now())
ON CONFLICT (name) DO UPDATE SET
  id = EXCLUDED.id,
  status = EXCLUDED.status,
  last_activity = EXCLUDED.last_activity,
  connected_at = EXCLUDED.connected_at,
  disconnected_at = EXCLUDED.disconnected_at,
  last_error = EXCLUDED.last_error,
  updated_at = now()
`
	_, err := r.db.ExecContext(ctx, q,
		s.Name, s.ID, string(s.Status), s.LastActivity,
		nullTime(s.ConnectedAt), nullTime(s.DisconnectedAt), s.LastError,
	)
	return err
}

func (r *PostgresRepository) Load(ctx context.Context, name string) (model.Session, error) {
	const q = `
SELECT id, name, status, last_activity, connected_at, disconnected_at, COALESCE(last_error, '')
FROM transport_sessions
WHERE name = $1
`
	var (
		s            model.Session
		status       string
		connected    sql.NullTime
		disconnected sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, name).Scan(
		&s.ID, &s.Name, &status, &s.LastActivity, &connected, &disconnected, &s.LastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return model.Session{}, err
	}
	s.Status = model.SessionStatus(status)
	if !s.Status.Valid() {
		s.Status = model.SessionDisconnected
	}
	if connected.Valid {
		t := connected.Time
		s.ConnectedAt = &t
	}
	if disconnected.Valid {
		t := disconnected.Time
		s.DisconnectedAt = &t
	}
	return s, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// MemoryRepository keeps snapshots in process.
type MemoryRepository struct {
	mu    sync.Mutex
	byKey map[string]model.Session
	saves int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byKey: map[string]model.Session{}}
}

func (r *MemoryRepository) Save(ctx context.Context, s model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[s.Name] = s
	r.saves++
	return nil
}

func (r *MemoryRepository) Load(ctx context.Context, name string) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byKey[name]
	if !ok {
		return model.Session{}, ErrSessionNotFound
	}
	return s, nil
}

// Saves reports how many snapshots were written.
func (r *MemoryRepository) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}
