package queue

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/sapliy/notifysync/internal/store"
)

// PostgresStorage keeps queue snapshots in a single Postgres table, for
// deployments where the daemon's working directory is ephemeral but a
// database is close by.
type PostgresStorage struct {
	db *sql.DB
}

var _ store.LocalStorage = (*PostgresStorage)(nil)

// NewPostgresStorage connects with the given DSN and ensures the snapshot
// table exists.
func NewPostgresStorage(dsn string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &PostgresStorage{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStorage) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS notifysync_queue_snapshots (
			queue_id   TEXT PRIMARY KEY,
			data       BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure snapshot table: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Persist(queueID string, data []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO notifysync_queue_snapshots (queue_id, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (queue_id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
	`, queueID, data)
	return err
}

func (s *PostgresStorage) Load(queueID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(
		`SELECT data FROM notifysync_queue_snapshots WHERE queue_id = $1`, queueID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *PostgresStorage) Remove(queueID string) error {
	_, err := s.db.Exec(`DELETE FROM notifysync_queue_snapshots WHERE queue_id = $1`, queueID)
	return err
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
