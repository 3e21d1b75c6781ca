package session

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SavedSession is one named, persisted session document.
type SavedSession struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Dataset   string    `json:"dataset"`
	CreatedAt time.Time `json:"created_at"`
	Document  []byte    `json:"-"`
}

// Store persists named session documents using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (creating if needed) the saved-session database.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		dataset_id TEXT NOT NULL,
		document_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_dataset ON sessions(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save stores a session document under a new ID.
func (s *Store) Save(name, dataset string, document []byte) (*SavedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := &SavedSession{
		ID:        uuid.NewString(),
		Name:      name,
		Dataset:   dataset,
		CreatedAt: time.Now().UTC(),
		Document:  document,
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, name, dataset_id, document_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		saved.ID,
		saved.Name,
		saved.Dataset,
		string(document),
		saved.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// Get retrieves a saved session by ID. Returns nil when absent.
func (s *Store) Get(id string) (*SavedSession, error) {
	row := s.db.QueryRow(`
		SELECT session_id, name, dataset_id, document_json, created_at
		FROM sessions WHERE session_id = ?
	`, id)

	var saved SavedSession
	var documentJSON, createdAtStr string
	err := row.Scan(&saved.ID, &saved.Name, &saved.Dataset, &documentJSON, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	saved.Document = []byte(documentJSON)
	saved.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	return &saved, nil
}

// ListByDataset returns saved sessions for a dataset, newest first, without
// their document payloads.
func (s *Store) ListByDataset(dataset string) ([]*SavedSession, error) {
	rows, err := s.db.Query(`
		SELECT session_id, name, dataset_id, created_at
		FROM sessions WHERE dataset_id = ?
		ORDER BY created_at DESC
	`, dataset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*SavedSession
	for rows.Next() {
		var saved SavedSession
		var createdAtStr string
		if err := rows.Scan(&saved.ID, &saved.Name, &saved.Dataset, &createdAtStr); err != nil {
			return nil, err
		}
		saved.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		sessions = append(sessions, &saved)
	}
	return sessions, rows.Err()
}

// Delete removes a saved session.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM sessions WHERE session_id = ?", id)
	return err
}
