package core

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"

	eventbus "github.com/always-cache/sswr/pkg/event-bus"
)

// SQLiteStore is a Store backed by an SQLite database file, so entries
// survive restarts and can be shared between processes.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex

	// Notify, if set, is called after every local write that changes the
	// stored value, with the corresponding storage event. Writes of an
	// unchanged value and removals of missing keys are not reported. Hosts
	// wire this to the event bus of other caches sharing the same file.
	Notify func(eventbus.StorageEvent)
}

func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("could not open store %s: %w", filename, err)
	}
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS sswr (key TEXT PRIMARY KEY, value TEXT)"); err != nil {
		return nil, fmt.Errorf("could not initialize store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("could not initialize store: %w", err)
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStore) GetAll() (map[string]string, error) {
	all := make(map[string]string)
	rows, err := s.db.Query("SELECT key, value FROM sswr")
	if err != nil {
		return all, err
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return all, err
		}
		all[key] = value
	}
	return all, rows.Err()
}

func (s *SQLiteStore) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM sswr WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(key, value string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	old, _, err := s.Get(key)
	if err != nil {
		old = ""
	}
	if _, err := s.db.Exec("INSERT OR REPLACE INTO sswr (key, value) VALUES (?, ?)", key, value); err != nil {
		return err
	}
	s.notify(key, value, old)
	return nil
}

func (s *SQLiteStore) Remove(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	old, existed, err := s.Get(key)
	if err != nil || !existed {
		old = ""
	}
	if _, err := s.db.Exec("DELETE FROM sswr WHERE key = ?", key); err != nil {
		return err
	}
	if existed {
		s.notify(key, "", old)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) notify(key, newValue, oldValue string) {
	if s.Notify != nil && newValue != oldValue {
		s.Notify(eventbus.StorageEvent{Key: key, NewValue: newValue, OldValue: oldValue})
	}
}
