package settings

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/drblury/liveloop/internal/runtime/jsoncodec"
)

// SQLite stores one row per (scope, key) with a JSON-encoded value.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path. ":memory:" works for tests.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("settings: sqlite path is required")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS settings (
		scope INTEGER NOT NULL,
		key   TEXT    NOT NULL,
		value TEXT    NOT NULL,
		PRIMARY KEY (scope, key)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(scope int, key string, def any) any {
	var raw string
	err := s.db.QueryRow("SELECT value FROM settings WHERE scope = ? AND key = ?", scope, key).Scan(&raw)
	if err != nil {
		return def
	}
	v, err := jsoncodec.UnmarshalValue([]byte(raw))
	if err != nil {
		return def
	}
	return v
}

func (s *SQLite) Set(scope int, key string, value any) error {
	data, err := jsoncodec.Marshal(value)
	if err != nil {
		return fmt.Errorf("settings: encode %s: %w", key, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO settings (scope, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (scope, key) DO UPDATE SET value = excluded.value`,
		scope, key, string(data),
	)
	if err != nil {
		return fmt.Errorf("settings: set %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) GetAll(scope int) map[string]any {
	rows, err := s.db.Query("SELECT key, value FROM settings WHERE scope = ?", scope)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out map[string]any
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			continue
		}
		v, err := jsoncodec.UnmarshalValue([]byte(raw))
		if err != nil {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[key] = v
	}
	return out
}

func (s *SQLite) SetAll(scope int, values map[string]any) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for key, value := range values {
		data, err := jsoncodec.Marshal(value)
		if err != nil {
			return fmt.Errorf("settings: encode %s: %w", key, err)
		}
		_, err = tx.Exec(
			`INSERT INTO settings (scope, key, value) VALUES (?, ?, ?)
			 ON CONFLICT (scope, key) DO UPDATE SET value = excluded.value`,
			scope, key, string(data),
		)
		if err != nil {
			return fmt.Errorf("settings: set %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Remove(scope int) error {
	if _, err := s.db.Exec("DELETE FROM settings WHERE scope = ?", scope); err != nil {
		return fmt.Errorf("settings: remove scope %d: %w", scope, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
