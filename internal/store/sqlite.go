package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

// LegacyDBPath is the fixed location of the pre-migration token database.
// When present at startup its rows are imported once, then the file is left
// untouched.
const LegacyDBPath = "liucang.db"

// SQLite persists the board and token bindings in a single database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and bootstraps
// the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLite) createTables() error {
	boardQuery := `
	CREATE TABLE IF NOT EXISTS board_data (
		id INTEGER PRIMARY KEY CHECK(id = 1),
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		pixels BLOB NOT NULL
	)
	`

	tokensQuery := `
	CREATE TABLE IF NOT EXISTS tokens (
		token TEXT PRIMARY KEY,
		uid INTEGER NOT NULL
	)
	`

	if _, err := s.db.Exec(boardQuery); err != nil {
		return fmt.Errorf("board_data table: %w", err)
	}
	if _, err := s.db.Exec(tokensQuery); err != nil {
		return fmt.Errorf("tokens table: %w", err)
	}
	return nil
}

// LoadBoard returns the single persisted board row, or nil when absent.
func (s *SQLite) LoadBoard() (*BoardState, error) {
	row := s.db.QueryRow(`SELECT width, height, pixels FROM board_data WHERE id = 1`)

	state := &BoardState{}
	err := row.Scan(&state.Width, &state.Height, &state.Pixels)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load board: %w", err)
	}
	return state, nil
}

// SaveBoard upserts the single board row.
func (s *SQLite) SaveBoard(pixels []byte, width, height int) error {
	_, err := s.db.Exec(`
		INSERT INTO board_data (id, width, height, pixels) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET width = excluded.width, height = excluded.height, pixels = excluded.pixels
	`, width, height, pixels)
	if err != nil {
		return fmt.Errorf("save board: %w", err)
	}
	return nil
}

// LoadTokens reads every token binding.
func (s *SQLite) LoadTokens() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT token, uid FROM tokens`)
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	defer rows.Close()

	tokens := make(map[string]int)
	for rows.Next() {
		var token string
		var uid int
		if err := rows.Scan(&token, &uid); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens[token] = uid
	}
	return tokens, rows.Err()
}

// SaveToken inserts or replaces one binding.
func (s *SQLite) SaveToken(token string, uid int) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO tokens (token, uid) VALUES (?, ?)`, token, uid)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// DeleteTokensByUID removes every binding for a uid.
func (s *SQLite) DeleteTokensByUID(uid int) error {
	_, err := s.db.Exec(`DELETE FROM tokens WHERE uid = ?`, uid)
	if err != nil {
		return fmt.Errorf("delete tokens for uid %d: %w", uid, err)
	}
	return nil
}

// CleanupDuplicateTokens keeps the most recently inserted token per uid.
func (s *SQLite) CleanupDuplicateTokens() error {
	_, err := s.db.Exec(`
		DELETE FROM tokens WHERE rowid NOT IN (
			SELECT MAX(rowid) FROM tokens GROUP BY uid
		)
	`)
	if err != nil {
		return fmt.Errorf("cleanup duplicate tokens: %w", err)
	}
	return nil
}

// ImportLegacy copies token rows from the old database file in a single
// transaction. A missing file is not an error.
func (s *SQLite) ImportLegacy(path string) (int, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, nil
	}

	legacy, err := sql.Open("sqlite", path)
	if err != nil {
		return 0, fmt.Errorf("open legacy database: %w", err)
	}
	defer legacy.Close()

	rows, err := legacy.Query(`SELECT token, uid FROM tokens`)
	if err != nil {
		return 0, fmt.Errorf("read legacy tokens: %w", err)
	}
	defer rows.Close()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}

	imported := 0
	for rows.Next() {
		var token string
		var uid int
		if err := rows.Scan(&token, &uid); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("scan legacy token: %w", err)
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO tokens (token, uid) VALUES (?, ?)`, token, uid); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("import token: %w", err)
		}
		imported++
	}
	if err := rows.Err(); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("iterate legacy tokens: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	return imported, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
