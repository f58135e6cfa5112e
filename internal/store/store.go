// Package store defines the durable storage surface the paint core depends
// on, plus the SQLite and in-memory implementations behind it.
package store

// BoardState carries a persisted grid loaded at startup.
type BoardState struct {
	Width  int
	Height int
	Pixels []byte
}

// Store is the persistence interface consumed by the core. Implementations
// must be safe for concurrent use.
type Store interface {
	// LoadBoard returns the persisted grid, or nil when none was saved yet.
	LoadBoard() (*BoardState, error)
	SaveBoard(pixels []byte, width, height int) error

	// LoadTokens returns every persisted token binding keyed by token string.
	LoadTokens() (map[string]int, error)
	SaveToken(token string, uid int) error
	DeleteTokensByUID(uid int) error
	// CleanupDuplicateTokens keeps at most one token per uid.
	CleanupDuplicateTokens() error

	Close() error
}
