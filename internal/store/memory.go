package store

import "sync"

// Memory keeps state in process only. It backs the server when useDB is
// disabled and doubles as the storage stub in tests.
type Memory struct {
	mu     sync.Mutex
	board  *BoardState
	tokens map[string]int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tokens: make(map[string]int)}
}

func (m *Memory) LoadBoard() (*BoardState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.board == nil {
		return nil, nil
	}
	pixels := make([]byte, len(m.board.Pixels))
	copy(pixels, m.board.Pixels)
	return &BoardState{Width: m.board.Width, Height: m.board.Height, Pixels: pixels}, nil
}

func (m *Memory) SaveBoard(pixels []byte, width, height int) error {
	saved := make([]byte, len(pixels))
	copy(saved, pixels)
	m.mu.Lock()
	m.board = &BoardState{Width: width, Height: height, Pixels: saved}
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadTokens() (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.tokens))
	for token, uid := range m.tokens {
		out[token] = uid
	}
	return out, nil
}

func (m *Memory) SaveToken(token string, uid int) error {
	m.mu.Lock()
	m.tokens[token] = uid
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteTokensByUID(uid int) error {
	m.mu.Lock()
	for token, bound := range m.tokens {
		if bound == uid {
			delete(m.tokens, token)
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) CleanupDuplicateTokens() error {
	m.mu.Lock()
	seen := make(map[int]string, len(m.tokens))
	for token, uid := range m.tokens {
		if _, dup := seen[uid]; dup {
			delete(m.tokens, token)
			continue
		}
		seen[uid] = token
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
