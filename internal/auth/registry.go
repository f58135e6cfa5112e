// Package auth owns token bindings: the in-memory registry mapping token
// strings to uids, and the issuer that bootstraps tokens from a paste proof.
package auth

import (
	"sync"

	"github.com/google/uuid"
)

// Registry maps opaque token strings to uids. Each uid holds at most one
// active token; issuing a new one revokes the old binding.
type Registry struct {
	mu      sync.RWMutex
	byToken map[string]int
	byUID   map[int]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byToken: make(map[string]int),
		byUID:   make(map[int]string),
	}
}

// Issue generates a fresh random 128-bit token for uid, revoking any prior
// binding, and returns it in canonical hyphenated form.
func (r *Registry) Issue(uid int) string {
	token := uuid.NewString()

	r.mu.Lock()
	if old, ok := r.byUID[uid]; ok {
		delete(r.byToken, old)
	}
	r.byToken[token] = uid
	r.byUID[uid] = token
	r.mu.Unlock()

	return token
}

// Lookup resolves a token string to its uid.
func (r *Registry) Lookup(token string) (int, bool) {
	r.mu.RLock()
	uid, ok := r.byToken[token]
	r.mu.RUnlock()
	return uid, ok
}

// RevokeByUID drops the binding for uid, if any.
func (r *Registry) RevokeByUID(uid int) {
	r.mu.Lock()
	if token, ok := r.byUID[uid]; ok {
		delete(r.byToken, token)
		delete(r.byUID, uid)
	}
	r.mu.Unlock()
}

// LoadAll replaces the registry contents with persisted bindings,
// collapsing duplicates so every uid keeps exactly one token.
func (r *Registry) LoadAll(tokens map[string]int) {
	r.mu.Lock()
	r.byToken = make(map[string]int, len(tokens))
	r.byUID = make(map[int]string, len(tokens))
	for token, uid := range tokens {
		if _, dup := r.byUID[uid]; dup {
			continue
		}
		r.byToken[token] = uid
		r.byUID[uid] = token
	}
	r.mu.Unlock()
}

// Len reports the number of active bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken)
}
