package ledger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry indexes tokens by upper-case symbol.
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]*Token
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]*Token)}
}

// Register adds token, failing on duplicate symbols.
func (r *Registry) Register(token *Token) error {
	key := strings.ToUpper(strings.TrimSpace(token.Symbol()))
	if key == "" {
		return fmt.Errorf("token symbol required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tokens[key]; exists {
		return fmt.Errorf("token %s already registered", key)
	}
	r.tokens[key] = token
	return nil
}

// Get looks a token up by symbol, ignoring case.
func (r *Registry) Get(symbol string) (*Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	token, ok := r.tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	return token, ok
}

// Symbols lists registered symbols in sorted order.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tokens))
	for symbol := range r.tokens {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}
