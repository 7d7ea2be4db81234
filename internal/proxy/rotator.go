// Package proxy rotates egress proxies across command dispatches.
package proxy

import (
	"sync"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/scope"
)

// Rotator cycles through proxies in load order and wraps. It is safe for
// concurrent use; each call to Next advances the shared cursor once.
type Rotator struct {
	mu      sync.Mutex
	proxies []string
	cursor  int
}

func NewRotator(proxies []string) *Rotator {
	return &Rotator{proxies: append([]string(nil), proxies...)}
}

// LoadRotator reads a newline-delimited proxy list. Blank lines and '#'
// comments are skipped.
func LoadRotator(path string) (*Rotator, error) {
	proxies, err := scope.LoadList(path)
	if err != nil {
		return NewRotator(nil), err
	}
	return NewRotator(proxies), nil
}

// Next returns the next proxy, or false when no proxies are configured.
func (r *Rotator) Next() (string, bool) {
	if r == nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.proxies) == 0 {
		return "", false
	}
	p := r.proxies[r.cursor]
	r.cursor = (r.cursor + 1) % len(r.proxies)
	return p, true
}

func (r *Rotator) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}
