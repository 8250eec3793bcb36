// Package flight tracks requests that are still outstanding.
//
// Tracker hands out generation tokens so a result produced for an input
// the user has since replaced (an older search term, a page they navigated
// away from) can be recognised and dropped. Guard is the per-form
// "submitting" flag that refuses a second submission while the first is
// still being processed.
package flight

import (
	"strings"
	"sync"
)

// Token identifies one request within a key's sequence.
type Token struct {
	key string
	gen uint64
}

// Gen is the token's position in its key's sequence.
func (t Token) Gen() uint64 { return t.gen }

// Tracker keeps the latest generation per key.
type Tracker struct {
	mu      sync.Mutex
	current map[string]uint64
}

func NewTracker() *Tracker {
	return &Tracker{current: make(map[string]uint64)}
}

// Begin starts a new generation for key, making every earlier token stale.
func (t *Tracker) Begin(key string) Token {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current[key]++
	return Token{key: key, gen: t.current[key]}
}

// BeginAt starts a generation chosen by the caller, such as a sequence
// number sent by the browser. It returns false, leaving state unchanged,
// when a newer generation has already begun.
func (t *Tracker) BeginAt(key string, gen uint64) (Token, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen < t.current[key] {
		return Token{}, false
	}
	t.current[key] = gen
	return Token{key: key, gen: gen}, true
}

// Current reports whether tok is still the latest generation of its key.
func (t *Tracker) Current(tok Token) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current[tok.key] == tok.gen
}

// Forget drops the state for key, e.g. when its session ends.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.current, key)
}

// ForgetPrefix drops every key starting with prefix.
func (t *Tracker) ForgetPrefix(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.current {
		if strings.HasPrefix(key, prefix) {
			delete(t.current, key)
		}
	}
}

// Guard is a set of in-flight flags.
type Guard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewGuard() *Guard {
	return &Guard{active: make(map[string]struct{})}
}

// TryAcquire sets the flag for key. ok is false when it is already set;
// otherwise release must be called once the request completes, whether it
// succeeded or failed.
func (g *Guard) TryAcquire(key string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[key]; busy {
		return nil, false
	}
	g.active[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.active, key)
			g.mu.Unlock()
		})
	}, true
}

// InFlight reports whether key is currently held.
func (g *Guard) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.active[key]
	return busy
}
