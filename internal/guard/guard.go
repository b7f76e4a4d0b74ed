/*
This file contains the scoped per-commitment mutual exclusion guard. A guard
acquisition returns a release closure; acquiring a key that is already held
fails immediately instead of blocking, which surfaces re-entry from nested
collaborator calls as an error rather than a deadlock.
*/

package guard

import (
	"errors"
	"sync"
)

// ErrHeld is returned when the key is already locked by an in-flight operation.
var ErrHeld = errors.New("guard already held for key")

// Keyed provides scoped mutual exclusion per string key.
type Keyed struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewKeyed returns an empty keyed guard.
func NewKeyed() *Keyed {
	return &Keyed{held: make(map[string]bool)}
}

// Acquire locks key and returns a release func, or ErrHeld if an operation
// against the same key is already in flight. The release func is idempotent
// so it is safe to defer on every exit path.
func (k *Keyed) Acquire(key string) (func(), error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.held[key] {
		return nil, ErrHeld
	}
	k.held[key] = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			k.mu.Lock()
			delete(k.held, key)
			k.mu.Unlock()
		})
	}
	return release, nil
}

// Held reports whether key is currently locked. Intended for tests.
func (k *Keyed) Held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.held[key]
}
