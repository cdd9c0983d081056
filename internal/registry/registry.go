// Package registry holds the authoritative set of connected identities and
// the connection handle registered for each of them.
package registry

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrIdentityAlreadyPresent is returned by Insert when the identity
	// already has a live session.
	ErrIdentityAlreadyPresent = errors.New("registry: identity already present")
	// ErrIdentityNotPresent is returned by Remove for an untracked identity.
	ErrIdentityNotPresent = errors.New("registry: identity not present")
	// ErrEmptyIdentity is returned by Insert for the empty identity.
	ErrEmptyIdentity = errors.New("registry: empty identity")
)

// Handle is a live connection as seen by the registry. The registry never
// owns a handle; it only hands it out for delivery.
type Handle interface {
	// Send queues payload for delivery without blocking.
	Send(payload []byte) error
	// Terminate closes the underlying connection immediately.
	Terminate()
}

// Registry maps identities to handles. All methods are safe for concurrent
// use, and each one is atomic with respect to the others.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Handle
	log      *zap.Logger
}

// New creates an empty Registry. A nil logger discards output.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]Handle),
		log:      log,
	}
}

// Insert registers h under identity, failing if identity is already taken.
func (r *Registry) Insert(identity string, h Handle) error {
	if identity == "" {
		return ErrEmptyIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[identity]; exists {
		return ErrIdentityAlreadyPresent
	}
	r.sessions[identity] = h
	return nil
}

// Remove drops identity from the registry. Removing an untracked identity is
// an inconsistency on the caller's side; it is logged and reported but has no
// other effect.
func (r *Registry) Remove(identity string) error {
	r.mu.Lock()
	_, exists := r.sessions[identity]
	if exists {
		delete(r.sessions, identity)
	}
	remaining := len(r.sessions)
	r.mu.Unlock()

	if !exists {
		r.log.Error("removing identity that is not tracked",
			zap.String("username", identity))
		return ErrIdentityNotPresent
	}

	r.log.Debug("identity removed",
		zap.String("username", identity),
		zap.Int("sessions", remaining))
	return nil
}

// Get returns the handle registered for identity.
func (r *Registry) Get(identity string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.sessions[identity]
	return h, ok
}

// ForEach calls fn for every session present when ForEach was called. fn runs
// without the registry lock held, so it may insert or remove entries.
func (r *Registry) ForEach(fn func(identity string, h Handle)) {
	for _, e := range r.snapshot() {
		fn(e.identity, e.handle)
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Identities returns the registered identities in sorted order.
func (r *Registry) Identities() []string {
	entries := r.snapshot()
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.identity)
	}
	sort.Strings(ids)
	return ids
}

// Clear empties the registry and returns how many sessions it held.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.sessions)
	r.sessions = make(map[string]Handle)
	return n
}

type entry struct {
	identity string
	handle   Handle
}

func (r *Registry) snapshot() []entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]entry, 0, len(r.sessions))
	for identity, h := range r.sessions {
		entries = append(entries, entry{identity: identity, handle: h})
	}
	return entries
}
