// Package registry tracks the one live session handle per user.
//
// Register, Unregister and Deliver for the same user are serialized by a
// per-user lock; different users never wait on each other. The handle map
// itself sits behind a short RW lock that is never held across I/O.
package registry

import (
	"context"
	"sort"
	"sync"

	"tripot/internal/transport"
	logx "tripot/pkg/logx"
)

// Handle is a live session as seen by the registry.
type Handle interface {
	ID() string
	Deliver(ctx context.Context, ev transport.TriggerEvent) error
	Close() error
}

type Outcome int

const (
	Offline Outcome = iota
	Delivered
)

func (o Outcome) String() string {
	if o == Delivered {
		return "delivered"
	}
	return "offline"
}

type Registry struct {
	log logx.Logger

	locks keyedMutex

	mu      sync.RWMutex
	handles map[string]Handle
}

func New(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{log: log, locks: keyedMutex{m: map[string]*keyedEntry{}}, handles: map[string]Handle{}}
}

// Register installs h for user. Any previous handle is evicted and closed;
// it is also returned so callers can log it.
func (r *Registry) Register(user string, h Handle) Handle {
	unlock := r.locks.lock(user)
	defer unlock()

	r.mu.Lock()
	prev := r.handles[user]
	r.handles[user] = h
	r.mu.Unlock()

	if prev != nil && prev != h {
		r.log.Info("evicting previous session", logx.String("user", user), logx.String("prev", prev.ID()), logx.String("conn", h.ID()))
		if err := prev.Close(); err != nil {
			r.log.Debug("evicted session close failed", logx.String("user", user), logx.Err(err))
		}
		return prev
	}
	return nil
}

// Unregister removes h only if it is still the registered handle for user.
// It reports whether anything was removed.
func (r *Registry) Unregister(user string, h Handle) bool {
	unlock := r.locks.lock(user)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[user]; ok && cur == h {
		delete(r.handles, user)
		return true
	}
	return false
}

// Deliver routes ev to the user's live handle. An absent user is Offline
// with a nil error; nothing is queued for later.
func (r *Registry) Deliver(ctx context.Context, user string, ev transport.TriggerEvent) (Outcome, error) {
	unlock := r.locks.lock(user)
	defer unlock()

	r.mu.RLock()
	h := r.handles[user]
	r.mu.RUnlock()

	if h == nil {
		r.log.Info("user offline; trigger not delivered", logx.String("user", user), logx.Int64("trigger", ev.TriggerID))
		return Offline, nil
	}
	if err := h.Deliver(ctx, ev); err != nil {
		return Offline, err
	}
	return Delivered, nil
}

// Dispatch lets the registry serve as the scheduler's dispatcher.
func (r *Registry) Dispatch(ctx context.Context, ev transport.TriggerEvent) error {
	_, err := r.Deliver(ctx, ev.UserID, ev)
	return err
}

func (r *Registry) Connected(user string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handles[user]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

func (r *Registry) Users() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handles))
	for u := range r.handles {
		out = append(out, u)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// keyedMutex hands out one mutex per key and frees it when unused.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	e := k.m[key]
	if e == nil {
		e = &keyedEntry{}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
