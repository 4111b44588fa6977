// Package ledger implements update-sync: per (user, resource) it records
// who changed the resource last and when, and lets a polling client ask
// "anything new since I last looked?" with check-and-acknowledge semantics.
//
// Resources plug in a Snapshotter that renders the payload a successful
// check returns. Calendar and schedule share this one mechanism.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tripot/internal/civiltime"
	"tripot/internal/eventbus"
	"tripot/internal/fault"
	"tripot/internal/storage"
	logx "tripot/pkg/logx"
)

const (
	ResourceCalendar = "calendar"
	ResourceSchedule = "schedule"
)

// State is the ledger row of one (user, resource).
type State storage.LedgerRow

// HasUpdate is true when something was stamped and the last check (if any)
// predates it.
func (s State) HasUpdate() bool {
	if s.LastModified.IsZero() {
		return false
	}
	return s.LastChecked.IsZero() || s.LastModified.After(s.LastChecked)
}

// Snapshotter renders the current payload of a resource inside tx.
type Snapshotter func(ctx context.Context, tx storage.Tx, userID string) (any, error)

// Result is the answer to Check.
type Result struct {
	HasUpdate bool      `json:"has_update"`
	Payload   any       `json:"payload,omitempty"`
	By        string    `json:"last_updated_by,omitempty"`
	At        time.Time `json:"update_time,omitempty"`
}

// View is the read-only answer: state plus the current payload.
type View struct {
	State   State `json:"state"`
	Payload any   `json:"payload"`
}

type Ledger struct {
	store storage.Store
	clock civiltime.Clock
	log   logx.Logger
	bus   eventbus.Bus

	mu    sync.RWMutex
	snaps map[string]Snapshotter

	lmu   sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store storage.Store, clock civiltime.Clock, log logx.Logger, bus eventbus.Bus) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Ledger{
		store: store,
		clock: clock,
		log:   log,
		bus:   bus,
		snaps: map[string]Snapshotter{},
		locks: map[string]*sync.Mutex{},
	}
}

// Register installs the snapshotter for resource, replacing any previous one.
func (l *Ledger) Register(resource string, snap Snapshotter) {
	l.mu.Lock()
	l.snaps[resource] = snap
	l.mu.Unlock()
}

func (l *Ledger) snapshotter(op, resource string) (Snapshotter, error) {
	l.mu.RLock()
	snap, ok := l.snaps[resource]
	l.mu.RUnlock()
	if !ok {
		return nil, fault.Validation(op, "unknown resource %q", resource)
	}
	return snap, nil
}

// lock serializes every read-modify-write of one (user, resource) row.
// Rows are few and long-lived, so entries are never freed.
func (l *Ledger) lock(user, resource string) func() {
	key := resource + "\x00" + user
	l.lmu.Lock()
	m := l.locks[key]
	if m == nil {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.lmu.Unlock()
	m.Lock()
	return m.Unlock
}

// Stamp marks resource as modified by actor inside the caller's
// transaction. LastModified never moves backwards.
func (l *Ledger) Stamp(ctx context.Context, tx storage.Tx, user, resource, actor string) (time.Time, error) {
	row, err := tx.GetLedger(ctx, user, resource)
	if err != nil {
		return time.Time{}, err
	}
	now := l.clock.Now()
	if now.Before(row.LastModified) {
		now = row.LastModified
	}
	row.LastModified = now
	row.LastModifiedBy = actor
	if err := tx.PutLedger(ctx, user, resource, row); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

// Mutate runs fn and stamps resource in one transaction. Nothing is
// stamped if fn fails.
func (l *Ledger) Mutate(ctx context.Context, user, resource, actor string, fn func(tx storage.Tx) error) (time.Time, error) {
	const op = "ledger.Mutate"
	if _, err := l.snapshotter(op, resource); err != nil {
		return time.Time{}, err
	}
	unlock := l.lock(user, resource)
	defer unlock()

	var at time.Time
	err := l.store.Update(ctx, func(tx storage.Tx) error {
		if fn != nil {
			if err := fn(tx); err != nil {
				return err
			}
		}
		var err error
		at, err = l.Stamp(ctx, tx, user, resource, actor)
		return err
	})
	if err != nil {
		return time.Time{}, classify(op, err)
	}
	l.stamped(user, resource, actor, at)
	return at, nil
}

// StampNow stamps resource on its own. The user must exist.
func (l *Ledger) StampNow(ctx context.Context, user, resource, actor string) (time.Time, error) {
	return l.Mutate(ctx, user, resource, actor, func(tx storage.Tx) error {
		_, err := tx.GetUser(ctx, user)
		return err
	})
}

func (l *Ledger) stamped(user, resource, actor string, at time.Time) {
	l.log.Info("ledger stamped",
		logx.String("user", user),
		logx.String("resource", resource),
		logx.String("by", actor),
		logx.Time("at", at))
	l.bus.Publish(eventbus.Event{Topic: eventbus.TopicLedgerStamped, UserID: user, Data: map[string]any{
		"resource": resource,
		"by":       actor,
		"at":       at,
	}})
}

// Check reports whether resource changed since the last check and, if so,
// returns the payload and acknowledges it. A snapshot failure leaves the
// row untouched.
func (l *Ledger) Check(ctx context.Context, user, resource string) (Result, error) {
	const op = "ledger.Check"
	snap, err := l.snapshotter(op, resource)
	if err != nil {
		return Result{}, err
	}
	unlock := l.lock(user, resource)
	defer unlock()

	var res Result
	err = l.store.Update(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetUser(ctx, user); err != nil {
			return err
		}
		row, err := tx.GetLedger(ctx, user, resource)
		if err != nil {
			return err
		}
		if !State(row).HasUpdate() {
			res = Result{}
			return nil
		}
		payload, err := snap(ctx, tx, user)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", resource, err)
		}
		now := l.clock.Now()
		if now.Before(row.LastModified) {
			now = row.LastModified
		}
		row.LastChecked = now
		if err := tx.PutLedger(ctx, user, resource, row); err != nil {
			return err
		}
		res = Result{HasUpdate: true, Payload: payload, By: row.LastModifiedBy, At: l.local(row.LastModified)}
		return nil
	})
	if err != nil {
		return Result{}, classify(op, err)
	}
	return res, nil
}

// View reads state and payload without acknowledging anything.
func (l *Ledger) View(ctx context.Context, user, resource string) (View, error) {
	const op = "ledger.View"
	snap, err := l.snapshotter(op, resource)
	if err != nil {
		return View{}, err
	}
	var v View
	err = l.store.View(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetUser(ctx, user); err != nil {
			return err
		}
		row, err := tx.GetLedger(ctx, user, resource)
		if err != nil {
			return err
		}
		payload, err := snap(ctx, tx, user)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", resource, err)
		}
		v = View{State: State{
			LastModified:   l.local(row.LastModified),
			LastModifiedBy: row.LastModifiedBy,
			LastChecked:    l.local(row.LastChecked),
		}, Payload: payload}
		return nil
	})
	if err != nil {
		return View{}, classify(op, err)
	}
	return v, nil
}

func (l *Ledger) local(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(l.clock.Location())
}

// classify maps storage errors onto the fault taxonomy. Already classified
// errors pass through.
func classify(op string, err error) error {
	if fault.KindOf(err) != fault.KindUnknown {
		return err
	}
	if errors.Is(err, storage.ErrNotFound) {
		return fault.E(fault.KindNotFound, op, err)
	}
	return fault.E(fault.KindPersistence, op, err)
}
