package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tripot/internal/civiltime"
)

// memState is the full dataset of the memory and file drivers. Update runs
// against a deep copy and swaps it in on success.
type memState struct {
	NextTriggerID int64                           `json:"next_trigger_id"`
	Users         map[string]User                 `json:"users"`
	Triggers      map[int64]Trigger               `json:"triggers"`
	Calendars     map[string]Calendar             `json:"calendars"`
	Ledgers       map[string]map[string]LedgerRow `json:"ledgers"`
}

func newMemState() *memState {
	return &memState{
		NextTriggerID: 1,
		Users:         map[string]User{},
		Triggers:      map[int64]Trigger{},
		Calendars:     map[string]Calendar{},
		Ledgers:       map[string]map[string]LedgerRow{},
	}
}

func (s *memState) clone() *memState {
	cp := &memState{
		NextTriggerID: s.NextTriggerID,
		Users:         make(map[string]User, len(s.Users)),
		Triggers:      make(map[int64]Trigger, len(s.Triggers)),
		Calendars:     make(map[string]Calendar, len(s.Calendars)),
		Ledgers:       make(map[string]map[string]LedgerRow, len(s.Ledgers)),
	}
	for k, v := range s.Users {
		cp.Users[k] = v
	}
	for k, v := range s.Triggers {
		cp.Triggers[k] = v
	}
	for u, cal := range s.Calendars {
		cp.Calendars[u] = cloneCalendar(cal)
	}
	for u, rows := range s.Ledgers {
		m := make(map[string]LedgerRow, len(rows))
		for r, row := range rows {
			m[r] = row
		}
		cp.Ledgers[u] = m
	}
	return cp
}

func cloneCalendar(cal Calendar) Calendar {
	out := make(Calendar, len(cal))
	for d, day := range cal {
		day.Events = append([]Event(nil), day.Events...)
		out[d] = day
	}
	return out
}

// Memory is the in-process driver. Writers are serialized; readers see the
// last committed state.
type Memory struct {
	mu     sync.RWMutex
	state  *memState
	closed bool

	// commit, when set, runs with the new state before it becomes visible.
	// A commit error discards the transaction.
	commit func(*memState) error
}

func NewMemory() *Memory { return &Memory{state: newMemState()} }

func (m *Memory) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return fn(&memTx{st: m.state, readOnly: true})
}

func (m *Memory) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	next := m.state.clone()
	if err := fn(&memTx{st: next}); err != nil {
		return err
	}
	if m.commit != nil {
		if err := m.commit(next); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	m.state = next
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

type memTx struct {
	st       *memState
	readOnly bool
}

func (t *memTx) write() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *memTx) GetUser(_ context.Context, id string) (User, error) {
	u, ok := t.st.Users[id]
	if !ok {
		return User{}, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	return u, nil
}

func (t *memTx) PutUser(_ context.Context, u User) error {
	if err := t.write(); err != nil {
		return err
	}
	if prev, ok := t.st.Users[u.ID]; ok && u.CreatedAt.IsZero() {
		u.CreatedAt = prev.CreatedAt
	}
	t.st.Users[u.ID] = u
	return nil
}

func (t *memTx) ListTriggers(_ context.Context, userID string) ([]Trigger, error) {
	var out []Trigger
	for _, tr := range t.st.Triggers {
		if tr.UserID == userID {
			out = append(out, tr)
		}
	}
	sortTriggers(out)
	return out, nil
}

func (t *memTx) ListEnabledTriggers(_ context.Context) ([]Trigger, error) {
	var out []Trigger
	for _, tr := range t.st.Triggers {
		if tr.Enabled {
			out = append(out, tr)
		}
	}
	sortTriggers(out)
	return out, nil
}

func (t *memTx) GetTrigger(_ context.Context, id int64) (Trigger, error) {
	tr, ok := t.st.Triggers[id]
	if !ok {
		return Trigger{}, fmt.Errorf("trigger %d: %w", id, ErrNotFound)
	}
	return tr, nil
}

func (t *memTx) ReplaceTriggers(_ context.Context, userID string, times []civiltime.TimeOfDay, origin string, now time.Time) ([]Trigger, error) {
	if err := t.write(); err != nil {
		return nil, err
	}
	for id, tr := range t.st.Triggers {
		if tr.UserID == userID {
			delete(t.st.Triggers, id)
		}
	}
	out := make([]Trigger, 0, len(times))
	for _, at := range times {
		tr := Trigger{
			ID:        t.st.NextTriggerID,
			UserID:    userID,
			At:        at,
			Enabled:   true,
			Origin:    origin,
			CreatedAt: now,
		}
		t.st.NextTriggerID++
		t.st.Triggers[tr.ID] = tr
		out = append(out, tr)
	}
	return out, nil
}

func (t *memTx) SetTriggerEnabled(_ context.Context, id int64, enabled bool) error {
	if err := t.write(); err != nil {
		return err
	}
	tr, ok := t.st.Triggers[id]
	if !ok {
		return fmt.Errorf("trigger %d: %w", id, ErrNotFound)
	}
	tr.Enabled = enabled
	t.st.Triggers[id] = tr
	return nil
}

func (t *memTx) DeleteTrigger(_ context.Context, id int64) error {
	if err := t.write(); err != nil {
		return err
	}
	if _, ok := t.st.Triggers[id]; !ok {
		return fmt.Errorf("trigger %d: %w", id, ErrNotFound)
	}
	delete(t.st.Triggers, id)
	return nil
}

func (t *memTx) DeleteTriggers(_ context.Context, userID string) (int, error) {
	if err := t.write(); err != nil {
		return 0, err
	}
	n := 0
	for id, tr := range t.st.Triggers {
		if tr.UserID == userID {
			delete(t.st.Triggers, id)
			n++
		}
	}
	return n, nil
}

func (t *memTx) GetCalendar(_ context.Context, userID string) (Calendar, error) {
	return cloneCalendar(t.st.Calendars[userID]), nil
}

func (t *memTx) PutCalendarDay(_ context.Context, userID, date string, day Day) error {
	if err := t.write(); err != nil {
		return err
	}
	cal := t.st.Calendars[userID]
	if cal == nil {
		cal = Calendar{}
		t.st.Calendars[userID] = cal
	}
	day.Events = append([]Event(nil), day.Events...)
	cal[date] = day
	return nil
}

func (t *memTx) DeleteCalendarDay(_ context.Context, userID, date string) error {
	if err := t.write(); err != nil {
		return err
	}
	if cal := t.st.Calendars[userID]; cal != nil {
		delete(cal, date)
	}
	return nil
}

func (t *memTx) GetLedger(_ context.Context, userID, resource string) (LedgerRow, error) {
	return t.st.Ledgers[userID][resource], nil
}

func (t *memTx) PutLedger(_ context.Context, userID, resource string, row LedgerRow) error {
	if err := t.write(); err != nil {
		return err
	}
	rows := t.st.Ledgers[userID]
	if rows == nil {
		rows = map[string]LedgerRow{}
		t.st.Ledgers[userID] = rows
	}
	rows[resource] = row
	return nil
}

func sortTriggers(ts []Trigger) {
	sort.Slice(ts, func(i, j int) bool {
		a, b := ts[i].At.MinuteOfDay(), ts[j].At.MinuteOfDay()
		if a != b {
			return a < b
		}
		return ts[i].ID < ts[j].ID
	})
}
