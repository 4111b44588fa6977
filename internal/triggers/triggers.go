// Package triggers is the mutation surface for conversation triggers. Every
// successful write stamps the schedule ledger in the same transaction and
// then asks the scheduler to rebuild its snapshot.
package triggers

import (
	"context"
	"errors"
	"sort"
	"strings"

	"tripot/internal/civiltime"
	"tripot/internal/fault"
	"tripot/internal/ledger"
	"tripot/internal/storage"
	logx "tripot/pkg/logx"
)

// Reconfigurer is the scheduler hook run after each successful mutation.
type Reconfigurer interface {
	Reconfigure(ctx context.Context) error
}

type Service struct {
	store  storage.Store
	ledger *ledger.Ledger
	sched  Reconfigurer
	clock  civiltime.Clock
	log    logx.Logger
}

// New wires the service into led as the "schedule" resource.
func New(store storage.Store, led *ledger.Ledger, sched Reconfigurer, clock civiltime.Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{store: store, ledger: led, sched: sched, clock: clock, log: log}
	led.Register(ledger.ResourceSchedule, func(ctx context.Context, tx storage.Tx, user string) (any, error) {
		ts, err := tx.ListTriggers(ctx, user)
		if ts == nil {
			ts = []storage.Trigger{}
		}
		return ts, err
	})
	return s
}

func origin(actor string) string {
	if a := strings.TrimSpace(actor); a != "" {
		return a
	}
	return storage.OriginSelf
}

// ParseTimes validates every entry before anything is written. Duplicate
// times collapse to the first occurrence.
func ParseTimes(raw []string) ([]civiltime.TimeOfDay, error) {
	out := make([]civiltime.TimeOfDay, 0, len(raw))
	seen := map[int]bool{}
	for _, r := range raw {
		t, err := civiltime.ParseTimeOfDay(r)
		if err != nil {
			return nil, err
		}
		if seen[t.MinuteOfDay()] {
			continue
		}
		seen[t.MinuteOfDay()] = true
		out = append(out, t)
	}
	return out, nil
}

// Replace swaps all of user's triggers for one enabled trigger per time.
func (s *Service) Replace(ctx context.Context, user string, times []string, actor string) ([]storage.Trigger, error) {
	const op = "triggers.Replace"
	parsed, err := ParseTimes(times)
	if err != nil {
		return nil, err
	}
	var out []storage.Trigger
	by := origin(actor)
	_, err = s.ledger.Mutate(ctx, user, ledger.ResourceSchedule, by, func(tx storage.Tx) error {
		if err := requireUser(ctx, tx, op, user); err != nil {
			return err
		}
		var err error
		out, err = tx.ReplaceTriggers(ctx, user, parsed, by, s.clock.Now())
		return err
	})
	sort.Slice(out, func(i, j int) bool { return out[i].At.MinuteOfDay() < out[j].At.MinuteOfDay() })
	if err != nil {
		return nil, err
	}
	s.log.Info("triggers replaced", logx.String("user", user), logx.String("by", by), logx.Int("count", len(out)))
	s.reconfigure(ctx)
	return out, nil
}

// Toggle enables or disables one trigger.
func (s *Service) Toggle(ctx context.Context, id int64, enabled bool, actor string) (storage.Trigger, error) {
	const op = "triggers.Toggle"
	tr, err := s.get(ctx, op, id)
	if err != nil {
		return storage.Trigger{}, err
	}
	_, err = s.ledger.Mutate(ctx, tr.UserID, ledger.ResourceSchedule, origin(actor), func(tx storage.Tx) error {
		return mapNotFound(op, tx.SetTriggerEnabled(ctx, id, enabled))
	})
	if err != nil {
		return storage.Trigger{}, err
	}
	tr.Enabled = enabled
	s.log.Info("trigger toggled", logx.String("user", tr.UserID), logx.Int64("trigger", id), logx.Bool("enabled", enabled))
	s.reconfigure(ctx)
	return tr, nil
}

// Delete removes one trigger.
func (s *Service) Delete(ctx context.Context, id int64, actor string) error {
	const op = "triggers.Delete"
	tr, err := s.get(ctx, op, id)
	if err != nil {
		return err
	}
	_, err = s.ledger.Mutate(ctx, tr.UserID, ledger.ResourceSchedule, origin(actor), func(tx storage.Tx) error {
		return mapNotFound(op, tx.DeleteTrigger(ctx, id))
	})
	if err != nil {
		return err
	}
	s.log.Info("trigger deleted", logx.String("user", tr.UserID), logx.Int64("trigger", id))
	s.reconfigure(ctx)
	return nil
}

// DeleteAll removes every trigger of user and reports how many went.
func (s *Service) DeleteAll(ctx context.Context, user, actor string) (int, error) {
	const op = "triggers.DeleteAll"
	var n int
	_, err := s.ledger.Mutate(ctx, user, ledger.ResourceSchedule, origin(actor), func(tx storage.Tx) error {
		if err := requireUser(ctx, tx, op, user); err != nil {
			return err
		}
		var err error
		n, err = tx.DeleteTriggers(ctx, user)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("triggers deleted", logx.String("user", user), logx.Int("count", n))
	s.reconfigure(ctx)
	return n, nil
}

// List returns user's triggers, enabled or not, ordered by time of day.
func (s *Service) List(ctx context.Context, user string) ([]storage.Trigger, error) {
	var out []storage.Trigger
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListTriggers(ctx, user)
		return err
	})
	if err != nil {
		return nil, fault.E(fault.KindPersistence, "triggers.List", err)
	}
	if out == nil {
		out = []storage.Trigger{}
	}
	return out, nil
}

// CheckUpdates is the senior app's schedule poll.
func (s *Service) CheckUpdates(ctx context.Context, user string) (ledger.Result, error) {
	return s.ledger.Check(ctx, user, ledger.ResourceSchedule)
}

// View is the read-only schedule view.
func (s *Service) View(ctx context.Context, user string) (ledger.View, error) {
	return s.ledger.View(ctx, user, ledger.ResourceSchedule)
}

func (s *Service) get(ctx context.Context, op string, id int64) (storage.Trigger, error) {
	var tr storage.Trigger
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		tr, err = tx.GetTrigger(ctx, id)
		return mapNotFound(op, err)
	})
	if err != nil && fault.KindOf(err) == fault.KindUnknown {
		err = fault.E(fault.KindPersistence, op, err)
	}
	return tr, err
}

// reconfigure never fails the caller: the write already committed and the
// next rebuild picks it up.
func (s *Service) reconfigure(ctx context.Context) {
	if s.sched == nil {
		return
	}
	if err := s.sched.Reconfigure(ctx); err != nil {
		s.log.Warn("scheduler reconfigure after mutation failed", logx.Err(err))
	}
}

func requireUser(ctx context.Context, tx storage.Tx, op, user string) error {
	if _, err := tx.GetUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fault.NotFound(op, "user %q not found", user)
		}
		return err
	}
	return nil
}

func mapNotFound(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fault.E(fault.KindNotFound, op, err)
	}
	return err
}
