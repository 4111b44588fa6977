package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"tripot/internal/civiltime"
	"tripot/internal/eventbus"
	"tripot/internal/transport"
	logx "tripot/pkg/logx"
)

func (s *Service) loop(ctx context.Context, tk civiltime.Ticker) {
	s.Tick(ctx, s.clock.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			s.Tick(ctx, s.clock.Now())
		}
	}
}

func minuteOf(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, t.Hour(), t.Minute(), 0, 0, t.Location())
}

// Tick evaluates every minute in (last evaluated, now]. The first tick
// evaluates the current minute only. A clock that moved backwards yields
// nothing until it passes the last evaluated minute again.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	loc := s.loc
	maxCatch := s.cfg.MaxCatchUp
	timeout := s.cfg.DispatchTimeout
	s.mu.Unlock()

	now = now.In(loc)
	cur := minuteOf(now)

	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.stateMu.Lock()
	var rebuildAt time.Time
	if s.nextRebuild.IsZero() {
		s.nextRebuild = nextMidnight(now)
	} else if !now.Before(s.nextRebuild) {
		rebuildAt = s.nextRebuild
		s.nextRebuild = nextMidnight(now)
	}
	s.stateMu.Unlock()

	if !rebuildAt.IsZero() {
		s.log.Info("civil midnight; rebuilding trigger snapshot", logx.Time("at", rebuildAt))
		_ = s.Reconfigure(ctx)
	}

	s.stateMu.Lock()
	if s.lastMinute.IsZero() {
		s.lastMinute = cur.Add(-time.Minute)
	}
	last := s.lastMinute
	if cur.After(last) {
		s.lastMinute = cur
	}
	s.stateMu.Unlock()

	if !cur.After(last) {
		return
	}
	from := last.Add(time.Minute)
	if gap := cur.Sub(from); gap > maxCatch {
		missed := uint64(gap/time.Minute) - uint64(maxCatch/time.Minute)
		s.skipped.Add(missed)
		s.log.Warn("tick gap exceeds catch-up window; skipping minutes",
			logx.Time("from", from), logx.Time("to", cur), logx.Int64("skipped", int64(missed)))
		from = cur.Add(-maxCatch)
	}
	// The cursor already covers cur; tickMu keeps a second Tick from
	// racing these dispatches.
	for m := from; !m.After(cur); m = m.Add(time.Minute) {
		s.evaluate(ctx, m, timeout)
	}
}

// evaluate dispatches every trigger due at minute m. Dispatches run
// concurrently and each one is isolated from the others' failures.
func (s *Service) evaluate(ctx context.Context, m time.Time, timeout time.Duration) {
	due := s.snap.Load().at(civiltime.Of(m).MinuteOfDay())
	if len(due) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, t := range due {
		ev := transport.TriggerEvent{UserID: t.UserID, TriggerID: t.ID, At: t.At, FireTime: m}
		wg.Add(1)
		go func() {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := s.dispatchOne(dctx, ev); err != nil {
				s.log.Warn("trigger dispatch failed",
					logx.String("user", ev.UserID), logx.Int64("trigger", ev.TriggerID), logx.Err(err))
			}
		}()
	}
	wg.Wait()
}

func (s *Service) dispatchOne(ctx context.Context, ev transport.TriggerEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("dispatch panicked",
				logx.String("user", ev.UserID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("dispatch panic: %v", r)
		}
		if err != nil {
			s.failed.Add(1)
		}
	}()
	s.fired.Add(1)
	s.log.Info("trigger fired",
		logx.String("user", ev.UserID),
		logx.Int64("trigger", ev.TriggerID),
		logx.String("at", ev.At.String()))
	s.bus.Publish(eventbus.Event{Topic: eventbus.TopicTriggerFired, UserID: ev.UserID, Data: ev})
	return s.dispatch.Dispatch(ctx, ev)
}
