package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tripot/internal/civiltime"
	"tripot/internal/eventbus"
	logx "tripot/pkg/logx"
)

type Service struct {
	source   TriggerSource
	dispatch Dispatcher
	clock    civiltime.Clock
	log      logx.Logger
	bus      eventbus.Bus

	snap atomic.Pointer[snapshot]

	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	// stopGen counts Stop calls so a restart in flight can see it lost.
	stopGen uint64

	// tickMu serializes Tick, which may run for a whole dispatch timeout.
	// stateMu guards the cursor below and is never held across I/O.
	tickMu      sync.Mutex
	stateMu     sync.Mutex
	lastMinute  time.Time
	nextRebuild time.Time

	fired, failed, skipped atomic.Uint64
}

func New(cfg Config, source TriggerSource, dispatch Dispatcher, clock civiltime.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		source:   source,
		dispatch: dispatch,
		clock:    clock,
		log:      log,
		bus:      bus,
		cfg:      cfg.withDefaults(),
		loc:      clock.Location(),
	}
	s.snap.Store(buildSnapshot(nil, time.Time{}))
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if loc, err := civiltime.LoadZone(tz); err == nil {
			s.loc = loc
		} else {
			log.Warn("invalid scheduler timezone; using clock zone", logx.String("tz", tz), logx.Err(err))
		}
	}
	return s
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Start builds the first snapshot and launches the tick loop. Calling it on
// a running daemon is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.Reconfigure(ctx); err != nil {
		// The loop still starts; midnight or the next mutation retries.
		s.log.Warn("initial trigger load failed", logx.Err(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.startLocked()
	s.log.Info("scheduler started",
		logx.String("tz", s.loc.String()),
		logx.Duration("tick", s.cfg.Tick),
		logx.Int("triggers", s.snap.Load().count))
	return nil
}

func (s *Service) startLocked() {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	tk := s.clock.NewTicker(s.cfg.Tick)
	s.cancel = cancel
	s.done = done
	s.running = true
	go func() {
		defer close(done)
		defer tk.Stop()
		s.loop(runCtx, tk)
	}()
}

// Stop halts the loop and waits for it to exit, bounded by ctx. Stopping a
// stopped daemon is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopGen++
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Apply swaps config. A running loop restarts when the tick or zone changed.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	tzChanged := strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone)
	if tzChanged {
		loc := s.clock.Location()
		if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
			l, err := civiltime.LoadZone(tz)
			if err != nil {
				s.log.Warn("invalid scheduler timezone; keeping current", logx.String("tz", tz), logx.Err(err))
				l = s.loc
			}
			loc = l
		}
		s.loc = loc
	}
	restart := s.running && (old.Tick != cfg.Tick || tzChanged)
	var cancel context.CancelFunc
	var done chan struct{}
	gen := s.stopGen
	if restart {
		cancel, done = s.cancel, s.done
		s.cancel, s.done = nil, nil
		s.running = false
	}
	s.mu.Unlock()

	if tzChanged {
		s.stateMu.Lock()
		s.nextRebuild = time.Time{}
		s.stateMu.Unlock()
	}
	if !restart {
		return
	}
	cancel()
	<-done

	s.mu.Lock()
	if s.running || s.stopGen != gen {
		// Stopped or started by someone else while the old loop drained.
		s.mu.Unlock()
		return
	}
	s.startLocked()
	s.mu.Unlock()
	s.log.Info("scheduler restarted", logx.Duration("tick", cfg.Tick), logx.String("tz", s.location().String()))
}

// Reconfigure re-reads the enabled triggers and swaps the snapshot. On
// failure the previous snapshot stays in force.
func (s *Service) Reconfigure(ctx context.Context) error {
	ts, err := s.source.ListEnabledTriggers(ctx)
	if err != nil {
		s.log.Error("trigger reload failed; keeping previous snapshot", logx.Err(err))
		return fmt.Errorf("reload triggers: %w", err)
	}
	next := buildSnapshot(ts, s.clock.Now())
	prev := s.snap.Swap(next)
	prevCount := 0
	if prev != nil {
		prevCount = prev.count
	}
	s.log.Info("triggers reloaded", logx.Int("count", next.count), logx.Int("previous", prevCount))
	s.bus.Publish(eventbus.Event{Topic: eventbus.TopicSchedule, Data: next.count})
	return nil
}

// Active lists the snapshot with each trigger's next fire instant.
func (s *Service) Active() []ActiveTrigger {
	now := s.clock.Now().In(s.location())
	all := s.snap.Load().all()
	out := make([]ActiveTrigger, 0, len(all))
	for _, t := range all {
		out = append(out, ActiveTrigger{
			ID:      t.ID,
			UserID:  t.UserID,
			At:      t.At,
			Enabled: t.Enabled,
			Next:    nextFire(t, now),
		})
	}
	return out
}

func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{Running: s.running, Timezone: s.loc.String(), Tick: s.cfg.Tick.String()}
	s.mu.Unlock()
	if snap := s.snap.Load(); snap != nil {
		st.Triggers = snap.count
		st.BuiltAt = snap.builtAt
	}
	s.stateMu.Lock()
	st.LastMinute = s.lastMinute
	st.NextRebuild = s.nextRebuild
	s.stateMu.Unlock()
	st.Fired = s.fired.Load()
	st.Failed = s.failed.Load()
	st.SkippedCatch = s.skipped.Load()
	return st
}
