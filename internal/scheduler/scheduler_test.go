package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tripot/internal/civiltime"
	"tripot/internal/storage"
	"tripot/internal/transport"
	logx "tripot/pkg/logx"
)

var kst = mustZone()

func mustZone() *time.Location {
	loc, err := civiltime.LoadZone("Asia/Seoul")
	if err != nil {
		panic(err)
	}
	return loc
}

func at(h, m, sec int) time.Time { return time.Date(2026, 4, 2, h, m, sec, 0, kst) }

type fakeSource struct {
	mu  sync.Mutex
	ts  []storage.Trigger
	err error
}

func (f *fakeSource) ListEnabledTriggers(context.Context) ([]storage.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]storage.Trigger(nil), f.ts...), nil
}

func (f *fakeSource) set(ts []storage.Trigger, err error) {
	f.mu.Lock()
	f.ts, f.err = ts, err
	f.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []transport.TriggerEvent
	ch     chan transport.TriggerEvent
}

func newRecorder() *recorder { return &recorder{ch: make(chan transport.TriggerEvent, 64)} }

func (r *recorder) Dispatch(_ context.Context, ev transport.TriggerEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
	return nil
}

func (r *recorder) count(user string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.UserID == user {
			n++
		}
	}
	return n
}

func trig(id int64, user, hhmm string) storage.Trigger {
	return storage.Trigger{ID: id, UserID: user, At: civiltime.MustParse(hhmm), Enabled: true}
}

func newTestService(t *testing.T, src TriggerSource, d Dispatcher, clock civiltime.Clock) *Service {
	t.Helper()
	s := New(Config{Enabled: true}, src, d, clock, logx.Nop(), nil)
	if err := s.Reconfigure(context.Background()); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	return s
}

func TestTickFiresExactlyOncePerMinute(t *testing.T) {
	t.Parallel()
	src := &fakeSource{ts: []storage.Trigger{trig(1, "u1", "09:00")}}
	rec := newRecorder()
	clock := civiltime.Fake(at(8, 59, 30))
	s := newTestService(t, src, rec, clock)
	ctx := context.Background()

	for _, now := range []time.Time{at(8, 59, 30), at(8, 59, 50), at(9, 0, 10), at(9, 0, 30), at(9, 0, 50), at(9, 1, 10)} {
		s.Tick(ctx, now)
	}
	if got := rec.count("u1"); got != 1 {
		t.Fatalf("u1 fired %d times, want 1", got)
	}
	ev := rec.events[0]
	if ev.TriggerID != 1 || ev.At.String() != "09:00" || !ev.FireTime.Equal(at(9, 0, 0)) {
		t.Fatalf("event = %+v", ev)
	}
}

func TestTickCatchesUpLateMinute(t *testing.T) {
	t.Parallel()
	src := &fakeSource{ts: []storage.Trigger{trig(1, "u1", "09:00")}}
	rec := newRecorder()
	s := newTestService(t, src, rec, civiltime.Fake(at(8, 59, 55)))
	ctx := context.Background()

	s.Tick(ctx, at(8, 59, 55))
	// Stalled tick jumps over 09:00 entirely.
	s.Tick(ctx, at(9, 1, 5))
	if got := rec.count("u1"); got != 1 {
		t.Fatalf("u1 fired %d times, want 1", got)
	}
}

func TestTickCatchUpWindowIsBounded(t *testing.T) {
	t.Parallel()
	src := &fakeSource{ts: []storage.Trigger{trig(1, "u1", "08:30"), trig(2, "u2", "08:58")}}
	rec := newRecorder()
	s := newTestService(t, src, rec, civiltime.Fake(at(8, 0, 0)))
	ctx := context.Background()

	s.Tick(ctx, at(8, 0, 0))
	s.Tick(ctx, at(9, 0, 0))
	if rec.count("u1") != 0 {
		t.Fatal("08:30 fired outside the catch-up window")
	}
	if rec.count("u2") != 1 {
		t.Fatal("08:58 inside the catch-up window did not fire")
	}
	if s.Status().SkippedCatch == 0 {
		t.Fatal("skipped minutes not counted")
	}
}

func TestTickClockBackwardsDoesNotRefire(t *testing.T) {
	t.Parallel()
	src := &fakeSource{ts: []storage.Trigger{trig(1, "u1", "09:00")}}
	rec := newRecorder()
	s := newTestService(t, src, rec, civiltime.Fake(at(9, 0, 0)))
	ctx := context.Background()

	s.Tick(ctx, at(9, 0, 5))
	s.Tick(ctx, at(8, 59, 40))
	s.Tick(ctx, at(9, 0, 20))
	if got := rec.count("u1"); got != 1 {
		t.Fatalf("u1 fired %d times, want 1", got)
	}
}

func TestReconfigureFailureKeepsSnapshot(t *testing.T) {
	t.Parallel()
	src := &fakeSource{ts: []storage.Trigger{trig(1, "u1", "09:00")}}
	rec := newRecorder()
	s := newTestService(t, src, rec, civiltime.Fake(at(8, 59, 0)))

	src.set(nil, errors.New("db down"))
	if err := s.Reconfigure(context.Background()); err == nil {
		t.Fatal("expected reload error")
	}
	if got := len(s.Active()); got != 1 {
		t.Fatalf("active after failed reload = %d, want 1", got)
	}
	s.Tick(context.Background(), at(9, 0, 1))
	if rec.count("u1") != 1 {
		t.Fatal("previous snapshot did not fire")
	}
}

func TestMidnightRebuild(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	rec := newRecorder()
	s := newTestService(t, src, rec, civiltime.Fake(at(23, 59, 40)))
	ctx := context.Background()

	s.Tick(ctx, at(23, 59, 40))
	// Added out of band; only the midnight rebuild can pick it up.
	src.set([]storage.Trigger{trig(7, "u1", "00:00")}, nil)
	s.Tick(ctx, at(23, 59, 40).Add(30*time.Second))

	if rec.count("u1") != 1 {
		t.Fatal("trigger added before midnight did not fire at 00:00")
	}
	if next := s.Status().NextRebuild; !next.Equal(time.Date(2026, 4, 4, 0, 0, 0, 0, kst)) {
		t.Fatalf("next rebuild = %v", next)
	}
}

func TestDispatchFailureIsIsolated(t *testing.T) {
	t.Parallel()
	src := &fakeSource{ts: []storage.Trigger{trig(1, "bad", "09:00"), trig(2, "good", "09:00")}}
	rec := newRecorder()
	d := DispatchFunc(func(ctx context.Context, ev transport.TriggerEvent) error {
		if ev.UserID == "bad" {
			panic("collaborator blew up")
		}
		return rec.Dispatch(ctx, ev)
	})
	s := newTestService(t, src, d, civiltime.Fake(at(9, 0, 0)))
	s.Tick(context.Background(), at(9, 0, 0))

	if rec.count("good") != 1 {
		t.Fatal("good user missed its event")
	}
	st := s.Status()
	if st.Fired != 2 || st.Failed != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestLoopDrivenByClock(t *testing.T) {
	t.Parallel()
	src := &fakeSource{ts: []storage.Trigger{trig(1, "u1", "09:00")}}
	rec := newRecorder()
	clock := civiltime.Fake(at(8, 59, 50))
	s := New(Config{Enabled: true, Tick: time.Second}, src, rec, clock, logx.Nop(), nil)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = s.Start(ctx)
	if !s.Running() {
		t.Fatal("not running after Start")
	}

	// Keep advancing until the loop has had a chance to observe 09:00.
	deadline := time.After(5 * time.Second)
	for fired := false; !fired; {
		clock.Set(at(9, 0, 5))
		select {
		case ev := <-rec.ch:
			if ev.UserID != "u1" {
				t.Fatalf("event = %+v", ev)
			}
			fired = true
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("trigger never fired")
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if rec.count("u1") != 1 {
		t.Fatalf("u1 fired %d times", rec.count("u1"))
	}
}

func TestActiveNext(t *testing.T) {
	t.Parallel()
	src := &fakeSource{ts: []storage.Trigger{trig(2, "u1", "18:00"), trig(1, "u1", "08:00")}}
	s := newTestService(t, src, newRecorder(), civiltime.Fake(at(9, 0, 0)))
	act := s.Active()
	if len(act) != 2 || act[0].At.String() != "08:00" {
		t.Fatalf("active = %+v", act)
	}
	if want := time.Date(2026, 4, 3, 8, 0, 0, 0, kst); !act[0].Next.Equal(want) {
		t.Fatalf("next 08:00 = %v, want %v", act[0].Next, want)
	}
	if want := at(18, 0, 0); !act[1].Next.Equal(want) {
		t.Fatalf("next 18:00 = %v, want %v", act[1].Next, want)
	}
}

// gate blocks every dispatch until released, ignoring cancellation.
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) Dispatch(context.Context, transport.TriggerEvent) error {
	g.entered <- struct{}{}
	<-g.release
	return nil
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func TestStatusDuringSlowDispatch(t *testing.T) {
	t.Parallel()
	src := &fakeSource{ts: []storage.Trigger{trig(1, "u1", "09:00")}}
	g := newGate()
	defer g.open()
	s := newTestService(t, src, g, civiltime.Fake(at(9, 0, 0)))

	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		s.Tick(context.Background(), at(9, 0, 0))
	}()
	<-g.entered

	got := make(chan Status, 1)
	go func() { got <- s.Status() }()
	select {
	case st := <-got:
		if !st.LastMinute.Equal(at(9, 0, 0)) {
			t.Fatalf("last minute = %v", st.LastMinute)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Status blocked behind an in-flight dispatch")
	}

	g.open()
	<-tickDone
	if st := s.Status(); st.Fired != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestStopDuringRestartWins(t *testing.T) {
	t.Parallel()
	src := &fakeSource{ts: []storage.Trigger{trig(1, "u1", "09:00")}}
	g := newGate()
	defer g.open()
	s := New(Config{Enabled: true, Tick: time.Second}, src, g, civiltime.Fake(at(9, 0, 0)), logx.Nop(), nil)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// The first tick hits 09:00 and parks the loop inside the dispatcher.
	<-g.entered

	applied := make(chan struct{})
	go func() {
		defer close(applied)
		s.Apply(Config{Enabled: true, Tick: 2 * time.Second})
	}()
	deadline := time.After(2 * time.Second)
	for s.Running() {
		select {
		case <-deadline:
			t.Fatal("Apply never took the loop down")
		case <-time.After(5 * time.Millisecond):
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	g.open()
	select {
	case <-applied:
	case <-time.After(2 * time.Second):
		t.Fatal("Apply did not return")
	}
	if s.Running() {
		t.Fatal("loop restarted after Stop")
	}
}
