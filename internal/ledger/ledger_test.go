package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tripot/internal/civiltime"
	"tripot/internal/fault"
	"tripot/internal/storage"
	logx "tripot/pkg/logx"
)

func setup(t *testing.T) (*Ledger, *civiltime.FakeClock, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	ctx := context.Background()
	if err := st.Update(ctx, func(tx storage.Tx) error { return tx.PutUser(ctx, storage.User{ID: "s1"}) }); err != nil {
		t.Fatalf("seed: %v", err)
	}
	clock := civiltime.Fake(time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC))
	l := New(st, clock, logx.Nop(), nil)
	for _, r := range []string{ResourceCalendar, ResourceSchedule} {
		r := r
		l.Register(r, func(context.Context, storage.Tx, string) (any, error) { return "payload:" + r, nil })
	}
	return l, clock, st
}

func TestHasUpdate(t *testing.T) {
	t.Parallel()
	t1 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		s    State
		want bool
	}{
		{name: "never stamped", s: State{}, want: false},
		{name: "stamped never checked", s: State{LastModified: t1}, want: true},
		{name: "checked after", s: State{LastModified: t1, LastChecked: t1.Add(time.Second)}, want: false},
		{name: "checked same instant", s: State{LastModified: t1, LastChecked: t1}, want: false},
		{name: "stamped after check", s: State{LastModified: t1.Add(time.Second), LastChecked: t1}, want: true},
		{name: "checked but never stamped", s: State{LastChecked: t1}, want: false},
	}
	for _, tt := range tests {
		if got := tt.s.HasUpdate(); got != tt.want {
			t.Errorf("%s: HasUpdate = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestStampThenCheckAcknowledges(t *testing.T) {
	t.Parallel()
	l, clock, _ := setup(t)
	ctx := context.Background()

	t1 := clock.Now()
	if _, err := l.StampNow(ctx, "s1", ResourceSchedule, "family-7"); err != nil {
		t.Fatalf("StampNow: %v", err)
	}
	clock.Advance(time.Minute)

	res, err := l.Check(ctx, "s1", ResourceSchedule)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.HasUpdate || res.By != "family-7" || !res.At.Equal(t1) || res.Payload != "payload:schedule" {
		t.Fatalf("first check = %+v", res)
	}
	res, err = l.Check(ctx, "s1", ResourceSchedule)
	if err != nil || res.HasUpdate {
		t.Fatalf("second check = %+v, %v", res, err)
	}
	// The other resource is independent.
	res, _ = l.Check(ctx, "s1", ResourceCalendar)
	if res.HasUpdate {
		t.Fatal("calendar reported an update it never had")
	}
}

func TestLastStampWins(t *testing.T) {
	t.Parallel()
	l, clock, _ := setup(t)
	ctx := context.Background()
	_, _ = l.StampNow(ctx, "s1", ResourceCalendar, "A")
	clock.Advance(time.Second)
	_, _ = l.StampNow(ctx, "s1", ResourceCalendar, "B")
	res, err := l.Check(ctx, "s1", ResourceCalendar)
	if err != nil || !res.HasUpdate || res.By != "B" {
		t.Fatalf("check = %+v, %v", res, err)
	}
}

func TestStampIsMonotonic(t *testing.T) {
	t.Parallel()
	l, clock, _ := setup(t)
	ctx := context.Background()
	first, _ := l.StampNow(ctx, "s1", ResourceCalendar, "A")
	clock.Advance(-time.Hour)
	second, _ := l.StampNow(ctx, "s1", ResourceCalendar, "B")
	if second.Before(first) {
		t.Fatalf("stamp moved backwards: %v < %v", second, first)
	}
	if res, _ := l.Check(ctx, "s1", ResourceCalendar); !res.HasUpdate {
		t.Fatal("update lost after backwards clock")
	}
	if res, _ := l.Check(ctx, "s1", ResourceCalendar); res.HasUpdate {
		t.Fatal("update not acknowledged after backwards clock")
	}
}

func TestConcurrentChecksSeeUpdateOnce(t *testing.T) {
	t.Parallel()
	l, clock, _ := setup(t)
	ctx := context.Background()
	_, _ = l.StampNow(ctx, "s1", ResourceSchedule, "A")
	clock.Advance(time.Second)

	var hits atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := l.Check(ctx, "s1", ResourceSchedule); err == nil && res.HasUpdate {
				hits.Add(1)
			}
		}()
	}
	wg.Wait()
	if hits.Load() != 1 {
		t.Fatalf("update observed %d times, want 1", hits.Load())
	}
}

func TestSnapshotFailureDoesNotAcknowledge(t *testing.T) {
	t.Parallel()
	l, _, _ := setup(t)
	ctx := context.Background()
	fail := true
	l.Register(ResourceCalendar, func(context.Context, storage.Tx, string) (any, error) {
		if fail {
			return nil, errors.New("disk on fire")
		}
		return "ok", nil
	})
	_, _ = l.StampNow(ctx, "s1", ResourceCalendar, "A")

	_, err := l.Check(ctx, "s1", ResourceCalendar)
	if !fault.Is(err, fault.KindPersistence) {
		t.Fatalf("err = %v, want persistence fault", err)
	}
	fail = false
	res, err := l.Check(ctx, "s1", ResourceCalendar)
	if err != nil || !res.HasUpdate {
		t.Fatalf("update lost after failed check: %+v, %v", res, err)
	}
}

func TestMutateRollsBackStamp(t *testing.T) {
	t.Parallel()
	l, _, _ := setup(t)
	ctx := context.Background()
	_, err := l.Mutate(ctx, "s1", ResourceSchedule, "A", func(storage.Tx) error {
		return fault.Validation("test", "bad input")
	})
	if !fault.Is(err, fault.KindValidation) {
		t.Fatalf("err = %v", err)
	}
	if res, _ := l.Check(ctx, "s1", ResourceSchedule); res.HasUpdate {
		t.Fatal("failed mutation left a stamp")
	}
}

func TestViewIsReadOnly(t *testing.T) {
	t.Parallel()
	l, _, _ := setup(t)
	ctx := context.Background()
	_, _ = l.StampNow(ctx, "s1", ResourceCalendar, "A")
	for i := 0; i < 2; i++ {
		v, err := l.View(ctx, "s1", ResourceCalendar)
		if err != nil {
			t.Fatalf("View: %v", err)
		}
		if !v.State.HasUpdate() || v.State.LastModifiedBy != "A" {
			t.Fatalf("view = %+v", v)
		}
	}
	if res, _ := l.Check(ctx, "s1", ResourceCalendar); !res.HasUpdate {
		t.Fatal("View acknowledged the update")
	}
}

func TestUnknownUserAndResource(t *testing.T) {
	t.Parallel()
	l, _, _ := setup(t)
	ctx := context.Background()
	if _, err := l.Check(ctx, "nobody", ResourceCalendar); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("unknown user err = %v", err)
	}
	if _, err := l.StampNow(ctx, "nobody", ResourceCalendar, "A"); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("stamp unknown user err = %v", err)
	}
	if _, err := l.Check(ctx, "s1", "photos"); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("unknown resource err = %v", err)
	}
}
