package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tripot/internal/civiltime"
	logx "tripot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{"memory": NewMemory()}

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "data.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	out["file"] = fs

	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "data.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	out["sqlite"] = sq

	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func TestStoreTriggers(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			err := st.Update(ctx, func(tx Tx) error {
				if err := tx.PutUser(ctx, User{ID: "s1", CreatedAt: now}); err != nil {
					return err
				}
				_, err := tx.ReplaceTriggers(ctx, "s1", []civiltime.TimeOfDay{civiltime.MustParse("18:30"), civiltime.MustParse("09:00")}, OriginSelf, now)
				return err
			})
			if err != nil {
				t.Fatalf("Update: %v", err)
			}

			var got []Trigger
			if err := st.View(ctx, func(tx Tx) (err error) { got, err = tx.ListTriggers(ctx, "s1"); return }); err != nil {
				t.Fatalf("View: %v", err)
			}
			if len(got) != 2 || got[0].At.String() != "09:00" || got[1].At.String() != "18:30" {
				t.Fatalf("unexpected triggers: %+v", got)
			}

			if err := st.Update(ctx, func(tx Tx) error { return tx.SetTriggerEnabled(ctx, got[0].ID, false) }); err != nil {
				t.Fatalf("toggle: %v", err)
			}
			var enabled []Trigger
			_ = st.View(ctx, func(tx Tx) (err error) { enabled, err = tx.ListEnabledTriggers(ctx); return })
			if len(enabled) != 1 || enabled[0].ID != got[1].ID {
				t.Fatalf("enabled = %+v", enabled)
			}

			err = st.Update(ctx, func(tx Tx) error { return tx.DeleteTrigger(ctx, 99999) })
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("delete missing: %v", err)
			}

			var n int
			if err := st.Update(ctx, func(tx Tx) (err error) { n, err = tx.DeleteTriggers(ctx, "s1"); return }); err != nil || n != 2 {
				t.Fatalf("DeleteTriggers n=%d err=%v", n, err)
			}
		})
	}
}

func TestStoreUpdateRollsBack(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			err := st.Update(ctx, func(tx Tx) error {
				if err := tx.PutUser(ctx, User{ID: "ghost", CreatedAt: time.Now()}); err != nil {
					return err
				}
				if err := tx.PutLedger(ctx, "ghost", "calendar", LedgerRow{LastModified: time.Now()}); err != nil {
					return err
				}
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("Update err = %v", err)
			}
			err = st.View(ctx, func(tx Tx) error {
				_, err := tx.GetUser(ctx, "ghost")
				return err
			})
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("user survived rollback: %v", err)
			}
			var row LedgerRow
			_ = st.View(ctx, func(tx Tx) (err error) { row, err = tx.GetLedger(ctx, "ghost", "calendar"); return })
			if !row.LastModified.IsZero() {
				t.Fatalf("ledger survived rollback: %+v", row)
			}
		})
	}
}

func TestStoreCalendarAndLedger(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			day := Day{Events: []Event{{ID: "e1", Text: "병원", CreatedAt: at}}, Marked: true, DotColor: "#50cebb"}
			err := st.Update(ctx, func(tx Tx) error {
				if err := tx.PutCalendarDay(ctx, "s1", "2026-05-02", day); err != nil {
					return err
				}
				return tx.PutLedger(ctx, "s1", "calendar", LedgerRow{LastModified: at, LastModifiedBy: "f1"})
			})
			if err != nil {
				t.Fatalf("Update: %v", err)
			}

			var (
				cal Calendar
				row LedgerRow
			)
			err = st.View(ctx, func(tx Tx) (err error) {
				if cal, err = tx.GetCalendar(ctx, "s1"); err != nil {
					return err
				}
				row, err = tx.GetLedger(ctx, "s1", "calendar")
				return err
			})
			if err != nil {
				t.Fatalf("View: %v", err)
			}
			got := cal["2026-05-02"]
			if len(got.Events) != 1 || got.Events[0].Text != "병원" || !got.Marked || got.DotColor != "#50cebb" {
				t.Fatalf("calendar = %+v", cal)
			}
			if !row.LastModified.Equal(at) || row.LastModifiedBy != "f1" || !row.LastChecked.IsZero() {
				t.Fatalf("ledger = %+v", row)
			}

			if err := st.Update(ctx, func(tx Tx) error { return tx.DeleteCalendarDay(ctx, "s1", "2026-05-02") }); err != nil {
				t.Fatalf("delete day: %v", err)
			}
			_ = st.View(ctx, func(tx Tx) (err error) { cal, err = tx.GetCalendar(ctx, "s1"); return })
			if len(cal) != 0 {
				t.Fatalf("calendar after delete = %+v", cal)
			}
		})
	}
}

func TestViewRejectsWrites(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	err := st.View(context.Background(), func(tx Tx) error {
		return tx.PutUser(context.Background(), User{ID: "x"})
	})
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}
}

func TestFileStoreReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = st.Update(ctx, func(tx Tx) error {
		if err := tx.PutUser(ctx, User{ID: "s1", DisplayName: "할머니", CreatedAt: time.Now()}); err != nil {
			return err
		}
		_, err := tx.ReplaceTriggers(ctx, "s1", []civiltime.TimeOfDay{civiltime.MustParse("07:15")}, OriginSelf, time.Now())
		return err
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	_ = st.Close()

	again, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	var ts []Trigger
	_ = again.View(ctx, func(tx Tx) (err error) { ts, err = tx.ListEnabledTriggers(ctx); return })
	if len(ts) != 1 || ts[0].At.String() != "07:15" {
		t.Fatalf("reloaded triggers = %+v", ts)
	}
	// New ids continue after the reloaded ones.
	var fresh []Trigger
	_ = again.Update(ctx, func(tx Tx) (err error) {
		fresh, err = tx.ReplaceTriggers(ctx, "s2", []civiltime.TimeOfDay{civiltime.MustParse("08:00")}, OriginSelf, time.Now())
		return
	})
	if len(fresh) != 1 || fresh[0].ID <= ts[0].ID {
		t.Fatalf("fresh id = %+v, previous %d", fresh, ts[0].ID)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
