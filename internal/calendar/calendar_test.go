package calendar

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"tripot/internal/civiltime"
	"tripot/internal/fault"
	"tripot/internal/ledger"
	"tripot/internal/storage"
	logx "tripot/pkg/logx"
)

func newService(t *testing.T) (*Service, *civiltime.FakeClock) {
	t.Helper()
	st := storage.NewMemory()
	ctx := context.Background()
	err := st.Update(ctx, func(tx storage.Tx) error {
		for _, id := range []string{"s1", "f1"} {
			if err := tx.PutUser(ctx, storage.User{ID: id}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	loc, _ := civiltime.LoadZone("")
	clock := civiltime.Fake(time.Date(2026, 4, 2, 10, 0, 0, 0, loc))
	led := ledger.New(st, clock, logx.Nop(), nil)
	return New(st, led, clock, logx.Nop()), clock
}

func TestUpdateDayAndCheck(t *testing.T) {
	t.Parallel()
	svc, clock := newService(t)
	ctx := context.Background()

	res, err := svc.UpdateDay(ctx, UpdateRequest{
		SeniorUserID: "s1",
		FamilyUserID: "f1",
		Date:         "2026-04-10",
		Events:       []storage.Event{{Text: "병원 예약"}},
	})
	if err != nil {
		t.Fatalf("UpdateDay: %v", err)
	}
	if len(res.Events) != 1 || res.Events[0].ID == "" || res.Events[0].CreatedAt.IsZero() {
		t.Fatalf("result = %+v", res)
	}

	clock.Advance(time.Minute)
	chk, err := svc.CheckUpdates(ctx, "s1")
	if err != nil {
		t.Fatalf("CheckUpdates: %v", err)
	}
	cal, ok := chk.Payload.(storage.Calendar)
	if !chk.HasUpdate || chk.By != "f1" || !ok {
		t.Fatalf("check = %+v", chk)
	}
	day := cal["2026-04-10"]
	if !day.Marked || day.DotColor != DotColor || day.Events[0].Text != "병원 예약" {
		t.Fatalf("day = %+v", day)
	}
	if again, _ := svc.CheckUpdates(ctx, "s1"); again.HasUpdate {
		t.Fatal("second check still reports an update")
	}
}

func TestUpdateDayEmptyRemovesDate(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()
	req := UpdateRequest{SeniorUserID: "s1", FamilyUserID: "f1", Date: "2026-04-10", Events: []storage.Event{{ID: "e1", Text: "산책"}}}
	if _, err := svc.UpdateDay(ctx, req); err != nil {
		t.Fatal(err)
	}
	req.Events = nil
	if _, err := svc.UpdateDay(ctx, req); err != nil {
		t.Fatal(err)
	}
	snap, err := svc.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(snap.CalendarData) != 0 {
		t.Fatalf("calendar = %+v", snap.CalendarData)
	}
	if snap.LastUpdated == nil || snap.LastUpdatedBy != "f1" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestUpdateDayErrors(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()
	tests := []struct {
		name string
		req  UpdateRequest
		kind fault.Kind
	}{
		{name: "bad date", req: UpdateRequest{SeniorUserID: "s1", FamilyUserID: "f1", Date: "2026/04/10"}, kind: fault.KindValidation},
		{name: "missing ids", req: UpdateRequest{Date: "2026-04-10"}, kind: fault.KindValidation},
		{name: "empty text", req: UpdateRequest{SeniorUserID: "s1", FamilyUserID: "f1", Date: "2026-04-10", Events: []storage.Event{{ID: "x"}}}, kind: fault.KindValidation},
		{name: "unknown senior", req: UpdateRequest{SeniorUserID: "nobody", FamilyUserID: "f1", Date: "2026-04-10"}, kind: fault.KindNotFound},
		{name: "unknown family", req: UpdateRequest{SeniorUserID: "s1", FamilyUserID: "nobody", Date: "2026-04-10"}, kind: fault.KindNotFound},
	}
	for _, tt := range tests {
		if _, err := svc.UpdateDay(ctx, tt.req); !fault.Is(err, tt.kind) {
			t.Errorf("%s: err = %v, want %s", tt.name, err, tt.kind)
		}
	}
	if chk, _ := svc.CheckUpdates(ctx, "s1"); chk.HasUpdate {
		t.Fatal("rejected updates stamped the ledger")
	}
}

func TestGetNeverStamped(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	snap, err := svc.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.LastUpdated != nil || snap.CalendarData == nil {
		t.Fatalf("snapshot = %+v", snap)
	}
	if _, err := svc.Get(context.Background(), "ghost"); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("unknown user err = %v", err)
	}
}

func TestWriteICS(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.UpdateDay(ctx, UpdateRequest{
		SeniorUserID: "s1",
		FamilyUserID: "f1",
		Date:         "2026-04-10",
		Events:       []storage.Event{{ID: "e1", Text: "병원 예약"}, {ID: "e2", Text: "손주 방문"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := svc.WriteICS(ctx, "s1", &buf); err != nil {
		t.Fatalf("WriteICS: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"BEGIN:VCALENDAR", "PRODID:" + productID, "UID:e1@s1", "SUMMARY:손주 방문", "DTSTART;VALUE=DATE:20260410", "DTEND;VALUE=DATE:20260411"} {
		if !strings.Contains(out, want) {
			t.Errorf("ics missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "BEGIN:VEVENT") != 2 {
		t.Fatalf("want 2 events:\n%s", out)
	}
}

func TestWriteICSEmptyCalendar(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	var buf bytes.Buffer
	if err := svc.WriteICS(context.Background(), "s1", &buf); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("wrote %d bytes for an empty calendar", buf.Len())
	}
}
