package calendar

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/emersion/go-ical"

	"tripot/internal/fault"
)

const productID = "-//tripot//calendar//KO"

// WriteICS encodes the senior's calendar as iCalendar, one all-day VEVENT
// per event.
func (s *Service) WriteICS(ctx context.Context, senior string, w io.Writer) error {
	snap, err := s.Get(ctx, senior)
	if err != nil {
		return err
	}
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	dates := make([]string, 0, len(snap.CalendarData))
	for d := range snap.CalendarData {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	stamp := s.clock.Now().UTC()
	loc := s.clock.Location()
	for _, d := range dates {
		day, err := time.ParseInLocation(DateLayout, d, loc)
		if err != nil {
			s.log.Debug("skipping malformed calendar date")
			continue
		}
		for _, ev := range snap.CalendarData[d].Events {
			ve := ical.NewComponent(ical.CompEvent)
			ve.Props.SetText(ical.PropUID, ev.ID+"@"+senior)
			ve.Props.SetText(ical.PropSummary, ev.Text)
			ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
			ve.Props.SetDate(ical.PropDateTimeStart, day)
			ve.Props.SetDate(ical.PropDateTimeEnd, day.AddDate(0, 0, 1))
			if !ev.CreatedAt.IsZero() {
				ve.Props.SetDateTime(ical.PropCreated, ev.CreatedAt.UTC())
			}
			cal.Children = append(cal.Children, ve)
		}
	}
	if len(cal.Children) == 0 {
		// iCalendar requires at least one component.
		return fault.NotFound("calendar.WriteICS", "no calendar events for %q", senior)
	}
	return ical.NewEncoder(w).Encode(cal)
}
