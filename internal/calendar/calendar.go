// Package calendar is the per-senior calendar resource: families replace
// the events of one date at a time and the senior app polls for changes
// through the calendar ledger.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tripot/internal/civiltime"
	"tripot/internal/fault"
	"tripot/internal/ledger"
	"tripot/internal/storage"
	logx "tripot/pkg/logx"
)

const (
	DateLayout = "2006-01-02"
	DotColor   = "#50cebb"
)

type UpdateRequest struct {
	SeniorUserID string          `json:"senior_user_id"`
	FamilyUserID string          `json:"family_user_id"`
	Date         string          `json:"date"`
	Events       []storage.Event `json:"events"`
}

type UpdateResult struct {
	SeniorUserID string          `json:"senior_user_id"`
	Date         string          `json:"date"`
	Events       []storage.Event `json:"events"`
	UpdatedBy    string          `json:"updated_by"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Snapshot is the view-current answer.
type Snapshot struct {
	SeniorUserID  string           `json:"senior_user_id"`
	CalendarData  storage.Calendar `json:"calendar_data"`
	LastUpdated   *time.Time       `json:"last_updated"`
	LastUpdatedBy string           `json:"last_updated_by,omitempty"`
}

type Service struct {
	store  storage.Store
	ledger *ledger.Ledger
	clock  civiltime.Clock
	log    logx.Logger
}

// New wires the calendar into led as the "calendar" resource.
func New(store storage.Store, led *ledger.Ledger, clock civiltime.Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{store: store, ledger: led, clock: clock, log: log}
	led.Register(ledger.ResourceCalendar, func(ctx context.Context, tx storage.Tx, user string) (any, error) {
		return tx.GetCalendar(ctx, user)
	})
	return s
}

// UpdateDay replaces the events of one date. An empty event list removes
// the date. The calendar ledger is stamped in the same transaction.
func (s *Service) UpdateDay(ctx context.Context, req UpdateRequest) (UpdateResult, error) {
	const op = "calendar.UpdateDay"
	senior := strings.TrimSpace(req.SeniorUserID)
	family := strings.TrimSpace(req.FamilyUserID)
	if senior == "" || family == "" {
		return UpdateResult{}, fault.Validation(op, "senior_user_id and family_user_id are required")
	}
	if _, err := time.Parse(DateLayout, req.Date); err != nil {
		return UpdateResult{}, fault.Validation(op, "invalid date %q, expected YYYY-MM-DD", req.Date)
	}
	now := s.clock.Now()
	events := make([]storage.Event, 0, len(req.Events))
	for i, ev := range req.Events {
		if strings.TrimSpace(ev.Text) == "" {
			return UpdateResult{}, fault.Validation(op, "event %d has empty text", i)
		}
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		events = append(events, ev)
	}

	at, err := s.ledger.Mutate(ctx, senior, ledger.ResourceCalendar, family, func(tx storage.Tx) error {
		if _, err := tx.GetUser(ctx, senior); err != nil {
			return notFound(op, "senior", senior, err)
		}
		if _, err := tx.GetUser(ctx, family); err != nil {
			return notFound(op, "family", family, err)
		}
		if len(events) == 0 {
			return tx.DeleteCalendarDay(ctx, senior, req.Date)
		}
		return tx.PutCalendarDay(ctx, senior, req.Date, storage.Day{Events: events, Marked: true, DotColor: DotColor})
	})
	if err != nil {
		return UpdateResult{}, err
	}
	s.log.Info("calendar day updated",
		logx.String("senior", senior),
		logx.String("family", family),
		logx.String("date", req.Date),
		logx.Int("events", len(events)))
	return UpdateResult{SeniorUserID: senior, Date: req.Date, Events: events, UpdatedBy: family, UpdatedAt: at}, nil
}

// Get returns the whole calendar without acknowledging any update.
func (s *Service) Get(ctx context.Context, senior string) (Snapshot, error) {
	v, err := s.ledger.View(ctx, senior, ledger.ResourceCalendar)
	if err != nil {
		return Snapshot{}, err
	}
	cal, _ := v.Payload.(storage.Calendar)
	if cal == nil {
		cal = storage.Calendar{}
	}
	snap := Snapshot{SeniorUserID: senior, CalendarData: cal, LastUpdatedBy: v.State.LastModifiedBy}
	if !v.State.LastModified.IsZero() {
		t := v.State.LastModified
		snap.LastUpdated = &t
	}
	return snap, nil
}

// CheckUpdates is the senior app's poll: calendar data comes back only
// when a family member changed something since the previous poll.
func (s *Service) CheckUpdates(ctx context.Context, senior string) (ledger.Result, error) {
	return s.ledger.Check(ctx, senior, ledger.ResourceCalendar)
}

func notFound(op, role, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fault.NotFound(op, "%s user %q not found", role, id)
	}
	return fmt.Errorf("%s user %q: %w", role, id, err)
}
