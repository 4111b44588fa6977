package storage

import (
	"context"
	"errors"
	"time"

	"tripot/internal/civiltime"
)

var (
	ErrNotFound = errors.New("not found")
	ErrReadOnly = errors.New("write inside read-only transaction")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// If Driver is empty it defaults to "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// User is a senior or family member. DisplayName is optional and empty when
// unset.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// OriginSelf marks triggers the senior created for themself.
const OriginSelf = "self"

// Trigger is one daily conversation time for a user.
type Trigger struct {
	ID        int64               `json:"id"`
	UserID    string              `json:"user_id"`
	At        civiltime.TimeOfDay `json:"time"`
	Enabled   bool                `json:"enabled"`
	Origin    string              `json:"origin"`
	CreatedAt time.Time           `json:"created_at"`
}

// Event is one calendar entry on a date.
type Event struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Day is the set of events recorded on one date.
type Day struct {
	Events   []Event `json:"events"`
	Marked   bool    `json:"marked"`
	DotColor string  `json:"dotColor"`
}

// Calendar maps a YYYY-MM-DD date to its day.
type Calendar map[string]Day

// LedgerRow holds the update-sync timestamps of one (user, resource) pair.
// Zero times mean unset.
type LedgerRow struct {
	LastModified   time.Time `json:"last_modified"`
	LastModifiedBy string    `json:"last_modified_by,omitempty"`
	LastChecked    time.Time `json:"last_checked"`
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	GetUser(ctx context.Context, id string) (User, error)
	PutUser(ctx context.Context, u User) error

	ListTriggers(ctx context.Context, userID string) ([]Trigger, error)
	ListEnabledTriggers(ctx context.Context) ([]Trigger, error)
	GetTrigger(ctx context.Context, id int64) (Trigger, error)
	// ReplaceTriggers removes every trigger of userID and inserts one enabled
	// trigger per time, in order.
	ReplaceTriggers(ctx context.Context, userID string, times []civiltime.TimeOfDay, origin string, now time.Time) ([]Trigger, error)
	SetTriggerEnabled(ctx context.Context, id int64, enabled bool) error
	DeleteTrigger(ctx context.Context, id int64) error
	DeleteTriggers(ctx context.Context, userID string) (int, error)

	GetCalendar(ctx context.Context, userID string) (Calendar, error)
	PutCalendarDay(ctx context.Context, userID, date string, day Day) error
	DeleteCalendarDay(ctx context.Context, userID, date string) error

	// GetLedger returns the zero row when nothing was recorded yet.
	GetLedger(ctx context.Context, userID, resource string) (LedgerRow, error)
	PutLedger(ctx context.Context, userID, resource string, row LedgerRow) error
}

// Store runs transactions against one backend.
type Store interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}
