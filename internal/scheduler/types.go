package scheduler

import (
	"context"
	"time"

	"tripot/internal/civiltime"
	"tripot/internal/storage"
	"tripot/internal/transport"
)

// Config controls the daemon.
type Config struct {
	Enabled         bool
	Tick            time.Duration // must stay below one minute
	MaxCatchUp      time.Duration
	DispatchTimeout time.Duration
	Timezone        string
}

const (
	DefaultTick            = 20 * time.Second
	DefaultMaxCatchUp      = 5 * time.Minute
	DefaultDispatchTimeout = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Tick <= 0 || c.Tick >= time.Minute {
		c.Tick = DefaultTick
	}
	if c.MaxCatchUp <= 0 {
		c.MaxCatchUp = DefaultMaxCatchUp
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	return c
}

// TriggerSource yields every enabled trigger.
type TriggerSource interface {
	ListEnabledTriggers(ctx context.Context) ([]storage.Trigger, error)
}

// Dispatcher routes a Trigger Event to wherever it should go. An offline
// user is not an error.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev transport.TriggerEvent) error
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, ev transport.TriggerEvent) error

func (f DispatchFunc) Dispatch(ctx context.Context, ev transport.TriggerEvent) error {
	return f(ctx, ev)
}

// StoreSource reads enabled triggers through a storage view.
func StoreSource(st storage.Store) TriggerSource { return storeSource{st: st} }

type storeSource struct{ st storage.Store }

func (s storeSource) ListEnabledTriggers(ctx context.Context) (out []storage.Trigger, err error) {
	err = s.st.View(ctx, func(tx storage.Tx) error {
		out, err = tx.ListEnabledTriggers(ctx)
		return err
	})
	return out, err
}

// ActiveTrigger is one entry of the current snapshot.
type ActiveTrigger struct {
	ID      int64               `json:"id"`
	UserID  string              `json:"user_id"`
	At      civiltime.TimeOfDay `json:"time"`
	Enabled bool                `json:"enabled"`
	Next    time.Time           `json:"next"`
}

// Status is the daemon diagnostics view.
type Status struct {
	Running      bool      `json:"running"`
	Timezone     string    `json:"timezone"`
	Tick         string    `json:"tick"`
	Triggers     int       `json:"triggers"`
	BuiltAt      time.Time `json:"built_at"`
	LastMinute   time.Time `json:"last_minute"`
	NextRebuild  time.Time `json:"next_rebuild"`
	Fired        uint64    `json:"fired"`
	Failed       uint64    `json:"failed"`
	SkippedCatch uint64    `json:"skipped_catch_up"`
}
