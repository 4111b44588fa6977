// Package civiltime is the time source for every time-of-day comparison in
// tripot. All wall-clock reads go through a Clock bound to one fixed civil
// zone so tests can inject a fake.
package civiltime

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultZone is the civil zone used when the config leaves it empty.
const DefaultZone = "Asia/Seoul"

// Clock abstracts wall-clock reads and tickers. Now is always expressed in
// the clock's civil zone.
type Clock interface {
	Now() time.Time
	Location() *time.Location
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks on C until Stop is called.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

func (t Ticker) Stop() {
	if t.stop != nil {
		t.stop()
	}
}

// LoadZone resolves an IANA zone name, defaulting to DefaultZone.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("civil time zone %q: %w", name, err)
	}
	return loc, nil
}

type realClock struct{ loc *time.Location }

// Real returns the process wall clock projected into loc.
func Real(loc *time.Location) Clock {
	if loc == nil {
		loc = time.Local
	}
	return realClock{loc: loc}
}

func (c realClock) Now() time.Time           { return time.Now().In(c.loc) }
func (c realClock) Location() *time.Location { return c.loc }

func (c realClock) NewTicker(d time.Duration) Ticker {
	t := time.NewTicker(d)
	return Ticker{C: t.C, stop: t.Stop}
}

// FakeClock is a deterministic Clock for tests. Time stands still until Set
// or Advance is called; every advance sends one non-blocking tick to each
// live ticker.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	loc     *time.Location
	tickers map[int]chan time.Time
	seq     int
}

func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial, loc: initial.Location(), tickers: map[int]chan time.Time{}}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Location() *time.Location { return c.loc }

func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.seq++
	id := c.seq
	c.tickers[id] = ch
	return Ticker{C: ch, stop: func() {
		c.mu.Lock()
		delete(c.tickers, id)
		c.mu.Unlock()
	}}
}

// Advance moves the clock forward by d and ticks every live ticker once.
func (c *FakeClock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

// Set jumps the clock to t and ticks every live ticker once.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.In(c.loc)
	now := c.now
	chs := make([]chan time.Time, 0, len(c.tickers))
	for _, ch := range c.tickers {
		chs = append(chs, ch)
	}
	c.mu.Unlock()

	for _, ch := range chs {
		select {
		case ch <- now:
		default:
		}
	}
}

// Snapshot is the civil-time diagnostics answer.
type Snapshot struct {
	UTC   time.Time `json:"utc"`
	Local time.Time `json:"local"`
	Zone  string    `json:"timezone"`
}

// Query reports the current instant in UTC and in the clock's zone.
func Query(c Clock) Snapshot {
	now := c.Now()
	return Snapshot{UTC: now.UTC(), Local: now.In(c.Location()), Zone: c.Location().String()}
}
