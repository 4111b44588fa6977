package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"tripot/internal/storage"
)

// snapshot is immutable once published.
type snapshot struct {
	byMinute map[int][]storage.Trigger
	count    int
	builtAt  time.Time
}

func buildSnapshot(ts []storage.Trigger, now time.Time) *snapshot {
	s := &snapshot{byMinute: map[int][]storage.Trigger{}, builtAt: now}
	for _, t := range ts {
		if !t.Enabled {
			continue
		}
		m := t.At.MinuteOfDay()
		s.byMinute[m] = append(s.byMinute[m], t)
		s.count++
	}
	return s
}

func (s *snapshot) at(minuteOfDay int) []storage.Trigger {
	if s == nil {
		return nil
	}
	return s.byMinute[minuteOfDay]
}

func (s *snapshot) all() []storage.Trigger {
	if s == nil {
		return nil
	}
	out := make([]storage.Trigger, 0, s.count)
	for _, ts := range s.byMinute {
		out = append(out, ts...)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].At.MinuteOfDay(), out[j].At.MinuteOfDay()
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out
}

var (
	parser   = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	midnight = mustParse("@midnight")
)

func mustParse(spec string) cron.Schedule {
	s, err := parser.Parse(spec)
	if err != nil {
		panic(err)
	}
	return s
}

// nextMidnight is the next civil midnight strictly after now, in now's zone.
func nextMidnight(now time.Time) time.Time { return midnight.Next(now) }

// nextFire is the next instant the trigger's daily time comes round after now.
func nextFire(t storage.Trigger, now time.Time) time.Time {
	s, err := parser.Parse(fmt.Sprintf("%d %d * * *", t.At.Minute, t.At.Hour))
	if err != nil {
		return time.Time{}
	}
	return s.Next(now)
}
