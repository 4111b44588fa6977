// Package scheduler is the daemon that turns persisted conversation
// triggers into Trigger Events.
//
// The enabled triggers live in an immutable snapshot indexed by
// minute-of-day. Reconfigure builds a new snapshot from storage and swaps it
// in atomically, so a tick always sees either the old or the new set. The
// tick loop evaluates every civil minute at most once: it remembers the last
// evaluated minute and walks (last, now] on every tick, which survives late
// ticks without double-firing.
//
// At civil midnight the snapshot is rebuilt before the new day's first
// minute is evaluated.
package scheduler
