// Package eventbus is an in-process fanout of lifecycle signals.
//
// Publish never blocks: each subscriber owns a buffered channel and events
// are dropped for subscribers that fall behind. Nothing in tripot depends on
// an event being seen; the bus feeds logs and diagnostics only.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by tripot components.
const (
	TopicTriggerFired  = "trigger.fired"
	TopicSessionOpened = "session.opened"
	TopicSessionClosed = "session.closed"
	TopicLedgerStamped = "ledger.stamped"
	TopicSchedule      = "scheduler.reconfigured"
)

type Event struct {
	Topic  string
	Time   time.Time
	UserID string
	Data   any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, topics ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns a fanout bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

// Nop discards everything. Components fall back to it when no bus is wired.
func Nop() Bus { return nopBus{} }

type sub struct {
	ch     chan Event
	topics map[string]struct{}
}

func (s *sub) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Topic) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		// Unsubscribe may close the channel between the snapshot and the send.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

// Subscribe registers a subscriber for topics, or for every topic when none
// are given.
func (b *memBus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		s.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			s.topics[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
func (nopBus) Dropped() uint64 { return 0 }
