package eventbus

import "testing"

func TestPublishFiltersTopics(t *testing.T) {
	t.Parallel()
	b := New()
	fired, unsub := b.Subscribe(4, TopicTriggerFired)
	defer unsub()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Topic: TopicLedgerStamped, UserID: "s1"})
	b.Publish(Event{Topic: TopicTriggerFired, UserID: "s1"})

	select {
	case e := <-fired:
		if e.Topic != TopicTriggerFired || e.Time.IsZero() {
			t.Fatalf("unexpected event %+v", e)
		}
	default:
		t.Fatal("filtered subscriber got nothing")
	}
	select {
	case e := <-fired:
		t.Fatalf("filtered subscriber got extra event %+v", e)
	default:
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber buffered %d events, want 2", len(all))
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 3; i++ {
		b.Publish(Event{Topic: TopicSessionOpened})
	}
	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped = %d, want 2", got)
	}
}

func TestUnsubscribeCloses(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	b.Publish(Event{Topic: TopicSessionClosed})
}
