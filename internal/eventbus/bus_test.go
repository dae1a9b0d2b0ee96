package eventbus

import "testing"

func TestPublishFansOutAndDrops(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: DispatchNotified})
	b.Publish(Event{Type: DispatchFailed}) // a is full; dropped for a only

	if e := <-a; e.Type != DispatchNotified || e.Time.IsZero() {
		t.Fatalf("a got %+v", e)
	}
	if len(c) != 2 {
		t.Fatalf("c buffered %d events, want 2", len(c))
	}

	unsubA()
	unsubA()
	b.Publish(Event{Type: LifecycleState})
	if _, ok := <-a; ok {
		t.Fatal("unsubscribed channel still open")
	}
}
