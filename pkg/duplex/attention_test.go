package duplex

import "testing"

func TestAttentionEventBusDropsNewestOnOverflow(t *testing.T) {
	bus := NewAttentionEventBus(2)

	bus.Publish(AttentionEvent{Kind: EventWorldUpdate, Data: map[string]interface{}{"n": 1}})
	bus.Publish(AttentionEvent{Kind: EventWorldUpdate, Data: map[string]interface{}{"n": 2}})
	bus.Publish(AttentionEvent{Kind: EventWorldUpdate, Data: map[string]interface{}{"n": 3}})

	queued, dropped := bus.Stats()
	if queued != 2 {
		t.Fatalf("expected 2 queued, got %d", queued)
	}
	if dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", dropped)
	}

	items := bus.Drain(10)
	if len(items) != 2 {
		t.Fatalf("expected 2 drained, got %d", len(items))
	}
	if items[0].Data["n"] != 1 || items[1].Data["n"] != 2 {
		t.Fatal("expected the two oldest events to survive, in FIFO order")
	}
}

func TestAttentionEventBusDrainPartial(t *testing.T) {
	bus := NewAttentionEventBus(10)
	for i := 0; i < 5; i++ {
		bus.Publish(AttentionEvent{Kind: EventPatternDetected})
	}

	first := bus.Drain(2)
	if len(first) != 2 {
		t.Fatalf("expected 2, got %d", len(first))
	}
	queued, _ := bus.Stats()
	if queued != 3 {
		t.Fatalf("expected 3 remaining queued, got %d", queued)
	}

	rest := bus.Drain(0)
	if len(rest) != 3 {
		t.Fatalf("expected drain(0) to drain all remaining, got %d", len(rest))
	}
}
