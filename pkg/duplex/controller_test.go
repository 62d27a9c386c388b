package duplex

import (
	"errors"
	"testing"
	"time"
)

func tokenChan(words ...string) chan string {
	ch := make(chan string, len(words))
	for _, w := range words {
		ch <- w
	}
	close(ch)
	return ch
}

func TestConversationControllerDeliversCleanTurn(t *testing.T) {
	planner := NewSpeechPlanner(DefaultConfig())
	c := NewConversationController(planner, nil, 0, nil, nil)

	var delivered []SpeechAct
	tts := func(a SpeechAct) error {
		delivered = append(delivered, a)
		return nil
	}

	tokens := tokenChan("This is a long enough sentence to form a real speech act. ",
		"And here is a second one that also clears the minimum character bar.")

	acts := c.Speak(tokens, tts, false)
	if len(acts) == 0 {
		t.Fatal("expected at least one delivered speech act")
	}
	if c.State() != StateListening {
		t.Fatalf("expected controller to return to listening, got %s", c.State())
	}
	if len(delivered) != len(acts) {
		t.Fatalf("expected tts callback invoked once per delivered act")
	}
}

func TestConversationControllerBargeInPreservesPrefix(t *testing.T) {
	planner := NewSpeechPlanner(DefaultConfig())
	var bargeInFired bool
	c := NewConversationController(planner, nil, 0, func() { bargeInFired = true }, nil)

	tokens := make(chan string)
	deliveredCh := make(chan []SpeechAct, 1)

	firstActDelivered := make(chan struct{}, 1)
	tts := func(a SpeechAct) error {
		select {
		case firstActDelivered <- struct{}{}:
		default:
		}
		return nil
	}

	go func() {
		deliveredCh <- c.Speak(tokens, tts, false)
	}()

	tokens <- "This sentence is long enough to be spoken as a full statement act. "

	select {
	case <-firstActDelivered:
	case <-time.After(time.Second):
		t.Fatal("expected the first statement to be delivered")
	}

	c.BargeIn("wait stop")
	close(tokens)

	select {
	case <-deliveredCh:
	case <-time.After(time.Second):
		t.Fatal("Speak did not return after barge-in")
	}

	if !bargeInFired {
		t.Fatal("expected onBargeIn callback to fire")
	}
	draft := c.LastInterruptedDraft()
	if draft == nil {
		t.Fatal("expected an interrupted draft to be recorded")
	}
	if draft.InputThatInterrupted != "wait stop" {
		t.Fatalf("expected interrupting input preserved, got %q", draft.InputThatInterrupted)
	}
	if len(draft.CompletedActs) != 1 || draft.CompletedActs[0].Text != "This sentence is long enough to be spoken as a full statement act." {
		t.Fatalf("expected the draft to hold the one act already spoken, got %+v", draft.CompletedActs)
	}
}

func TestConversationControllerBargeInCooldownIsNoOp(t *testing.T) {
	planner := NewSpeechPlanner(DefaultConfig())
	var bargeInCalls int
	c := NewConversationController(planner, nil, 200*time.Millisecond, func() { bargeInCalls++ }, nil)

	tokens := make(chan string)
	deliveredCh := make(chan []SpeechAct, 1)
	firstActDelivered := make(chan struct{}, 1)
	tts := func(a SpeechAct) error {
		select {
		case firstActDelivered <- struct{}{}:
		default:
		}
		return nil
	}

	go func() {
		deliveredCh <- c.Speak(tokens, tts, false)
	}()

	tokens <- "A statement long enough to be interrupted mid-delivery right here. "

	select {
	case <-firstActDelivered:
	case <-time.After(time.Second):
		t.Fatal("expected the first statement to be delivered")
	}

	c.BargeIn("first")
	c.BargeIn("second") // within cooldown: must be a true no-op
	close(tokens)

	select {
	case <-deliveredCh:
	case <-time.After(time.Second):
		t.Fatal("Speak did not return after barge-in")
	}

	if bargeInCalls != 1 {
		t.Fatalf("expected exactly one onBargeIn callback, got %d", bargeInCalls)
	}
	m := c.GetMetrics()
	if m.BargeInCount != 1 {
		t.Fatalf("expected bargeInCount to stay at 1 across cooldown-suppressed calls, got %d", m.BargeInCount)
	}
	draft := c.LastInterruptedDraft()
	if draft == nil || draft.InputThatInterrupted != "first" {
		t.Fatalf("expected the draft to reflect the first barge-in only, got %+v", draft)
	}
}

func TestConversationControllerTTSErrorStopsDelivery(t *testing.T) {
	planner := NewSpeechPlanner(DefaultConfig())
	c := NewConversationController(planner, nil, 0, nil, nil)

	calls := 0
	tts := func(a SpeechAct) error {
		calls++
		return errors.New("tts down")
	}

	tokens := tokenChan("First statement long enough to trip a break point here. ",
		"Second statement that would also be long enough on its own.")

	acts := c.Speak(tokens, tts, false)
	if len(acts) != 0 {
		t.Fatalf("expected no acts delivered once tts errors, got %d", len(acts))
	}
	if calls != 1 {
		t.Fatalf("expected exactly one tts attempt before stopping, got %d", calls)
	}
}

func TestConversationControllerHistoryOrdering(t *testing.T) {
	planner := NewSpeechPlanner(DefaultConfig())
	c := NewConversationController(planner, nil, 0, nil, nil)
	c.RecordUserTurn("hello there")

	tts := func(SpeechAct) error { return nil }
	tokens := tokenChan("A sufficiently long single statement to clear the minimum bar. ")
	c.Speak(tokens, tts, false)

	hist := c.History(0)
	if len(hist) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(hist))
	}
	if hist[0].Speaker != "user" || hist[1].Speaker != "assistant" {
		t.Fatalf("expected user turn before assistant turn, got %+v", hist)
	}
}
